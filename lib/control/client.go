// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/bureau-foundation/realm/lib/codec"
	"github.com/bureau-foundation/realm/lib/decl"
	"github.com/bureau-foundation/realm/lib/event"
	"github.com/bureau-foundation/realm/lib/manager"
	"github.com/bureau-foundation/realm/lib/moniker"
	"github.com/bureau-foundation/realm/lib/namespace"
	"github.com/bureau-foundation/realm/lib/realm"
	"github.com/bureau-foundation/realm/lib/routing"
)

const (
	dialTimeout         = 5 * time.Second
	responseReadTimeout = 45 * time.Second
	maxResponseSize     = 16 * 1024 * 1024
)

// Client talks to a realm manager's control socket. Each unary call
// opens its own connection.
type Client struct {
	socketPath string
}

// NewClient returns a client for the socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Call sends request, which must carry its action, and decodes the
// response data into result when both are present.
func (c *Client) Call(ctx context.Context, action string, request any, result any) error {
	conn, response, err := c.exchange(ctx, request)
	if err != nil {
		return fmt.Errorf("calling %q on %s: %w", action, c.socketPath, err)
	}
	conn.Close()
	if !response.OK {
		return &Error{Action: action, Kind: response.Kind, Message: response.Error}
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding response data for %q: %w", action, err)
		}
	}
	return nil
}

func (c *Client) exchange(ctx context.Context, request any) (net.Conn, *Response, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting: %w", err)
	}
	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("writing request: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(responseReadTimeout))
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}
	return conn, &response, nil
}

func (c *Client) lifecycle(ctx context.Context, action string, target moniker.Moniker) error {
	return c.Call(ctx, action, MonikerRequest{Action: action, Moniker: target}, nil)
}

// Bind resolves the instance without starting it.
func (c *Client) Bind(ctx context.Context, target moniker.Moniker) error {
	return c.lifecycle(ctx, ActionBind, target)
}

// Start starts the instance.
func (c *Client) Start(ctx context.Context, target moniker.Moniker) error {
	return c.lifecycle(ctx, ActionStart, target)
}

// Stop stops the instance and its descendants.
func (c *Client) Stop(ctx context.Context, target moniker.Moniker) error {
	return c.lifecycle(ctx, ActionStop, target)
}

// Destroy destroys the instance and its subtree.
func (c *Client) Destroy(ctx context.Context, target moniker.Moniker) error {
	return c.lifecycle(ctx, ActionDestroy, target)
}

func (c *Client) ListChildren(ctx context.Context, target moniker.Moniker) ([]manager.ChildInfo, error) {
	var children []manager.ChildInfo
	err := c.Call(ctx, ActionListChildren, MonikerRequest{Action: ActionListChildren, Moniker: target}, &children)
	return children, err
}

func (c *Client) CreateChild(ctx context.Context, parent moniker.Moniker, collection string, child decl.ChildDecl) (moniker.Moniker, error) {
	var response CreateChildResponse
	err := c.Call(ctx, ActionCreateChild, CreateChildRequest{
		Action:     ActionCreateChild,
		Parent:     parent,
		Collection: collection,
		Child:      child,
	}, &response)
	return response.Moniker, err
}

func (c *Client) Route(ctx context.Context, target moniker.Moniker, name string) (*routing.RoutedSource, error) {
	var source routing.RoutedSource
	if err := c.Call(ctx, ActionRoute, RouteRequest{Action: ActionRoute, Moniker: target, Name: name}, &source); err != nil {
		return nil, err
	}
	return &source, nil
}

func (c *Client) RouteExpose(ctx context.Context, target moniker.Moniker, kind decl.Kind, name string) (*routing.RoutedSource, error) {
	var source routing.RoutedSource
	if err := c.Call(ctx, ActionRouteExpose, RouteRequest{Action: ActionRouteExpose, Moniker: target, Kind: kind, Name: name}, &source); err != nil {
		return nil, err
	}
	return &source, nil
}

// RoutedUses returns one entry per use of the instance. Failed uses
// carry an Err that matches their routing sentinel.
func (c *Client) RoutedUses(ctx context.Context, target moniker.Moniker) ([]namespace.RoutedUse, error) {
	var uses []namespace.RoutedUse
	if err := c.Call(ctx, ActionRoutedUses, MonikerRequest{Action: ActionRoutedUses, Moniker: target}, &uses); err != nil {
		return nil, err
	}
	for i := range uses {
		if uses[i].Message == "" {
			continue
		}
		failure := &Error{Action: ActionRoutedUses, Message: uses[i].Message}
		if uses[i].Failure != "" {
			failure.Kind = routingPrefix + uses[i].Failure
		}
		uses[i].Err = failure
	}
	return uses, nil
}

func (c *Client) Show(ctx context.Context, target moniker.Moniker) (manager.Info, error) {
	var info manager.Info
	err := c.Call(ctx, ActionShow, MonikerRequest{Action: ActionShow, Moniker: target}, &info)
	return info, err
}

func (c *Client) Pending(ctx context.Context) ([]realm.PendingDestroy, error) {
	var pending []realm.PendingDestroy
	err := c.Call(ctx, ActionPending, MonikerRequest{Action: ActionPending}, &pending)
	return pending, err
}

// Subscription is an open event stream.
type Subscription struct {
	conn    net.Conn
	decoder *codec.Decoder
	encoder *codec.Encoder
	sync    bool
}

// Subscribe opens an event stream. Cancelling ctx closes it.
func (c *Client) Subscribe(ctx context.Context, request SubscribeRequest) (*Subscription, error) {
	request.Action = ActionSubscribe
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.socketPath, err)
	}
	encoder := codec.NewEncoder(conn)
	if err := encoder.Encode(request); err != nil {
		conn.Close()
		return nil, fmt.Errorf("writing subscribe request: %w", err)
	}

	decoder := codec.NewDecoder(conn)
	conn.SetReadDeadline(time.Now().Add(responseReadTimeout))
	var response Response
	if err := decoder.Decode(&response); err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading subscribe response: %w", err)
	}
	if !response.OK {
		conn.Close()
		return nil, &Error{Action: ActionSubscribe, Kind: response.Kind, Message: response.Error}
	}
	conn.SetReadDeadline(time.Time{})

	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	return &Subscription{conn: conn, decoder: decoder, encoder: encoder, sync: request.Mode == event.Sync}, nil
}

// Next blocks for the next event. It returns io.EOF once the server
// closes the stream.
func (s *Subscription) Next() (event.Record, error) {
	var record event.Record
	if err := s.decoder.Decode(&record); err != nil {
		return event.Record{}, err
	}
	return record, nil
}

// Resume answers the last sync event. A non-nil veto rejects the
// transition. It must be called once after every Next of a sync
// subscription.
func (s *Subscription) Resume(veto error) error {
	if !s.sync {
		return nil
	}
	var resume Resume
	if veto != nil {
		resume.Error = veto.Error()
	}
	return s.encoder.Encode(resume)
}

// Close ends the subscription.
func (s *Subscription) Close() error {
	return s.conn.Close()
}
