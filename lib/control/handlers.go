// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/bureau-foundation/realm/lib/codec"
	"github.com/bureau-foundation/realm/lib/event"
	"github.com/bureau-foundation/realm/lib/manager"
	"github.com/bureau-foundation/realm/lib/moniker"
)

// Register installs the realm actions of m on server.
func Register(server *Server, m *manager.Manager, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{manager: m, logger: logger}

	server.Handle(ActionBind, h.lifecycle(m.Bind))
	server.Handle(ActionStart, h.lifecycle(m.Start))
	server.Handle(ActionStop, h.lifecycle(m.Stop))
	server.Handle(ActionDestroy, h.lifecycle(m.Destroy))
	server.Handle(ActionListChildren, h.listChildren)
	server.Handle(ActionCreateChild, h.createChild)
	server.Handle(ActionRoute, h.route)
	server.Handle(ActionRouteExpose, h.route)
	server.Handle(ActionRoutedUses, h.routedUses)
	server.Handle(ActionShow, h.show)
	server.Handle(ActionPending, h.pending)
	server.HandleStream(ActionSubscribe, h.subscribe)
}

type handlers struct {
	manager *manager.Manager
	logger  *slog.Logger
}

func decodeRequest[T any](raw []byte) (T, error) {
	var request T
	if err := codec.Unmarshal(raw, &request); err != nil {
		return request, fmt.Errorf("invalid request: %w", err)
	}
	return request, nil
}

func (h *handlers) lifecycle(operation func(context.Context, moniker.Moniker) error) ActionFunc {
	return func(ctx context.Context, raw []byte) (any, error) {
		request, err := decodeRequest[MonikerRequest](raw)
		if err != nil {
			return nil, err
		}
		return nil, operation(ctx, request.Moniker)
	}
}

func (h *handlers) listChildren(ctx context.Context, raw []byte) (any, error) {
	request, err := decodeRequest[MonikerRequest](raw)
	if err != nil {
		return nil, err
	}
	return h.manager.ListChildren(ctx, request.Moniker)
}

func (h *handlers) createChild(ctx context.Context, raw []byte) (any, error) {
	request, err := decodeRequest[CreateChildRequest](raw)
	if err != nil {
		return nil, err
	}
	created, err := h.manager.CreateChild(ctx, request.Parent, request.Collection, request.Child)
	if err != nil {
		return nil, err
	}
	return CreateChildResponse{Moniker: created}, nil
}

func (h *handlers) route(ctx context.Context, raw []byte) (any, error) {
	request, err := decodeRequest[RouteRequest](raw)
	if err != nil {
		return nil, err
	}
	if request.Action == ActionRouteExpose {
		if request.Kind == "" {
			return nil, errors.New("route_expose: kind is required")
		}
		return h.manager.RouteExpose(ctx, request.Moniker, request.Kind, request.Name)
	}
	return h.manager.Route(ctx, request.Moniker, request.Name)
}

func (h *handlers) routedUses(ctx context.Context, raw []byte) (any, error) {
	request, err := decodeRequest[MonikerRequest](raw)
	if err != nil {
		return nil, err
	}
	return h.manager.RoutedUses(ctx, request.Moniker)
}

func (h *handlers) show(ctx context.Context, raw []byte) (any, error) {
	request, err := decodeRequest[MonikerRequest](raw)
	if err != nil {
		return nil, err
	}
	return h.manager.Show(ctx, request.Moniker)
}

func (h *handlers) pending(context.Context, []byte) (any, error) {
	return h.manager.PendingDestroy(), nil
}

// subscribe streams event records. For sync subscriptions the client's
// Resume for each event is applied before the next event is written.
func (h *handlers) subscribe(ctx context.Context, raw []byte, conn *Stream) error {
	request, err := decodeRequest[SubscribeRequest](raw)
	if err != nil {
		return err
	}
	if request.Mode != "" && request.Mode != event.Async && request.Mode != event.Sync {
		return fmt.Errorf("unknown subscription mode %q", request.Mode)
	}
	for _, eventType := range request.Types {
		if !eventType.IsKnown() {
			return fmt.Errorf("unknown event type %q", eventType)
		}
	}
	stream := h.manager.Subscribe(event.Options{
		Scope: request.Scope,
		Types: request.Types,
		Mode:  request.Mode,
	})
	defer stream.Close()
	conn.Accept()
	h.logger.Info("event stream opened", "scope", request.Scope.String(), "mode", request.Mode)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-stream.Events():
			if !ok {
				return nil
			}
			if err := conn.Send(e.Record()); err != nil {
				e.Resume(nil)
				return err
			}
			if !e.Sync() {
				continue
			}
			var resume Resume
			if err := conn.Receive(&resume); err != nil {
				e.Resume(nil)
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			if resume.Error != "" {
				e.Resume(errors.New(resume.Error))
			} else {
				e.Resume(nil)
			}
		}
	}
}
