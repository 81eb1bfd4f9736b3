// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/realm/lib/codec"
)

// ActionFunc processes one request. raw is the full CBOR request,
// including the "action" field. A nil result produces {ok: true}.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// StreamFunc serves a streaming action over stream. It calls
// [Stream.Accept] once it is ready, after which it owns the connection
// until ctx ends or the client goes away. An error returned before
// Accept is sent to the client as the failure response.
type StreamFunc func(ctx context.Context, raw []byte, stream *Stream) error

// Response is the envelope of every reply.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Kind  string           `cbor:"kind,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// Server serves the control protocol on a Unix socket. Unary actions
// handle one request per connection. Stream actions keep the
// connection open after replying.
type Server struct {
	socketPath string
	handlers   map[string]ActionFunc
	streams    map[string]StreamFunc
	logger     *slog.Logger

	activeConnections sync.WaitGroup
}

// NewServer creates a server that will listen on socketPath.
func NewServer(socketPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		handlers:   make(map[string]ActionFunc),
		streams:    make(map[string]StreamFunc),
		logger:     logger,
	}
}

// Handle registers a unary action. It panics on a duplicate name.
func (s *Server) Handle(action string, handler ActionFunc) {
	s.checkUnique(action)
	s.handlers[action] = handler
}

// HandleStream registers a streaming action. It panics on a duplicate
// name.
func (s *Server) HandleStream(action string, handler StreamFunc) {
	s.checkUnique(action)
	s.streams[action] = handler
}

func (s *Server) checkUnique(action string) {
	_, unary := s.handlers[action]
	_, stream := s.streams[action]
	if unary || stream {
		panic(fmt.Sprintf("control.Server: duplicate handler for action %q", action))
	}
}

// Serve accepts connections until ctx is cancelled, then waits for
// active handlers. A stale socket file is removed first and the socket
// is removed on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("control server listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

const (
	readTimeout    = 30 * time.Second
	writeTimeout   = 10 * time.Second
	maxRequestSize = 1024 * 1024
)

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	// One decoder serves the whole connection since it reads ahead.
	// The budget caps each item, not the connection.
	budget := &budgetReader{reader: conn, remaining: maxRequestSize}
	decoder := codec.NewDecoder(budget)
	receive := func(v any) error {
		budget.remaining = maxRequestSize
		return decoder.Decode(v)
	}

	var raw codec.RawMessage
	if err := receive(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeError(conn, fmt.Errorf("invalid request: %w", err))
		return
	}

	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeError(conn, fmt.Errorf("invalid request: %w", err))
		return
	}
	if header.Action == "" {
		s.writeError(conn, errors.New("missing required field: action"))
		return
	}

	if stream, ok := s.streams[header.Action]; ok {
		s.serveStream(ctx, conn, header.Action, raw, stream, receive)
		return
	}

	handler, ok := s.handlers[header.Action]
	if !ok {
		s.writeError(conn, fmt.Errorf("unknown action %q", header.Action))
		return
	}

	result, err := handler(ctx, []byte(raw))
	if err != nil {
		s.logger.Debug("action failed", "action", header.Action, "error", err)
		s.writeError(conn, err)
		return
	}
	s.writeSuccess(conn, result)
}

func (s *Server) serveStream(ctx context.Context, conn net.Conn, action string, raw codec.RawMessage, handler StreamFunc, receive func(any) error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-streamCtx.Done()
		conn.Close()
	}()

	stream := &Stream{server: s, conn: conn, encoder: codec.NewEncoder(conn), receive: receive}
	err := handler(streamCtx, []byte(raw), stream)
	switch {
	case err == nil:
	case !stream.accepted:
		s.writeError(conn, err)
	case streamCtx.Err() == nil:
		s.logger.Debug("stream ended", "action", action, "error", err)
	}
}

// Stream is the connection of a streaming action.
type Stream struct {
	server   *Server
	conn     net.Conn
	encoder  *codec.Encoder
	receive  func(any) error
	accepted bool
}

// Accept writes the success response and lifts the connection
// deadlines.
func (st *Stream) Accept() {
	st.server.writeSuccess(st.conn, nil)
	st.accepted = true
	st.conn.SetReadDeadline(time.Time{})
	st.conn.SetWriteDeadline(time.Time{})
}

// Send writes one CBOR item to the client.
func (st *Stream) Send(v any) error { return st.encoder.Encode(v) }

// Receive decodes the next CBOR item from the client.
func (st *Stream) Receive(v any) error { return st.receive(v) }

var errRequestTooLarge = fmt.Errorf("request exceeds %d bytes", maxRequestSize)

type budgetReader struct {
	reader    io.Reader
	remaining int64
}

func (b *budgetReader) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		return 0, errRequestTooLarge
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.reader.Read(p)
	b.remaining -= int64(n)
	return n, err
}

func (s *Server) writeError(conn net.Conn, err error) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if writeErr := codec.NewEncoder(conn).Encode(Response{
		OK:    false,
		Error: err.Error(),
		Kind:  errorKind(err),
	}); writeErr != nil {
		s.logger.Debug("failed to write error response", "error", writeErr)
	}
}

func (s *Server) writeSuccess(conn net.Conn, result any) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, fmt.Errorf("internal: marshaling response: %w", err))
			return
		}
		response.Data = data
	}

	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write success response", "error", err)
	}
}
