// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/google/uuid"

	"github.com/bureau-foundation/realm/lib/clock"
	"github.com/bureau-foundation/realm/lib/moniker"
)

// ErrTimeout is returned by Dispatch when sync subscribers do not
// resume within the sync timeout.
var ErrTimeout = errors.New("event: sync subscribers did not resume in time")

// Mode selects how the emitter waits for a subscriber.
type Mode string

const (
	Async Mode = "async"
	Sync  Mode = "sync"
)

// Options configures a subscription.
type Options struct {
	// Scope limits delivery to events targeting Scope or a descendant.
	// The zero value is the root, which sees everything.
	Scope moniker.Moniker

	// Types limits delivery to the listed types. Empty means all.
	Types []Type

	Mode Mode

	// Buffer is the channel capacity. Zero uses the registry default.
	Buffer int
}

// Config configures a Registry.
type Config struct {
	Clock clock.Clock

	// SyncTimeout bounds the wait for sync subscribers. Zero means 30s.
	SyncTimeout time.Duration

	// Buffer is the default subscriber channel capacity. Zero means 64.
	Buffer int

	Logger *slog.Logger
}

// Registry holds the dispatchers of live streams.
type Registry struct {
	clock       clock.Clock
	syncTimeout time.Duration
	buffer      int
	logger      *slog.Logger

	mu          sync.Mutex
	dispatchers []*dispatcher
}

// NewRegistry creates an empty registry.
func NewRegistry(config Config) *Registry {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = 30 * time.Second
	}
	if config.Buffer <= 0 {
		config.Buffer = 64
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Registry{
		clock:       config.Clock,
		syncTimeout: config.SyncTimeout,
		buffer:      config.Buffer,
		logger:      config.Logger,
	}
}

// Subscribe registers a dispatcher and returns the stream that owns it.
func (r *Registry) Subscribe(options Options) *Stream {
	if options.Mode == "" {
		options.Mode = Async
	}
	buffer := options.Buffer
	if buffer <= 0 {
		buffer = r.buffer
	}
	d := &dispatcher{
		options: options,
		events:  make(chan Event, buffer),
		closed:  make(chan struct{}),
	}
	stream := &Stream{dispatcher: d, registry: r}
	d.stream = weak.Make(stream)
	stream.cleanup = runtime.AddCleanup(stream, r.remove, d)

	r.mu.Lock()
	r.dispatchers = append(r.dispatchers, d)
	r.mu.Unlock()
	return stream
}

// DispatcherCount returns the number of registered dispatchers.
func (r *Registry) DispatcherCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.dispatchers)
}

func (r *Registry) remove(d *dispatcher) {
	r.mu.Lock()
	if index := slices.Index(r.dispatchers, d); index >= 0 {
		r.dispatchers = slices.Delete(r.dispatchers, index, index+1)
	}
	r.mu.Unlock()
	d.close()
}

// Dispatch delivers e to every matching dispatcher and, if any are
// sync, waits for them to resume. ID and Timestamp are filled when
// zero. Async subscribers are delivered first.
func (r *Registry) Dispatch(ctx context.Context, e Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.clock.Now()
	}
	e.resume = nil

	var syncTargets []*dispatcher
	for _, d := range r.matching(e) {
		if d.options.Mode == Sync {
			syncTargets = append(syncTargets, d)
			continue
		}
		if !d.offer(e) {
			r.logger.Debug("event dropped for slow subscriber",
				"event_type", e.Type, "moniker", e.Target.String(), "scope", d.options.Scope.String())
		}
	}
	if len(syncTargets) == 0 {
		return nil
	}
	return r.dispatchSync(ctx, e, syncTargets)
}

func (r *Registry) dispatchSync(ctx context.Context, e Event, targets []*dispatcher) error {
	expired := make(chan struct{})
	timer := r.clock.AfterFunc(r.syncTimeout, func() { close(expired) })
	defer timer.Stop()

	type pending struct {
		dispatcher *dispatcher
		token      *resumeToken
	}
	waiting := make([]pending, 0, len(targets))
	for _, d := range targets {
		delivered := e
		delivered.resume = newResumeToken()
		switch err := d.deliver(ctx, delivered, expired); {
		case errors.Is(err, errStreamGone):
			continue
		case err != nil:
			return r.syncFailure(e, err)
		}
		waiting = append(waiting, pending{dispatcher: d, token: delivered.resume})
	}

	for _, p := range waiting {
		select {
		case <-p.token.done:
			if p.token.err != nil {
				r.logger.Info("transition vetoed by subscriber",
					"event_type", e.Type, "moniker", e.Target.String(), "error", p.token.err)
				return fmt.Errorf("%s event for %s vetoed: %w", e.Type, e.Target, p.token.err)
			}
		case <-p.dispatcher.closed:
		case <-expired:
			return r.syncFailure(e, ErrTimeout)
		case <-ctx.Done():
			return r.syncFailure(e, ctx.Err())
		}
	}
	return nil
}

func (r *Registry) syncFailure(e Event, err error) error {
	r.logger.Warn("sync event dispatch failed",
		"event_type", e.Type, "moniker", e.Target.String(), "error", err)
	return fmt.Errorf("dispatching %s event for %s: %w", e.Type, e.Target, err)
}

// matching returns the live dispatchers interested in e, pruning any
// whose stream has been collected.
func (r *Registry) matching(e Event) []*dispatcher {
	r.mu.Lock()
	var matched, gone []*dispatcher
	for _, d := range r.dispatchers {
		if d.stream.Value() == nil {
			gone = append(gone, d)
			continue
		}
		if d.matches(e) {
			matched = append(matched, d)
		}
	}
	r.mu.Unlock()

	for _, d := range gone {
		r.remove(d)
	}
	return matched
}

var errStreamGone = errors.New("stream closed")

type dispatcher struct {
	options Options
	stream  weak.Pointer[Stream]

	// mu is read-held by senders and write-held while closing events.
	mu        sync.RWMutex
	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once

	dropped atomic.Uint64
}

func (d *dispatcher) matches(e Event) bool {
	if !e.Target.HasPrefix(d.options.Scope) {
		return false
	}
	return len(d.options.Types) == 0 || slices.Contains(d.options.Types, e.Type)
}

// offer delivers without blocking. Returns false when the event was
// dropped.
func (d *dispatcher) offer(e Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	select {
	case <-d.closed:
		return true
	default:
	}
	select {
	case d.events <- e:
		return true
	default:
		d.dropped.Add(1)
		return false
	}
}

// deliver blocks until e is queued, the stream goes away, the sync
// deadline passes, or ctx ends.
func (d *dispatcher) deliver(ctx context.Context, e Event, expired <-chan struct{}) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	select {
	case <-d.closed:
		return errStreamGone
	default:
	}
	select {
	case d.events <- e:
		return nil
	case <-d.closed:
		return errStreamGone
	case <-expired:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *dispatcher) close() {
	d.closeOnce.Do(func() {
		close(d.closed)
		d.mu.Lock()
		close(d.events)
		d.mu.Unlock()
	})
}

// Stream is a subscription. Events arrive on [Stream.Events] until the
// stream is closed or collected.
type Stream struct {
	dispatcher *dispatcher
	registry   *Registry
	cleanup    runtime.Cleanup
}

// Events returns the delivery channel. It is closed when the stream is.
func (s *Stream) Events() <-chan Event { return s.dispatcher.events }

// Dropped returns the number of async events lost to a full buffer.
func (s *Stream) Dropped() uint64 { return s.dispatcher.dropped.Load() }

// Close unregisters the stream. Sync events it has not resumed count
// as resumed. Safe to call more than once.
func (s *Stream) Close() {
	s.cleanup.Stop()
	s.registry.remove(s.dispatcher)
}
