// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/bureau-foundation/realm/lib/clock"
	"github.com/bureau-foundation/realm/lib/moniker"
	"github.com/bureau-foundation/realm/lib/testutil"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) (*Registry, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(epoch)
	return NewRegistry(Config{Clock: fake, SyncTimeout: 10 * time.Second, Buffer: 4}), fake
}

func dispatchAsync(t *testing.T, registry *Registry, e Event) <-chan error {
	t.Helper()
	result := make(chan error, 1)
	go func() { result <- registry.Dispatch(context.Background(), e) }()
	return result
}

func TestAsyncScopeAndTypeFilter(t *testing.T) {
	registry, _ := newTestRegistry(t)
	stream := registry.Subscribe(Options{
		Scope: moniker.MustParse("core"),
		Types: []Type{TypeStarted},
	})
	defer stream.Close()

	ctx := context.Background()
	for _, e := range []Event{
		{Type: TypeStarted, Target: moniker.MustParse("other")},
		{Type: TypeStopped, Target: moniker.MustParse("core/a")},
		{Type: TypeStarted, Target: moniker.MustParse("core/a")},
	} {
		if err := registry.Dispatch(ctx, e); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}

	got := testutil.RequireReceive(t, stream.Events(), 5*time.Second, "matching event")
	if got.Type != TypeStarted || got.Target.String() != "core/a" {
		t.Errorf("received %s %s, want started core/a", got.Type, got.Target)
	}
	if !got.Timestamp.Equal(epoch) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, epoch)
	}
	testutil.RequireNoReceive(t, stream.Events(), 50*time.Millisecond, "filtered events")
}

func TestAsyncDropsWhenFull(t *testing.T) {
	registry, _ := newTestRegistry(t)
	stream := registry.Subscribe(Options{Buffer: 1})
	defer stream.Close()

	for range 3 {
		if err := registry.Dispatch(context.Background(), Event{Type: TypeStarted}); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	if dropped := stream.Dropped(); dropped != 2 {
		t.Errorf("Dropped = %d, want 2", dropped)
	}
}

func TestSyncWaitsForResume(t *testing.T) {
	registry, _ := newTestRegistry(t)
	stream := registry.Subscribe(Options{Mode: Sync})
	defer stream.Close()

	result := dispatchAsync(t, registry, Event{Type: TypeDestroying, Target: moniker.MustParse("a")})

	received := testutil.RequireReceive(t, stream.Events(), 5*time.Second, "sync event")
	if !received.Sync() {
		t.Fatal("sync subscriber received an event without a resume token")
	}
	testutil.RequireNoReceive(t, result, 50*time.Millisecond, "dispatch returned before resume")

	received.Resume(nil)
	if err := testutil.RequireReceive(t, result, 5*time.Second, "dispatch result"); err != nil {
		t.Errorf("Dispatch = %v, want nil", err)
	}
}

func TestSyncVeto(t *testing.T) {
	registry, _ := newTestRegistry(t)
	stream := registry.Subscribe(Options{Mode: Sync})
	defer stream.Close()

	denied := errors.New("policy says no")
	result := dispatchAsync(t, registry, Event{Type: TypeStarted, Target: moniker.MustParse("a")})

	received := testutil.RequireReceive(t, stream.Events(), 5*time.Second, "sync event")
	received.Resume(denied)
	received.Resume(nil)

	err := testutil.RequireReceive(t, result, 5*time.Second, "dispatch result")
	if !errors.Is(err, denied) {
		t.Errorf("Dispatch = %v, want veto wrapping %v", err, denied)
	}
}

func TestSyncTimeout(t *testing.T) {
	registry, fake := newTestRegistry(t)
	stream := registry.Subscribe(Options{Mode: Sync})
	defer stream.Close()

	result := dispatchAsync(t, registry, Event{Type: TypeStarted, Target: moniker.MustParse("a")})
	testutil.RequireReceive(t, stream.Events(), 5*time.Second, "sync event")

	fake.WaitForTimers(1)
	fake.Advance(10 * time.Second)

	err := testutil.RequireReceive(t, result, 5*time.Second, "dispatch result")
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Dispatch = %v, want ErrTimeout", err)
	}
}

func TestSyncContextCancel(t *testing.T) {
	registry, _ := newTestRegistry(t)
	stream := registry.Subscribe(Options{Mode: Sync})
	defer stream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- registry.Dispatch(ctx, Event{Type: TypeStarted}) }()
	testutil.RequireReceive(t, stream.Events(), 5*time.Second, "sync event")
	cancel()

	err := testutil.RequireReceive(t, result, 5*time.Second, "dispatch result")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Dispatch = %v, want context.Canceled", err)
	}
}

func TestClosedStreamCountsAsResumed(t *testing.T) {
	registry, _ := newTestRegistry(t)
	stream := registry.Subscribe(Options{Mode: Sync})

	result := dispatchAsync(t, registry, Event{Type: TypeStopped})
	testutil.RequireReceive(t, stream.Events(), 5*time.Second, "sync event")
	stream.Close()

	if err := testutil.RequireReceive(t, result, 5*time.Second, "dispatch result"); err != nil {
		t.Errorf("Dispatch = %v, want nil", err)
	}
	testutil.RequireClosed(t, stream.Events(), 5*time.Second, "events channel after Close")
	if count := registry.DispatcherCount(); count != 0 {
		t.Errorf("DispatcherCount = %d after Close, want 0", count)
	}
	stream.Close()
}

func TestDroppedStreamReleasesDispatcher(t *testing.T) {
	registry, _ := newTestRegistry(t)
	func() {
		_ = registry.Subscribe(Options{Mode: Sync})
	}()

	deadline := time.Now().Add(5 * time.Second)
	for registry.DispatcherCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("dispatcher of an unreachable stream was never released")
		}
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}

	// A sync dispatch with no live subscribers returns immediately.
	if err := registry.Dispatch(context.Background(), Event{Type: TypeStarted}); err != nil {
		t.Errorf("Dispatch = %v, want nil", err)
	}
}

func TestRecordIsUTC(t *testing.T) {
	local := time.FixedZone("UTC+5", 5*60*60)
	e := Event{
		Type:      TypeCapabilityRouted,
		Target:    moniker.MustParse("writer"),
		Timestamp: time.Date(2026, 1, 1, 5, 0, 0, 0, local),
		Route: &Route{
			Capability: "fuchsia.Log",
			Kind:       "protocol",
			Source:     moniker.MustParse("logger"),
			Chain:      []Hop{{Moniker: moniker.MustParse("writer"), Step: "use", Kind: "protocol", Name: "fuchsia.Log"}},
		},
	}
	record := e.Record()
	if record.Timestamp.Location() != time.UTC || !record.Timestamp.Equal(epoch) {
		t.Errorf("record timestamp = %v, want %v", record.Timestamp, epoch)
	}
	if record.Moniker.String() != "writer" || record.Route.Source.String() != "logger" {
		t.Errorf("record = %+v", record)
	}
}
