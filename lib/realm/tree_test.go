// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package realm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/realm/lib/clock"
	"github.com/bureau-foundation/realm/lib/decl"
	"github.com/bureau-foundation/realm/lib/event"
	"github.com/bureau-foundation/realm/lib/moniker"
	"github.com/bureau-foundation/realm/lib/resolver"
	"github.com/bureau-foundation/realm/lib/testutil"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	tree   *Tree
	memory *resolver.Memory
	clock  *clock.FakeClock
	events *event.Registry
}

// newFixture builds a tree over:
//
//	.            children a, b; collection workers
//	a            child a1
//	b            child b1
func newFixture(t *testing.T) *fixture {
	t.Helper()
	memory := resolver.NewMemory()
	memory.MustAdd("memory://root", &decl.ComponentDecl{
		Children: []decl.ChildDecl{
			{Name: "a", URL: "memory://a"},
			{Name: "b", URL: "memory://b", Startup: decl.StartupEager},
		},
		Collections: []decl.CollectionDecl{
			{Name: "workers", Environment: "slow-stop"},
			{Name: "jobs", Durability: decl.SingleRun},
		},
		Environments: []decl.EnvironmentDecl{{Name: "slow-stop", StopTimeoutMillis: 20000}},
	})
	memory.MustAdd("memory://a", &decl.ComponentDecl{Children: []decl.ChildDecl{{Name: "a1", URL: "memory://leaf"}}})
	memory.MustAdd("memory://b", &decl.ComponentDecl{Children: []decl.ChildDecl{{Name: "b1", URL: "memory://leaf"}}})
	memory.MustAdd("memory://leaf", &decl.ComponentDecl{})

	fake := clock.Fake(epoch)
	events := event.NewRegistry(event.Config{Clock: fake, SyncTimeout: time.Minute})
	tree, err := NewTree(Config{
		RootURL:         "memory://root",
		RootEnvironment: NewRootEnvironment(RootEnvironment{StopTimeout: 3 * time.Second}),
		Discoverer: DiscovererFunc(func(context.Context, *Instance) (Resolver, error) {
			return memory, nil
		}),
		Events: events,
		Clock:  fake,
	})
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	return &fixture{tree: tree, memory: memory, clock: fake, events: events}
}

func (f *fixture) resolve(t *testing.T, text string) *Instance {
	t.Helper()
	instance := f.tree.Find(moniker.MustParse(text))
	if instance == nil {
		t.Fatalf("Find(%s) = nil", text)
	}
	if _, err := f.tree.Resolve(context.Background(), instance); err != nil {
		t.Fatalf("Resolve(%s): %v", text, err)
	}
	return instance
}

func (f *fixture) resolveAll(t *testing.T) {
	t.Helper()
	for _, m := range []string{".", "a", "b", "a/a1", "b/b1"} {
		f.resolve(t, m)
	}
}

func TestResolveCreatesStaticChildren(t *testing.T) {
	f := newFixture(t)
	root := f.resolve(t, ".")

	if root.State() != StateResolved {
		t.Errorf("root state = %s, want resolved", root.State())
	}
	children := root.Children()
	if len(children) != 2 || children[0].moniker.String() != "a" || children[1].moniker.String() != "b" {
		t.Fatalf("children = %v", children)
	}
	if children[0].State() != StateNew {
		t.Errorf("static child state = %s, want new", children[0].State())
	}
	if children[1].Startup() != decl.StartupEager {
		t.Errorf("b startup = %s, want eager", children[1].Startup())
	}

	// Resolving again neither refetches nor recreates children.
	f.resolve(t, ".")
	if calls := f.memory.Calls("memory://root"); calls != 1 {
		t.Errorf("root manifest fetched %d times, want 1", calls)
	}
	if again := root.Children(); again[0] != children[0] {
		t.Error("second Resolve replaced static children")
	}
}

func TestResolveFailureLeavesInstanceNew(t *testing.T) {
	f := newFixture(t)
	f.resolve(t, ".")
	f.memory.Fail("memory://a", errors.New("disk on fire"))

	a := f.tree.Find(moniker.MustParse("a"))
	_, err := f.tree.Resolve(context.Background(), a)
	if err == nil {
		t.Fatal("expected resolve error")
	}
	var resolveErr *resolver.Error
	if !errors.As(err, &resolveErr) {
		t.Errorf("error %v does not carry *resolver.Error", err)
	}
	if a.State() != StateNew {
		t.Errorf("a state = %s after failure, want new", a.State())
	}

	b := f.resolve(t, "b")
	if b.State() != StateResolved {
		t.Errorf("sibling b state = %s, want resolved", b.State())
	}
}

func TestFindMatchesInstanceIDs(t *testing.T) {
	f := newFixture(t)
	f.resolve(t, ".")
	a := f.tree.Find(moniker.MustParse("a"))

	if f.tree.Find(a.Moniker()) != a {
		t.Error("Find(instance moniker) did not return the instance")
	}
	leaf, _ := a.Moniker().Leaf()
	stale := moniker.New(leaf.WithInstance(leaf.Instance() + 100))
	if f.tree.Find(stale) != nil {
		t.Error("Find with a stale instance id returned an instance")
	}
	if f.tree.Find(moniker.MustParse("missing")) != nil {
		t.Error("Find(missing) returned an instance")
	}
}

func TestAddChild(t *testing.T) {
	f := newFixture(t)
	worker := decl.ChildDecl{Name: "w1", URL: "memory://leaf"}

	if _, err := f.tree.AddChild(moniker.Root(), worker, "workers"); !errors.Is(err, ErrNotResolved) {
		t.Errorf("AddChild before resolve = %v, want ErrNotResolved", err)
	}
	f.resolve(t, ".")

	first, err := f.tree.AddChild(moniker.Root(), worker, "workers")
	if err != nil {
		t.Fatalf("AddChild: %v", err)
	}
	if first.String() != "workers:w1" {
		t.Errorf("moniker = %s, want workers:w1", first)
	}
	if _, err := f.tree.AddChild(moniker.Root(), worker, "workers"); !errors.Is(err, ErrChildAlreadyExists) {
		t.Errorf("duplicate AddChild = %v, want ErrChildAlreadyExists", err)
	}
	if _, err := f.tree.AddChild(moniker.Root(), worker, "nope"); err == nil {
		t.Error("AddChild into undeclared collection succeeded")
	}
	if _, err := f.tree.AddChild(moniker.Root(), worker, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("AddChild without collection = %v, want ErrInvalidTransition", err)
	}

	child := f.tree.Find(first)
	if got := child.Environment().StopTimeout(); got != 20*time.Second {
		t.Errorf("collection environment stop timeout = %v, want 20s", got)
	}
	if child.Environment().Declarer.String() != "." {
		t.Errorf("environment declarer = %s, want .", child.Environment().Declarer)
	}

	if err := f.tree.Destroy(context.Background(), first); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	second, err := f.tree.AddChild(moniker.Root(), worker, "workers")
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if second.InstanceString() == first.InstanceString() {
		t.Errorf("recreated child reused instance moniker %s", first.InstanceString())
	}
	if f.tree.Find(first) != nil {
		t.Error("old instance moniker still finds the recreated child")
	}
	if f.tree.Find(second).Durability() != decl.Transient {
		t.Error("workers member should be transient")
	}
}

func TestDestroyPostOrderEvents(t *testing.T) {
	f := newFixture(t)
	f.resolveAll(t)

	stream := f.events.Subscribe(event.Options{
		Types: []event.Type{event.TypeDestroying, event.TypeDestroyed},
		Mode:  event.Sync,
	})
	defer stream.Close()

	var (
		mu       sync.Mutex
		sequence []string
		hidden   = true
	)
	go func() {
		for received := range stream.Events() {
			mu.Lock()
			sequence = append(sequence, string(received.Type)+" "+received.Target.String())
			for _, m := range []string{".", "a", "b", "a/a1", "b/b1"} {
				if f.tree.Find(moniker.MustParse(m)) != nil {
					hidden = false
				}
			}
			mu.Unlock()
			received.Resume(nil)
		}
	}()

	if err := f.tree.Destroy(context.Background(), moniker.Root()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		"destroying a/a1", "destroyed a/a1",
		"destroying a", "destroyed a",
		"destroying b/b1", "destroyed b/b1",
		"destroying b", "destroyed b",
		"destroying .", "destroyed .",
	}
	if len(sequence) != len(want) {
		t.Fatalf("events = %v, want %v", sequence, want)
	}
	for i := range want {
		if sequence[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, sequence[i], want[i])
		}
	}
	if !hidden {
		t.Error("a destroying instance was visible to Find during teardown")
	}
	for _, m := range []string{".", "a", "b", "a/a1", "b/b1"} {
		if f.tree.Find(moniker.MustParse(m)) != nil {
			t.Errorf("Find(%s) returned an instance after destroy", m)
		}
	}
	if f.tree.Root() != nil {
		t.Error("Root() returned the destroyed root")
	}
}

func TestDestroyIgnoresVeto(t *testing.T) {
	f := newFixture(t)
	f.resolve(t, ".")

	stream := f.events.Subscribe(event.Options{Types: []event.Type{event.TypeDestroying}, Mode: event.Sync})
	defer stream.Close()
	go func() {
		for received := range stream.Events() {
			received.Resume(errors.New("no"))
		}
	}()

	if err := f.tree.Destroy(context.Background(), moniker.MustParse("a")); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if f.tree.Find(moniker.MustParse("a")) != nil {
		t.Error("vetoed destroy left the instance in the tree")
	}
}

type stuckExecution struct {
	called  chan struct{}
	release chan struct{}
}

func (s *stuckExecution) Stop(ctx context.Context) error {
	close(s.called)
	<-s.release
	return nil
}

func TestDestroyRecordsPendingOnStopTimeout(t *testing.T) {
	f := newFixture(t)
	f.resolve(t, ".")
	a := f.resolve(t, "a")
	execution := &stuckExecution{called: make(chan struct{}), release: make(chan struct{})}
	if err := a.MarkStarted(execution); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- f.tree.Destroy(context.Background(), moniker.MustParse("a")) }()

	// The stop of a waits on the root environment's 3s timeout. The
	// action lock timer is gone by the time Stop is called.
	testutil.RequireClosed(t, execution.called, 5*time.Second, "stop called")
	f.clock.WaitForTimers(1)
	f.clock.Advance(3 * time.Second)

	if err := testutil.RequireReceive(t, done, 5*time.Second, "destroy result"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	pending := f.tree.PendingDestroy()
	if len(pending) != 1 || pending[0].Moniker.String() != "a" {
		t.Fatalf("PendingDestroy = %+v, want [a]", pending)
	}
	if !strings.Contains(pending[0].Error, ErrStopTimeout.Error()) {
		t.Errorf("pending error = %q, want stop timeout", pending[0].Error)
	}
	if f.tree.Find(moniker.MustParse("a")) != nil {
		t.Error("pending instance is still findable")
	}

	close(execution.release)
	deadline := time.Now().Add(5 * time.Second)
	for len(f.tree.PendingDestroy()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("late stop did not clear the pending entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMarkStartedRequiresResolved(t *testing.T) {
	f := newFixture(t)
	root := f.tree.Find(moniker.Root())
	if err := root.MarkStarted(nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkStarted on new instance = %v, want ErrInvalidTransition", err)
	}
	f.resolve(t, ".")
	if err := root.MarkStarted(nil); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}
	if _, ok := root.MarkStopped(); !ok {
		t.Error("MarkStopped on started instance returned false")
	}
	if _, ok := root.MarkStopped(); ok {
		t.Error("MarkStopped on stopped instance returned true")
	}
	if root.State() != StateStopped {
		t.Errorf("state = %s, want stopped", root.State())
	}
}

func TestFindDuringDestroy(t *testing.T) {
	f := newFixture(t)
	f.resolveAll(t)

	done := make(chan struct{})
	var readers sync.WaitGroup
	for _, text := range []string{"a", "a/a1"} {
		target := moniker.MustParse(text)
		readers.Add(1)
		go func() {
			defer readers.Done()
			gone := false
			for {
				select {
				case <-done:
					return
				default:
				}
				found := f.tree.Find(target) != nil
				if gone && found {
					t.Errorf("Find(%s) returned an instance after returning nil", target)
					return
				}
				gone = !found
			}
		}()
	}

	if err := f.tree.Destroy(context.Background(), moniker.MustParse("a")); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	close(done)
	readers.Wait()

	for _, text := range []string{"a", "a/a1"} {
		if instance := f.tree.Find(moniker.MustParse(text)); instance != nil {
			t.Errorf("Find(%s) = %s after destroy, want nil", text, instance.Moniker())
		}
	}
	if f.tree.Find(moniker.MustParse("b/b1")) == nil {
		t.Error("Find(b/b1) = nil, destroy of a reached a sibling")
	}
}
