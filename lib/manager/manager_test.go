// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manager_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/realm/lib/decl"
	"github.com/bureau-foundation/realm/lib/event"
	"github.com/bureau-foundation/realm/lib/launcher"
	"github.com/bureau-foundation/realm/lib/manager"
	"github.com/bureau-foundation/realm/lib/moniker"
	"github.com/bureau-foundation/realm/lib/realm"
	"github.com/bureau-foundation/realm/lib/resolver"
	"github.com/bureau-foundation/realm/lib/routing"
	"github.com/bureau-foundation/realm/lib/testutil"
)

const wait = 5 * time.Second

type harness struct {
	manager *manager.Manager
	memory  *resolver.Memory
	fake    *launcher.Fake
	events  *event.Registry
}

func newHarness(t *testing.T, memory *resolver.Memory) *harness {
	t.Helper()
	registry := resolver.NewRegistry()
	if err := registry.Register("memory", memory, "memory"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	fake := launcher.NewFake()
	events := event.NewRegistry(event.Config{SyncTimeout: wait})
	m, err := manager.New(manager.Config{
		RootURL:        "memory://root",
		Resolvers:      registry,
		Launchers:      map[string]launcher.Launcher{"native": fake},
		BuiltinRunners: []string{"native"},
		Events:         events,
		StopTimeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		m.Shutdown(ctx)
	})
	return &harness{manager: m, memory: memory, fake: fake, events: events}
}

func program(binary string) *decl.Program {
	return &decl.Program{Runner: "native", Binary: binary}
}

// loggerWriter serves a root with a logger providing log.Sink and a
// writer using it. The offer from logger to writer is optional.
func loggerWriter(withOffer bool) *resolver.Memory {
	memory := resolver.NewMemory()
	root := &decl.ComponentDecl{
		Children: []decl.ChildDecl{
			{Name: "logger", URL: "memory://logger"},
			{Name: "writer", URL: "memory://writer"},
		},
	}
	if withOffer {
		root.Offers = []decl.OfferDecl{{
			Kind: decl.KindProtocol, Source: decl.Child("logger"), SourceName: "log.Sink",
			Target: decl.OfferTarget{Child: "writer"},
		}}
	}
	memory.MustAdd("memory://root", root)
	memory.MustAdd("memory://logger", &decl.ComponentDecl{
		Program:      program("logger"),
		Capabilities: []decl.CapabilityDecl{{Kind: decl.KindProtocol, Name: "log.Sink"}},
		Exposes:      []decl.ExposeDecl{{Kind: decl.KindProtocol, Source: decl.Self(), SourceName: "log.Sink"}},
	})
	memory.MustAdd("memory://writer", &decl.ComponentDecl{
		Program: program("writer"),
		Uses:    []decl.UseDecl{{Kind: decl.KindProtocol, SourceName: "log.Sink", Source: decl.Parent()}},
	})
	return memory
}

func state(t *testing.T, h *harness, text string) realm.State {
	t.Helper()
	info, err := h.manager.Show(context.Background(), moniker.MustParse(text))
	if err != nil {
		t.Fatalf("Show(%s): %v", text, err)
	}
	return info.State
}

func TestStartRoutesAndLaunches(t *testing.T) {
	h := newHarness(t, loggerWriter(true))
	ctx := context.Background()

	if err := h.manager.Start(ctx, moniker.MustParse("writer")); err != nil {
		t.Fatalf("Start(writer): %v", err)
	}
	if got := state(t, h, "writer"); got != realm.StateStarted {
		t.Errorf("writer state = %s, want started", got)
	}
	// The logger is not started until someone opens the capability.
	if got := state(t, h, "logger"); got != realm.StateResolved {
		t.Errorf("logger state = %s, want resolved", got)
	}

	launches := h.fake.Launches()
	if len(launches) != 1 || launches[0].Program.Decl.Binary != "writer" {
		t.Fatalf("launches = %+v, want only writer", launches)
	}
	ns := launches[0].Namespace
	handle, ok := ns.Lookup("/svc/log.Sink")
	if !ok {
		t.Fatal("namespace has no /svc/log.Sink")
	}
	if handle.Source.Moniker.String() != "logger" {
		t.Errorf("handle source = %s, want logger", handle.Source.Moniker)
	}

	target, err := handle.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if target.Path != "/svc/log.Sink" {
		t.Errorf("target path = %q", target.Path)
	}
	if got := state(t, h, "logger"); got != realm.StateStarted {
		t.Errorf("logger state after Open = %s, want started", got)
	}

	if err := h.manager.Start(ctx, moniker.MustParse("writer")); !errors.Is(err, realm.ErrInvalidTransition) {
		t.Errorf("second Start = %v, want invalid transition", err)
	}
}

func TestStartFailsWithoutOffer(t *testing.T) {
	h := newHarness(t, loggerWriter(false))

	err := h.manager.Start(context.Background(), moniker.MustParse("writer"))
	if !errors.Is(err, routing.ErrSourceNotFound) {
		t.Fatalf("Start = %v, want source not found", err)
	}
	if got := state(t, h, "writer"); got != realm.StateResolved {
		t.Errorf("writer state = %s, want resolved", got)
	}
	if launches := h.fake.Launches(); len(launches) != 0 {
		t.Errorf("launches = %d, want 0", len(launches))
	}
}

func TestOptionalUseIsOmitted(t *testing.T) {
	memory := resolver.NewMemory()
	memory.MustAdd("memory://root", &decl.ComponentDecl{
		Children: []decl.ChildDecl{{Name: "app", URL: "memory://app"}},
	})
	memory.MustAdd("memory://app", &decl.ComponentDecl{
		Program: program("app"),
		Uses: []decl.UseDecl{{
			Kind: decl.KindProtocol, SourceName: "metrics.Sink", Source: decl.Parent(),
			Availability: decl.Optional,
		}},
	})
	h := newHarness(t, memory)

	if err := h.manager.Start(context.Background(), moniker.MustParse("app")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ns := h.fake.Launches()[0].Namespace
	if _, ok := ns.Lookup("/svc/metrics.Sink"); ok {
		t.Error("optional unroutable use present in namespace")
	}

	uses, err := h.manager.RoutedUses(context.Background(), moniker.MustParse("app"))
	if err != nil {
		t.Fatalf("RoutedUses: %v", err)
	}
	if len(uses) != 1 || uses[0].Source != nil {
		t.Fatalf("routed uses = %+v, want one without source", uses)
	}
	if !errors.Is(uses[0].Err, routing.ErrSourceNotFound) {
		t.Errorf("optional use error = %v, want source not found", uses[0].Err)
	}
}

// protocolRoutes drains stream and counts the protocol routes in it.
func protocolRoutes(stream *event.Stream) int {
	routed := 0
	for {
		select {
		case e := <-stream.Events():
			if e.Route != nil && e.Route.Kind == string(decl.KindProtocol) {
				routed++
			}
		default:
			return routed
		}
	}
}

func TestBindResolvesWithoutStarting(t *testing.T) {
	// Without the offer the writer's use cannot route, so a Bind that
	// tried to start it would fail.
	h := newHarness(t, loggerWriter(false))
	ctx := context.Background()
	stream := h.manager.Subscribe(event.Options{Types: []event.Type{event.TypeCapabilityRouted}, Buffer: 64})
	defer stream.Close()

	target := moniker.MustParse("writer")
	for attempt := range 2 {
		if err := h.manager.Bind(ctx, target); err != nil {
			t.Fatalf("Bind #%d: %v", attempt+1, err)
		}
	}
	if got := state(t, h, "writer"); got != realm.StateResolved {
		t.Errorf("writer state = %s, want resolved", got)
	}
	if launches := h.fake.Launches(); len(launches) != 0 {
		t.Errorf("launches = %d, want 0", len(launches))
	}
	if routed := protocolRoutes(stream); routed != 0 {
		t.Errorf("Bind routed %d protocol uses, want 0", routed)
	}
}

func TestBindLeavesStartedInstanceRunning(t *testing.T) {
	h := newHarness(t, loggerWriter(true))
	ctx := context.Background()
	target := moniker.MustParse("writer")

	if err := h.manager.Start(ctx, target); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.manager.Bind(ctx, target); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if got := state(t, h, "writer"); got != realm.StateStarted {
		t.Errorf("writer state = %s, want started", got)
	}
	if launches := h.fake.Launches(); len(launches) != 1 {
		t.Errorf("launches = %d, want 1", len(launches))
	}
}

func TestEnsureStartedIsIdempotent(t *testing.T) {
	h := newHarness(t, loggerWriter(true))
	ctx := context.Background()
	target := moniker.MustParse("logger")

	for attempt := range 2 {
		if err := h.manager.EnsureStarted(ctx, target); err != nil {
			t.Fatalf("EnsureStarted #%d: %v", attempt+1, err)
		}
	}
	if got := state(t, h, "logger"); got != realm.StateStarted {
		t.Errorf("logger state = %s, want started", got)
	}
	if launches := h.fake.Launches(); len(launches) != 1 {
		t.Errorf("launches = %d, want 1", len(launches))
	}
}

func TestConcurrentStartReportsInvalidTransition(t *testing.T) {
	h := newHarness(t, loggerWriter(true))
	ctx := context.Background()
	stream := h.manager.Subscribe(event.Options{Types: []event.Type{event.TypeStarted}, Mode: event.Sync})
	defer stream.Close()

	target := moniker.MustParse("writer")
	first := make(chan error, 1)
	go func() { first <- h.manager.Start(ctx, target) }()

	// The first Start holds the action lock until its started event
	// is resumed.
	started := testutil.RequireReceive(t, stream.Events(), wait, "started event of first Start")

	second := make(chan error, 1)
	go func() { second <- h.manager.Start(ctx, target) }()
	// Let the second Start reach the action lock held by the first.
	time.Sleep(50 * time.Millisecond)
	started.Resume(nil)

	if err := testutil.RequireReceive(t, first, wait, "first Start"); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	err := testutil.RequireReceive(t, second, wait, "second Start")
	if !errors.Is(err, realm.ErrInvalidTransition) {
		t.Errorf("second Start = %v, want invalid transition", err)
	}
	if launches := h.fake.Launches(); len(launches) != 1 {
		t.Errorf("launches = %d, want 1", len(launches))
	}
}

func TestRoutedUsesReportsEachUse(t *testing.T) {
	memory := loggerWriter(true)
	memory.MustAdd("memory://writer", &decl.ComponentDecl{
		Program: program("writer"),
		Uses: []decl.UseDecl{
			{Kind: decl.KindProtocol, SourceName: "trace.Sink", Source: decl.Parent()},
			{Kind: decl.KindProtocol, SourceName: "log.Sink", Source: decl.Parent()},
		},
	})
	h := newHarness(t, memory)
	ctx := context.Background()
	target := moniker.MustParse("writer")

	uses, err := h.manager.RoutedUses(ctx, target)
	if err != nil {
		t.Fatalf("RoutedUses: %v", err)
	}
	if len(uses) != 2 {
		t.Fatalf("routed uses = %+v, want 2", uses)
	}
	if uses[0].Source != nil || !errors.Is(uses[0].Err, routing.ErrSourceNotFound) {
		t.Errorf("trace.Sink = source %v, err %v; want source not found", uses[0].Source, uses[0].Err)
	}
	if uses[0].Failure != string(routing.KindSourceNotFound) {
		t.Errorf("trace.Sink failure = %q", uses[0].Failure)
	}
	if uses[1].Err != nil || uses[1].Source == nil || uses[1].Source.Moniker.String() != "logger" {
		t.Errorf("log.Sink = source %v, err %v; want logger", uses[1].Source, uses[1].Err)
	}

	// The required trace.Sink still blocks Start.
	if err := h.manager.Start(ctx, target); !errors.Is(err, routing.ErrSourceNotFound) {
		t.Errorf("Start = %v, want source not found", err)
	}
}

func TestStartedVetoStopsProgram(t *testing.T) {
	h := newHarness(t, loggerWriter(true))
	stream := h.manager.Subscribe(event.Options{Types: []event.Type{event.TypeStarted}, Mode: event.Sync})
	defer stream.Close()

	veto := errors.New("not today")
	go func() {
		for e := range stream.Events() {
			e.Resume(veto)
		}
	}()

	err := h.manager.Start(context.Background(), moniker.MustParse("writer"))
	if !errors.Is(err, veto) {
		t.Fatalf("Start = %v, want veto", err)
	}
	if got := state(t, h, "writer"); got != realm.StateResolved {
		t.Errorf("writer state = %s, want resolved", got)
	}
	running := h.fake.Program("writer")
	if running == nil || !running.Stopped() {
		t.Error("vetoed program was not stopped")
	}
}

func TestProgramExitStopsInstance(t *testing.T) {
	h := newHarness(t, loggerWriter(true))
	stream := h.manager.Subscribe(event.Options{Types: []event.Type{event.TypeStopped}})
	defer stream.Close()

	if err := h.manager.Start(context.Background(), moniker.MustParse("writer")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.fake.Program("writer").Exit(0)

	stopped := testutil.RequireReceive(t, stream.Events(), wait, "stopped event")
	if stopped.Target.String() != "writer" {
		t.Errorf("stopped target = %s", stopped.Target)
	}
	if got := state(t, h, "writer"); got != realm.StateStopped {
		t.Errorf("writer state = %s, want stopped", got)
	}

	// A stopped instance starts again.
	if err := h.manager.Start(context.Background(), moniker.MustParse("writer")); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if launches := h.fake.Launches(); len(launches) != 2 {
		t.Errorf("launches = %d, want 2", len(launches))
	}
}

func jobsRealm() *resolver.Memory {
	memory := resolver.NewMemory()
	memory.MustAdd("memory://root", &decl.ComponentDecl{
		Collections: []decl.CollectionDecl{
			{Name: "jobs", Durability: decl.SingleRun},
			{Name: "workers"},
		},
	})
	memory.MustAdd("memory://job", &decl.ComponentDecl{Program: program("job")})
	memory.MustAdd("memory://broken", &decl.ComponentDecl{Program: program("broken")})
	return memory
}

func TestSingleRunChildIsDestroyedOnExit(t *testing.T) {
	h := newHarness(t, jobsRealm())
	ctx := context.Background()
	stream := h.manager.Subscribe(event.Options{Types: []event.Type{event.TypeDestroyed}})
	defer stream.Close()

	created, err := h.manager.CreateChild(ctx, moniker.Root(), "jobs", decl.ChildDecl{Name: "nightly", URL: "memory://job"})
	if err != nil {
		t.Fatalf("CreateChild: %v", err)
	}
	if got := state(t, h, created.String()); got != realm.StateStarted {
		t.Fatalf("single-run child state = %s, want started", got)
	}

	h.fake.Program(created.String()).Exit(0)
	destroyed := testutil.RequireReceive(t, stream.Events(), wait, "destroyed event")
	if !destroyed.Target.Equal(created) {
		t.Errorf("destroyed %s, want %s", destroyed.Target, created)
	}
	if _, err := h.manager.Show(ctx, created); !errors.Is(err, realm.ErrInstanceNotFound) {
		t.Errorf("Show after destroy = %v, want not found", err)
	}
}

func TestSingleRunChildDestroyedWhenStartFails(t *testing.T) {
	h := newHarness(t, jobsRealm())
	ctx := context.Background()
	h.fake.Fail("broken", errors.New("exec format error"))

	_, err := h.manager.CreateChild(ctx, moniker.Root(), "jobs", decl.ChildDecl{Name: "bad", URL: "memory://broken"})
	var launchErr *launcher.LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("CreateChild = %v, want LaunchError", err)
	}
	children, err := h.manager.ListChildren(ctx, moniker.Root())
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	if len(children) != 0 {
		t.Errorf("children = %+v, want none", children)
	}
}

func TestCreateChildInPersistentCollection(t *testing.T) {
	h := newHarness(t, jobsRealm())
	ctx := context.Background()

	created, err := h.manager.CreateChild(ctx, moniker.Root(), "workers", decl.ChildDecl{Name: "w", URL: "memory://job"})
	if err != nil {
		t.Fatalf("CreateChild: %v", err)
	}
	if created.String() != "workers:w" {
		t.Errorf("created = %s, want workers:w", created)
	}
	children, err := h.manager.ListChildren(ctx, moniker.Root())
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	if len(children) != 1 || children[0].Collection != "workers" || children[0].State != realm.StateNew {
		t.Errorf("children = %+v", children)
	}
	if _, err := h.manager.CreateChild(ctx, moniker.Root(), "workers", decl.ChildDecl{Name: "w", URL: "memory://job"}); !errors.Is(err, realm.ErrChildAlreadyExists) {
		t.Errorf("duplicate CreateChild = %v, want already exists", err)
	}

	if err := h.manager.Destroy(ctx, created); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	again, err := h.manager.CreateChild(ctx, moniker.Root(), "workers", decl.ChildDecl{Name: "w", URL: "memory://job"})
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if _, err := h.manager.Show(ctx, created); !errors.Is(err, realm.ErrInstanceNotFound) {
		t.Errorf("Show of old instance = %v, want not found", err)
	}
	oldLeaf, _ := created.Leaf()
	newLeaf, _ := again.Leaf()
	if oldLeaf.Instance() == newLeaf.Instance() {
		t.Errorf("recreated child reused instance id %d", newLeaf.Instance())
	}
}

func TestEagerChildrenStartWithParent(t *testing.T) {
	memory := resolver.NewMemory()
	memory.MustAdd("memory://root", &decl.ComponentDecl{
		Children: []decl.ChildDecl{
			{Name: "app", URL: "memory://app"},
		},
	})
	memory.MustAdd("memory://app", &decl.ComponentDecl{
		Program: program("app"),
		Children: []decl.ChildDecl{
			{Name: "sidecar", URL: "memory://sidecar", Startup: decl.StartupEager},
			{Name: "lazy", URL: "memory://sidecar"},
		},
	})
	memory.MustAdd("memory://sidecar", &decl.ComponentDecl{Program: program("sidecar")})
	h := newHarness(t, memory)
	ctx := context.Background()

	if err := h.manager.Start(ctx, moniker.MustParse("app")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := state(t, h, "app/sidecar"); got != realm.StateStarted {
		t.Errorf("eager child state = %s, want started", got)
	}
	if got := state(t, h, "app/lazy"); got != realm.StateResolved && got != realm.StateNew {
		t.Errorf("lazy child state = %s, want not started", got)
	}

	// Stop goes descendants first.
	stream := h.manager.Subscribe(event.Options{Types: []event.Type{event.TypeStopped}})
	defer stream.Close()
	if err := h.manager.Stop(ctx, moniker.MustParse("app")); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	first := testutil.RequireReceive(t, stream.Events(), wait, "first stopped")
	second := testutil.RequireReceive(t, stream.Events(), wait, "second stopped")
	if first.Target.String() != "app/sidecar" || second.Target.String() != "app" {
		t.Errorf("stop order = %s, %s; want app/sidecar, app", first.Target, second.Target)
	}
	if !h.fake.Program("app").Stopped() || !h.fake.Program("app/sidecar").Stopped() {
		t.Error("programs not stopped")
	}

	// Stopping a stopped instance does nothing.
	if err := h.manager.Stop(ctx, moniker.MustParse("app")); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestShowAndRoute(t *testing.T) {
	h := newHarness(t, loggerWriter(true))
	ctx := context.Background()

	if err := h.manager.Start(ctx, moniker.MustParse("writer")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	info, err := h.manager.Show(ctx, moniker.MustParse("writer"))
	if err != nil {
		t.Fatalf("Show: %v", err)
	}
	if info.URL != "memory://writer" || info.Program == nil || info.Digest == "" {
		t.Errorf("info = %+v", info)
	}
	if len(info.Namespace) != 1 || info.Namespace[0].Path != "/svc/log.Sink" {
		t.Errorf("namespace = %+v", info.Namespace)
	}

	source, err := h.manager.Route(ctx, moniker.MustParse("writer"), "log.Sink")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if source.Moniker.String() != "logger" {
		t.Errorf("route source = %s", source.Moniker)
	}
	if _, err := h.manager.Route(ctx, moniker.MustParse("writer"), "nothing"); err == nil {
		t.Error("Route of undeclared use succeeded")
	}

	exposed, err := h.manager.RouteExpose(ctx, moniker.MustParse("logger"), decl.KindProtocol, "log.Sink")
	if err != nil {
		t.Fatalf("RouteExpose: %v", err)
	}
	if exposed.Moniker.String() != "logger" {
		t.Errorf("expose source = %s", exposed.Moniker)
	}

	if _, err := h.manager.Show(ctx, moniker.MustParse("nobody")); !errors.Is(err, realm.ErrInstanceNotFound) {
		t.Errorf("Show(nobody) = %v, want not found", err)
	}
}

func TestResolverIsRoutedThroughEnvironment(t *testing.T) {
	memory := resolver.NewMemory()
	memory.MustAdd("memory://root", &decl.ComponentDecl{
		Children: []decl.ChildDecl{{Name: "remote", URL: "other://remote"}},
	})
	h := newHarness(t, memory)

	_, err := h.manager.Show(context.Background(), moniker.MustParse("remote"))
	if err != nil {
		t.Fatalf("Show: %v", err)
	}
	err = h.manager.Start(context.Background(), moniker.MustParse("remote"))
	if !errors.Is(err, routing.ErrSourceNotFound) && !errors.Is(err, resolver.ErrUnsupportedScheme) {
		t.Errorf("Start of unknown scheme = %v, want a resolver routing failure", err)
	}
}
