// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package manager runs a realm: it owns the instance tree and the
// router and drives instances through their lifecycle on request.
//
// The admin operations ([Manager.Bind], [Manager.Start],
// [Manager.Stop], [Manager.Destroy], [Manager.ListChildren],
// [Manager.CreateChild], [Manager.Route], [Manager.RouteExpose],
// [Manager.RoutedUses], [Manager.Show], [Manager.PendingDestroy]) take
// monikers and resolve the instances along the path on demand.
//
// Binding resolves an instance without starting it; opening a
// namespace handle starts the providing instance on demand.
//
// Starting an instance routes every use, builds its namespace, routes
// its runner and launches the program with the launcher registered
// for the runner capability. A required use that fails to route, a
// failed launch or a vetoed started event leaves the instance in its
// prior state. Eager children are started afterwards; their failures
// are logged.
//
// The manager is also the tree's [realm.Discoverer]: the resolver for
// an instance is the one its environment registers for the URL scheme,
// routed like any other capability and looked up by name in the
// resolver registry.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/realm/lib/clock"
	"github.com/bureau-foundation/realm/lib/decl"
	"github.com/bureau-foundation/realm/lib/event"
	"github.com/bureau-foundation/realm/lib/launcher"
	"github.com/bureau-foundation/realm/lib/moniker"
	"github.com/bureau-foundation/realm/lib/namespace"
	"github.com/bureau-foundation/realm/lib/realm"
	"github.com/bureau-foundation/realm/lib/resolver"
	"github.com/bureau-foundation/realm/lib/routing"
)

// Config configures a Manager.
type Config struct {
	RootURL string

	// Resolvers holds every resolver by name. Its scheme mapping
	// becomes the root environment's resolver registrations.
	Resolvers *resolver.Registry

	// Launchers maps runner capability names to launchers.
	Launchers map[string]launcher.Launcher

	// BuiltinRunners are the runners registered in the root
	// environment. Each needs a launcher.
	BuiltinRunners []string

	// BuiltinCapabilities are offered to the root from above it.
	BuiltinCapabilities []decl.CapabilityDecl

	Policy routing.Policy
	Events *event.Registry
	Clock  clock.Clock
	Logger *slog.Logger

	ResolveTimeout time.Duration
	RouteTimeout   time.Duration
	StopTimeout    time.Duration
}

// Manager runs one realm.
type Manager struct {
	tree      *realm.Tree
	router    *routing.Router
	resolvers *resolver.Registry
	launchers map[string]launcher.Launcher
	events    *event.Registry
	clock     clock.Clock
	logger    *slog.Logger

	// stopTimeout applies when the environment sets none.
	stopTimeout time.Duration

	mu         sync.Mutex
	namespaces map[string]*namespace.Namespace

	watchers sync.WaitGroup
}

// New creates a Manager. The root instance is created New and nothing
// is resolved until the first request.
func New(config Config) (*Manager, error) {
	if config.Resolvers == nil {
		return nil, errors.New("manager: resolver registry is required")
	}
	for _, runner := range config.BuiltinRunners {
		if _, ok := config.Launchers[runner]; !ok {
			return nil, fmt.Errorf("manager: built-in runner %q has no launcher", runner)
		}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Events == nil {
		config.Events = event.NewRegistry(event.Config{Clock: config.Clock, Logger: config.Logger})
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 5 * time.Second
	}

	manager := &Manager{
		resolvers:   config.Resolvers,
		launchers:   config.Launchers,
		events:      config.Events,
		clock:       config.Clock,
		logger:      config.Logger,
		stopTimeout: config.StopTimeout,
		namespaces:  make(map[string]*namespace.Namespace),
	}

	tree, err := realm.NewTree(realm.Config{
		RootURL: config.RootURL,
		RootEnvironment: realm.NewRootEnvironment(realm.RootEnvironment{
			Runners:     config.BuiltinRunners,
			Resolvers:   config.Resolvers.Schemes(),
			StopTimeout: config.StopTimeout,
		}),
		Discoverer:     manager,
		Events:         config.Events,
		Clock:          config.Clock,
		Logger:         config.Logger,
		ResolveTimeout: config.ResolveTimeout,
		StopTimeout:    config.StopTimeout,
	})
	if err != nil {
		return nil, err
	}
	manager.tree = tree

	builtins := append([]decl.CapabilityDecl(nil), config.BuiltinCapabilities...)
	for _, runner := range config.BuiltinRunners {
		builtins = append(builtins, decl.CapabilityDecl{Kind: decl.KindRunner, Name: runner})
	}
	for _, name := range config.Resolvers.Names() {
		builtins = append(builtins, decl.CapabilityDecl{Kind: decl.KindResolver, Name: name})
	}
	manager.router, err = routing.New(routing.Config{
		Tree:     tree,
		Builtins: builtins,
		Policy:   config.Policy,
		Timeout:  config.RouteTimeout,
		Logger:   config.Logger,
	})
	if err != nil {
		return nil, err
	}
	return manager, nil
}

// Tree returns the instance tree.
func (m *Manager) Tree() *realm.Tree { return m.tree }

// Router returns the capability router.
func (m *Manager) Router() *routing.Router { return m.router }

// ResolverFor implements realm.Discoverer.
func (m *Manager) ResolverFor(ctx context.Context, instance *realm.Instance) (realm.Resolver, error) {
	scheme := instance.Scheme()
	if scheme == "" {
		return nil, &resolver.Error{URL: instance.URL(), Err: resolver.ErrUnsupportedScheme}
	}
	source, err := m.router.RouteResolver(ctx, instance, scheme)
	if err != nil {
		return nil, err
	}
	selected, ok := m.resolvers.ByName(source.Capability.Name)
	if !ok {
		return nil, fmt.Errorf("resolver %q routed from %s is not registered", source.Capability.Name, source.Moniker)
	}
	return selected, nil
}

// instance finds the live instance at target, resolving each ancestor
// on the way so that static children exist.
func (m *Manager) instance(ctx context.Context, target moniker.Moniker) (*realm.Instance, error) {
	current := m.tree.Root()
	if current == nil {
		return nil, notFound(target, "realm root is destroyed")
	}
	for _, segment := range target.Segments() {
		if _, err := m.tree.Resolve(ctx, current); err != nil {
			return nil, err
		}
		next := current.Child(segment.Key())
		if next == nil {
			return nil, notFound(target, fmt.Sprintf("no child %q under %s", segment.Key(), current.Moniker()))
		}
		if leaf, _ := next.Moniker().Leaf(); !leaf.Matches(segment) {
			return nil, notFound(target, fmt.Sprintf("instance %s was replaced by %s", segment.InstanceString(), leaf.InstanceString()))
		}
		current = next
	}
	return current, nil
}

func notFound(target moniker.Moniker, detail string) error {
	return &realm.LifecycleError{Kind: realm.KindInstanceNotFound, Moniker: target, Detail: detail}
}

// Subscribe registers an event subscription.
func (m *Manager) Subscribe(options event.Options) *event.Stream {
	return m.events.Subscribe(options)
}

// PendingDestroy returns instances whose teardown has not completed.
func (m *Manager) PendingDestroy() []realm.PendingDestroy {
	return m.tree.PendingDestroy()
}

// Shutdown stops every running program and waits for exit watchers.
func (m *Manager) Shutdown(ctx context.Context) error {
	root := m.tree.Root()
	if root == nil {
		return nil
	}
	err := m.stopSubtree(ctx, root)
	done := make(chan struct{})
	go func() {
		m.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}
