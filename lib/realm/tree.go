// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package realm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/realm/lib/clock"
	"github.com/bureau-foundation/realm/lib/decl"
	"github.com/bureau-foundation/realm/lib/event"
	"github.com/bureau-foundation/realm/lib/moniker"
)

// Resolver fetches the decl for a component URL.
type Resolver interface {
	Resolve(ctx context.Context, url string) (*decl.ComponentDecl, error)
}

// Discoverer selects the resolver for an instance, normally through the
// instance's environment.
type Discoverer interface {
	ResolverFor(ctx context.Context, instance *Instance) (Resolver, error)
}

// DiscovererFunc adapts a function to Discoverer.
type DiscovererFunc func(ctx context.Context, instance *Instance) (Resolver, error)

// ResolverFor calls f.
func (f DiscovererFunc) ResolverFor(ctx context.Context, instance *Instance) (Resolver, error) {
	return f(ctx, instance)
}

// Config configures a Tree.
type Config struct {
	RootURL         string
	RootEnvironment *Environment
	Discoverer      Discoverer
	Events          *event.Registry
	Clock           clock.Clock
	Logger          *slog.Logger

	// ResolveTimeout bounds a single manifest resolution. Zero means no
	// limit beyond the caller's context.
	ResolveTimeout time.Duration

	// StopTimeout bounds program stop during destroy when the
	// environment does not set one. Zero means 5s.
	StopTimeout time.Duration
}

// Tree is the live instance tree.
type Tree struct {
	root           *Instance
	discoverer     Discoverer
	events         *event.Registry
	clock          clock.Clock
	logger         *slog.Logger
	resolveTimeout time.Duration
	stopTimeout    time.Duration

	nextID atomic.Uint64

	pendingMu sync.Mutex
	pending   map[string]PendingDestroy
}

// NewTree creates a tree whose root instance is New.
func NewTree(config Config) (*Tree, error) {
	if config.RootURL == "" {
		return nil, errors.New("realm: root URL is required")
	}
	if config.Discoverer == nil {
		return nil, errors.New("realm: discoverer is required")
	}
	if config.RootEnvironment == nil {
		config.RootEnvironment = NewRootEnvironment(RootEnvironment{})
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
	tree := &Tree{
		discoverer:     config.Discoverer,
		events:         config.Events,
		clock:          config.Clock,
		logger:         config.Logger,
		resolveTimeout: config.ResolveTimeout,
		stopTimeout:    config.StopTimeout,
		pending:        make(map[string]PendingDestroy),
	}
	tree.root = newInstance(tree, moniker.Root(), moniker.Root(), config.RootURL, config.RootEnvironment)
	return tree, nil
}

// Root returns the root instance, or nil once it has been destroyed.
func (t *Tree) Root() *Instance {
	if !t.root.Live() {
		return nil
	}
	return t.root
}

// Events returns the registry the tree emits to.
func (t *Tree) Events() *event.Registry { return t.events }

// Clock returns the tree's clock.
func (t *Tree) Clock() clock.Clock { return t.clock }

// Find returns the live instance at m, or nil. Segments without an
// instance id match whichever instance occupies that position.
func (t *Tree) Find(m moniker.Moniker) *Instance {
	current := t.root
	for _, segment := range m.Segments() {
		current.mu.Lock()
		var next *Instance
		if !current.destroying {
			next = current.children[segment.Key()]
		}
		current.mu.Unlock()
		if next == nil {
			return nil
		}
		if leaf, _ := next.moniker.Leaf(); !leaf.Matches(segment) {
			return nil
		}
		current = next
	}
	if !current.Live() {
		return nil
	}
	return current
}

// Resolve ensures instance is at least Resolved and returns its decl.
// It is idempotent: an already-resolved instance returns immediately.
// On failure the instance stays in its prior state.
func (t *Tree) Resolve(ctx context.Context, instance *Instance) (*decl.ComponentDecl, error) {
	instance.mu.Lock()
	state, component := instance.state, instance.decl
	live := instance.liveLocked()
	instance.mu.Unlock()
	if !live {
		return nil, lifecycleError(KindInvalidTransition, instance.moniker, "instance is being destroyed")
	}
	if state.IsResolved() {
		return component, nil
	}

	if component == nil {
		if err := t.discover(ctx, instance); err != nil {
			return nil, err
		}
	}
	return t.finalize(ctx, instance)
}

// discover performs New → Discovered.
func (t *Tree) discover(ctx context.Context, instance *Instance) error {
	resolver, err := t.discoverer.ResolverFor(ctx, instance)
	if err != nil {
		return fmt.Errorf("selecting resolver for %s: %w", instance.moniker, err)
	}

	instance.resolveMu.Lock()
	defer instance.resolveMu.Unlock()
	if instance.Decl() != nil {
		return nil
	}

	resolveCtx := ctx
	if t.resolveTimeout > 0 {
		var cancel context.CancelFunc
		resolveCtx, cancel = context.WithTimeout(ctx, t.resolveTimeout)
		defer cancel()
	}
	component, err := resolver.Resolve(resolveCtx, instance.url)
	if err != nil {
		t.logger.Warn("manifest resolution failed",
			"moniker", instance.moniker.String(), "url", instance.url, "error", err)
		return fmt.Errorf("resolving %s (%s): %w", instance.moniker, instance.url, err)
	}
	digest, err := decl.Digest(component)
	if err != nil {
		return err
	}

	if err := t.events.Dispatch(ctx, event.Event{
		Type:   event.TypeDiscovered,
		Target: instance.moniker,
		URL:    instance.url,
	}); err != nil {
		return err
	}

	instance.mu.Lock()
	defer instance.mu.Unlock()
	if !instance.liveLocked() {
		return lifecycleError(KindInvalidTransition, instance.moniker, "destroyed during resolution")
	}
	instance.decl = component
	instance.digest = digest
	instance.state = StateDiscovered
	t.logger.Debug("instance discovered", "moniker", instance.moniker.String(), "digest", digest.Short())
	return nil
}

// finalize performs Discovered → Resolved: computes each static
// child's environment and attaches the children as New instances.
func (t *Tree) finalize(ctx context.Context, instance *Instance) (*decl.ComponentDecl, error) {
	instance.resolveMu.Lock()
	defer instance.resolveMu.Unlock()

	instance.mu.Lock()
	state, component := instance.state, instance.decl
	instance.mu.Unlock()
	if state.IsResolved() {
		return component, nil
	}

	children := make([]*Instance, 0, len(component.Children))
	for _, childDecl := range component.Children {
		child, err := t.newChild(instance, component, childDecl, "")
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}

	if err := t.events.Dispatch(ctx, event.Event{Type: event.TypeResolved, Target: instance.moniker}); err != nil {
		return nil, err
	}

	instance.mu.Lock()
	defer instance.mu.Unlock()
	if !instance.liveLocked() {
		return nil, lifecycleError(KindInvalidTransition, instance.moniker, "destroyed during resolution")
	}
	for _, child := range children {
		instance.children[child.key()] = child
	}
	instance.state = StateResolved
	return component, nil
}

// newChild builds an unattached child instance of parent.
func (t *Tree) newChild(parent *Instance, parentDecl *decl.ComponentDecl, childDecl decl.ChildDecl, collection string) (*Instance, error) {
	segment, err := moniker.NewSegment(collection, childDecl.Name)
	if err != nil {
		return nil, err
	}
	segment = segment.WithInstance(t.nextID.Add(1))

	environmentName := childDecl.Environment
	durability := decl.Transient
	if collection != "" {
		collectionDecl, _ := parentDecl.FindCollection(collection)
		durability = collectionDecl.Durability
		if environmentName == "" {
			environmentName = collectionDecl.Environment
		}
	}

	environment := parent.environment
	if environmentName != "" {
		environmentDecl, ok := parentDecl.FindEnvironment(environmentName)
		if !ok {
			return nil, fmt.Errorf("%s: environment %q is not declared", parent.moniker, environmentName)
		}
		environment = derive(parent.moniker, environmentDecl, parent.environment)
	}

	child := newInstance(t, parent.moniker.Child(segment), parent.moniker, childDecl.URL, environment)
	child.durability = durability
	if collection == "" && childDecl.Startup != "" {
		child.startup = childDecl.Startup
	}
	return child, nil
}

// AddChild creates a dynamic child of the instance at parentMoniker in
// the named collection and returns its instance moniker.
func (t *Tree) AddChild(parentMoniker moniker.Moniker, childDecl decl.ChildDecl, collection string) (moniker.Moniker, error) {
	parent := t.Find(parentMoniker)
	if parent == nil {
		return moniker.Moniker{}, lifecycleError(KindInstanceNotFound, parentMoniker, "no live instance")
	}
	if err := moniker.ValidateName(childDecl.Name, "child name"); err != nil {
		return moniker.Moniker{}, err
	}
	if childDecl.URL == "" {
		return moniker.Moniker{}, fmt.Errorf("child %q: url is required", childDecl.Name)
	}

	parent.mu.Lock()
	defer parent.mu.Unlock()
	if !parent.liveLocked() {
		return moniker.Moniker{}, lifecycleError(KindInvalidTransition, parent.moniker, "instance is being destroyed")
	}
	if !parent.state.IsResolved() {
		return moniker.Moniker{}, lifecycleError(KindNotResolved, parent.moniker, "parent is %s", parent.state)
	}
	if collection == "" {
		return moniker.Moniker{}, lifecycleError(KindInvalidTransition, parent.moniker,
			"static child %q cannot be added at runtime", childDecl.Name)
	}
	if _, ok := parent.decl.FindCollection(collection); !ok {
		return moniker.Moniker{}, fmt.Errorf("%s: collection %q is not declared", parent.moniker, collection)
	}
	key := collection + ":" + childDecl.Name
	if _, exists := parent.children[key]; exists {
		return moniker.Moniker{}, lifecycleError(KindChildAlreadyExists, parent.moniker, "%s", key)
	}

	child, err := t.newChild(parent, parent.decl, childDecl, collection)
	if err != nil {
		return moniker.Moniker{}, err
	}
	parent.children[key] = child
	t.logger.Info("dynamic child created", "moniker", child.moniker.String(), "url", child.url)
	return child.moniker, nil
}
