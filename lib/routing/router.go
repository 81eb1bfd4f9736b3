// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"time"

	"github.com/bureau-foundation/realm/lib/decl"
	"github.com/bureau-foundation/realm/lib/event"
	"github.com/bureau-foundation/realm/lib/moniker"
	"github.com/bureau-foundation/realm/lib/realm"
)

// Step names how a hop of the chain was taken.
type Step string

const (
	StepUse         Step = "use"
	StepOffer       Step = "offer"
	StepExpose      Step = "expose"
	StepDeclare     Step = "declare"
	StepEnvironment Step = "environment"
	StepFramework   Step = "framework"
	StepBuiltin     Step = "builtin"
	StepStorage     Step = "storage"
)

// Hop is one step of a routing chain, in traversal order from the
// consumer towards the source.
type Hop struct {
	Moniker moniker.Moniker `cbor:"moniker" json:"moniker"`
	Step    Step            `cbor:"step" json:"step"`
	Kind    decl.Kind       `cbor:"kind" json:"kind"`
	Name    string          `cbor:"name" json:"name"`
}

// Request identifies what is being routed and for whom.
type Request struct {
	Target     moniker.Moniker
	Kind       decl.Kind
	Capability string
}

// RoutedSource is the terminal provider of a capability.
type RoutedSource struct {
	// Moniker is the providing instance. For framework capabilities it
	// is the instance the framework serves them for; above the root it
	// is the root moniker.
	Moniker    moniker.Moniker     `cbor:"moniker" json:"moniker"`
	Capability decl.CapabilityDecl `cbor:"capability" json:"capability"`
	Framework  bool                `cbor:"framework,omitempty" json:"framework,omitempty"`
	AboveRoot  bool                `cbor:"above_root,omitempty" json:"above_root,omitempty"`

	// Subdir is the accumulated path within the capability.
	Subdir string `cbor:"subdir,omitempty" json:"subdir,omitempty"`
	Chain  []Hop  `cbor:"chain" json:"chain"`

	// StorageInstance is set for storage routes: the instance that
	// declares the storage capability. Capability is then the backing
	// directory.
	StorageInstance *moniker.Moniker `cbor:"storage_instance,omitempty" json:"storage_instance,omitempty"`
}

// Policy decides whether a completed route may be returned. A non-nil
// error rejects it.
type Policy interface {
	Check(request Request, source *RoutedSource) error
}

// Config configures a Router.
type Config struct {
	Tree *realm.Tree

	// Builtins are capabilities offered to the root from above it.
	Builtins []decl.CapabilityDecl

	// Policy is consulted before every successful route. Nil allows
	// everything.
	Policy Policy

	// Timeout bounds a single route. Zero means only the caller's
	// context applies.
	Timeout time.Duration

	Logger *slog.Logger
}

// Router walks offers, exposes and capability declarations to find the
// provider of a capability.
type Router struct {
	tree     *realm.Tree
	builtins []decl.CapabilityDecl
	policy   Policy
	timeout  time.Duration
	logger   *slog.Logger
}

// New creates a Router.
func New(config Config) (*Router, error) {
	if config.Tree == nil {
		return nil, errors.New("routing: tree is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Router{
		tree:     config.Tree,
		builtins: slices.Clone(config.Builtins),
		policy:   config.Policy,
		timeout:  config.Timeout,
		logger:   config.Logger,
	}, nil
}

// Route routes a use of target to its source.
func (r *Router) Route(ctx context.Context, target *realm.Instance, use decl.UseDecl) (*RoutedSource, error) {
	request := Request{Target: target.Moniker(), Kind: use.Kind, Capability: use.SourceName}
	return r.run(ctx, request, func(ctx context.Context, w *walk) (*RoutedSource, error) {
		component, err := w.enter(ctx, target, use.SourceName)
		if err != nil {
			return nil, err
		}
		w.hop(target.Moniker(), StepUse, use.Kind, use.SourceName)
		w.subdir(use.Subdir)
		return w.fromSource(ctx, target, component, use.Source, use.Kind, use.SourceName)
	})
}

// RouteExpose routes a capability exposed by instance down to its
// source.
func (r *Router) RouteExpose(ctx context.Context, instance *realm.Instance, kind decl.Kind, name string) (*RoutedSource, error) {
	request := Request{Target: instance.Moniker(), Kind: kind, Capability: name}
	return r.run(ctx, request, func(ctx context.Context, w *walk) (*RoutedSource, error) {
		return w.expose(ctx, instance, kind, name)
	})
}

// RouteRunner routes the runner named by the program of instance
// through its environment. The instance is resolved first.
func (r *Router) RouteRunner(ctx context.Context, instance *realm.Instance) (*RoutedSource, error) {
	component, err := r.tree.Resolve(ctx, instance)
	if err != nil {
		kind := KindInstanceNotAvailable
		if ctx.Err() != nil {
			kind = KindTimeout
		}
		return nil, &Error{Kind: kind, Moniker: instance.Moniker(), Detail: "resolving instance", Err: err}
	}
	if component.Program == nil {
		return nil, routeError(KindSourceNotFound, instance.Moniker(), "", "instance has no program")
	}
	name := component.Program.Runner
	request := Request{Target: instance.Moniker(), Kind: decl.KindRunner, Capability: name}
	return r.run(ctx, request, func(ctx context.Context, w *walk) (*RoutedSource, error) {
		w.visited[instance.Moniker().InstanceString()] = true
		registration, holder, ok := instance.Environment().Runner(name)
		if !ok {
			return nil, routeError(KindSourceNotFound, instance.Moniker(), name,
				"runner is not registered in environment %q", instance.Environment().Name)
		}
		return w.registration(ctx, holder, decl.KindRunner, name, registration.Source, registration.SourceName)
	})
}

// RouteResolver routes the resolver registered for scheme in the
// environment of instance.
func (r *Router) RouteResolver(ctx context.Context, instance *realm.Instance, scheme string) (*RoutedSource, error) {
	request := Request{Target: instance.Moniker(), Kind: decl.KindResolver, Capability: scheme}
	return r.run(ctx, request, func(ctx context.Context, w *walk) (*RoutedSource, error) {
		w.visited[instance.Moniker().InstanceString()] = true
		registration, holder, ok := instance.Environment().Resolver(scheme)
		if !ok {
			return nil, routeError(KindSourceNotFound, instance.Moniker(), scheme,
				"no resolver for scheme %q in environment %q", scheme, instance.Environment().Name)
		}
		return w.registration(ctx, holder, decl.KindResolver, scheme, registration.Source, registration.Resolver)
	})
}

func (r *Router) run(ctx context.Context, request Request, route func(context.Context, *walk) (*RoutedSource, error)) (*RoutedSource, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	w := &walk{router: r, request: request, visited: make(map[string]bool)}
	source, err := route(ctx, w)
	if err == nil {
		source.Chain = w.chain
		source.Subdir = w.joinSubdirs(source.Subdir)
		if r.policy != nil {
			if policyErr := r.policy.Check(request, source); policyErr != nil {
				err = &Error{
					Kind:       KindPolicyDisallowed,
					Moniker:    source.Moniker,
					Capability: request.Capability,
					Detail:     fmt.Sprintf("route to %s", request.Target),
					Err:        policyErr,
				}
			}
		}
	}
	if err != nil {
		source = nil
		err = classify(ctx, request, err)
	}
	r.emit(ctx, request, w.chain, source, err)
	return source, err
}

// classify converts context expiry to Timeout and wraps stray errors.
func classify(ctx context.Context, request Request, err error) error {
	var routingErr *Error
	if errors.As(err, &routingErr) {
		if routingErr.Kind == KindInstanceNotAvailable && errors.Is(err, context.DeadlineExceeded) {
			routingErr.Kind = KindTimeout
		}
		return routingErr
	}
	if ctx.Err() != nil {
		return &Error{Kind: KindTimeout, Moniker: request.Target, Capability: request.Capability, Err: err}
	}
	return &Error{Kind: KindInstanceNotAvailable, Moniker: request.Target, Capability: request.Capability, Err: err}
}

func (r *Router) emit(ctx context.Context, request Request, chain []Hop, source *RoutedSource, err error) {
	route := &event.Route{Capability: request.Capability, Kind: string(request.Kind)}
	for _, hop := range chain {
		route.Chain = append(route.Chain, event.Hop{
			Moniker: hop.Moniker, Step: string(hop.Step), Kind: string(hop.Kind), Name: hop.Name,
		})
	}
	if source != nil {
		route.Source = source.Moniker
		route.AboveRoot = source.AboveRoot
		route.Framework = source.Framework
	}
	if err != nil {
		route.Error = err.Error()
		var routingErr *Error
		if errors.As(err, &routingErr) {
			route.Failure = string(routingErr.Kind)
		}
		r.logger.Debug("route failed",
			"moniker", request.Target.String(), "capability", request.Capability, "error", err)
	}
	if dispatchErr := r.tree.Events().Dispatch(ctx, event.Event{
		Type:   event.TypeCapabilityRouted,
		Target: request.Target,
		Route:  route,
	}); dispatchErr != nil {
		r.logger.Debug("capability_routed event not acknowledged",
			"moniker", request.Target.String(), "error", dispatchErr)
	}
}

// walk is the state of one route.
type walk struct {
	router  *Router
	request Request
	chain   []Hop
	visited map[string]bool

	// subdirs are collected from the consumer towards the source.
	subdirs []string
}

func (w *walk) hop(at moniker.Moniker, step Step, kind decl.Kind, name string) {
	w.chain = append(w.chain, Hop{Moniker: at, Step: step, Kind: kind, Name: name})
}

func (w *walk) subdir(subdir string) {
	if subdir != "" {
		w.subdirs = append(w.subdirs, subdir)
	}
}

// joinSubdirs joins the collected subdirs source-first with any suffix
// already carried by the source.
func (w *walk) joinSubdirs(suffix string) string {
	parts := make([]string, 0, len(w.subdirs)+1)
	for i := len(w.subdirs) - 1; i >= 0; i-- {
		parts = append(parts, w.subdirs[i])
	}
	if suffix != "" {
		parts = append(parts, suffix)
	}
	if len(parts) == 0 {
		return ""
	}
	return path.Join(parts...)
}

// enter records a visit to instance and returns its decl, resolving it
// if needed. A route never legitimately visits an instance twice: it
// climbs through offers and then descends through exposes.
func (w *walk) enter(ctx context.Context, instance *realm.Instance, capability string) (*decl.ComponentDecl, error) {
	key := instance.Moniker().InstanceString()
	if w.visited[key] {
		return nil, routeError(KindCycle, instance.Moniker(), capability, "route re-enters instance via %s", w.describeChain())
	}
	w.visited[key] = true

	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindTimeout, Moniker: instance.Moniker(), Capability: capability, Err: err}
	}
	component, err := w.router.tree.Resolve(ctx, instance)
	if err != nil {
		kind := KindInstanceNotAvailable
		if ctx.Err() != nil {
			kind = KindTimeout
		}
		return nil, &Error{Kind: kind, Moniker: instance.Moniker(), Capability: capability, Detail: "resolving instance", Err: err}
	}
	return component, nil
}

func (w *walk) describeChain() string {
	text := ""
	for i, hop := range w.chain {
		if i > 0 {
			text += " -> "
		}
		text += fmt.Sprintf("%s(%s %s)", hop.Moniker, hop.Step, hop.Name)
	}
	return text
}

// fromSource follows source as seen from the instance at, whose decl is
// component.
func (w *walk) fromSource(ctx context.Context, at *realm.Instance, component *decl.ComponentDecl, source decl.Source, kind decl.Kind, name string) (*RoutedSource, error) {
	switch source.Type {
	case decl.SourceSelf:
		capability, ok := component.FindCapability(kind, name)
		if !ok {
			return nil, routeError(KindSourceNotFound, at.Moniker(), name, "no %s capability declared", kind)
		}
		w.hop(at.Moniker(), StepDeclare, kind, name)
		return w.terminal(ctx, at, capability)
	case decl.SourceParent:
		return w.up(ctx, at, kind, name)
	case decl.SourceChild:
		child := at.Child(source.Child)
		if child == nil {
			return nil, routeError(KindInstanceNotAvailable, at.Moniker(), name, "child %q is not live", source.Child)
		}
		return w.expose(ctx, child, kind, name)
	case decl.SourceFramework:
		capability, ok := findFramework(kind, name)
		if !ok {
			return nil, routeError(KindSourceNotFound, at.Moniker(), name, "framework provides no %s capability", kind)
		}
		w.hop(at.Moniker(), StepFramework, kind, name)
		return &RoutedSource{Moniker: at.Moniker(), Capability: capability, Framework: true}, nil
	case decl.SourceVoid:
		return nil, routeError(KindSourceNotFound, at.Moniker(), name, "source is void")
	default:
		return nil, routeError(KindSourceNotFound, at.Moniker(), name, "unknown source %q", source.Type)
	}
}

// up finds the offer of name that the parent of child makes to it.
func (w *walk) up(ctx context.Context, child *realm.Instance, kind decl.Kind, name string) (*RoutedSource, error) {
	if child.IsRoot() {
		return w.builtin(kind, name)
	}
	parent := child.Parent()
	if parent == nil {
		return nil, routeError(KindInstanceNotAvailable, child.Moniker(), name, "parent is not live")
	}
	component, err := w.enter(ctx, parent, name)
	if err != nil {
		return nil, err
	}
	leaf, _ := child.Moniker().Leaf()
	offer, ok := component.FindOffer(kind, name, leaf.Name(), leaf.Collection())
	if !ok {
		return nil, routeError(KindSourceNotFound, parent.Moniker(), name,
			"no %s offer to %s", kind, offerTarget(leaf))
	}
	w.hop(parent.Moniker(), StepOffer, kind, name)
	w.subdir(offer.Subdir)
	return w.fromSource(ctx, parent, component, offer.Source, kind, offer.SourceName)
}

func offerTarget(leaf moniker.Segment) string {
	if leaf.IsDynamic() {
		return decl.OfferTarget{Collection: leaf.Collection()}.String()
	}
	return decl.OfferTarget{Child: leaf.Name()}.String()
}

// expose finds the expose of name on instance and follows its source.
func (w *walk) expose(ctx context.Context, instance *realm.Instance, kind decl.Kind, name string) (*RoutedSource, error) {
	component, err := w.enter(ctx, instance, name)
	if err != nil {
		return nil, err
	}
	expose, ok := component.FindExpose(kind, name)
	if !ok {
		return nil, routeError(KindSourceNotFound, instance.Moniker(), name, "no %s expose", kind)
	}
	w.hop(instance.Moniker(), StepExpose, kind, name)
	w.subdir(expose.Subdir)
	return w.fromSource(ctx, instance, component, expose.Source, kind, expose.SourceName)
}

// builtin looks name up in the table of capabilities above the root.
func (w *walk) builtin(kind decl.Kind, name string) (*RoutedSource, error) {
	for _, capability := range w.router.builtins {
		if capability.Kind == kind && capability.Name == name {
			w.hop(moniker.Root(), StepBuiltin, kind, name)
			return &RoutedSource{Moniker: moniker.Root(), Capability: capability, AboveRoot: true}, nil
		}
	}
	return nil, routeError(KindSourceNotFound, moniker.Root(), name, "no built-in %s capability above the root", kind)
}

// registration routes an environment registration from the instance
// that declares the environment.
func (w *walk) registration(ctx context.Context, holder *realm.Environment, kind decl.Kind, key string, source decl.Source, name string) (*RoutedSource, error) {
	w.hop(holder.Declarer, StepEnvironment, kind, key)
	if holder.IsBuiltin() {
		return w.builtin(kind, name)
	}
	declarer := w.router.tree.Find(holder.Declarer)
	if declarer == nil {
		return nil, routeError(KindInstanceNotAvailable, holder.Declarer, name,
			"environment %q declarer is not live", holder.Name)
	}
	component, err := w.enter(ctx, declarer, name)
	if err != nil {
		return nil, err
	}
	return w.fromSource(ctx, declarer, component, source, kind, name)
}

// terminal finishes a route at a declared capability. Storage
// capabilities continue with a route of their backing directory.
func (w *walk) terminal(ctx context.Context, at *realm.Instance, capability decl.CapabilityDecl) (*RoutedSource, error) {
	if capability.Kind != decl.KindStorage {
		w.subdir(capability.Subdir)
		return &RoutedSource{Moniker: at.Moniker(), Capability: capability}, nil
	}
	return w.storage(ctx, at, capability)
}

// storage routes the backing directory of a storage capability
// declared at declarer and isolates the consumer in a subdirectory
// named by its moniker relative to declarer.
func (w *walk) storage(ctx context.Context, declarer *realm.Instance, storage decl.CapabilityDecl) (*RoutedSource, error) {
	relative, ok := w.request.Target.Relative(declarer.Moniker())
	if !ok {
		return nil, routeError(KindSourceNotFound, declarer.Moniker(), storage.Name,
			"storage consumer %s is not below the declaring instance", w.request.Target)
	}
	w.hop(declarer.Moniker(), StepStorage, decl.KindDirectory, storage.BackingDir)

	// The consumer's subdirs do not apply to the backing directory; the
	// backing route starts its own collection and its own visit set.
	w.subdirs = nil
	w.visited = map[string]bool{declarer.Moniker().InstanceString(): true}

	component := declarer.Decl()
	backing, err := w.fromSource(ctx, declarer, component, storage.StorageSource, decl.KindDirectory, storage.BackingDir)
	if err != nil {
		return nil, err
	}
	isolation := storage.Subdir
	if !relative.IsRoot() {
		isolation = path.Join(isolation, relative.String())
	}
	backing.Subdir = path.Join(backing.Subdir, isolation)
	storageMoniker := declarer.Moniker()
	backing.StorageInstance = &storageMoniker
	return backing, nil
}
