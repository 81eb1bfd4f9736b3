// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/realm/lib/decl"
	"github.com/bureau-foundation/realm/lib/event"
	"github.com/bureau-foundation/realm/lib/launcher"
	"github.com/bureau-foundation/realm/lib/moniker"
	"github.com/bureau-foundation/realm/lib/namespace"
	"github.com/bureau-foundation/realm/lib/realm"
)

// Bind resolves the instance at target without starting it. Binding
// an instance that is already resolved does nothing and routes
// nothing.
func (m *Manager) Bind(ctx context.Context, target moniker.Moniker) error {
	instance, err := m.instance(ctx, target)
	if err != nil {
		return err
	}
	_, err = m.tree.Resolve(ctx, instance)
	return err
}

// EnsureStarted starts the instance at target unless it is already
// started. It implements namespace.Binder.
func (m *Manager) EnsureStarted(ctx context.Context, target moniker.Moniker) error {
	instance, err := m.instance(ctx, target)
	if err != nil {
		return err
	}
	return m.start(ctx, instance, false)
}

// Start starts the instance at target. It fails if the instance is
// already started.
func (m *Manager) Start(ctx context.Context, target moniker.Moniker) error {
	instance, err := m.instance(ctx, target)
	if err != nil {
		return err
	}
	return m.start(ctx, instance, true)
}

// start starts instance and then its eager children. With exclusive
// set, an instance found started under the action lock is an
// InvalidTransition rather than a no-op.
func (m *Manager) start(ctx context.Context, instance *realm.Instance, exclusive bool) error {
	eager, err := m.startLocked(ctx, instance, exclusive)
	if err != nil {
		return err
	}
	if len(eager) == 0 {
		return nil
	}
	var group errgroup.Group
	for _, child := range eager {
		group.Go(func() error {
			if err := m.start(ctx, child, false); err != nil {
				m.logger.Warn("eager child failed to start",
					"moniker", child.Moniker().String(), "parent", instance.Moniker().String(), "error", err)
				return err
			}
			return nil
		})
	}
	// Eager child failures do not fail the parent.
	_ = group.Wait()
	return nil
}

// startLocked performs Resolved/Stopped → Started under the action
// lock and returns the eager children to start next.
func (m *Manager) startLocked(ctx context.Context, instance *realm.Instance, exclusive bool) ([]*realm.Instance, error) {
	if err := instance.LockAction(ctx); err != nil {
		return nil, err
	}
	defer instance.UnlockAction()

	if instance.State() == realm.StateStarted {
		if exclusive {
			return nil, &realm.LifecycleError{Kind: realm.KindInvalidTransition, Moniker: instance.Moniker(), Detail: "already started"}
		}
		return nil, nil
	}
	component, err := m.tree.Resolve(ctx, instance)
	if err != nil {
		return nil, err
	}

	uses := m.routeUses(ctx, instance, component)
	for _, routed := range uses {
		if routed.Err == nil {
			continue
		}
		if routed.Use.Availability != decl.Optional {
			return nil, fmt.Errorf("routing required use %q of %s: %w", routed.Use.SourceName, instance.Moniker(), routed.Err)
		}
		m.logger.Info("optional use unavailable, omitting from namespace",
			"moniker", instance.Moniker().String(), "capability", routed.Use.SourceName, "error", routed.Err)
	}
	ns, err := namespace.Build(uses, m)
	if err != nil {
		return nil, fmt.Errorf("building namespace of %s: %w", instance.Moniker(), err)
	}

	var running launcher.RunningProgram
	if component.Program != nil {
		running, err = m.launch(ctx, instance, component, ns)
		if err != nil {
			return nil, err
		}
	}

	if err := m.events.Dispatch(ctx, event.Event{
		Type:   event.TypeStarted,
		Target: instance.Moniker(),
		URL:    instance.URL(),
	}); err != nil {
		m.abandon(ctx, instance, running)
		return nil, fmt.Errorf("start of %s rejected: %w", instance.Moniker(), err)
	}

	var execution realm.Execution
	if running != nil {
		execution = running
	}
	if err := instance.MarkStarted(execution); err != nil {
		m.abandon(ctx, instance, running)
		return nil, err
	}
	m.remember(instance, ns)
	if running != nil {
		m.watchers.Add(1)
		go m.watch(instance, running)
	}
	m.logger.Info("instance started",
		"moniker", instance.Moniker().String(), "url", instance.URL(), "uses", len(uses))

	var eager []*realm.Instance
	for _, child := range instance.Children() {
		if leaf, _ := child.Moniker().Leaf(); !leaf.IsDynamic() && child.Startup() == decl.StartupEager {
			eager = append(eager, child)
		}
	}
	return eager, nil
}

// routeUses routes every use of instance, one entry per use in
// declaration order. Failed routes carry their error and no source.
func (m *Manager) routeUses(ctx context.Context, instance *realm.Instance, component *decl.ComponentDecl) []namespace.RoutedUse {
	uses := make([]namespace.RoutedUse, 0, len(component.Uses))
	for _, use := range component.Uses {
		source, err := m.router.Route(ctx, instance, use)
		if err != nil {
			uses = append(uses, namespace.Failed(use, err))
			continue
		}
		uses = append(uses, namespace.RoutedUse{Use: use, Source: source})
	}
	return uses
}

func (m *Manager) launch(ctx context.Context, instance *realm.Instance, component *decl.ComponentDecl, ns *namespace.Namespace) (launcher.RunningProgram, error) {
	runner, err := m.router.RouteRunner(ctx, instance)
	if err != nil {
		return nil, fmt.Errorf("routing runner of %s: %w", instance.Moniker(), err)
	}
	selected, ok := m.launchers[runner.Capability.Name]
	if !ok {
		return nil, &launcher.LaunchError{
			Moniker: instance.Moniker(),
			Binary:  component.Program.Binary,
			Err:     fmt.Errorf("no launcher for runner %q provided by %s", runner.Capability.Name, runner.Moniker),
		}
	}
	return selected.Launch(ctx, launcher.Program{
		Moniker: instance.Moniker(),
		URL:     instance.URL(),
		Decl:    *component.Program,
		Runner:  runner,
	}, ns)
}

// abandon stops a program whose start did not complete.
func (m *Manager) abandon(ctx context.Context, instance *realm.Instance, running launcher.RunningProgram) {
	if running == nil {
		return
	}
	stopCtx, cancel := m.stopContext(ctx, instance)
	defer cancel()
	if err := running.Stop(stopCtx); err != nil {
		m.logger.Warn("stopping abandoned program failed", "moniker", instance.Moniker().String(), "error", err)
	}
}

// stopContext bounds a program stop by the environment's stop timeout.
func (m *Manager) stopContext(ctx context.Context, instance *realm.Instance) (context.Context, context.CancelFunc) {
	timeout := instance.Environment().StopTimeout()
	if timeout <= 0 {
		timeout = m.stopTimeout
	}
	stopCtx, cancel := context.WithCancel(ctx)
	timer := m.clock.AfterFunc(timeout, cancel)
	return stopCtx, func() {
		timer.Stop()
		cancel()
	}
}

// watch moves the instance to Stopped when its program exits on its
// own, and destroys single-run instances.
func (m *Manager) watch(instance *realm.Instance, running launcher.RunningProgram) {
	defer m.watchers.Done()
	exit := <-running.Exited()
	if !instance.ReleaseExecution(running) {
		return
	}
	m.forget(instance.Moniker())
	m.logger.Info("program exited",
		"moniker", instance.Moniker().String(), "code", exit.Code, "error", exit.Err)

	if err := m.events.Dispatch(context.Background(), event.Event{
		Type:   event.TypeStopped,
		Target: instance.Moniker(),
	}); err != nil {
		m.logger.Warn("stopped event not acknowledged", "moniker", instance.Moniker().String(), "error", err)
	}

	if instance.Durability() == decl.SingleRun {
		if err := m.tree.Destroy(context.Background(), instance.Moniker()); err != nil {
			m.logger.Warn("destroying finished single-run instance failed",
				"moniker", instance.Moniker().String(), "error", err)
		}
	}
}

// Stop stops the instance at target and all its descendants,
// descendants first. Stopping an instance that is not started does
// nothing.
func (m *Manager) Stop(ctx context.Context, target moniker.Moniker) error {
	instance, err := m.instance(ctx, target)
	if err != nil {
		return err
	}
	return m.stopSubtree(ctx, instance)
}

func (m *Manager) stopSubtree(ctx context.Context, instance *realm.Instance) error {
	if err := instance.LockAction(ctx); err != nil {
		return err
	}
	defer instance.UnlockAction()

	var errs []error
	for _, child := range instance.Children() {
		if err := m.stopSubtree(ctx, child); err != nil {
			errs = append(errs, err)
		}
	}

	execution, ok := instance.MarkStopped()
	if !ok {
		return errors.Join(errs...)
	}
	m.forget(instance.Moniker())
	if execution != nil {
		stopCtx, cancel := m.stopContext(ctx, instance)
		err := execution.Stop(stopCtx)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("stopping program of %s: %w", instance.Moniker(), err))
		}
	}
	m.logger.Info("instance stopped", "moniker", instance.Moniker().String())

	// The program is already gone, so a veto cannot undo the stop.
	if err := m.events.Dispatch(ctx, event.Event{Type: event.TypeStopped, Target: instance.Moniker()}); err != nil {
		m.logger.Warn("stopped event not acknowledged", "moniker", instance.Moniker().String(), "error", err)
	}
	return errors.Join(errs...)
}

// Destroy destroys the instance at target and its subtree.
func (m *Manager) Destroy(ctx context.Context, target moniker.Moniker) error {
	instance, err := m.instance(ctx, target)
	if err != nil {
		return err
	}
	if err := m.tree.Destroy(ctx, instance.Moniker()); err != nil {
		return err
	}
	m.forgetSubtree(instance.Moniker())
	return nil
}

func (m *Manager) remember(instance *realm.Instance, ns *namespace.Namespace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.namespaces[instance.Moniker().InstanceString()] = ns
}

func (m *Manager) forget(instance moniker.Moniker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.namespaces, instance.InstanceString())
}

func (m *Manager) forgetSubtree(root moniker.Moniker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.namespaces {
		parsed, err := moniker.Parse(key)
		if err == nil && parsed.HasPrefix(root) {
			delete(m.namespaces, key)
		}
	}
}

func (m *Manager) namespaceOf(instance moniker.Moniker) *namespace.Namespace {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.namespaces[instance.InstanceString()]
}
