// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package realm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bureau-foundation/realm/lib/event"
	"github.com/bureau-foundation/realm/lib/moniker"
)

// PendingDestroy is an instance whose teardown did not complete.
type PendingDestroy struct {
	Moniker moniker.Moniker `cbor:"moniker" json:"moniker"`
	Error   string          `cbor:"error" json:"error"`
	Since   time.Time       `cbor:"since" json:"since"`
}

// ErrStopTimeout is recorded when a program does not stop within the
// environment's stop timeout.
var ErrStopTimeout = errors.New("program did not stop in time")

// Destroy destroys the instance at m and every descendant. Children are
// destroyed before their parents. Vetoes and failures from subscribers
// or programs are logged and do not stop the teardown; programs that
// fail to stop land in the pending-destroy set.
func (t *Tree) Destroy(ctx context.Context, m moniker.Moniker) error {
	instance := t.Find(m)
	if instance == nil {
		return lifecycleError(KindInstanceNotFound, m, "no live instance")
	}
	if !markDestroying(instance) {
		return lifecycleError(KindInvalidTransition, m, "already being destroyed")
	}
	t.logger.Info("destroying subtree", "moniker", instance.moniker.String())
	t.destroyPostOrder(ctx, instance)
	return nil
}

// markDestroying flags the subtree rooted at instance. It returns false
// if the root of the subtree was already flagged.
func markDestroying(instance *Instance) bool {
	instance.mu.Lock()
	if instance.destroying {
		instance.mu.Unlock()
		return false
	}
	instance.destroying = true
	children := make([]*Instance, 0, len(instance.children))
	for _, child := range instance.children {
		children = append(children, child)
	}
	instance.mu.Unlock()

	for _, child := range children {
		markDestroying(child)
	}
	return true
}

func (t *Tree) destroyPostOrder(ctx context.Context, instance *Instance) {
	stopTimeout := instance.environment.StopTimeout()
	if stopTimeout <= 0 {
		stopTimeout = t.stopTimeout
	}

	locked := t.lockForDestroy(ctx, instance, stopTimeout)
	if locked {
		defer instance.UnlockAction()
	}

	instance.mu.Lock()
	children := make([]*Instance, 0, len(instance.children))
	for _, child := range instance.children {
		children = append(children, child)
	}
	instance.mu.Unlock()
	slices.SortFunc(children, func(a, b *Instance) int { return strings.Compare(a.key(), b.key()) })

	for _, child := range children {
		t.destroyPostOrder(ctx, child)
	}

	m := instance.moniker
	if err := t.events.Dispatch(ctx, event.Event{Type: event.TypeDestroying, Target: m}); err != nil {
		t.logger.Warn("destroying event not acknowledged, continuing", "moniker", m.String(), "error", err)
	}

	instance.mu.Lock()
	execution := instance.execution
	instance.execution = nil
	instance.mu.Unlock()
	if execution != nil {
		if err := t.stopExecution(ctx, m, execution, stopTimeout); err != nil {
			t.recordPending(ctx, m, err)
		}
	}

	instance.mu.Lock()
	instance.state = StateDestroyed
	instance.mu.Unlock()

	if err := t.events.Dispatch(ctx, event.Event{Type: event.TypeDestroyed, Target: m}); err != nil {
		t.logger.Warn("destroyed event not acknowledged", "moniker", m.String(), "error", err)
	}

	if parent, ok := instance.ParentMoniker(); ok {
		t.detach(parent, instance)
	}
}

// lockForDestroy takes the action lock, giving up after timeout so a
// stuck start cannot block teardown.
func (t *Tree) lockForDestroy(ctx context.Context, instance *Instance, timeout time.Duration) bool {
	lockCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	timer := t.clock.AfterFunc(timeout, cancel)
	defer timer.Stop()
	if err := instance.LockAction(lockCtx); err != nil {
		t.logger.Warn("destroy proceeding without action lock",
			"moniker", instance.moniker.String(), "error", err)
		return false
	}
	return true
}

// stopExecution stops the program, waiting at most timeout.
func (t *Tree) stopExecution(ctx context.Context, m moniker.Moniker, execution Execution, timeout time.Duration) error {
	stopCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- execution.Stop(stopCtx) }()

	expired := make(chan struct{})
	timer := t.clock.AfterFunc(timeout, func() { close(expired) })
	defer timer.Stop()

	select {
	case err := <-done:
		cancel()
		if err != nil {
			return fmt.Errorf("stopping program: %w", err)
		}
		return nil
	case <-expired:
		cancel()
		go t.awaitLateStop(m, done)
		return fmt.Errorf("%w after %v", ErrStopTimeout, timeout)
	}
}

// awaitLateStop clears a pending entry if the program eventually stops.
func (t *Tree) awaitLateStop(m moniker.Moniker, done <-chan error) {
	err := <-done
	if err != nil {
		t.logger.Warn("late program stop failed", "moniker", m.String(), "error", err)
		return
	}
	t.pendingMu.Lock()
	delete(t.pending, m.InstanceString())
	t.pendingMu.Unlock()
	t.logger.Info("pending destroy completed", "moniker", m.String())
}

func (t *Tree) recordPending(ctx context.Context, m moniker.Moniker, err error) {
	t.logger.Error("instance teardown incomplete, marking destroy pending",
		"moniker", m.String(), "error", err)
	t.pendingMu.Lock()
	t.pending[m.InstanceString()] = PendingDestroy{Moniker: m, Error: err.Error(), Since: t.clock.Now().UTC()}
	t.pendingMu.Unlock()

	if dispatchErr := t.events.Dispatch(ctx, event.Event{
		Type:   event.TypeDestroyPending,
		Target: m,
		Error:  err.Error(),
	}); dispatchErr != nil {
		t.logger.Warn("destroy_pending event not acknowledged", "moniker", m.String(), "error", dispatchErr)
	}
}

func (t *Tree) detach(parentMoniker moniker.Moniker, child *Instance) {
	parent := t.findAny(parentMoniker)
	if parent == nil {
		return
	}
	parent.mu.Lock()
	defer parent.mu.Unlock()
	key := child.key()
	if parent.children[key] == child {
		delete(parent.children, key)
	}
}

// findAny is Find without the destroying checks, used by teardown to
// reach parents that are themselves being destroyed.
func (t *Tree) findAny(m moniker.Moniker) *Instance {
	current := t.root
	for _, segment := range m.Segments() {
		current.mu.Lock()
		next := current.children[segment.Key()]
		current.mu.Unlock()
		if next == nil {
			return nil
		}
		if leaf, _ := next.moniker.Leaf(); !leaf.Matches(segment) {
			return nil
		}
		current = next
	}
	return current
}

// PendingDestroy returns the instances whose teardown is incomplete,
// ordered by moniker.
func (t *Tree) PendingDestroy() []PendingDestroy {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	pending := make([]PendingDestroy, 0, len(t.pending))
	for _, entry := range t.pending {
		pending = append(pending, entry)
	}
	slices.SortFunc(pending, func(a, b PendingDestroy) int {
		return strings.Compare(a.Moniker.InstanceString(), b.Moniker.InstanceString())
	})
	return pending
}
