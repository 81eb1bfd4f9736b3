// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package realm

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/bureau-foundation/realm/lib/decl"
	"github.com/bureau-foundation/realm/lib/moniker"
)

// Execution is the running program of a started instance.
type Execution interface {
	Stop(ctx context.Context) error
}

// Instance is one node of the tree.
type Instance struct {
	tree        *Tree
	moniker     moniker.Moniker
	parent      moniker.Moniker
	url         string
	environment *Environment
	startup     decl.StartupMode
	durability  decl.Durability

	// actionLock is a one-slot semaphore so acquisition can honor a
	// context.
	actionLock chan struct{}
	resolveMu  sync.Mutex

	mu         sync.Mutex
	state      State
	decl       *decl.ComponentDecl
	digest     decl.DigestValue
	children   map[string]*Instance
	destroying bool
	execution  Execution
}

func newInstance(tree *Tree, m, parent moniker.Moniker, url string, environment *Environment) *Instance {
	return &Instance{
		tree:        tree,
		moniker:     m,
		parent:      parent,
		url:         url,
		environment: environment,
		startup:     decl.StartupLazy,
		durability:  decl.Transient,
		actionLock:  make(chan struct{}, 1),
		state:       StateNew,
		children:    make(map[string]*Instance),
	}
}

// Moniker returns the instance moniker, including instance ids.
func (i *Instance) Moniker() moniker.Moniker { return i.moniker }

// URL returns the component URL.
func (i *Instance) URL() string { return i.url }

// Scheme returns the URL scheme, or "" if the URL has none.
func (i *Instance) Scheme() string {
	scheme, _, ok := strings.Cut(i.url, "://")
	if !ok {
		return ""
	}
	return scheme
}

// Environment returns the environment the instance runs in.
func (i *Instance) Environment() *Environment { return i.environment }

// Startup returns the startup mode declared for a static child.
// Dynamic children and the root are lazy.
func (i *Instance) Startup() decl.StartupMode { return i.startup }

// Durability returns the durability of the collection holding the
// instance, or Transient for static children and the root.
func (i *Instance) Durability() decl.Durability { return i.durability }

// IsRoot reports whether i is the root instance.
func (i *Instance) IsRoot() bool { return i.moniker.IsRoot() }

// Parent returns the live parent, or nil for the root or when the
// parent is being destroyed.
func (i *Instance) Parent() *Instance {
	if i.moniker.IsRoot() {
		return nil
	}
	return i.tree.Find(i.parent)
}

// ParentMoniker returns the parent's instance moniker. The root returns
// false.
func (i *Instance) ParentMoniker() (moniker.Moniker, bool) {
	if i.moniker.IsRoot() {
		return moniker.Moniker{}, false
	}
	return i.parent, true
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Decl returns the resolved decl, or nil before discovery.
func (i *Instance) Decl() *decl.ComponentDecl {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.decl
}

// Digest returns the digest of the resolved decl.
func (i *Instance) Digest() decl.DigestValue {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.digest
}

// Live reports whether the instance is neither destroying nor
// destroyed.
func (i *Instance) Live() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.liveLocked()
}

func (i *Instance) liveLocked() bool {
	return !i.destroying && i.state != StateDestroyed
}

// Child returns the live child with the given position key ("name" or
// "collection:name").
func (i *Instance) Child(key string) *Instance {
	i.mu.Lock()
	var child *Instance
	if !i.destroying {
		child = i.children[key]
	}
	i.mu.Unlock()
	if child == nil || !child.Live() {
		return nil
	}
	return child
}

// Children returns the live children ordered by position key.
func (i *Instance) Children() []*Instance {
	i.mu.Lock()
	children := make([]*Instance, 0, len(i.children))
	for _, child := range i.children {
		children = append(children, child)
	}
	i.mu.Unlock()

	live := children[:0]
	for _, child := range children {
		if child.Live() {
			live = append(live, child)
		}
	}
	slices.SortFunc(live, func(a, b *Instance) int { return strings.Compare(a.key(), b.key()) })
	return live
}

// key returns the position key of i within its parent.
func (i *Instance) key() string {
	leaf, ok := i.moniker.Leaf()
	if !ok {
		return ""
	}
	return leaf.Key()
}

// Execution returns the running program, or nil.
func (i *Instance) Execution() Execution {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.execution
}

// LockAction acquires the instance's action lock. Callers holding the
// action lock of an instance may acquire those of its descendants,
// never of its ancestors.
func (i *Instance) LockAction(ctx context.Context) error {
	select {
	case i.actionLock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UnlockAction releases the action lock.
func (i *Instance) UnlockAction() {
	<-i.actionLock
}

// MarkStarted records a successful start. The instance must be
// Resolved or Stopped and live. execution may be nil for components
// without a program.
func (i *Instance) MarkStarted(execution Execution) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.liveLocked() {
		return lifecycleError(KindInvalidTransition, i.moniker, "instance is being destroyed")
	}
	if i.state != StateResolved && i.state != StateStopped {
		return lifecycleError(KindInvalidTransition, i.moniker, "cannot start from %s", i.state)
	}
	i.state = StateStarted
	i.execution = execution
	return nil
}

// MarkStopped moves a started instance to Stopped and returns the
// execution it held so the caller can stop it. It returns false if the
// instance was not started.
func (i *Instance) MarkStopped() (Execution, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateStarted {
		return nil, false
	}
	execution := i.execution
	i.state = StateStopped
	i.execution = nil
	return execution, true
}

// ReleaseExecution moves a Started instance to Stopped if it is still
// running execution. Used when a program exits on its own.
func (i *Instance) ReleaseExecution(execution Execution) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateStarted || i.execution != execution {
		return false
	}
	i.state = StateStopped
	i.execution = nil
	return true
}
