// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package realm

import (
	"fmt"

	"github.com/bureau-foundation/realm/lib/moniker"
)

// State is the lifecycle state of an instance.
type State string

const (
	// StateNew: created, decl unknown.
	StateNew State = "new"
	// StateDiscovered: decl known, children not yet created.
	StateDiscovered State = "discovered"
	// StateResolved: environment final, static children created.
	StateResolved State = "resolved"
	// StateStarted: namespace built and program running.
	StateStarted State = "started"
	// StateStopped: program released, decl and children retained.
	StateStopped State = "stopped"
	// StateDestroyed: terminal, detached from the tree.
	StateDestroyed State = "destroyed"
)

// IsResolved reports whether the instance has at least reached
// Resolved and is not destroyed.
func (s State) IsResolved() bool {
	switch s {
	case StateResolved, StateStarted, StateStopped:
		return true
	}
	return false
}

// ErrorKind classifies a [LifecycleError].
type ErrorKind string

const (
	KindInvalidTransition  ErrorKind = "invalid_transition"
	KindChildAlreadyExists ErrorKind = "child_already_exists"
	KindNotResolved        ErrorKind = "not_resolved"
	KindInstanceNotFound   ErrorKind = "instance_not_found"
)

// Sentinels for errors.Is. A LifecycleError matches the sentinel of
// its kind.
var (
	ErrInvalidTransition  = &LifecycleError{Kind: KindInvalidTransition}
	ErrChildAlreadyExists = &LifecycleError{Kind: KindChildAlreadyExists}
	ErrNotResolved        = &LifecycleError{Kind: KindNotResolved}
	ErrInstanceNotFound   = &LifecycleError{Kind: KindInstanceNotFound}
)

// LifecycleError is returned synchronously by tree and lifecycle
// operations that the instance's current state does not permit.
type LifecycleError struct {
	Kind    ErrorKind
	Moniker moniker.Moniker
	Detail  string
}

func (err *LifecycleError) Error() string {
	if err.Detail == "" {
		return fmt.Sprintf("lifecycle: %s: %s", err.Moniker, err.Kind)
	}
	return fmt.Sprintf("lifecycle: %s: %s: %s", err.Moniker, err.Kind, err.Detail)
}

// Is matches any LifecycleError of the same kind.
func (err *LifecycleError) Is(target error) bool {
	other, ok := target.(*LifecycleError)
	return ok && other.Kind == err.Kind
}

func lifecycleError(kind ErrorKind, m moniker.Moniker, format string, args ...any) *LifecycleError {
	return &LifecycleError{Kind: kind, Moniker: m, Detail: fmt.Sprintf(format, args...)}
}
