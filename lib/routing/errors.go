// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"fmt"

	"github.com/bureau-foundation/realm/lib/moniker"
)

// ErrorKind classifies a routing [Error].
type ErrorKind string

const (
	KindSourceNotFound       ErrorKind = "source_not_found"
	KindCycle                ErrorKind = "cycle"
	KindPolicyDisallowed     ErrorKind = "policy_disallowed"
	KindInstanceNotAvailable ErrorKind = "instance_not_available"
	KindTimeout              ErrorKind = "timeout"
)

// Sentinels for errors.Is. An *Error matches the sentinel of its kind.
var (
	ErrSourceNotFound       = &Error{Kind: KindSourceNotFound}
	ErrCycle                = &Error{Kind: KindCycle}
	ErrPolicyDisallowed     = &Error{Kind: KindPolicyDisallowed}
	ErrInstanceNotAvailable = &Error{Kind: KindInstanceNotAvailable}
	ErrTimeout              = &Error{Kind: KindTimeout}
)

// Error is a failed route. Moniker is the instance at which routing
// stopped, Capability the name being looked up there.
type Error struct {
	Kind       ErrorKind
	Moniker    moniker.Moniker
	Capability string
	Detail     string
	Err        error
}

func (err *Error) Error() string {
	message := fmt.Sprintf("routing %q: %s at %s", err.Capability, err.Kind, err.Moniker)
	if err.Detail != "" {
		message += ": " + err.Detail
	}
	if err.Err != nil {
		message += ": " + err.Err.Error()
	}
	return message
}

func (err *Error) Unwrap() error { return err.Err }

// Is matches any *Error of the same kind.
func (err *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Kind == err.Kind
}

func routeError(kind ErrorKind, at moniker.Moniker, capability string, format string, args ...any) *Error {
	return &Error{Kind: kind, Moniker: at, Capability: capability, Detail: fmt.Sprintf(format, args...)}
}
