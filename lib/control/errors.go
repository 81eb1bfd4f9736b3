// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bureau-foundation/realm/lib/launcher"
	"github.com/bureau-foundation/realm/lib/realm"
	"github.com/bureau-foundation/realm/lib/routing"
)

const (
	routingPrefix   = "routing."
	lifecyclePrefix = "lifecycle."
	kindLaunch      = "launch"
)

// errorKind classifies err for the response envelope so clients can
// match it with errors.Is.
func errorKind(err error) string {
	var routeErr *routing.Error
	if errors.As(err, &routeErr) {
		return routingPrefix + string(routeErr.Kind)
	}
	var lifecycleErr *realm.LifecycleError
	if errors.As(err, &lifecycleErr) {
		return lifecyclePrefix + string(lifecycleErr.Kind)
	}
	var launchErr *launcher.LaunchError
	if errors.As(err, &launchErr) {
		return kindLaunch
	}
	return ""
}

// Error is returned by Client calls the server answered with ok=false.
type Error struct {
	Action  string
	Kind    string
	Message string
}

func (err *Error) Error() string {
	return fmt.Sprintf("control error on %q: %s", err.Action, err.Message)
}

// Is matches the routing and lifecycle sentinels of the error's kind,
// so errors.Is(err, routing.ErrCycle) works across the socket.
func (err *Error) Is(target error) bool {
	switch target := target.(type) {
	case *routing.Error:
		kind, ok := strings.CutPrefix(err.Kind, routingPrefix)
		return ok && routing.ErrorKind(kind) == target.Kind
	case *realm.LifecycleError:
		kind, ok := strings.CutPrefix(err.Kind, lifecyclePrefix)
		return ok && realm.ErrorKind(kind) == target.Kind
	}
	return false
}
