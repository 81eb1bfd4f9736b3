// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package namespace

import (
	"context"
	"fmt"
	"path"

	"github.com/bureau-foundation/realm/lib/decl"
	"github.com/bureau-foundation/realm/lib/moniker"
	"github.com/bureau-foundation/realm/lib/routing"
)

// Binder starts the instance serving a capability when a handle is
// opened. The manager implements it.
type Binder interface {
	EnsureStarted(ctx context.Context, m moniker.Moniker) error
}

// Handle is one mount of a namespace.
type Handle struct {
	Path   string
	Kind   decl.Kind
	Source routing.RoutedSource

	binder Binder
}

// Target is an opened handle: the instance to connect to and the path
// within its outgoing directory.
type Target struct {
	Moniker   moniker.Moniker `cbor:"moniker" json:"moniker"`
	Path      string          `cbor:"path" json:"path"`
	Framework bool            `cbor:"framework,omitempty" json:"framework,omitempty"`
	AboveRoot bool            `cbor:"above_root,omitempty" json:"above_root,omitempty"`
}

// ServePath is the path within the provider's outgoing directory that
// backs the handle.
func (h *Handle) ServePath() string {
	base := h.Source.Capability.Path
	if base == "" {
		base = "/" + h.Source.Capability.Name
	}
	if h.Source.Subdir == "" {
		return base
	}
	return path.Join(base, h.Source.Subdir)
}

// Open starts the providing instance if needed and returns the target. Framework
// and built-in capabilities are served by the runtime and need no bind.
func (h *Handle) Open(ctx context.Context) (Target, error) {
	target := Target{
		Moniker:   h.Source.Moniker,
		Path:      h.ServePath(),
		Framework: h.Source.Framework,
		AboveRoot: h.Source.AboveRoot,
	}
	if h.Source.Framework || h.Source.AboveRoot {
		return target, nil
	}
	if h.binder == nil {
		return Target{}, fmt.Errorf("namespace: %s: no binder to start %s", h.Path, h.Source.Moniker)
	}
	if err := h.binder.EnsureStarted(ctx, h.Source.Moniker); err != nil {
		return Target{}, fmt.Errorf("namespace: %s: starting %s: %w", h.Path, h.Source.Moniker, err)
	}
	return target, nil
}
