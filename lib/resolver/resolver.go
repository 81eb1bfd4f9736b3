// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package resolver turns component URLs into validated decls.
//
// A [Resolver] is a pure function of its URL. The manager keeps a
// [Registry] of named resolvers; environments select one per URL
// scheme. [Cache] memoizes any resolver and is invalidated by
// [FileResolver.Watch] when manifest files change on disk. [Memory]
// serves decls held in memory for tests and embedders.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/bureau-foundation/realm/lib/decl"
)

// Resolver fetches the decl for a component URL.
type Resolver interface {
	Resolve(ctx context.Context, url string) (*decl.ComponentDecl, error)
}

var (
	// ErrNotFound means no manifest exists at the URL.
	ErrNotFound = errors.New("manifest not found")

	// ErrUnsupportedScheme means no resolver handles the URL's scheme.
	ErrUnsupportedScheme = errors.New("unsupported URL scheme")
)

// Error is a failed resolution.
type Error struct {
	URL string
	Err error
}

func (err *Error) Error() string {
	return fmt.Sprintf("resolve %s: %v", err.URL, err.Err)
}

func (err *Error) Unwrap() error { return err.Err }

// Scheme returns the scheme of url, or "" if it has none.
func Scheme(url string) string {
	scheme, _, ok := strings.Cut(url, "://")
	if !ok {
		return ""
	}
	return scheme
}

// Registry holds resolvers by name and the default scheme for each.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]Resolver
	schemes map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Resolver), schemes: make(map[string]string)}
}

// Register adds resolver under name and makes it the root
// environment's resolver for each scheme.
func (r *Registry) Register(name string, resolver Resolver, schemes ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("resolver %q already registered", name)
	}
	for _, scheme := range schemes {
		if owner, taken := r.schemes[scheme]; taken {
			return fmt.Errorf("scheme %q already handled by resolver %q", scheme, owner)
		}
	}
	r.byName[name] = resolver
	for _, scheme := range schemes {
		r.schemes[scheme] = name
	}
	return nil
}

// ByName returns the resolver registered under name.
func (r *Registry) ByName(name string) (Resolver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	resolver, ok := r.byName[name]
	return resolver, ok
}

// Schemes returns a copy of the scheme to resolver-name table.
func (r *Registry) Schemes() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemes := make(map[string]string, len(r.schemes))
	for scheme, name := range r.schemes {
		schemes[scheme] = name
	}
	return schemes
}

// Names returns the registered resolver names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve dispatches on the URL scheme.
func (r *Registry) Resolve(ctx context.Context, url string) (*decl.ComponentDecl, error) {
	r.mu.RLock()
	name, ok := r.schemes[Scheme(url)]
	resolver := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &Error{URL: url, Err: ErrUnsupportedScheme}
	}
	return resolver.Resolve(ctx, url)
}
