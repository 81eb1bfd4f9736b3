// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"context"
	"fmt"
	"sync"

	"github.com/bureau-foundation/realm/lib/decl"
)

// Memory resolves URLs against decls added with Add. It counts
// resolutions per URL so tests can assert how often the runtime
// fetched a manifest.
type Memory struct {
	mu    sync.Mutex
	decls map[string]*decl.ComponentDecl
	calls map[string]int
	fail  map[string]error
}

// NewMemory returns an empty Memory resolver.
func NewMemory() *Memory {
	return &Memory{
		decls: make(map[string]*decl.ComponentDecl),
		calls: make(map[string]int),
		fail:  make(map[string]error),
	}
}

// Add normalizes and validates component, then serves it at url.
func (m *Memory) Add(url string, component *decl.ComponentDecl) error {
	component.Normalize()
	if err := decl.Validate(component); err != nil {
		return fmt.Errorf("%s: %w", url, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decls[url] = component
	delete(m.fail, url)
	return nil
}

// MustAdd is Add that panics. For tests.
func (m *Memory) MustAdd(url string, component *decl.ComponentDecl) {
	if err := m.Add(url, component); err != nil {
		panic(err)
	}
}

// Fail makes resolution of url return err.
func (m *Memory) Fail(url string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[url] = err
}

// Calls returns how many times url was resolved.
func (m *Memory) Calls(url string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[url]
}

// Resolve implements Resolver.
func (m *Memory) Resolve(ctx context.Context, url string) (*decl.ComponentDecl, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{URL: url, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[url]++
	if err, ok := m.fail[url]; ok {
		return nil, &Error{URL: url, Err: err}
	}
	component, ok := m.decls[url]
	if !ok {
		return nil, &Error{URL: url, Err: ErrNotFound}
	}
	return component, nil
}
