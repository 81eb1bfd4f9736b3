// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"context"
	"sync"

	"github.com/bureau-foundation/realm/lib/decl"
)

// Cache memoizes successful resolutions by URL. Failures are not
// cached.
type Cache struct {
	inner Resolver

	mu      sync.Mutex
	entries map[string]*decl.ComponentDecl
}

// NewCache wraps inner.
func NewCache(inner Resolver) *Cache {
	return &Cache{inner: inner, entries: make(map[string]*decl.ComponentDecl)}
}

// Resolve returns the cached decl or resolves through inner.
func (c *Cache) Resolve(ctx context.Context, url string) (*decl.ComponentDecl, error) {
	c.mu.Lock()
	component, ok := c.entries[url]
	c.mu.Unlock()
	if ok {
		return component, nil
	}

	component, err := c.inner.Resolve(ctx, url)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[url] = component
	c.mu.Unlock()
	return component, nil
}

// Invalidate drops the entry for url.
func (c *Cache) Invalidate(url string) {
	c.mu.Lock()
	delete(c.entries, url)
	c.mu.Unlock()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
