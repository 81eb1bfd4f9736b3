// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package namespace turns the routed uses of an instance into the
// directory tree its program sees.
//
// Each routed use becomes a [Handle] mounted at the use's target path.
// Intermediate directories are implicit. A mount may not sit inside or
// above another mount, so every path in the tree leads to at most one
// handle. A handle records the routed source and binds it only when
// opened, so building a namespace never starts other instances.
package namespace

import (
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/bureau-foundation/realm/lib/decl"
	"github.com/bureau-foundation/realm/lib/routing"
)

// RoutedUse pairs a use with the source it routed to, or with the
// error its route failed with.
type RoutedUse struct {
	Use    decl.UseDecl          `cbor:"use" json:"use"`
	Source *routing.RoutedSource `cbor:"source,omitempty" json:"source,omitempty"`

	// Err is the routing error of a failed use. Failure and Message
	// carry its kind and text through encodings.
	Err     error  `cbor:"-" json:"-"`
	Failure string `cbor:"failure,omitempty" json:"failure,omitempty"`
	Message string `cbor:"message,omitempty" json:"message,omitempty"`
}

// Failed returns the entry for a use whose route failed with err.
func Failed(use decl.UseDecl, err error) RoutedUse {
	routed := RoutedUse{Use: use, Err: err, Message: err.Error()}
	var routingErr *routing.Error
	if errors.As(err, &routingErr) {
		routed.Failure = string(routingErr.Kind)
	}
	return routed
}

// Namespace is the directory tree of one instance.
type Namespace struct {
	root    *node
	handles []*Handle
}

type node struct {
	children map[string]*node
	handle   *Handle
}

// Build mounts each routed use. Uses without a source (failed routes)
// are skipped. binder is used by Handle.Open and may be
// nil for namespaces that are only described.
func Build(uses []RoutedUse, binder Binder) (*Namespace, error) {
	namespace := &Namespace{root: &node{children: make(map[string]*node)}}
	for _, routed := range uses {
		if routed.Source == nil {
			continue
		}
		handle := &Handle{
			Path:   routed.Use.TargetPath,
			Kind:   routed.Use.Kind,
			Source: *routed.Source,
			binder: binder,
		}
		if err := namespace.mount(handle); err != nil {
			return nil, err
		}
	}
	slices.SortFunc(namespace.handles, func(a, b *Handle) int { return strings.Compare(a.Path, b.Path) })
	return namespace, nil
}

func (n *Namespace) mount(handle *Handle) error {
	if !path.IsAbs(handle.Path) || path.Clean(handle.Path) != handle.Path || handle.Path == "/" {
		return fmt.Errorf("namespace: invalid mount path %q", handle.Path)
	}
	current := n.root
	for _, part := range split(handle.Path) {
		if current.handle != nil {
			return fmt.Errorf("namespace: %s is inside mount %s", handle.Path, current.handle.Path)
		}
		next, ok := current.children[part]
		if !ok {
			next = &node{children: make(map[string]*node)}
			current.children[part] = next
		}
		current = next
	}
	if current.handle != nil {
		return fmt.Errorf("namespace: %s is mounted twice", handle.Path)
	}
	if len(current.children) > 0 {
		return fmt.Errorf("namespace: %s would cover other mounts", handle.Path)
	}
	current.handle = handle
	n.handles = append(n.handles, handle)
	return nil
}

func split(p string) []string {
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// Lookup returns the handle mounted exactly at p.
func (n *Namespace) Lookup(p string) (*Handle, bool) {
	handle, rest, ok := n.Resolve(p)
	if !ok || rest != "" {
		return nil, false
	}
	return handle, true
}

// Resolve returns the handle whose mount contains p and the path of p
// below the mount point.
func (n *Namespace) Resolve(p string) (*Handle, string, bool) {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil, "", false
	}
	parts := split(p)
	current := n.root
	for i, part := range parts {
		next, ok := current.children[part]
		if !ok {
			return nil, "", false
		}
		if next.handle != nil {
			return next.handle, strings.Join(parts[i+1:], "/"), true
		}
		current = next
	}
	return nil, "", false
}

// List returns the names directly below directory p, sorted. Mount
// points and implicit directories are both listed.
func (n *Namespace) List(p string) ([]string, bool) {
	current := n.root
	if cleaned := path.Clean("/" + p); cleaned != "/" {
		for _, part := range split(cleaned) {
			next, ok := current.children[part]
			if !ok || next.handle != nil {
				return nil, false
			}
			current = next
		}
	}
	names := make([]string, 0, len(current.children))
	for name := range current.children {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, true
}

// Handles returns every mounted handle ordered by path.
func (n *Namespace) Handles() []*Handle {
	return slices.Clone(n.handles)
}
