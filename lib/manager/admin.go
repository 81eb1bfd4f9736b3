// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/realm/lib/decl"
	"github.com/bureau-foundation/realm/lib/moniker"
	"github.com/bureau-foundation/realm/lib/namespace"
	"github.com/bureau-foundation/realm/lib/realm"
	"github.com/bureau-foundation/realm/lib/routing"
)

// ChildInfo summarizes one child of an instance.
type ChildInfo struct {
	Moniker    moniker.Moniker  `cbor:"moniker" json:"moniker"`
	URL        string           `cbor:"url" json:"url"`
	State      realm.State      `cbor:"state" json:"state"`
	Collection string           `cbor:"collection,omitempty" json:"collection,omitempty"`
	Startup    decl.StartupMode `cbor:"startup" json:"startup"`
}

// Info describes one instance.
type Info struct {
	Moniker     moniker.Moniker   `cbor:"moniker" json:"moniker"`
	URL         string            `cbor:"url" json:"url"`
	State       realm.State       `cbor:"state" json:"state"`
	Digest      string            `cbor:"digest,omitempty" json:"digest,omitempty"`
	Environment string            `cbor:"environment" json:"environment"`
	Startup     decl.StartupMode  `cbor:"startup" json:"startup"`
	Durability  decl.Durability   `cbor:"durability" json:"durability"`
	Program     *decl.Program     `cbor:"program,omitempty" json:"program,omitempty"`
	Children    []moniker.Moniker `cbor:"children,omitempty" json:"children,omitempty"`

	// Namespace is set while the instance is started.
	Namespace []namespace.Entry `cbor:"namespace,omitempty" json:"namespace,omitempty"`
}

// ListChildren resolves the instance at target and lists its live
// children.
func (m *Manager) ListChildren(ctx context.Context, target moniker.Moniker) ([]ChildInfo, error) {
	instance, err := m.instance(ctx, target)
	if err != nil {
		return nil, err
	}
	if _, err := m.tree.Resolve(ctx, instance); err != nil {
		return nil, err
	}
	children := instance.Children()
	infos := make([]ChildInfo, 0, len(children))
	for _, child := range children {
		leaf, _ := child.Moniker().Leaf()
		infos = append(infos, ChildInfo{
			Moniker:    child.Moniker(),
			URL:        child.URL(),
			State:      child.State(),
			Collection: leaf.Collection(),
			Startup:    child.Startup(),
		})
	}
	return infos, nil
}

// CreateChild adds a dynamic child to a collection of the instance at
// parent. Members of single-run collections are started at once; if
// that fails the child is destroyed again and the error returned.
func (m *Manager) CreateChild(ctx context.Context, parent moniker.Moniker, collection string, child decl.ChildDecl) (moniker.Moniker, error) {
	instance, err := m.instance(ctx, parent)
	if err != nil {
		return moniker.Moniker{}, err
	}
	if _, err := m.tree.Resolve(ctx, instance); err != nil {
		return moniker.Moniker{}, err
	}
	created, err := m.tree.AddChild(instance.Moniker(), child, collection)
	if err != nil {
		return moniker.Moniker{}, err
	}
	m.logger.Info("child created", "moniker", created.String(), "collection", collection, "url", child.URL)

	member := m.tree.Find(created)
	if member == nil || member.Durability() != decl.SingleRun {
		return created, nil
	}
	if err := m.start(ctx, member, false); err != nil {
		if destroyErr := m.tree.Destroy(ctx, created); destroyErr != nil {
			m.logger.Warn("destroying single-run child after failed start",
				"moniker", created.String(), "error", destroyErr)
		}
		return moniker.Moniker{}, fmt.Errorf("starting single-run child %s: %w", created, err)
	}
	return created, nil
}

// Route routes the use of the instance at target whose capability name
// or target path is name.
func (m *Manager) Route(ctx context.Context, target moniker.Moniker, name string) (*routing.RoutedSource, error) {
	instance, err := m.instance(ctx, target)
	if err != nil {
		return nil, err
	}
	component, err := m.tree.Resolve(ctx, instance)
	if err != nil {
		return nil, err
	}
	for _, use := range component.Uses {
		if use.SourceName == name || use.TargetPath == name {
			return m.router.Route(ctx, instance, use)
		}
	}
	return nil, fmt.Errorf("%s declares no use of %q", instance.Moniker(), name)
}

// RouteExpose routes a capability exposed by the instance at target.
func (m *Manager) RouteExpose(ctx context.Context, target moniker.Moniker, kind decl.Kind, name string) (*routing.RoutedSource, error) {
	instance, err := m.instance(ctx, target)
	if err != nil {
		return nil, err
	}
	return m.router.RouteExpose(ctx, instance, kind, name)
}

// RoutedUses routes every use of the instance at target, one entry per
// declared use in declaration order. A use that does not route is
// returned with its error whatever its availability; only failing to
// reach or resolve the instance fails the call.
func (m *Manager) RoutedUses(ctx context.Context, target moniker.Moniker) ([]namespace.RoutedUse, error) {
	instance, err := m.instance(ctx, target)
	if err != nil {
		return nil, err
	}
	component, err := m.tree.Resolve(ctx, instance)
	if err != nil {
		return nil, err
	}
	return m.routeUses(ctx, instance, component), nil
}

// Show describes the instance at target without resolving it.
func (m *Manager) Show(ctx context.Context, target moniker.Moniker) (Info, error) {
	instance, err := m.instance(ctx, target)
	if err != nil {
		return Info{}, err
	}
	info := Info{
		Moniker:     instance.Moniker(),
		URL:         instance.URL(),
		State:       instance.State(),
		Environment: instance.Environment().Name,
		Startup:     instance.Startup(),
		Durability:  instance.Durability(),
	}
	if component := instance.Decl(); component != nil {
		info.Digest = instance.Digest().String()
		info.Program = component.Program
	}
	for _, child := range instance.Children() {
		info.Children = append(info.Children, child.Moniker())
	}
	if ns := m.namespaceOf(instance.Moniker()); ns != nil {
		info.Namespace = ns.Describe(instance.Moniker()).Entries
	}
	return info, nil
}
