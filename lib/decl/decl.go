// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package decl

import "path"

// ComponentDecl is the declaration of one component.
type ComponentDecl struct {
	Program      *Program          `json:"program,omitempty"`
	Uses         []UseDecl         `json:"uses,omitempty"`
	Offers       []OfferDecl       `json:"offers,omitempty"`
	Exposes      []ExposeDecl      `json:"exposes,omitempty"`
	Capabilities []CapabilityDecl  `json:"capabilities,omitempty"`
	Children     []ChildDecl       `json:"children,omitempty"`
	Collections  []CollectionDecl  `json:"collections,omitempty"`
	Environments []EnvironmentDecl `json:"environments,omitempty"`
}

// Program describes what the runner executes for the component.
type Program struct {
	// Runner names a runner registered in the instance's environment.
	Runner string            `json:"runner"`
	Binary string            `json:"binary"`
	Args   []string          `json:"args,omitempty"`
	Env    map[string]string `json:"env,omitempty"`
}

// UseDecl is a capability the instance consumes.
type UseDecl struct {
	Kind       Kind   `json:"kind"`
	SourceName string `json:"name"`
	Source     Source `json:"source"`
	// TargetPath is where the capability appears in the namespace.
	// Protocols default to /svc/<name>.
	TargetPath   string       `json:"path,omitempty"`
	Availability Availability `json:"availability,omitempty"`
	Subdir       string       `json:"subdir,omitempty"`
}

// OfferTarget names the child or collection an offer routes to.
// Exactly one field is set.
type OfferTarget struct {
	Child      string `json:"child,omitempty"`
	Collection string `json:"collection,omitempty"`
}

// String returns "#name" for children and "collection:name" for
// collections.
func (t OfferTarget) String() string {
	if t.Collection != "" {
		return "collection:" + t.Collection
	}
	return "#" + t.Child
}

// OfferDecl routes a capability from Source to a child or collection.
type OfferDecl struct {
	Kind       Kind        `json:"kind"`
	Source     Source      `json:"source"`
	SourceName string      `json:"name"`
	Target     OfferTarget `json:"target"`
	// TargetName is the name the target sees. Defaults to SourceName.
	TargetName string `json:"target_name,omitempty"`
	Subdir     string `json:"subdir,omitempty"`
}

// ExposeDecl makes a capability visible to the instance's parent.
type ExposeDecl struct {
	Kind       Kind   `json:"kind"`
	Source     Source `json:"source"`
	SourceName string `json:"name"`
	// TargetName defaults to SourceName.
	TargetName string `json:"target_name,omitempty"`
	Subdir     string `json:"subdir,omitempty"`
}

// CapabilityDecl is a capability the instance provides itself.
type CapabilityDecl struct {
	Kind Kind   `json:"kind"`
	Name string `json:"name"`
	// Path is the provider's outgoing directory path serving the
	// capability. Protocols default to /svc/<name>.
	Path string `json:"path,omitempty"`

	// BackingDir names the directory capability a storage capability
	// is carved from, obtained from StorageSource.
	BackingDir    string `json:"backing_dir,omitempty"`
	StorageSource Source `json:"storage_source,omitzero"`
	Subdir        string `json:"subdir,omitempty"`
}

// ChildDecl is a static child.
type ChildDecl struct {
	Name        string      `json:"name"`
	URL         string      `json:"url"`
	Startup     StartupMode `json:"startup,omitempty"`
	Environment string      `json:"environment,omitempty"`
}

// CollectionDecl is a container for dynamically created children.
type CollectionDecl struct {
	Name        string     `json:"name"`
	Durability  Durability `json:"durability,omitempty"`
	Environment string     `json:"environment,omitempty"`
}

// EnvironmentDecl is a named bundle of runners and resolvers children
// may be placed in.
type EnvironmentDecl struct {
	Name      string                 `json:"name"`
	Extends   Extends                `json:"extends,omitempty"`
	Runners   []RunnerRegistration   `json:"runners,omitempty"`
	Resolvers []ResolverRegistration `json:"resolvers,omitempty"`
	// StopTimeoutMillis bounds program stop for instances in the
	// environment. Zero inherits.
	StopTimeoutMillis int64 `json:"stop_timeout_ms,omitempty"`
}

// RunnerRegistration makes a runner capability available to programs
// under the name Runner.
type RunnerRegistration struct {
	Runner     string `json:"runner"`
	SourceName string `json:"name"`
	Source     Source `json:"source"`
}

// ResolverRegistration selects the resolver capability used for
// component URLs with the given scheme.
type ResolverRegistration struct {
	Scheme   string `json:"scheme"`
	Resolver string `json:"resolver"`
	Source   Source `json:"source"`
}

// Normalize fills defaulted fields in place. It must run before
// Validate and before the decl is shared.
func (d *ComponentDecl) Normalize() {
	for i := range d.Uses {
		use := &d.Uses[i]
		if use.Availability == "" {
			use.Availability = Required
		}
		if use.TargetPath == "" && use.Kind == KindProtocol {
			use.TargetPath = path.Join("/svc", use.SourceName)
		}
	}
	for i := range d.Offers {
		if d.Offers[i].TargetName == "" {
			d.Offers[i].TargetName = d.Offers[i].SourceName
		}
	}
	for i := range d.Exposes {
		if d.Exposes[i].TargetName == "" {
			d.Exposes[i].TargetName = d.Exposes[i].SourceName
		}
	}
	for i := range d.Capabilities {
		capability := &d.Capabilities[i]
		if capability.Path == "" && capability.Kind == KindProtocol {
			capability.Path = path.Join("/svc", capability.Name)
		}
		if capability.Kind == KindStorage && capability.StorageSource.IsZero() {
			capability.StorageSource = Parent()
		}
	}
	for i := range d.Children {
		if d.Children[i].Startup == "" {
			d.Children[i].Startup = StartupLazy
		}
	}
	for i := range d.Collections {
		if d.Collections[i].Durability == "" {
			d.Collections[i].Durability = Transient
		}
	}
	for i := range d.Environments {
		if d.Environments[i].Extends == "" {
			d.Environments[i].Extends = ExtendsRealm
		}
	}
}

// FindCapability returns the capability the instance declares with the
// given kind and name.
func (d *ComponentDecl) FindCapability(kind Kind, name string) (CapabilityDecl, bool) {
	for _, capability := range d.Capabilities {
		if capability.Kind == kind && capability.Name == name {
			return capability, true
		}
	}
	return CapabilityDecl{}, false
}

// FindOffer returns the offer of kind routing targetName to the child
// (collection == "") or to the collection.
func (d *ComponentDecl) FindOffer(kind Kind, targetName, child, collection string) (OfferDecl, bool) {
	for _, offer := range d.Offers {
		if offer.Kind != kind || offer.TargetName != targetName {
			continue
		}
		if collection != "" {
			if offer.Target.Collection == collection {
				return offer, true
			}
			continue
		}
		if offer.Target.Child == child {
			return offer, true
		}
	}
	return OfferDecl{}, false
}

// FindExpose returns the expose of kind presenting targetName to the
// parent.
func (d *ComponentDecl) FindExpose(kind Kind, targetName string) (ExposeDecl, bool) {
	for _, expose := range d.Exposes {
		if expose.Kind == kind && expose.TargetName == targetName {
			return expose, true
		}
	}
	return ExposeDecl{}, false
}

// FindChild returns the static child named name.
func (d *ComponentDecl) FindChild(name string) (ChildDecl, bool) {
	for _, child := range d.Children {
		if child.Name == name {
			return child, true
		}
	}
	return ChildDecl{}, false
}

// FindCollection returns the collection named name.
func (d *ComponentDecl) FindCollection(name string) (CollectionDecl, bool) {
	for _, collection := range d.Collections {
		if collection.Name == name {
			return collection, true
		}
	}
	return CollectionDecl{}, false
}

// FindEnvironment returns the environment named name.
func (d *ComponentDecl) FindEnvironment(name string) (*EnvironmentDecl, bool) {
	for i := range d.Environments {
		if d.Environments[i].Name == name {
			return &d.Environments[i], true
		}
	}
	return nil, false
}
