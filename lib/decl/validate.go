// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package decl

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/bureau-foundation/realm/lib/moniker"
)

// Validate checks the structural rules of a normalized decl and
// reports every violation, joined.
//
// Rules:
//   - names of children, collections and environments are valid
//     moniker names and unique among their own kind
//   - capability (kind, name) pairs are unique
//   - every #child source names a declared child
//   - every self source of an offer or expose names a declared
//     capability of the same kind
//   - offer targets name declared children or collections, and no two
//     offers give one target the same (kind, target name)
//   - no two uses share a target path, and no two exposes share a
//     (kind, target name)
//   - environments referenced by children and collections exist
//   - storage capabilities name a backing directory
//   - the program, when present, names a runner and a binary
func Validate(d *ComponentDecl) error {
	v := validator{decl: d}
	v.children()
	v.collections()
	v.environments()
	v.capabilities()
	v.uses()
	v.offers()
	v.exposes()
	v.program()
	return errors.Join(v.errs...)
}

type validator struct {
	decl *ComponentDecl
	errs []error
}

func (v *validator) fail(format string, args ...any) {
	v.errs = append(v.errs, fmt.Errorf(format, args...))
}

func (v *validator) children() {
	seen := make(map[string]bool)
	for i, child := range v.decl.Children {
		prefix := fmt.Sprintf("children[%d]", i)
		if err := moniker.ValidateName(child.Name, "child name"); err != nil {
			v.fail("%s: %w", prefix, err)
		}
		if seen[child.Name] {
			v.fail("%s %q: duplicate child", prefix, child.Name)
		}
		seen[child.Name] = true
		if child.URL == "" {
			v.fail("%s %q: url is required", prefix, child.Name)
		}
		if child.Startup != StartupLazy && child.Startup != StartupEager {
			v.fail("%s %q: startup must be lazy or eager, got %q", prefix, child.Name, child.Startup)
		}
		v.environmentReference(prefix, child.Environment)
	}
}

func (v *validator) collections() {
	seen := make(map[string]bool)
	for i, collection := range v.decl.Collections {
		prefix := fmt.Sprintf("collections[%d]", i)
		if err := moniker.ValidateName(collection.Name, "collection name"); err != nil {
			v.fail("%s: %w", prefix, err)
		}
		if seen[collection.Name] {
			v.fail("%s %q: duplicate collection", prefix, collection.Name)
		}
		seen[collection.Name] = true
		if collection.Durability != Transient && collection.Durability != SingleRun {
			v.fail("%s %q: durability must be transient or single_run, got %q", prefix, collection.Name, collection.Durability)
		}
		v.environmentReference(prefix, collection.Environment)
	}
}

func (v *validator) environmentReference(prefix, name string) {
	if name == "" {
		return
	}
	if _, ok := v.decl.FindEnvironment(name); !ok {
		v.fail("%s: environment %q is not declared", prefix, name)
	}
}

func (v *validator) environments() {
	seen := make(map[string]bool)
	for i, environment := range v.decl.Environments {
		prefix := fmt.Sprintf("environments[%d]", i)
		if err := moniker.ValidateName(environment.Name, "environment name"); err != nil {
			v.fail("%s: %w", prefix, err)
		}
		if seen[environment.Name] {
			v.fail("%s %q: duplicate environment", prefix, environment.Name)
		}
		seen[environment.Name] = true
		if environment.Extends != ExtendsRealm && environment.Extends != ExtendsNone {
			v.fail("%s %q: extends must be realm or none, got %q", prefix, environment.Name, environment.Extends)
		}
		if environment.StopTimeoutMillis < 0 {
			v.fail("%s %q: stop_timeout_ms must not be negative", prefix, environment.Name)
		}
		runners := make(map[string]bool)
		for j, runner := range environment.Runners {
			runnerPrefix := fmt.Sprintf("%s.runners[%d]", prefix, j)
			if runner.Runner == "" || runner.SourceName == "" {
				v.fail("%s: runner and name are required", runnerPrefix)
			}
			if runners[runner.Runner] {
				v.fail("%s: duplicate runner %q", runnerPrefix, runner.Runner)
			}
			runners[runner.Runner] = true
			v.source(runnerPrefix, KindRunner, runner.SourceName, runner.Source, false)
		}
		schemes := make(map[string]bool)
		for j, registration := range environment.Resolvers {
			resolverPrefix := fmt.Sprintf("%s.resolvers[%d]", prefix, j)
			if registration.Scheme == "" || registration.Resolver == "" {
				v.fail("%s: scheme and resolver are required", resolverPrefix)
			}
			if schemes[registration.Scheme] {
				v.fail("%s: duplicate scheme %q", resolverPrefix, registration.Scheme)
			}
			schemes[registration.Scheme] = true
			v.source(resolverPrefix, KindResolver, registration.Resolver, registration.Source, false)
		}
	}
}

func (v *validator) capabilities() {
	seen := make(map[string]bool)
	for i, capability := range v.decl.Capabilities {
		prefix := fmt.Sprintf("capabilities[%d]", i)
		if !capability.Kind.IsKnown() {
			v.fail("%s: unknown kind %q", prefix, capability.Kind)
			continue
		}
		if capability.Name == "" {
			v.fail("%s: name is required", prefix)
		}
		key := string(capability.Kind) + "/" + capability.Name
		if seen[key] {
			v.fail("%s: duplicate %s capability %q", prefix, capability.Kind, capability.Name)
		}
		seen[key] = true
		if capability.Kind == KindStorage {
			if capability.BackingDir == "" {
				v.fail("%s %q: storage capability requires backing_dir", prefix, capability.Name)
			}
			v.source(prefix, KindDirectory, capability.BackingDir, capability.StorageSource, false)
		}
		v.subdir(prefix, capability.Subdir)
	}
}

func (v *validator) uses() {
	paths := make(map[string]int)
	for i, use := range v.decl.Uses {
		prefix := fmt.Sprintf("uses[%d]", i)
		if !use.Kind.IsKnown() {
			v.fail("%s: unknown kind %q", prefix, use.Kind)
			continue
		}
		if use.Kind == KindRunner || use.Kind == KindResolver {
			v.fail("%s: %s capabilities are registered in environments, not used", prefix, use.Kind)
		}
		if use.SourceName == "" {
			v.fail("%s: name is required", prefix)
		}
		if use.Availability != Required && use.Availability != Optional {
			v.fail("%s %q: availability must be required or optional, got %q", prefix, use.SourceName, use.Availability)
		}
		v.source(prefix, use.Kind, use.SourceName, use.Source, false)
		v.subdir(prefix, use.Subdir)

		if !path.IsAbs(use.TargetPath) || path.Clean(use.TargetPath) != use.TargetPath || use.TargetPath == "/" {
			v.fail("%s %q: path %q must be a clean absolute path below /", prefix, use.SourceName, use.TargetPath)
			continue
		}
		if first, ok := paths[use.TargetPath]; ok {
			v.fail("%s %q: path %q already used by uses[%d]", prefix, use.SourceName, use.TargetPath, first)
		}
		paths[use.TargetPath] = i
	}
}

func (v *validator) offers() {
	seen := make(map[string]int)
	for i, offer := range v.decl.Offers {
		prefix := fmt.Sprintf("offers[%d]", i)
		if !offer.Kind.IsKnown() {
			v.fail("%s: unknown kind %q", prefix, offer.Kind)
			continue
		}
		if offer.SourceName == "" {
			v.fail("%s: name is required", prefix)
		}
		v.source(prefix, offer.Kind, offer.SourceName, offer.Source, true)
		v.subdir(prefix, offer.Subdir)

		target := offer.Target
		switch {
		case target.Child != "" && target.Collection != "":
			v.fail("%s %q: target names both a child and a collection", prefix, offer.SourceName)
			continue
		case target.Child != "":
			if _, ok := v.decl.FindChild(target.Child); !ok {
				v.fail("%s %q: target child %q is not declared", prefix, offer.SourceName, target.Child)
			}
			if offer.Source.Type == SourceChild && offer.Source.Child == target.Child {
				v.fail("%s %q: offer from child %q to itself", prefix, offer.SourceName, target.Child)
			}
		case target.Collection != "":
			if _, ok := v.decl.FindCollection(target.Collection); !ok {
				v.fail("%s %q: target collection %q is not declared", prefix, offer.SourceName, target.Collection)
			}
		default:
			v.fail("%s %q: target is required", prefix, offer.SourceName)
			continue
		}

		key := target.String() + "/" + string(offer.Kind) + "/" + offer.TargetName
		if first, ok := seen[key]; ok {
			v.fail("%s %q: %s already offered to %s by offers[%d]", prefix, offer.TargetName, offer.Kind, target, first)
		}
		seen[key] = i
	}
}

func (v *validator) exposes() {
	seen := make(map[string]int)
	for i, expose := range v.decl.Exposes {
		prefix := fmt.Sprintf("exposes[%d]", i)
		if !expose.Kind.IsKnown() {
			v.fail("%s: unknown kind %q", prefix, expose.Kind)
			continue
		}
		if expose.SourceName == "" {
			v.fail("%s: name is required", prefix)
		}
		if expose.Source.Type == SourceParent {
			v.fail("%s %q: exposes cannot be sourced from parent", prefix, expose.SourceName)
		}
		v.source(prefix, expose.Kind, expose.SourceName, expose.Source, true)
		v.subdir(prefix, expose.Subdir)

		key := string(expose.Kind) + "/" + expose.TargetName
		if first, ok := seen[key]; ok {
			v.fail("%s %q: %s already exposed by exposes[%d]", prefix, expose.TargetName, expose.Kind, first)
		}
		seen[key] = i
	}
}

func (v *validator) program() {
	if v.decl.Program == nil {
		return
	}
	if v.decl.Program.Runner == "" {
		v.fail("program: runner is required")
	}
	if v.decl.Program.Binary == "" {
		v.fail("program: binary is required")
	}
}

// source checks a source reference. allowVoid permits the void source
// (offers and exposes may name it to state that a capability is
// deliberately unavailable).
func (v *validator) source(prefix string, kind Kind, name string, source Source, allowVoid bool) {
	switch source.Type {
	case SourceSelf:
		if _, ok := v.decl.FindCapability(kind, name); !ok {
			v.fail("%s %q: self source names no declared %s capability", prefix, name, kind)
		}
	case SourceChild:
		if _, ok := v.decl.FindChild(source.Child); !ok {
			v.fail("%s %q: source child %q is not declared", prefix, name, source.Child)
		}
	case SourceParent, SourceFramework:
	case SourceVoid:
		if !allowVoid {
			v.fail("%s %q: void source is not allowed here", prefix, name)
		}
	case "":
		v.fail("%s %q: source is required", prefix, name)
	default:
		v.fail("%s %q: unknown source type %q", prefix, name, source.Type)
	}
}

func (v *validator) subdir(prefix, subdir string) {
	if subdir == "" {
		return
	}
	if path.IsAbs(subdir) || path.Clean(subdir) != subdir || subdir == ".." || strings.HasPrefix(subdir, "../") {
		v.fail("%s: subdir %q must be a clean relative path", prefix, subdir)
	}
}
