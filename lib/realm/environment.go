// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package realm

import (
	"slices"
	"time"

	"github.com/bureau-foundation/realm/lib/decl"
	"github.com/bureau-foundation/realm/lib/moniker"
)

// Environment is the resolved environment of an instance: either an
// EnvironmentDecl of some ancestor, or the built-in root environment
// supplied by the manager.
type Environment struct {
	Name string

	// Declarer is the instance moniker whose decl declares the
	// environment. Registrations route from there.
	Declarer moniker.Moniker

	// Decl is nil for the built-in root environment.
	Decl *decl.EnvironmentDecl

	// Parent is the environment this one extends, or nil.
	Parent *Environment

	builtin *RootEnvironment
}

// RootEnvironment configures the built-in environment of the root
// instance. Its registrations resolve above the root.
type RootEnvironment struct {
	// Runners are the runner capabilities available above the root.
	Runners []string

	// Resolvers maps URL schemes to resolver capability names.
	Resolvers map[string]string

	StopTimeout time.Duration
}

// NewRootEnvironment returns the environment of the root instance.
func NewRootEnvironment(config RootEnvironment) *Environment {
	return &Environment{Name: "root", builtin: &config}
}

// IsBuiltin reports whether e is the root environment.
func (e *Environment) IsBuiltin() bool { return e.builtin != nil }

// derive returns the environment named name declared by the instance
// at declarer, extending parent when the decl says so.
func derive(declarer moniker.Moniker, environmentDecl *decl.EnvironmentDecl, parent *Environment) *Environment {
	environment := &Environment{Name: environmentDecl.Name, Declarer: declarer, Decl: environmentDecl}
	if environmentDecl.Extends == decl.ExtendsRealm {
		environment.Parent = parent
	}
	return environment
}

// Runner finds the registration of a runner visible in e, walking
// extended environments. The returned environment is the one that
// holds the registration.
func (e *Environment) Runner(name string) (decl.RunnerRegistration, *Environment, bool) {
	for environment := e; environment != nil; environment = environment.Parent {
		if environment.builtin != nil {
			if slices.Contains(environment.builtin.Runners, name) {
				return decl.RunnerRegistration{Runner: name, SourceName: name, Source: decl.Parent()}, environment, true
			}
			continue
		}
		for _, registration := range environment.Decl.Runners {
			if registration.Runner == name {
				return registration, environment, true
			}
		}
	}
	return decl.RunnerRegistration{}, nil, false
}

// Resolver finds the resolver registration for a URL scheme.
func (e *Environment) Resolver(scheme string) (decl.ResolverRegistration, *Environment, bool) {
	for environment := e; environment != nil; environment = environment.Parent {
		if environment.builtin != nil {
			if name, ok := environment.builtin.Resolvers[scheme]; ok {
				return decl.ResolverRegistration{Scheme: scheme, Resolver: name, Source: decl.Parent()}, environment, true
			}
			continue
		}
		for _, registration := range environment.Decl.Resolvers {
			if registration.Scheme == scheme {
				return registration, environment, true
			}
		}
	}
	return decl.ResolverRegistration{}, nil, false
}

// StopTimeout returns the nearest configured stop timeout, or zero.
func (e *Environment) StopTimeout() time.Duration {
	for environment := e; environment != nil; environment = environment.Parent {
		if environment.builtin != nil {
			if environment.builtin.StopTimeout > 0 {
				return environment.builtin.StopTimeout
			}
			continue
		}
		if environment.Decl.StopTimeoutMillis > 0 {
			return time.Duration(environment.Decl.StopTimeoutMillis) * time.Millisecond
		}
	}
	return 0
}
