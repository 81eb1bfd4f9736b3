// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy decides whether completed routes may be handed to
// their consumers.
//
// [Rules] is built from the policy section of the configuration and
// holds two kinds of rule, both written as moniker globs with
// doublestar semantics ("*" stays within one segment, "**" crosses
// segments):
//
//   - allow rules: a capability served by a source matching Source may
//     only reach targets matching one of Allowed.
//   - boundary rules: the chain of a matching capability may not pass
//     through an instance matching Boundary, except at its two ends.
//
// Capability names and kinds are those declared by the providing
// instance, so renaming an offer does not escape a rule. For storage
// routes that is the backing directory.
//
// Evaluation is pure: the same route and rules always produce the
// same [Decision].
package policy

import (
	"errors"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/bureau-foundation/realm/lib/config"
	"github.com/bureau-foundation/realm/lib/moniker"
	"github.com/bureau-foundation/realm/lib/routing"
)

// Decision is the outcome of evaluating a route.
type Decision struct {
	Allowed bool

	// Rule identifies the rule that denied the route, such as
	// "allow[0]" or "boundaries[2]". Empty when allowed.
	Rule   string
	Reason string
}

// Rules evaluates allow and boundary rules.
type Rules struct {
	allow      []config.AllowRule
	boundaries []config.BoundaryRule
}

// New validates the patterns of policy and returns its rules.
func New(policy config.PolicyConfig) (*Rules, error) {
	var errs []error
	check := func(label, pattern string) {
		if !doublestar.ValidatePattern(pattern) {
			errs = append(errs, fmt.Errorf("%s: invalid pattern %q", label, pattern))
		}
	}
	for i, rule := range policy.Allow {
		label := fmt.Sprintf("allow[%d]", i)
		check(label+".capability", rule.Capability)
		check(label+".source", rule.Source)
		for j, allowed := range rule.Allowed {
			check(fmt.Sprintf("%s.allowed[%d]", label, j), allowed)
		}
	}
	for i, rule := range policy.Boundaries {
		label := fmt.Sprintf("boundaries[%d]", i)
		check(label+".capability", rule.Capability)
		check(label+".boundary", rule.Boundary)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Rules{allow: policy.Allow, boundaries: policy.Boundaries}, nil
}

// Evaluate applies every rule to the route of request to source. The
// first denying rule decides.
func (r *Rules) Evaluate(request routing.Request, source *routing.RoutedSource) Decision {
	capability := source.Capability.Name
	kind := string(source.Capability.Kind)
	target := request.Target.String()

	for i, rule := range r.allow {
		if rule.Kind != "" && rule.Kind != kind {
			continue
		}
		if !match(rule.Capability, capability) || !match(rule.Source, source.Moniker.String()) {
			continue
		}
		if !matchAny(rule.Allowed, target) {
			return Decision{
				Rule:   fmt.Sprintf("allow[%d]", i),
				Reason: fmt.Sprintf("%s %q from %s is not allowed to reach %s", kind, capability, source.Moniker, target),
			}
		}
	}

	for i, rule := range r.boundaries {
		if !match(rule.Capability, capability) {
			continue
		}
		for _, hop := range source.Chain {
			if endpoint(hop.Moniker, request.Target, source.Moniker) {
				continue
			}
			if match(rule.Boundary, hop.Moniker.String()) {
				return Decision{
					Rule:   fmt.Sprintf("boundaries[%d]", i),
					Reason: fmt.Sprintf("%q would cross boundary %s", capability, hop.Moniker),
				}
			}
		}
	}
	return Decision{Allowed: true}
}

// Check implements routing.Policy.
func (r *Rules) Check(request routing.Request, source *routing.RoutedSource) error {
	decision := r.Evaluate(request, source)
	if decision.Allowed {
		return nil
	}
	return fmt.Errorf("policy %s: %s", decision.Rule, decision.Reason)
}

// Func adapts a function to routing.Policy.
type Func func(request routing.Request, source *routing.RoutedSource) error

// Check calls f.
func (f Func) Check(request routing.Request, source *routing.RoutedSource) error {
	return f(request, source)
}

// All returns a policy that allows a route only if every policy does.
// The first rejection is returned.
func All(policies ...routing.Policy) routing.Policy {
	return Func(func(request routing.Request, source *routing.RoutedSource) error {
		for _, policy := range policies {
			if err := policy.Check(request, source); err != nil {
				return err
			}
		}
		return nil
	})
}

// match reports whether name matches pattern. Malformed patterns match
// nothing.
func match(pattern, name string) bool {
	matched, err := doublestar.Match(pattern, name)
	return err == nil && matched
}

func matchAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if match(pattern, name) {
			return true
		}
	}
	return false
}

func endpoint(m, target, source moniker.Moniker) bool {
	return m.Equal(target) || m.Equal(source)
}
