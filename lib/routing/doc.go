// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package routing finds the provider of a capability by walking the
// declarations of the realm tree.
//
// A route starts at a consumer ([Router.Route]), an exposing instance
// ([Router.RouteExpose]) or an environment registration
// ([Router.RouteRunner], [Router.RouteResolver]). From a use it climbs
// through each parent's offers while the source is parent, then
// descends through exposes while the source is a child, and stops at a
// capability declaration, the framework table, or the built-in table
// above the root. The result is a [RoutedSource] carrying the provider
// and the full chain of [Hop] values.
//
// Storage capabilities take a second leg: the backing directory is
// routed from the instance declaring the storage, and the consumer's
// moniker relative to that instance is appended to the subdirectory so
// consumers never share storage.
//
// Instances whose decls are not loaded are resolved on entry. That is
// the only point at which a route blocks. A route never visits one
// instance twice; doing so is reported as a cycle.
//
// Failures are *[Error] values whose kind is matched with errors.Is
// against [ErrSourceNotFound], [ErrCycle], [ErrPolicyDisallowed],
// [ErrInstanceNotAvailable] and [ErrTimeout]. Every attempt emits a
// capability_routed event.
package routing
