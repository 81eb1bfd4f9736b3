// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package moniker provides the immutable path type that locates a
// component instance in the realm tree.
//
// A [Moniker] is an ordered sequence of [Segment] values from the root.
// Each segment carries the child name, the collection name for dynamic
// children, and the instance id allocated when the node was created. The
// root is the empty moniker and prints as ".".
//
// Two text forms exist:
//
//	core/coll:worker           display form ([Moniker.String])
//	core#1/coll:worker#7       instance form ([Moniker.InstanceString])
//
// The display form names a position in the tree; the instance form names
// exactly one node. Recreating a dynamic child at the same position
// produces a new instance id, so instance monikers of distinct nodes are
// never equal even when their display forms are. Segments parsed without
// an id (id 0) match any instance at that position.
//
// Monikers marshal as their instance form via encoding.TextMarshaler so
// CBOR and JSON records keep node identity.
//
// This package has no dependencies on other realm packages.
package moniker
