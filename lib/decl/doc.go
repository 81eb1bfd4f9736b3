// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package decl defines the validated in-memory form of a component
// manifest: what an instance uses, offers to its children, exposes to
// its parent, and declares itself, plus its static children,
// collections, and environments.
//
// A [ComponentDecl] is immutable once it has passed [Validate]. The
// runtime holds decls by pointer and never mutates them after
// [ComponentDecl.Normalize] has filled defaults.
//
// Capability sources are the closed set [SourceSelf], [SourceParent],
// [SourceFramework], [SourceChild] and [SourceVoid]; capability kinds
// are the closed [Kind] set. Code switching over either handles every
// value and panics on anything else.
//
// [Digest] returns a BLAKE3 keyed hash of the deterministic CBOR
// encoding so callers can detect that a manifest changed.
package decl
