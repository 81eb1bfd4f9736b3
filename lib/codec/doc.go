// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the single CBOR configuration shared by the realm
// runtime: the control socket protocol, diagnostics event records, the
// event audit log, namespace description files, and declaration
// digests all encode through it.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2) so equal
// values produce equal bytes, which [github.com/bureau-foundation/realm/lib/decl.Digest]
// relies on. Types implementing encoding.TextMarshaler (monikers,
// capability kinds, lifecycle states) encode as CBOR text strings.
//
// Consumers import this package instead of fxamacker/cbor directly.
package codec
