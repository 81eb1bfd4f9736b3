// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package decl

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/realm/lib/codec"
)

// digestKey is the BLAKE3 key for decl digests: the ASCII domain name
// zero-padded to 32 bytes. Changing it changes every digest.
var digestKey = [32]byte{
	'r', 'e', 'a', 'l', 'm', '.', 'c', 'o', 'm', 'p', 'o', 'n', 'e', 'n', 't', '.',
	'd', 'e', 'c', 'l',
}

// DigestValue is a 32-byte decl digest.
type DigestValue [32]byte

// String returns the lowercase hex form.
func (d DigestValue) String() string { return hex.EncodeToString(d[:]) }

// Short returns the first 12 hex characters, for logs and tables.
func (d DigestValue) Short() string { return d.String()[:12] }

// Digest returns the keyed BLAKE3 hash of the deterministic CBOR
// encoding of d. Equal decls have equal digests.
func Digest(d *ComponentDecl) (DigestValue, error) {
	data, err := codec.Marshal(d)
	if err != nil {
		return DigestValue{}, fmt.Errorf("encoding decl for digest: %w", err)
	}
	hasher, err := blake3.NewKeyed(digestKey[:])
	if err != nil {
		return DigestValue{}, fmt.Errorf("initializing digest: %w", err)
	}
	hasher.Write(data)

	var digest DigestValue
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}
