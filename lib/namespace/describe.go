// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package namespace

import (
	"fmt"
	"os"

	"github.com/bureau-foundation/realm/lib/codec"
	"github.com/bureau-foundation/realm/lib/decl"
	"github.com/bureau-foundation/realm/lib/moniker"
)

// Description is the serialized form of a namespace handed to a
// launched program.
type Description struct {
	Instance moniker.Moniker `cbor:"instance"`
	Entries  []Entry         `cbor:"entries"`
}

// Entry describes one mount.
type Entry struct {
	Path      string          `cbor:"path" json:"path"`
	Kind      decl.Kind       `cbor:"kind" json:"kind"`
	Source    moniker.Moniker `cbor:"source" json:"source"`
	ServePath string          `cbor:"serve_path" json:"serve_path"`
	Framework bool            `cbor:"framework,omitempty" json:"framework,omitempty"`
	AboveRoot bool            `cbor:"above_root,omitempty" json:"above_root,omitempty"`
}

// Describe returns the description of n for the given instance.
func (n *Namespace) Describe(instance moniker.Moniker) Description {
	description := Description{Instance: instance, Entries: make([]Entry, 0, len(n.handles))}
	for _, handle := range n.handles {
		description.Entries = append(description.Entries, Entry{
			Path:      handle.Path,
			Kind:      handle.Kind,
			Source:    handle.Source.Moniker,
			ServePath: handle.ServePath(),
			Framework: handle.Source.Framework,
			AboveRoot: handle.Source.AboveRoot,
		})
	}
	return description
}

// WriteFile writes the CBOR encoding of description to path.
func (description Description) WriteFile(path string) error {
	data, err := codec.Marshal(description)
	if err != nil {
		return fmt.Errorf("encoding namespace description: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing namespace description: %w", err)
	}
	return nil
}

// ReadDescription reads a description written by WriteFile.
func ReadDescription(path string) (Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Description{}, fmt.Errorf("reading namespace description: %w", err)
	}
	var description Description
	if err := codec.Unmarshal(data, &description); err != nil {
		return Description{}, fmt.Errorf("decoding namespace description %s: %w", path, err)
	}
	return description, nil
}
