// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest decodes component manifests from JSONC or YAML files
// into validated [decl.ComponentDecl] values.
//
// Both formats share one schema: the JSON field names of the decl
// types. YAML documents are converted to JSON before decoding, so a
// manifest may move between formats without renaming anything.
// Unknown fields are rejected.
//
// The typical flow:
//
//  1. ReadFile or Parse: bytes → decl.ComponentDecl
//  2. Normalize: fill defaults (use paths, availability, startup)
//  3. decl.Validate: structural checks, every violation reported
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/realm/lib/decl"
)

// Format is a manifest encoding.
type Format string

const (
	JSONC Format = "jsonc"
	YAML  Format = "yaml"
)

// FormatForPath returns the format implied by a file extension.
func FormatForPath(path string) (Format, error) {
	switch filepath.Ext(path) {
	case ".jsonc", ".json":
		return JSONC, nil
	case ".yaml", ".yml":
		return YAML, nil
	}
	return "", fmt.Errorf("unrecognized manifest extension %q (want .jsonc, .json, .yaml, or .yml)", filepath.Ext(path))
}

// Parse decodes, normalizes, and validates a manifest.
func Parse(data []byte, format Format) (*decl.ComponentDecl, error) {
	var document []byte
	switch format {
	case JSONC:
		document = jsonc.ToJSON(data)
	case YAML:
		converted, err := yamlToJSON(data)
		if err != nil {
			return nil, err
		}
		document = converted
	default:
		return nil, fmt.Errorf("unknown manifest format %q", format)
	}

	decoder := json.NewDecoder(bytes.NewReader(document))
	decoder.DisallowUnknownFields()
	var component decl.ComponentDecl
	if err := decoder.Decode(&component); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	component.Normalize()
	if err := decl.Validate(&component); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &component, nil
}

// ReadFile reads and parses the manifest at path.
func ReadFile(path string) (*decl.ComponentDecl, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	component, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return component, nil
}

func yamlToJSON(data []byte) ([]byte, error) {
	var document any
	if err := yaml.Unmarshal(data, &document); err != nil {
		return nil, fmt.Errorf("parsing manifest YAML: %w", err)
	}
	if document == nil {
		document = map[string]any{}
	}
	converted, err := json.Marshal(document)
	if err != nil {
		return nil, fmt.Errorf("converting manifest YAML: %w", err)
	}
	return converted, nil
}
