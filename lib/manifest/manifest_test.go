// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/realm/lib/decl"
)

const rootJSONC = `{
  // The logger/writer pair.
  "children": [
    {"name": "logger", "url": "file:///logger.jsonc"},
    {"name": "writer", "url": "file:///writer.jsonc", "startup": "eager"},
  ],
  "offers": [
    {
      "kind": "protocol",
      "name": "fuchsia.Log",
      "source": "#logger",
      "target": {"child": "writer"},
    },
  ],
}`

const writerYAML = `
program:
  runner: elf
  binary: bin/writer
uses:
  - kind: protocol
    name: fuchsia.Log
    source: parent
  - kind: storage
    name: data
    source: parent
    path: /data
    availability: optional
`

func TestParseJSONC(t *testing.T) {
	component, err := Parse([]byte(rootJSONC), JSONC)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(component.Children) != 2 {
		t.Fatalf("children = %d, want 2", len(component.Children))
	}
	if component.Children[0].Startup != decl.StartupLazy {
		t.Errorf("default startup = %q, want lazy", component.Children[0].Startup)
	}
	offer := component.Offers[0]
	if offer.Source != decl.Child("logger") || offer.Target.Child != "writer" || offer.TargetName != "fuchsia.Log" {
		t.Errorf("offer = %+v", offer)
	}
}

func TestParseYAML(t *testing.T) {
	component, err := Parse([]byte(writerYAML), YAML)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if component.Program == nil || component.Program.Runner != "elf" {
		t.Fatalf("program = %+v", component.Program)
	}
	if component.Uses[0].TargetPath != "/svc/fuchsia.Log" {
		t.Errorf("use path = %q", component.Uses[0].TargetPath)
	}
	if component.Uses[1].Availability != decl.Optional {
		t.Errorf("availability = %q, want optional", component.Uses[1].Availability)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`{"childs": []}`), JSONC)
	if err == nil || !strings.Contains(err.Error(), "childs") {
		t.Errorf("expected unknown field error, got %v", err)
	}
}

func TestParseRejectsInvalidDecl(t *testing.T) {
	_, err := Parse([]byte(`{"offers": [{"kind": "protocol", "name": "x", "source": "parent", "target": {"child": "ghost"}}]}`), JSONC)
	if err == nil || !strings.Contains(err.Error(), `target child "ghost" is not declared`) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestReadFileByExtension(t *testing.T) {
	directory := t.TempDir()
	yamlPath := filepath.Join(directory, "writer.yaml")
	if err := os.WriteFile(yamlPath, []byte(writerYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFile(yamlPath); err != nil {
		t.Errorf("ReadFile(yaml): %v", err)
	}

	if _, err := ReadFile(filepath.Join(directory, "writer.toml")); err == nil {
		t.Error("expected error for unknown extension")
	}
}

func TestParseEmptyYAML(t *testing.T) {
	component, err := Parse([]byte(""), YAML)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if component.Program != nil || len(component.Uses) != 0 {
		t.Errorf("empty manifest decoded to %+v", component)
	}
}
