// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package moniker_test

import (
	"encoding/json"
	"testing"

	"github.com/bureau-foundation/realm/lib/moniker"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		wantDisplay  string
		wantInstance string
		wantLen      int
		wantErr      bool
	}{
		{name: "root-dot", input: ".", wantDisplay: ".", wantInstance: ".", wantLen: 0},
		{name: "root-empty", input: "", wantDisplay: ".", wantInstance: ".", wantLen: 0},
		{name: "single", input: "logger", wantDisplay: "logger", wantInstance: "logger", wantLen: 1},
		{name: "leading-dot-slash", input: "./core/logger", wantDisplay: "core/logger", wantInstance: "core/logger", wantLen: 2},
		{name: "leading-slash", input: "/core", wantDisplay: "core", wantInstance: "core", wantLen: 1},
		{name: "collection", input: "core/workers:w1", wantDisplay: "core/workers:w1", wantInstance: "core/workers:w1", wantLen: 2},
		{name: "instance-ids", input: "core#1/workers:w1#7", wantDisplay: "core/workers:w1", wantInstance: "core#1/workers:w1#7", wantLen: 2},
		{name: "empty-segment", input: "core//logger", wantErr: true},
		{name: "uppercase", input: "Core", wantErr: true},
		{name: "hidden", input: ".core", wantErr: true},
		{name: "empty-collection", input: ":w1", wantErr: true},
		{name: "zero-instance", input: "core#0", wantErr: true},
		{name: "bad-instance", input: "core#x", wantErr: true},
		{name: "space", input: "my core", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := moniker.Parse(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", parsed)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if parsed.String() != tt.wantDisplay {
				t.Errorf("String() = %q, want %q", parsed.String(), tt.wantDisplay)
			}
			if parsed.InstanceString() != tt.wantInstance {
				t.Errorf("InstanceString() = %q, want %q", parsed.InstanceString(), tt.wantInstance)
			}
			if parsed.Len() != tt.wantLen {
				t.Errorf("Len() = %d, want %d", parsed.Len(), tt.wantLen)
			}
		})
	}
}

func TestParent(t *testing.T) {
	child := moniker.MustParse("core/workers:w1")

	parent, ok := child.Parent()
	if !ok {
		t.Fatal("Parent() returned false for non-root moniker")
	}
	if parent.String() != "core" {
		t.Errorf("Parent() = %q, want %q", parent, "core")
	}

	grandparent, ok := parent.Parent()
	if !ok || !grandparent.IsRoot() {
		t.Errorf("Parent(core) = %q, %v; want root, true", grandparent, ok)
	}

	if _, ok := moniker.Root().Parent(); ok {
		t.Error("Parent() of root returned true")
	}
}

func TestParentDoesNotAliasChild(t *testing.T) {
	base := moniker.MustParse("a/b")
	parent, _ := base.Parent()

	first := parent.Child(moniker.MustSegment("", "x"))
	second := base.Child(moniker.MustSegment("", "y"))

	if first.String() != "a/x" {
		t.Errorf("first = %q, want a/x", first)
	}
	if second.String() != "a/b/y" {
		t.Errorf("second = %q, want a/b/y", second)
	}
}

func TestIsDescendantOf(t *testing.T) {
	tests := []struct {
		moniker  string
		ancestor string
		want     bool
	}{
		{"a/b", "a", true},
		{"a/b", ".", true},
		{"a", ".", true},
		{".", ".", false},
		{"a", "a", false},
		{"a", "a/b", false},
		{"ab/c", "a", false},
		{"a#1/b", "a", true},
		{"a#1/b", "a#2", false},
		{"a/coll:b", "a", true},
	}
	for _, tt := range tests {
		got := moniker.MustParse(tt.moniker).IsDescendantOf(moniker.MustParse(tt.ancestor))
		if got != tt.want {
			t.Errorf("%q.IsDescendantOf(%q) = %v, want %v", tt.moniker, tt.ancestor, got, tt.want)
		}
	}
}

func TestEqualInstances(t *testing.T) {
	first := moniker.MustParse("core#1/coll:w#4")
	recreated := moniker.MustParse("core#1/coll:w#9")
	position := moniker.MustParse("core/coll:w")

	if first.Equal(recreated) {
		t.Error("monikers of distinct instances compared equal")
	}
	if !first.Equal(position) || !recreated.Equal(position) {
		t.Error("display moniker should match any instance at its position")
	}
	if first.String() != recreated.String() {
		t.Errorf("display forms differ: %q vs %q", first, recreated)
	}
}

func TestRelative(t *testing.T) {
	relative, ok := moniker.MustParse("a/b/coll:c").Relative(moniker.MustParse("a"))
	if !ok {
		t.Fatal("Relative returned false for ancestor")
	}
	if relative.String() != "b/coll:c" {
		t.Errorf("Relative = %q, want b/coll:c", relative)
	}
	if _, ok := moniker.MustParse("a/b").Relative(moniker.MustParse("x")); ok {
		t.Error("Relative returned true for non-ancestor")
	}
}

func TestTextRoundTrip(t *testing.T) {
	original := moniker.MustParse("core#3/workers:w1#12")

	data, err := json.Marshal(struct {
		Moniker moniker.Moniker `json:"moniker"`
	}{original})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `{"moniker":"core#3/workers:w1#12"}` {
		t.Errorf("Marshal = %s", data)
	}

	var decoded struct {
		Moniker moniker.Moniker `json:"moniker"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Moniker.InstanceString() != original.InstanceString() {
		t.Errorf("round trip = %q, want %q", decoded.Moniker.InstanceString(), original.InstanceString())
	}
}

func TestValidateNameLength(t *testing.T) {
	long := make([]byte, 101)
	for i := range long {
		long[i] = 'a'
	}
	if err := moniker.ValidateName(string(long), "child name"); err == nil {
		t.Error("expected error for 101-character name")
	}
	if err := moniker.ValidateName(string(long[:100]), "child name"); err != nil {
		t.Errorf("unexpected error for 100-character name: %v", err)
	}
}
