// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/bureau-foundation/realm/lib/moniker"
)

func TestMarshalDeterministicMapOrder(t *testing.T) {
	first := map[string]int{"zeta": 1, "alpha": 2, "mid": 3}
	second := map[string]int{"mid": 3, "alpha": 2, "zeta": 1}

	a, err := Marshal(first)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	b, err := Marshal(second)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Errorf("equal maps encoded differently:\n%x\n%x", a, b)
	}
}

func TestMonikerEncodesAsText(t *testing.T) {
	type record struct {
		Moniker moniker.Moniker `cbor:"moniker"`
	}
	original := record{Moniker: moniker.MustParse("core#1/workers:w#4")}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	diagnostic, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if diagnostic != `{"moniker": "core#1/workers:w#4"}` {
		t.Errorf("diagnostic = %s", diagnostic)
	}

	var decoded record
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Moniker.InstanceString() != "core#1/workers:w#4" {
		t.Errorf("decoded moniker = %q", decoded.Moniker.InstanceString())
	}
}

func TestAnyMapsDecodeWithStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"nested": map[string]any{"key": "value"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	outer, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", decoded)
	}
	if _, ok := outer["nested"].(map[string]any); !ok {
		t.Errorf("nested type = %T, want map[string]any", outer["nested"])
	}
}

func TestStreamRoundTrip(t *testing.T) {
	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	stamps := []time.Time{
		time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 1, 12, 0, 1, 500, time.UTC),
	}
	for _, stamp := range stamps {
		if err := encoder.Encode(stamp); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	decoder := NewDecoder(&buffer)
	for i, want := range stamps {
		var got time.Time
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("Decode %d: %v", i, err)
		}
		if !got.Equal(want) {
			t.Errorf("item %d = %v, want %v", i, got, want)
		}
	}
}
