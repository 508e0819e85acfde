// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestMarshalDeterministic(t *testing.T) {
	t.Parallel()

	value := map[string]any{
		"path":      "/out/a.o",
		"operation": "write",
		"pid":       4211,
	}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("deterministic encoding produced different bytes:\n%x\n%x", first, second)
	}
}

func TestRoundTripStruct(t *testing.T) {
	t.Parallel()

	type record struct {
		Path  string `cbor:"path"`
		Errno int    `cbor:"errno,omitempty"`
	}

	data, err := Marshal(record{Path: "/etc/hosts", Errno: 2})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got record
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Path != "/etc/hosts" || got.Errno != 2 {
		t.Errorf("round trip: got %+v", got)
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	t.Parallel()

	data, err := Marshal(map[string]any{"path": "/x", "future_field": true})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got struct {
		Path string `cbor:"path"`
	}
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal with unknown field: %v", err)
	}
	if got.Path != "/x" {
		t.Errorf("Path: got %q, want %q", got.Path, "/x")
	}
}

func TestStreamEncodeDecode(t *testing.T) {
	t.Parallel()

	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for _, path := range []string{"/a", "/b", "/c"} {
		if err := encoder.Encode(map[string]string{"path": path}); err != nil {
			t.Fatalf("Encode %s: %v", path, err)
		}
	}

	decoder := NewDecoder(&buffer)
	for _, want := range []string{"/a", "/b", "/c"} {
		var got map[string]string
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got["path"] != want {
			t.Errorf("decoded path: got %q, want %q", got["path"], want)
		}
	}
}
