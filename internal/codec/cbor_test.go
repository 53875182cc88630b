package codec

import (
	"bytes"
	"testing"
)

type record struct {
	Name string            `cbor:"name"`
	Deps []string          `cbor:"deps,omitempty"`
	Meta map[string]string `cbor:"meta,omitempty"`
}

func TestDeterministic(t *testing.T) {
	v := record{Name: "ui/hud", Meta: map[string]string{"b": "2", "a": "1", "c": "3"}}

	first, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for range 10 {
		again, err := Marshal(v)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("encoding is not deterministic")
		}
	}

	var out record
	if err := Unmarshal(first, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Name != v.Name || out.Meta["c"] != "3" {
		t.Errorf("decoded %+v", out)
	}
}

func TestAnyMapsUseStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"inner": map[string]any{"k": 1}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out any
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	top, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("top level decoded as %T", out)
	}
	if _, ok := top["inner"].(map[string]any); !ok {
		t.Errorf("nested map decoded as %T", top["inner"])
	}
}

func TestDiagnose(t *testing.T) {
	data, err := Marshal(record{Name: "x"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	diag, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if diag != `{"name": "x"}` {
		t.Errorf("Diagnose = %s", diag)
	}
}
