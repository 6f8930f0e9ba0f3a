package codec

import (
	"bytes"
	"testing"
)

type record struct {
	B []string `cbor:"b"`
	A string   `cbor:"a"`
}

func TestMarshal_Deterministic(t *testing.T) {
	m1 := map[string]int{"z": 1, "a": 2, "m": 3}
	m2 := map[string]int{"m": 3, "z": 1, "a": 2}

	b1, err := Marshal(m1)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b2, err := Marshal(m2)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatalf("same map encoded differently: %x vs %x", b1, b2)
	}
}

func TestUnmarshal_Record(t *testing.T) {
	in := record{A: "x", B: []string{"wss://relay.example"}}
	raw, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out record
	if err := Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.A != "x" || len(out.B) != 1 || out.B[0] != "wss://relay.example" {
		t.Fatalf("unexpected record %+v", out)
	}

	var generic any
	if err := Unmarshal(raw, &generic); err != nil {
		t.Fatalf("unmarshal any: %v", err)
	}
	if _, ok := generic.(map[string]any); !ok {
		t.Fatalf("expected map[string]any, got %T", generic)
	}
}
