package canonical

import (
	"testing"
)

func TestMarshalSortsKeys(t *testing.T) {
	a, err := Marshal(map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"a":2,"b":1,"c":{"y":2,"z":1}}`
	if string(a) != want {
		t.Fatalf("got %s want %s", a, want)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	v := map[string]any{"text": "Hello", "input_text_hash": "abc", "prompt_version": "v1"}
	first, err := Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Marshal(map[string]any{"prompt_version": "v1", "input_text_hash": "abc", "text": "Hello"})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if string(again) != string(first) {
			t.Fatalf("iteration %d: %s != %s", i, again, first)
		}
	}
}

func TestMarshalStructFieldOrderIrrelevant(t *testing.T) {
	type one struct {
		B int    `json:"b"`
		A string `json:"a"`
	}
	type two struct {
		A string `json:"a"`
		B int    `json:"b"`
	}
	x, err := Marshal(one{B: 7, A: "x"})
	if err != nil {
		t.Fatalf("marshal one: %v", err)
	}
	y, err := Marshal(two{A: "x", B: 7})
	if err != nil {
		t.Fatalf("marshal two: %v", err)
	}
	if string(x) != string(y) {
		t.Fatalf("%s != %s", x, y)
	}
}

func TestMarshalNoForcedEscaping(t *testing.T) {
	b, err := Marshal(map[string]any{"text": "héllo <world> & ünïcode"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"text":"héllo <world> & ünïcode"}`
	if string(b) != want {
		t.Fatalf("got %s want %s", b, want)
	}
}

func TestMarshalNumbersStable(t *testing.T) {
	b, err := Marshal(map[string]any{"i": 42, "f": 1.5, "t": 1700000000.25})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"f":1.5,"i":42,"t":1700000000.25}`
	if string(b) != want {
		t.Fatalf("got %s want %s", b, want)
	}
}

func TestMarshalControlCharsEscape(t *testing.T) {
	b, err := Marshal("line1\nline2\ttab\x01")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `"line1\nline2\ttab\u0001"`
	if string(b) != want {
		t.Fatalf("got %s want %s", b, want)
	}
}

func TestMarshalShortEscapes(t *testing.T) {
	// The named control characters get their short escapes, everything else
	// below 0x20 gets \uXXXX.
	b, err := Marshal("\b\f\x01\x1f")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `"\b\f\u0001\u001f"`
	if string(b) != want {
		t.Fatalf("got %s want %s", b, want)
	}
}
