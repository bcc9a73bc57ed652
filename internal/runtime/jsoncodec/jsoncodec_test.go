package jsoncodec

import (
	"bytes"
	"testing"
)

type testPayload struct {
	Topic string `json:"topic"`
	Seq   int    `json:"seq"`
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	in := testPayload{Topic: "main", Seq: 7}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out testPayload
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %#v", out)
	}
}

func TestEncodeDecodeStream(t *testing.T) {
	var buf bytes.Buffer
	in := map[string]any{"k": "v"}
	if err := Encode(&buf, in); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var out map[string]any
	if err := Decode(&buf, &out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if out["k"] != "v" {
		t.Fatalf("stream round trip mismatch: %#v", out)
	}
}

func TestValueOrString(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"10", int64(10)},
		{" 10 ", int64(10)},
		{"1.5", 1.5},
		{"true", true},
		{"false", false},
		{"null", nil},
		{`"quoted"`, "quoted"},
		{"hello", "hello"},
		{" hello ", "hello"},
		{"10abc", "10abc"},
		{"", ""},
		{"   ", ""},
		{"[1,2]", []any{float64(1), float64(2)}},
	}

	for _, tt := range tests {
		got := ValueOrString(tt.in)
		switch want := tt.want.(type) {
		case []any:
			gs, ok := got.([]any)
			if !ok || len(gs) != len(want) {
				t.Errorf("ValueOrString(%q) = %#v, want %#v", tt.in, got, want)
				continue
			}
			for i := range want {
				if gs[i] != want[i] {
					t.Errorf("ValueOrString(%q)[%d] = %#v, want %#v", tt.in, i, gs[i], want[i])
				}
			}
		default:
			if got != tt.want {
				t.Errorf("ValueOrString(%q) = %#v (%T), want %#v (%T)", tt.in, got, got, tt.want, tt.want)
			}
		}
	}
}
