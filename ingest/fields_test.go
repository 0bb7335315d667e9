package ingest

import (
	"testing"
	"time"
)

func TestTimestamp(t *testing.T) {
	want := time.UnixMilli(1700000000123)
	tests := []struct {
		name string
		in   any
		ok   bool
	}{
		{"float", float64(1700000000123), true},
		{"int64", int64(1700000000123), true},
		{"numeric string", "1700000000123", true},
		{"rfc3339", want.UTC().Format(time.RFC3339Nano), true},
		{"nil", nil, false},
		{"empty", "", false},
		{"garbage", "soon", false},
		{"bool", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Timestamp(tt.in)
			if ok != tt.ok {
				t.Fatalf("Expected ok=%v, got %v", tt.ok, ok)
			}
			if ok && !got.Equal(want) {
				t.Errorf("Expected %v, got %v", want, got)
			}
		})
	}
}

func TestFragments(t *testing.T) {
	list := []any{map[string]any{"t": float64(2)}}
	if got := Fragments(map[string]any{"rr_events": list}); len(got) != 1 {
		t.Errorf("Expected rr_events list, got %v", got)
	}
	if got := Fragments(map[string]any{"vb": list}); len(got) != 1 {
		t.Errorf("Expected vb alias, got %v", got)
	}
	if got := Fragments(map[string]any{"rr_events": "nope"}); got != nil {
		t.Errorf("Expected nil for non-list, got %v", got)
	}
	if got := Fragments("string"); got != nil {
		t.Errorf("Expected nil for non-object, got %v", got)
	}
}

func TestFragmentType(t *testing.T) {
	if code, ok := FragmentType(map[string]any{"type": float64(4)}); !ok || code != 4 {
		t.Errorf("Expected long spelling to work, got %d %v", code, ok)
	}
	if _, ok := FragmentType(map[string]any{"t": 2.5}); ok {
		t.Error("Expected fractional tag to be rejected")
	}
	if _, ok := FragmentType("x"); ok {
		t.Error("Expected non-object to be rejected")
	}
}

func TestFindBootstrap(t *testing.T) {
	frags := []any{
		map[string]any{"t": float64(0), "n": float64(1)},
		map[string]any{"t": float64(2)},
		map[string]any{"t": float64(4)},
		map[string]any{"t": float64(0), "n": float64(2)},
	}
	b, ok := FindBootstrap(frags)
	if !ok {
		t.Fatal("Expected complete triple")
	}
	if b.FirstChunk.(map[string]any)["n"] != float64(1) {
		t.Errorf("Expected first chunk, got %v", b.FirstChunk)
	}
	if _, ok := FindBootstrap(frags[:2]); ok {
		t.Error("Expected incomplete triple without meta")
	}
}

func TestDecodeValue(t *testing.T) {
	v, err := DecodeValue(`{"a":[1,2]}`)
	if err != nil {
		t.Fatalf("DecodeValue failed: %v", err)
	}
	if _, ok := v.(map[string]any); !ok {
		t.Errorf("Expected object, got %T", v)
	}
	obj := map[string]any{"a": 1}
	if v, _ := DecodeValue(obj); v.(map[string]any)["a"] != 1 {
		t.Error("Expected non-string value to pass through")
	}
	if _, err := DecodeValue("{"); err == nil {
		t.Error("Expected parse error")
	}
}
