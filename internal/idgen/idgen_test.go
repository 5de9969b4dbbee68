package idgen

import (
	"strings"
	"testing"
)

func TestNew_Format(t *testing.T) {
	id := New()
	parts := strings.Split(id, "-")
	if len(parts) != 5 {
		t.Fatalf("expected 5 dash-separated groups, got %d: %s", len(parts), id)
	}
	wantLens := []int{8, 4, 4, 4, 12}
	for i, p := range parts {
		if len(p) != wantLens[i] {
			t.Errorf("group %d: expected length %d, got %d (%s)", i, wantLens[i], len(p), p)
		}
	}
}

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("wh_")
	if !strings.HasPrefix(id, "wh_") {
		t.Fatalf("expected prefix wh_, got %s", id)
	}
	if len(id) != len("wh_")+24 {
		t.Fatalf("expected 24 hex chars after prefix, got id %s (len %d)", id, len(id))
	}
}

func TestHex_Length(t *testing.T) {
	for _, n := range []int{1, 8, 16, 32} {
		id := Hex(n)
		if len(id) != n*2 {
			t.Errorf("Hex(%d): expected length %d, got %d", n, n*2, len(id))
		}
	}
}
