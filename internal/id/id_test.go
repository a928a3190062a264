package id

import "testing"

func TestKeyIsUniqueHex(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		k := Key()
		if len(k) != 32 {
			t.Fatalf("expected 32 hex chars, got %q", k)
		}
		if seen[k] {
			t.Fatalf("duplicate key %q", k)
		}
		seen[k] = true
	}
}
