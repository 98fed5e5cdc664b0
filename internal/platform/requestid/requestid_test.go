package requestid

import (
	"encoding/hex"
	"testing"
)

func TestNewIsHexAndUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := New()
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		if len(id) != 2*idBytes {
			t.Fatalf("id length %d, want %d", len(id), 2*idBytes)
		}
		if _, err := hex.DecodeString(id); err != nil {
			t.Fatalf("id %q is not hex: %v", id, err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
