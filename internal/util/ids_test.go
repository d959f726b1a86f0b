package util

import (
	"strings"
	"testing"
)

func TestRowIDs(t *testing.T) {
	tests := []struct {
		name   string
		gen    func() string
		prefix string
	}{
		{"job", NewJobID, "job_"},
		{"outbox", NewOutboxID, "outbox_"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen := make(map[string]struct{}, 500)
			for i := 0; i < 500; i++ {
				id := tt.gen()
				if !strings.HasPrefix(id, tt.prefix) {
					t.Fatalf("%q lacks prefix %q", id, tt.prefix)
				}
				suffix := strings.TrimPrefix(id, tt.prefix)
				if len(suffix) != idHexDigits || strings.Trim(suffix, "0123456789abcdef") != "" {
					t.Fatalf("%q: suffix is not %d lowercase hex digits", id, idHexDigits)
				}
				if _, dup := seen[id]; dup {
					t.Fatalf("duplicate id %q", id)
				}
				seen[id] = struct{}{}
			}
		})
	}
}
