package token

import (
	"strings"
	"testing"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"empty", "", 0},
		{"one char rounds up", "a", 1},
		{"three chars round up", "abc", 1},
		{"exact boundary", "abcd", 1},
		{"five chars", "abcde", 2},
		{"eight chars", "abcdefgh", 2},
		{"long content", strings.Repeat("x", 4000), 1000},
		{"off boundary long", strings.Repeat("x", 4001), 1001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Estimate(tt.content); got != tt.want {
				t.Errorf("Estimate(%q len=%d) = %d, want %d", tt.name, len(tt.content), got, tt.want)
			}
		})
	}
}

func TestEstimate_BytesNotRunes(t *testing.T) {
	// The estimate is byte-based: multi-byte characters weigh more.
	if got := Estimate("héllo"); got != 2 {
		t.Errorf("Estimate(héllo) = %d, want 2", got)
	}
}
