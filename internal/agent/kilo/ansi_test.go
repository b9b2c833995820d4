package kilo

import (
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain text unchanged",
			input:    "hello world",
			expected: "hello world",
		},
		{
			name:     "color codes",
			input:    "\x1b[31mred\x1b[0m text",
			expected: "red text",
		},
		{
			name:     "cursor movement",
			input:    "\x1b[2Kcleared line",
			expected: "cleared line",
		},
		{
			name:     "osc sequence with bel",
			input:    "\x1b]0;window title\x07after",
			expected: "after",
		},
		{
			name:     "wrapped json payload",
			input:    "\x1b[32m{\"type\":\"say\"}\x1b[0m",
			expected: "{\"type\":\"say\"}",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
		{
			name:     "only escape sequences",
			input:    "\x1b[1m\x1b[0m",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StripANSI(tt.input)
			if got != tt.expected {
				t.Errorf("StripANSI(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

// Stripping an already-stripped line is a no-op, and output never
// contains ESC.
func TestStripANSIIdempotent(t *testing.T) {
	inputs := []string{
		"\x1b[31mred\x1b[0m",
		"\x1b[2J\x1b[Hcleared",
		"plain",
		"\x1b]0;title\x07text",
	}
	for _, in := range inputs {
		once := StripANSI(in)
		twice := StripANSI(once)
		if once != twice {
			t.Errorf("StripANSI not idempotent for %q: %q != %q", in, once, twice)
		}
		if strings.ContainsRune(once, '\x1b') {
			t.Errorf("StripANSI(%q) still contains ESC: %q", in, once)
		}
	}
}
