package kilo

import "regexp"

// ansiRegex matches CSI sequences (colors, cursor movement), OSC
// sequences (terminal titles, hyperlinks), and bare two-byte escapes.
// The CLI colorizes some of its JSON output, so stripping must happen
// before any parse attempt.
var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[@-Z\\-_]`)

// StripANSI removes ANSI escape sequences from a line. Stripping an
// already-stripped line is a no-op.
func StripANSI(s string) string {
	if !containsESC(s) {
		return s
	}
	return ansiRegex.ReplaceAllString(s, "")
}

func containsESC(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == 0x1b {
			return true
		}
	}
	return false
}
