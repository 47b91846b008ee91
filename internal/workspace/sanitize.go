package workspace

import (
	"strings"
	"unicode"
)

// SanitizeAgentName converts an agent name into a filesystem-safe
// directory name: whitespace becomes '_' and anything outside
// [A-Za-z0-9._-] is dropped. Two agents in one block whose names
// sanitize to the same value are rejected at design validation, so
// provisioning can assume uniqueness.
func SanitizeAgentName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case unicode.IsSpace(r):
			b.WriteByte('_')
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s == "" || s == "." || s == ".." {
		return "agent"
	}
	return s
}
