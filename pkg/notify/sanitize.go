package notify

import (
	"strings"
	"unicode"
)

// Sanitize removes control characters and limits string length so relayed text
// cannot move the cursor or rewrite the terminal.
func Sanitize(s string, maxLen int) string {
	if s == "" {
		return ""
	}

	var builder strings.Builder
	builder.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) && r != '\t' {
			continue
		}
		if r == unicode.ReplacementChar {
			continue
		}
		builder.WriteRune(r)
	}

	result := builder.String()
	if runes := []rune(result); len(runes) > maxLen {
		result = string(runes[:maxLen])
	}
	return strings.TrimSpace(result)
}
