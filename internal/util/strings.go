package util

import (
	"strings"
	"unicode/utf8"
)

// Preview shortens s to at most maxRunes runes for a log line, appending
// "..." when something was cut. Line breaks are flattened so one child
// process write never spans several log records.
func Preview(s string, maxRunes int) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
	if maxRunes <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxRunes]) + "..."
}
