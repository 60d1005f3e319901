package strutil

import "strings"

// NormalizeUpper trims surrounding whitespace and converts to upper case.
// Console command words are matched in this form.
func NormalizeUpper(value string) string {
	return strings.ToUpper(strings.TrimSpace(value))
}

// NormalizeLower trims surrounding whitespace and converts to lower case.
// Parameter names and config enums use it.
func NormalizeLower(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
