package nats

import (
	"strings"
	"unicode"
)

// namespace builds a NATS subject under the sluice prefix. Empty values are
// skipped and every value is normalized by formatForNamespace.
func namespace(values ...string) string {
	parts := make([]string, 0, len(values)+1)
	parts = append(parts, "sluice")
	for _, value := range values {
		if value == "" {
			continue
		}
		parts = append(parts, formatForNamespace(value))
	}
	return strings.Join(parts, ".")
}

// formatForNamespace turns camelCase into dash-case, maps underscores to
// dashes and drops anything that is not a letter, digit, dash, dot or
// wildcard.
func formatForNamespace(value string) string {
	var b strings.Builder
	b.Grow(len(value) + 4)

	var prev rune
	for _, r := range value {
		switch {
		case unicode.IsUpper(r) && unicode.IsLower(prev):
			b.WriteByte('-')
			b.WriteRune(unicode.ToLower(r))
		case r == '_':
			b.WriteByte('-')
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '.', r == '*':
			b.WriteRune(r)
		default:
			prev = r
			continue
		}
		prev = r
	}
	return b.String()
}
