package search

import (
	"strings"
	"unicode"
)

// Sanitize turns free text into an FTS5 match expression that cannot fail
// to parse. Each whitespace-separated term keeps only letters, digits and
// the identifier characters _ . / : -, is double-quoted, and terms are
// joined with OR. Input with no usable term yields "".
//
//	Sanitize("cache invalidation") == `"cache" OR "invalidation"`
func Sanitize(raw string) string {
	var terms []string
	for _, field := range strings.Fields(raw) {
		if t := cleanTerm(field); t != "" {
			terms = append(terms, `"`+t+`"`)
		}
	}
	return strings.Join(terms, " OR ")
}

func cleanTerm(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("_./:-", r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
