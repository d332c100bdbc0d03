package search

import (
	"strings"

	"github.com/rekal-dev/remi/cmd/remi/cli/lsa"
)

// SnippetSize is the target length of a result snippet in bytes.
const SnippetSize = 300

// ExtractSnippet returns a window of content around the earliest match of
// any query term, aligned to word boundaries.
func ExtractSnippet(content, query string) string {
	if len(content) <= SnippetSize {
		return content
	}

	lower := strings.ToLower(content)
	terms := lsa.Tokenize(query)
	for _, f := range strings.Fields(strings.ToLower(query)) {
		if t := cleanTerm(f); t != "" {
			terms = append(terms, t)
		}
	}

	bestPos := -1
	for _, term := range terms {
		pos := strings.Index(lower, term)
		if pos >= 0 && (bestPos < 0 || pos < bestPos) {
			bestPos = pos
		}
	}

	if bestPos < 0 {
		return clip(content, SnippetSize) + "..."
	}

	start := max(bestPos-SnippetSize/2, 0)
	end := start + SnippetSize
	if end > len(content) {
		end = len(content)
		start = max(end-SnippetSize, 0)
	}

	// Align to word boundaries.
	if start > 0 {
		for start < end && content[start] != ' ' {
			start++
		}
		start++ // skip the space
	}
	if end < len(content) {
		for end > start && content[end-1] != ' ' {
			end--
		}
	}
	if start >= end {
		return clip(content, SnippetSize) + "..."
	}

	snippet := content[start:end]
	if start > 0 {
		snippet = "..." + snippet
	}
	if end < len(content) {
		snippet += "..."
	}
	return snippet
}

// clip cuts s to at most n bytes without splitting a UTF-8 sequence.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
