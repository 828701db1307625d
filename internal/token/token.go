// Package token provides the deterministic token approximation shared by the
// chunker and the embedding pipeline. Both sides must count tokens with the
// same function, otherwise the chunk size bound would drift from what the
// embedder actually receives.
package token

import (
	"regexp"
	"strings"
)

// tokenRegex matches a word (alphanumeric run, underscores included) or a
// single punctuation mark. Mirrors the whitespace/punctuation-aware counting
// used by common subword tokenizers closely enough for budgeting.
var tokenRegex = regexp.MustCompile(`[a-zA-Z0-9_]+|[^\sa-zA-Z0-9_]`)

// Count returns the approximate token count of text.
// Deterministic and language-agnostic: every word and every punctuation mark
// counts as one token.
func Count(text string) int {
	return len(tokenRegex.FindAllStringIndex(text, -1))
}

// Words returns the lowercased word tokens of text, dropping punctuation.
// Used by the lexical index and the static embedder so that both sides agree
// on what a "term" is.
func Words(text string) []string {
	matches := tokenRegex.FindAllString(text, -1)
	words := make([]string, 0, len(matches))
	for _, m := range matches {
		if isWord(m) {
			words = append(words, strings.ToLower(m))
		}
	}
	return words
}

func isWord(s string) bool {
	if s == "" {
		return false
	}
	c := s[0]
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}
