package resolver

import (
	"regexp"
	"strings"
	"unicode"
)

// MaxTokens caps the tokens considered per text.
const MaxTokens = 80

var multiSpace = regexp.MustCompile(`[ \t\x{3000}]{2,}`)

func isDelimiter(r rune) bool {
	switch r {
	case '\n', '\r', '|':
		return true
	}
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}

func isWordRune(r rune) bool {
	return unicode.Is(unicode.Han, r) || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Tokenize splits text on line breaks, pipes, punctuation and runs of two or
// more spaces, then adds every maximal run of Han, letter or digit
// characters. Tokens are trimmed, deduplicated in order of first appearance
// and capped at MaxTokens.
func Tokenize(text string) []string {
	seen := make(map[string]bool)
	var tokens []string
	add := func(tok string) {
		tok = strings.TrimSpace(tok)
		if tok == "" || seen[tok] || len(tokens) >= MaxTokens {
			return
		}
		seen[tok] = true
		tokens = append(tokens, tok)
	}

	for _, part := range strings.FieldsFunc(multiSpace.ReplaceAllString(text, "\n"), isDelimiter) {
		add(part)
	}
	for _, run := range strings.FieldsFunc(text, func(r rune) bool { return !isWordRune(r) }) {
		add(run)
	}
	return tokens
}
