package selector

import (
	"strings"
	"unicode"
)

// Score weights. Tuned empirically against in-game captures.
const (
	WeightCJK    = 3.0
	WeightAlnum  = 1.0
	WeightLength = 0.4
)

// Sanitize collapses whitespace runs to single spaces, trims the result and
// drops control characters, zero-width marks and replacement characters.
func Sanitize(text string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == '\ufffd', r == '\ufeff', r == '\u200b', r == '\u200c', r == '\u200d':
			return -1
		case unicode.IsSpace(r):
			return ' '
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, text)
	return strings.Join(strings.Fields(cleaned), " ")
}

// Score rates recognized text: 3 per Han character, 1 per ASCII letter or
// digit and 0.4 per character of the sanitized text.
func Score(text string) float64 {
	text = Sanitize(text)
	var cjk, alnum, n int
	for _, r := range text {
		n++
		switch {
		case unicode.Is(unicode.Han, r):
			cjk++
		case r <= unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			alnum++
		}
	}
	return WeightCJK*float64(cjk) + WeightAlnum*float64(alnum) + WeightLength*float64(n)
}
