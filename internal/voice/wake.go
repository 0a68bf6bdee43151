package voice

import (
	"strings"
	"unicode"
)

// WakeDetector matches a configured wake phrase inside live transcript
// text, case-folded and punctuation-stripped.
type WakeDetector struct {
	words []string
}

// NewWakeDetector builds a detector for the given phrase, e.g. "hey mote".
func NewWakeDetector(phrase string) *WakeDetector {
	return &WakeDetector{words: normalizeWords(phrase)}
}

// Phrase returns the normalized wake phrase.
func (d *WakeDetector) Phrase() string {
	return strings.Join(d.words, " ")
}

// Match reports whether text contains the wake phrase. remainder is
// whatever was spoken after the phrase in the same fragment, normalized;
// it seeds the command buffer.
func (d *WakeDetector) Match(text string) (remainder string, ok bool) {
	if len(d.words) == 0 {
		return "", false
	}
	words := normalizeWords(text)
	for i := 0; i+len(d.words) <= len(words); i++ {
		if matchAt(words, d.words, i) {
			return strings.Join(words[i+len(d.words):], " "), true
		}
	}
	return "", false
}

func matchAt(words, phrase []string, at int) bool {
	for j, w := range phrase {
		if words[at+j] != w {
			return false
		}
	}
	return true
}

func normalizeWords(s string) []string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		case r == '\'':
			// "what's" stays one word
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Fields(b.String())
}
