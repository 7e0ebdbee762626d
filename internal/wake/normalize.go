package wake

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lowercases, trims, and strips diacritics so spoken-form variants
// compare equal: "Silêncio!" folds to "silencio!". Transcription backends are
// inconsistent about Portuguese accents, so all phrase matching happens on
// folded text.
func Fold(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	// The transform chain carries internal buffers, so build it per call
	// rather than sharing one across goroutines.
	chain := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(chain, t)
	if err != nil {
		return t
	}
	return folded
}

// tokens splits folded text into bare words, shedding punctuation.
func tokens(t string) []string {
	return strings.FieldsFunc(t, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}
