package pipeline

import (
	"strings"
	"unicode/utf8"
)

// defaultMinChunk is the minimum fragment length in runes. Fragments shorter
// than this are glued to the following sentence so abbreviations ("Sr.",
// "Dr.") and decimals do not produce one-word playback stubs.
const defaultMinChunk = 12

// splitSentences breaks a reply into speakable fragments at sentence
// boundaries (., !, ? and …). A run of boundary marks stays with its
// sentence, and a trailing fragment is emitted regardless of length.
func splitSentences(text string, minChunk int) []string {
	var out []string
	var b strings.Builder
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		b.WriteRune(runes[i])
		if !sentenceBoundary(runes[i]) {
			continue
		}
		for i+1 < len(runes) && sentenceBoundary(runes[i+1]) {
			i++
			b.WriteRune(runes[i])
		}
		frag := strings.TrimSpace(b.String())
		if utf8.RuneCountInString(frag) >= minChunk {
			out = append(out, frag)
			b.Reset()
		}
	}
	if frag := strings.TrimSpace(b.String()); frag != "" {
		out = append(out, frag)
	}
	return out
}

func sentenceBoundary(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '…'
}
