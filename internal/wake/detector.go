// Package wake decides which transcripts are addressed to the assistant.
//
// Two concerns live here. The [Detector] spots mentions of the assistant's
// name, tolerating the ways a transcription backend mangles it ("krono",
// "cronus") by combining substring, Double Metaphone, and Jaro-Winkler
// matching. [Commands] maps control phrases ("pare", "modo soneca",
// "desligar") to actions the orchestration layer executes without involving
// the intent pipeline.
//
// Both types are read-only after construction and safe for concurrent use.
package wake

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// DefaultNames are the assistant names recognized out of the box.
var DefaultNames = []string{"crono", "cronos"}

// DefaultSimilarity is the Jaro-Winkler floor for treating a token as a
// misheard assistant name.
const DefaultSimilarity = 0.84

// Detector spots assistant-name mentions in folded transcripts.
type Detector struct {
	names      []string
	codes      map[string]struct{}
	similarity float64
}

// DetectorOption is a functional option for configuring a Detector.
type DetectorOption func(*Detector)

// WithNames replaces the default assistant names.
func WithNames(names ...string) DetectorOption {
	return func(d *Detector) {
		d.names = append([]string(nil), names...)
	}
}

// WithSimilarity sets the Jaro-Winkler acceptance floor. Default: 0.84.
func WithSimilarity(threshold float64) DetectorOption {
	return func(d *Detector) {
		if threshold > 0 && threshold <= 1 {
			d.similarity = threshold
		}
	}
}

// NewDetector returns a Detector for the configured assistant names.
func NewDetector(opts ...DetectorOption) *Detector {
	d := &Detector{similarity: DefaultSimilarity}
	for _, o := range opts {
		o(d)
	}
	if len(d.names) == 0 {
		d.names = append(d.names, DefaultNames...)
	}

	folded := make([]string, 0, len(d.names))
	d.codes = make(map[string]struct{}, len(d.names)*2)
	for _, name := range d.names {
		name = Fold(name)
		if name == "" {
			continue
		}
		folded = append(folded, name)
		p, s := matchr.DoubleMetaphone(name)
		if p != "" {
			d.codes[p] = struct{}{}
		}
		if s != "" {
			d.codes[s] = struct{}{}
		}
	}
	d.names = folded
	return d
}

// Names returns the folded assistant names.
func (d *Detector) Names() []string {
	return append([]string(nil), d.names...)
}

// Mentions reports whether text refers to the assistant. A mention is an
// exact substring of a name in the folded text, a token whose Double
// Metaphone code equals a name's code, or a token within the Jaro-Winkler
// similarity floor of a name.
func (d *Detector) Mentions(text string) bool {
	t := Fold(text)
	if t == "" {
		return false
	}
	for _, name := range d.names {
		if strings.Contains(t, name) {
			return true
		}
	}
	for _, tok := range tokens(t) {
		p, s := matchr.DoubleMetaphone(tok)
		if p != "" {
			if _, ok := d.codes[p]; ok {
				return true
			}
		}
		if s != "" {
			if _, ok := d.codes[s]; ok {
				return true
			}
		}
		for _, name := range d.names {
			if matchr.JaroWinkler(tok, name, false) >= d.similarity {
				return true
			}
		}
	}
	return false
}
