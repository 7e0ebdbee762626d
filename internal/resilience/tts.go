package resilience

import (
	"context"

	"github.com/cronovoice/crono/pkg/provider/tts"
)

// FallbackSynthesizer implements [tts.Synthesizer] with automatic failover
// across multiple backends, typically a remote primary voice and a local
// fallback. Each backend has its own circuit breaker.
//
// Only stream startup is covered by failover: Synthesize returns an error
// before consuming any text, so the sentence channel is intact when the next
// backend is tried. Mid-stream failures close the audio channel early and
// are not retried.
type FallbackSynthesizer struct {
	group *FallbackGroup[tts.Synthesizer]
}

var _ tts.Synthesizer = (*FallbackSynthesizer)(nil)

// NewFallbackSynthesizer creates a group with primary as the preferred
// backend.
func NewFallbackSynthesizer(primary tts.Synthesizer, primaryName string, cbCfg CircuitBreakerConfig) *FallbackSynthesizer {
	return &FallbackSynthesizer{
		group: NewFallbackGroup(primary, primaryName, cbCfg),
	}
}

// AddFallback registers an additional synthesizer, tried after the primary.
func (f *FallbackSynthesizer) AddFallback(name string, syn tts.Synthesizer) {
	f.group.AddFallback(name, syn)
}

// Synthesize implements [tts.Synthesizer] against the first healthy backend.
func (f *FallbackSynthesizer) Synthesize(ctx context.Context, text <-chan string) (<-chan []byte, error) {
	return ExecuteWithResult(f.group, func(s tts.Synthesizer) (<-chan []byte, error) {
		return s.Synthesize(ctx, text)
	})
}
