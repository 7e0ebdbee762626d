package resilience

import (
	"context"

	"github.com/cronovoice/crono/pkg/provider/stt"
)

// BreakerTranscriber guards a transcriber with a circuit breaker. There is
// no fallback chain and no retry on this path: utterances arrive
// continuously, so when the provider is down the cheapest correct behaviour
// is to drop the clip immediately and let the breaker state surface the
// outage on /statusz.
type BreakerTranscriber struct {
	inner   stt.Transcriber
	breaker *CircuitBreaker
}

var _ stt.Transcriber = (*BreakerTranscriber)(nil)

// NewBreakerTranscriber wraps inner with a breaker. An empty cfg.Name
// defaults to "stt".
func NewBreakerTranscriber(inner stt.Transcriber, cfg CircuitBreakerConfig) *BreakerTranscriber {
	if cfg.Name == "" {
		cfg.Name = "stt"
	}
	return &BreakerTranscriber{
		inner:   inner,
		breaker: NewCircuitBreaker(cfg),
	}
}

// Transcribe implements [stt.Transcriber]. With the breaker open it returns
// [ErrCircuitOpen] without touching the provider.
func (b *BreakerTranscriber) Transcribe(ctx context.Context, wav []byte) (stt.Result, error) {
	var res stt.Result
	err := b.breaker.Execute(func() error {
		var callErr error
		res, callErr = b.inner.Transcribe(ctx, wav)
		return callErr
	})
	if err != nil {
		return stt.Result{}, err
	}
	return res, nil
}

// Open reports whether the breaker is currently rejecting calls. Wired into
// the status surface's health score.
func (b *BreakerTranscriber) Open() bool {
	return b.breaker.State() == StateOpen
}
