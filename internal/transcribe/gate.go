// Package transcribe bridges the voice engine and a speech-to-text provider.
// The gate wraps each finished PCM segment in a WAV container, submits it
// with a bounded timeout, filters transcripts the provider is known to
// produce from silence, and emits the surviving text to the next stage.
//
// The gate never retries: a dropped utterance costs the user one repetition,
// which is cheaper than replying to stale audio seconds later. Provider
// failures are reported back to the engine (which logs and drops) and to the
// stats sink so the health score can reflect a failing backend.
package transcribe

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"

	"github.com/cronovoice/crono/internal/engine"
	"github.com/cronovoice/crono/internal/observe"
	"github.com/cronovoice/crono/pkg/audio"
	"github.com/cronovoice/crono/pkg/provider/stt"
)

// DefaultTimeout bounds a single transcription request. It is sized at about
// twice the worst observed backend latency for a max-length (15 s) clip so a
// slow request cannot occupy a pool worker indefinitely.
const DefaultTimeout = 30 * time.Second

// hallucinations are transcripts whisper-family models produce from silence
// or breathing noise: politeness fillers in Portuguese and English, subtitle
// sign-offs, and bare punctuation. Matched against the lowered, trimmed
// transcript.
var hallucinations = map[string]struct{}{
	"obrigado":            {},
	"muito obrigado":      {},
	"de nada":             {},
	"valeu":               {},
	"tchau":               {},
	"thank you":           {},
	"thanks":              {},
	"thanks for watching": {},
	"you're welcome":      {},
	"bye":                 {},
	"...":                 {},
	"[silêncio]":          {},
	"[pausa]":             {},
}

// StatsSink receives transcription outcomes for health accounting. The status
// collector implements it; a nil sink disables accounting.
type StatsSink interface {
	RecordSTT(ok bool, d time.Duration)
}

// Gate is the transcription stage between the engine's dispatch pool and the
// intent pipeline. It implements [engine.Dispatcher]; the engine calls
// Dispatch from a bounded pool, so the gate must be safe for a handful of
// concurrent calls.
type Gate struct {
	provider stt.Transcriber
	name     string
	timeout  time.Duration
	emit     func(text string)
	stats    StatsSink
	metrics  *observe.Metrics
}

var _ engine.Dispatcher = (*Gate)(nil)

// Option is a functional option for configuring a Gate.
type Option func(*Gate)

// WithTimeout overrides the per-request transcription timeout.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithProviderName sets the provider label used in logs, metrics, and spans.
func WithProviderName(name string) Option {
	return func(g *Gate) {
		if name != "" {
			g.name = name
		}
	}
}

// WithStats attaches a sink for request/success accounting.
func WithStats(s StatsSink) Option {
	return func(g *Gate) { g.stats = s }
}

// WithMetrics overrides the metrics instance, for tests that inspect
// instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gate) {
		if m != nil {
			g.metrics = m
		}
	}
}

// NewGate returns a Gate submitting segments to provider and passing accepted
// transcripts to emit. emit is called from dispatch goroutines, one call per
// accepted transcript; the downstream stage must tolerate that concurrency.
func NewGate(provider stt.Transcriber, emit func(text string), opts ...Option) *Gate {
	g := &Gate{
		provider: provider,
		name:     "stt",
		timeout:  DefaultTimeout,
		emit:     emit,
		metrics:  observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Dispatch implements [engine.Dispatcher]. The returned error reports a
// provider failure; filtered transcripts are not errors.
func (g *Gate) Dispatch(ctx context.Context, u engine.Utterance) error {
	wav := audio.EncodeWAV(u.PCM, u.SampleRate, 1)

	ctx, span := observe.StartSpan(ctx, "transcribe utterance",
		trace.WithAttributes(observe.Attr("provider", g.name)),
	)
	defer span.End()

	reqCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	g.metrics.ActiveTranscriptions.Add(ctx, 1)
	start := time.Now()
	res, err := g.provider.Transcribe(reqCtx, wav)
	elapsed := time.Since(start)
	g.metrics.ActiveTranscriptions.Add(ctx, -1)

	g.metrics.STTDuration.Record(ctx, elapsed.Seconds())
	if g.stats != nil {
		g.stats.RecordSTT(err == nil, elapsed)
	}
	if err != nil {
		g.metrics.RecordProviderRequest(ctx, g.name, "stt", "error")
		g.metrics.RecordProviderError(ctx, g.name, "stt")
		g.metrics.RecordUtterance(ctx, "failed")
		return fmt.Errorf("transcribe: %w", err)
	}
	g.metrics.RecordProviderRequest(ctx, g.name, "stt", "ok")

	text := strings.ToLower(strings.TrimSpace(res.Text))
	if discardable(text) {
		g.metrics.RecordUtterance(ctx, "filtered")
		observe.Logger(ctx).Debug("transcript filtered",
			"text", text,
			"audio_duration", u.Duration(),
		)
		return nil
	}

	g.metrics.RecordUtterance(ctx, "transcribed")
	observe.Logger(ctx).Info("utterance transcribed",
		"chars", len(text),
		"audio_duration", u.Duration(),
		"stt_duration", elapsed,
	)
	g.emit(text)
	return nil
}

// discardable reports whether a lowered, trimmed transcript is silence in
// disguise: empty, a single character, or a known filler the model emits
// when it hears nothing.
func discardable(text string) bool {
	if utf8.RuneCountInString(text) < 2 {
		return true
	}
	_, known := hallucinations[text]
	return known
}
