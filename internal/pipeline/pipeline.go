// Package pipeline turns merged user utterances into spoken replies.
//
// A single worker pulls from a one-slot inbox: submitting while a response is
// in flight replaces whatever was waiting, so the assistant always answers
// the newest thing said instead of building a backlog of stale questions.
// The responder itself is opaque; anything that can map text to text plugs
// in behind the [Responder] interface.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cronovoice/crono/internal/observe"
)

// DefaultResponseTimeout bounds one Respond call.
const DefaultResponseTimeout = 60 * time.Second

// Responder maps a user utterance to a reply. Implementations must be safe
// for sequential reuse; the pipeline never calls Respond concurrently.
type Responder interface {
	Respond(ctx context.Context, utterance string) (string, error)
}

// Speaker receives the reply sentences for playback. Implemented by the
// speaking coordinator.
type Speaker interface {
	Speak(ctx context.Context, sentences <-chan string) error
}

// Canned is a trivial Responder with a fixed reply, used when no external
// intent pipeline is configured.
type Canned struct {
	Reply string
}

// Respond implements [Responder].
func (c Canned) Respond(context.Context, string) (string, error) {
	return c.Reply, nil
}

// Pipeline is the single-worker utterance processor. All exported methods
// are safe for concurrent use.
type Pipeline struct {
	responder Responder
	speaker   Speaker
	timeout   time.Duration
	minChunk  int
	metrics   *observe.Metrics

	mu         sync.Mutex
	pending    string
	hasPending bool
	busy       bool
	cancel     context.CancelFunc
	closed     bool

	wake chan struct{}
	done chan struct{}
}

// Option is a functional option for configuring a Pipeline.
type Option func(*Pipeline)

// WithTimeout overrides the per-response deadline.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithMinChunk overrides the minimum sentence-fragment length.
func WithMinChunk(runes int) Option {
	return func(p *Pipeline) {
		if runes > 0 {
			p.minChunk = runes
		}
	}
}

// WithMetrics overrides the metrics instance, for tests that inspect
// instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// New returns a running Pipeline answering through responder and speaking
// through speaker. Call Close to stop the worker.
func New(responder Responder, speaker Speaker, opts ...Option) *Pipeline {
	p := &Pipeline{
		responder: responder,
		speaker:   speaker,
		timeout:   DefaultResponseTimeout,
		minChunk:  defaultMinChunk,
		metrics:   observe.DefaultMetrics(),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	go p.worker()
	return p
}

// Submit hands a merged utterance to the worker. While a response is in
// flight the utterance parks in the pending slot; a newer Submit replaces it.
func (p *Pipeline) Submit(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.hasPending {
		slog.Info("pending utterance replaced by newer speech", "discarded_chars", len(p.pending))
	}
	p.pending = text
	p.hasPending = true
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// CancelActive aborts the in-flight response and drops any pending
// utterance. Called on barge-in: the user has moved on, so both the answer
// being computed and the question waiting behind it are stale.
func (p *Pipeline) CancelActive() {
	p.mu.Lock()
	cancel := p.cancel
	hadPending := p.hasPending
	p.pending = ""
	p.hasPending = false
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if hadPending {
		slog.Debug("pending utterance dropped on interrupt")
	}
}

// Busy reports whether a response is currently being computed or spoken.
func (p *Pipeline) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// Close stops the worker and cancels the in-flight response. Idempotent.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.cancel
	p.pending = ""
	p.hasPending = false
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	close(p.done)
	return nil
}

func (p *Pipeline) worker() {
	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
		}
		for {
			text, ok := p.takePending()
			if !ok {
				break
			}
			p.process(text)
		}
	}
}

// takePending claims the pending utterance, marking the worker busy while one
// exists and idle once the slot is empty.
func (p *Pipeline) takePending() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasPending {
		p.busy = false
		return "", false
	}
	text := p.pending
	p.pending = ""
	p.hasPending = false
	p.busy = true
	return text, true
}

// process runs one utterance through the responder and hands the reply
// sentences to the speaker. The response context is cancellable via
// CancelActive; playback is not tied to it, interrupting playback is the
// coordinator's job.
func (p *Pipeline) process(text string) {
	respCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.cancel = nil
		p.mu.Unlock()
		cancel()
	}()

	respCtx, span := observe.StartSpan(respCtx, "respond utterance")
	defer span.End()

	ctx, cancelTimeout := context.WithTimeout(respCtx, p.timeout)
	defer cancelTimeout()

	start := time.Now()
	reply, err := p.responder.Respond(ctx, text)
	elapsed := time.Since(start)
	p.metrics.ResponderDuration.Record(respCtx, elapsed.Seconds())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Debug("response cancelled", "elapsed", elapsed)
			return
		}
		p.metrics.RecordProviderError(respCtx, "responder", "respond")
		p.metrics.RecordProviderRequest(respCtx, "responder", "respond", "error")
		slog.Warn("responder failed", "error", err, "elapsed", elapsed)
		return
	}
	p.metrics.RecordProviderRequest(respCtx, "responder", "respond", "ok")

	reply = strings.TrimSpace(reply)
	if reply == "" {
		return
	}

	fragments := splitSentences(reply, p.minChunk)
	sentences := make(chan string, len(fragments))
	for _, f := range fragments {
		sentences <- f
	}
	close(sentences)

	if err := p.speaker.Speak(context.Background(), sentences); err != nil {
		slog.Warn("reply playback failed to start", "error", err)
	}
	observe.Logger(respCtx).Info("utterance answered",
		"utterance_chars", len(text),
		"reply_chars", len(reply),
		"fragments", len(fragments),
		"responder_duration", elapsed,
	)
}
