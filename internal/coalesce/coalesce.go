// Package coalesce merges rapid transcript fragments into one utterance.
//
// The segmenter finalizes early on brief pauses, so one spoken sentence often
// reaches the pipeline as several fragments a few hundred milliseconds apart.
// The [Coalescer] buffers fragments inside a sliding debounce window and
// forwards them as a single merged string, bounding both perceived latency
// and redundant responder calls.
package coalesce

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cronovoice/crono/internal/observe"
)

// Default debounce tuning. The extended window applies to fragments likely to
// be the start of a longer sentence: three words or fewer, or a trailing
// ellipsis from the transcription backend.
const (
	DefaultWindow         = 900 * time.Millisecond
	DefaultExtendedWindow = 1600 * time.Millisecond
	DefaultMaxParts       = 4

	shortFragmentWords = 3
)

// Coalescer buffers transcript fragments and flushes them merged. Safe for
// concurrent use; the forward callback may run on a timer goroutine and must
// not block for long.
type Coalescer struct {
	forward  func(text string)
	window   time.Duration
	extended time.Duration
	maxParts int
	metrics  *observe.Metrics

	mu    sync.Mutex
	parts []string
	timer *time.Timer
	gen   uint64
}

// Option is a functional option for configuring a Coalescer.
type Option func(*Coalescer)

// WithWindow sets the standard debounce window. Zero disables buffering
// entirely: every fragment is forwarded as-is the moment it arrives.
func WithWindow(d time.Duration) Option {
	return func(c *Coalescer) {
		if d >= 0 {
			c.window = d
		}
	}
}

// WithExtendedWindow sets the window used for short or trailing fragments.
func WithExtendedWindow(d time.Duration) Option {
	return func(c *Coalescer) {
		if d > 0 {
			c.extended = d
		}
	}
}

// WithMaxParts caps how many fragments may pend before an immediate flush.
func WithMaxParts(n int) Option {
	return func(c *Coalescer) {
		if n >= 1 {
			c.maxParts = n
		}
	}
}

// WithMetrics overrides the metrics instance, for tests that inspect
// instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coalescer) {
		if m != nil {
			c.metrics = m
		}
	}
}

// New returns a Coalescer passing merged utterances to forward.
func New(forward func(text string), opts ...Option) *Coalescer {
	c := &Coalescer{
		forward:  forward,
		window:   DefaultWindow,
		extended: DefaultExtendedWindow,
		maxParts: DefaultMaxParts,
		metrics:  observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Tune replaces the debounce windows and the parts cap at runtime. Out-of-range
// values keep the current setting. A window already armed keeps the duration it
// was armed with; the new values apply from the next fragment on.
func (c *Coalescer) Tune(window, extended time.Duration, maxParts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if window >= 0 {
		c.window = window
	}
	if extended > 0 {
		c.extended = extended
	}
	if maxParts >= 1 {
		c.maxParts = maxParts
	}
}

// Add accepts one transcript fragment. With buffering disabled it forwards
// immediately; otherwise the fragment pends until the debounce window closes
// without a successor, or until the parts cap forces a flush.
func (c *Coalescer) Add(text string) {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	if c.window <= 0 {
		c.mu.Unlock()
		if text != "" {
			c.forward(text)
		}
		return
	}
	c.parts = append(c.parts, text)
	if len(c.parts) >= c.maxParts {
		merged, parts := c.takeLocked()
		c.mu.Unlock()
		c.deliver(merged, parts)
		return
	}

	window := c.window
	if extendedWindow(text) {
		window = c.extended
	}
	// A new fragment supersedes any armed timer. The generation counter makes
	// that race-free: a timer that already fired but has not taken the lock
	// yet will observe the bumped generation and give up instead of flushing
	// a window that was just restarted.
	c.gen++
	gen := c.gen
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(window, func() { c.flushExpired(gen) })
	c.mu.Unlock()
}

// Flush forwards any pending fragments immediately. Used on shutdown so a
// half-coalesced utterance is not lost.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	merged, parts := c.takeLocked()
	c.mu.Unlock()
	c.deliver(merged, parts)
}

// Pending returns the number of buffered fragments.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.parts)
}

// flushExpired is the timer callback for the debounce window armed at gen.
func (c *Coalescer) flushExpired(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	merged, parts := c.takeLocked()
	c.mu.Unlock()
	c.deliver(merged, parts)
}

// takeLocked stops the timer, invalidates armed generations, and drains the
// pending list into a single space-joined string. Empty fragments are
// dropped from the join. Caller holds mu.
func (c *Coalescer) takeLocked() (merged string, parts int) {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if len(c.parts) == 0 {
		return "", 0
	}
	kept := make([]string, 0, len(c.parts))
	for _, p := range c.parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	c.parts = nil
	return strings.Join(kept, " "), len(kept)
}

// deliver forwards a merged utterance, skipping empty merges.
func (c *Coalescer) deliver(merged string, parts int) {
	if merged == "" {
		return
	}
	if parts > 1 {
		c.metrics.RecordUtterance(context.Background(), "merged")
		slog.Debug("fragments coalesced", "parts", parts, "chars", len(merged))
	}
	c.forward(merged)
}

// extendedWindow reports whether a fragment should hold the window open
// longer: likely sentence starts (three words or fewer) and fragments the
// backend marked as trailing off.
func extendedWindow(text string) bool {
	if len(strings.Fields(text)) <= shortFragmentWords {
		return true
	}
	return strings.HasSuffix(text, "...") || strings.HasSuffix(text, "…")
}
