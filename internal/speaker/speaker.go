// Package speaker coordinates speech playback against the capture engine.
//
// The [Coordinator] owns the playback side of the full-duplex loop: it feeds
// response sentences to a TTS backend, queues the resulting audio streams in
// FIFO order, and plays them on the output device from a single dispatch
// goroutine. It raises the engine's speaking flag before the first chunk of a
// segment reaches the device and lowers it when the queue drains, which is
// what arms echo suppression and the post-playback cooldown on the capture
// side.
//
// Interrupt stops the current segment mid-stream and drops everything queued
// behind it. A second interrupt arriving within the cooldown of a handled one
// is ignored, so one burst of barge-in speech cannot cancel the reply to
// itself.
package speaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cronovoice/crono/internal/observe"
	"github.com/cronovoice/crono/pkg/audio"
	"github.com/cronovoice/crono/pkg/provider/tts"
)

// DefaultInterruptCooldown is how long after a handled interrupt further
// interrupt requests are ignored.
const DefaultInterruptCooldown = 1200 * time.Millisecond

// ErrClosed is returned by Speak and Say after Close.
var ErrClosed = errors.New("speaker: coordinator closed")

// SpeakingSink receives speaking-state transitions. The capture engine
// implements it; a nil sink disables the feedback.
type SpeakingSink interface {
	SetSpeaking(speaking bool)
}

// StatsSink receives playback timings for the status report. A nil sink
// disables the reporting.
type StatsSink interface {
	// RecordTTS is called once per segment with the synthesis latency to
	// the first audio chunk.
	RecordTTS(d time.Duration)
	// RecordSpeaking is called when a segment finishes, with the time its
	// audio occupied the device.
	RecordSpeaking(d time.Duration)
}

// segment is one synthesis stream queued for playback.
type segment struct {
	ctx     context.Context
	cancel  context.CancelFunc
	audio   <-chan []byte
	created time.Time
}

// Coordinator schedules synthesized speech on a playback device. All
// exported methods are safe for concurrent use.
type Coordinator struct {
	device   audio.PlaybackDevice
	syn      tts.Synthesizer
	engine   SpeakingSink
	cooldown time.Duration
	metrics  *observe.Metrics
	stats    StatsSink

	mu            sync.Mutex
	queue         []*segment
	playing       *segment
	speaking      bool
	lastInterrupt time.Time
	closed        bool

	notify chan struct{}
	done   chan struct{}
}

// Option is a functional option for configuring a Coordinator.
type Option func(*Coordinator)

// WithInterruptCooldown overrides the repeat-interrupt ignore window.
func WithInterruptCooldown(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.cooldown = d
		}
	}
}

// WithMetrics overrides the metrics instance, for tests that inspect
// instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithStats attaches a sink for synthesis and playback timings.
func WithStats(s StatsSink) Option {
	return func(c *Coordinator) {
		c.stats = s
	}
}

// New returns a Coordinator playing synthesized speech on device. The
// dispatch goroutine starts immediately; call Close to stop it.
func New(device audio.PlaybackDevice, syn tts.Synthesizer, sink SpeakingSink, opts ...Option) *Coordinator {
	c := &Coordinator{
		device:   device,
		syn:      syn,
		engine:   sink,
		cooldown: DefaultInterruptCooldown,
		metrics:  observe.DefaultMetrics(),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	go c.dispatch()
	return c
}

// Speak starts synthesis of the sentence stream and queues the resulting
// audio as one playback segment. Cancelling ctx stops both the synthesis and
// the segment's playback. The returned error reports only a failure to start
// the stream.
func (c *Coordinator) Speak(ctx context.Context, sentences <-chan string) error {
	segCtx, cancel := context.WithCancel(ctx)
	audioCh, err := c.syn.Synthesize(segCtx, sentences)
	if err != nil {
		cancel()
		return fmt.Errorf("speaker: start synthesis: %w", err)
	}
	seg := &segment{ctx: segCtx, cancel: cancel, audio: audioCh, created: time.Now()}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		go audio.Drain(audioCh)
		return ErrClosed
	}
	c.queue = append(c.queue, seg)
	depth := len(c.queue)
	c.mu.Unlock()

	c.metrics.QueuedSegments.Add(context.Background(), 1)
	slog.Debug("speech segment queued", "queue_depth", depth)

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Say queues a single utterance for playback. Empty text is a no-op.
func (c *Coordinator) Say(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	sentences := make(chan string, 1)
	sentences <- text
	close(sentences)
	return c.Speak(context.Background(), sentences)
}

// Interrupt stops the current segment mid-stream and drops all queued
// segments. A no-op when nothing is playing or queued; ignored inside the
// cooldown window of the previous handled interrupt.
func (c *Coordinator) Interrupt() {
	now := time.Now()

	c.mu.Lock()
	if c.playing == nil && len(c.queue) == 0 {
		c.mu.Unlock()
		return
	}
	if !c.lastInterrupt.IsZero() && now.Sub(c.lastInterrupt) < c.cooldown {
		c.mu.Unlock()
		slog.Debug("interrupt ignored inside cooldown")
		return
	}
	c.lastInterrupt = now
	dropped := len(c.queue)
	if c.playing != nil {
		c.playing.cancel()
	}
	for _, seg := range c.queue {
		seg.cancel()
		go audio.Drain(seg.audio)
		c.metrics.QueuedSegments.Add(context.Background(), -1)
	}
	c.queue = nil
	c.mu.Unlock()

	slog.Info("playback interrupted", "dropped_segments", dropped)
}

// Speaking reports whether a segment is currently audible.
func (c *Coordinator) Speaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaking
}

// Busy reports whether any segment is playing, still synthesizing, or queued.
// Unlike [Coordinator.Speaking] it is true from the moment Speak accepts a
// stream, before the first audio chunk arrives.
func (c *Coordinator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing != nil || len(c.queue) != 0
}

// QueueLen returns the number of segments waiting behind the current one.
func (c *Coordinator) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Close stops the dispatch goroutine and abandons all playback. Idempotent.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.playing != nil {
		c.playing.cancel()
	}
	for _, seg := range c.queue {
		seg.cancel()
		go audio.Drain(seg.audio)
	}
	c.queue = nil
	c.mu.Unlock()

	close(c.done)
	return nil
}

// dispatch is the playback goroutine. It drains the queue segment by
// segment, then lowers the speaking flag once nothing is left.
func (c *Coordinator) dispatch() {
	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
		}

		for {
			seg, ok := c.dequeue()
			if !ok {
				break
			}
			c.metrics.QueuedSegments.Add(context.Background(), -1)
			c.play(seg)

			c.mu.Lock()
			if c.playing == seg {
				c.playing = nil
			}
			c.mu.Unlock()
		}
		c.lowerSpeaking()
	}
}

// dequeue pops the oldest segment and marks it playing.
func (c *Coordinator) dequeue() (*segment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil, false
	}
	seg := c.queue[0]
	c.queue = c.queue[1:]
	c.playing = seg
	return seg, true
}

// play streams one segment to the device until it ends or is cancelled. The
// speaking flag is raised just before the first chunk is written, so the
// engine arms echo suppression before any speaker output can reach the
// microphone.
func (c *Coordinator) play(seg *segment) {
	var started time.Time
	defer func() {
		if !started.IsZero() {
			c.metrics.PlaybackDuration.Record(context.Background(), time.Since(started).Seconds())
			if c.stats != nil {
				c.stats.RecordSpeaking(time.Since(started))
			}
		}
	}()

	for {
		select {
		case <-c.done:
			seg.cancel()
			go audio.Drain(seg.audio)
			return
		case <-seg.ctx.Done():
			go audio.Drain(seg.audio)
			return
		case chunk, ok := <-seg.audio:
			if !ok {
				return
			}
			if started.IsZero() {
				started = time.Now()
				c.raiseSpeaking()
				c.metrics.TTSDuration.Record(context.Background(), started.Sub(seg.created).Seconds())
				if c.stats != nil {
					c.stats.RecordTTS(started.Sub(seg.created))
				}
			}
			if err := c.device.Write(seg.ctx, chunk); err != nil {
				if errors.Is(err, audio.ErrDeviceClosed) || errors.Is(err, context.Canceled) {
					seg.cancel()
					go audio.Drain(seg.audio)
					return
				}
				slog.Warn("playback write failed", "error", err)
			}
		}
	}
}

func (c *Coordinator) raiseSpeaking() {
	c.mu.Lock()
	if c.speaking {
		c.mu.Unlock()
		return
	}
	c.speaking = true
	c.mu.Unlock()
	if c.engine != nil {
		c.engine.SetSpeaking(true)
	}
}

// lowerSpeaking drops the flag only when the queue is genuinely drained, so
// back-to-back segments do not flap the engine's cooldown.
func (c *Coordinator) lowerSpeaking() {
	c.mu.Lock()
	if !c.speaking || len(c.queue) != 0 || c.playing != nil {
		c.mu.Unlock()
		return
	}
	c.speaking = false
	c.mu.Unlock()

	if c.engine != nil {
		c.engine.SetSpeaking(false)
	}
	slog.Debug("playback drained")
}
