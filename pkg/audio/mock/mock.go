// Package mock provides in-memory implementations of [audio.CaptureDevice]
// and [audio.PlaybackDevice] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so that tests
// can assert on counts and payloads, and they expose exported fields the test
// can set to control behaviour.
//
// Typical usage:
//
//	dev := mock.NewCaptureDevice(16000)
//	dev.EnqueuePCM(speechFrame, speechFrame, silenceFrame)
//	dev.WhenEmpty = mock.SilenceWhenEmpty
//	frame, err := dev.ReadFrame(ctx)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/cronovoice/crono/pkg/audio"
)

// ─── CaptureDevice ────────────────────────────────────────────────────────────

// EmptyBehavior controls what a [CaptureDevice] does once its script runs out.
type EmptyBehavior int

const (
	// BlockWhenEmpty blocks ReadFrame until ctx is cancelled, more frames are
	// enqueued, or the device is closed. This is the default.
	BlockWhenEmpty EmptyBehavior = iota

	// SilenceWhenEmpty returns all-zero frames forever, emulating an open mic
	// in a quiet room.
	SilenceWhenEmpty

	// CloseWhenEmpty returns [audio.ErrDeviceClosed] once the script is
	// exhausted.
	CloseWhenEmpty
)

// readStep is one scripted ReadFrame outcome: either a PCM payload or an error.
type readStep struct {
	pcm []byte
	err error
}

// CaptureDevice is a scripted implementation of [audio.CaptureDevice].
// Enqueue PCM payloads and errors before (or while) the engine reads.
type CaptureDevice struct {
	// WhenEmpty selects the post-script behaviour. Must be set before the
	// first ReadFrame that drains the script.
	WhenEmpty EmptyBehavior

	// ReadDelay, when non-zero, is slept before each successful read to
	// emulate the real-time pacing of a blocking driver.
	ReadDelay time.Duration

	mu        sync.Mutex
	cond      *sync.Cond
	script    []readStep
	closed    bool
	frameLen  int
	rate      int
	elapsed   time.Duration
	readCount int
}

var _ audio.CaptureDevice = (*CaptureDevice)(nil)

// NewCaptureDevice returns a device producing mono frames at sampleRate with
// the default 30 ms frame length.
func NewCaptureDevice(sampleRate int) *CaptureDevice {
	d := &CaptureDevice{
		rate:     sampleRate,
		frameLen: audio.FrameBytes(sampleRate, audio.DefaultFrameDuration),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// EnqueuePCM appends PCM payloads to the script, one per ReadFrame call.
func (d *CaptureDevice) EnqueuePCM(frames ...[]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range frames {
		d.script = append(d.script, readStep{pcm: f})
	}
	d.cond.Broadcast()
}

// EnqueueError appends a transient read error to the script.
func (d *CaptureDevice) EnqueueError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append(d.script, readStep{err: err})
	d.cond.Broadcast()
}

// ReadCount reports how many ReadFrame calls have completed (including
// scripted errors and synthetic silence).
func (d *CaptureDevice) ReadCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readCount
}

// ReadFrame implements [audio.CaptureDevice].
func (d *CaptureDevice) ReadFrame(ctx context.Context) (audio.Frame, error) {
	if d.ReadDelay > 0 {
		select {
		case <-time.After(d.ReadDelay):
		case <-ctx.Done():
			return audio.Frame{}, ctx.Err()
		}
	}

	d.mu.Lock()
	for len(d.script) == 0 && !d.closed && d.WhenEmpty == BlockWhenEmpty {
		if ctx.Err() != nil {
			d.mu.Unlock()
			return audio.Frame{}, ctx.Err()
		}
		// Wake periodically so context cancellation is observed.
		waker := time.AfterFunc(5*time.Millisecond, d.cond.Broadcast)
		d.cond.Wait()
		waker.Stop()
	}
	defer d.mu.Unlock()

	if d.closed {
		return audio.Frame{}, audio.ErrDeviceClosed
	}

	if len(d.script) == 0 {
		switch d.WhenEmpty {
		case SilenceWhenEmpty:
			d.readCount++
			return d.frameLocked(make([]byte, d.frameLen)), nil
		default: // CloseWhenEmpty
			return audio.Frame{}, audio.ErrDeviceClosed
		}
	}

	step := d.script[0]
	d.script = d.script[1:]
	d.readCount++
	if step.err != nil {
		return audio.Frame{}, step.err
	}
	return d.frameLocked(step.pcm), nil
}

// frameLocked stamps a payload with the device format and advances the clock.
// Caller holds d.mu.
func (d *CaptureDevice) frameLocked(pcm []byte) audio.Frame {
	f := audio.Frame{
		Data:       pcm,
		SampleRate: d.rate,
		Channels:   1,
		Timestamp:  d.elapsed,
	}
	d.elapsed += f.Duration()
	return f
}

// Close implements [audio.CaptureDevice]. Safe to call more than once.
func (d *CaptureDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.cond.Broadcast()
	return nil
}

// ─── PlaybackDevice ───────────────────────────────────────────────────────────

// PlaybackDevice is a recording implementation of [audio.PlaybackDevice].
type PlaybackDevice struct {
	// WriteErr, when non-nil, is returned by every Write call.
	WriteErr error

	// WriteDelay, when non-zero, is slept inside each Write to emulate a
	// blocking driver.
	WriteDelay time.Duration

	mu     sync.Mutex
	chunks [][]byte
	closed bool
}

var _ audio.PlaybackDevice = (*PlaybackDevice)(nil)

// Write implements [audio.PlaybackDevice]. The chunk is copied before being
// recorded so callers may reuse the slice.
func (d *PlaybackDevice) Write(ctx context.Context, pcm []byte) error {
	if d.WriteDelay > 0 {
		select {
		case <-time.After(d.WriteDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return audio.ErrDeviceClosed
	}
	if d.WriteErr != nil {
		return d.WriteErr
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	d.chunks = append(d.chunks, cp)
	return nil
}

// Chunks returns a snapshot of every chunk written so far.
func (d *PlaybackDevice) Chunks() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.chunks))
	copy(out, d.chunks)
	return out
}

// BytesWritten returns the total payload size written so far.
func (d *PlaybackDevice) BytesWritten() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.chunks {
		n += len(c)
	}
	return n
}

// Close implements [audio.PlaybackDevice]. Safe to call more than once.
func (d *PlaybackDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
