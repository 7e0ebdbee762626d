// Package engine implements the full-duplex voice activity core: a frame
// classifier that separates user speech from silence, background noise, and
// the assistant's own playback echo, plus the segmenter that turns confirmed
// speech into utterance buffers for transcription.
//
// One Engine owns one capture device. Every 30 ms frame flows through RMS
// energy measurement, an adaptive noise-floor threshold, and, while the
// assistant is speaking, a barge-in detector that tracks playback echo as a
// moving baseline. Confirmed speech is accumulated by a small state machine
// (idle, confirming, recording) and handed to a [Dispatcher] once the
// speaker goes quiet or the recording cap is hit.
//
// The playback side feeds its state back in through [Engine.SetSpeaking];
// wake/standby handling gates the microphone with [Engine.SetListening]. A
// speech onset confirmed during playback raises the interrupt handler
// synchronously from the capture goroutine so output can be cut with no
// added latency.
//
// This package lives under internal/ because it encapsulates
// application-private processing logic and is not intended to be imported by
// external code.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cronovoice/crono/pkg/audio"
)

const (
	// DefaultStaticThreshold is the base RMS energy above which a frame is
	// speech-like, before adaptive adjustment.
	DefaultStaticThreshold = 250.0

	// DefaultConfirmFrames is how many speech frames confirm a voice onset.
	DefaultConfirmFrames = 2

	// DefaultSilenceEndFrames is how many silent frames end an utterance
	// (16 frames of 30 ms, ~480 ms).
	DefaultSilenceEndFrames = 16

	// DefaultMaxRecordingFrames caps a single recording (~15 s) so a stuck
	// microphone cannot grow the buffer without bound.
	DefaultMaxRecordingFrames = 500

	// DefaultMinUtteranceFrames is the length a recording must exceed to be
	// worth transcribing (~150 ms); anything at or below it is noise.
	DefaultMinUtteranceFrames = 5

	// DefaultBargeInGuard suppresses barge-in detection just after playback
	// starts, while the output onset floods the microphone.
	DefaultBargeInGuard = 250 * time.Millisecond

	// DefaultPostTTSCooldown mutes frame processing briefly after playback
	// stops so the echo tail is not mistaken for user speech.
	DefaultPostTTSCooldown = 350 * time.Millisecond

	// DefaultCalibrationMultiplier scales the median ambient energy measured
	// by [Engine.Calibrate] into a static threshold.
	DefaultCalibrationMultiplier = 2.0

	// DefaultTranscriptionWorkers bounds concurrent utterance dispatches.
	DefaultTranscriptionWorkers = 3

	// DefaultStopTimeout is how long Stop waits for the capture goroutine.
	DefaultStopTimeout = 5 * time.Second

	// defaultEventBuf is the default buffer depth of the events channel.
	defaultEventBuf = 32
)

// ErrAlreadyStarted is returned by Start when the engine is or was running.
// An Engine is single-use: create a new one instead of restarting.
var ErrAlreadyStarted = errors.New("engine: already started")

// Utterance is a finished speech segment leaving the engine. The PCM is a
// private copy; ownership transfers to the dispatcher.
type Utterance struct {
	// PCM is mono little-endian int16 audio.
	PCM []byte

	// SampleRate of the PCM in Hz.
	SampleRate int

	// Frames is the number of capture frames the segment spans.
	Frames int
}

// Duration returns the play time of the utterance audio.
func (u Utterance) Duration() time.Duration {
	if u.SampleRate <= 0 {
		return 0
	}
	samples := len(u.PCM) / audio.BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(u.SampleRate)
}

// Dispatcher receives finished utterances from the engine, one call per
// utterance, from a bounded pool of dispatch goroutines. Implementations own
// the audio from the moment Dispatch is called and handle transcription
// failures themselves; the returned error is logged by the engine and the
// utterance is dropped, never retried.
type Dispatcher interface {
	Dispatch(ctx context.Context, u Utterance) error
}

// DispatcherFunc adapts a function to the [Dispatcher] interface.
type DispatcherFunc func(ctx context.Context, u Utterance) error

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, u Utterance) error { return f(ctx, u) }

// EventKind enumerates engine notifications.
type EventKind int

const (
	// EventSpeechStart fires when a voice onset is confirmed.
	EventSpeechStart EventKind = iota

	// EventBargeIn fires when the onset was confirmed during playback.
	EventBargeIn

	// EventUtteranceDispatched fires when a finished buffer is handed to the
	// dispatcher pool.
	EventUtteranceDispatched

	// EventUtteranceDiscarded fires when a finished buffer is dropped, either
	// below the minimum viable length or because the pool was saturated.
	EventUtteranceDiscarded
)

// String returns the kind's wire name.
func (k EventKind) String() string {
	switch k {
	case EventSpeechStart:
		return "speech_start"
	case EventBargeIn:
		return "barge_in"
	case EventUtteranceDispatched:
		return "utterance_dispatched"
	case EventUtteranceDiscarded:
		return "utterance_discarded"
	default:
		return "unknown"
	}
}

// Event is a notification published on [Engine.Events].
type Event struct {
	Kind EventKind

	// At is when the triggering frame was processed.
	At time.Time

	// Energy is the RMS energy of the triggering frame.
	Energy float64

	// Frames is the utterance buffer length for dispatch/discard events.
	Frames int
}

// Snapshot is a point-in-time copy of the engine's observable state, safe to
// read after the engine has moved on. Served verbatim on the status surface.
type Snapshot struct {
	Running   bool  `json:"running"`
	Speaking  bool  `json:"speaking"`
	Listening bool  `json:"listening"`
	State     State `json:"state"`

	LastEnergy    float64 `json:"last_energy"`
	LastThreshold float64 `json:"last_threshold"`
	NoiseFloor    float64 `json:"noise_floor"`
	BufferFrames  int     `json:"buffer_frames"`

	TotalFrames     uint64 `json:"total_frames"`
	SpeechConfirmed uint64 `json:"speech_confirmed"`
	Dispatched      uint64 `json:"utterances_dispatched"`
	Discarded       uint64 `json:"utterances_discarded"`
	BargeIns        uint64 `json:"barge_ins"`
}

// Engine runs the capture loop and the VAD/barge-in state machine for one
// input device.
//
// All exported methods are safe for concurrent use. The mutex covers the
// classifier chain and segmenter as one unit: threshold state, barge-in
// baseline, and segmenter counters change together, once per frame.
type Engine struct {
	device audio.CaptureDevice
	gate   Dispatcher

	confirmFrames    int
	silenceEndFrames int
	maxFrames        int
	minFrames        int
	guard            time.Duration
	cooldown         time.Duration
	calibrationMult  float64
	stopTimeout      time.Duration
	eventBuf         int

	sem    *semaphore.Weighted
	events chan Event

	onInterrupt atomic.Pointer[func()]

	mu          sync.Mutex
	est         *thresholdEstimator
	barge       *bargeInDetector
	seg         *segmenter
	speaking    bool
	listening   bool
	ignoreUntil time.Time

	lastEnergy      float64
	lastThreshold   float64
	totalFrames     uint64
	speechConfirmed uint64
	dispatched      uint64
	discarded       uint64
	bargeIns        uint64

	started bool
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option is a functional option for configuring an Engine during construction.
type Option func(*Engine)

// WithStaticThreshold overrides the base silence threshold.
func WithStaticThreshold(v float64) Option {
	return func(e *Engine) {
		if v > 0 {
			e.est = newThresholdEstimator(v)
		}
	}
}

// WithConfirmFrames overrides how many speech frames confirm a voice onset.
func WithConfirmFrames(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.confirmFrames = n
		}
	}
}

// WithSilenceEndFrames overrides how many silent frames end an utterance.
func WithSilenceEndFrames(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.silenceEndFrames = n
		}
	}
}

// WithMaxRecordingFrames overrides the recording length cap.
func WithMaxRecordingFrames(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxFrames = n
		}
	}
}

// WithMinUtteranceFrames overrides the minimum viable utterance length.
func WithMinUtteranceFrames(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.minFrames = n
		}
	}
}

// WithBargeInGuard overrides the post-playback-start guard window.
func WithBargeInGuard(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.guard = d
		}
	}
}

// WithPostTTSCooldown overrides the microphone cooldown after playback stops.
func WithPostTTSCooldown(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.cooldown = d
		}
	}
}

// WithCalibrationMultiplier overrides the ambient-energy multiplier used by
// [Engine.Calibrate].
func WithCalibrationMultiplier(f float64) Option {
	return func(e *Engine) {
		if f > 0 {
			e.calibrationMult = f
		}
	}
}

// WithTranscriptionWorkers overrides the dispatch pool size. Default is 3.
func WithTranscriptionWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithStopTimeout overrides how long [Engine.Stop] waits for the capture
// goroutine before abandoning it.
func WithStopTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.stopTimeout = d
		}
	}
}

// WithEventBuffer sets the buffer capacity of the channel returned by
// [Engine.Events]. Default is 32.
func WithEventBuffer(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.eventBuf = n
		}
	}
}

// New constructs an Engine reading from device and handing finished
// utterances to gate. The engine starts listening and idle; call
// [Engine.Start] to begin processing.
func New(device audio.CaptureDevice, gate Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		device:           device,
		gate:             gate,
		confirmFrames:    DefaultConfirmFrames,
		silenceEndFrames: DefaultSilenceEndFrames,
		maxFrames:        DefaultMaxRecordingFrames,
		minFrames:        DefaultMinUtteranceFrames,
		guard:            DefaultBargeInGuard,
		cooldown:         DefaultPostTTSCooldown,
		calibrationMult:  DefaultCalibrationMultiplier,
		stopTimeout:      DefaultStopTimeout,
		eventBuf:         defaultEventBuf,
		sem:              semaphore.NewWeighted(DefaultTranscriptionWorkers),
		est:              newThresholdEstimator(DefaultStaticThreshold),
		listening:        true,
		done:             make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	// Components that depend on option values are built after the loop.
	e.barge = newBargeInDetector(e.guard)
	e.seg = newSegmenter(e.confirmFrames, e.silenceEndFrames, e.maxFrames, e.minFrames)
	e.events = make(chan Event, e.eventBuf)
	return e
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

// Start launches the capture goroutine. The loop runs until ctx is
// cancelled, [Engine.Stop] is called, or the device is closed under it.
// An Engine cannot be restarted; Start returns [ErrAlreadyStarted] on any
// call after the first.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true
	e.running = true

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go e.run(runCtx)
	slog.Info("voice engine started",
		"static_threshold", e.est.staticThreshold(),
		"confirm_frames", e.confirmFrames,
		"silence_end_frames", e.silenceEndFrames,
	)
	return nil
}

// Stop signals the capture goroutine and waits for it to exit. If the
// goroutine does not return within the stop timeout (a device read stuck in
// the driver), it is abandoned and an error is returned.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started || !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	select {
	case <-e.done:
		slog.Info("voice engine stopped")
		return nil
	case <-time.After(e.stopTimeout):
		return fmt.Errorf("engine: capture loop did not exit within %s", e.stopTimeout)
	}
}

// run is the capture loop. It owns the device for the engine's lifetime:
// one blocking read per frame, every frame processed in arrival order.
func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	defer close(e.events)
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := e.device.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, audio.ErrDeviceClosed) || ctx.Err() != nil {
				return
			}
			// A single bad frame must not kill the session.
			slog.Warn("frame read failed", "error", err)
			continue
		}
		if len(frame.Data) == 0 {
			continue
		}
		e.processFrame(ctx, frame, time.Now())
	}
}

// ─── Frame processing ─────────────────────────────────────────────────────────

// processFrame pushes one frame through the classifier chain and segmenter.
// Interrupt and event delivery happen after the mutex is released so a
// handler may call back into the engine.
func (e *Engine) processFrame(ctx context.Context, frame audio.Frame, now time.Time) {
	energy := Energy(frame.Data)

	e.mu.Lock()
	e.totalFrames++
	e.lastEnergy = energy

	if !e.listening || now.Before(e.ignoreUntil) {
		e.seg.reset()
		e.mu.Unlock()
		return
	}

	e.est.observe(energy, e.speaking, e.seg.recording)
	threshold := e.est.effective(e.speaking)
	e.lastThreshold = threshold

	speaking := e.speaking
	var isSpeech bool
	if speaking {
		isSpeech = e.barge.detect(now, energy, threshold)
	} else {
		isSpeech = energy > threshold
	}

	ev := e.seg.process(frame.Data, isSpeech, speaking)

	interrupt := false
	if ev.confirmed {
		e.speechConfirmed++
		if speaking {
			e.bargeIns++
			interrupt = true
		}
	}
	var finished *Utterance
	if ev.finished && ev.utterance != nil {
		finished = &Utterance{PCM: ev.utterance, SampleRate: frame.SampleRate, Frames: ev.frames}
	}
	if ev.finished && ev.utterance == nil {
		e.discarded++
	}
	e.mu.Unlock()

	if interrupt {
		// Cut playback before anything else; every frame of delay is audible.
		e.fireInterrupt()
		e.emit(Event{Kind: EventBargeIn, At: now, Energy: energy})
	}
	if ev.confirmed {
		e.emit(Event{Kind: EventSpeechStart, At: now, Energy: energy})
	}
	if ev.finished && finished == nil {
		slog.Debug("utterance below minimum length, discarding", "frames", ev.frames)
		e.emit(Event{Kind: EventUtteranceDiscarded, At: now, Frames: ev.frames})
	}
	if finished != nil {
		e.dispatchUtterance(ctx, *finished, now)
	}
}

// dispatchUtterance hands a finished buffer to the dispatcher pool without
// blocking the capture goroutine. When all workers are busy the utterance is
// dropped; transcription of stale audio is worth less than keeping the
// microphone responsive.
func (e *Engine) dispatchUtterance(ctx context.Context, u Utterance, now time.Time) {
	if !e.sem.TryAcquire(1) {
		slog.Warn("transcription pool saturated, dropping utterance",
			"frames", u.Frames, "duration", u.Duration())
		e.mu.Lock()
		e.discarded++
		e.mu.Unlock()
		e.emit(Event{Kind: EventUtteranceDiscarded, At: now, Frames: u.Frames})
		return
	}

	e.mu.Lock()
	e.dispatched++
	e.mu.Unlock()
	e.emit(Event{Kind: EventUtteranceDispatched, At: now, Frames: u.Frames})

	go func() {
		defer e.sem.Release(1)
		if err := e.gate.Dispatch(ctx, u); err != nil {
			slog.Error("utterance dispatch failed",
				"frames", u.Frames, "duration", u.Duration(), "error", err)
		}
	}()
}

// ─── Playback and listening state ─────────────────────────────────────────────

// SetSpeaking informs the engine that synthesized playback started or
// stopped. Starting resets the echo baseline and opens the barge-in guard
// window; stopping additionally mutes frame processing for the post-TTS
// cooldown so the echo tail decays unheard.
func (e *Engine) SetSpeaking(speaking bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.speaking == speaking {
		return
	}
	e.speaking = speaking
	if speaking {
		e.barge.startTurn(time.Now())
	} else {
		e.barge.stopTurn()
		e.ignoreUntil = time.Now().Add(e.cooldown)
	}
}

// SetListening enables or disables microphone processing without stopping
// the capture loop. Disabling discards any partially confirmed or recorded
// speech immediately.
func (e *Engine) SetListening(listening bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listening == listening {
		return
	}
	e.listening = listening
	if !listening {
		e.seg.reset()
	}
}

// OnInterrupt registers fn as the synchronous interrupt handler, replacing
// any previous registration. fn is invoked from the capture goroutine when a
// voice onset is confirmed during playback, and from [Engine.RequestInterrupt];
// it must return quickly and must not block on the audio path.
func (e *Engine) OnInterrupt(fn func()) {
	e.onInterrupt.Store(&fn)
}

// RequestInterrupt asks the playback side to cut current output, exactly as
// a detected barge-in would. With no handler registered it does nothing.
func (e *Engine) RequestInterrupt() {
	e.fireInterrupt()
}

func (e *Engine) fireInterrupt() {
	if fn := e.onInterrupt.Load(); fn != nil && *fn != nil {
		(*fn)()
	}
}

// emit publishes ev on the events channel without blocking, dropping it when
// the buffer is full. Only the capture goroutine emits, so sends can never
// race the loop-exit close.
func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}

// Events returns the engine's notification channel. It is closed when the
// capture loop exits. Sends never block: when the buffer is full events are
// dropped, so consumers see a sample of engine activity, not a transcript
// of it.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// ─── Introspection and tuning ─────────────────────────────────────────────────

// Snapshot returns a copy of the engine's observable state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Running:         e.running,
		Speaking:        e.speaking,
		Listening:       e.listening,
		State:           e.seg.state(),
		LastEnergy:      e.lastEnergy,
		LastThreshold:   e.lastThreshold,
		NoiseFloor:      e.est.noiseFloor(),
		BufferFrames:    e.seg.bufferedFrames(),
		TotalFrames:     e.totalFrames,
		SpeechConfirmed: e.speechConfirmed,
		Dispatched:      e.dispatched,
		Discarded:       e.discarded,
		BargeIns:        e.bargeIns,
	}
}

// StaticThreshold returns the current base silence threshold.
func (e *Engine) StaticThreshold() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.est.staticThreshold()
}

// SetStaticThreshold replaces the base silence threshold at runtime. Values
// at or below zero are ignored. The adaptive noise floor is kept; only the
// static term of the threshold changes.
func (e *Engine) SetStaticThreshold(v float64) {
	if v <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.est.setStatic(v)
}

// Calibrate reads frames ambient frames from the device and derives a static
// threshold from their median energy: median times the calibration
// multiplier, but never below the currently configured threshold. The result
// is applied and returned.
//
// Calibrate owns the device while it runs, so it must be called before
// [Engine.Start]. Transient read errors skip the sample; if no samples could
// be collected the threshold is left unchanged.
func (e *Engine) Calibrate(ctx context.Context, frames int) (float64, error) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return 0, errors.New("engine: calibration requires a stopped engine")
	}
	e.mu.Unlock()

	energies := make([]float64, 0, frames)
	for range frames {
		frame, err := e.device.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, audio.ErrDeviceClosed) || ctx.Err() != nil {
				return 0, fmt.Errorf("engine: calibration read: %w", err)
			}
			continue
		}
		if len(frame.Data) == 0 {
			continue
		}
		energies = append(energies, Energy(frame.Data))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	current := e.est.staticThreshold()
	if len(energies) == 0 {
		return current, nil
	}
	med := median(energies)
	threshold := med * e.calibrationMult
	if threshold < current {
		threshold = current
	}
	e.est.setStatic(threshold)
	slog.Info("ambient calibration applied",
		"samples", len(energies),
		"median_energy", med,
		"static_threshold", threshold,
	)
	return threshold, nil
}

// median returns the middle value of vs, averaging the two central values
// for even lengths. vs is reordered in place.
func median(vs []float64) float64 {
	sort.Float64s(vs)
	n := len(vs)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return vs[n/2]
	}
	return (vs[n/2-1] + vs[n/2]) / 2
}
