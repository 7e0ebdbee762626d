// Package app assembles the full-duplex voice loop: capture engine,
// transcription gate, fragment coalescer, wake filter, response pipeline,
// speaking coordinator, journal, and the status surface. It owns startup
// order, the run loop, and graceful shutdown; the processing itself lives in
// the component packages.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cronovoice/crono/internal/coalesce"
	"github.com/cronovoice/crono/internal/config"
	"github.com/cronovoice/crono/internal/engine"
	"github.com/cronovoice/crono/internal/journal"
	journalpg "github.com/cronovoice/crono/internal/journal/postgres"
	"github.com/cronovoice/crono/internal/observe"
	"github.com/cronovoice/crono/internal/pipeline"
	"github.com/cronovoice/crono/internal/resilience"
	"github.com/cronovoice/crono/internal/speaker"
	"github.com/cronovoice/crono/internal/status"
	"github.com/cronovoice/crono/internal/transcribe"
	"github.com/cronovoice/crono/internal/wake"
	"github.com/cronovoice/crono/pkg/audio"
	"github.com/cronovoice/crono/pkg/provider/stt"
	"github.com/cronovoice/crono/pkg/provider/tts"
)

const (
	// farewellGrace bounds how long a spoken farewell may delay a voice
	// shutdown before the loop stops anyway.
	farewellGrace = 5 * time.Second

	// journalTimeout bounds one journal write from the event path.
	journalTimeout = 2 * time.Second

	// serverStopTimeout bounds the status listener drain during Run teardown.
	serverStopTimeout = 5 * time.Second
)

// Spoken confirmations. The assistant speaks Portuguese; mode switches
// confirm out loud so the user knows the microphone state without a screen.
const (
	replyAwake    = "Pois não?"
	replyResume   = "Estou de volta."
	replyStandby  = "Modo standby. Diga meu nome quando precisar."
	replySnooze   = "Modo soneca. Diga meu nome para me acordar."
	replyShutdown = "Desligando. Até logo."
	replyRestart  = "Reiniciando. Já volto."
	replyCanned   = "Desculpe, ainda não sei responder a isso."
)

// ErrRestartRequested is returned by [App.Run] after a voice restart command
// so the launcher can exit with a distinct status for its supervisor.
var ErrRestartRequested = errors.New("app: restart requested")

// errStopRequested unwinds the errgroup on a voice shutdown; Run maps it back
// to a nil return.
var errStopRequested = errors.New("app: stop requested")

// Mode is the listening mode voice commands switch between. In standby and
// snooze only utterances naming the assistant get through.
type Mode int32

const (
	// ModeActive answers every merged utterance.
	ModeActive Mode = iota

	// ModeStandby ignores everything until the assistant is called by name.
	ModeStandby

	// ModeSnooze gates exactly like standby; it exists as a separate mode so
	// "modo soneca" and "sair do standby" each read back naturally.
	ModeSnooze
)

// String returns the label used in logs.
func (m Mode) String() string {
	switch m {
	case ModeActive:
		return "active"
	case ModeStandby:
		return "standby"
	case ModeSnooze:
		return "snooze"
	default:
		return "unknown"
	}
}

// Providers carries the externally constructed backends the app wires
// together. cmd/crono builds them from configuration; tests inject mocks.
// The caller keeps ownership of the devices and closes them after
// [App.Shutdown] returns.
type Providers struct {
	// Capture is the microphone side. Required.
	Capture audio.CaptureDevice

	// Playback is the loudspeaker side. Required.
	Playback audio.PlaybackDevice

	// STT transcribes finished utterances. Required; the app adds the
	// circuit breaker itself.
	STT stt.Transcriber

	// TTS synthesizes replies. Required.
	TTS tts.Synthesizer

	// TTSFallback, when non-nil, catches synthesis startup failures of the
	// primary.
	TTSFallback tts.Synthesizer

	// Responder answers merged utterances. Nil installs the canned default.
	Responder pipeline.Responder

	// Journal overrides backend selection. Nil selects postgres when a DSN
	// is configured and the in-memory ring otherwise.
	Journal journal.Recorder
}

// closer is one teardown step with a name for the shutdown log.
type closer struct {
	name string
	fn   func() error
}

// App is the assembled assistant. Create it with [New], drive it with
// [App.Run], and release it with [App.Shutdown].
type App struct {
	cfg *config.Config

	engine    *engine.Engine
	tuner     *engine.Tuner
	coalescer *coalesce.Coalescer
	detector  *wake.Detector
	commands  *wake.Commands
	pipeline  *pipeline.Pipeline
	speaker   *speaker.Coordinator
	journal   journal.Recorder
	collector *status.Collector
	breaker   *resilience.BreakerTranscriber
	server    *http.Server

	levelVar   *slog.LevelVar
	tuningFile string

	modeVal      atomic.Int32
	stopRequests chan wake.Action

	closers  []closer
	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for configuring an App.
type Option func(*App)

// WithLogLevelVar hands the app the log handler's level var so the config
// watcher can retune verbosity without a restart.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithTuningFile enables the config watcher on path for the lifetime of Run.
// Live-tunable changes (log level, static threshold, sensitivity, debounce)
// apply to the running loop; everything else is logged for the next restart.
func WithTuningFile(path string) Option {
	return func(a *App) { a.tuningFile = path }
}

// ─── Construction ─────────────────────────────────────────────────────────────

// New assembles the voice loop from cfg and providers. Every component starts
// in its idle state; nothing touches the capture device until [App.Run].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if providers == nil {
		providers = &Providers{}
	}
	switch {
	case providers.Capture == nil:
		return nil, errors.New("app: capture device required")
	case providers.Playback == nil:
		return nil, errors.New("app: playback device required")
	case providers.STT == nil:
		return nil, errors.New("app: transcription provider required")
	case providers.TTS == nil:
		return nil, errors.New("app: synthesis provider required")
	}

	a := &App{
		cfg:          cfg,
		stopRequests: make(chan wake.Action, 1),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Journal ────────────────────────────────────────────────────────────
	switch {
	case providers.Journal != nil:
		a.journal = providers.Journal
	case cfg.Journal.PostgresDSN != "":
		rec, err := journalpg.New(ctx, cfg.Journal.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("app: init journal: %w", err)
		}
		a.journal = rec
		slog.Info("journal backend ready", "backend", "postgres")
	default:
		a.journal = journal.NewMemory(cfg.Journal.Capacity)
	}

	// ── 2. Stats collector ────────────────────────────────────────────────────
	a.collector = status.NewCollector(0)

	// ── 3. Transcription chain: breaker → gate → coalescer ────────────────────
	sttName := cfg.Providers.STT.Name
	if sttName == "" {
		sttName = "stt"
	}
	a.breaker = resilience.NewBreakerTranscriber(providers.STT, resilience.CircuitBreakerConfig{Name: sttName})

	a.coalescer = coalesce.New(a.handleMerged,
		coalesce.WithWindow(cfg.Debounce.Window()),
		coalesce.WithExtendedWindow(cfg.Debounce.ExtendedWindow()),
		coalesce.WithMaxParts(cfg.Debounce.MaxParts),
	)

	gate := transcribe.NewGate(a.breaker, a.coalescer.Add,
		transcribe.WithTimeout(cfg.Pipeline.TranscriptionTimeout()),
		transcribe.WithProviderName(sttName),
		transcribe.WithStats(a.collector),
	)

	// ── 4. Capture engine and tuner ───────────────────────────────────────────
	a.tuner = engine.NewTuner()
	a.tuner.SetBaseline(cfg.Engine.StaticThreshold)
	a.tuner.SetSensitivity(cfg.Engine.Sensitivity)

	a.engine = engine.New(providers.Capture, gate,
		engine.WithStaticThreshold(a.tuner.Threshold()),
		engine.WithConfirmFrames(cfg.Engine.ConfirmFrames),
		engine.WithSilenceEndFrames(cfg.Engine.SilenceEndFrames),
		engine.WithMaxRecordingFrames(cfg.Engine.MaxRecordingFrames),
		engine.WithMinUtteranceFrames(cfg.Engine.MinUtteranceFrames),
		engine.WithBargeInGuard(cfg.Engine.BargeInGuard()),
		engine.WithPostTTSCooldown(cfg.Engine.PostTTSCooldown()),
		engine.WithCalibrationMultiplier(cfg.Engine.CalibrationMultiplier),
		engine.WithTranscriptionWorkers(cfg.Engine.TranscriptionWorkers),
	)
	a.engine.OnInterrupt(a.interrupt)

	// ── 5. Playback chain: fallback synthesizer → coordinator ─────────────────
	syn := providers.TTS
	if providers.TTSFallback != nil {
		ttsName := cfg.Providers.TTS.Name
		if ttsName == "" {
			ttsName = "tts"
		}
		fbName := cfg.Providers.TTSFallback.Name
		if fbName == "" {
			fbName = "tts-fallback"
		}
		group := resilience.NewFallbackSynthesizer(syn, ttsName, resilience.CircuitBreakerConfig{})
		group.AddFallback(fbName, providers.TTSFallback)
		syn = group
		slog.Info("synthesis failover armed", "primary", ttsName, "fallback", fbName)
	}
	a.speaker = speaker.New(providers.Playback, syn, a.engine, speaker.WithStats(a.collector))

	// ── 6. Response pipeline ──────────────────────────────────────────────────
	responder := providers.Responder
	if responder == nil {
		responder = pipeline.Canned{Reply: replyCanned}
		slog.Info("no responder wired, canned replies active")
	}
	a.pipeline = pipeline.New(
		journalingResponder{inner: responder, rec: a.journal},
		a.speaker,
		pipeline.WithTimeout(cfg.Pipeline.ResponseTimeout()),
	)

	// ── 7. Wake filter and listening mode ─────────────────────────────────────
	a.detector = wake.NewDetector(
		wake.WithNames(cfg.Wake.Names...),
		wake.WithSimilarity(cfg.Wake.Similarity),
	)
	a.commands = wake.DefaultCommands()
	if cfg.Wake.StartInStandby {
		a.modeVal.Store(int32(ModeStandby))
		slog.Info("starting in standby", "names", a.detector.Names())
	}

	// ── 8. Status surface ─────────────────────────────────────────────────────
	if addr := cfg.Server.ListenAddr; addr != "" {
		handler := status.NewHandler(a.collector,
			status.WithEngineSnapshot(a.engine.Snapshot),
			status.WithBreakerProbe(a.breaker.Open),
			status.WithCheckers(
				status.Checker{Name: "capture_engine", Check: a.checkEngine},
				status.Checker{Name: "journal", Check: a.checkJournal},
			),
		)
		mux := http.NewServeMux()
		handler.Register(mux)
		a.server = &http.Server{
			Addr:              addr,
			Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	a.closers = []closer{
		{"capture engine", a.engine.Stop},
		{"response pipeline", a.pipeline.Close},
		{"speaking coordinator", a.speaker.Close},
		{"journal", a.journal.Close},
	}

	slog.Info("voice loop assembled",
		"stt", sttName,
		"sample_rate", cfg.Audio.SampleRate,
		"static_threshold", a.tuner.Threshold(),
		"standby", cfg.Wake.StartInStandby,
	)
	return a, nil
}

// ─── Run loop ─────────────────────────────────────────────────────────────────

// Run calibrates if configured, starts the capture loop, and blocks until ctx
// is cancelled, a voice shutdown command arrives, or a serving goroutine
// fails. A voice restart command makes Run return [ErrRestartRequested];
// cancellation and voice shutdown return nil. Call [App.Shutdown] afterwards
// in every case.
func (a *App) Run(ctx context.Context) error {
	if n := a.cfg.Engine.CalibrationFrames; n > 0 {
		threshold, err := a.engine.Calibrate(ctx, n)
		if err != nil {
			return fmt.Errorf("app: ambient calibration: %w", err)
		}
		a.tuner.SetBaseline(threshold)
		a.engine.SetStaticThreshold(a.tuner.Threshold())
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := a.engine.Start(gctx); err != nil {
		return fmt.Errorf("app: start engine: %w", err)
	}

	g.Go(func() error {
		a.consumeEvents()
		return nil
	})

	if a.server != nil {
		g.Go(func() error {
			slog.Info("status surface listening", "addr", a.server.Addr)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: status listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shCtx, cancel := context.WithTimeout(context.Background(), serverStopTimeout)
			defer cancel()
			if err := a.server.Shutdown(shCtx); err != nil {
				slog.Warn("status listener drain failed", "error", err)
			}
			return nil
		})
	}

	if a.tuningFile != "" {
		g.Go(func() error {
			w, err := config.NewWatcher(a.tuningFile, a.applyTuning)
			if err != nil {
				slog.Warn("config watcher disabled", "path", a.tuningFile, "error", err)
				return nil
			}
			slog.Info("config watcher active", "path", a.tuningFile)
			<-gctx.Done()
			w.Stop()
			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case act := <-a.stopRequests:
			slog.Info("stopping on voice command", "action", act.String())
			a.waitQuiet(gctx, farewellGrace)
			if act == wake.ActionRestart {
				return ErrRestartRequested
			}
			return errStopRequested
		}
	})

	err := g.Wait()
	switch {
	case err == nil, errors.Is(err, errStopRequested), errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
}

// consumeEvents fans engine notifications out to the journal and the stats
// collector. It returns when the engine closes its event channel on stop.
func (a *App) consumeEvents() {
	period := a.cfg.Audio.FrameDuration()
	if period <= 0 {
		period = audio.DefaultFrameDuration
	}
	for ev := range a.engine.Events() {
		switch ev.Kind {
		case engine.EventBargeIn:
			a.record(journal.Entry{Kind: journal.KindBargeIn, Timestamp: ev.At})
		case engine.EventUtteranceDispatched:
			a.collector.RecordListening(time.Duration(ev.Frames) * period)
		}
	}
}

// ─── Transcript handling ──────────────────────────────────────────────────────

// handleMerged receives one coalesced utterance from the debounce stage and
// routes it: control commands first, then the standby gate, then the response
// pipeline. It runs on transcription dispatch goroutines and must not block.
func (a *App) handleMerged(text string) {
	if action, ok := a.commands.Match(text); ok {
		a.handleCommand(action)
		return
	}

	if mode := a.Mode(); mode != ModeActive {
		if !a.detector.Mentions(text) {
			slog.Debug("utterance ignored", "mode", mode.String(), "chars", len(text))
			return
		}
		a.setMode(ModeActive)
		slog.Info("woken by name", "was", mode.String())
		a.say(replyAwake)
		return
	}

	a.record(journal.Entry{Kind: journal.KindUtterance, Text: text})
	a.pipeline.Submit(text)
}

// handleCommand executes a matched control phrase. Mode switches confirm out
// loud; the interrupt stays silent because the user just asked for silence.
func (a *App) handleCommand(action wake.Action) {
	slog.Info("voice command", "action", action.String())
	switch action {
	case wake.ActionShutdown:
		a.say(replyShutdown)
		a.requestStop(action)
	case wake.ActionRestart:
		a.say(replyRestart)
		a.requestStop(action)
	case wake.ActionInterrupt:
		a.interrupt()
	case wake.ActionStandbyOn:
		if prev := a.setMode(ModeStandby); prev != ModeStandby {
			a.interrupt()
			a.say(replyStandby)
		}
	case wake.ActionSnoozeOn:
		if prev := a.setMode(ModeSnooze); prev != ModeSnooze {
			a.interrupt()
			a.say(replySnooze)
		}
	case wake.ActionStandbyOff, wake.ActionSnoozeOff:
		if prev := a.setMode(ModeActive); prev != ModeActive {
			a.say(replyResume)
		}
	}
}

// Mode returns the current listening mode.
func (a *App) Mode() Mode {
	return Mode(a.modeVal.Load())
}

// setMode swaps the listening mode and returns the previous one.
func (a *App) setMode(m Mode) Mode {
	return Mode(a.modeVal.Swap(int32(m)))
}

// interrupt cuts playback and abandons the in-flight response. Registered as
// the engine's barge-in handler and shared by the spoken interrupt command;
// both paths agree the current answer is stale.
func (a *App) interrupt() {
	a.speaker.Interrupt()
	a.pipeline.CancelActive()
}

// say queues a short canned reply. Failures are logged; a lost confirmation
// must not take the loop down.
func (a *App) say(text string) {
	if err := a.speaker.Say(text); err != nil && !errors.Is(err, speaker.ErrClosed) {
		slog.Warn("spoken reply failed", "error", err)
	}
}

// record appends a journal entry without letting the backend stall the audio
// path: bounded deadline, failures logged and swallowed.
func (a *App) record(e journal.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := a.journal.Record(ctx, e); err != nil {
		slog.Warn("journal write failed", "kind", string(e.Kind), "error", err)
	}
}

// requestStop queues a shutdown or restart for the run loop. A request
// already pending wins; the outcome is the same either way.
func (a *App) requestStop(act wake.Action) {
	select {
	case a.stopRequests <- act:
	default:
	}
}

// waitQuiet waits for queued playback to drain, up to max, so a spoken
// farewell is not cut off by its own shutdown.
func (a *App) waitQuiet(ctx context.Context, max time.Duration) {
	deadline := time.Now().Add(max)
	for time.Now().Before(deadline) {
		if !a.speaker.Busy() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// ─── Tuning ───────────────────────────────────────────────────────────────────

// applyTuning is the config watcher callback: live-appliable changes land on
// the running components, everything else is reported for the next restart.
func (a *App) applyTuning(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.Level())
		slog.Info("log level retuned", "level", d.NewLogLevel)
	}
	if d.ThresholdChanged {
		a.tuner.SetBaseline(d.NewStaticThreshold)
		a.engine.SetStaticThreshold(a.tuner.Threshold())
		slog.Info("static threshold retuned", "threshold", a.tuner.Threshold())
	}
	if d.SensitivityChanged {
		a.tuner.SetSensitivity(d.NewSensitivity)
		a.engine.SetStaticThreshold(a.tuner.Threshold())
		slog.Info("sensitivity retuned",
			"sensitivity", a.tuner.Sensitivity(),
			"threshold", a.tuner.Threshold(),
		)
	}
	if d.DebounceChanged {
		a.coalescer.Tune(d.NewDebounce.Window(), d.NewDebounce.ExtendedWindow(), d.NewDebounce.MaxParts)
		slog.Info("debounce retuned",
			"window", d.NewDebounce.Window(),
			"extended_window", d.NewDebounce.ExtendedWindow(),
			"max_parts", d.NewDebounce.MaxParts,
		)
	}
	if len(d.Restart) > 0 {
		slog.Warn("config changes need a restart", "fields", d.Restart)
	}
}

// ─── Health checks ────────────────────────────────────────────────────────────

// checkEngine reports readiness of the capture loop.
func (a *App) checkEngine(context.Context) error {
	if !a.engine.Snapshot().Running {
		return errors.New("capture loop not running")
	}
	return nil
}

// checkJournal probes the journal backend with a one-row read.
func (a *App) checkJournal(ctx context.Context) error {
	_, err := a.journal.Recent(ctx, 1)
	return err
}

// ─── Shutdown ─────────────────────────────────────────────────────────────────

// Shutdown releases the loop in dependency order: capture first so nothing
// new enters, playback and journal last. Safe to call more than once; later
// calls return the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		slog.Info("shutting down")
		var errs []error
		for _, c := range a.closers {
			if err := ctx.Err(); err != nil {
				errs = append(errs, fmt.Errorf("app: shutdown interrupted before %s: %w", c.name, err))
				break
			}
			if err := c.fn(); err != nil {
				slog.Warn("shutdown step failed", "step", c.name, "error", err)
				errs = append(errs, fmt.Errorf("app: shutdown %s: %w", c.name, err))
			}
		}
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}

// ─── Journal decoration ───────────────────────────────────────────────────────

// journalingResponder records every successful reply on its way to the
// speaker. A failed write is logged and the reply continues; the journal
// observes the conversation, it does not participate in it.
type journalingResponder struct {
	inner pipeline.Responder
	rec   journal.Recorder
}

func (j journalingResponder) Respond(ctx context.Context, utterance string) (string, error) {
	start := time.Now()
	reply, err := j.inner.Respond(ctx, utterance)
	if err != nil {
		return "", err
	}
	entry := journal.Entry{Kind: journal.KindReply, Text: reply, Duration: time.Since(start)}
	if rerr := j.rec.Record(ctx, entry); rerr != nil {
		slog.Warn("journal write failed", "kind", string(journal.KindReply), "error", rerr)
	}
	return reply, nil
}
