// Command crono runs the Crono voice assistant: microphone capture, voice
// activity detection, Portuguese command handling and spoken replies on a
// single full-duplex audio loop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cronovoice/crono/internal/app"
	"github.com/cronovoice/crono/internal/config"
	"github.com/cronovoice/crono/internal/observe"
	"github.com/cronovoice/crono/pkg/audio/portaudio"
	"github.com/cronovoice/crono/pkg/provider/stt"
	"github.com/cronovoice/crono/pkg/provider/stt/deepgram"
	"github.com/cronovoice/crono/pkg/provider/stt/groq"
	sttmock "github.com/cronovoice/crono/pkg/provider/stt/mock"
	"github.com/cronovoice/crono/pkg/provider/stt/whisper"
	"github.com/cronovoice/crono/pkg/provider/tts"
	"github.com/cronovoice/crono/pkg/provider/tts/coqui"
	"github.com/cronovoice/crono/pkg/provider/tts/edge"
	"github.com/cronovoice/crono/pkg/provider/tts/elevenlabs"
	ttsmock "github.com/cronovoice/crono/pkg/provider/tts/mock"
	"github.com/cronovoice/crono/pkg/provider/tts/piper"
)

// exitRestart is returned after a spoken restart command so that a supervisor
// (systemd with RestartForceExitStatus=3, or a wrapper script) relaunches the
// binary with a fresh process.
const exitRestart = 3

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "crono: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "crono: %v\n", err)
		}
		return 1
	}

	// The level var is shared with the application so that live tuning of
	// server.log_level takes effect without a restart.
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "crono"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "error", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	for kind, names := range config.ValidProviderNames {
		slog.Debug("built-in providers registered", "kind", kind, "names", strings.Join(names, ", "))
	}

	if err := portaudio.Initialize(); err != nil {
		slog.Error("failed to initialise audio subsystem", "error", err)
		return 1
	}
	defer func() {
		if err := portaudio.Terminate(); err != nil {
			slog.Warn("audio subsystem termination failed", "error", err)
		}
	}()

	capture, err := portaudio.OpenCapture(
		portaudio.WithDevice(cfg.Audio.InputDevice),
		portaudio.WithDeviceIndex(cfg.Audio.InputDeviceIndex),
		portaudio.WithSampleRate(cfg.Audio.SampleRate),
		portaudio.WithFrameDuration(cfg.Audio.FrameDuration()),
	)
	if err != nil {
		slog.Error("failed to open capture device", "error", err)
		return 1
	}
	defer capture.Close()

	playback, err := portaudio.OpenPlayback(
		portaudio.WithDevice(cfg.Audio.OutputDevice),
		portaudio.WithDeviceIndex(cfg.Audio.OutputDeviceIndex),
		portaudio.WithSampleRate(cfg.Audio.SampleRate),
	)
	if err != nil {
		slog.Error("failed to open playback device", "error", err)
		return 1
	}
	defer playback.Close()

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "error", err)
		return 1
	}
	providers.Capture = capture
	providers.Playback = playback

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithLogLevelVar(level),
		app.WithTuningFile(*configPath),
	)
	if err != nil {
		slog.Error("failed to initialise application", "error", err)
		return 1
	}

	slog.Info("assistant ready; press Ctrl+C to shut down")
	runErr := application.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		return 1
	}

	switch {
	case runErr == nil:
		slog.Info("goodbye")
		return 0
	case errors.Is(runErr, app.ErrRestartRequested):
		slog.Info("restart requested by voice command")
		return exitRestart
	default:
		slog.Error("assistant stopped with error", "error", runErr)
		return 1
	}
}

// registerBuiltinProviders wires every speech backend compiled into this
// binary. Each factory maps the generic config.ProviderEntry onto the
// provider's own constructor options; unknown Options keys are ignored.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterSTT("groq", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []groq.Option
		if entry.BaseURL != "" {
			opts = append(opts, groq.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, groq.WithLanguage(lang))
		}
		if prompt := optString(entry.Options, "prompt"); prompt != "" {
			opts = append(opts, groq.WithPrompt(prompt))
		}
		return groq.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// The mock transcriber answers every clip with a fixed text. Useful for
	// exercising the audio loop without speech credentials.
	reg.RegisterSTT("mock", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		return &sttmock.Transcriber{
			Result: stt.Result{Text: optString(entry.Options, "text"), Language: "pt"},
		}, nil
	})

	reg.RegisterTTS("edge", func(entry config.ProviderEntry) (tts.Synthesizer, error) {
		var opts []edge.Option
		voice := tts.Voice{
			ID:     optString(entry.Options, "voice"),
			Rate:   optString(entry.Options, "rate"),
			Pitch:  optString(entry.Options, "pitch"),
			Volume: optString(entry.Options, "volume"),
		}
		if voice != (tts.Voice{}) {
			opts = append(opts, edge.WithVoice(voice))
		}
		if entry.BaseURL != "" {
			opts = append(opts, edge.WithEndpoint(entry.BaseURL))
		}
		return edge.New(opts...)
	})

	reg.RegisterTTS("piper", func(entry config.ProviderEntry) (tts.Synthesizer, error) {
		var opts []piper.Option
		if id, ok := optInt(entry.Options, "speaker"); ok {
			opts = append(opts, piper.WithSpeaker(id))
		}
		return piper.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Synthesizer, error) {
		var opts []coqui.Option
		if wav := optString(entry.Options, "speaker_wav"); wav != "" {
			opts = append(opts, coqui.WithXTTS(wav))
		}
		if spk := optString(entry.Options, "speaker"); spk != "" {
			opts = append(opts, coqui.WithSpeaker(spk))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Synthesizer, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if v := optString(entry.Options, "voice"); v != "" {
			opts = append(opts, elevenlabs.WithVoice(v))
		}
		if f := optString(entry.Options, "output_format"); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// The mock synthesizer consumes text and produces no audio.
	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Synthesizer, error) {
		return &ttsmock.Synthesizer{}, nil
	})
}

// buildProviders instantiates the speech backends named in cfg. Capture and
// playback devices are attached by the caller, which also owns their
// lifecycle.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	providers := &app.Providers{}

	if cfg.Providers.STT.Name == "" {
		return nil, errors.New("providers.stt must name a transcription backend")
	}
	transcriber, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, err
	}
	providers.STT = transcriber
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	if cfg.Providers.TTS.Name == "" {
		return nil, errors.New("providers.tts must name a synthesis backend")
	}
	synth, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, err
	}
	providers.TTS = synth
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)

	if cfg.Providers.TTSFallback.Name != "" {
		fallback, err := reg.CreateTTS(cfg.Providers.TTSFallback)
		if err != nil {
			return nil, fmt.Errorf("fallback: %w", err)
		}
		providers.TTSFallback = fallback
		slog.Info("provider created", "kind", "tts_fallback", "name", cfg.Providers.TTSFallback.Name)
	}

	return providers, nil
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════════╗")
	fmt.Println("║           Crono startup summary           ║")
	fmt.Println("╠═══════════════════════════════════════════╣")
	printRow("STT", providerLabel(cfg.Providers.STT))
	printRow("TTS", providerLabel(cfg.Providers.TTS))
	printRow("TTS fallback", providerLabel(cfg.Providers.TTSFallback))
	printRow("Input device", deviceLabel(cfg.Audio.InputDevice, cfg.Audio.InputDeviceIndex))
	printRow("Output device", deviceLabel(cfg.Audio.OutputDevice, cfg.Audio.OutputDeviceIndex))
	printRow("Audio format", fmt.Sprintf("%d Hz / %d ms frames", cfg.Audio.SampleRate, cfg.Audio.FrameMS))
	printRow("Wake names", strings.Join(cfg.Wake.Names, ", "))
	printRow("Journal", journalLabel(cfg.Journal))
	printRow("Status addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if r := []rune(value); len(r) > 24 {
		value = string(r[:23]) + "…"
	}
	fmt.Printf("║  %-13s : %-24s ║\n", label, value)
}

func providerLabel(entry config.ProviderEntry) string {
	switch {
	case entry.Name == "":
		return ""
	case entry.Model != "":
		return entry.Name + " / " + entry.Model
	default:
		return entry.Name
	}
}

func deviceLabel(name string, index int) string {
	switch {
	case name != "":
		return name
	case index >= 0:
		return fmt.Sprintf("device #%d", index)
	default:
		return "host default"
	}
}

func journalLabel(j config.JournalConfig) string {
	if j.PostgresDSN != "" {
		return "postgres"
	}
	return fmt.Sprintf("memory (%d entries)", j.Capacity)
}

// optString extracts a string value from a provider Options map, returning ""
// when the key is absent or holds a non-string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer value from a provider Options map. YAML decodes
// whole numbers as int.
func optInt(opts map[string]any, key string) (int, bool) {
	if opts == nil {
		return 0, false
	}
	i, ok := opts[key].(int)
	return i, ok
}
