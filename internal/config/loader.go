package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"groq", "whisper", "whisper-native", "deepgram", "mock"},
	"tts": {"edge", "piper", "coqui", "elevenlabs", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Environment references ($VAR or ${VAR}) are expanded before decoding, so
// secrets can stay out of the file. Fields absent from the document keep the
// [Default] values; unknown fields are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found. Suspicious
// but workable values are logged as warnings instead.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameMS <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d must be positive", cfg.Audio.FrameMS))
	}

	// Engine
	eng := cfg.Engine
	if eng.StaticThreshold <= 0 {
		errs = append(errs, fmt.Errorf("engine.static_threshold %.1f must be positive", eng.StaticThreshold))
	}
	if eng.ConfirmFrames < 1 {
		errs = append(errs, fmt.Errorf("engine.confirm_frames %d must be at least 1", eng.ConfirmFrames))
	}
	if eng.SilenceEndFrames < 1 {
		errs = append(errs, fmt.Errorf("engine.silence_end_frames %d must be at least 1", eng.SilenceEndFrames))
	}
	if eng.MinUtteranceFrames < 0 {
		errs = append(errs, fmt.Errorf("engine.min_utterance_frames %d must not be negative", eng.MinUtteranceFrames))
	}
	if eng.MaxRecordingFrames <= eng.MinUtteranceFrames {
		errs = append(errs, fmt.Errorf("engine.max_recording_frames %d must exceed min_utterance_frames %d", eng.MaxRecordingFrames, eng.MinUtteranceFrames))
	}
	if eng.BargeInGuardMS < 0 {
		errs = append(errs, fmt.Errorf("engine.barge_in_guard_ms %d must not be negative", eng.BargeInGuardMS))
	}
	if eng.PostTTSCooldownMS < 0 {
		errs = append(errs, fmt.Errorf("engine.post_tts_cooldown_ms %d must not be negative", eng.PostTTSCooldownMS))
	}
	if eng.Sensitivity <= 0 {
		errs = append(errs, fmt.Errorf("engine.sensitivity %.2f must be positive", eng.Sensitivity))
	} else if eng.Sensitivity < 0.5 || eng.Sensitivity > 2.0 {
		slog.Warn("engine.sensitivity outside [0.5, 2.0] will be clamped", "sensitivity", eng.Sensitivity)
	}
	if eng.CalibrationFrames < 0 {
		errs = append(errs, fmt.Errorf("engine.calibration_frames %d must not be negative", eng.CalibrationFrames))
	}
	if eng.CalibrationMultiplier <= 0 {
		errs = append(errs, fmt.Errorf("engine.calibration_multiplier %.2f must be positive", eng.CalibrationMultiplier))
	}
	if eng.TranscriptionWorkers < 1 {
		errs = append(errs, fmt.Errorf("engine.transcription_workers %d must be at least 1", eng.TranscriptionWorkers))
	}

	// Debounce
	deb := cfg.Debounce
	if deb.WindowMS < 0 {
		errs = append(errs, fmt.Errorf("debounce.window_ms %d must not be negative", deb.WindowMS))
	}
	if deb.MaxParts < 1 {
		errs = append(errs, fmt.Errorf("debounce.max_parts %d must be at least 1", deb.MaxParts))
	}
	if deb.WindowMS > 0 && deb.ExtendedWindowMS < deb.WindowMS {
		slog.Warn("debounce.extended_window_ms is shorter than window_ms; short fragments will flush sooner than full ones",
			"window_ms", deb.WindowMS,
			"extended_window_ms", deb.ExtendedWindowMS,
		)
	}

	// Wake
	if len(cfg.Wake.Names) == 0 {
		errs = append(errs, errors.New("wake.names must not be empty"))
	}
	if cfg.Wake.Similarity <= 0 || cfg.Wake.Similarity > 1 {
		errs = append(errs, fmt.Errorf("wake.similarity %.2f is out of range (0, 1]", cfg.Wake.Similarity))
	}

	// Providers
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("tts", cfg.Providers.TTSFallback.Name)
	if cfg.Providers.STT.Name == "" {
		slog.Warn("providers.stt is not configured; captured utterances cannot be transcribed")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("providers.tts is not configured; responses will not be spoken")
	}
	if cfg.Providers.TTSFallback.Name != "" && cfg.Providers.TTSFallback.Name == cfg.Providers.TTS.Name {
		slog.Warn("providers.tts_fallback names the same provider as providers.tts",
			"name", cfg.Providers.TTS.Name,
		)
	}

	// Journal
	if cfg.Journal.Capacity < 1 {
		errs = append(errs, fmt.Errorf("journal.capacity %d must be at least 1", cfg.Journal.Capacity))
	}

	// Pipeline
	if cfg.Pipeline.ResponseTimeoutMS < 1 {
		errs = append(errs, fmt.Errorf("pipeline.response_timeout_ms %d must be positive", cfg.Pipeline.ResponseTimeoutMS))
	}
	if cfg.Pipeline.TranscriptionTimeoutMS < 1 {
		errs = append(errs, fmt.Errorf("pipeline.transcription_timeout_ms %d must be positive", cfg.Pipeline.TranscriptionTimeoutMS))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or an externally registered provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
