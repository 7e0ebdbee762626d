package config

import (
	"fmt"
	"reflect"
)

// TuningDiff describes what changed between two configs, split into fields
// that can be applied to a running engine and fields that only take effect
// after a restart.
type TuningDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ThresholdChanged reports a new static silence threshold.
	ThresholdChanged   bool
	NewStaticThreshold float64

	// SensitivityChanged reports a new sensitivity multiplier.
	SensitivityChanged bool
	NewSensitivity     float64

	// DebounceChanged reports new coalescer windows or parts cap.
	DebounceChanged bool
	NewDebounce     DebounceConfig

	// Restart lists the config paths whose changes need a restart to apply.
	Restart []string
}

// Tunable reports whether the diff carries any change that can be applied to
// a running process.
func (d TuningDiff) Tunable() bool {
	return d.LogLevelChanged || d.ThresholdChanged || d.SensitivityChanged || d.DebounceChanged
}

// Empty reports whether nothing changed at all.
func (d TuningDiff) Empty() bool {
	return !d.Tunable() && len(d.Restart) == 0
}

// Diff compares old and new configs and returns what changed. The log level,
// the static threshold, the sensitivity multiplier, and the debounce tuning
// are live-appliable; everything else lands in Restart.
func Diff(old, new *Config) TuningDiff {
	d := TuningDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.Restart = append(d.Restart, "server.listen_addr")
	}

	if old.Audio != new.Audio {
		d.Restart = append(d.Restart, "audio")
	}

	if old.Engine.StaticThreshold != new.Engine.StaticThreshold {
		d.ThresholdChanged = true
		d.NewStaticThreshold = new.Engine.StaticThreshold
	}
	if old.Engine.Sensitivity != new.Engine.Sensitivity {
		d.SensitivityChanged = true
		d.NewSensitivity = new.Engine.Sensitivity
	}
	d.Restart = append(d.Restart, diffEngineStatic(old.Engine, new.Engine)...)

	if old.Debounce != new.Debounce {
		d.DebounceChanged = true
		d.NewDebounce = new.Debounce
	}

	if !reflect.DeepEqual(old.Wake, new.Wake) {
		d.Restart = append(d.Restart, "wake")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.Restart = append(d.Restart, "providers")
	}
	if old.Journal != new.Journal {
		d.Restart = append(d.Restart, "journal")
	}
	if old.Pipeline != new.Pipeline {
		d.Restart = append(d.Restart, "pipeline")
	}

	return d
}

// diffEngineStatic compares the engine fields that are fixed at start time.
// The threshold and sensitivity are handled separately as live-tunable.
func diffEngineStatic(old, new EngineConfig) []string {
	var paths []string
	add := func(field string, changed bool) {
		if changed {
			paths = append(paths, fmt.Sprintf("engine.%s", field))
		}
	}
	add("confirm_frames", old.ConfirmFrames != new.ConfirmFrames)
	add("silence_end_frames", old.SilenceEndFrames != new.SilenceEndFrames)
	add("max_recording_frames", old.MaxRecordingFrames != new.MaxRecordingFrames)
	add("min_utterance_frames", old.MinUtteranceFrames != new.MinUtteranceFrames)
	add("barge_in_guard_ms", old.BargeInGuardMS != new.BargeInGuardMS)
	add("post_tts_cooldown_ms", old.PostTTSCooldownMS != new.PostTTSCooldownMS)
	add("calibration_frames", old.CalibrationFrames != new.CalibrationFrames)
	add("calibration_multiplier", old.CalibrationMultiplier != new.CalibrationMultiplier)
	add("transcription_workers", old.TranscriptionWorkers != new.TranscriptionWorkers)
	return paths
}
