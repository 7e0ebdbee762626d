package config_test

import (
	"slices"
	"testing"

	"github.com/cronovoice/crono/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(config.Default(), config.Default())
	if !d.Empty() {
		t.Errorf("expected empty diff, got %+v", d)
	}
	if d.Tunable() {
		t.Error("Tunable() should be false for identical configs")
	}
}

func TestDiff_ThresholdChange(t *testing.T) {
	t.Parallel()
	oldCfg, newCfg := config.Default(), config.Default()
	newCfg.Engine.StaticThreshold = 400

	d := config.Diff(oldCfg, newCfg)
	if !d.ThresholdChanged {
		t.Fatal("ThresholdChanged should be true")
	}
	if d.NewStaticThreshold != 400 {
		t.Errorf("NewStaticThreshold: got %.1f, want 400", d.NewStaticThreshold)
	}
	if !d.Tunable() {
		t.Error("a threshold change is tunable")
	}
	if len(d.Restart) != 0 {
		t.Errorf("no restart paths expected, got %v", d.Restart)
	}
}

func TestDiff_SensitivityChange(t *testing.T) {
	t.Parallel()
	oldCfg, newCfg := config.Default(), config.Default()
	newCfg.Engine.Sensitivity = 1.3

	d := config.Diff(oldCfg, newCfg)
	if !d.SensitivityChanged {
		t.Fatal("SensitivityChanged should be true")
	}
	if d.NewSensitivity != 1.3 {
		t.Errorf("NewSensitivity: got %.2f, want 1.3", d.NewSensitivity)
	}
}

func TestDiff_DebounceChange(t *testing.T) {
	t.Parallel()
	oldCfg, newCfg := config.Default(), config.Default()
	newCfg.Debounce.WindowMS = 500
	newCfg.Debounce.MaxParts = 6

	d := config.Diff(oldCfg, newCfg)
	if !d.DebounceChanged {
		t.Fatal("DebounceChanged should be true")
	}
	if d.NewDebounce.WindowMS != 500 || d.NewDebounce.MaxParts != 6 {
		t.Errorf("NewDebounce: got %+v", d.NewDebounce)
	}
	if len(d.Restart) != 0 {
		t.Errorf("no restart paths expected, got %v", d.Restart)
	}
}

func TestDiff_LogLevelChange(t *testing.T) {
	t.Parallel()
	oldCfg, newCfg := config.Default(), config.Default()
	newCfg.Server.LogLevel = config.LogDebug

	d := config.Diff(oldCfg, newCfg)
	if !d.LogLevelChanged {
		t.Fatal("LogLevelChanged should be true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel: got %q, want debug", d.NewLogLevel)
	}
}

func TestDiff_RestartOnlyFields(t *testing.T) {
	t.Parallel()
	oldCfg, newCfg := config.Default(), config.Default()
	newCfg.Audio.SampleRate = 48000
	newCfg.Engine.ConfirmFrames = 4
	newCfg.Providers.STT.Name = "whisper"
	newCfg.Pipeline.ResponseTimeoutMS = 90000

	d := config.Diff(oldCfg, newCfg)
	if d.Tunable() {
		t.Errorf("none of these changes are tunable, got %+v", d)
	}
	for _, want := range []string{"audio", "engine.confirm_frames", "providers", "pipeline"} {
		if !slices.Contains(d.Restart, want) {
			t.Errorf("Restart should contain %q, got %v", want, d.Restart)
		}
	}
}

func TestDiff_MixedChange(t *testing.T) {
	t.Parallel()
	oldCfg, newCfg := config.Default(), config.Default()
	newCfg.Engine.StaticThreshold = 350
	newCfg.Engine.SilenceEndFrames = 24

	d := config.Diff(oldCfg, newCfg)
	if !d.ThresholdChanged {
		t.Error("ThresholdChanged should be true")
	}
	if !slices.Contains(d.Restart, "engine.silence_end_frames") {
		t.Errorf("Restart should contain engine.silence_end_frames, got %v", d.Restart)
	}
}
