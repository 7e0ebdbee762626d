package engine

import "sync"

const (
	// defaultNoiseBaseline is the ambient noise level assumed before any
	// measurement arrives.
	defaultNoiseBaseline = 300.0

	// minSensitivity and maxSensitivity clamp the user-facing multiplier.
	minSensitivity = 0.5
	maxSensitivity = 2.0

	// baselineKeep and baselineBlend weight old and new ambient measurements
	// when recalibrating at runtime.
	baselineKeep  = 0.7
	baselineBlend = 0.3
)

// Tuner derives the engine's static silence threshold from an ambient noise
// baseline and a user-controlled sensitivity multiplier. Voice commands and
// the config watcher adjust it; callers push the result into the engine with
// [Engine.SetStaticThreshold].
//
// Tuner carries its own lock because adjustments arrive from outside the
// frame path.
type Tuner struct {
	mu          sync.Mutex
	baseline    float64
	sensitivity float64
}

// NewTuner returns a Tuner with the default baseline and a sensitivity of 1.
func NewTuner() *Tuner {
	return &Tuner{baseline: defaultNoiseBaseline, sensitivity: 1.0}
}

// Threshold returns the tuned static threshold: baseline times sensitivity.
func (t *Tuner) Threshold() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.baseline * t.sensitivity
}

// SetBaseline replaces the ambient baseline outright. Startup calibration
// seeds the tuner with the measured room level; runtime recalibration should
// go through [Tuner.UpdateBaseline] so one noisy sample cannot swing the
// threshold.
func (t *Tuner) SetBaseline(v float64) {
	if v <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.baseline = v
}

// UpdateBaseline folds a fresh ambient noise measurement into the baseline,
// weighting the existing value at 0.7 and the measurement at 0.3 so a single
// noisy sample cannot swing the threshold.
func (t *Tuner) UpdateBaseline(ambient float64) {
	if ambient < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.baseline = t.baseline*baselineKeep + ambient*baselineBlend
}

// Sensitivity returns the current multiplier.
func (t *Tuner) Sensitivity() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sensitivity
}

// SetSensitivity replaces the multiplier, clamped to [0.5, 2.0].
func (t *Tuner) SetSensitivity(v float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sensitivity = clampSensitivity(v)
}

// AdjustSensitivity shifts the multiplier by delta, clamped to [0.5, 2.0].
func (t *Tuner) AdjustSensitivity(delta float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sensitivity = clampSensitivity(t.sensitivity + delta)
}

func clampSensitivity(v float64) float64 {
	if v < minSensitivity {
		return minSensitivity
	}
	if v > maxSensitivity {
		return maxSensitivity
	}
	return v
}
