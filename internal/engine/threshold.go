package engine

import (
	"math"
	"time"
)

const (
	// noiseFloorAlpha is the EMA smoothing factor for the ambient noise floor.
	noiseFloorAlpha = 0.08

	// noiseFloorMultiplier and noiseFloorMargin turn the tracked floor into a
	// speech threshold: floor*multiplier + margin.
	noiseFloorMultiplier = 1.8
	noiseFloorMargin     = 40.0

	// noiseContaminationLimit caps which energies may update the floor, as a
	// multiple of the static threshold. Loud transients above the limit are
	// excluded so they cannot drag the floor upward.
	noiseContaminationLimit = 1.2

	// echoThresholdBoost is added to the base threshold while the assistant is
	// speaking, riding the plain comparison over playback echo.
	echoThresholdBoost = 200.0

	// ttsBaselineAlpha is the EMA smoothing factor for the playback echo
	// baseline tracked during TTS output.
	ttsBaselineAlpha = 0.15

	// bargeInMultiplier and bargeInDelta set how far above the echo baseline
	// user speech must rise to count as a barge-in.
	bargeInMultiplier = 1.6
	bargeInDelta      = 200.0
)

// Energy returns the root-mean-square amplitude of little-endian int16 PCM.
// An empty or sub-sample frame yields 0.
func Energy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := range samples {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum / float64(samples))
}

// thresholdEstimator derives the per-frame speech threshold from a static
// baseline and a slowly adapting ambient noise floor.
//
// It carries no lock of its own: the engine mutates it under its single
// mutex, once per frame.
type thresholdEstimator struct {
	static    float64
	floor     float64
	floorInit bool
}

func newThresholdEstimator(static float64) *thresholdEstimator {
	return &thresholdEstimator{static: static}
}

// observe feeds one frame's energy into the noise floor. The floor adapts
// only while the system is neither speaking nor recording an utterance; the
// first observed sample initializes it directly, later samples blend in only
// when at or below the contamination limit.
func (t *thresholdEstimator) observe(energy float64, speaking, recording bool) {
	if speaking || recording {
		return
	}
	if !t.floorInit {
		t.floor = energy
		t.floorInit = true
		return
	}
	if energy <= t.static*noiseContaminationLimit {
		t.floor = (1-noiseFloorAlpha)*t.floor + noiseFloorAlpha*energy
	}
}

// base returns the threshold before echo compensation: the static threshold,
// or the scaled noise floor when that is higher.
func (t *thresholdEstimator) base() float64 {
	b := t.static
	if t.floorInit {
		if adaptive := t.floor*noiseFloorMultiplier + noiseFloorMargin; adaptive > b {
			b = adaptive
		}
	}
	return b
}

// effective returns the speech threshold for the current frame. While the
// assistant speaks, a fixed boost lifts it over playback echo.
func (t *thresholdEstimator) effective(speaking bool) float64 {
	if speaking {
		return t.base() + echoThresholdBoost
	}
	return t.base()
}

func (t *thresholdEstimator) setStatic(v float64) { t.static = v }

func (t *thresholdEstimator) staticThreshold() float64 { return t.static }

func (t *thresholdEstimator) noiseFloor() float64 { return t.floor }

// bargeInDetector decides whether microphone energy observed during TTS
// playback is the user talking over the assistant or merely the assistant's
// own voice leaking back in.
//
// The playback echo is nonstationary, so a fixed threshold cannot separate
// the two. Instead the detector tracks the echo as a moving baseline and
// requires speech to clear baseline*multiplier + delta.
//
// Like thresholdEstimator, it is mutated only under the engine's mutex.
type bargeInDetector struct {
	guard        time.Duration
	startedAt    time.Time
	baseline     float64
	baselineInit bool
}

func newBargeInDetector(guard time.Duration) *bargeInDetector {
	return &bargeInDetector{guard: guard}
}

// startTurn marks the beginning of TTS playback. The previous turn's echo
// baseline is discarded; it will re-initialize from the first frame after
// the guard window.
func (b *bargeInDetector) startTurn(now time.Time) {
	b.startedAt = now
	b.baseline = 0
	b.baselineInit = false
}

// stopTurn clears the echo baseline when playback ends.
func (b *bargeInDetector) stopTurn() {
	b.baseline = 0
	b.baselineInit = false
}

// detect reports whether energy constitutes user speech over playback.
// threshold is the engine's effective (echo-boosted) threshold and serves as
// the floor of the dynamic comparison.
//
// Within the guard window after startTurn the answer is always false and the
// baseline is left untouched; the playback onset would otherwise poison it.
func (b *bargeInDetector) detect(now time.Time, energy, threshold float64) bool {
	if now.Sub(b.startedAt) < b.guard {
		return false
	}
	if !b.baselineInit {
		b.baseline = energy
		b.baselineInit = true
		return false
	}
	b.baseline = (1-ttsBaselineAlpha)*b.baseline + ttsBaselineAlpha*energy

	dynamic := b.baseline*bargeInMultiplier + bargeInDelta
	if threshold > dynamic {
		dynamic = threshold
	}
	return energy > dynamic
}
