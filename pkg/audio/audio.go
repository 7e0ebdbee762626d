// Package audio defines the frame types and device interfaces the capture
// and playback layers are built on.
//
// The two primary abstractions are:
//
//   - [CaptureDevice] — a blocking mono PCM input stream read one frame at a
//     time by the engine's capture goroutine.
//   - [PlaybackDevice] — a blocking PCM sink the speaking coordinator writes
//     synthesized audio to.
//
// Implementations live in adapter subpackages (audio/portaudio for real
// hardware, audio/mock for scripted tests). The interfaces are intentionally
// narrow so the engine stays decoupled from driver details.
//
// All PCM in this package is 16-bit signed little-endian.
package audio

import "time"

const (
	// DefaultSampleRate is the capture sample rate in Hz the engine expects.
	DefaultSampleRate = 16000

	// DefaultFrameDuration is the length of one capture frame.
	DefaultFrameDuration = 30 * time.Millisecond

	// BytesPerSample is the width of one 16-bit PCM sample.
	BytesPerSample = 2
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Frame is the atomic unit of audio flowing through the pipeline: one block
// of PCM captured from an input device or emitted by a synthesizer. A Frame
// is immutable once produced; consumers must not modify Data.
type Frame struct {
	// Data is raw little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz (e.g. 16000 for the capture pipeline).
	SampleRate int

	// Channels: 1 for mono capture, 2 for stereo playback devices.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the play time of the frame's PCM data.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / (BytesPerSample * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// FrameSamples returns the number of samples in one frame of duration d at
// the given sample rate (480 for 30 ms at 16 kHz).
func FrameSamples(sampleRate int, d time.Duration) int {
	return int(int64(sampleRate) * int64(d) / int64(time.Second))
}

// FrameBytes returns the byte length of one mono frame of duration d at the
// given sample rate.
func FrameBytes(sampleRate int, d time.Duration) int {
	return FrameSamples(sampleRate, d) * BytesPerSample
}
