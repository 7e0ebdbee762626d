package audio

import (
	"context"
	"errors"
)

// ErrDeviceClosed is returned by [CaptureDevice.ReadFrame] and
// [PlaybackDevice.Write] once the device has been closed. Callers treat it as
// a clean end of stream, not a fault.
var ErrDeviceClosed = errors.New("audio: device closed")

// CaptureDevice is a blocking audio input stream. ReadFrame blocks for at
// most one frame period and returns the next captured frame.
//
// A transient read error (driver hiccup, overflow) is returned as a normal
// non-nil error; the caller is expected to log it and keep reading. Only
// [ErrDeviceClosed] terminates the stream.
//
// Implementations must be safe for a single reader plus concurrent Close.
type CaptureDevice interface {
	// ReadFrame returns the next frame of mono PCM. It honours ctx
	// cancellation between driver reads.
	ReadFrame(ctx context.Context) (Frame, error)

	// Close stops the stream and releases the device. Safe to call more
	// than once.
	Close() error
}

// PlaybackDevice is a blocking audio output sink. Write blocks until the
// driver has accepted the PCM chunk.
//
// Implementations must be safe for a single writer plus concurrent Close.
type PlaybackDevice interface {
	// Write queues pcm (little-endian int16, device format) for playback.
	Write(ctx context.Context, pcm []byte) error

	// Close drains and releases the device. Safe to call more than once.
	Close() error
}

// DeviceInfo describes one host audio device, used for selection and for the
// enumeration diagnostics logged when a stream cannot be opened.
type DeviceInfo struct {
	Index             int
	Name              string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
}
