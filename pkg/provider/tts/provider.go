// Package tts defines the Synthesizer interface for Text-to-Speech backends.
//
// A synthesizer wraps a speech synthesis service (e.g., Microsoft Edge's
// read-aloud endpoint or a local Piper instance) and presents a uniform
// streaming interface: it accepts a channel of text fragments and returns a
// channel of raw PCM audio bytes as they become available. The speaking
// coordinator pipes response sentences in and plays chunks out, cancelling
// the context on barge-in.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Synthesizer is the abstraction over any TTS backend.
type Synthesizer interface {
	// Synthesize consumes text fragments from the text channel and returns a
	// channel that emits raw PCM audio byte slices as they are synthesised.
	// The emitted audio is 16 kHz mono 16-bit little-endian PCM, matching
	// the playback path.
	//
	// The returned audio channel is closed by the implementation when all
	// text has been synthesised or when ctx is cancelled. The caller must
	// drain the audio channel to avoid blocking the implementation's
	// internal goroutines.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// encountered during synthesis are signalled by closing the audio
	// channel early; callers should check ctx.Err() to distinguish
	// cancellation from provider errors.
	Synthesize(ctx context.Context, text <-chan string) (<-chan []byte, error)
}
