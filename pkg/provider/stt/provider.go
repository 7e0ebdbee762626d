// Package stt defines the Transcriber interface for speech-to-text backends.
//
// Transcribers are batch engines: the voice engine segments the microphone
// stream into complete utterances and hands each one over as a WAV clip. A
// provider wraps a remote API (e.g., Groq's whisper endpoint) or a local
// whisper.cpp instance and turns the clip into text.
//
// Implementations must be safe for concurrent use; the dispatcher runs up to
// a handful of transcriptions in parallel when speech segments arrive faster
// than they can be processed.
package stt

import "context"

// Transcriber is the abstraction over any batch STT backend.
//
// Transcribe blocks until the clip has been processed or ctx is done. A nil
// error with an empty Result.Text means the backend heard nothing usable;
// callers should treat that as silence, not as a failure.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (Result, error)
}
