package stt

import "time"

// Result represents a completed transcription of one speech segment.
type Result struct {
	// Text is the transcribed speech content, whitespace-trimmed.
	Text string

	// Language is the BCP-47 language tag the backend recognized or was
	// configured with (e.g., "pt"). May be empty if the provider does not
	// report it.
	Language string

	// Confidence is the overall confidence score (0.0-1.0). Zero when the
	// provider does not report confidence.
	Confidence float64

	// Duration is the length of speech the backend attributed to the text.
	// Zero when the provider does not report timing.
	Duration time.Duration
}
