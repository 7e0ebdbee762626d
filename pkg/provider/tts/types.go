package tts

// Voice describes a synthesis voice configuration.
type Voice struct {
	// ID is the provider-specific voice identifier (e.g., "pt-BR-AntonioNeural").
	ID string

	// Rate adjusts speaking rate as an SSML prosody value (e.g., "+10%").
	// Empty means the provider default.
	Rate string

	// Pitch adjusts pitch as an SSML prosody value (e.g., "+5Hz").
	// Empty means the provider default.
	Pitch string

	// Volume adjusts loudness as an SSML prosody value (e.g., "-10%").
	// Empty means the provider default.
	Volume string
}
