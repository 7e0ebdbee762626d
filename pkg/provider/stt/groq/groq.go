// Package groq provides a speech-to-text transcriber backed by Groq's hosted
// whisper models, reached through Groq's OpenAI-compatible API.
package groq

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/cronovoice/crono/pkg/provider/stt"
)

const (
	// DefaultBaseURL is Groq's OpenAI-compatible endpoint.
	DefaultBaseURL = "https://api.groq.com/openai/v1"

	// DefaultModel is the default transcription model.
	DefaultModel = "whisper-large-v3"

	defaultLanguage = "pt"
	defaultTimeout  = 30 * time.Second
)

// Ensure Transcriber implements the stt.Transcriber interface.
var _ stt.Transcriber = (*Transcriber)(nil)

// Transcriber implements stt.Transcriber using Groq's whisper endpoint.
type Transcriber struct {
	client      oai.Client
	model       string
	language    string
	prompt      string
	temperature float64
}

// config holds optional configuration for the transcriber.
type config struct {
	baseURL     string
	language    string
	prompt      string
	temperature float64
	timeout     time.Duration
	httpClient  *http.Client
}

// Option is a functional option for Transcriber.
type Option func(*config)

// WithBaseURL overrides the default Groq API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithLanguage sets the expected speech language as a BCP-47 code
// (e.g., "pt", "en"). Defaults to "pt".
func WithLanguage(lang string) Option {
	return func(c *config) {
		c.language = lang
	}
}

// WithPrompt sets a vocabulary hint forwarded to whisper. Useful for proper
// nouns the model would otherwise mangle (e.g., the assistant's name).
func WithPrompt(prompt string) Option {
	return func(c *config) {
		c.prompt = prompt
	}
}

// WithTemperature sets the sampling temperature. Defaults to 0 for
// deterministic output.
func WithTemperature(t float64) Option {
	return func(c *config) {
		c.temperature = t
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHTTPClient overrides the HTTP client used for all requests. Takes
// precedence over WithTimeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.httpClient = hc
	}
}

// New constructs a Groq whisper Transcriber.
// If model is empty, DefaultModel (whisper-large-v3) is used.
func New(apiKey string, model string, opts ...Option) (*Transcriber, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("groq stt: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{
		language: defaultLanguage,
		timeout:  defaultTimeout,
	}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(DefaultBaseURL),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	} else if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Transcriber{
		client:      client,
		model:       model,
		language:    cfg.language,
		prompt:      cfg.prompt,
		temperature: cfg.temperature,
	}, nil
}

// Transcribe implements stt.Transcriber. wav must be a complete WAV clip;
// the engine produces 16 kHz mono 16-bit clips, which Groq accepts directly.
func (t *Transcriber) Transcribe(ctx context.Context, wav []byte) (stt.Result, error) {
	if len(wav) == 0 {
		return stt.Result{}, fmt.Errorf("groq stt: empty audio clip")
	}

	params := oai.AudioTranscriptionNewParams{
		File:           oai.File(bytes.NewReader(wav), "segment.wav", "audio/wav"),
		Model:          oai.AudioModel(t.model),
		Language:       param.NewOpt(t.language),
		Temperature:    param.NewOpt(t.temperature),
		ResponseFormat: oai.AudioResponseFormatJSON,
	}
	if t.prompt != "" {
		params.Prompt = param.NewOpt(t.prompt)
	}

	resp, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return stt.Result{}, fmt.Errorf("groq stt: transcribe: %w", err)
	}

	return stt.Result{
		Text:     strings.TrimSpace(resp.Text),
		Language: t.language,
	}, nil
}
