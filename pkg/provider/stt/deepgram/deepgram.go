// Package deepgram provides a Deepgram-backed transcriber using the
// pre-recorded ("listen") REST API.
//
// Each utterance clip is submitted as a complete WAV body and transcribed in
// a single round trip. Wake names and other unusual vocabulary can be boosted
// with WithKeywords so that short Portuguese commands survive recognition.
//
// Usage:
//
//	tr, err := deepgram.New(os.Getenv("DEEPGRAM_API_KEY"),
//	    deepgram.WithLanguage("pt-BR"),
//	    deepgram.WithKeywords("crono"),
//	)
//	res, err := tr.Transcribe(ctx, wavClip)
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cronovoice/crono/pkg/provider/stt"
)

const (
	// DefaultBaseURL is the Deepgram API root.
	DefaultBaseURL = "https://api.deepgram.com"

	// DefaultModel is the transcription model used when none is configured.
	DefaultModel = "nova-3"

	defaultLanguage = "pt"
	defaultTimeout  = 30 * time.Second
)

// Compile-time assertion that Transcriber implements stt.Transcriber.
var _ stt.Transcriber = (*Transcriber)(nil)

// Option is a functional option for configuring a Transcriber.
type Option func(*Transcriber)

// WithBaseURL overrides the API root, e.g. for a self-hosted Deepgram
// deployment or a test server.
func WithBaseURL(baseURL string) Option {
	return func(t *Transcriber) {
		t.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithModel sets the transcription model (e.g. "nova-3", "nova-2").
// Defaults to DefaultModel.
func WithModel(model string) Option {
	return func(t *Transcriber) {
		t.model = model
	}
}

// WithLanguage sets the BCP-47 language tag sent with each request
// (e.g. "pt", "pt-BR"). Defaults to "pt".
func WithLanguage(lang string) Option {
	return func(t *Transcriber) {
		t.language = lang
	}
}

// WithKeywords boosts recognition of out-of-vocabulary words such as the
// assistant's wake names. A word may carry an intensifier suffix in
// Deepgram's "word:2" form.
func WithKeywords(words ...string) Option {
	return func(t *Transcriber) {
		t.keywords = append(t.keywords, words...)
	}
}

// WithTimeout sets the HTTP timeout for each transcription request.
func WithTimeout(d time.Duration) Option {
	return func(t *Transcriber) {
		t.httpClient.Timeout = d
	}
}

// WithHTTPClient overrides the HTTP client used for API requests.
// Useful for tests and for custom transport policies.
func WithHTTPClient(hc *http.Client) Option {
	return func(t *Transcriber) {
		t.httpClient = hc
	}
}

// Transcriber implements stt.Transcriber backed by the Deepgram pre-recorded
// API. It is safe for concurrent use; each Transcribe call is an independent
// HTTP request.
type Transcriber struct {
	apiKey     string
	baseURL    string
	model      string
	language   string
	keywords   []string
	httpClient *http.Client
}

// New creates a Transcriber with the given API key. The key must be
// non-empty.
func New(apiKey string, opts ...Option) (*Transcriber, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	t := &Transcriber{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		model:      DefaultModel,
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// listenResponse mirrors the fields of the pre-recorded API response that
// the voice engine consumes.
type listenResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe implements stt.Transcriber. It POSTs the WAV clip to the
// /v1/listen endpoint and returns the top alternative of the first channel.
func (t *Transcriber) Transcribe(ctx context.Context, wav []byte) (stt.Result, error) {
	if len(wav) == 0 {
		return stt.Result{}, errors.New("deepgram: empty audio clip")
	}

	query := url.Values{}
	query.Set("model", t.model)
	query.Set("language", t.language)
	query.Set("punctuate", "true")
	for _, kw := range t.keywords {
		query.Add("keywords", kw)
	}
	endpoint := t.baseURL + "/v1/listen?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(wav))
	if err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+t.apiKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Msg string `json:"err_msg"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Msg != "" {
			return stt.Result{}, fmt.Errorf("deepgram: HTTP %d: %s", resp.StatusCode, apiErr.Msg)
		}
		return stt.Result{}, fmt.Errorf("deepgram: server returned HTTP %d", resp.StatusCode)
	}

	var parsed listenResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: parse JSON response: %w", err)
	}

	result := stt.Result{
		Language: t.language,
		Duration: time.Duration(parsed.Metadata.Duration * float64(time.Second)),
	}
	if len(parsed.Results.Channels) > 0 && len(parsed.Results.Channels[0].Alternatives) > 0 {
		alt := parsed.Results.Channels[0].Alternatives[0]
		result.Text = strings.TrimSpace(alt.Transcript)
		result.Confidence = alt.Confidence
	}
	return result, nil
}
