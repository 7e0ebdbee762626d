// Package coqui provides a TTS provider backed by a Coqui-TTS HTTP server.
// It implements the tts.Synthesizer interface.
//
// Two server flavours are supported. The standard tts-server exposes
// GET /api/tts and selects voices by speaker ID. XTTS deployments expose
// POST /tts_to_audio/ and clone a voice from a reference WAV sample, which
// gives the assistant a custom Portuguese voice from a few seconds of
// recorded speech.
//
// Like the other batch engines, Synthesize accumulates text fragments into
// complete sentences and dispatches concurrent requests with a small
// lookahead, preserving output order. WAV responses are decoded and
// normalised to 16 kHz mono PCM.
//
// Typical usage:
//
//	p, err := coqui.New("http://localhost:5002",
//	    coqui.WithLanguage("pt"),
//	    coqui.WithXTTS("/data/voices/antonio.wav"),
//	)
//	audio, err := p.Synthesize(ctx, textCh)
package coqui

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
	"unicode"

	"github.com/cronovoice/crono/pkg/audio"
	"github.com/cronovoice/crono/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Synthesizer = (*Provider)(nil)

// APIMode selects which Coqui server API the provider speaks.
type APIMode string

const (
	// APIModeStandard targets the stock tts-server (GET /api/tts).
	APIModeStandard APIMode = "standard"

	// APIModeXTTS targets an XTTS server (POST /tts_to_audio/) with voice
	// cloning from a reference sample.
	APIModeXTTS APIMode = "xtts"
)

// ---- constants ----

const (
	defaultLanguage = "pt"
	defaultTimeout  = 60 * time.Second

	// sentenceLookahead controls how many concurrent synthesis requests may
	// be in flight simultaneously.
	sentenceLookahead = 2

	// audioChanBuf is the buffer depth of the returned audio channel.
	audioChanBuf = 256

	// pcmChunkSize is the size of each PCM chunk emitted on the audio channel.
	pcmChunkSize = 4096
)

// ---- options ----

// Option is a functional option for configuring a coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language identifier passed to multilingual models
// (e.g. "pt", "en"). Defaults to "pt".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithSpeaker selects a named speaker on multi-speaker models in standard
// mode (the server's speaker_id). Ignored in XTTS mode.
func WithSpeaker(id string) Option {
	return func(p *Provider) {
		p.speakerID = id
	}
}

// WithXTTS switches the provider to XTTS mode, cloning the voice from the
// reference WAV at speakerWAV. The path is resolved by the server, not by
// this process.
func WithXTTS(speakerWAV string) Option {
	return func(p *Provider) {
		p.mode = APIModeXTTS
		p.speakerWAV = speakerWAV
	}
}

// WithTimeout sets the per-request HTTP timeout. XTTS synthesis on CPU can
// take tens of seconds for long sentences, hence the generous default of
// 60 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithHTTPClient overrides the HTTP client used for synthesis requests.
// Takes precedence over WithTimeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = hc
	}
}

// ---- Provider ----

// Provider implements tts.Synthesizer backed by a Coqui-TTS server. It is
// safe for concurrent use; multiple Synthesize calls may run in parallel.
type Provider struct {
	serverURL  string
	httpClient *http.Client
	mode       APIMode
	language   string
	speakerID  string
	speakerWAV string
}

// New creates a new coqui Provider that targets the server at serverURL
// (e.g., "http://localhost:5002"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		mode:      APIModeStandard,
		language:  defaultLanguage,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	if p.mode == APIModeXTTS && p.speakerWAV == "" {
		return nil, errors.New("coqui: XTTS mode requires a reference speaker WAV")
	}
	return p, nil
}

// audioResult carries synthesised PCM or an error from a worker goroutine.
type audioResult struct {
	pcm []byte
	err error
}

// Synthesize consumes text fragments, accumulates them into complete
// sentences and synthesises each one through the configured server API. The
// audio is emitted on the returned channel as 16 kHz mono PCM chunks in the
// original sentence order.
//
// The returned channel is closed when all text has been synthesised or when
// ctx is cancelled. The caller must drain the channel to prevent goroutine
// leaks.
func (p *Provider) Synthesize(ctx context.Context, text <-chan string) (<-chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("coqui: context already cancelled: %w", err)
	}

	audioCh := make(chan []byte, audioChanBuf)

	go func() {
		defer close(audioCh)

		sentences := make(chan string, sentenceLookahead)
		resultQueue := make(chan chan audioResult, sentenceLookahead)

		// Accumulator: buffers fragments and emits complete sentences.
		go func() {
			defer close(sentences)
			var buf strings.Builder
			for {
				select {
				case fragment, ok := <-text:
					if !ok {
						if remaining := strings.TrimSpace(buf.String()); remaining != "" {
							select {
							case sentences <- remaining:
							case <-ctx.Done():
							}
						}
						return
					}
					buf.WriteString(fragment)
					for {
						s := buf.String()
						idx := findSentenceBoundary(s)
						if idx < 0 {
							break
						}
						sentence := strings.TrimSpace(s[:idx+1])
						buf.Reset()
						buf.WriteString(s[idx+1:])
						if sentence == "" {
							continue
						}
						select {
						case sentences <- sentence:
						case <-ctx.Done():
							return
						}
					}
				case <-ctx.Done():
					return
				}
			}
		}()

		// Dispatcher: one concurrent request per sentence, ordered results.
		go func() {
			defer close(resultQueue)
			for {
				select {
				case sentence, ok := <-sentences:
					if !ok {
						return
					}
					ch := make(chan audioResult, 1)
					select {
					case resultQueue <- ch:
					case <-ctx.Done():
						return
					}
					go func(s string, out chan<- audioResult) {
						pcm, err := p.synthesize(ctx, s)
						out <- audioResult{pcm: pcm, err: err}
					}(sentence, ch)
				case <-ctx.Done():
					return
				}
			}
		}()

		// Collector: drains results in order and emits PCM chunks.
		for {
			select {
			case ch, ok := <-resultQueue:
				if !ok {
					return
				}
				select {
				case result := <-ch:
					if result.err != nil {
						return
					}
					pcm := result.pcm
					for len(pcm) > 0 {
						end := min(pcmChunkSize, len(pcm))
						select {
						case audioCh <- pcm[:end]:
						case <-ctx.Done():
							return
						}
						pcm = pcm[end:]
					}
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

// synthesize requests audio for one sentence through the configured API mode
// and returns it as 16 kHz mono PCM.
func (p *Provider) synthesize(ctx context.Context, sentence string) ([]byte, error) {
	var (
		wav []byte
		err error
	)
	if p.mode == APIModeXTTS {
		wav, err = p.requestXTTS(ctx, sentence)
	} else {
		wav, err = p.requestStandard(ctx, sentence)
	}
	if err != nil {
		return nil, err
	}

	pcm, format, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	if format.SampleRate != audio.DefaultSampleRate || format.Channels != 1 {
		conv := &audio.FormatConverter{
			Target: audio.Format{SampleRate: audio.DefaultSampleRate, Channels: 1},
		}
		pcm = conv.Convert(audio.Frame{
			Data:       pcm,
			SampleRate: format.SampleRate,
			Channels:   format.Channels,
		}).Data
	}
	return pcm, nil
}

// requestStandard fetches audio from the stock tts-server API.
func (p *Provider) requestStandard(ctx context.Context, sentence string) ([]byte, error) {
	query := url.Values{}
	query.Set("text", sentence)
	if p.speakerID != "" {
		query.Set("speaker_id", p.speakerID)
	}
	if p.language != "" {
		query.Set("language_id", p.language)
	}
	endpoint := p.serverURL + "/api/tts?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: GET /api/tts: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: GET /api/tts returned status %d", resp.StatusCode)
	}
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	return wav, nil
}

// xttsRequest is the JSON body of an XTTS synthesis call.
type xttsRequest struct {
	Text       string `json:"text"`
	SpeakerWAV string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// requestXTTS fetches audio from an XTTS server, cloning the configured
// reference voice.
func (p *Provider) requestXTTS(ctx context.Context, sentence string) ([]byte, error) {
	body, err := json.Marshal(xttsRequest{
		Text:       sentence,
		SpeakerWAV: p.speakerWAV,
		Language:   p.language,
	})
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/tts_to_audio/", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("coqui: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: POST /tts_to_audio/: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: POST /tts_to_audio/ returned status %d", resp.StatusCode)
	}
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	return wav, nil
}

// findSentenceBoundary returns the index of the first sentence-ending
// character ('.', '!', '?') that is either at the end of s or immediately
// followed by whitespace. Returns -1 if no sentence boundary is found.
func findSentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == '!' || c == '?' {
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}
