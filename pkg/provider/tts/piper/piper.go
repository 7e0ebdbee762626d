// Package piper provides a TTS provider backed by a locally-running Piper
// HTTP server. It implements the tts.Synthesizer interface.
//
// Piper operates in batch mode (one HTTP call per utterance), so Synthesize
// accumulates incoming text fragments into complete sentences and dispatches
// concurrent HTTP requests with a small lookahead buffer, preserving output
// order. WAV responses are decoded and normalised to 16 kHz mono PCM.
//
// Piper runs fully offline, which makes this provider the fallback voice
// when the network (and with it the Edge read-aloud service) is unavailable.
//
// Typical usage:
//
//	p, err := piper.New("http://localhost:5000",
//	    piper.WithTimeout(15*time.Second),
//	)
//	audio, err := p.Synthesize(ctx, textCh)
package piper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/cronovoice/crono/pkg/audio"
	"github.com/cronovoice/crono/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Synthesizer = (*Provider)(nil)

// ---- constants ----

const (
	defaultTimeout = 30 * time.Second

	// sentenceLookahead controls how many concurrent HTTP synthesis
	// requests may be in flight simultaneously.
	sentenceLookahead = 2

	// audioChanBuf is the buffer depth of the returned audio channel.
	audioChanBuf = 256

	// pcmChunkSize is the size of each PCM chunk emitted on the audio channel.
	pcmChunkSize = 4096
)

// ---- options ----

// Option is a functional option for configuring a piper Provider.
type Option func(*Provider)

// WithTimeout sets the per-request HTTP timeout for calls to the Piper
// server. Defaults to 30 s.
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

// WithSpeaker selects a speaker ID for multi-speaker Piper models. The zero
// value keeps the model default.
func WithSpeaker(id int) Option {
	return func(p *Provider) {
		p.speakerID = id
		p.hasSpeaker = true
	}
}

// ---- Provider ----

// Provider implements tts.Synthesizer backed by a Piper HTTP server. It is
// safe for concurrent use; multiple Synthesize calls may run in parallel.
type Provider struct {
	serverURL  string
	httpClient *http.Client
	speakerID  int
	hasSpeaker bool
}

// New creates a new piper Provider that targets the server at serverURL
// (e.g., "http://localhost:5000"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("piper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// synthesisRequest is the JSON body sent to the Piper server.
type synthesisRequest struct {
	Text      string `json:"text"`
	SpeakerID *int   `json:"speaker_id,omitempty"`
}

// audioResult carries synthesised PCM or an error from a worker goroutine.
type audioResult struct {
	pcm []byte
	err error
}

// Synthesize consumes text fragments, accumulates them into complete
// sentences (split on '.', '!', '?' followed by whitespace or EOF), and for
// each sentence issues an HTTP synthesis request. The WAV responses are
// decoded, normalised to 16 kHz mono, and emitted on the returned channel in
// the original sentence order.
//
// The returned channel is closed when all text has been synthesised or when
// ctx is cancelled. The caller must drain the channel to prevent goroutine
// leaks.
func (p *Provider) Synthesize(ctx context.Context, text <-chan string) (<-chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("piper: context already cancelled: %w", err)
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

		// Dispatcher: one concurrent HTTP request per sentence, ordered
		// results.
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

// synthesize performs a single POST to the Piper server and returns the
// synthesised audio as 16 kHz mono PCM.
func (p *Provider) synthesize(ctx context.Context, sentence string) ([]byte, error) {
	body := synthesisRequest{Text: sentence}
	if p.hasSpeaker {
		body.SpeakerID = &p.speakerID
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("piper: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("piper: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("piper: POST /: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("piper: POST / returned status %d", resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("piper: read WAV response: %w", err)
	}

	pcm, format, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("piper: %w", err)
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
