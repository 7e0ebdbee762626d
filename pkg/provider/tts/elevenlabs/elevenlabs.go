// Package elevenlabs provides a TTS provider backed by the ElevenLabs
// stream-input websocket API. It implements the tts.Synthesizer interface.
//
// Unlike the batch providers, stream-input accepts text incrementally over a
// single websocket connection and returns audio as it is generated, so
// fragments are forwarded the moment they arrive instead of being buffered
// into sentences first. With the default pcm_16000 output format the audio
// matches the playback path and needs no conversion.
//
// Typical usage:
//
//	p, err := elevenlabs.New(os.Getenv("ELEVENLABS_API_KEY"),
//	    elevenlabs.WithVoice("pNInz6obpgDQGcFmaJgB"),
//	)
//	audio, err := p.Synthesize(ctx, textCh)
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/cronovoice/crono/pkg/audio"
	"github.com/cronovoice/crono/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Synthesizer = (*Provider)(nil)

// ---- constants ----

const (
	// DefaultEndpoint is the ElevenLabs websocket API root.
	DefaultEndpoint = "wss://api.elevenlabs.io"

	// DefaultVoiceID is the multilingual sample voice used when none is
	// configured. Deployments should pick a Portuguese voice.
	DefaultVoiceID = "21m00Tcm4TlvDq8ikWAM"

	// DefaultModel is the synthesis model used when none is configured.
	DefaultModel = "eleven_flash_v2_5"

	// DefaultOutputFormat is raw 16 kHz 16-bit PCM, the pipeline's native
	// format.
	DefaultOutputFormat = "pcm_16000"

	// stability and similarityBoost are the voice settings sent with the
	// stream opening message.
	stability       = 0.5
	similarityBoost = 0.75

	// audioChanBuf is the buffer depth of the returned audio channel.
	audioChanBuf = 256

	// pcmChunkSize is the size of each PCM chunk emitted on the audio channel.
	pcmChunkSize = 4096

	// maxMessageSize bounds a single websocket message from the service.
	// Audio arrives base64-encoded inside JSON, so messages run larger than
	// their PCM payload.
	maxMessageSize = 1 << 21
)

// ---- options ----

// Option is a functional option for configuring an elevenlabs Provider.
type Option func(*Provider)

// WithVoice selects the voice ID used for synthesis. Defaults to
// DefaultVoiceID.
func WithVoice(id string) Option {
	return func(p *Provider) {
		p.voiceID = id
	}
}

// WithModel selects the synthesis model (e.g. "eleven_flash_v2_5",
// "eleven_multilingual_v2").
func WithModel(id string) Option {
	return func(p *Provider) {
		p.modelID = id
	}
}

// WithOutputFormat selects the service output format. Only raw pcm_* formats
// are supported; compressed formats cannot feed the playback path.
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithEndpoint overrides the API root. Useful for tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = strings.TrimRight(endpoint, "/")
	}
}

// WithHTTPClient overrides the HTTP client used for the websocket handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = hc
	}
}

// ---- Provider ----

// Provider implements tts.Synthesizer backed by the ElevenLabs stream-input
// API. It is safe for concurrent use; each Synthesize call opens its own
// websocket connection.
type Provider struct {
	apiKey       string
	endpoint     string
	voiceID      string
	modelID      string
	outputFormat string
	sampleRate   int
	httpClient   *http.Client
}

// New creates a Provider with the given API key. The key must be non-empty
// and the configured output format must be a raw pcm_* format.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		endpoint:     DefaultEndpoint,
		voiceID:      DefaultVoiceID,
		modelID:      DefaultModel,
		outputFormat: DefaultOutputFormat,
		httpClient:   http.DefaultClient,
	}
	for _, o := range opts {
		o(p)
	}
	rate, err := parseOutputFormat(p.outputFormat)
	if err != nil {
		return nil, err
	}
	p.sampleRate = rate
	return p, nil
}

// streamRequest is a message sent on the stream-input socket. The opening
// message carries the API key and voice settings; subsequent messages carry
// text fragments; an empty Text signals end of input.
type streamRequest struct {
	Text                 string         `json:"text"`
	TryTriggerGeneration bool           `json:"try_trigger_generation,omitempty"`
	VoiceSettings        *voiceSettings `json:"voice_settings,omitempty"`
	XIAPIKey             string         `json:"xi_api_key,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// streamResponse is a message received from the service. Audio carries
// base64-encoded PCM; IsFinal marks the last message of the stream.
type streamResponse struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
}

// Synthesize opens a stream-input connection, forwards text fragments as
// they arrive and emits the returned audio as 16 kHz mono PCM chunks.
//
// The returned channel is closed when the service finishes the stream or
// when ctx is cancelled. The caller must close the text channel to end the
// stream and must drain the audio channel to prevent goroutine leaks.
func (p *Provider) Synthesize(ctx context.Context, text <-chan string) (<-chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("elevenlabs: context already cancelled: %w", err)
	}
	wsURL, err := p.streamURL()
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build URL: %w", err)
	}

	audioCh := make(chan []byte, audioChanBuf)

	go func() {
		defer close(audioCh)

		conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
			HTTPClient: p.httpClient,
		})
		if err != nil {
			return
		}
		defer func() {
			_ = conn.Close(websocket.StatusNormalClosure, "stream complete")
		}()
		conn.SetReadLimit(maxMessageSize)

		opening := streamRequest{
			Text:          " ",
			VoiceSettings: &voiceSettings{Stability: stability, SimilarityBoost: similarityBoost},
			XIAPIKey:      p.apiKey,
		}
		if err := writeMessage(ctx, conn, opening); err != nil {
			return
		}

		// Writer: forward fragments as they arrive, then signal end of
		// input. An empty fragment would read as end of input on the wire,
		// so those are skipped.
		go func() {
			for {
				select {
				case fragment, ok := <-text:
					if !ok {
						_ = writeMessage(ctx, conn, streamRequest{Text: ""})
						return
					}
					if fragment == "" {
						continue
					}
					msg := streamRequest{Text: fragment + " ", TryTriggerGeneration: true}
					if err := writeMessage(ctx, conn, msg); err != nil {
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()

		// Reader: decode audio messages until the final marker.
		for {
			_, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var resp streamResponse
			if err := json.Unmarshal(msg, &resp); err != nil {
				continue
			}
			if resp.Audio != "" {
				pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
				if err != nil {
					return
				}
				pcm = p.resample(pcm)
				for len(pcm) > 0 {
					end := min(pcmChunkSize, len(pcm))
					select {
					case audioCh <- pcm[:end]:
					case <-ctx.Done():
						return
					}
					pcm = pcm[end:]
				}
			}
			if resp.IsFinal {
				return
			}
		}
	}()

	return audioCh, nil
}

// streamURL builds the stream-input URL for the configured voice, model and
// output format.
func (p *Provider) streamURL() (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	u.Path = "/v1/text-to-speech/" + p.voiceID + "/stream-input"
	q := u.Query()
	q.Set("model_id", p.modelID)
	q.Set("output_format", p.outputFormat)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// resample converts service PCM to the 16 kHz pipeline rate when a
// different pcm_* output format is configured.
func (p *Provider) resample(pcm []byte) []byte {
	if p.sampleRate == audio.DefaultSampleRate {
		return pcm
	}
	conv := &audio.FormatConverter{
		Target: audio.Format{SampleRate: audio.DefaultSampleRate, Channels: 1},
	}
	return conv.Convert(audio.Frame{
		Data:       pcm,
		SampleRate: p.sampleRate,
		Channels:   1,
	}).Data
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg streamRequest) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// parseOutputFormat extracts the sample rate from a pcm_* format name.
func parseOutputFormat(format string) (int, error) {
	rateStr, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: unsupported output format %q (only pcm_* formats can feed playback)", format)
	}
	rate, err := strconv.Atoi(rateStr)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("elevenlabs: malformed output format %q", format)
	}
	return rate, nil
}
