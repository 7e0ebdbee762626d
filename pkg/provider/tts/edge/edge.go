// Package edge provides a TTS provider backed by Microsoft Edge's read-aloud
// WebSocket endpoint. It implements the tts.Synthesizer interface.
//
// The service is the same one the Edge browser uses for its read-aloud
// feature: a WebSocket connection receives a speech.config message followed
// by an SSML request and answers with a run of binary audio frames terminated
// by a turn.end marker. Audio is requested as raw 16 kHz mono 16-bit PCM so
// the output can be played back (and monitored for barge-in) without any
// decoding step.
//
// Because each WebSocket turn synthesises one utterance, Synthesize
// accumulates incoming text fragments into complete sentences and dispatches
// one turn per sentence with a small lookahead, preserving output order.
//
// Typical usage:
//
//	p, err := edge.New(edge.WithVoice(tts.Voice{ID: "pt-BR-AntonioNeural"}))
//	audio, err := p.Synthesize(ctx, textCh)
package edge

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/coder/websocket"

	"github.com/cronovoice/crono/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Synthesizer = (*Provider)(nil)

// ---- constants ----

const (
	// DefaultEndpoint is the Edge read-aloud WebSocket endpoint.
	DefaultEndpoint = "wss://speech.platform.bing.com/consumer/speech/synthesize/readaloud/edge/v1"

	// DefaultVoice is the default synthesis voice.
	DefaultVoice = "pt-BR-AntonioNeural"

	// trustedClientToken is the public token the Edge browser sends to the
	// read-aloud service.
	trustedClientToken = "6A5AA1D4EAFF4E9FB37E23D68491D6F4"

	// outputFormat requests raw PCM so no decoder is needed downstream.
	outputFormat = "raw-16khz-16bit-mono-pcm"

	// sentenceLookahead controls how many synthesis turns may be in flight
	// simultaneously.
	sentenceLookahead = 2

	// audioChanBuf is the buffer depth of the returned audio channel.
	audioChanBuf = 256

	// pcmChunkSize is the size of each PCM chunk emitted on the audio channel.
	pcmChunkSize = 4096

	// maxFrameSize bounds a single WebSocket frame from the service.
	maxFrameSize = 1 << 20
)

// ---- options ----

// Option is a functional option for configuring an edge Provider.
type Option func(*Provider)

// WithVoice sets the synthesis voice. A Voice with an empty ID keeps the
// default (pt-BR-AntonioNeural).
func WithVoice(v tts.Voice) Option {
	return func(p *Provider) {
		if v.ID != "" {
			p.voice.ID = v.ID
		}
		if v.Rate != "" {
			p.voice.Rate = v.Rate
		}
		if v.Pitch != "" {
			p.voice.Pitch = v.Pitch
		}
		if v.Volume != "" {
			p.voice.Volume = v.Volume
		}
	}
}

// WithEndpoint overrides the WebSocket endpoint. Useful for tests and for
// proxied deployments.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = hc
	}
}

// ---- Provider ----

// Provider implements tts.Synthesizer backed by the Edge read-aloud service.
// It is safe for concurrent use; each synthesis turn is an independent
// WebSocket connection.
type Provider struct {
	endpoint   string
	voice      tts.Voice
	httpClient *http.Client
}

// New creates a new edge Provider.
func New(opts ...Option) (*Provider, error) {
	p := &Provider{
		endpoint: DefaultEndpoint,
		voice: tts.Voice{
			ID:     DefaultVoice,
			Rate:   "+0%",
			Pitch:  "+0Hz",
			Volume: "+0%",
		},
	}
	for _, o := range opts {
		o(p)
	}
	if p.endpoint == "" {
		return nil, errors.New("edge: endpoint must not be empty")
	}
	if _, err := url.Parse(p.endpoint); err != nil {
		return nil, fmt.Errorf("edge: invalid endpoint: %w", err)
	}
	return p, nil
}

// audioResult carries synthesised PCM or an error from a worker goroutine.
type audioResult struct {
	pcm []byte
	err error
}

// Synthesize consumes text fragments, accumulates them into complete
// sentences (split on '.', '!', '?' followed by whitespace or EOF), and for
// each sentence runs one read-aloud turn. The resulting PCM is emitted on the
// returned channel in the original sentence order.
//
// The returned channel is closed when all text has been synthesised or when
// ctx is cancelled. The caller must drain the channel to prevent goroutine
// leaks.
func (p *Provider) Synthesize(ctx context.Context, text <-chan string) (<-chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("edge: context already cancelled: %w", err)
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

		// Dispatcher: one read-aloud turn per sentence, ordered results.
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
						// Stop the stream; callers check ctx.Err() to
						// distinguish cancellation from provider errors.
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

// synthesize runs one complete read-aloud turn: dial, configure, send SSML,
// collect binary audio frames until turn.end.
func (p *Provider) synthesize(ctx context.Context, sentence string) ([]byte, error) {
	wsURL, err := p.buildURL()
	if err != nil {
		return nil, fmt.Errorf("edge: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Pragma", "no-cache")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Origin", "chrome-extension://jdiccldimpdaibmpdkjnbmckianbfold")
	headers.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 Edg/131.0.0.0")

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
		HTTPClient: p.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("edge: dial: %w", err)
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "turn complete")
	}()
	conn.SetReadLimit(maxFrameSize)

	requestID := newRequestID()

	if err := conn.Write(ctx, websocket.MessageText, speechConfigMessage()); err != nil {
		return nil, fmt.Errorf("edge: send speech.config: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, p.ssmlMessage(requestID, sentence)); err != nil {
		return nil, fmt.Errorf("edge: send ssml: %w", err)
	}

	var pcm []byte
	for {
		msgType, msg, err := conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("edge: read: %w", err)
		}

		switch msgType {
		case websocket.MessageText:
			if bytes.Contains(msg, []byte("Path:turn.end")) {
				return pcm, nil
			}
			// turn.start, audio.metadata and response markers are ignored.

		case websocket.MessageBinary:
			// Binary frames carry a 2-byte big-endian header length, the
			// text header, then the audio payload.
			if len(msg) < 2 {
				continue
			}
			headerLen := int(binary.BigEndian.Uint16(msg[:2]))
			if len(msg) < 2+headerLen {
				continue
			}
			header := msg[2 : 2+headerLen]
			if !bytes.Contains(header, []byte("Path:audio")) {
				continue
			}
			pcm = append(pcm, msg[2+headerLen:]...)
		}
	}
}

// buildURL appends the trusted client token and a fresh connection ID to the
// configured endpoint.
func (p *Provider) buildURL() (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("TrustedClientToken", trustedClientToken)
	q.Set("ConnectionId", newRequestID())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// speechConfigMessage builds the speech.config message that selects the
// output format for the turn.
func speechConfigMessage() []byte {
	const body = `{"context":{"synthesis":{"audio":{"metadataoptions":{"sentenceBoundaryEnabled":"false","wordBoundaryEnabled":"false"},"outputFormat":"` + outputFormat + `"}}}}`
	var b strings.Builder
	b.WriteString("X-Timestamp:" + jsTimestamp() + "\r\n")
	b.WriteString("Content-Type:application/json; charset=utf-8\r\n")
	b.WriteString("Path:speech.config\r\n\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// ssmlMessage builds the SSML request message for one sentence.
func (p *Provider) ssmlMessage(requestID, sentence string) []byte {
	ssml := fmt.Sprintf(
		"<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' xml:lang='%s'>"+
			"<voice name='%s'><prosody pitch='%s' rate='%s' volume='%s'>%s</prosody></voice></speak>",
		voiceLanguage(p.voice.ID), p.voice.ID,
		orDefault(p.voice.Pitch, "+0Hz"), orDefault(p.voice.Rate, "+0%"), orDefault(p.voice.Volume, "+0%"),
		escapeXML(sentence),
	)

	var b strings.Builder
	b.WriteString("X-RequestId:" + requestID + "\r\n")
	b.WriteString("Content-Type:application/ssml+xml\r\n")
	b.WriteString("X-Timestamp:" + jsTimestamp() + "\r\n")
	b.WriteString("Path:ssml\r\n\r\n")
	b.WriteString(ssml)
	return []byte(b.String())
}

// ---- helpers ----

// voiceLanguage derives the xml:lang value from a voice ID such as
// "pt-BR-AntonioNeural".
func voiceLanguage(voiceID string) string {
	parts := strings.SplitN(voiceID, "-", 3)
	if len(parts) >= 2 {
		return parts[0] + "-" + parts[1]
	}
	return "en-US"
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	"'", "&apos;",
	`"`, "&quot;",
)

func escapeXML(s string) string {
	return xmlEscaper.Replace(s)
}

// jsTimestamp formats the current time the way the Edge client does.
func jsTimestamp() string {
	return time.Now().UTC().Format("Mon Jan 02 2006 15:04:05") + " GMT+0000 (Coordinated Universal Time)"
}

// newRequestID returns a 32-character lowercase hex identifier.
func newRequestID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Fall back to a time-derived ID; collisions are harmless here.
		return fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

// findSentenceBoundary returns the index of the first sentence-ending
// character ('.', '!', '?') that is either at the end of s or immediately
// followed by whitespace. Returns -1 if no sentence boundary is found.
//
// This ensures that abbreviations like "Dr." or decimal numbers like "3.14"
// are not incorrectly treated as sentence boundaries when followed by a
// non-space character.
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
