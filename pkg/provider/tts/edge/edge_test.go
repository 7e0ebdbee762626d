package edge

import (
	"bytes"
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/cronovoice/crono/pkg/provider/tts"
)

// ---- message construction tests ----

func TestNew_Defaults(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.endpoint != DefaultEndpoint {
		t.Errorf("endpoint = %q; want %q", p.endpoint, DefaultEndpoint)
	}
	if p.voice.ID != DefaultVoice {
		t.Errorf("voice = %q; want %q", p.voice.ID, DefaultVoice)
	}
}

func TestBuildURL_AddsTokenAndConnectionID(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL()
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}

	q := u.Query()
	if got := q.Get("TrustedClientToken"); got != trustedClientToken {
		t.Errorf("TrustedClientToken = %q; want %q", got, trustedClientToken)
	}
	if id := q.Get("ConnectionId"); len(id) != 32 {
		t.Errorf("ConnectionId = %q; want 32 hex chars", id)
	}
}

func TestSpeechConfigMessage_SelectsRawPCM(t *testing.T) {
	msg := string(speechConfigMessage())
	if !strings.Contains(msg, "Path:speech.config") {
		t.Error("missing Path:speech.config header")
	}
	if !strings.Contains(msg, outputFormat) {
		t.Errorf("missing output format %q", outputFormat)
	}
	if !strings.Contains(msg, "\r\n\r\n") {
		t.Error("missing header/body separator")
	}
}

func TestSSMLMessage_EscapesAndTagsVoice(t *testing.T) {
	p, err := New(WithVoice(tts.Voice{ID: "pt-BR-FranciscaNeural", Rate: "+10%"}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	msg := string(p.ssmlMessage("req-1", "1 < 2 & 3"))
	if !strings.Contains(msg, "X-RequestId:req-1") {
		t.Error("missing X-RequestId header")
	}
	if !strings.Contains(msg, "Path:ssml") {
		t.Error("missing Path:ssml header")
	}
	if !strings.Contains(msg, "name='pt-BR-FranciscaNeural'") {
		t.Error("missing voice name")
	}
	if !strings.Contains(msg, "rate='+10%'") {
		t.Error("missing rate override")
	}
	if !strings.Contains(msg, "xml:lang='pt-BR'") {
		t.Error("missing derived language")
	}
	if !strings.Contains(msg, "1 &lt; 2 &amp; 3") {
		t.Errorf("text not XML-escaped: %q", msg)
	}
}

func TestVoiceLanguage(t *testing.T) {
	tests := []struct {
		voiceID string
		want    string
	}{
		{"pt-BR-AntonioNeural", "pt-BR"},
		{"en-US-AriaNeural", "en-US"},
		{"de-DE-KatjaNeural", "de-DE"},
		{"nonsense", "en-US"},
	}
	for _, tc := range tests {
		if got := voiceLanguage(tc.voiceID); got != tc.want {
			t.Errorf("voiceLanguage(%q) = %q; want %q", tc.voiceID, got, tc.want)
		}
	}
}

func TestFindSentenceBoundary(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"simple period", "Olá. Tudo bem", 3},
		{"exclamation", "Para! agora", 4},
		{"question at end", "Que horas são?", 13},
		{"decimal not boundary", "são 3.14 radianos", -1},
		{"no boundary", "ainda falando", -1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := findSentenceBoundary(tc.in); got != tc.want {
				t.Errorf("findSentenceBoundary(%q) = %d; want %d", tc.in, got, tc.want)
			}
		})
	}
}

// ---- end-to-end tests against a fake read-aloud server ----

// binaryAudioFrame builds a service-style binary frame: 2-byte big-endian
// header length, header text, audio payload.
func binaryAudioFrame(header string, payload []byte) []byte {
	frame := make([]byte, 2+len(header)+len(payload))
	binary.BigEndian.PutUint16(frame[:2], uint16(len(header)))
	copy(frame[2:], header)
	copy(frame[2+len(header):], payload)
	return frame
}

// prosodyText extracts the synthesis text from an SSML request message.
func prosodyText(ssml []byte) string {
	s := string(ssml)
	start := strings.Index(s, "<prosody")
	if start < 0 {
		return ""
	}
	open := strings.Index(s[start:], ">")
	if open < 0 {
		return ""
	}
	rest := s[start+open+1:]
	end := strings.Index(rest, "</prosody>")
	if end < 0 {
		return ""
	}
	return rest[:end]
}

// newReadAloudServer starts a fake read-aloud endpoint that echoes each
// request's prosody text back as the audio payload.
func newReadAloudServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()

		_, cfg, err := c.Read(ctx)
		if err != nil {
			return
		}
		if !bytes.Contains(cfg, []byte("Path:speech.config")) {
			t.Errorf("first message is not speech.config: %q", cfg)
		}

		_, ssml, err := c.Read(ctx)
		if err != nil {
			return
		}
		payload := []byte(prosodyText(ssml))

		_ = c.Write(ctx, websocket.MessageText, []byte("X-RequestId:t\r\nPath:turn.start\r\n\r\n{}"))
		_ = c.Write(ctx, websocket.MessageBinary, binaryAudioFrame("X-RequestId:t\r\nContent-Type:audio/x-raw\r\nPath:audio\r\n", payload))
		_ = c.Write(ctx, websocket.MessageText, []byte("X-RequestId:t\r\nPath:turn.end\r\n\r\n{}"))
		c.Close(websocket.StatusNormalClosure, "")
	}))
}

func wsEndpoint(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func collect(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	var out []byte
	for chunk := range ch {
		out = append(out, chunk...)
	}
	return out
}

func TestSynthesize_SingleSentence(t *testing.T) {
	srv := newReadAloudServer(t)
	defer srv.Close()

	p, err := New(WithEndpoint(wsEndpoint(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	text := make(chan string, 1)
	text <- "Bom dia."
	close(text)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := p.Synthesize(ctx, text)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	got := collect(t, ch)
	if string(got) != "Bom dia." {
		t.Errorf("audio payload = %q; want echo of sentence", got)
	}
}

func TestSynthesize_PreservesSentenceOrder(t *testing.T) {
	srv := newReadAloudServer(t)
	defer srv.Close()

	p, err := New(WithEndpoint(wsEndpoint(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	text := make(chan string, 3)
	text <- "Primeira frase. Segunda "
	text <- "frase. Terceira frase."
	close(text)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := p.Synthesize(ctx, text)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	got := string(collect(t, ch))
	want := "Primeira frase.Segunda frase.Terceira frase."
	if got != want {
		t.Errorf("audio = %q; want %q", got, want)
	}
}

func TestSynthesize_ServerFailure_ClosesStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no websocket here", http.StatusBadGateway)
	}))
	defer srv.Close()

	p, err := New(WithEndpoint(wsEndpoint(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	text := make(chan string, 1)
	text <- "Olá."
	close(text)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := p.Synthesize(ctx, text)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got := collect(t, ch); len(got) != 0 {
		t.Errorf("expected no audio on dial failure, got %d bytes", len(got))
	}
}

func TestSynthesize_CancelledContext_ReturnsError(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Synthesize(ctx, make(chan string)); err == nil {
		t.Fatal("expected error for cancelled context, got nil")
	}
}
