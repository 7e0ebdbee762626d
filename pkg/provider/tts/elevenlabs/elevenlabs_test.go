package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// ---- construction tests ----

func TestNew_EmptyAPIKey_ReturnsError(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Fatal("expected error for empty apiKey, got nil")
	}
}

func TestNew_RejectsCompressedOutputFormat(t *testing.T) {
	_, err := New("el-key", WithOutputFormat("mp3_44100_128"))
	if err == nil {
		t.Fatal("expected error for compressed output format, got nil")
	}
}

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		format  string
		want    int
		wantErr bool
	}{
		{"pcm_16000", 16000, false},
		{"pcm_22050", 22050, false},
		{"pcm_44100", 44100, false},
		{"mp3_44100_128", 0, true},
		{"pcm_abc", 0, true},
		{"", 0, true},
	}
	for _, tc := range tests {
		got, err := parseOutputFormat(tc.format)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseOutputFormat(%q): expected error, got %d", tc.format, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("parseOutputFormat(%q) = %d, %v; want %d", tc.format, got, err, tc.want)
		}
	}
}

func TestStreamURL_SelectsVoiceModelFormat(t *testing.T) {
	p, err := New("el-key",
		WithVoice("abc123"),
		WithModel("eleven_multilingual_v2"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	raw, err := p.streamURL()
	if err != nil {
		t.Fatalf("streamURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}

	if want := "/v1/text-to-speech/abc123/stream-input"; u.Path != want {
		t.Errorf("path = %q; want %q", u.Path, want)
	}
	q := u.Query()
	if got := q.Get("model_id"); got != "eleven_multilingual_v2" {
		t.Errorf("model_id = %q; want eleven_multilingual_v2", got)
	}
	if got := q.Get("output_format"); got != DefaultOutputFormat {
		t.Errorf("output_format = %q; want %q", got, DefaultOutputFormat)
	}
}

// ---- end-to-end tests against a fake stream-input server ----

// streamRecorder captures what a fake stream-input server received: the
// decoded opening message and the text of each subsequent fragment.
type streamRecorder struct {
	mu      sync.Mutex
	opening map[string]any
	texts   []string
}

// newStreamInputServer accepts one stream-input connection, echoes each text
// fragment back as base64 audio and answers the end-of-input message with an
// isFinal marker.
func newStreamInputServer(t *testing.T, rec *streamRecorder) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()

		_, first, err := c.Read(ctx)
		if err != nil {
			return
		}
		if rec != nil {
			var opening map[string]any
			_ = json.Unmarshal(first, &opening)
			rec.mu.Lock()
			rec.opening = opening
			rec.mu.Unlock()
		}

		for {
			_, msg, err := c.Read(ctx)
			if err != nil {
				return
			}
			var req struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(msg, &req); err != nil {
				continue
			}
			if req.Text == "" {
				final, _ := json.Marshal(map[string]any{"isFinal": true})
				_ = c.Write(ctx, websocket.MessageText, final)
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
			if rec != nil {
				rec.mu.Lock()
				rec.texts = append(rec.texts, req.Text)
				rec.mu.Unlock()
			}
			resp, _ := json.Marshal(map[string]string{
				"audio": base64.StdEncoding.EncodeToString([]byte(req.Text)),
			})
			_ = c.Write(ctx, websocket.MessageText, resp)
		}
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

func TestSynthesize_StreamsFragmentsInOrder(t *testing.T) {
	rec := &streamRecorder{}
	srv := newStreamInputServer(t, rec)
	defer srv.Close()

	p, err := New("el-key", WithEndpoint(wsEndpoint(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	text := make(chan string, 2)
	text <- "Primeira frase."
	text <- "Segunda frase."
	close(text)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := p.Synthesize(ctx, text)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	got := string(collect(t, ch))
	want := "Primeira frase. Segunda frase. "
	if got != want {
		t.Errorf("audio = %q; want %q", got, want)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if key, _ := rec.opening["xi_api_key"].(string); key != "el-key" {
		t.Errorf("opening xi_api_key = %v; want el-key", rec.opening["xi_api_key"])
	}
	if txt, _ := rec.opening["text"].(string); txt != " " {
		t.Errorf("opening text = %q; want a single space", txt)
	}
	if _, ok := rec.opening["voice_settings"].(map[string]any); !ok {
		t.Error("opening message missing voice_settings")
	}
	if len(rec.texts) != 2 {
		t.Errorf("server received %d fragments; want 2", len(rec.texts))
	}
}

func TestSynthesize_SkipsEmptyFragments(t *testing.T) {
	// An empty fragment must not be forwarded: on the wire it would read as
	// end of input and cut the stream short.
	srv := newStreamInputServer(t, nil)
	defer srv.Close()

	p, err := New("el-key", WithEndpoint(wsEndpoint(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	text := make(chan string, 2)
	text <- ""
	text <- "Olá."
	close(text)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := p.Synthesize(ctx, text)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if got := string(collect(t, ch)); got != "Olá. " {
		t.Errorf("audio = %q; want %q", got, "Olá. ")
	}
}

func TestSynthesize_ResamplesNonNativeFormat(t *testing.T) {
	// Server answers with 200 ms of 32 kHz PCM; output must arrive resampled
	// to the 16 kHz pipeline rate.
	const srcBytes = 6400 * 2
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()

		if _, _, err := c.Read(ctx); err != nil { // opening message
			return
		}
		resp, _ := json.Marshal(map[string]string{
			"audio": base64.StdEncoding.EncodeToString(make([]byte, srcBytes)),
		})
		_ = c.Write(ctx, websocket.MessageText, resp)
		final, _ := json.Marshal(map[string]any{"isFinal": true})
		_ = c.Write(ctx, websocket.MessageText, final)
		c.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	p, err := New("el-key",
		WithEndpoint(wsEndpoint(srv)),
		WithOutputFormat("pcm_32000"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	text := make(chan string)
	close(text)
	ch, err := p.Synthesize(ctx, text)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if got := len(collect(t, ch)); got != srcBytes/2 {
		t.Errorf("got %d bytes; want %d (resampled 32 kHz to 16 kHz)", got, srcBytes/2)
	}
}

func TestSynthesize_DialFailure_ClosesStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no websocket here", http.StatusBadGateway)
	}))
	defer srv.Close()

	p, err := New("el-key", WithEndpoint(wsEndpoint(srv)))
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
	p, err := New("el-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Synthesize(ctx, make(chan string)); err == nil {
		t.Fatal("expected error for cancelled context, got nil")
	}
}
