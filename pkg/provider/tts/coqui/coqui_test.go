package coqui_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/cronovoice/crono/pkg/audio"
	"github.com/cronovoice/crono/pkg/provider/tts/coqui"
)

// requestLog records the requests a fake Coqui server received: query values
// for standard-mode GETs and decoded JSON bodies for XTTS POSTs.
type requestLog struct {
	mu      sync.Mutex
	queries []url.Values
	bodies  []map[string]any
}

func (l *requestLog) addQuery(q url.Values) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queries = append(l.queries, q)
}

func (l *requestLog) addBody(b map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bodies = append(l.bodies, b)
}

func (l *requestLog) texts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, q := range l.queries {
		out = append(out, q.Get("text"))
	}
	for _, b := range l.bodies {
		if s, ok := b["text"].(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// echoWAV encodes text as the PCM payload of a 16 kHz mono WAV clip so tests
// can assert on ordering and content.
func echoWAV(text string) []byte {
	pcm := []byte(text)
	if len(pcm)%2 != 0 {
		pcm = append(pcm, 0)
	}
	return audio.EncodeWAV(pcm, audio.DefaultSampleRate, 1)
}

// newCoquiServer answers both the standard GET /api/tts API and the XTTS
// POST /tts_to_audio/ API, echoing the request text back as audio.
func newCoquiServer(t *testing.T, log *requestLog) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/tts":
			if log != nil {
				log.addQuery(r.URL.Query())
			}
			w.Header().Set("Content-Type", "audio/wav")
			_, _ = w.Write(echoWAV(r.URL.Query().Get("text")))
		case r.Method == http.MethodPost && r.URL.Path == "/tts_to_audio/":
			data, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			var body map[string]any
			if err := json.Unmarshal(data, &body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if log != nil {
				log.addBody(body)
			}
			text, _ := body["text"].(string)
			w.Header().Set("Content-Type", "audio/wav")
			_, _ = w.Write(echoWAV(text))
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
}

func collect(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	var out []byte
	for chunk := range ch {
		out = append(out, chunk...)
	}
	return out
}

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	_, err := coqui.New("")
	if err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

func TestNew_XTTSWithoutReferenceSample_ReturnsError(t *testing.T) {
	_, err := coqui.New("http://localhost:5002", coqui.WithXTTS(""))
	if err == nil {
		t.Fatal("expected error for XTTS mode without speaker WAV, got nil")
	}
}

func TestSynthesize_StandardMode_SubmitsSentencesInOrder(t *testing.T) {
	log := &requestLog{}
	srv := newCoquiServer(t, log)
	defer srv.Close()

	p, err := coqui.New(srv.URL, coqui.WithSpeaker("p236"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	text := make(chan string, 2)
	text <- "Primeira frase. Segunda "
	text <- "frase."
	close(text)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := p.Synthesize(ctx, text)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	got := collect(t, ch)
	first := bytes.Index(got, []byte("Primeira frase."))
	second := bytes.Index(got, []byte("Segunda frase."))
	if first < 0 || second < 0 || second < first {
		t.Errorf("audio = %q; want first sentence before second", got)
	}

	texts := log.texts()
	if len(texts) != 2 || texts[0] != "Primeira frase." || texts[1] != "Segunda frase." {
		t.Errorf("server received texts %v; want the two sentences in order", texts)
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	if got := log.queries[0].Get("speaker_id"); got != "p236" {
		t.Errorf("speaker_id = %q; want p236", got)
	}
	if got := log.queries[0].Get("language_id"); got != "pt" {
		t.Errorf("language_id = %q; want default pt", got)
	}
}

func TestSynthesize_XTTSMode_PostsCloneRequest(t *testing.T) {
	log := &requestLog{}
	srv := newCoquiServer(t, log)
	defer srv.Close()

	p, err := coqui.New(srv.URL,
		coqui.WithXTTS("/voices/antonio.wav"),
		coqui.WithLanguage("pt"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	text := make(chan string, 1)
	text <- "Olá, tudo bem?"
	close(text)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := p.Synthesize(ctx, text)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	got := collect(t, ch)
	if !bytes.Contains(got, []byte("Olá, tudo bem?")) {
		t.Errorf("audio = %q; want echoed sentence", got)
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.bodies) != 1 {
		t.Fatalf("server received %d XTTS requests; want 1", len(log.bodies))
	}
	body := log.bodies[0]
	if wav, _ := body["speaker_wav"].(string); wav != "/voices/antonio.wav" {
		t.Errorf("speaker_wav = %v; want /voices/antonio.wav", body["speaker_wav"])
	}
	if lang, _ := body["language"].(string); lang != "pt" {
		t.Errorf("language = %v; want pt", body["language"])
	}
}

func TestSynthesize_ResamplesToPipelineRate(t *testing.T) {
	// Server answers at 22.05 kHz; output must arrive resampled to 16 kHz.
	const srcSamples = 2205 // 100 ms at 22 050 Hz
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pcm := make([]byte, srcSamples*2)
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(audio.EncodeWAV(pcm, 22050, 1))
	}))
	defer srv.Close()

	p, err := coqui.New(srv.URL)
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

	got := collect(t, ch)
	wantSamples := srcSamples * audio.DefaultSampleRate / 22050
	if len(got) != wantSamples*2 {
		t.Errorf("got %d bytes; want %d (resampled to 16 kHz)", len(got), wantSamples*2)
	}
}

func TestSynthesize_ServerError_ClosesStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := coqui.New(srv.URL)
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
		t.Errorf("expected no audio on server error, got %d bytes", len(got))
	}
}

func TestSynthesize_CancelledContext_ReturnsError(t *testing.T) {
	p, err := coqui.New("http://localhost:5002")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Synthesize(ctx, make(chan string)); err == nil {
		t.Fatal("expected error for cancelled context, got nil")
	}
}
