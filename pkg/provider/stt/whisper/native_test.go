package whisper_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cronovoice/crono/pkg/audio"
	"github.com/cronovoice/crono/pkg/provider/stt/whisper"
)

// testModelPath returns the path to a whisper model for integration tests.
// It reads from the WHISPER_MODEL_PATH environment variable. If unset the
// test is skipped.
func testModelPath(t *testing.T) string {
	t.Helper()
	p := os.Getenv("WHISPER_MODEL_PATH")
	if p == "" {
		t.Skip("WHISPER_MODEL_PATH not set; skipping native whisper test")
	}
	return p
}

func TestNewNative_EmptyPath_ReturnsError(t *testing.T) {
	_, err := whisper.NewNative("")
	if err == nil {
		t.Fatal("expected error for empty model path, got nil")
	}
}

func TestNewNative_MissingFile_ReturnsError(t *testing.T) {
	_, err := whisper.NewNative("/nonexistent/model.bin")
	if err == nil {
		t.Fatal("expected error for missing model file, got nil")
	}
}

func TestNativeTranscribe_Silence(t *testing.T) {
	path := testModelPath(t)

	p, err := whisper.NewNative(path, whisper.WithNativeLanguage("pt"))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	clip := audio.EncodeWAV(make([]byte, 16000*2), 16000, 1) // 1 s of silence
	res, err := p.Transcribe(ctx, clip)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	// Silence may still hallucinate a token or two; only the call contract
	// is asserted here.
	if res.Language != "pt" {
		t.Errorf("Language = %q; want pt", res.Language)
	}
}

func TestNativeTranscribe_InvalidClip_ReturnsError(t *testing.T) {
	path := testModelPath(t)

	p, err := whisper.NewNative(path)
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer p.Close()

	if _, err := p.Transcribe(context.Background(), []byte("not a wav")); err == nil {
		t.Fatal("expected error for invalid clip, got nil")
	}
}
