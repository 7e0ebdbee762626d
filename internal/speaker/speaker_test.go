package speaker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cronovoice/crono/internal/speaker"
	"github.com/cronovoice/crono/pkg/audio/mock"
	ttsmock "github.com/cronovoice/crono/pkg/provider/tts/mock"
)

// ─── Helpers ──────────────────────────────────────────────────────────────

// speakingRecorder records SetSpeaking transitions in order.
type speakingRecorder struct {
	mu          sync.Mutex
	transitions []bool
}

func (r *speakingRecorder) SetSpeaking(speaking bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, speaking)
}

func (r *speakingRecorder) all() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.transitions...)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func chunk(n int) []byte {
	return make([]byte, n)
}

// ─── Playback ─────────────────────────────────────────────────────────────

// TestCoordinatorPlaysSegment verifies the full happy path: the text reaches
// the synthesizer, every chunk reaches the device, and the speaking flag goes
// up before audio and down when the queue drains.
func TestCoordinatorPlaysSegment(t *testing.T) {
	t.Parallel()

	syn := &ttsmock.Synthesizer{Chunks: [][]byte{chunk(960), chunk(960)}}
	dev := &mock.PlaybackDevice{}
	var rec speakingRecorder
	c := speaker.New(dev, syn, &rec)
	t.Cleanup(func() { c.Close() })

	if err := c.Say("olá mundo"); err != nil {
		t.Fatalf("Say() error = %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		tr := rec.all()
		return len(tr) == 2 && tr[0] && !tr[1]
	}, "speaking flag did not transition true then false")

	if got := len(dev.Chunks()); got != 2 {
		t.Fatalf("device chunks = %d, want 2", got)
	}
	syn.Wait()
	if texts := syn.Texts(0); len(texts) != 1 || texts[0] != "olá mundo" {
		t.Fatalf("synthesized texts = %q, want [olá mundo]", texts)
	}
	if c.Speaking() {
		t.Error("Speaking() = true after drain")
	}
}

// TestCoordinatorPlaysSegmentsInOrder verifies FIFO scheduling of queued
// utterances.
func TestCoordinatorPlaysSegmentsInOrder(t *testing.T) {
	t.Parallel()

	syn := &ttsmock.Synthesizer{Chunks: [][]byte{chunk(960)}}
	dev := &mock.PlaybackDevice{}
	c := speaker.New(dev, syn, nil)
	t.Cleanup(func() { c.Close() })

	if err := c.Say("primeiro"); err != nil {
		t.Fatalf("Say() error = %v", err)
	}
	if err := c.Say("segundo"); err != nil {
		t.Fatalf("Say() error = %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(dev.Chunks()) == 2 }, "both segments should play")
	syn.Wait()

	if texts := syn.Texts(0); len(texts) != 1 || texts[0] != "primeiro" {
		t.Errorf("first call texts = %q, want [primeiro]", texts)
	}
	if texts := syn.Texts(1); len(texts) != 1 || texts[0] != "segundo" {
		t.Errorf("second call texts = %q, want [segundo]", texts)
	}
}

// TestCoordinatorSayEmptyTextIsNoop verifies blank utterances never reach the
// synthesizer.
func TestCoordinatorSayEmptyTextIsNoop(t *testing.T) {
	t.Parallel()

	syn := &ttsmock.Synthesizer{}
	c := speaker.New(&mock.PlaybackDevice{}, syn, nil)
	t.Cleanup(func() { c.Close() })

	if err := c.Say("   "); err != nil {
		t.Fatalf("Say() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := syn.CallCount(); n != 0 {
		t.Fatalf("Synthesize calls = %d, want 0", n)
	}
}

// TestCoordinatorSynthesisErrorPropagates verifies a failed stream start is
// returned to the caller and leaves no playback state behind.
func TestCoordinatorSynthesisErrorPropagates(t *testing.T) {
	t.Parallel()

	backendErr := errors.New("synthesis backend down")
	syn := &ttsmock.Synthesizer{Err: backendErr}
	var rec speakingRecorder
	c := speaker.New(&mock.PlaybackDevice{}, syn, &rec)
	t.Cleanup(func() { c.Close() })

	if err := c.Say("olá"); !errors.Is(err, backendErr) {
		t.Fatalf("Say() error = %v, want wrapped %v", err, backendErr)
	}
	if tr := rec.all(); len(tr) != 0 {
		t.Fatalf("speaking transitions = %v, want none", tr)
	}
	if n := c.QueueLen(); n != 0 {
		t.Fatalf("QueueLen() = %d, want 0", n)
	}
}

// ─── Interrupts ───────────────────────────────────────────────────────────

// TestCoordinatorInterruptStopsPlayback verifies an interrupt cuts a segment
// off mid-stream and lowers the speaking flag.
func TestCoordinatorInterruptStopsPlayback(t *testing.T) {
	t.Parallel()

	chunks := make([][]byte, 100)
	for i := range chunks {
		chunks[i] = chunk(960)
	}
	syn := &ttsmock.Synthesizer{Chunks: chunks, ChunkDelay: 10 * time.Millisecond}
	dev := &mock.PlaybackDevice{}
	var rec speakingRecorder
	c := speaker.New(dev, syn, &rec)
	t.Cleanup(func() { c.Close() })

	if err := c.Say("uma resposta bem longa"); err != nil {
		t.Fatalf("Say() error = %v", err)
	}
	waitFor(t, 2*time.Second, c.Speaking, "playback should start")

	c.Interrupt()

	waitFor(t, 2*time.Second, func() bool { return len(rec.all()) == 2 }, "interrupt should stop playback")
	if got := len(dev.Chunks()); got >= 100 {
		t.Fatalf("device chunks = %d, want fewer than the full stream", got)
	}
	tr := rec.all()
	if !tr[0] || tr[1] {
		t.Fatalf("speaking transitions = %v, want [true false]", tr)
	}
}

// TestCoordinatorInterruptDropsQueue verifies queued segments are discarded
// together with the playing one.
func TestCoordinatorInterruptDropsQueue(t *testing.T) {
	t.Parallel()

	chunks := make([][]byte, 100)
	for i := range chunks {
		chunks[i] = chunk(960)
	}
	syn := &ttsmock.Synthesizer{Chunks: chunks, ChunkDelay: 10 * time.Millisecond}
	dev := &mock.PlaybackDevice{}
	c := speaker.New(dev, syn, nil)
	t.Cleanup(func() { c.Close() })

	if err := c.Say("primeira resposta"); err != nil {
		t.Fatalf("Say() error = %v", err)
	}
	waitFor(t, 2*time.Second, c.Speaking, "playback should start")
	if err := c.Say("segunda resposta"); err != nil {
		t.Fatalf("Say() error = %v", err)
	}
	if n := c.QueueLen(); n != 1 {
		t.Fatalf("QueueLen() = %d with one segment playing, want 1", n)
	}

	c.Interrupt()

	waitFor(t, 2*time.Second, func() bool { return !c.Speaking() }, "interrupt should stop playback")
	if n := c.QueueLen(); n != 0 {
		t.Fatalf("QueueLen() = %d after interrupt, want 0", n)
	}

	// The second segment must never start playing.
	written := len(dev.Chunks())
	time.Sleep(100 * time.Millisecond)
	if got := len(dev.Chunks()); got != written {
		t.Fatalf("device chunks grew from %d to %d after interrupt", written, got)
	}
}

// TestCoordinatorInterruptNoopWhenIdle verifies an idle interrupt neither
// panics nor starts the cooldown window.
func TestCoordinatorInterruptNoopWhenIdle(t *testing.T) {
	t.Parallel()

	chunks := make([][]byte, 100)
	for i := range chunks {
		chunks[i] = chunk(960)
	}
	syn := &ttsmock.Synthesizer{Chunks: chunks, ChunkDelay: 10 * time.Millisecond}
	var rec speakingRecorder
	c := speaker.New(&mock.PlaybackDevice{}, syn, &rec)
	t.Cleanup(func() { c.Close() })

	c.Interrupt()
	if tr := rec.all(); len(tr) != 0 {
		t.Fatalf("speaking transitions after idle interrupt = %v, want none", tr)
	}

	// A real interrupt right after must still be handled: the idle one must
	// not have armed the cooldown.
	if err := c.Say("resposta longa"); err != nil {
		t.Fatalf("Say() error = %v", err)
	}
	waitFor(t, 2*time.Second, c.Speaking, "playback should start")
	c.Interrupt()
	waitFor(t, 2*time.Second, func() bool { return !c.Speaking() }, "interrupt after idle no-op should be handled")
}

// TestCoordinatorRepeatInterruptIgnored verifies the cooldown: a second
// interrupt inside the window of a handled one is dropped.
func TestCoordinatorRepeatInterruptIgnored(t *testing.T) {
	t.Parallel()

	chunks := make([][]byte, 200)
	for i := range chunks {
		chunks[i] = chunk(960)
	}
	syn := &ttsmock.Synthesizer{Chunks: chunks, ChunkDelay: 10 * time.Millisecond}
	c := speaker.New(&mock.PlaybackDevice{}, syn, nil,
		speaker.WithInterruptCooldown(10*time.Minute),
	)
	t.Cleanup(func() { c.Close() })

	if err := c.Say("primeira resposta longa"); err != nil {
		t.Fatalf("Say() error = %v", err)
	}
	waitFor(t, 2*time.Second, c.Speaking, "playback should start")
	c.Interrupt()
	waitFor(t, 2*time.Second, func() bool { return !c.Speaking() }, "first interrupt should be handled")

	if err := c.Say("segunda resposta longa"); err != nil {
		t.Fatalf("Say() error = %v", err)
	}
	waitFor(t, 2*time.Second, c.Speaking, "second playback should start")

	c.Interrupt()
	time.Sleep(150 * time.Millisecond)
	if !c.Speaking() {
		t.Fatal("interrupt inside cooldown stopped playback, want ignored")
	}
}

// TestCoordinatorInterruptWorksAfterCooldown verifies the window expires.
func TestCoordinatorInterruptWorksAfterCooldown(t *testing.T) {
	t.Parallel()

	chunks := make([][]byte, 200)
	for i := range chunks {
		chunks[i] = chunk(960)
	}
	syn := &ttsmock.Synthesizer{Chunks: chunks, ChunkDelay: 10 * time.Millisecond}
	c := speaker.New(&mock.PlaybackDevice{}, syn, nil,
		speaker.WithInterruptCooldown(50*time.Millisecond),
	)
	t.Cleanup(func() { c.Close() })

	if err := c.Say("primeira resposta longa"); err != nil {
		t.Fatalf("Say() error = %v", err)
	}
	waitFor(t, 2*time.Second, c.Speaking, "playback should start")
	c.Interrupt()
	waitFor(t, 2*time.Second, func() bool { return !c.Speaking() }, "first interrupt should be handled")

	if err := c.Say("segunda resposta longa"); err != nil {
		t.Fatalf("Say() error = %v", err)
	}
	waitFor(t, 2*time.Second, c.Speaking, "second playback should start")

	time.Sleep(100 * time.Millisecond)
	c.Interrupt()
	waitFor(t, 2*time.Second, func() bool { return !c.Speaking() }, "interrupt after cooldown should be handled")
}

// ─── Lifecycle ────────────────────────────────────────────────────────────

// TestCoordinatorSpeakRespectsCallerContext verifies cancelling the caller's
// context stops the segment, the pipeline's barge-in path.
func TestCoordinatorSpeakRespectsCallerContext(t *testing.T) {
	t.Parallel()

	chunks := make([][]byte, 100)
	for i := range chunks {
		chunks[i] = chunk(960)
	}
	syn := &ttsmock.Synthesizer{Chunks: chunks, ChunkDelay: 10 * time.Millisecond}
	c := speaker.New(&mock.PlaybackDevice{}, syn, nil)
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	sentences := make(chan string, 1)
	sentences <- "resposta cancelável"
	close(sentences)
	if err := c.Speak(ctx, sentences); err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	waitFor(t, 2*time.Second, c.Speaking, "playback should start")

	cancel()

	waitFor(t, 2*time.Second, func() bool { return !c.Speaking() }, "context cancel should stop playback")
}

// TestCoordinatorCloseRejectsNewSpeech verifies Close is idempotent and
// Say afterwards fails with ErrClosed.
func TestCoordinatorCloseRejectsNewSpeech(t *testing.T) {
	t.Parallel()

	syn := &ttsmock.Synthesizer{Chunks: [][]byte{chunk(960)}}
	c := speaker.New(&mock.PlaybackDevice{}, syn, nil)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := c.Say("tarde demais"); !errors.Is(err, speaker.ErrClosed) {
		t.Fatalf("Say() after Close error = %v, want ErrClosed", err)
	}
}
