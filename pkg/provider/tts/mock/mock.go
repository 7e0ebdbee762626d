// Package mock provides a test double for the tts.Synthesizer interface.
//
// Use Synthesizer to feed controlled audio chunks to consumers and to verify
// which text fragments were submitted for synthesis.
//
// Example:
//
//	syn := &mock.Synthesizer{
//	    Chunks: [][]byte{pcm1, pcm2},
//	}
//	ch, _ := syn.Synthesize(ctx, textCh)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/cronovoice/crono/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize. Texts is filled
// asynchronously as the fragments are drained; call Synthesizer.Wait (or
// drain the audio channel) before inspecting it.
type SynthesizeCall struct {
	// Texts are the fragments read from the text channel, in order.
	Texts []string
}

// Synthesizer is a mock implementation of tts.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// Chunks is the sequence of PCM byte slices emitted on the channel
	// returned by Synthesize.
	Chunks [][]byte

	// ChunkDelay, if positive, is the pause before emitting each chunk.
	// Useful for tests that interrupt playback mid-stream.
	ChunkDelay time.Duration

	// Err, if non-nil, is returned as the error from Synthesize instead of
	// starting a stream.
	Err error

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []*SynthesizeCall

	wg sync.WaitGroup
}

// Synthesize records the call and, if Err is nil, returns a channel that
// emits Chunks (pacing them by ChunkDelay) then closes. The incoming text
// channel is drained concurrently and its fragments recorded on the call.
func (s *Synthesizer) Synthesize(ctx context.Context, text <-chan string) (<-chan []byte, error) {
	s.mu.Lock()
	call := &SynthesizeCall{}
	s.SynthesizeCalls = append(s.SynthesizeCalls, call)
	if s.Err != nil {
		err := s.Err
		s.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(s.Chunks))
	copy(chunks, s.Chunks)
	delay := s.ChunkDelay
	s.mu.Unlock()

	ch := make(chan []byte, len(chunks))
	s.wg.Add(2)

	// Drain the incoming text channel so the caller never blocks writing to
	// it, recording the fragments for later assertions.
	go func() {
		defer s.wg.Done()
		for fragment := range text {
			s.mu.Lock()
			call.Texts = append(call.Texts, fragment)
			s.mu.Unlock()
		}
	}()

	go func() {
		defer s.wg.Done()
		defer close(ch)
		for _, pcm := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- pcm:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Wait blocks until all streams started by Synthesize have finished. Call it
// before asserting on recorded texts.
func (s *Synthesizer) Wait() {
	s.wg.Wait()
}

// CallCount returns the number of Synthesize calls. Thread-safe.
func (s *Synthesizer) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SynthesizeCalls)
}

// Texts returns the fragments recorded for call i, or nil if out of range.
// Thread-safe.
func (s *Synthesizer) Texts(i int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.SynthesizeCalls) {
		return nil
	}
	out := make([]string, len(s.SynthesizeCalls[i].Texts))
	copy(out, s.SynthesizeCalls[i].Texts)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (s *Synthesizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SynthesizeCalls = nil
}

// Ensure Synthesizer implements tts.Synthesizer at compile time.
var _ tts.Synthesizer = (*Synthesizer)(nil)
