// Package mock provides test doubles for the stt package interfaces.
//
// Use Transcriber to feed controlled Result values to code under test and to
// inspect which WAV clips were submitted.
//
// Example:
//
//	tr := &mock.Transcriber{
//	    Result: stt.Result{Text: "liga a luz"},
//	}
//	res, _ := tr.Transcribe(ctx, wav)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/cronovoice/crono/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcriber.Transcribe.
type TranscribeCall struct {
	// WAV is a copy of the audio clip passed to Transcribe.
	WAV []byte
}

// Step is one scripted response. When a Transcriber's Script is non-empty,
// calls consume it in order before falling back to the flat Result/Err fields.
type Step struct {
	Result stt.Result
	Err    error
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Result is returned by Transcribe once Script is exhausted (or when it
	// is empty).
	Result stt.Result

	// Err, if non-nil, is returned by Transcribe once Script is exhausted.
	Err error

	// Script is an optional per-call response sequence, consumed in order.
	Script []Step

	// Delay, if positive, makes each Transcribe call block for that long or
	// until ctx is done, whichever comes first. Useful for timeout tests.
	Delay time.Duration

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall

	next int
}

// Transcribe records the call, honours Delay and ctx, and returns the next
// scripted response (or the flat Result/Err fields).
func (t *Transcriber) Transcribe(ctx context.Context, wav []byte) (stt.Result, error) {
	t.mu.Lock()
	cp := make([]byte, len(wav))
	copy(cp, wav)
	t.TranscribeCalls = append(t.TranscribeCalls, TranscribeCall{WAV: cp})

	res, err := t.Result, t.Err
	if t.next < len(t.Script) {
		res, err = t.Script[t.next].Result, t.Script[t.next].Err
		t.next++
	}
	delay := t.Delay
	t.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return stt.Result{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return stt.Result{}, err
	}
	return res, err
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (t *Transcriber) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.TranscribeCalls)
}

// ResetCalls clears all recorded calls and rewinds the script. Thread-safe.
func (t *Transcriber) ResetCalls() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.TranscribeCalls = nil
	t.next = 0
}

// Ensure Transcriber implements stt.Transcriber at compile time.
var _ stt.Transcriber = (*Transcriber)(nil)
