package status

import (
	"math"
	"sync"
	"time"

	"github.com/cronovoice/crono/internal/speaker"
	"github.com/cronovoice/crono/internal/transcribe"
)

// DefaultHistorySize is the number of activity entries the collector
// retains.
const DefaultHistorySize = 100

// Compile-time checks that the collector plugs into the transcription gate
// and the speaking coordinator.
var (
	_ transcribe.StatsSink = (*Collector)(nil)
	_ speaker.StatsSink    = (*Collector)(nil)
)

// Activity is one entry in the recent-activity ring. Success is meaningful
// for "stt" entries only.
type Activity struct {
	Type            string    `json:"type"`
	Success         bool      `json:"success"`
	DurationSeconds float64   `json:"duration_seconds"`
	Timestamp       time.Time `json:"timestamp"`
}

// Stats is a point-in-time copy of the collector counters. STTSuccessRate is
// a percentage (0 to 100) and zero while no requests have been made.
type Stats struct {
	STTRequests      uint64  `json:"total_stt_requests"`
	STTSuccesses     uint64  `json:"successful_stt"`
	STTSuccessRate   float64 `json:"stt_success_rate"`
	TTSRequests      uint64  `json:"total_tts_requests"`
	ListeningSeconds float64 `json:"total_listening_time_seconds"`
	SpeakingSeconds  float64 `json:"total_speaking_time_seconds"`
	HistoryEntries   int     `json:"history_entries"`
}

// Collector accumulates audio-path statistics for the status report: STT
// request outcomes, synthesis counts, and cumulative listening and speaking
// time, plus a bounded ring of recent activity. Safe for concurrent use.
type Collector struct {
	mu           sync.Mutex
	sttRequests  uint64
	sttSuccesses uint64
	ttsRequests  uint64
	listening    time.Duration
	speaking     time.Duration

	history []Activity
	pos     int
	full    bool
}

// NewCollector returns a collector retaining up to historySize activity
// entries. A historySize <= 0 uses DefaultHistorySize.
func NewCollector(historySize int) *Collector {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Collector{history: make([]Activity, historySize)}
}

// RecordSTT counts one transcription request and its outcome.
func (c *Collector) RecordSTT(ok bool, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sttRequests++
	if ok {
		c.sttSuccesses++
	}
	c.appendLocked(Activity{Type: "stt", Success: ok, DurationSeconds: d.Seconds(), Timestamp: time.Now()})
}

// RecordTTS counts one synthesis request with its latency to first audio.
func (c *Collector) RecordTTS(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttsRequests++
	c.appendLocked(Activity{Type: "tts", Success: true, DurationSeconds: d.Seconds(), Timestamp: time.Now()})
}

// RecordListening accumulates time spent capturing a user utterance.
func (c *Collector) RecordListening(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listening += d
}

// RecordSpeaking accumulates time the assistant's audio occupied the device.
func (c *Collector) RecordSpeaking(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speaking += d
}

// Stats returns a snapshot of the counters.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var rate float64
	if c.sttRequests > 0 {
		rate = math.Round(float64(c.sttSuccesses)/float64(c.sttRequests)*10000) / 100
	}
	entries := c.pos
	if c.full {
		entries = len(c.history)
	}
	return Stats{
		STTRequests:      c.sttRequests,
		STTSuccesses:     c.sttSuccesses,
		STTSuccessRate:   rate,
		TTSRequests:      c.ttsRequests,
		ListeningSeconds: math.Round(c.listening.Seconds()*100) / 100,
		SpeakingSeconds:  math.Round(c.speaking.Seconds()*100) / 100,
		HistoryEntries:   entries,
	}
}

// Recent returns up to n retained activity entries in chronological order
// (newest last). n <= 0 returns the whole retained window.
func (c *Collector) Recent(n int) []Activity {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.pos
	if c.full {
		total = len(c.history)
	}
	if n <= 0 || n > total {
		n = total
	}
	out := make([]Activity, 0, n)
	for i := n; i > 0; i-- {
		idx := c.pos - i
		if idx < 0 {
			idx += len(c.history)
		}
		out = append(out, c.history[idx])
	}
	return out
}

// Reset clears all counters and the activity ring.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sttRequests = 0
	c.sttSuccesses = 0
	c.ttsRequests = 0
	c.listening = 0
	c.speaking = 0
	c.pos = 0
	c.full = false
}

func (c *Collector) appendLocked(a Activity) {
	c.history[c.pos] = a
	c.pos++
	if c.pos >= len(c.history) {
		c.pos = 0
		c.full = true
	}
}
