// Package journal keeps an append-only record of the conversation: what the
// user said, what the assistant answered, and when playback was interrupted.
//
// Recording must never stall the audio path, so callers log a failed Record
// and move on. The in-process [Memory] ring is the default backend; the
// postgres subpackage persists entries when a DSN is configured.
package journal

import (
	"context"
	"time"
)

// Kind classifies a journal entry.
type Kind string

const (
	// KindUtterance is something the user said that survived filtering.
	KindUtterance Kind = "utterance"
	// KindReply is a response the assistant spoke.
	KindReply Kind = "reply"
	// KindBargeIn marks the user interrupting playback.
	KindBargeIn Kind = "barge_in"
)

// Entry is one journal row.
type Entry struct {
	Kind      Kind
	Text      string
	Duration  time.Duration
	Timestamp time.Time
}

// Recorder is an append-only conversation log. Implementations must be safe
// for concurrent use.
type Recorder interface {
	// Record appends one entry. A zero Timestamp is stamped with the
	// current time.
	Record(ctx context.Context, e Entry) error
	// Recent returns up to n entries, newest first. n <= 0 means the
	// backend's default window.
	Recent(ctx context.Context, n int) ([]Entry, error)
	// Close releases backend resources.
	Close() error
}
