package journal_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cronovoice/crono/internal/journal"
)

// TestMemoryRecentNewestFirst verifies that entries come back in reverse
// insertion order.
func TestMemoryRecentNewestFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := journal.NewMemory(10)
	for i := 1; i <= 3; i++ {
		e := journal.Entry{Kind: journal.KindUtterance, Text: fmt.Sprintf("fala %d", i)}
		if err := m.Record(ctx, e); err != nil {
			t.Fatalf("Record(%d): %v", i, err)
		}
	}

	got, err := m.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	want := []string{"fala 3", "fala 2", "fala 1"}
	if len(got) != len(want) {
		t.Fatalf("Recent returned %d entries, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Text != w {
			t.Errorf("entry %d = %q, want %q", i, got[i].Text, w)
		}
	}
}

// TestMemoryOverwritesOldest verifies the ring drops the oldest entries once
// capacity is reached.
func TestMemoryOverwritesOldest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := journal.NewMemory(3)
	for i := 1; i <= 5; i++ {
		m.Record(ctx, journal.Entry{Kind: journal.KindReply, Text: fmt.Sprintf("resposta %d", i)})
	}

	got, err := m.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	want := []string{"resposta 5", "resposta 4", "resposta 3"}
	if len(got) != len(want) {
		t.Fatalf("Recent returned %d entries, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Text != w {
			t.Errorf("entry %d = %q, want %q", i, got[i].Text, w)
		}
	}
}

// TestMemoryRecentLimit verifies that n caps the returned window.
func TestMemoryRecentLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := journal.NewMemory(10)
	for i := 1; i <= 5; i++ {
		m.Record(ctx, journal.Entry{Kind: journal.KindUtterance, Text: fmt.Sprintf("fala %d", i)})
	}

	got, err := m.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent(2) returned %d entries", len(got))
	}
	if got[0].Text != "fala 5" || got[1].Text != "fala 4" {
		t.Errorf("Recent(2) = [%q, %q], want newest two", got[0].Text, got[1].Text)
	}
}

// TestMemoryStampsTimestamp verifies that a zero timestamp is filled in at
// record time.
func TestMemoryStampsTimestamp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := journal.NewMemory(4)
	before := time.Now()
	m.Record(ctx, journal.Entry{Kind: journal.KindBargeIn})

	got, err := m.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Recent(1) returned %d entries", len(got))
	}
	if got[0].Timestamp.Before(before) || got[0].Timestamp.After(time.Now()) {
		t.Errorf("Timestamp = %v, want between %v and now", got[0].Timestamp, before)
	}
}

// TestMemoryDefaultCapacity verifies that a non-positive capacity falls back
// to the default and the ring stays bounded.
func TestMemoryDefaultCapacity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := journal.NewMemory(0)
	for i := range journal.DefaultCapacity + 10 {
		m.Record(ctx, journal.Entry{Kind: journal.KindUtterance, Text: fmt.Sprintf("fala %d", i)})
	}

	got, err := m.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != journal.DefaultCapacity {
		t.Errorf("retained %d entries, want %d", len(got), journal.DefaultCapacity)
	}
}
