// Package postgres persists journal entries in a PostgreSQL table. The
// schema is created on connect and is idempotent, so pointing a fresh
// database at the assistant just works.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cronovoice/crono/internal/journal"
)

const ddlJournalEntries = `
CREATE TABLE IF NOT EXISTS journal_entries (
    id          BIGSERIAL    PRIMARY KEY,
    kind        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    duration_ns BIGINT       NOT NULL DEFAULT 0,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_journal_entries_timestamp
    ON journal_entries (timestamp);

CREATE INDEX IF NOT EXISTS idx_journal_entries_kind
    ON journal_entries (kind);
`

// Recorder is a PostgreSQL-backed [journal.Recorder]. All methods are safe
// for concurrent use.
type Recorder struct {
	pool *pgxpool.Pool
}

var _ journal.Recorder = (*Recorder)(nil)

// New establishes a connection pool to the database at dsn, verifies it with
// a ping, and runs [Migrate].
func New(ctx context.Context, dsn string) (*Recorder, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres journal: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres journal: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres journal: migrate: %w", err)
	}
	return &Recorder{pool: pool}, nil
}

// Migrate creates or ensures the journal table exists. It is idempotent and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlJournalEntries); err != nil {
		return fmt.Errorf("postgres journal migrate: %w", err)
	}
	return nil
}

// Record implements [journal.Recorder].
func (r *Recorder) Record(ctx context.Context, e journal.Entry) error {
	const q = `
		INSERT INTO journal_entries (kind, text, duration_ns, timestamp)
		VALUES ($1, $2, $3, $4)`

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := r.pool.Exec(ctx, q, string(e.Kind), e.Text, e.Duration.Nanoseconds(), ts)
	if err != nil {
		return fmt.Errorf("postgres journal: record: %w", err)
	}
	return nil
}

// Recent implements [journal.Recorder], returning up to n entries newest
// first. n <= 0 falls back to [journal.DefaultCapacity].
func (r *Recorder) Recent(ctx context.Context, n int) ([]journal.Entry, error) {
	const q = `
		SELECT kind, text, duration_ns, timestamp
		FROM   journal_entries
		ORDER  BY timestamp DESC, id DESC
		LIMIT  $1`

	if n <= 0 {
		n = journal.DefaultCapacity
	}
	rows, err := r.pool.Query(ctx, q, n)
	if err != nil {
		return nil, fmt.Errorf("postgres journal: recent: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (journal.Entry, error) {
		var (
			e          journal.Entry
			kind       string
			durationNS int64
		)
		if err := row.Scan(&kind, &e.Text, &durationNS, &e.Timestamp); err != nil {
			return journal.Entry{}, err
		}
		e.Kind = journal.Kind(kind)
		e.Duration = time.Duration(durationNS)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres journal: scan rows: %w", err)
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	return entries, nil
}

// Close releases all connections held by the underlying pool.
func (r *Recorder) Close() error {
	r.pool.Close()
	return nil
}
