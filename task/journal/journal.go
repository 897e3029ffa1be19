// Package journal persists worker crash diagnostics through
// database/sql, so unhandled failures survive the process for operator
// inspection. It works with any database/sql driver.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lguimbarda/taskflow/task/supervise"
)

// DefaultTable is the table name used when none is configured.
const DefaultTable = "task_crashes"

// Journal writes crash reports to a SQL table and reads them back.
type Journal struct {
	db    *sql.DB
	table string

	// OnError receives persistence failures from the fire-and-forget
	// Reporter path. Nil drops them.
	OnError func(error)
}

// JournalOption configures a Journal.
type JournalOption func(*Journal)

// WithTable overrides the table name.
func WithTable(name string) JournalOption {
	return func(j *Journal) {
		if name != "" {
			j.table = name
		}
	}
}

// WithErrorHandler routes persistence failures to fn.
func WithErrorHandler(fn func(error)) JournalOption {
	return func(j *Journal) {
		j.OnError = fn
	}
}

// Open wraps an existing database handle. The caller retains ownership
// of db.
func Open(db *sql.DB, opts ...JournalOption) *Journal {
	j := &Journal{db: db, table: DefaultTable}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Init creates the crash table if it does not exist.
func (j *Journal) Init(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			worker_ref TEXT NOT NULL,
			owner TEXT NOT NULL,
			callable TEXT NOT NULL,
			reason TEXT NOT NULL,
			captured_at TIMESTAMP NOT NULL
		)
	`, j.table))
	if err != nil {
		return fmt.Errorf("journal init: %w", err)
	}
	return nil
}

// Record persists one crash report.
func (j *Journal) Record(ctx context.Context, r supervise.Report) error {
	reason := "<nil>"
	if r.Reason != nil {
		reason = r.Reason.Error()
	}
	_, err := j.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (worker_ref, owner, callable, reason, captured_at)
		VALUES (?, ?, ?, ?, ?)
	`, j.table), r.Worker.String(), r.Owner, r.Callable, reason, r.Time.UTC())
	if err != nil {
		return fmt.Errorf("journal record: %w", err)
	}
	return nil
}

// Entry is one persisted crash record.
type Entry struct {
	ID       int64
	Worker   string
	Owner    string
	Callable string
	Reason   string
	Time     time.Time
}

// Recent returns up to limit crash records, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, worker_ref, owner, callable, reason, captured_at
		FROM %s ORDER BY id DESC LIMIT ?
	`, j.table), limit)
	if err != nil {
		return nil, fmt.Errorf("journal recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Worker, &e.Owner, &e.Callable, &e.Reason, &e.Time); err != nil {
			return nil, fmt.Errorf("journal recent: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal recent: %w", err)
	}
	return entries, nil
}

// Reporter adapts the journal to supervise.Reporter. Persistence is
// best-effort on this path; failures go to OnError.
func (j *Journal) Reporter() supervise.Reporter {
	return supervise.ReporterFunc(func(r supervise.Report) {
		if err := j.Record(context.Background(), r); err != nil && j.OnError != nil {
			j.OnError(err)
		}
	})
}
