package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    service     TEXT    NOT NULL,
    status      TEXT    NOT NULL CHECK(status IN ('up', 'down')),
    outcome     TEXT    NOT NULL,
    exit_code   INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    stdout      TEXT    NOT NULL DEFAULT '',
    stderr      TEXT    NOT NULL DEFAULT '',
    error       TEXT    NOT NULL DEFAULT '',
    outage_id   TEXT    NOT NULL DEFAULT '',
    checked_at  TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_service ON runs(service, id DESC);

CREATE TABLE IF NOT EXISTS notifications (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    service     TEXT    NOT NULL,
    kind        TEXT    NOT NULL CHECK(kind IN ('failure', 'recovery')),
    outage_id   TEXT    NOT NULL DEFAULT '',
    recipients  TEXT    NOT NULL,
    subject     TEXT    NOT NULL,
    error       TEXT    NOT NULL DEFAULT '',
    sent_at     TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notifications_service ON notifications(service, id DESC);
`

// Run is a journaled check execution.
type Run struct {
	ID         int64     `json:"id"`
	Service    string    `json:"service"`
	Status     string    `json:"status"`
	Outcome    string    `json:"outcome"`
	ExitCode   int       `json:"exit_code"`
	DurationMs int64     `json:"duration_ms"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	Error      string    `json:"error"`
	OutageID   string    `json:"outage_id"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Notification is a journaled delivery attempt.
type Notification struct {
	ID         int64     `json:"id"`
	Service    string    `json:"service"`
	Kind       string    `json:"kind"`
	OutageID   string    `json:"outage_id"`
	Recipients []string  `json:"recipients"`
	Subject    string    `json:"subject"`
	Error      string    `json:"error"`
	SentAt     time.Time `json:"sent_at"`
}

// DB wraps a SQLite database holding the run journal.
type DB struct {
	db      *sql.DB
	maxRows int
}

// Open opens (or creates) the SQLite database at path and applies the schema.
// maxRows bounds the rows kept per service in each table; zero keeps all.
// Use ":memory:" for a process-local journal.
func Open(path string, maxRows int) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite at %q: %w", path, err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &DB{db: db, maxRows: maxRows}, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// InsertRun journals a check execution and prunes old rows for the service.
func (d *DB) InsertRun(ctx context.Context, r Run) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO runs (service, status, outcome, exit_code, duration_ms, stdout, stderr, error, outage_id, checked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Service,
		r.Status,
		r.Outcome,
		r.ExitCode,
		r.DurationMs,
		r.Stdout,
		r.Stderr,
		r.Error,
		r.OutageID,
		r.CheckedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting run for %q: %w", r.Service, err)
	}
	return d.prune(ctx, "runs", r.Service)
}

// InsertNotification journals a notification delivery attempt.
func (d *DB) InsertNotification(ctx context.Context, n Notification) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO notifications (service, kind, outage_id, recipients, subject, error, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.Service,
		n.Kind,
		n.OutageID,
		strings.Join(n.Recipients, ","),
		n.Subject,
		n.Error,
		n.SentAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting notification for %q: %w", n.Service, err)
	}
	return d.prune(ctx, "notifications", n.Service)
}

func (d *DB) prune(ctx context.Context, table, service string) error {
	if d.maxRows <= 0 {
		return nil
	}
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE service = ? AND id NOT IN (
			SELECT id FROM `+table+` WHERE service = ? ORDER BY id DESC LIMIT ?
		)`,
		service, service, d.maxRows,
	)
	if err != nil {
		return fmt.Errorf("pruning %s for %q: %w", table, service, err)
	}
	return nil
}

const runColumns = `id, service, status, outcome, exit_code, duration_ms, stdout, stderr, error, outage_id, checked_at`

// LatestRun returns the most recent run for the given service, or nil if none.
func (d *DB) LatestRun(ctx context.Context, service string) (*Run, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE service = ? ORDER BY id DESC LIMIT 1`,
		service,
	)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest run for %q: %w", service, err)
	}
	return r, nil
}

// ServiceHistory returns paginated runs for a service plus the total count.
func (d *DB) ServiceHistory(ctx context.Context, service string, limit, offset int) ([]Run, int, error) {
	var total int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE service = ?`, service,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting runs for %q: %w", service, err)
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE service = ? ORDER BY id DESC LIMIT ? OFFSET ?`,
		service, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("querying history for %q: %w", service, err)
	}
	defer rows.Close()

	runs, err := scanRuns(rows)
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

// AllLatest returns the most recent run for each service.
func (d *DB) AllLatest(ctx context.Context) ([]Run, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE id IN (
			SELECT MAX(id) FROM runs GROUP BY service
		)
		ORDER BY service
	`)
	if err != nil {
		return nil, fmt.Errorf("querying all latest: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// UptimePercent returns the percentage of "up" runs in the last N runs for a service.
func (d *DB) UptimePercent(ctx context.Context, service string, last int) (float64, error) {
	var total int
	var upCount sql.NullInt64
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(CASE WHEN status = 'up' THEN 1 ELSE 0 END)
		FROM (
			SELECT status FROM runs WHERE service = ? ORDER BY id DESC LIMIT ?
		)
	`, service, last).Scan(&total, &upCount)
	if err != nil {
		return 0, fmt.Errorf("calculating uptime for %q: %w", service, err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(upCount.Int64) / float64(total) * 100, nil
}

// Notifications returns the most recent notifications for a service.
func (d *DB) Notifications(ctx context.Context, service string, limit int) ([]Notification, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, service, kind, outage_id, recipients, subject, error, sent_at
		 FROM notifications WHERE service = ? ORDER BY id DESC LIMIT ?`,
		service, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying notifications for %q: %w", service, err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var recipients, sentAt string
		if err := rows.Scan(&n.ID, &n.Service, &n.Kind, &n.OutageID, &recipients, &n.Subject, &n.Error, &sentAt); err != nil {
			return nil, fmt.Errorf("scanning notification row: %w", err)
		}
		if recipients != "" {
			n.Recipients = strings.Split(recipients, ",")
		}
		if n.SentAt, err = parseTime(sentAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating notification rows: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var checkedAt string
	err := row.Scan(&r.ID, &r.Service, &r.Status, &r.Outcome, &r.ExitCode, &r.DurationMs,
		&r.Stdout, &r.Stderr, &r.Error, &r.OutageID, &checkedAt)
	if err != nil {
		return nil, err
	}
	if r.CheckedAt, err = parseTime(checkedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanRuns(rows *sql.Rows) ([]Run, error) {
	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		runs = append(runs, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating run rows: %w", err)
	}
	return runs, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		// Fallback to RFC3339 without sub-second precision.
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
		}
	}
	return t, nil
}
