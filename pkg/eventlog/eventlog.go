// Package eventlog records the pool's session lifecycle into a SQLite
// database when debugging is enabled, and provides read access for the
// CLI. One row per event: worker start, handshake, request, response,
// timeout, RPC forward, cancel forward, disconnect, stop.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SchemaDDL defines the event trace schema.
const SchemaDDL = `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    worker_id INTEGER NOT NULL,
    request_id TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`

// Event is a single trace row.
type Event struct {
	ID        int64
	Type      string
	WorkerID  int
	RequestID string
	Payload   string
	CreatedAt time.Time
}

// Writer appends events. Writes are best-effort: the trace must never
// take a session down, so Log swallows errors after counting them.
type Writer struct {
	db       *sql.DB
	dropped  int
	lastFail error
}

// Open creates or opens the trace database at path with WAL and a busy
// timeout, and ensures the schema exists.
func Open(path string) (*Writer, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema on %s: %w", path, err)
	}

	return &Writer{db: db}, nil
}

// Log appends one event row.
func (w *Writer) Log(typ string, workerID int, requestID, payload string) {
	_, err := w.db.Exec(
		"INSERT INTO events (type, worker_id, request_id, payload) VALUES (?, ?, ?, ?)",
		typ, workerID, requestID, payload,
	)
	if err != nil {
		w.dropped++
		w.lastFail = err
	}
}

// Dropped reports how many events failed to persist, with the last cause.
func (w *Writer) Dropped() (int, error) {
	return w.dropped, w.lastFail
}

// Close releases the database.
func (w *Writer) Close() error {
	return w.db.Close()
}

// QueryOpts filters trace queries.
type QueryOpts struct {
	// WorkerID filters to a specific worker; zero means all workers.
	WorkerID int

	// EventType filters to one event type.
	EventType string

	// Limit restricts the number of results (0 = no limit). Newest
	// rows come last either way.
	Limit int
}

// Reader provides read-only access to a trace database.
type Reader struct {
	db *sql.DB
}

// NewReader opens the trace read-only. The database must exist.
func NewReader(path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("event log not found: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping event log: %w", err)
	}
	return &Reader{db: db}, nil
}

// Close releases the database connection.
func (r *Reader) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Query returns events matching opts in insertion order.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]Event, error) {
	query, args := buildQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var requestID, payload sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Type, &e.WorkerID, &requestID, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.RequestID = requestID.String
		e.Payload = payload.String
		if createdAt != "" {
			parsed, err := time.Parse("2006-01-02 15:04:05", createdAt)
			if err != nil {
				parsed, err = time.Parse(time.RFC3339, createdAt)
				if err != nil {
					return nil, fmt.Errorf("parse created_at: %w", err)
				}
			}
			e.CreatedAt = parsed
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := "SELECT id, type, worker_id, request_id, payload, created_at FROM events"

	if opts.WorkerID != 0 {
		conditions = append(conditions, "worker_id = ?")
		args = append(args, opts.WorkerID)
	}
	if opts.EventType != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, opts.EventType)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	return query, args
}
