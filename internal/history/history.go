// Package history keeps a SQLite journal (WAL mode) of finished transfer
// transactions.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/chaz8081/ble-kermit/internal/session"
)

// DB wraps *sql.DB with journal helpers.
type DB struct {
	*sql.DB
}

var _ session.Reporter = (*DB)(nil)

// Entry is one journaled transaction.
type Entry struct {
	ID       int64     `json:"id"`
	Type     string    `json:"type"`
	Arg      string    `json:"arg"`
	Resends  int       `json:"resends"`
	Code     int       `json:"code"`
	Category string    `json:"category"`
	Error    string    `json:"error,omitempty"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

// Open opens (or creates) the journal at path and applies the schema.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: create dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	// Single writer; WAL still allows concurrent readers.
	raw.SetMaxOpenConns(1)

	db := &DB{raw}
	if err := Migrate(db); err != nil {
		raw.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies the schema. It is idempotent.
func Migrate(db *DB) error {
	if _, err := db.Exec(ddlTransactions); err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

const ddlTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    type        TEXT    NOT NULL,
    arg         TEXT    NOT NULL DEFAULT '',
    resends     INTEGER NOT NULL DEFAULT 0,
    code        INTEGER NOT NULL DEFAULT 0,  -- errno-style category code
    category    TEXT    NOT NULL,
    error       TEXT    NOT NULL DEFAULT '',
    started_at  INTEGER NOT NULL,            -- Unix milliseconds
    finished_at INTEGER NOT NULL             -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_transactions_finished_at ON transactions (finished_at DESC);
`

// Record appends a report to the journal.
func (db *DB) Record(ctx context.Context, r session.Report) error {
	cat := r.Category()
	var msg string
	if r.Err != nil {
		msg = r.Err.Error()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO transactions (type, arg, resends, code, category, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Type.String(), r.Arg, r.Resends, cat.Code, cat.Name, msg,
		r.Started.UnixMilli(), r.Finished.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("history: record: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (db *DB) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, type, arg, resends, code, category, error, started_at, finished_at
		 FROM transactions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e                 Entry
			started, finished int64
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Arg, &e.Resends, &e.Code, &e.Category, &e.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		e.Started = time.UnixMilli(started).UTC()
		e.Finished = time.UnixMilli(finished).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: rows: %w", err)
	}
	return entries, nil
}

// Report journals r. Failures are only logged.
func (db *DB) Report(r session.Report) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.Record(ctx, r); err != nil {
		slog.Warn("[FT] history write failed", "error", err)
	}
}
