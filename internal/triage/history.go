package triage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// HistoryIndex answers whether a fingerprint was already seen in a prior
// run. Lookup failures degrade novelty to in-run-only; they never fail
// triage.
type HistoryIndex interface {
	Contains(ctx context.Context, fingerprint string) (bool, error)
}

// MemoryHistory is an in-process HistoryIndex, mainly for tests and for
// runs without a persistent index configured.
type MemoryHistory struct {
	mu  sync.Mutex
	set map[string]struct{}
}

func NewMemoryHistory(fingerprints ...string) *MemoryHistory {
	h := &MemoryHistory{set: make(map[string]struct{}, len(fingerprints))}
	h.Add(fingerprints...)
	return h
}

func (h *MemoryHistory) Add(fingerprints ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, fp := range fingerprints {
		h.set[fp] = struct{}{}
	}
}

func (h *MemoryHistory) Contains(ctx context.Context, fingerprint string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.set[fingerprint]
	return ok, nil
}

// SQLiteHistory persists fingerprints across runs in a local database.
type SQLiteHistory struct {
	db *sql.DB
}

func OpenSQLiteHistory(path string) (*SQLiteHistory, error) {
	if path == "" {
		return nil, fmt.Errorf("history path is required")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	const schema = `CREATE TABLE IF NOT EXISTS fingerprints (
		fingerprint TEXT PRIMARY KEY,
		run_id      TEXT NOT NULL,
		first_seen  TIMESTAMP NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &SQLiteHistory{db: db}, nil
}

func (h *SQLiteHistory) Contains(ctx context.Context, fingerprint string) (bool, error) {
	var one int
	err := h.db.QueryRowContext(ctx,
		`SELECT 1 FROM fingerprints WHERE fingerprint = ?`, fingerprint).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query history: %w", err)
	}
	return true, nil
}

// RecordRun stores this run's fingerprints. Already-known fingerprints
// keep their original run attribution.
func (h *SQLiteHistory) RecordRun(ctx context.Context, runID string, fingerprints []string, now time.Time) error {
	if len(fingerprints) == 0 {
		return nil
	}
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO fingerprints (fingerprint, run_id, first_seen) VALUES (?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare history insert: %w", err)
	}
	defer stmt.Close()
	for _, fp := range fingerprints {
		if fp == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, fp, runID, now.UTC()); err != nil {
			tx.Rollback()
			return fmt.Errorf("record fingerprint %s: %w", fp, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history tx: %w", err)
	}
	return nil
}

func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}
