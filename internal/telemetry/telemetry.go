// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/chatfall/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrClosed        = errors.New("telemetry log closed")
	ErrDatabaseError = errors.New("database error")
)

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS attempts (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	recorded_at INTEGER NOT NULL,
	model_id    TEXT    NOT NULL,
	variant     TEXT    NOT NULL,
	outcome     TEXT    NOT NULL,
	elapsed_ms  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attempts_recorded_at ON attempts(recorded_at);
CREATE INDEX IF NOT EXISTS idx_attempts_model ON attempts(model_id);
`

// =============================================================================
// ATTEMPT LOG
// =============================================================================

// Attempt is one row of the attempt log.
type Attempt struct {
	RecordedAt time.Time
	ModelID    string
	Variant    string
	Outcome    model.AttemptOutcome
	ElapsedMs  int64
}

// Log is a SQLite-backed attempt recorder. It satisfies the orchestrator's
// sink interface; a nil *Log silently drops records so telemetry stays
// optional.
type Log struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// DefaultPath returns the attempt database path under the config directory.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".chatfall", "telemetry.db"), nil
}

// Open opens or creates the attempt database at path.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create telemetry directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Log{db: db}, nil
}

// RecordAttempt appends one attempt row. Telemetry failures are logged and
// swallowed so they never interfere with a send in flight.
func (l *Log) RecordAttempt(modelID string, variant string, outcome model.AttemptOutcome, elapsed time.Duration) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	_, err := l.db.Exec(
		"INSERT INTO attempts (recorded_at, model_id, variant, outcome, elapsed_ms) VALUES (?, ?, ?, ?, ?)",
		time.Now().UnixMilli(), modelID, variant, string(outcome), elapsed.Milliseconds(),
	)
	if err != nil {
		log.Printf("TELEMETRY: failed to record attempt: %v", err)
	}
}

// Recent returns up to limit attempts, newest first.
func (l *Log) Recent(limit int) ([]Attempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	rows, err := l.db.Query(
		"SELECT recorded_at, model_id, variant, outcome, elapsed_ms FROM attempts ORDER BY recorded_at DESC, id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var recordedMs int64
		var outcome string
		if err := rows.Scan(&recordedMs, &a.ModelID, &a.Variant, &outcome, &a.ElapsedMs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
		a.RecordedAt = time.UnixMilli(recordedMs)
		a.Outcome = model.AttemptOutcome(outcome)
		out = append(out, a)
	}
	return out, rows.Err()
}

// FailureRate returns the fraction of failed attempts for a model over the
// window ending now. Returns 0 when the model has no attempts in the window.
func (l *Log) FailureRate(modelID string, window time.Duration) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}

	since := time.Now().Add(-window).UnixMilli()

	var total, failed int
	err := l.db.QueryRow(
		"SELECT COUNT(*), COALESCE(SUM(CASE WHEN outcome != ? THEN 1 ELSE 0 END), 0) FROM attempts WHERE model_id = ? AND recorded_at >= ?",
		string(model.OutcomeSuccess), modelID, since,
	).Scan(&total, &failed)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(failed) / float64(total), nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}
