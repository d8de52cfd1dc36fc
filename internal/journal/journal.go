// Package journal records every delegated call in a local SQLite database so
// past calls can be listed after the fact.
package journal

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// Status is the terminal state of a delegated call.
type Status string

const (
	StatusSucceeded     Status = "succeeded"
	StatusFailed        Status = "failed"
	StatusProcessFailed Status = "process_failed"
	StatusProtocolError Status = "protocol_error"
	StatusSpawnFailed   Status = "spawn_failed"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotFound is returned by Get for an unknown call ID.
var ErrNotFound = errors.New("call not found")

// Entry is one row of the call log.
type Entry struct {
	ID            string
	Code          string
	OriginContext string
	Status        Status
	InputDigest   string
	ErrorName     string
	ErrorMessage  string
	StartedAt     time.Time
	CompletedAt   time.Time
}

// Duration is how long the call took.
func (e Entry) Duration() time.Duration {
	return e.CompletedAt.Sub(e.StartedAt)
}

// Digest returns the hex BLAKE3 digest of an encoded input.
func Digest(input []byte) string {
	sum := blake3.Sum256(input)
	return hex.EncodeToString(sum[:])
}

// Journal is the call log.
type Journal struct {
	db *sql.DB
}

// Open opens the journal at path, creating it if needed.
func Open(ctx context.Context, path string) (*Journal, error) {
	db, err := openSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends e to the log.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("call id is empty")
	}
	if e.Status == "" {
		return fmt.Errorf("status is empty")
	}

	_, err := j.db.ExecContext(ctx, `
INSERT INTO call_log(
  id, code, origin, status, input_digest, error_name, error_message, started_at, completed_at, duration_ms
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, e.ID, e.Code, e.OriginContext, string(e.Status), e.InputDigest,
		nullable(e.ErrorName), nullable(e.ErrorMessage),
		e.StartedAt.UTC().Format(timeLayout), e.CompletedAt.UTC().Format(timeLayout),
		e.Duration().Milliseconds())
	if err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT id, code, origin, status, input_digest, error_name, error_message, started_at, completed_at
FROM call_log
ORDER BY started_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	return out, nil
}

// Get returns the entry for id.
func (j *Journal) Get(ctx context.Context, id string) (*Entry, error) {
	row := j.db.QueryRowContext(ctx, `
SELECT id, code, origin, status, input_digest, error_name, error_message, started_at, completed_at
FROM call_log
WHERE id = ?;
`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e            Entry
		statusS      string
		errorName    sql.NullString
		errorMessage sql.NullString
		startedAtS   string
		completedAtS string
	)
	if err := s.Scan(&e.ID, &e.Code, &e.OriginContext, &statusS, &e.InputDigest,
		&errorName, &errorMessage, &startedAtS, &completedAtS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan call: %w", err)
	}
	e.Status = Status(statusS)
	e.ErrorName = errorName.String
	e.ErrorMessage = errorMessage.String
	if t, err := time.Parse(time.RFC3339Nano, startedAtS); err == nil {
		e.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, completedAtS); err == nil {
		e.CompletedAt = t
	}
	return &e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
