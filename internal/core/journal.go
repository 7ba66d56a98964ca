package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Journal is an append-only SQLite log of fleet operations.
type Journal struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// Entry is one journaled state transition.
type Entry struct {
	RunID    string
	Command  string
	At       time.Time
	Provider string
	Kind     string
	Subject  string
	Detail   string
}

func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir journal dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := j.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (j *Journal) Ping(ctx context.Context) error {
	if j == nil || j.db == nil {
		return errors.New("journal not initialized")
	}
	return j.db.PingContext(ctx)
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// StartRun opens a run and returns its id.
func (j *Journal) StartRun(ctx context.Context, network, namespace, command string, at time.Time) (string, error) {
	id := uuid.NewString()
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (id, network, namespace, command, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, network, namespace, command, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	return id, nil
}

func (j *Journal) FinishRun(ctx context.Context, runID, outcome string, at time.Time) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, outcome = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), outcome, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func (j *Journal) Record(ctx context.Context, e Entry) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (run_id, at, provider, kind, subject, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		e.RunID, e.At.UTC().Format(time.RFC3339Nano), e.Provider, e.Kind, e.Subject, e.Detail)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// List returns the newest limit events for a fleet, oldest first.
func (j *Journal) List(ctx context.Context, network, namespace string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT e.run_id, r.command, e.at, e.provider, e.kind, e.subject, e.detail
		FROM events e JOIN runs r ON r.id = e.run_id
		WHERE r.network = ? AND r.namespace = ?
		ORDER BY e.id DESC LIMIT ?`, network, namespace, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var at string
		if err := rows.Scan(&e.RunID, &e.Command, &at, &e.Provider, &e.Kind, &e.Subject, &e.Detail); err != nil {
			return nil, err
		}
		if e.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parse event time: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	return out, nil
}
