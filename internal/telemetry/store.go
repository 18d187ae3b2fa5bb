// Package telemetry persists completion runs and their observer events to
// SQLite.
package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/howlerops/recursive-llm-go/rlm"
)

// Store handles SQLite operations for run telemetry.
type Store struct {
	db *sql.DB
}

// Run is a stored completion run.
type Run struct {
	ID         string
	Model      string
	Query      string
	StartedAt  time.Time
	FinishedAt time.Time
	Answer     string
	Error      string
	Stats      json.RawMessage
}

// Open opens (creating if needed) the database at path. ":memory:" keeps it
// in memory.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection, so an in-memory database is shared by every query
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		model TEXT NOT NULL,
		query TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		answer TEXT,
		error TEXT,
		stats TEXT
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		trace_id TEXT,
		span_id TEXT,
		parent_id TEXT,
		duration_ns INTEGER DEFAULT 0,
		attributes TEXT,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// StartRun records the start of a completion.
func (s *Store) StartRun(ctx context.Context, runID, model, query string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, model, query, started_at) VALUES (?, ?, ?, ?)`,
		runID, model, query, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", runID, err)
	}
	return nil
}

// FinishRun stores the outcome of a completion. stats is stored as JSON.
func (s *Store) FinishRun(ctx context.Context, runID, answer string, stats interface{}, runErr error) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}
	var errText sql.NullString
	if runErr != nil {
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, answer = ?, error = ?, stats = ? WHERE id = ?`,
		time.Now().UnixNano(), answer, errText, string(statsJSON), runID)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// Record stores one observer event for runID.
func (s *Store) Record(ctx context.Context, runID string, ev rlm.ObservabilityEvent) error {
	attrs, err := json.Marshal(rlm.RedactSensitive(ev.Attributes))
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, ts, type, name, trace_id, span_id, parent_id, duration_ns, attributes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, ev.Timestamp.UnixNano(), ev.Type, ev.Name, ev.TraceID, ev.SpanID, ev.ParentID,
		int64(ev.Duration), string(attrs))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Hook returns an observer callback that records every event under runID.
// Write failures go to onErr, which may be nil.
func (s *Store) Hook(runID string, onErr func(error)) func(rlm.ObservabilityEvent) {
	return func(ev rlm.ObservabilityEvent) {
		if err := s.Record(context.Background(), runID, ev); err != nil && onErr != nil {
			onErr(err)
		}
	}
}

// Events returns the events of runID in insertion order.
func (s *Store) Events(ctx context.Context, runID string) ([]rlm.ObservabilityEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, type, name, trace_id, span_id, parent_id, duration_ns, attributes
		 FROM events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []rlm.ObservabilityEvent
	for rows.Next() {
		var (
			ev                        rlm.ObservabilityEvent
			ts, durationNs            int64
			traceID, spanID, parentID sql.NullString
			attrs                     sql.NullString
		)
		if err := rows.Scan(&ts, &ev.Type, &ev.Name, &traceID, &spanID, &parentID, &durationNs, &attrs); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Timestamp = time.Unix(0, ts)
		ev.Duration = time.Duration(durationNs)
		ev.TraceID, ev.SpanID, ev.ParentID = traceID.String, spanID.String, parentID.String
		if attrs.Valid && attrs.String != "" {
			if err := json.Unmarshal([]byte(attrs.String), &ev.Attributes); err != nil {
				return nil, fmt.Errorf("failed to decode attributes: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// GetRun returns the run with the given id.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var (
		run        Run
		startedAt  int64
		finishedAt sql.NullInt64
		answer     sql.NullString
		errText    sql.NullString
		stats      sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, model, query, started_at, finished_at, answer, error, stats FROM runs WHERE id = ?`, runID).
		Scan(&run.ID, &run.Model, &run.Query, &startedAt, &finishedAt, &answer, &errText, &stats)
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	run.StartedAt = time.Unix(0, startedAt)
	if finishedAt.Valid {
		run.FinishedAt = time.Unix(0, finishedAt.Int64)
	}
	run.Answer = answer.String
	run.Error = errText.String
	if stats.Valid {
		run.Stats = json.RawMessage(stats.String)
	}
	return &run, nil
}
