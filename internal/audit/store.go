// Package audit keeps a SQLite log of loop runs and the capabilities they
// dispatched. It stores metadata only; transcripts are never written.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Run status values.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Run is one row of the runs table.
type Run struct {
	ID         string
	Channel    string
	Gateway    string
	Model      string
	Status     string
	Rounds     int
	ToolCalls  int
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
	Duration   time.Duration
}

// ToolCall is one capability dispatch inside a run.
type ToolCall struct {
	RunID     string
	Round     int
	Tool      string
	Status    string
	Latency   time.Duration
	Error     string
	CreatedAt time.Time
}

// Store implements the loop's run recorder on SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open creates the database file and its directory when missing and
// applies pending migrations.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open audit database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit migration failed: %w", err)
	}
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun inserts a run in the running state.
func (s *Store) StartRun(ctx context.Context, r Run) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, channel, gateway, model, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Channel, r.Gateway, r.Model, StatusRunning, r.StartedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	return nil
}

// FinishRun records the terminal state of a run. A nil runErr marks it succeeded.
func (s *Store) FinishRun(ctx context.Context, id string, rounds, toolCalls int, runErr error) error {
	status, msg := StatusSucceeded, ""
	if runErr != nil {
		status, msg = StatusFailed, runErr.Error()
	}

	var started string
	if err := s.db.QueryRowContext(ctx, `SELECT started_at FROM runs WHERE id = ?`, id).Scan(&started); err != nil {
		return fmt.Errorf("load run %s: %w", id, err)
	}
	finished := s.now()
	var duration time.Duration
	if t, err := time.Parse(timeLayout, started); err == nil {
		duration = finished.Sub(t)
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, rounds = ?, tool_calls = ?, error = ?, finished_at = ?, duration_ms = ? WHERE id = ?`,
		status, rounds, toolCalls, msg, finished.UTC().Format(timeLayout), duration.Milliseconds(), id,
	)
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	return nil
}

// RecordTool appends a capability dispatch to a run.
func (s *Store) RecordTool(ctx context.Context, tc ToolCall) error {
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (run_id, round, tool, status, latency_ms, error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tc.RunID, tc.Round, tc.Tool, tc.Status, tc.Latency.Milliseconds(), tc.Error, tc.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert tool call for run %s: %w", tc.RunID, err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, gateway, model, status, rounds, tool_calls, error, started_at, finished_at, duration_ms
		 FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                 Run
			started, finished string
			durationMs        int64
		)
		if err := rows.Scan(&r.ID, &r.Channel, &r.Gateway, &r.Model, &r.Status, &r.Rounds, &r.ToolCalls,
			&r.Error, &started, &finished, &durationMs); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt, _ = time.Parse(timeLayout, started)
		if finished != "" {
			r.FinishedAt, _ = time.Parse(timeLayout, finished)
		}
		r.Duration = time.Duration(durationMs) * time.Millisecond
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunTools returns the capability dispatches of one run in order.
func (s *Store) RunTools(ctx context.Context, runID string) ([]ToolCall, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, round, tool, status, latency_ms, error, created_at FROM tool_calls WHERE run_id = ? ORDER BY id`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("query tool calls: %w", err)
	}
	defer rows.Close()

	var out []ToolCall
	for rows.Next() {
		var (
			tc        ToolCall
			latencyMs int64
			created   string
		)
		if err := rows.Scan(&tc.RunID, &tc.Round, &tc.Tool, &tc.Status, &latencyMs, &tc.Error, &created); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		tc.Latency = time.Duration(latencyMs) * time.Millisecond
		tc.CreatedAt, _ = time.Parse(timeLayout, created)
		out = append(out, tc)
	}
	return out, rows.Err()
}
