// Package store persists completed runs and their tool-call records to
// a local SQLite file for later inspection. Pure-Go driver, no CGO.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Run is one persisted task run.
type Run struct {
	ID         string
	AgentType  string
	Task       string
	Outcome    string
	Completion string
	Steps      int
	TokensIn   int
	TokensOut  int
	StartedAt  time.Time
	FinishedAt time.Time
}

// ToolCall is one persisted tool-call record.
type ToolCall struct {
	RunID   string
	Seq     int
	ToolKey string
	Success bool
	Content string
	Step    int
}

// Store wraps the SQLite handle. A single connection serializes all
// writers, avoiding SQLITE_BUSY from concurrent tasks.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			agent_type TEXT NOT NULL,
			task TEXT NOT NULL,
			outcome TEXT NOT NULL,
			completion TEXT,
			steps INTEGER NOT NULL,
			tokens_in INTEGER NOT NULL,
			tokens_out INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			tool_key TEXT NOT NULL,
			success INTEGER NOT NULL,
			content TEXT,
			step INTEGER NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// SaveRun persists a run and its tool calls in one transaction.
func (s *Store) SaveRun(ctx context.Context, run Run, calls []ToolCall) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs
		 (id, agent_type, task, outcome, completion, steps, tokens_in, tokens_out, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.AgentType, run.Task, run.Outcome, run.Completion,
		run.Steps, run.TokensIn, run.TokensOut,
		run.StartedAt.UnixMilli(), run.FinishedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, c := range calls {
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO tool_calls (run_id, seq, tool_key, success, content, step)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			c.RunID, c.Seq, c.ToolKey, boolToInt(c.Success), c.Content, c.Step)
		if err != nil {
			return fmt.Errorf("insert tool call: %w", err)
		}
	}
	return tx.Commit()
}

// RecentRuns returns the latest runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_type, task, outcome, completion, steps, tokens_in, tokens_out, started_at, finished_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, finished int64
		if err := rows.Scan(&r.ID, &r.AgentType, &r.Task, &r.Outcome, &r.Completion,
			&r.Steps, &r.TokensIn, &r.TokensOut, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = time.UnixMilli(started)
		r.FinishedAt = time.UnixMilli(finished)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// CallsForRun returns the tool-call records of one run in sequence order.
func (s *Store) CallsForRun(ctx context.Context, runID string) ([]ToolCall, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, tool_key, success, content, step
		 FROM tool_calls WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query tool calls: %w", err)
	}
	defer rows.Close()

	var calls []ToolCall
	for rows.Next() {
		var c ToolCall
		var success int
		if err := rows.Scan(&c.RunID, &c.Seq, &c.ToolKey, &success, &c.Content, &c.Step); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		c.Success = success != 0
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
