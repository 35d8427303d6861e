// Package usage keeps an append-only SQLite ledger of inference calls:
// who asked, which model answered, how many tokens it took and how it
// ended. Records are indexed by timestamp and project for aggregation.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Outcomes stored in the outcome column.
const (
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
)

// Record is one inference call.
type Record struct {
	ID           string
	Timestamp    time.Time
	Project      string
	SessionID    string // empty for stateless requests
	Model        string
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
	Outcome      string
	Stream       bool
}

// Summary holds aggregated totals.
type Summary struct {
	TotalRecords      int
	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalDuration     time.Duration
	Failures          int
}

// Store is the SQLite ledger. All methods are safe for concurrent use
// (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens or creates the ledger at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS inference_calls (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		project       TEXT NOT NULL,
		session_id    TEXT,
		model         TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		duration_ms   INTEGER NOT NULL,
		outcome       TEXT NOT NULL,
		stream        INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_calls_timestamp ON inference_calls(timestamp);
	CREATE INDEX IF NOT EXISTS idx_calls_project ON inference_calls(project);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists one call. An empty ID gets a UUIDv7; a zero
// timestamp means now.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.Outcome == "" {
		rec.Outcome = OutcomeOK
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inference_calls
			(id, timestamp, project, session_id, model,
			 input_tokens, output_tokens, duration_ms, outcome, stream)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.Project,
		rec.SessionID,
		rec.Model,
		rec.InputTokens,
		rec.OutputTokens,
		rec.Duration.Milliseconds(),
		rec.Outcome,
		rec.Stream,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

const summaryColumns = `COUNT(*),
	COALESCE(SUM(input_tokens), 0),
	COALESCE(SUM(output_tokens), 0),
	COALESCE(SUM(duration_ms), 0),
	COALESCE(SUM(CASE WHEN outcome != 'ok' THEN 1 ELSE 0 END), 0)`

// Summary returns totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+`
		 FROM inference_calls
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	var ms int64
	if err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &ms, &sum.Failures); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	sum.TotalDuration = time.Duration(ms) * time.Millisecond
	return &sum, nil
}

// SummaryByProject returns per-project totals within [start, end).
func (s *Store) SummaryByProject(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "project", start, end)
}

// SummaryByModel returns per-model totals within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", start, end)
}

func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a constant from our own methods.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), %s
		 FROM inference_calls
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s`,
		column, summaryColumns, column,
	)

	rows, err := s.db.QueryContext(ctx, query,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		var ms int64
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &ms, &sum.Failures); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		sum.TotalDuration = time.Duration(ms) * time.Millisecond
		result[key] = &sum
	}
	return result, rows.Err()
}
