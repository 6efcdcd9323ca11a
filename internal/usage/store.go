// Package usage records approximate token usage for chat requests.
// Records are append-only; the gateway never reads them back. The
// aggregate queries exist for the CLI and for tests.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record is one chat request's usage estimate.
type Record struct {
	ID             string
	UserID         int64 // 0 = anonymous
	SessionID      string
	Provider       string
	Model          string
	RequestTokens  int
	ResponseTokens int
	TotalTokens    int
	CreatedAt      time.Time
}

// Summary holds aggregated totals.
type Summary struct {
	TotalRecords        int
	TotalRequestTokens  int64
	TotalResponseTokens int64
	TotalTokens         int64
}

// Store is an append-only SQLite store for usage records. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a usage store at the given database path. The schema
// is created automatically on first use.
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
	CREATE TABLE IF NOT EXISTS api_usage (
		id              TEXT PRIMARY KEY,
		user_id         INTEGER NOT NULL DEFAULT 0,
		session_id      TEXT,
		provider        TEXT NOT NULL,
		model_name      TEXT NOT NULL,
		request_tokens  INTEGER NOT NULL,
		response_tokens INTEGER NOT NULL,
		total_tokens    INTEGER NOT NULL,
		created_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_api_usage_created ON api_usage(created_at);
	CREATE INDEX IF NOT EXISTS idx_api_usage_user ON api_usage(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append persists a usage record. If rec.ID is empty, a UUIDv7 is
// generated. TotalTokens is derived when zero.
func (s *Store) Append(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.TotalTokens == 0 {
		rec.TotalTokens = rec.RequestTokens + rec.ResponseTokens
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_usage
			(id, user_id, session_id, provider, model_name,
			 request_tokens, response_tokens, total_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.UserID,
		rec.SessionID,
		rec.Provider,
		rec.Model,
		rec.RequestTokens,
		rec.ResponseTokens,
		rec.TotalTokens,
		rec.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(request_tokens), 0), COALESCE(SUM(response_tokens), 0), COALESCE(SUM(total_tokens), 0)
		 FROM api_usage
		 WHERE created_at >= ? AND created_at < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalRequestTokens, &sum.TotalResponseTokens, &sum.TotalTokens); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model totals for records within [start, end).
func (s *Store) SummaryByModel(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("model_name", start, end)
}

// SummaryByProvider returns per-provider totals for records within [start, end).
func (s *Store) SummaryByProvider(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("provider", start, end)
}

func (s *Store) summaryGroupedBy(column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a compile-time constant from our own methods.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(request_tokens), 0), COALESCE(SUM(response_tokens), 0), COALESCE(SUM(total_tokens), 0)
		 FROM api_usage
		 WHERE created_at >= ? AND created_at < ?
		 GROUP BY %s
		 ORDER BY SUM(total_tokens) DESC`,
		column, column,
	)

	rows, err := s.db.Query(query,
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
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalRequestTokens, &sum.TotalResponseTokens, &sum.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}
