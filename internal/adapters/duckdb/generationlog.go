// Package duckdb persists completed generation history backing the
// info.usage command (SPEC_FULL.md §5/§6). Adapted from the teacher's own
// DuckDB repository (sql.Open("duckdb", path), migrate-with-CREATE-TABLE-
// IF-NOT-EXISTS, database/sql query helpers), repurposed from job/
// conversation storage to generation accounting.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb"
)

// Repository wraps a DuckDB connection holding the generation_log table.
type Repository struct {
	db *sql.DB
}

// NewRepository opens path and runs migrations.
func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping duckdb: %w", err)
	}
	repo := &Repository{db: db}
	if err := repo.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate duckdb: %w", err)
	}
	return repo, nil
}

func (r *Repository) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS generation_log (
			context_handle TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			model TEXT NOT NULL,
			seed BIGINT NOT NULL,
			batch_size INTEGER NOT NULL,
			submitted_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP NOT NULL,
			succeeded BOOLEAN NOT NULL
		);`,
	}
	for _, q := range queries {
		if _, err := r.db.Exec(q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection.
func (r *Repository) Close() error { return r.db.Close() }

// GenerationRecord is one completed WorkItem's accounting row.
type GenerationRecord struct {
	ContextHandle string
	UserID        string
	ChannelID     string
	Model         string
	Seed          int64
	BatchSize     int
	SubmittedAt   time.Time
	CompletedAt   time.Time
	Succeeded     bool
}

// RecordGeneration inserts one terminal WorkItem's row. Called by
// ResultFanout once per item (SPEC_FULL.md §5).
func (r *Repository) RecordGeneration(ctx context.Context, rec GenerationRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO generation_log
			(context_handle, user_id, channel_id, model, seed, batch_size, submitted_at, completed_at, succeeded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (context_handle) DO NOTHING`,
		rec.ContextHandle, rec.UserID, rec.ChannelID, rec.Model, rec.Seed, rec.BatchSize,
		rec.SubmittedAt, rec.CompletedAt, rec.Succeeded,
	)
	if err != nil {
		return fmt.Errorf("record generation: %w", err)
	}
	return nil
}

// UsageSummary is the per-user aggregate backing info.usage.
type UsageSummary struct {
	TotalImages      int
	TotalRequests    int
	ByModel          map[string]int
	AverageLatency   time.Duration
}

// Usage computes a UsageSummary for userID over its full generation
// history (SPEC_FULL.md §6's info.usage supplement).
func (r *Repository) Usage(ctx context.Context, userID string) (*UsageSummary, error) {
	summary := &UsageSummary{ByModel: make(map[string]int)}

	rows, err := r.db.QueryContext(ctx, `
		SELECT model, batch_size, submitted_at, completed_at, succeeded
		FROM generation_log WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("usage query: %w", err)
	}
	defer rows.Close()

	var totalLatency time.Duration
	var n int
	for rows.Next() {
		var model string
		var batchSize int
		var submittedAt, completedAt time.Time
		var succeeded bool
		if err := rows.Scan(&model, &batchSize, &submittedAt, &completedAt, &succeeded); err != nil {
			return nil, fmt.Errorf("usage scan: %w", err)
		}
		summary.TotalRequests++
		if succeeded {
			summary.TotalImages += batchSize
			summary.ByModel[model] += batchSize
		}
		totalLatency += completedAt.Sub(submittedAt)
		n++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("usage rows: %w", err)
	}
	if n > 0 {
		summary.AverageLatency = totalLatency / time.Duration(n)
	}
	return summary, nil
}
