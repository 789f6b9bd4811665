package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// SQLite binds at most 999 parameters per statement.
const (
	maxSQLiteParams      = 999
	columnsPerUsageEntry = 13
	maxEntriesPerBatch   = maxSQLiteParams / columnsPerUsageEntry
)

const sqliteUsageColumns = `id, request_id, user_id, timestamp, model, provider, intent,
	input_tokens, output_tokens, total_tokens, estimated, cached, duration_ms`

// SQLiteStore implements UsageStore for SQLite databases.
type SQLiteStore struct {
	db            *sql.DB
	retentionDays int
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewSQLiteStore creates the usage table and indexes and, with a positive
// retention, starts the cleanup loop.
func NewSQLiteStore(db *sql.DB, retentionDays int) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS usage (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			timestamp DATETIME NOT NULL,
			model TEXT NOT NULL,
			provider TEXT NOT NULL,
			intent TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			estimated INTEGER NOT NULL DEFAULT 0,
			cached INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage table: %w", err)
	}

	for _, idx := range []string{
		"CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_usage_user_id ON usage(user_id)",
		"CREATE INDEX IF NOT EXISTS idx_usage_provider ON usage(provider)",
	} {
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	store := &SQLiteStore{
		db:            db,
		retentionDays: retentionDays,
		stopCleanup:   make(chan struct{}),
	}
	if retentionDays > 0 {
		go RunCleanupLoop(store.stopCleanup, store.cleanup)
	}
	return store, nil
}

// WriteBatch inserts entries in chunks that fit the parameter limit.
// Duplicate ids are ignored.
func (s *SQLiteStore) WriteBatch(ctx context.Context, entries []*UsageEntry) error {
	for i := 0; i < len(entries); i += maxEntriesPerBatch {
		chunk := entries[i:min(i+maxEntriesPerBatch, len(entries))]

		placeholders := make([]string, len(chunk))
		values := make([]any, 0, len(chunk)*columnsPerUsageEntry)
		for j, e := range chunk {
			placeholders[j] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
			values = append(values,
				e.ID,
				e.RequestID,
				e.UserID,
				e.Timestamp.UTC().Format(time.RFC3339Nano),
				e.Model,
				e.Provider,
				e.Intent,
				e.InputTokens,
				e.OutputTokens,
				e.TotalTokens,
				e.Estimated,
				e.Cached,
				e.DurationMs,
			)
		}

		query := "INSERT OR IGNORE INTO usage (" + sqliteUsageColumns + ") VALUES " + strings.Join(placeholders, ",")
		if _, err := s.db.ExecContext(ctx, query, values...); err != nil {
			return fmt.Errorf("failed to insert usage batch %d: %w", i/maxEntriesPerBatch, err)
		}
	}
	return nil
}

// Flush is a no-op; writes are synchronous.
func (s *SQLiteStore) Flush(_ context.Context) error {
	return nil
}

// Close stops the cleanup loop. The database belongs to the storage layer.
func (s *SQLiteStore) Close() error {
	if s.retentionDays > 0 {
		s.closeOnce.Do(func() { close(s.stopCleanup) })
	}
	return nil
}

func (s *SQLiteStore) cleanup() {
	cutoff := retentionCutoff(s.retentionDays).Format(time.RFC3339Nano)
	result, err := s.db.Exec("DELETE FROM usage WHERE timestamp < ?", cutoff)
	if err != nil {
		slog.Error("failed to cleanup old usage entries", "error", err)
		return
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		slog.Info("cleaned up old usage entries", "deleted", n)
	}
}
