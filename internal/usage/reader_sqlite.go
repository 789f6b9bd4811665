package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteReader implements UsageReader for SQLite databases.
type SQLiteReader struct {
	db *sql.DB
}

func NewSQLiteReader(db *sql.DB) (*SQLiteReader, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}
	return &SQLiteReader{db: db}, nil
}

func (r *SQLiteReader) Summary(ctx context.Context, q Query) ([]ProviderSummary, error) {
	var conditions []string
	var args []any
	if !q.Since.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, q.Since.UTC().Format(time.RFC3339Nano))
	}
	if q.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, q.UserID)
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	rows, err := r.db.QueryContext(ctx, `SELECT provider, COUNT(*), COALESCE(SUM(cached), 0),
		COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(total_tokens), 0)
		FROM usage`+where+` GROUP BY provider ORDER BY provider`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage summary: %w", err)
	}
	defer rows.Close()

	result := make([]ProviderSummary, 0)
	for rows.Next() {
		var s ProviderSummary
		if err := rows.Scan(&s.Provider, &s.Requests, &s.CachedRequests, &s.InputTokens, &s.OutputTokens, &s.TotalTokens); err != nil {
			return nil, fmt.Errorf("failed to scan usage summary row: %w", err)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage summary rows: %w", err)
	}
	return result, nil
}
