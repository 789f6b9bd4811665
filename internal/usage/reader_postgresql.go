package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQLReader implements UsageReader for PostgreSQL databases.
type PostgreSQLReader struct {
	pool *pgxpool.Pool
}

func NewPostgreSQLReader(pool *pgxpool.Pool) (*PostgreSQLReader, error) {
	if pool == nil {
		return nil, errors.New("connection pool is required")
	}
	return &PostgreSQLReader{pool: pool}, nil
}

func (r *PostgreSQLReader) Summary(ctx context.Context, q Query) ([]ProviderSummary, error) {
	var conditions []string
	args := pgx.NamedArgs{}
	if !q.Since.IsZero() {
		conditions = append(conditions, "timestamp >= @since")
		args["since"] = q.Since.UTC()
	}
	if q.UserID != "" {
		conditions = append(conditions, "user_id = @user_id")
		args["user_id"] = q.UserID
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	rows, err := r.pool.Query(ctx, `SELECT provider, COUNT(*), COUNT(*) FILTER (WHERE cached),
		COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(total_tokens), 0)
		FROM "usage"`+where+` GROUP BY provider ORDER BY provider`, args)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage summary: %w", err)
	}

	result, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ProviderSummary, error) {
		var s ProviderSummary
		err := row.Scan(&s.Provider, &s.Requests, &s.CachedRequests, &s.InputTokens, &s.OutputTokens, &s.TotalTokens)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read usage summary: %w", err)
	}
	return result, nil
}
