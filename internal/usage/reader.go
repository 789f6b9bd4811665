package usage

import (
	"context"
	"time"
)

// Query filters a usage summary. Zero values match everything.
type Query struct {
	Since  time.Time
	UserID string
}

// ProviderSummary aggregates the usage of one backend.
type ProviderSummary struct {
	Provider       string `json:"provider" bson:"_id"`
	Requests       int64  `json:"requests" bson:"requests"`
	CachedRequests int64  `json:"cached_requests" bson:"cached_requests"`
	InputTokens    int64  `json:"input_tokens" bson:"input_tokens"`
	OutputTokens   int64  `json:"output_tokens" bson:"output_tokens"`
	TotalTokens    int64  `json:"total_tokens" bson:"total_tokens"`
}

// UsageReader reads aggregated usage back, ordered by provider.
type UsageReader interface {
	Summary(ctx context.Context, q Query) ([]ProviderSummary, error)
}
