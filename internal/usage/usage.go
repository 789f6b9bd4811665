// Package usage records one entry per dispatched answer and persists the
// entries asynchronously to the configured database.
package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UsageStore is a persistence backend for usage entries. Implementations
// must be safe for concurrent use.
type UsageStore interface {
	// WriteBatch writes entries. Called by the Logger flush loop.
	WriteBatch(ctx context.Context, entries []*UsageEntry) error

	// Flush forces pending writes to complete. Called during shutdown.
	Flush(ctx context.Context) error

	Close() error
}

// UsageEntry describes one dispatched answer.
type UsageEntry struct {
	ID        string    `json:"id" bson:"_id"`
	RequestID string    `json:"request_id" bson:"request_id"`
	UserID    string    `json:"user_id,omitempty" bson:"user_id,omitempty"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`

	// Model is the catalog id that answered; Provider is its inference backend.
	Model    string `json:"model" bson:"model"`
	Provider string `json:"provider" bson:"provider"`
	Intent   string `json:"intent" bson:"intent"`

	InputTokens  int `json:"input_tokens" bson:"input_tokens"`
	OutputTokens int `json:"output_tokens" bson:"output_tokens"`
	TotalTokens  int `json:"total_tokens" bson:"total_tokens"`

	// Estimated is set when the counts came from the local tokenizer
	// instead of the upstream usage report.
	Estimated bool `json:"estimated" bson:"estimated"`

	// Cached is set when the answer was replayed from the response cache.
	Cached bool `json:"cached" bson:"cached"`

	DurationMs int64 `json:"duration_ms" bson:"duration_ms"`
}

// NewEntry returns an entry with a fresh id and the current time.
func NewEntry(requestID, userID string) *UsageEntry {
	return &UsageEntry{
		ID:        uuid.NewString(),
		RequestID: requestID,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	}
}

// Config holds usage tracking configuration
type Config struct {
	Enabled bool

	// BufferSize is the capacity of the in-memory queue.
	BufferSize int

	FlushInterval time.Duration

	// RetentionDays is how long to keep entries (0 = forever).
	RetentionDays int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
		RetentionDays: 30,
	}
}

// BatchFlushThreshold is the batch size that triggers an immediate flush.
const BatchFlushThreshold = 100
