// Package cache persists catalog snapshots so the model list is available
// immediately on startup, before the first upstream refresh completes.
// Local file and Redis backends are provided; Redis suits multi-instance
// deployments sharing one snapshot.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// SnapshotVersion is bumped whenever the stored layout changes. Snapshots
// with another version are ignored on load.
const SnapshotVersion = 1

// Snapshot is the raw descriptor list of every catalog source, keyed by
// source name. Descriptors are kept unnormalized so normalization rule
// changes apply to restored snapshots too.
type Snapshot struct {
	Version   int                          `json:"version"`
	UpdatedAt time.Time                    `json:"updated_at"`
	Sources   map[string][]json.RawMessage `json:"sources"`
}

// Len returns the total number of descriptors across sources.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, d := range s.Sources {
		n += len(d)
	}
	return n
}

// Cache stores a single snapshot.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the stored snapshot, or nil, nil when none exists yet.
	Get(ctx context.Context) (*Snapshot, error)

	// Set replaces the stored snapshot.
	Set(ctx context.Context, snap *Snapshot) error

	Close() error
}
