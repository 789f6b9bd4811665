package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileCache keeps the snapshot in a JSON file. Suitable for a single
// instance; an empty path disables persistence.
type FileCache struct {
	mu   sync.RWMutex
	path string
}

// NewFileCache creates a file-backed snapshot cache at path.
func NewFileCache(path string) *FileCache {
	return &FileCache{path: path}
}

// Get reads the snapshot. A missing file or a snapshot written with another
// layout version yields nil, nil.
func (c *FileCache) Get(_ context.Context) (*Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", c.path, err)
	}
	return decodeSnapshot(data)
}

// Set writes the snapshot through a temp file in the same directory and
// renames it into place.
func (c *FileCache) Set(_ context.Context, snap *Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" || snap == nil {
		return nil
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (c *FileCache) Close() error { return nil }

func decodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != SnapshotVersion {
		return nil, nil
	}
	return &snap, nil
}
