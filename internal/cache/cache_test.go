package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot() *Snapshot {
	return &Snapshot{
		Version:   SnapshotVersion,
		UpdatedAt: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
		Sources: map[string][]json.RawMessage{
			"groq":   {json.RawMessage(`{"id":"llama-3.3-70b-versatile"}`), json.RawMessage(`"gemma2-9b-it"`)},
			"static": {json.RawMessage(`{"model":"gemini-2.0-flash","type":"vision"}`)},
		},
	}
}

func TestFileCache(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		c := NewFileCache(filepath.Join(t.TempDir(), "nested", "catalog.json"))

		got, err := c.Get(ctx)
		require.NoError(t, err)
		assert.Nil(t, got)

		require.NoError(t, c.Set(ctx, sampleSnapshot()))

		got, err = c.Get(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 3, got.Len())
		assert.True(t, got.UpdatedAt.Equal(sampleSnapshot().UpdatedAt))
		assert.JSONEq(t, `{"id":"llama-3.3-70b-versatile"}`, string(got.Sources["groq"][0]))
	})

	t.Run("no temp files left behind", func(t *testing.T) {
		dir := t.TempDir()
		c := NewFileCache(filepath.Join(dir, "catalog.json"))
		require.NoError(t, c.Set(ctx, sampleSnapshot()))
		require.NoError(t, c.Set(ctx, sampleSnapshot()))

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("disabled", func(t *testing.T) {
		c := NewFileCache("")
		require.NoError(t, c.Set(ctx, sampleSnapshot()))
		got, err := c.Get(ctx)
		require.NoError(t, err)
		assert.Nil(t, got)
		assert.NoError(t, c.Close())
	})

	t.Run("other version ignored", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "catalog.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"version":99,"sources":{}}`), 0o644))

		got, err := NewFileCache(path).Get(ctx)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("corrupt file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "catalog.json")
		require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

		_, err := NewFileCache(path).Get(ctx)
		assert.Error(t, err)
	})
}

func TestSnapshotLen(t *testing.T) {
	var nilSnap *Snapshot
	assert.Equal(t, 0, nilSnap.Len())
	assert.Equal(t, 3, sampleSnapshot().Len())
}

func TestRedisCache(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}

	c, err := NewRedisCache(RedisConfig{URL: url, Key: fmt.Sprintf("test:catalog:%d", time.Now().UnixNano()), TTL: time.Minute})
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	got, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, c.Set(ctx, sampleSnapshot()))
	got, err = c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Len())
}
