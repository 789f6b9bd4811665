package usage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mu      sync.Mutex
	entries []*UsageEntry
	closed  bool
}

func (m *mockStore) WriteBatch(_ context.Context, entries []*UsageEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *mockStore) Flush(context.Context) error { return nil }

func (m *mockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func TestLogger_FlushesOnInterval(t *testing.T) {
	store := &mockStore{}
	logger := NewLogger(store, Config{Enabled: true, BufferSize: 100, FlushInterval: 20 * time.Millisecond})

	for i := 0; i < 5; i++ {
		logger.Write(&UsageEntry{ID: fmt.Sprintf("e-%d", i), Model: "llama-3.3-70b-versatile", Provider: "groq"})
	}

	assert.Eventually(t, func() bool { return store.count() == 5 }, time.Second, 10*time.Millisecond)
	require.NoError(t, logger.Close())
	assert.True(t, store.closed)
}

func TestLogger_CloseFlushesPending(t *testing.T) {
	store := &mockStore{}
	logger := NewLogger(store, Config{Enabled: true, BufferSize: 1000, FlushInterval: time.Hour})

	for i := 0; i < 10; i++ {
		logger.Write(&UsageEntry{ID: fmt.Sprintf("e-%d", i)})
	}
	require.NoError(t, logger.Close())
	assert.Equal(t, 10, store.count())

	// Writes after close are ignored and Close stays idempotent.
	logger.Write(&UsageEntry{ID: "late"})
	require.NoError(t, logger.Close())
	assert.Equal(t, 10, store.count())
}

func TestLogger_ThresholdFlush(t *testing.T) {
	store := &mockStore{}
	logger := NewLogger(store, Config{Enabled: true, BufferSize: 2 * BatchFlushThreshold, FlushInterval: time.Hour})
	defer logger.Close()

	for i := 0; i < BatchFlushThreshold; i++ {
		logger.Write(&UsageEntry{ID: fmt.Sprintf("e-%d", i)})
	}
	assert.Eventually(t, func() bool { return store.count() == BatchFlushThreshold }, time.Second, 10*time.Millisecond)
}

func TestLogger_Defaults(t *testing.T) {
	logger := NewLogger(&mockStore{}, Config{Enabled: true})
	defer logger.Close()

	assert.Equal(t, DefaultConfig().BufferSize, logger.Config().BufferSize)
	assert.Equal(t, DefaultConfig().FlushInterval, logger.Config().FlushInterval)
	logger.Write(nil)
	assert.Zero(t, logger.Dropped())
}

func TestNoopLogger(t *testing.T) {
	var logger LoggerInterface = &NoopLogger{}
	logger.Write(&UsageEntry{ID: "test"})
	assert.False(t, logger.Config().Enabled)
	assert.NoError(t, logger.Close())
}

func TestNewEntry(t *testing.T) {
	a := NewEntry("req-1", "user-1")
	b := NewEntry("req-1", "user-1")

	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, a.ID, 36)
	assert.Equal(t, "req-1", a.RequestID)
	assert.Equal(t, "user-1", a.UserID)
	assert.WithinDuration(t, time.Now(), a.Timestamp, time.Second)
}
