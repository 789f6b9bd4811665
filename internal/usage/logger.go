package usage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"inferdispatch/internal/observability"
)

// Logger queues entries on a channel and writes them in batches, either
// when BatchFlushThreshold entries have accumulated or on every tick.
type Logger struct {
	store  UsageStore
	config Config
	buffer chan *UsageEntry
	done   chan struct{}
	wg     sync.WaitGroup
	// writes tracks in-flight Write calls so Close never closes the
	// buffer under a sender.
	writes  sync.WaitGroup
	closed  atomic.Bool
	dropped atomic.Int64
}

// NewLogger starts the flush loop over store.
func NewLogger(store UsageStore, cfg Config) *Logger {
	defaults := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}

	l := &Logger{
		store:  store,
		config: cfg,
		buffer: make(chan *UsageEntry, cfg.BufferSize),
		done:   make(chan struct{}),
	}

	l.wg.Add(1)
	go l.flushLoop()
	return l
}

// Write queues entry without blocking. Entries are dropped when the
// buffer is full or the logger is closed.
func (l *Logger) Write(entry *UsageEntry) {
	if entry == nil || l.closed.Load() {
		return
	}

	l.writes.Add(1)
	defer l.writes.Done()

	// Close may have started between the first check and Add.
	if l.closed.Load() {
		return
	}

	select {
	case l.buffer <- entry:
	default:
		l.dropped.Add(1)
		observability.UsageDropped.Inc()
		slog.Warn("usage buffer full, dropping entry",
			"request_id", entry.RequestID,
			"model", entry.Model,
			"provider", entry.Provider,
		)
	}
}

func (l *Logger) Config() Config {
	return l.config
}

// Dropped returns how many entries were discarded because the buffer was full.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Close stops the loop, flushes what is queued and closes the store. It is
// idempotent.
func (l *Logger) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.writes.Wait()
	close(l.done)
	l.wg.Wait()
	return l.store.Close()
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]*UsageEntry, 0, BatchFlushThreshold)
	flush := func() {
		if len(batch) > 0 {
			l.flushBatch(batch)
			batch = make([]*UsageEntry, 0, BatchFlushThreshold)
		}
	}

	for {
		select {
		case entry := <-l.buffer:
			batch = append(batch, entry)
			if len(batch) >= BatchFlushThreshold {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			close(l.buffer)
			for entry := range l.buffer {
				batch = append(batch, entry)
			}
			flush()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := l.store.Flush(ctx); err != nil {
				slog.Error("failed to flush usage store", "error", err)
			}
			cancel()
			return
		}
	}
}

func (l *Logger) flushBatch(batch []*UsageEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := l.store.WriteBatch(ctx, batch); err != nil {
		observability.UsageFlushErrors.Inc()
		slog.Error("failed to write usage batch", "error", err, "count", len(batch))
	}
}

// NoopLogger discards entries. Used when usage tracking is disabled.
type NoopLogger struct{}

func (l *NoopLogger) Write(_ *UsageEntry) {}

func (l *NoopLogger) Config() Config { return Config{Enabled: false} }

func (l *NoopLogger) Close() error { return nil }

// LoggerInterface is satisfied by Logger and NoopLogger.
type LoggerInterface interface {
	Write(entry *UsageEntry)
	Config() Config
	Close() error
}
