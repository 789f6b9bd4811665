package usage

import (
	"context"
	"errors"
	"fmt"

	"inferdispatch/config"
	"inferdispatch/internal/storage"
)

// Result holds the usage logger, its reader and the storage they share.
// The caller must Close it.
type Result struct {
	Logger  LoggerInterface
	Reader  UsageReader
	Storage *storage.Handle
}

// Close flushes the logger, then closes the storage. Safe to call more
// than once.
func (r *Result) Close() error {
	var errs []error
	if r.Logger != nil {
		if err := r.Logger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("logger close: %w", err))
		}
	}
	if r.Storage != nil {
		if err := r.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
		r.Storage = nil
	}
	return errors.Join(errs...)
}

// New opens the configured storage and starts a Logger over it. When usage
// tracking is disabled it returns a NoopLogger and no reader.
func New(ctx context.Context, cfg *config.Config) (*Result, error) {
	if !cfg.Usage.Enabled {
		return &Result{Logger: &NoopLogger{}}, nil
	}

	h, err := storage.Open(ctx, storageConfig(cfg.Storage))
	if err != nil {
		return nil, fmt.Errorf("failed to open usage storage: %w", err)
	}

	usageStore, reader, err := createBackend(h, cfg.Usage.RetentionDays)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	return &Result{
		Logger:  NewLogger(usageStore, buildLoggerConfig(cfg.Usage)),
		Reader:  reader,
		Storage: h,
	}, nil
}

func storageConfig(cfg config.StorageConfig) storage.Config {
	return storage.Config{
		Kind:     storage.Kind(cfg.Type),
		Path:     cfg.SQLite.Path,
		URL:      urlFor(cfg),
		MaxConns: cfg.PostgreSQL.MaxConns,
		Database: cfg.MongoDB.Database,
	}
}

func urlFor(cfg config.StorageConfig) string {
	if storage.Kind(cfg.Type) == storage.MongoDB {
		return cfg.MongoDB.URL
	}
	return cfg.PostgreSQL.URL
}

// createBackend returns the store and reader for the storage kind.
func createBackend(h *storage.Handle, retentionDays int) (UsageStore, UsageReader, error) {
	switch h.Kind() {
	case storage.SQLite:
		s, err := NewSQLiteStore(h.SQL, retentionDays)
		if err != nil {
			return nil, nil, err
		}
		r, err := NewSQLiteReader(h.SQL)
		return s, r, err

	case storage.PostgreSQL:
		s, err := NewPostgreSQLStore(h.Pool, retentionDays)
		if err != nil {
			return nil, nil, err
		}
		r, err := NewPostgreSQLReader(h.Pool)
		return s, r, err

	case storage.MongoDB:
		s, err := NewMongoDBStore(h.Mongo, retentionDays)
		if err != nil {
			return nil, nil, err
		}
		r, err := NewMongoDBReader(h.Mongo)
		return s, r, err

	default:
		return nil, nil, fmt.Errorf("unknown storage kind: %s", h.Kind())
	}
}

func buildLoggerConfig(cfg config.UsageConfig) Config {
	return Config{
		Enabled:       cfg.Enabled,
		BufferSize:    cfg.BufferSize,
		FlushInterval: config.Seconds(cfg.FlushInterval),
		RetentionDays: cfg.RetentionDays,
	}
}
