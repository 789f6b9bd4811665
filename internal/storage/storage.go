// Package storage opens the database the usage sink writes to.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	_ "modernc.org/sqlite"
)

// Kind names a storage backend.
type Kind string

const (
	SQLite     Kind = "sqlite"
	PostgreSQL Kind = "postgresql"
	MongoDB    Kind = "mongodb"
)

const (
	DefaultSQLitePath = "data/inferdispatch.db"
	DefaultMaxConns   = 10
	DefaultDatabase   = "inferdispatch"
)

// Config selects a backend. Path applies to sqlite, URL to postgresql and
// mongodb, MaxConns to postgresql and Database to mongodb.
type Config struct {
	Kind     Kind
	Path     string
	URL      string
	MaxConns int
	Database string
}

func (c Config) withDefaults() Config {
	if c.Kind == "" {
		c.Kind = SQLite
	}
	if c.Path == "" {
		c.Path = DefaultSQLitePath
	}
	if c.MaxConns <= 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	return c
}

// Handle owns one open connection. Exactly one of SQL, Pool and Mongo is
// set, matching Kind.
type Handle struct {
	kind  Kind
	SQL   *sql.DB
	Pool  *pgxpool.Pool
	Mongo *mongo.Database

	mongoClient *mongo.Client
}

func (h *Handle) Kind() Kind { return h.kind }

// Open connects to the configured backend and pings it.
func Open(ctx context.Context, cfg Config) (*Handle, error) {
	cfg = cfg.withDefaults()
	switch cfg.Kind {
	case SQLite:
		return openSQLite(cfg.Path)
	case PostgreSQL:
		return openPostgreSQL(ctx, cfg.URL, cfg.MaxConns)
	case MongoDB:
		return openMongoDB(ctx, cfg.URL, cfg.Database)
	default:
		return nil, fmt.Errorf("unknown storage kind %q (valid: sqlite, postgresql, mongodb)", cfg.Kind)
	}
}

// openSQLite runs the file in WAL mode with a busy timeout so the usage
// flush loop and retention cleanup can share one connection.
func openSQLite(path string) (*Handle, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Handle{kind: SQLite, SQL: db}, nil
}

func openPostgreSQL(ctx context.Context, url string, maxConns int) (*Handle, error) {
	if url == "" {
		return nil, errors.New("postgresql url is required")
	}
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgresql url: %w", err)
	}
	poolCfg.MaxConns = int32(maxConns)
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgresql pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgresql: %w", err)
	}
	return &Handle{kind: PostgreSQL, Pool: pool}, nil
}

func openMongoDB(ctx context.Context, url, database string) (*Handle, error) {
	if url == "" {
		return nil, errors.New("mongodb url is required")
	}
	client, err := mongo.Connect(options.Client().ApplyURI(url))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return &Handle{kind: MongoDB, Mongo: client.Database(database), mongoClient: client}, nil
}

// Close releases the connection. Calling it twice is harmless.
func (h *Handle) Close() error {
	var err error
	switch {
	case h.SQL != nil:
		err = h.SQL.Close()
		h.SQL = nil
	case h.Pool != nil:
		h.Pool.Close()
		h.Pool = nil
	case h.mongoClient != nil:
		err = h.mongoClient.Disconnect(context.Background())
		h.mongoClient, h.Mongo = nil, nil
	}
	return err
}
