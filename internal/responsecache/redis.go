package responsecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces response cache keys in Redis.
const DefaultRedisPrefix = "inferdispatch:responses:"

// RedisConfig holds Redis store settings.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379/0")
	URL string

	// Prefix is prepended to every key (defaults to DefaultRedisPrefix)
	Prefix string

	// TTL is applied to each entry so Redis expires it even without cleanup
	TTL time.Duration

	// MaxSize bounds the number of entries tracked in the insertion index
	MaxSize int
}

// RedisStore keeps entries in Redis for deployments with several instances.
// Each entry lives under its own key with a TTL; a sorted set ordered by
// insertion time bounds the entry count.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	maxSize int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewRedisStoreWithClient(client, cfg)
	slog.Info("response cache using redis", "prefix", s.prefix, "ttl", s.ttl, "max_size", s.maxSize)
	return s, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, cfg RedisConfig) *RedisStore {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultRedisPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	return &RedisStore{client: client, prefix: cfg.Prefix, ttl: cfg.TTL, maxSize: cfg.MaxSize}
}

func (s *RedisStore) entryKey(key string) string {
	return s.prefix + key
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "index"
}

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	data, err := s.client.Get(ctx, s.entryKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("failed to get cache entry from redis: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("failed to parse cache entry from redis: %w", err)
	}
	return entry, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.entryKey(key), data, s.ttl)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(entry.CreatedAt.UnixNano()), Member: key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set cache entry in redis: %w", err)
	}
	return s.trim(ctx)
}

// trim evicts the oldest entries beyond maxSize.
func (s *RedisStore) trim(ctx context.Context) error {
	size, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to read cache index size: %w", err)
	}
	excess := size - int64(s.maxSize)
	if excess <= 0 {
		return nil
	}

	popped, err := s.client.ZPopMin(ctx, s.indexKey(), excess).Result()
	if err != nil {
		return fmt.Errorf("failed to trim cache index: %w", err)
	}
	keys := make([]string, 0, len(popped))
	for _, z := range popped {
		if member, ok := z.Member.(string); ok {
			keys = append(keys, s.entryKey(member))
		}
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.entryKey(key))
		pipe.ZRem(ctx, s.indexKey(), key)
		return nil
	})
	return err
}

func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	return s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
}

func (s *RedisStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.indexKey()).Result()
	return int(n), err
}

func (s *RedisStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
