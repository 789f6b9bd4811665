package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisKey = "inferdispatch:catalog"
	DefaultRedisTTL = 24 * time.Hour
)

// RedisConfig configures the Redis snapshot cache.
type RedisConfig struct {
	// URL such as "redis://localhost:6379/0".
	URL string
	Key string
	// TTL bounds how long an abandoned snapshot survives.
	TTL time.Duration
}

// RedisCache shares one snapshot between instances.
type RedisCache struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewRedisCache connects and pings Redis.
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
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

	c := NewRedisCacheWithClient(client, cfg)
	slog.Info("catalog snapshot cache connected", "backend", "redis", "key", c.key, "ttl", c.ttl)
	return c, nil
}

// NewRedisCacheWithClient wraps an existing client, e.g. one shared with the
// response cache.
func NewRedisCacheWithClient(client redis.UniversalClient, cfg RedisConfig) *RedisCache {
	c := &RedisCache{client: client, key: cfg.Key, ttl: cfg.TTL}
	if c.key == "" {
		c.key = DefaultRedisKey
	}
	if c.ttl <= 0 {
		c.ttl = DefaultRedisTTL
	}
	return c
}

func (c *RedisCache) Get(ctx context.Context) (*Snapshot, error) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", c.key, err)
	}
	return decodeSnapshot(data)
}

func (c *RedisCache) Set(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := c.client.Set(ctx, c.key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", c.key, err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
