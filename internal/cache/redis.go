package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kjstillabower/radar-overlay-service/internal/models"
)

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// RedisCache implements Cache using redis. Values are lz4-compressed JSON and expire by
// redis TTL.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a RedisCache. An empty address selects localhost:6379.
func NewRedisCache(cfg RedisConfig) *RedisCache {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.Timeout > 0 {
		opts.DialTimeout = cfg.Timeout
		opts.ReadTimeout = cfg.Timeout
		opts.WriteTimeout = cfg.Timeout
	}
	return &RedisCache{client: redis.NewClient(opts)}
}

// Get implements Cache.Get.
func (c *RedisCache) Get(ctx context.Context, key string) (models.OverlayResult, bool, error) {
	raw, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.OverlayResult{}, false, nil
		}
		return models.OverlayResult{}, false, err
	}
	v, err := decode(raw)
	if err != nil {
		return models.OverlayResult{}, false, err
	}
	return v, true, nil
}

// Set implements Cache.Set.
func (c *RedisCache) Set(ctx context.Context, key string, value models.OverlayResult, ttl time.Duration) error {
	raw, err := encode(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, keyPrefix+key, raw, ttl).Err()
}

// Ping checks if redis is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the client's connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
