package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"krakenbot/config"
	"krakenbot/internal/logging"
)

// RedisCache is a Redis-backed Cache with graceful degradation: after
// maxFailures consecutive errors it marks Redis unhealthy and serves from the
// in-memory fallback until a health check succeeds again.
type RedisCache struct {
	client   redis.UniversalClient
	fallback *MemoryCache
	logger   *logging.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
}

// NewRedisCache connects to Redis. A failed initial ping is not an error: the
// cache starts in degraded mode.
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	rc := NewRedisCacheWithClient(client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		rc.logger.Warn("Initial Redis connection failed, running on memory fallback", "address", cfg.Address, "error", err)
		rc.healthy = false
		return rc, nil
	}

	rc.logger.Info("Redis connected", "address", cfg.Address)
	return rc, nil
}

// NewRedisCacheWithClient wraps an existing client; assumed healthy.
func NewRedisCacheWithClient(client redis.UniversalClient) *RedisCache {
	return &RedisCache{
		client:        client,
		fallback:      NewMemoryCache(),
		logger:        logging.WithComponent("cache"),
		healthy:       true,
		lastCheck:     time.Now(),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}
}

// IsHealthy returns whether Redis is currently available.
func (rc *RedisCache) IsHealthy() bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.healthy
}

func (rc *RedisCache) recordFailure(err error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.failureCount++
	if rc.failureCount >= rc.maxFailures && rc.healthy {
		rc.logger.Warn("Redis marked unhealthy", "failures", rc.failureCount, "error", err)
		rc.healthy = false
		rc.lastCheck = time.Now()
	}
}

func (rc *RedisCache) recordSuccess() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.failureCount = 0
	if !rc.healthy {
		rc.logger.Info("Redis recovered")
	}
	rc.healthy = true
}

// usable reports whether to try Redis now. While unhealthy it allows one
// ping per checkInterval.
func (rc *RedisCache) usable(ctx context.Context) bool {
	rc.mu.RLock()
	healthy, last := rc.healthy, rc.lastCheck
	rc.mu.RUnlock()
	if healthy {
		return true
	}
	if time.Since(last) < rc.checkInterval {
		return false
	}

	rc.mu.Lock()
	rc.lastCheck = time.Now()
	rc.mu.Unlock()

	if err := rc.client.Ping(ctx).Err(); err != nil {
		return false
	}
	rc.recordSuccess()
	return true
}

func (rc *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	if !rc.usable(ctx) {
		return rc.fallback.Get(ctx, key, dest)
	}
	data, err := rc.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		rc.recordSuccess()
		return ErrCacheMiss
	}
	if err != nil {
		rc.recordFailure(err)
		return rc.fallback.Get(ctx, key, dest)
	}
	rc.recordSuccess()
	return json.Unmarshal(data, dest)
}

func (rc *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	// The fallback is always written so a Redis outage keeps recent values.
	if err := rc.fallback.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if !rc.usable(ctx) {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := rc.client.Set(ctx, key, data, ttl).Err(); err != nil {
		rc.recordFailure(err)
		return nil
	}
	rc.recordSuccess()
	return nil
}

func (rc *RedisCache) Delete(ctx context.Context, keys ...string) error {
	_ = rc.fallback.Delete(ctx, keys...)
	if len(keys) == 0 || !rc.usable(ctx) {
		return nil
	}
	if err := rc.client.Del(ctx, keys...).Err(); err != nil {
		rc.recordFailure(err)
	}
	return nil
}

// Close closes the Redis client.
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}
