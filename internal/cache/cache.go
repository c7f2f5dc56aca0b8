// Package cache provides the short-lived TTL caches used by the regime
// manager and the MTF analyzer, with a Redis backend that degrades to memory.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by Get when the key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// Cache stores JSON-encodable values under string keys with a TTL.
// Implementations must be safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Key prefixes
const (
	PrefixRegimeAnalysis = "regime:analysis:%s"
	PrefixMTFCandles     = "mtf:candles:%s:%d"
)
