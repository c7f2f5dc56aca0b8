// Package analysis provides the multi-timeframe trend analyzer and the
// signal filter built on it.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"krakenbot/internal/cache"
	"krakenbot/internal/logging"
	"krakenbot/internal/models"
)

// Timeframe is a candle granularity in minutes.
type Timeframe int

const (
	TF5m Timeframe = 5
	TF1h Timeframe = 60
	TF4h Timeframe = 240
)

// Timeframes analyzed, short to long.
var Timeframes = []Timeframe{TF5m, TF1h, TF4h}

func (tf Timeframe) String() string {
	switch tf {
	case TF5m:
		return "5m"
	case TF1h:
		return "1h"
	case TF4h:
		return "4h"
	}
	return fmt.Sprintf("%dm", int(tf))
}

// CandleSource is the part of the exchange client the analyzer needs.
type CandleSource interface {
	GetOHLC(ctx context.Context, pair string, intervalMinutes int) ([]models.Candle, error)
}

// MultiTimeframeData holds candles across the three timeframes
type MultiTimeframeData struct {
	Pair      string
	Timestamp time.Time
	Data      map[Timeframe][]models.Candle
}

// TimeframeManager fetches and caches candles per pair and timeframe.
type TimeframeManager struct {
	source CandleSource
	cache  cache.Cache
	ttl    time.Duration
	limit  int
	logger *logging.Logger
}

// NewTimeframeManager creates a multi-timeframe data manager. Candles are
// trimmed to limit and cached for ttl.
func NewTimeframeManager(source CandleSource, c cache.Cache, ttl time.Duration, limit int) *TimeframeManager {
	if c == nil {
		c = cache.NewMemoryCache()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if limit <= 0 {
		limit = 50
	}
	return &TimeframeManager{
		source: source,
		cache:  c,
		ttl:    ttl,
		limit:  limit,
		logger: logging.WithComponent("mtf"),
	}
}

// GetMultiTimeframeData fetches all timeframes in parallel.
func (tm *TimeframeManager) GetMultiTimeframeData(ctx context.Context, pair string) (*MultiTimeframeData, error) {
	result := &MultiTimeframeData{
		Pair:      pair,
		Timestamp: time.Now(),
		Data:      make(map[Timeframe][]models.Candle, len(Timeframes)),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	errChan := make(chan error, len(Timeframes))

	for _, tf := range Timeframes {
		wg.Add(1)
		go func(tf Timeframe) {
			defer wg.Done()

			candles, err := tm.GetCandles(ctx, pair, tf)
			if err != nil {
				errChan <- fmt.Errorf("failed to fetch %s %s: %w", pair, tf, err)
				return
			}

			mu.Lock()
			result.Data[tf] = candles
			mu.Unlock()
		}(tf)
	}

	wg.Wait()
	close(errChan)

	if err := <-errChan; err != nil {
		return nil, err
	}
	return result, nil
}

// GetCandles fetches candles with caching
func (tm *TimeframeManager) GetCandles(ctx context.Context, pair string, tf Timeframe) ([]models.Candle, error) {
	key := fmt.Sprintf(cache.PrefixMTFCandles, pair, int(tf))

	var cached []models.Candle
	err := tm.cache.Get(ctx, key, &cached)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		tm.logger.Debug("Candle cache read failed", "pair", pair, "timeframe", tf.String(), "error", err)
	}

	candles, err := tm.source.GetOHLC(ctx, pair, int(tf))
	if err != nil {
		return nil, err
	}
	if len(candles) > tm.limit {
		candles = candles[len(candles)-tm.limit:]
	}

	if err := tm.cache.Set(ctx, key, candles, tm.ttl); err != nil {
		tm.logger.Debug("Candle cache write failed", "pair", pair, "timeframe", tf.String(), "error", err)
	}
	return candles, nil
}
