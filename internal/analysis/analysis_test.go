package analysis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krakenbot/internal/cache"
	"krakenbot/internal/models"
)

func series(n int, step float64) []models.Candle {
	out := make([]models.Candle, n)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		mid := 100 + float64(i)*step
		out[i] = models.Candle{Time: t0.Add(time.Duration(i) * time.Minute), Open: mid, High: mid + 0.5, Low: mid - 0.5, Close: mid}
	}
	return out
}

type fakeSource struct {
	mu    sync.Mutex
	calls map[int]int
	data  map[int][]models.Candle
	err   error
}

func (f *fakeSource) GetOHLC(_ context.Context, _ string, interval int) ([]models.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[int]int{}
	}
	f.calls[interval]++
	if f.err != nil {
		return nil, f.err
	}
	return f.data[interval], nil
}

func TestDetermineTrend(t *testing.T) {
	assert.Equal(t, TrendBullish, DetermineTrend(series(30, 1)))
	assert.Equal(t, TrendBearish, DetermineTrend(series(30, -1)))
	assert.Equal(t, TrendNeutral, DetermineTrend(series(30, 0)))
	assert.Equal(t, TrendNeutral, DetermineTrend(series(19, 1)), "short series is neutral")
	assert.Equal(t, 4, TrendScore(series(30, 1)))
}

func TestCombine(t *testing.T) {
	all := Combine(TrendBullish, TrendBullish, TrendBullish)
	assert.InDelta(t, 1.0, all.Alignment, 1e-12)
	assert.Equal(t, 0.9, all.Confidence)

	two := Combine(TrendBearish, TrendNeutral, TrendBearish)
	assert.InDelta(t, -3.0/4.5, two.Alignment, 1e-12)
	assert.Equal(t, 0.7, two.Confidence)

	mixed := Combine(TrendBullish, TrendBearish, TrendNeutral)
	assert.InDelta(t, -0.5/4.5, mixed.Alignment, 1e-12)
	assert.Equal(t, 0.5, mixed.Confidence)

	neutral := Combine(TrendNeutral, TrendNeutral, TrendNeutral)
	assert.Equal(t, 0.5, neutral.Confidence)
}

func TestAnalyzer_UsesCache(t *testing.T) {
	src := &fakeSource{data: map[int][]models.Candle{
		5:   series(80, 1),
		60:  series(80, 1),
		240: series(80, 1),
	}}
	tm := NewTimeframeManager(src, cache.NewMemoryCache(), 5*time.Minute, 50)
	a := NewAnalyzer(tm)

	res, err := a.Analyze(context.Background(), "BTC/USD")
	require.NoError(t, err)
	assert.True(t, res.AllAgree(TrendBullish))

	_, err = a.Analyze(context.Background(), "BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls[5])
	assert.Equal(t, 1, src.calls[240])

	candles, err := tm.GetCandles(context.Background(), "BTC/USD", TF1h)
	require.NoError(t, err)
	assert.Len(t, candles, 50)
}

func TestAnalyzer_PropagatesErrors(t *testing.T) {
	src := &fakeSource{err: errors.New("timeout")}
	a := NewAnalyzer(NewTimeframeManager(src, nil, 0, 0))
	_, err := a.Analyze(context.Background(), "BTC/USD")
	assert.Error(t, err)
}

func TestFilterSignal(t *testing.T) {
	buy := models.Signal{Action: models.ActionBuy, Confidence: 0.6, Reason: "Momentum | Señales: 5/1"}
	sell := models.Signal{Action: models.ActionSell, Confidence: 0.6, Reason: "Momentum | Señales: 1/5"}
	bull := Combine(TrendBullish, TrendBullish, TrendBullish)
	bear := Combine(TrendBearish, TrendBearish, TrendBearish)
	longOnly := Combine(TrendNeutral, TrendNeutral, TrendBullish)
	weak := Combine(TrendNeutral, TrendNeutral, TrendNeutral)

	tests := []struct {
		name     string
		sig      models.Signal
		trend    TrendAnalysis
		regime   models.Regime
		filtered bool
		conf     float64
	}{
		{"buy vetoed when all bearish", buy, bear, models.RegimeTrend, true, 0.6},
		{"buy boosted on full agreement", buy, bull, models.RegimeTrend, false, 0.75},
		{"buy boosted on long term only", buy, longOnly, models.RegimeTrend, false, 0.7},
		{"buy strict in range", buy, weak, models.RegimeRange, true, 0.6},
		{"buy strict in transition", buy, weak, models.RegimeTransition, true, 0.6},
		{"buy passes neutral in trend", buy, weak, models.RegimeTrend, false, 0.6},
		{"sell vetoed when bullish", sell, bull, models.RegimeTrend, true, 0.6},
		{"sell boosted when bearish", sell, bear, models.RegimeTrend, false, 0.75},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trend := tt.trend
			res := FilterSignal(tt.sig, &trend, tt.regime)
			assert.Equal(t, tt.filtered, res.Filtered)
			assert.InDelta(t, tt.conf, res.Signal.Confidence, 1e-9)
			assert.Equal(t, tt.sig.Reason, res.Signal.Reason)
			if tt.filtered {
				assert.Equal(t, models.ActionHold, res.Signal.Action)
			} else {
				assert.Equal(t, tt.sig.Action, res.Signal.Action)
			}
		})
	}

	hold := models.Signal{Action: models.ActionHold, Confidence: 0.3}
	res := FilterSignal(hold, &bear, models.RegimeRange)
	assert.Equal(t, hold, res.Signal)

	capped := FilterSignal(models.Signal{Action: models.ActionBuy, Confidence: 0.95}, &bull, models.RegimeTrend)
	assert.Equal(t, 1.0, capped.Signal.Confidence)
}
