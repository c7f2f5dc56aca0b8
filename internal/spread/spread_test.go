package spread

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krakenbot/config"
	"krakenbot/internal/models"
)

func testConfig() config.SpreadConfig {
	return config.SpreadConfig{
		Enabled:          true,
		TrendMaxPct:      0.8,
		RangeMaxPct:      0.4,
		TransitionMaxPct: 0.5,
		CapPct:           1.5,
		FloorPct:         0.05,
		AlertsEnabled:    true,
		AlertCooldown:    15 * time.Minute,
	}
}

func testExchanges() map[string]config.ExchangeConfig {
	return map[string]config.ExchangeConfig{
		"kraken":   {Primary: true, MarkupMode: config.MarkupFixed, MarkupPct: 9},
		"revolutx": {MarkupMode: config.MarkupFixed, MarkupPct: 0.3},
		"dyn":      {MarkupMode: config.MarkupDynamic, MarkupPct: 0.1, MarkupAlpha: 0.5, MaxMarkupPct: 1},
		"plain":    {MarkupMode: config.MarkupNone, MarkupPct: 0.7},
	}
}

// quote returns a ticker around 100 whose raw spread is pct percent.
func quote(pct float64) models.Ticker {
	return models.Ticker{Pair: "BTC/USD", Bid: 100 - pct/2, Ask: 100 + pct/2, Last: 100}
}

func TestRawSpreadPct(t *testing.T) {
	raw, ok := RawSpreadPct(quote(0.2))
	require.True(t, ok)
	assert.InDelta(t, 0.2, raw, 1e-9)

	_, ok = RawSpreadPct(models.Ticker{Bid: 0, Ask: 100})
	assert.False(t, ok)
	_, ok = RawSpreadPct(models.Ticker{Bid: 101, Ask: 100})
	assert.False(t, ok, "crossed book is unusable")
}

func TestCheck_Thresholds(t *testing.T) {
	f := NewFilter(testConfig(), testExchanges())

	tests := []struct {
		name    string
		spread  float64
		regime  models.Regime
		allowed bool
		code    string
	}{
		{"just under floor", 0.049, models.RegimeRange, true, CodeAllowFloor},
		{"inside range threshold", 0.3, models.RegimeRange, true, CodeAllow},
		{"just over range threshold", 0.41, models.RegimeRange, false, CodeReject},
		{"inside trend threshold", 0.79, models.RegimeTrend, true, CodeAllow},
		{"just over trend threshold", 0.81, models.RegimeTrend, false, CodeReject},
		{"inside transition threshold", 0.45, models.RegimeTransition, true, CodeAllow},
		{"just over transition threshold", 0.51, models.RegimeTransition, false, CodeReject},
		{"unknown regime uses transition", 0.51, "", false, CodeReject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := f.Check("BTC/USD", "kraken", models.ActionBuy, quote(tt.spread), tt.regime)
			assert.Equal(t, tt.allowed, d.Allowed, d.String())
			assert.Equal(t, tt.code, d.Code)
			assert.InDelta(t, tt.spread, d.EffectiveSpreadPct, 1e-9)
		})
	}
}

func TestCheck_FailsClosedOnMissingData(t *testing.T) {
	f := NewFilter(testConfig(), testExchanges())
	for _, tk := range []models.Ticker{{}, {Bid: 100}, {Ask: 100}, {Bid: 100.2, Ask: 100.1}} {
		d := f.Check("BTC/USD", "kraken", models.ActionBuy, tk, models.RegimeTrend)
		assert.False(t, d.Allowed)
		assert.Equal(t, CodeMissingData, d.Code)
	}
}

func TestCheck_OnlyBuyIsGated(t *testing.T) {
	f := NewFilter(testConfig(), testExchanges())
	for _, a := range []models.SignalAction{models.ActionSell, models.ActionHold} {
		d := f.Check("BTC/USD", "kraken", a, models.Ticker{}, models.RegimeRange)
		assert.True(t, d.Allowed)
		assert.Equal(t, CodeNotGated, d.Code)
	}

	cfg := testConfig()
	cfg.Enabled = false
	d := NewFilter(cfg, testExchanges()).Check("BTC/USD", "kraken", models.ActionBuy, quote(5), models.RegimeRange)
	assert.True(t, d.Allowed)
	assert.Equal(t, CodeDisabled, d.Code)
}

func TestCheck_DisabledStillRejectsInvalidQuote(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	d := NewFilter(cfg, testExchanges()).Check("BTC/USD", "kraken", models.ActionBuy, models.Ticker{}, models.RegimeTrend)
	assert.False(t, d.Allowed)
	assert.Equal(t, CodeMissingData, d.Code)
}

func TestThreshold_Cap(t *testing.T) {
	cfg := testConfig()
	cfg.TrendMaxPct = 2
	f := NewFilter(cfg, nil)
	assert.Equal(t, 1.5, f.Threshold(models.RegimeTrend))
	assert.Equal(t, 0.4, f.Threshold(models.RegimeRange))

	cfg.CapPct = 0
	assert.Equal(t, 2.0, NewFilter(cfg, nil).Threshold(models.RegimeTrend), "zero cap disables clamping")
}

func TestMarkup(t *testing.T) {
	f := NewFilter(testConfig(), testExchanges())
	assert.Zero(t, f.Markup("kraken"), "primary venue never carries markup")
	assert.Equal(t, 0.3, f.Markup("revolutx"))
	assert.Zero(t, f.Markup("plain"))
	assert.Zero(t, f.Markup("unknown"))
	assert.InDelta(t, 0.1, f.Markup("dyn"), 1e-12)

	d := f.Check("BTC/USD", "revolutx", models.ActionBuy, quote(0.3), models.RegimeRange)
	assert.Equal(t, CodeReject, d.Code, "markup pushes the effective spread over the threshold")
	assert.InDelta(t, 0.6, d.EffectiveSpreadPct, 1e-9)

	d = f.Check("BTC/USD", "kraken", models.ActionBuy, quote(0.3), models.RegimeRange)
	assert.Equal(t, CodeAllow, d.Code)
}

func TestObserveFill_DynamicMarkup(t *testing.T) {
	f := NewFilter(testConfig(), testExchanges())
	tk := quote(0.1)

	f.ObserveFill("dyn", models.SideBuy, 100.5, tk)
	assert.InDelta(t, 0.3, f.Markup("dyn"), 1e-9)

	f.ObserveFill("dyn", models.SideSell, 99.5, tk)
	assert.InDelta(t, 0.4, f.Markup("dyn"), 1e-9, "selling under mid is also markup")

	f.ObserveFill("dyn", models.SideBuy, 100.5, models.Ticker{})
	assert.InDelta(t, 0.4, f.Markup("dyn"), 1e-9, "invalid quotes are ignored")

	f.ObserveFill("revolutx", models.SideBuy, 150, tk)
	assert.Equal(t, 0.3, f.Markup("revolutx"), "fixed markup does not learn")
}

func TestMarkupTracker(t *testing.T) {
	tr := NewMarkupTracker(5, 0, 1)
	assert.Equal(t, 1.0, tr.Value(), "seed is clamped")

	tr.Observe(-10)
	assert.Zero(t, tr.Value(), "never negative")
	tr.Observe(math.NaN())
	tr.Observe(math.Inf(1))
	assert.Equal(t, 1, tr.Samples())

	tr.Observe(0.5)
	assert.InDelta(t, 0.1, tr.Value(), 1e-12)
}

func TestCheck_AlertCooldown(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFilter(testConfig(), testExchanges())
	f.SetClock(func() time.Time { return now })

	wide := quote(2)
	d := f.Check("BTC/USD", "kraken", models.ActionBuy, wide, models.RegimeRange)
	assert.True(t, d.Alert)

	now = now.Add(5 * time.Minute)
	d = f.Check("BTC/USD", "kraken", models.ActionBuy, wide, models.RegimeRange)
	assert.False(t, d.Alert, "within cooldown")

	d = f.Check("BTC/USD", "revolutx", models.ActionBuy, wide, models.RegimeRange)
	assert.True(t, d.Alert, "cooldown is per pair and exchange")

	now = now.Add(11 * time.Minute)
	d = f.Check("BTC/USD", "kraken", models.ActionBuy, wide, models.RegimeRange)
	assert.True(t, d.Alert)

	cfg := testConfig()
	cfg.AlertsEnabled = false
	d = NewFilter(cfg, testExchanges()).Check("BTC/USD", "kraken", models.ActionBuy, wide, models.RegimeRange)
	assert.Equal(t, CodeReject, d.Code)
	assert.False(t, d.Alert)
}
