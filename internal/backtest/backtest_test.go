package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krakenbot/config"
	"krakenbot/internal/models"
	"krakenbot/internal/spread"
)

var t0 = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func candle(i int, open, close float64) models.Candle {
	hi, lo := open, close
	if close > open {
		hi, lo = close, open
	}
	return models.Candle{Time: t0.Add(time.Duration(i) * 5 * time.Minute), Open: open, High: hi + 0.1, Low: lo - 0.1, Close: close, Volume: 10}
}

// uptrend closes at 100, 101, ... with green bodies.
func uptrend(n int) []models.Candle {
	out := make([]models.Candle, n)
	for i := range out {
		c := 100 + float64(i)
		out[i] = candle(i, c-0.8, c)
	}
	return out
}

// crash appends n red candles falling 2% each.
func crash(series []models.Candle, n int) []models.Candle {
	last := series[len(series)-1].Close
	for k := 0; k < n; k++ {
		next := last * 0.98
		series = append(series, candle(len(series), last, next))
		last = next
	}
	return series
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Engine.Pairs = []string{"BTC/USD"}
	cfg.Engine.Strategy = "candle-momentum"
	return cfg
}

func sumPnL(trades []Trade) float64 {
	total := 0.0
	for _, t := range trades {
		total += t.PnlUsd
	}
	return total
}

func TestNewRunner_Defaults(t *testing.T) {
	cfg := testConfig()
	r, err := NewRunner(cfg, Options{})
	require.NoError(t, err)
	opts := r.Options()
	assert.Equal(t, "BTC/USD", opts.Pair)
	assert.Equal(t, cfg.Engine.PaperBalance, opts.InitialBalance)
	assert.Equal(t, 250, opts.Window)

	r, err = NewRunner(cfg, Options{Pair: " eth/usd ", InitialBalance: 500})
	require.NoError(t, err)
	assert.Equal(t, "ETH/USD", r.Options().Pair)
	assert.Equal(t, 500.0, r.Options().InitialBalance)
}

func TestNewRunner_Errors(t *testing.T) {
	_, err := NewRunner(nil, Options{})
	assert.Error(t, err)

	_, err = NewRunner(testConfig(), Options{SpreadPct: -1})
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Engine.Strategy = "nope"
	_, err = NewRunner(cfg, Options{})
	assert.Error(t, err)
}

func TestRun_InsufficientData(t *testing.T) {
	r, err := NewRunner(testConfig(), Options{})
	require.NoError(t, err)
	_, err = r.Run(context.Background(), uptrend(10))
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestRun_OpenLotClosedAtEnd(t *testing.T) {
	cfg := testConfig()
	cfg.Regime.Enabled = false
	sg := &cfg.SmartGuard
	sg.BeAtPct, sg.TrailStartPct = 100, 100
	sg.TakeProfitPct, sg.MinTargetPct, sg.MaxTargetPct = 100, 100, 100

	r, err := NewRunner(cfg, Options{})
	require.NoError(t, err)
	candles := uptrend(40)
	res, err := r.Run(context.Background(), candles)
	require.NoError(t, err)

	assert.Equal(t, "candle-momentum", res.Strategy)
	assert.Equal(t, 1, res.Entries)
	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, ReasonEnd, tr.Reason)
	assert.InDelta(t, 139.0, tr.ExitPrice, 1e-9)
	assert.Positive(t, tr.PnlUsd)
	assert.Positive(t, res.Blocked[BlockMaxLots], "one lot per pair")
	assert.Equal(t, 1, res.WinningTrades)
	assert.Equal(t, 100.0, res.WinRate)

	assert.Len(t, res.EquityCurve, len(candles)-r.strategy.MinHistory())
	assert.InDelta(t, res.FinalEquity-res.InitialBalance, sumPnL(res.Trades), 1e-6)
	assert.InDelta(t, res.NetProfit, tr.PnlUsd, 1e-6)
}

func TestRun_CrashExitsThroughGuard(t *testing.T) {
	cfg := testConfig()
	cfg.Regime.RouterEnabled = false
	r, err := NewRunner(cfg, Options{})
	require.NoError(t, err)

	candles := crash(uptrend(40), 15)
	res, err := r.Run(context.Background(), candles)
	require.NoError(t, err)

	require.NotEmpty(t, res.Trades)
	crashStart := candles[40].Time
	var guarded bool
	for _, tr := range res.Trades {
		assert.False(t, tr.ExitTime.Before(tr.EntryTime))
		if tr.Reason != ReasonEnd && !tr.ExitTime.Before(crashStart) {
			guarded = true
		}
	}
	assert.True(t, guarded, "a SMART_GUARD exit fires during the crash")
	assert.Positive(t, res.MaxDrawdownPct)
	assert.InDelta(t, res.FinalEquity-res.InitialBalance, sumPnL(res.Trades), 1e-6)

	counted := 0
	for _, n := range res.RegimeCandles {
		counted += n
	}
	assert.Equal(t, len(candles)-r.strategy.MinHistory(), counted)
}

func TestRun_WideSpreadBlocksEntries(t *testing.T) {
	cfg := testConfig()
	cfg.Regime.Enabled = false
	r, err := NewRunner(cfg, Options{SpreadPct: 2})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), uptrend(40))
	require.NoError(t, err)
	assert.Zero(t, res.Entries)
	assert.Empty(t, res.Trades)
	assert.Positive(t, res.Blocked[spread.CodeReject])
	assert.Equal(t, res.InitialBalance, res.FinalEquity)
	assert.Zero(t, res.MaxDrawdownPct)
}

func TestRun_Cancelled(t *testing.T) {
	r, err := NewRunner(testConfig(), Options{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Run(ctx, uptrend(40))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMetrics(t *testing.T) {
	curve := []EquityPoint{{Equity: 1100}, {Equity: 990}, {Equity: 1050}, {Equity: 1210}, {Equity: 1150}}
	assert.InDelta(t, 10.0, maxDrawdownPct(1000, curve), 1e-9)
	assert.Zero(t, maxDrawdownPct(1000, nil))

	assert.Zero(t, sharpe([]Trade{{PnlPct: 3}}))
	assert.Zero(t, sharpe([]Trade{{PnlPct: 2}, {PnlPct: 2}}))
	assert.InDelta(t, 1.0/3.0, sharpe([]Trade{{PnlPct: 4}, {PnlPct: -2}}), 1e-9)

	res := &Result{
		InitialBalance: 1000,
		FinalEquity:    1015,
		Trades:         []Trade{{PnlUsd: 30, FeesUsd: 1}, {PnlUsd: -15, FeesUsd: 1}},
	}
	res.finish()
	assert.Equal(t, 1, res.WinningTrades)
	assert.Equal(t, 1, res.LosingTrades)
	assert.Equal(t, 50.0, res.WinRate)
	assert.InDelta(t, 2.0, res.ProfitFactor, 1e-9)
	assert.InDelta(t, 1.5, res.ROI, 1e-9)
	assert.InDelta(t, 2.0, res.FeesUsd, 1e-9)
}
