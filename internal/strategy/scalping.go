package strategy

import (
	"math"

	"krakenbot/internal/indicators"
	"krakenbot/internal/models"
)

// ScalpingConfig configures the scalping strategy
type ScalpingConfig struct {
	FastEMA         int
	SlowEMA         int
	RSIPeriod       int
	ROCPeriod       int
	ROCThresholdPct float64
	MinSignals      int
}

func DefaultScalpingConfig() ScalpingConfig {
	return ScalpingConfig{
		FastEMA:         5,
		SlowEMA:         13,
		RSIPeriod:       7,
		ROCPeriod:       3,
		ROCThresholdPct: 0.2,
		MinSignals:      3,
	}
}

// ScalpingStrategy trades short bursts on fast EMAs and short-window oscillators.
type ScalpingStrategy struct {
	base
	config ScalpingConfig
}

func NewScalpingStrategy(config ScalpingConfig) *ScalpingStrategy {
	return &ScalpingStrategy{
		base:   base{name: "scalping", label: "Scalping", minHistory: 15, minSignals: config.MinSignals, maxSignals: 5},
		config: config,
	}
}

func (s *ScalpingStrategy) Evaluate(in Input) models.Signal {
	if len(in.Candles) < s.minHistory {
		return s.insufficient(in)
	}
	prices := in.prices()
	c := s.config
	var v votes

	fast := indicators.EMA(prices, c.FastEMA)
	slow := indicators.EMA(prices, c.SlowEMA)
	v.add(fast > slow, fast < slow, "ema")

	rsi := indicators.RSI(tail(prices, c.RSIPeriod+1))
	v.add(rsi < 35, rsi > 65, "rsi")

	roc := indicators.ROC(prices, c.ROCPeriod)
	v.add(roc > c.ROCThresholdPct, roc < -c.ROCThresholdPct, "roc")

	stoch := indicators.Stochastic(in.Candles, 14)
	v.add(stoch < 25, stoch > 75, "stoch")

	vol := indicators.DetectVolumeAnomaly(models.Volumes(in.Candles))
	last := lastCandle(in.Candles)
	v.add(vol.Spike && green(last), vol.Spike && red(last), "vol")

	return s.decide(in, v)
}

// ============================================================================
// GRID
// ============================================================================

// GridConfig configures the grid strategy
type GridConfig struct {
	CenterPeriod int
	// SpacingPct is the minimum distance between grid levels; ATR% widens it.
	SpacingPct float64
	ATRPeriod  int
	MinSignals int
}

func DefaultGridConfig() GridConfig {
	return GridConfig{
		CenterPeriod: 15,
		SpacingPct:   1.0,
		ATRPeriod:    14,
		MinSignals:   2,
	}
}

// GridStrategy buys when price drops whole grid levels below the rolling
// center and sells when it rises above.
type GridStrategy struct {
	base
	config GridConfig
}

func NewGridStrategy(config GridConfig) *GridStrategy {
	return &GridStrategy{
		base:   base{name: "grid", label: "Grid", minHistory: 15, minSignals: config.MinSignals, maxSignals: 4},
		config: config,
	}
}

// Level returns how many grid steps price sits away from the center; negative below.
func (s *GridStrategy) Level(candles []models.Candle, price float64) float64 {
	c := s.config
	closes := models.Closes(candles)
	center := indicators.SMA(closes, c.CenterPeriod)
	if center <= 0 || price <= 0 {
		return 0
	}
	spacing := math.Max(c.SpacingPct, indicators.ATRPercent(candles, c.ATRPeriod, price))
	if spacing <= 0 {
		return 0
	}
	return (price - center) / center * 100 / spacing
}

func (s *GridStrategy) Evaluate(in Input) models.Signal {
	if len(in.Candles) < s.minHistory {
		return s.insufficient(in)
	}
	prices := in.prices()
	var v votes

	level := s.Level(in.Candles, in.price())
	v.add(level <= -1, level >= 1, "grid1")
	v.add(level <= -2, level >= 2, "grid2")

	rsi := indicators.RSI(tail(prices, 15))
	v.add(rsi < 45, rsi > 55, "rsi")

	bb := indicators.Bollinger(prices, s.config.CenterPeriod, 2)
	v.add(bb.PercentB < 25, bb.PercentB > 75, "bb")

	return s.decide(in, v)
}
