package strategy

import (
	"math"

	"krakenbot/internal/analysis"
	"krakenbot/internal/indicators"
	"krakenbot/internal/models"
)

// tail returns the last n prices, or all of them.
func tail(prices []float64, n int) []float64 {
	if len(prices) <= n {
		return prices
	}
	return prices[len(prices)-n:]
}

func lastCandle(c []models.Candle) models.Candle {
	return c[len(c)-1]
}

func green(c models.Candle) bool { return c.Close > c.Open }
func red(c models.Candle) bool { return c.Close < c.Open }

// ============================================================================
// MOMENTUM
// ============================================================================

// MomentumConfig configures the momentum strategy
type MomentumConfig struct {
	FastEMA         int
	SlowEMA         int
	RSIPeriod       int
	RSIOversold     float64
	RSIOverbought   float64
	ROCPeriod       int
	ROCThresholdPct float64
	MinSignals      int
}

// DefaultMomentumConfig returns the standard momentum settings.
func DefaultMomentumConfig() MomentumConfig {
	return MomentumConfig{
		FastEMA:         9,
		SlowEMA:         21,
		RSIPeriod:       14,
		RSIOversold:     30,
		RSIOverbought:   70,
		ROCPeriod:       5,
		ROCThresholdPct: 0.5,
		MinSignals:      3,
	}
}

// MomentumStrategy votes with EMA trend, RSI, MACD, Bollinger, ROC and volume.
type MomentumStrategy struct {
	base
	config MomentumConfig
}

func NewMomentumStrategy(config MomentumConfig) *MomentumStrategy {
	return &MomentumStrategy{
		base:   base{name: "momentum", label: "Momentum", minHistory: 20, minSignals: config.MinSignals, maxSignals: 6},
		config: config,
	}
}

func (s *MomentumStrategy) Evaluate(in Input) models.Signal {
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
	v.add(rsi < c.RSIOversold, rsi > c.RSIOverbought, "rsi")

	macd := indicators.MACD(prices)
	v.add(macd.Histogram > 0, macd.Histogram < 0, "macd")

	bb := indicators.Bollinger(prices, 20, 2)
	v.add(bb.PercentB < 20, bb.PercentB > 80, "bb")

	roc := indicators.ROC(prices, c.ROCPeriod)
	v.add(roc > c.ROCThresholdPct, roc < -c.ROCThresholdPct, "roc")

	vol := indicators.DetectVolumeAnomaly(models.Volumes(in.Candles))
	last := lastCandle(in.Candles)
	v.add(vol.Spike && green(last), vol.Spike && red(last), "vol")

	return s.decide(in, v)
}

// ============================================================================
// CANDLE MOMENTUM
// ============================================================================

// CandleMomentumConfig configures the candle momentum strategy
type CandleMomentumConfig struct {
	TrendEMA     int
	StreakLength int
	// StrongBodyRatio is the body/range ratio of a conviction candle.
	StrongBodyRatio float64
	MinSignals      int
}

func DefaultCandleMomentumConfig() CandleMomentumConfig {
	return CandleMomentumConfig{
		TrendEMA:        20,
		StreakLength:    3,
		StrongBodyRatio: 0.6,
		MinSignals:      3,
	}
}

// CandleMomentumStrategy reads candle structure: engulfing, streaks, swing
// structure, body strength and volume on top of an EMA slope.
type CandleMomentumStrategy struct {
	base
	config CandleMomentumConfig
}

func NewCandleMomentumStrategy(config CandleMomentumConfig) *CandleMomentumStrategy {
	return &CandleMomentumStrategy{
		base:   base{name: "candle-momentum", label: "Velas", minHistory: 25, minSignals: config.MinSignals, maxSignals: 6},
		config: config,
	}
}

func (s *CandleMomentumStrategy) Evaluate(in Input) models.Signal {
	if len(in.Candles) < s.minHistory {
		return s.insufficient(in)
	}
	candles := in.Candles
	c := s.config
	var v votes

	prev, last := candles[len(candles)-2], lastCandle(candles)
	bullEngulf := red(prev) && green(last) && last.Close >= prev.Open && last.Open <= prev.Close
	bearEngulf := green(prev) && red(last) && last.Open >= prev.Close && last.Close <= prev.Open
	v.add(bullEngulf, bearEngulf, "engulfing")

	ups, downs := 0, 0
	for _, k := range candles[len(candles)-c.StreakLength:] {
		if green(k) {
			ups++
		}
		if red(k) {
			downs++
		}
	}
	v.add(ups == c.StreakLength, downs == c.StreakLength, "streak")

	closes := models.Closes(candles)
	ema := indicators.EMA(closes, c.TrendEMA)
	emaPrev := indicators.EMA(closes[:len(closes)-1], c.TrendEMA)
	price := in.price()
	v.add(price > ema && ema > emaPrev, price < ema && ema < emaPrev, "ema")

	v.add(analysis.CountHigherHighs(candles, 5) >= 3, analysis.CountLowerLows(candles, 5) >= 3, "swing")

	rng := last.High - last.Low
	strong := rng > 0 && math.Abs(last.Close-last.Open)/rng >= c.StrongBodyRatio
	v.add(strong && green(last), strong && red(last), "body")

	vol := indicators.DetectVolumeAnomaly(models.Volumes(candles))
	v.add(vol.Spike && green(last), vol.Spike && red(last), "vol")

	return s.decide(in, v)
}
