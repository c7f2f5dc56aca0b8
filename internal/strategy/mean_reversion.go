package strategy

import (
	"krakenbot/internal/indicators"
	"krakenbot/internal/models"
)

// MeanReversionConfig configures both mean-reversion strategies
type MeanReversionConfig struct {
	BBPeriod        int
	BBStdDev        float64
	RSIPeriod       int
	RSIOversold     float64
	RSIOverbought   float64
	DeviationPct    float64
	StochPeriod     int
	StochOversold   float64
	StochOverbought float64
	MinSignals      int
}

func DefaultMeanReversionConfig() MeanReversionConfig {
	return MeanReversionConfig{
		BBPeriod:        20,
		BBStdDev:        2,
		RSIPeriod:       14,
		RSIOversold:     30,
		RSIOverbought:   70,
		DeviationPct:    2,
		StochPeriod:     14,
		StochOversold:   20,
		StochOverbought: 80,
		MinSignals:      3,
	}
}

// deviationPct is the distance of price from the SMA, in percent.
func deviationPct(prices []float64, period int) float64 {
	sma := indicators.SMA(prices, period)
	if sma == 0 {
		return 0
	}
	return (prices[len(prices)-1] - sma) / sma * 100
}

// MeanReversionStrategy buys stretched moves below the mean and sells above it.
type MeanReversionStrategy struct {
	base
	config MeanReversionConfig
}

func NewMeanReversionStrategy(config MeanReversionConfig) *MeanReversionStrategy {
	return &MeanReversionStrategy{
		base:   base{name: "mean-reversion", label: "Reversión", minHistory: 20, minSignals: config.MinSignals, maxSignals: 5},
		config: config,
	}
}

func (s *MeanReversionStrategy) Evaluate(in Input) models.Signal {
	if len(in.Candles) < s.minHistory {
		return s.insufficient(in)
	}
	prices := in.prices()
	c := s.config
	var v votes

	bb := indicators.Bollinger(prices, c.BBPeriod, c.BBStdDev)
	v.add(bb.PercentB < 0, bb.PercentB > 100, "bb")

	rsi := indicators.RSI(tail(prices, c.RSIPeriod+1))
	v.add(rsi < c.RSIOversold, rsi > c.RSIOverbought, "rsi")

	dev := deviationPct(prices, c.BBPeriod)
	v.add(dev <= -c.DeviationPct, dev >= c.DeviationPct, "dev")

	stoch := indicators.Stochastic(in.Candles, c.StochPeriod)
	v.add(stoch < c.StochOversold, stoch > c.StochOverbought, "stoch")

	// Capitulation on a red spike, blow-off on a green one.
	vol := indicators.DetectVolumeAnomaly(models.Volumes(in.Candles))
	last := lastCandle(in.Candles)
	v.add(vol.Spike && red(last), vol.Spike && green(last), "vol")

	return s.decide(in, v)
}

// SimpleMeanReversionStrategy is the three-condition variant: band, RSI, deviation.
type SimpleMeanReversionStrategy struct {
	base
	config MeanReversionConfig
}

func NewSimpleMeanReversionStrategy(config MeanReversionConfig) *SimpleMeanReversionStrategy {
	return &SimpleMeanReversionStrategy{
		base:   base{name: "mean-reversion-simple", label: "Reversión simple", minHistory: 20, minSignals: 2, maxSignals: 3},
		config: config,
	}
}

func (s *SimpleMeanReversionStrategy) Evaluate(in Input) models.Signal {
	if len(in.Candles) < s.minHistory {
		return s.insufficient(in)
	}
	prices := in.prices()
	c := s.config
	var v votes

	bb := indicators.Bollinger(prices, c.BBPeriod, c.BBStdDev)
	v.add(bb.PercentB < 5, bb.PercentB > 95, "bb")

	rsi := indicators.RSI(tail(prices, c.RSIPeriod+1))
	v.add(rsi < c.RSIOversold+5, rsi > c.RSIOverbought-5, "rsi")

	dev := deviationPct(prices, c.BBPeriod)
	v.add(dev <= -0.75*c.DeviationPct, dev >= 0.75*c.DeviationPct, "dev")

	return s.decide(in, v)
}
