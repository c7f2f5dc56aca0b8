package analysis

import (
	"context"
	"fmt"
	"strings"

	"krakenbot/internal/indicators"
	"krakenbot/internal/models"
)

// TrendDirection represents the trend of one timeframe
type TrendDirection string

const (
	TrendBullish TrendDirection = "bullish"
	TrendBearish TrendDirection = "bearish"
	TrendNeutral TrendDirection = "neutral"
)

func (d TrendDirection) sign() float64 {
	switch d {
	case TrendBullish:
		return 1
	case TrendBearish:
		return -1
	}
	return 0
}

// Alignment weights per timeframe, short to long.
const (
	weightShort  = 1.0
	weightMedium = 1.5
	weightLong   = 2.0

	minTrendCandles = 20
	swingLookback   = 5
)

// TrendAnalysis is the combined view of the three timeframes.
type TrendAnalysis struct {
	ShortTerm  TrendDirection `json:"short_term"`
	MediumTerm TrendDirection `json:"medium_term"`
	LongTerm   TrendDirection `json:"long_term"`
	Alignment  float64        `json:"alignment"`
	Confidence float64        `json:"confidence"`
	Summary    string         `json:"summary"`
}

// AllAgree reports whether every timeframe points the same non-neutral way.
func (t TrendAnalysis) AllAgree(d TrendDirection) bool {
	return d != TrendNeutral && t.ShortTerm == d && t.MediumTerm == d && t.LongTerm == d
}

// CountHigherHighs counts bars in the last lookback whose high beats the prior bar.
func CountHigherHighs(candles []models.Candle, lookback int) int {
	n := 0
	start := len(candles) - lookback
	if start < 1 {
		start = 1
	}
	for i := start; i < len(candles); i++ {
		if candles[i].High > candles[i-1].High {
			n++
		}
	}
	return n
}

// CountLowerLows counts bars in the last lookback whose low undercuts the prior bar.
func CountLowerLows(candles []models.Candle, lookback int) int {
	n := 0
	start := len(candles) - lookback
	if start < 1 {
		start = 1
	}
	for i := start; i < len(candles); i++ {
		if candles[i].Low < candles[i-1].Low {
			n++
		}
	}
	return n
}

// TrendScore scores one timeframe: ±1 for price vs EMA10, ±1 for EMA10 vs
// EMA20, ±2 for at least three higher highs / lower lows in the last 5 bars.
func TrendScore(candles []models.Candle) int {
	if len(candles) < minTrendCandles {
		return 0
	}
	closes := models.Closes(candles)
	price := closes[len(closes)-1]
	ema10 := indicators.EMA(closes, 10)
	ema20 := indicators.EMA(closes, 20)

	score := 0
	switch {
	case price > ema10:
		score++
	case price < ema10:
		score--
	}
	switch {
	case ema10 > ema20:
		score++
	case ema10 < ema20:
		score--
	}
	if CountHigherHighs(candles, swingLookback) >= 3 {
		score += 2
	}
	if CountLowerLows(candles, swingLookback) >= 3 {
		score -= 2
	}
	return score
}

// DetermineTrend maps a candle series to a direction; fewer than 20 candles is neutral.
func DetermineTrend(candles []models.Candle) TrendDirection {
	score := TrendScore(candles)
	switch {
	case score >= 3:
		return TrendBullish
	case score <= -3:
		return TrendBearish
	}
	return TrendNeutral
}

// Combine builds the TrendAnalysis from the three per-timeframe directions.
func Combine(short, medium, long TrendDirection) TrendAnalysis {
	t := TrendAnalysis{ShortTerm: short, MediumTerm: medium, LongTerm: long}
	t.Alignment = (short.sign()*weightShort + medium.sign()*weightMedium + long.sign()*weightLong) /
		(weightShort + weightMedium + weightLong)

	switch {
	case t.AllAgree(TrendBullish) || t.AllAgree(TrendBearish):
		t.Confidence = 0.9
	case agree(short, medium) || agree(short, long) || agree(medium, long):
		t.Confidence = 0.7
	default:
		t.Confidence = 0.5
	}

	t.Summary = fmt.Sprintf("5m=%s 1h=%s 4h=%s alignment=%.2f", short, medium, long, t.Alignment)
	return t
}

func agree(a, b TrendDirection) bool {
	return a == b && a != TrendNeutral
}

// Analyzer derives TrendAnalysis for a pair from cached multi-timeframe candles.
type Analyzer struct {
	tm *TimeframeManager
}

// NewAnalyzer creates an analyzer over tm.
func NewAnalyzer(tm *TimeframeManager) *Analyzer {
	return &Analyzer{tm: tm}
}

// Analyze fetches (or reuses) the three series and combines their trends.
func (a *Analyzer) Analyze(ctx context.Context, pair string) (*TrendAnalysis, error) {
	data, err := a.tm.GetMultiTimeframeData(ctx, pair)
	if err != nil {
		return nil, err
	}
	t := Combine(
		DetermineTrend(data.Data[TF5m]),
		DetermineTrend(data.Data[TF1h]),
		DetermineTrend(data.Data[TF4h]),
	)
	return &t, nil
}

// String renders the analysis for logs and notifications.
func (t TrendAnalysis) String() string {
	var b strings.Builder
	b.WriteString(t.Summary)
	fmt.Fprintf(&b, " confidence=%.2f", t.Confidence)
	return b.String()
}
