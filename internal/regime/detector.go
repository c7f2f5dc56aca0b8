// Package regime classifies each pair's market condition and keeps the
// confirmed regime per pair behind a confirm/hold protocol.
package regime

import (
	"fmt"
	"math"

	"krakenbot/internal/indicators"
	"krakenbot/internal/models"
)

// Detector thresholds.
const (
	MinCandles = 50

	ADXTrendMin      = 27.0
	ADXRangeMax      = 19.0
	ADXTransitionMax = 23.0
	BBWidthRangeMax  = 4.0
	AlignmentMin     = 0.5
)

// Analysis is the raw, unconfirmed output of Detect.
type Analysis struct {
	Regime         models.Regime `json:"regime"`
	ADX            float64       `json:"adx"`
	EMAAlignment   float64       `json:"ema_alignment"`
	BollingerWidth float64       `json:"bollinger_width"`
	Confidence     float64       `json:"confidence"`
	Reason         string        `json:"reason"`
}

// EMAAlignment grades how the price and EMA20/50/200 are stacked:
// +1 fully bullish, -1 fully bearish, ±0.5 when only price/EMA20/EMA50 line up.
func EMAAlignment(price, ema20, ema50, ema200 float64) float64 {
	switch {
	case price > ema20 && ema20 > ema50 && ema50 > ema200:
		return 1
	case price < ema20 && ema20 < ema50 && ema50 < ema200:
		return -1
	case price > ema20 && ema20 > ema50:
		return 0.5
	case price < ema20 && ema20 < ema50:
		return -0.5
	}
	return 0
}

// Detect classifies candles. It never fails: fewer than MinCandles yields
// TRANSITION with confidence 0.3.
func Detect(candles []models.Candle) Analysis {
	if len(candles) < MinCandles {
		return Analysis{
			Regime:     models.RegimeTransition,
			ADX:        indicators.NeutralADX,
			Confidence: 0.3,
			Reason:     fmt.Sprintf("insufficient data: %d candles, need %d", len(candles), MinCandles),
		}
	}

	closes := models.Closes(candles)
	price := closes[len(closes)-1]
	adx := indicators.ADX(candles, 14).ADX
	align := EMAAlignment(price,
		indicators.EMA(closes, 20),
		indicators.EMA(closes, 50),
		indicators.EMA(closes, 200),
	)
	bbw := indicators.Bollinger(closes, 20, 2).WidthPct

	a := Analysis{ADX: adx, EMAAlignment: align, BollingerWidth: bbw}
	switch {
	case adx >= ADXTrendMin && math.Abs(align) >= AlignmentMin:
		a.Regime = models.RegimeTrend
		a.Confidence = math.Min(0.95, 0.6+(adx-ADXTrendMin)/50+math.Abs(align)*0.2)
		a.Reason = fmt.Sprintf("ADX %.1f >= %.0f with EMA alignment %.1f", adx, ADXTrendMin, align)
	case adx < ADXRangeMax && bbw < BBWidthRangeMax:
		a.Regime = models.RegimeRange
		a.Confidence = math.Min(0.9, 0.6+(ADXRangeMax-adx)/40+(BBWidthRangeMax-bbw)/20)
		a.Reason = fmt.Sprintf("ADX %.1f < %.0f and BB width %.2f%% < %.0f%%", adx, ADXRangeMax, bbw, BBWidthRangeMax)
	case adx <= ADXTransitionMax || align == 0:
		a.Regime = models.RegimeTransition
		a.Confidence = 0.5
		a.Reason = fmt.Sprintf("ADX %.1f weak or EMAs misaligned (%.1f)", adx, align)
	default:
		a.Regime = models.RegimeTransition
		a.Confidence = 0.4
		a.Reason = fmt.Sprintf("ADX %.1f in hysteresis zone", adx)
	}
	return a
}
