// Package indicators holds the technical indicators used by the regime
// detector, the strategies and the MTF analyzer.
//
// Every function is total: on short or invalid input it returns the neutral
// value documented on the function instead of an error, so callers can treat
// "not enough data" as "hold".
package indicators

import (
	"math"

	"krakenbot/internal/models"
)

// Neutral values returned on insufficient data.
const (
	NeutralRSI = 50.0
	NeutralADX = 25.0
)

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA is the mean of the last period prices. Returns 0 when len < period.
func SMA(prices []float64, period int) float64 {
	if period <= 0 || len(prices) < period {
		return 0
	}
	sum := 0.0
	for _, p := range prices[len(prices)-period:] {
		sum += p
	}
	return sum / float64(period)
}

// EMA seeds with prices[0] and smooths over the whole slice with
// multiplier 2/(period+1). Returns 0 for an empty slice.
func EMA(prices []float64, period int) float64 {
	if len(prices) == 0 || period <= 0 {
		return 0
	}
	k := 2.0 / float64(period+1)
	ema := prices[0]
	for _, p := range prices[1:] {
		ema = p*k + ema*(1-k)
	}
	return ema
}

// ============================================================================
// RSI
// ============================================================================

// RSI uses simple average gain and loss over the whole window (no Wilder
// smoothing). Returns 50 with fewer than 2 prices and 100 when there was no loss.
func RSI(prices []float64) float64 {
	if len(prices) < 2 {
		return NeutralRSI
	}
	gains, losses := 0.0, 0.0
	for i := 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	n := float64(len(prices) - 1)
	avgGain, avgLoss := gains/n, losses/n
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// ============================================================================
// MACD
// ============================================================================

// MACDResult holds MACD values
type MACDResult struct {
	MACD      float64 `json:"macd"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// MACD is EMA12 − EMA26 with a 9-period signal line built from the MACD
// history reconstructed over growing prefixes of prices. Zeros below 26 points.
func MACD(prices []float64) MACDResult {
	if len(prices) < 26 {
		return MACDResult{}
	}
	history := make([]float64, 0, len(prices)-25)
	for i := 26; i <= len(prices); i++ {
		window := prices[:i]
		history = append(history, EMA(window, 12)-EMA(window, 26))
	}
	line := history[len(history)-1]
	signal := EMA(history, 9)
	return MACDResult{MACD: line, Signal: signal, Histogram: line - signal}
}

// ============================================================================
// BOLLINGER BANDS
// ============================================================================

// BollingerResult holds Bollinger Bands values
type BollingerResult struct {
	Upper    float64 `json:"upper"`
	Middle   float64 `json:"middle"`
	Lower    float64 `json:"lower"`
	PercentB float64 `json:"percent_b"`
	WidthPct float64 `json:"width_pct"`
}

// Bollinger uses the population standard deviation over the trailing period.
// With fewer than period prices all bands sit on the last price and %B is 50.
func Bollinger(prices []float64, period int, k float64) BollingerResult {
	if len(prices) == 0 {
		return BollingerResult{PercentB: 50}
	}
	price := prices[len(prices)-1]
	if period <= 0 || len(prices) < period {
		return BollingerResult{Upper: price, Middle: price, Lower: price, PercentB: 50}
	}

	window := prices[len(prices)-period:]
	mean := SMA(window, period)
	variance := 0.0
	for _, p := range window {
		variance += (p - mean) * (p - mean)
	}
	std := math.Sqrt(variance / float64(period))

	res := BollingerResult{
		Upper:  mean + k*std,
		Middle: mean,
		Lower:  mean - k*std,
	}
	if width := res.Upper - res.Lower; width > 0 {
		res.PercentB = (price - res.Lower) / width * 100
	} else {
		res.PercentB = 50
	}
	if mean != 0 {
		res.WidthPct = (res.Upper - res.Lower) / mean * 100
	}
	return res
}

// ============================================================================
// ATR
// ============================================================================

// TrueRange of candle i against the previous close.
func TrueRange(cur, prev models.Candle) float64 {
	return math.Max(cur.High-cur.Low, math.Max(math.Abs(cur.High-prev.Close), math.Abs(cur.Low-prev.Close)))
}

// ATR is the mean of the last period true ranges. With fewer candles it
// averages what is available; 0 with fewer than 2 candles.
func ATR(candles []models.Candle, period int) float64 {
	if len(candles) < 2 || period <= 0 {
		return 0
	}
	start := len(candles) - period
	if start < 1 {
		start = 1
	}
	sum := 0.0
	for i := start; i < len(candles); i++ {
		sum += TrueRange(candles[i], candles[i-1])
	}
	return sum / float64(len(candles)-start)
}

// ATRPercent is ATR relative to price, in percent. 0 when price is not positive.
func ATRPercent(candles []models.Candle, period int, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return ATR(candles, period) / price * 100
}

// ============================================================================
// ADX
// ============================================================================

// ADXResult carries ADX with its directional indices.
type ADXResult struct {
	ADX     float64 `json:"adx"`
	PlusDI  float64 `json:"plus_di"`
	MinusDI float64 `json:"minus_di"`
}

// ADX computes the Wilder ADX. Needs 2*period+1 candles; otherwise, or when
// the math degenerates, it returns ADX 25 with zero DIs.
func ADX(candles []models.Candle, period int) ADXResult {
	neutral := ADXResult{ADX: NeutralADX}
	if period <= 0 || len(candles) < 2*period+1 {
		return neutral
	}

	n := len(candles) - 1
	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < len(candles); i++ {
		cur, prev := candles[i], candles[i-1]
		tr[i-1] = TrueRange(cur, prev)
		up := cur.High - prev.High
		down := prev.Low - cur.Low
		if up > down && up > 0 {
			plusDM[i-1] = up
		}
		if down > up && down > 0 {
			minusDM[i-1] = down
		}
	}

	// Wilder smoothing: first value is the plain sum, then prev - prev/p + new.
	var sTR, sPlus, sMinus float64
	for i := 0; i < period; i++ {
		sTR += tr[i]
		sPlus += plusDM[i]
		sMinus += minusDM[i]
	}

	p := float64(period)
	dxs := make([]float64, 0, n-period+1)
	var plusDI, minusDI float64
	for i := period - 1; i < n; i++ {
		if i >= period {
			sTR = sTR - sTR/p + tr[i]
			sPlus = sPlus - sPlus/p + plusDM[i]
			sMinus = sMinus - sMinus/p + minusDM[i]
		}
		if sTR == 0 {
			dxs = append(dxs, 0)
			plusDI, minusDI = 0, 0
			continue
		}
		plusDI = sPlus / sTR * 100
		minusDI = sMinus / sTR * 100
		sum := plusDI + minusDI
		dx := 0.0
		if sum > 0 {
			dx = math.Abs(plusDI-minusDI) / sum * 100
		}
		dxs = append(dxs, dx)
	}

	if len(dxs) < period {
		return neutral
	}
	adx := 0.0
	for i := 0; i < period; i++ {
		adx += dxs[i]
	}
	adx /= p
	for i := period; i < len(dxs); i++ {
		adx = (adx*(p-1) + dxs[i]) / p
	}

	if math.IsNaN(adx) || math.IsInf(adx, 0) {
		return neutral
	}
	return ADXResult{ADX: adx, PlusDI: plusDI, MinusDI: minusDI}
}

// ============================================================================
// VOLUME
// ============================================================================

// VolumeAnomaly compares the current volume to the trailing average.
type VolumeAnomaly struct {
	Ratio    float64 `json:"ratio"`
	Abnormal bool    `json:"abnormal"`
	Spike    bool    `json:"spike"`
}

const volumeLookback = 20

// DetectVolumeAnomaly uses the last value as current volume and the up to 20
// values before it as the average. Needs 10 points, else ratio 1 and normal.
func DetectVolumeAnomaly(volumes []float64) VolumeAnomaly {
	if len(volumes) < 10 {
		return VolumeAnomaly{Ratio: 1}
	}
	current := volumes[len(volumes)-1]
	prior := volumes[:len(volumes)-1]
	if len(prior) > volumeLookback {
		prior = prior[len(prior)-volumeLookback:]
	}
	avg := 0.0
	for _, v := range prior {
		avg += v
	}
	avg /= float64(len(prior))
	if avg <= 0 {
		return VolumeAnomaly{Ratio: 1}
	}
	ratio := current / avg
	return VolumeAnomaly{
		Ratio:    ratio,
		Abnormal: ratio > 2.0 || ratio < 0.3,
		Spike:    ratio > 2.0,
	}
}

// ============================================================================
// MOMENTUM
// ============================================================================

// ROC is the percent change over period bars. 0 when there are not enough bars.
func ROC(prices []float64, period int) float64 {
	if period <= 0 || len(prices) <= period {
		return 0
	}
	past := prices[len(prices)-1-period]
	if past == 0 {
		return 0
	}
	return (prices[len(prices)-1] - past) / past * 100
}

// Stochastic returns %K over the last period candles. 50 when not enough
// candles or the range is flat.
func Stochastic(candles []models.Candle, period int) float64 {
	if period <= 0 || len(candles) < period {
		return 50
	}
	window := candles[len(candles)-period:]
	hi, lo := window[0].High, window[0].Low
	for _, c := range window[1:] {
		hi = math.Max(hi, c.High)
		lo = math.Min(lo, c.Low)
	}
	if hi == lo {
		return 50
	}
	return (window[len(window)-1].Close - lo) / (hi - lo) * 100
}

