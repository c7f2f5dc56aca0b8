// Package scorer wraps the optional external model that approves entries.
// Any failure resolves to the neutral score so the engine never depends on it.
package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"krakenbot/config"
	"krakenbot/internal/indicators"
	"krakenbot/internal/logging"
	"krakenbot/internal/models"
)

// NeutralScore is returned whenever the model cannot answer.
const NeutralScore = 0.5

// Features is the vector the model was trained on.
type Features struct {
	RSI14           float64 `json:"rsi14"`
	MACDLine        float64 `json:"macdLine"`
	MACDSignal      float64 `json:"macdSignal"`
	MACDHist        float64 `json:"macdHist"`
	BBUpper         float64 `json:"bbUpper"`
	BBMiddle        float64 `json:"bbMiddle"`
	BBLower         float64 `json:"bbLower"`
	ATR14           float64 `json:"atr14"`
	EMA12           float64 `json:"ema12"`
	EMA26           float64 `json:"ema26"`
	Volume24hChange float64 `json:"volume24hChange"`
	PriceChange1h   float64 `json:"priceChange1h"`
	PriceChange4h   float64 `json:"priceChange4h"`
	PriceChange24h  float64 `json:"priceChange24h"`
	SpreadPct       float64 `json:"spreadPct"`
	// Confidence is the signal confidence in percent (0-100).
	Confidence float64 `json:"confidence"`
}

// Scorer returns the probability that an entry is worth taking.
type Scorer interface {
	Score(ctx context.Context, f Features) (float64, error)
}

// Neutral always answers NeutralScore.
type Neutral struct{}

func (Neutral) Score(context.Context, Features) (float64, error) {
	return NeutralScore, nil
}

// BuildFeatures derives the feature vector from 5m candles. Price changes
// use 12, 48 and 288 bars; shorter series give 0 for the missing horizons.
func BuildFeatures(candles []models.Candle, spreadPct, confidence float64) Features {
	closes := models.Closes(candles)
	macd := indicators.MACD(closes)
	bb := indicators.Bollinger(closes, 20, 2)
	rsiWindow := closes
	if len(rsiWindow) > 15 {
		rsiWindow = rsiWindow[len(rsiWindow)-15:]
	}
	return Features{
		RSI14:           indicators.RSI(rsiWindow),
		MACDLine:        macd.MACD,
		MACDSignal:      macd.Signal,
		MACDHist:        macd.Histogram,
		BBUpper:         bb.Upper,
		BBMiddle:        bb.Middle,
		BBLower:         bb.Lower,
		ATR14:           indicators.ATR(candles, 14),
		EMA12:           indicators.EMA(closes, 12),
		EMA26:           indicators.EMA(closes, 26),
		Volume24hChange: volumeChange(candles, 288),
		PriceChange1h:   indicators.ROC(closes, 12),
		PriceChange4h:   indicators.ROC(closes, 48),
		PriceChange24h:  indicators.ROC(closes, 288),
		SpreadPct:       spreadPct,
		Confidence:      confidence * 100,
	}
}

// volumeChange compares the volume of the last n bars with the n bars before.
func volumeChange(candles []models.Candle, n int) float64 {
	if len(candles) < 2*n {
		return 0
	}
	sum := func(cs []models.Candle) float64 {
		s := 0.0
		for _, c := range cs {
			s += c.Volume
		}
		return s
	}
	prev := sum(candles[len(candles)-2*n : len(candles)-n])
	if prev == 0 {
		return 0
	}
	return (sum(candles[len(candles)-n:]) - prev) / prev * 100
}

// ExecScorer runs `<command> <args...> predict <features-json>` and reads
// {"score": x} from stdout.
type ExecScorer struct {
	command string
	args    []string
	timeout time.Duration
	logger  *logging.Logger
}

// NewExecScorer builds an ExecScorer from config.
func NewExecScorer(cfg config.ScorerConfig) *ExecScorer {
	return &ExecScorer{
		command: cfg.Command,
		args:    cfg.Args,
		timeout: cfg.Timeout,
		logger:  logging.WithComponent("scorer"),
	}
}

type prediction struct {
	Score *float64 `json:"score"`
	Error string   `json:"error,omitempty"`
}

// Score never returns an error to the caller's decision path: on failure it
// logs and returns NeutralScore together with the cause.
func (s *ExecScorer) Score(ctx context.Context, f Features) (float64, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return NeutralScore, err
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	args := append(append([]string{}, s.args...), "predict", string(payload))
	cmd := exec.CommandContext(ctx, s.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		s.logger.Warn("Scorer unavailable, using neutral score", "error", err, "stderr", stderr.String())
		return NeutralScore, fmt.Errorf("run scorer: %w", err)
	}
	return parsePrediction(stdout.Bytes())
}

func parsePrediction(out []byte) (float64, error) {
	var p prediction
	if err := json.Unmarshal(bytes.TrimSpace(out), &p); err != nil {
		return NeutralScore, fmt.Errorf("decode scorer output: %w", err)
	}
	if p.Score == nil {
		return NeutralScore, fmt.Errorf("scorer output has no score: %s", p.Error)
	}
	if *p.Score < 0 || *p.Score > 1 {
		return NeutralScore, fmt.Errorf("scorer score %v out of range", *p.Score)
	}
	return *p.Score, nil
}
