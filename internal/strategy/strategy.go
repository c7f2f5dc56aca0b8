// Package strategy holds the signal generators. Each strategy is a pure
// function of the pair, its candle history and the current price.
package strategy

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"krakenbot/internal/models"
	"krakenbot/internal/regime"
)

// ErrUnknownStrategy is returned by New for unregistered names.
var ErrUnknownStrategy = errors.New("unknown strategy")

// Strategy defines the interface for signal generators
type Strategy interface {
	// Name returns the registry name
	Name() string

	// MinHistory is the number of candles needed before any vote is cast
	MinHistory() int

	// Evaluate votes on the input and returns a signal; never fails
	Evaluate(in Input) models.Signal
}

// Input is everything a strategy may look at.
type Input struct {
	Pair    string
	Candles []models.Candle
	// Price is the live price after the last closed candle. Zero means use the last close.
	Price float64
	// Regime adjusts the required number of confirmations when RegimeRouting is on.
	Regime        models.Regime
	RegimeRouting bool
	// MinSignalsOverride is the dynamic per-strategy override; ignored outside [1,10].
	MinSignalsOverride *int
}

// prices returns the closes with the live price appended.
func (in Input) prices() []float64 {
	closes := models.Closes(in.Candles)
	if in.Price > 0 {
		closes = append(closes, in.Price)
	}
	return closes
}

func (in Input) price() float64 {
	if in.Price > 0 {
		return in.Price
	}
	if n := len(in.Candles); n > 0 {
		return in.Candles[n-1].Close
	}
	return 0
}

// votes accumulates independent confirming conditions for each side.
type votes struct {
	buy, sell int
	notes     []string
}

func (v *votes) add(buy, sell bool, note string) {
	switch {
	case buy:
		v.buy++
		v.notes = append(v.notes, "+"+note)
	case sell:
		v.sell++
		v.notes = append(v.notes, "-"+note)
	}
}

// base carries the parts every strategy shares.
type base struct {
	name       string
	label      string
	minHistory int
	minSignals int
	// maxSignals is the number of conditions the strategy can count.
	maxSignals int
}

func (b base) Name() string { return b.name }
func (b base) MinHistory() int { return b.minHistory }
func (b base) MinSignals() int { return b.minSignals }

// required resolves the confirmation minimum for this cycle. It may exceed
// what the strategy can count, in which case the strategy holds.
func (b base) required(in Input) int {
	if !in.RegimeRouting {
		return b.minSignals
	}
	r := in.Regime
	if !r.Valid() {
		r = models.RegimeTransition
	}
	return regime.GetRegimeMinSignals(r, b.minSignals, in.MinSignalsOverride)
}

// insufficient is the hold returned when history is too short.
func (b base) insufficient(in Input) models.Signal {
	return models.Signal{
		Action:             models.ActionHold,
		Pair:               in.Pair,
		Strategy:           b.name,
		Reason:             FormatTally(fmt.Sprintf("%s: datos insuficientes (%d/%d)", b.label, len(in.Candles), b.minHistory), 0, 0),
		SignalsCount:       0,
		MinSignalsRequired: b.required(in),
	}
}

// decide turns a vote tally into a signal.
func (b base) decide(in Input, v votes) models.Signal {
	req := b.required(in)
	sig := models.Signal{
		Action:             models.ActionHold,
		Pair:               in.Pair,
		Strategy:           b.name,
		MinSignalsRequired: req,
		BuySignals:         v.buy,
		SellSignals:        v.sell,
	}

	desc := b.label
	switch {
	case v.buy >= req && v.buy > v.sell:
		sig.Action = models.ActionBuy
		sig.SignalsCount = v.buy
		sig.Confidence = Confidence(v.buy)
		desc += " compra"
	case v.sell >= req && v.sell > v.buy:
		sig.Action = models.ActionSell
		sig.SignalsCount = v.sell
		sig.Confidence = Confidence(v.sell)
		desc += " venta"
	case req > b.maxSignals:
		sig.SignalsCount = max(v.buy, v.sell)
		desc += fmt.Sprintf(" señales insuficientes (máx %d < mín %d)", b.maxSignals, req)
	default:
		sig.SignalsCount = max(v.buy, v.sell)
		desc += " sin consenso"
	}
	if len(v.notes) > 0 {
		desc += fmt.Sprintf(" %v", v.notes)
	}
	sig.Reason = FormatTally(desc, v.buy, v.sell)
	return sig
}

// Confidence maps a confirmation count to [0.5, 0.95].
func Confidence(n int) float64 {
	return math.Min(0.95, 0.5+0.1*float64(n))
}

// ============================================================================
// REGISTRY
// ============================================================================

var registry = map[string]func() Strategy{
	"momentum":              func() Strategy { return NewMomentumStrategy(DefaultMomentumConfig()) },
	"candle-momentum":       func() Strategy { return NewCandleMomentumStrategy(DefaultCandleMomentumConfig()) },
	"mean-reversion":        func() Strategy { return NewMeanReversionStrategy(DefaultMeanReversionConfig()) },
	"mean-reversion-simple": func() Strategy { return NewSimpleMeanReversionStrategy(DefaultMeanReversionConfig()) },
	"scalping":              func() Strategy { return NewScalpingStrategy(DefaultScalpingConfig()) },
	"grid":                  func() Strategy { return NewGridStrategy(DefaultGridConfig()) },
}

// New builds a strategy by name with its default configuration.
func New(name string) (Strategy, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return f(), nil
}

// Names lists the registered strategies in sorted order.
func Names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
