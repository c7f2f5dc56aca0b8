// Package spread gates BUY entries on the effective bid/ask spread.
package spread

import (
	"fmt"
	"math"
	"sync"
	"time"

	"krakenbot/config"
	"krakenbot/internal/logging"
	"krakenbot/internal/models"
)

// Decision codes.
const (
	CodeAllow       = "ALLOW"
	CodeAllowFloor  = "ALLOW_FLOOR"
	CodeReject      = "REJECT_SPREAD"
	CodeMissingData = "SKIP_MISSING_DATA"
	CodeNotGated    = "NOT_GATED"
	CodeDisabled    = "DISABLED"
)

// Decision is the outcome of one spread check.
type Decision struct {
	Allowed            bool          `json:"allowed"`
	Code               string        `json:"code"`
	Pair               string        `json:"pair"`
	Exchange           string        `json:"exchange"`
	Regime             models.Regime `json:"regime"`
	RawSpreadPct       float64       `json:"raw_spread_pct"`
	MarkupPct          float64       `json:"markup_pct"`
	EffectiveSpreadPct float64       `json:"effective_spread_pct"`
	ThresholdPct       float64       `json:"threshold_pct"`
	FloorPct           float64       `json:"floor_pct"`
	// Alert is true when this rejection passed the per-(pair, exchange) cooldown.
	Alert bool `json:"alert"`
}

func (d Decision) String() string {
	return fmt.Sprintf("%s %s@%s spread=%.4f%% (raw %.4f%% + markup %.4f%%) threshold=%.4f%%",
		d.Code, d.Pair, d.Exchange, d.EffectiveSpreadPct, d.RawSpreadPct, d.MarkupPct, d.ThresholdPct)
}

// RawSpreadPct returns (ask-bid)/mid*100 and false if the ticker is unusable.
func RawSpreadPct(t models.Ticker) (float64, bool) {
	if !t.Valid() {
		return 0, false
	}
	return (t.Ask - t.Bid) / t.Mid() * 100, true
}

// Filter holds the spread configuration, the markup trackers and the alert cooldowns.
type Filter struct {
	cfg       config.SpreadConfig
	exchanges map[string]config.ExchangeConfig
	logger    *logging.Logger
	now       func() time.Time

	mu         sync.Mutex
	markups    map[string]*MarkupTracker
	lastAlerts map[string]time.Time
}

// NewFilter creates a spread filter.
func NewFilter(cfg config.SpreadConfig, exchanges map[string]config.ExchangeConfig) *Filter {
	return &Filter{
		cfg:        cfg,
		exchanges:  exchanges,
		logger:     logging.WithComponent("spread"),
		now:        time.Now,
		markups:    make(map[string]*MarkupTracker),
		lastAlerts: make(map[string]time.Time),
	}
}

// SetClock replaces the time source; used by tests.
func (f *Filter) SetClock(now func() time.Time) {
	f.now = now
}

// Threshold returns the regime threshold clamped to the global cap.
func (f *Filter) Threshold(r models.Regime) float64 {
	var t float64
	switch r {
	case models.RegimeTrend:
		t = f.cfg.TrendMaxPct
	case models.RegimeRange:
		t = f.cfg.RangeMaxPct
	default:
		t = f.cfg.TransitionMaxPct
	}
	if f.cfg.CapPct > 0 {
		t = math.Min(t, f.cfg.CapPct)
	}
	return t
}

// Markup returns the current markup for an exchange: 0 for the primary venue
// or mode none, the configured value for fixed, the tracked EMA for dynamic.
func (f *Filter) Markup(exchange string) float64 {
	ex, ok := f.exchanges[exchange]
	if !ok || ex.Primary {
		return 0
	}
	switch ex.MarkupMode {
	case config.MarkupFixed:
		return ex.MarkupPct
	case config.MarkupDynamic:
		return f.tracker(exchange, ex).Value()
	}
	return 0
}

func (f *Filter) tracker(exchange string, ex config.ExchangeConfig) *MarkupTracker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.markups[exchange]
	if !ok {
		t = NewMarkupTracker(ex.MarkupPct, ex.MarkupAlpha, ex.MaxMarkupPct)
		f.markups[exchange] = t
	}
	return t
}

// ObserveFill feeds an executed price into the dynamic markup of exchange.
func (f *Filter) ObserveFill(exchange string, side models.OrderSide, fillPrice float64, t models.Ticker) {
	ex, ok := f.exchanges[exchange]
	if !ok || ex.Primary || ex.MarkupMode != config.MarkupDynamic || !t.Valid() {
		return
	}
	mid := t.Mid()
	slip := (fillPrice - mid) / mid * 100
	if side == models.SideSell {
		slip = -slip
	}
	f.tracker(exchange, ex).Observe(slip)
}

// Check evaluates one signal. Only BUY is gated; invalid quotes fail closed.
func (f *Filter) Check(pair, exchange string, action models.SignalAction, t models.Ticker, r models.Regime) Decision {
	d := Decision{Pair: pair, Exchange: exchange, Regime: r, FloorPct: f.cfg.FloorPct, Allowed: true}
	if action != models.ActionBuy {
		d.Code = CodeNotGated
		return d
	}
	raw, ok := RawSpreadPct(t)
	if !ok {
		d.Allowed = false
		d.Code = CodeMissingData
		f.logger.Warn("Spread check failed closed: invalid quote", "pair", pair, "exchange", exchange, "bid", t.Bid, "ask", t.Ask)
		return d
	}
	if !f.cfg.Enabled {
		d.Code = CodeDisabled
		d.RawSpreadPct = raw
		return d
	}

	d.RawSpreadPct = raw
	d.MarkupPct = f.Markup(exchange)
	d.EffectiveSpreadPct = raw + d.MarkupPct
	d.ThresholdPct = f.Threshold(r)

	switch {
	case d.EffectiveSpreadPct < d.FloorPct:
		d.Code = CodeAllowFloor
	case d.EffectiveSpreadPct > d.ThresholdPct:
		d.Allowed = false
		d.Code = CodeReject
		d.Alert = f.cfg.AlertsEnabled && f.alertDue(pair, exchange)
		f.logger.Info("Spread rejected entry",
			"pair", pair,
			"exchange", exchange,
			"regime", string(r),
			"raw_spread_pct", raw,
			"markup_pct", d.MarkupPct,
			"effective_spread_pct", d.EffectiveSpreadPct,
			"threshold_pct", d.ThresholdPct,
			"alert", d.Alert,
		)
	default:
		d.Code = CodeAllow
	}
	return d
}

func (f *Filter) alertDue(pair, exchange string) bool {
	key := pair + "|" + exchange
	now := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()
	if last, ok := f.lastAlerts[key]; ok && now.Sub(last) < f.cfg.AlertCooldown {
		return false
	}
	f.lastAlerts[key] = now
	return true
}
