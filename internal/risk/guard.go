package risk

import (
	"fmt"
	"math"
	"time"

	"krakenbot/internal/logging"
	"krakenbot/internal/models"
	"krakenbot/internal/regime"
)

// MinEdgePct is what a stop distance, a target or a soft time-stop exit must
// clear on top of the round-trip fee.
const MinEdgePct = 0.25

// ExitState is the SMART_GUARD state of a lot.
type ExitState string

const (
	StateOpen            ExitState = "OPEN"
	StateBreakEven       ExitState = "BREAK_EVEN"
	StateTrailing        ExitState = "TRAILING"
	StateScaled          ExitState = "SCALED"
	StateTimeStopFlagged ExitState = "TIME_STOP_FLAGGED"
	StateClosed          ExitState = "CLOSED"
)

// StateOf derives the state from the lot flags. When several apply the most
// advanced wins: closed, time-stop flagged, trailing, scaled, break-even.
func StateOf(pos *models.Position) ExitState {
	switch {
	case pos.QtyRemaining <= 0:
		return StateClosed
	case pos.TimeStopExpiredAt != nil:
		return StateTimeStopFlagged
	case pos.SgTrailingActivated:
		return StateTrailing
	case pos.SgScaleOutDone:
		return StateScaled
	case pos.SgBreakEvenActivated:
		return StateBreakEven
	}
	return StateOpen
}

// ExitAction is what the engine must do with a lot this cycle.
type ExitAction string

const (
	ActionNone     ExitAction = "NONE"
	ActionScaleOut ExitAction = "SCALE_OUT"
	ActionClose    ExitAction = "CLOSE"
)

// Exit reasons.
const (
	ReasonStopLoss      = "STOP_LOSS"
	ReasonBreakEvenStop = "BREAK_EVEN_STOP"
	ReasonTrailingStop  = "TRAILING_STOP"
	ReasonTakeProfit    = "TAKE_PROFIT"
	ReasonTpFixed       = "TP_FIXED"
	ReasonScaleOut      = "SCALE_OUT"
	ReasonTimeStopHard  = "TIME_STOP_HARD"
	ReasonTimeStopSoft  = "TIME_STOP_SOFT"
)

// Levels are the stop and target distances of a lot, in percent of entry.
type Levels struct {
	StopPct   float64 `json:"stop_pct"`
	TargetPct float64 `json:"target_pct"`
	FromATR   bool    `json:"from_atr"`
}

// ComputeLevels returns the static levels, or ATR multiples clamped to the
// configured bands when ATR stops are on and atrPct is known. Either way both
// distances clear the round-trip fee by MinEdgePct.
func ComputeLevels(cfg models.SmartGuardConfig, atrPct float64) Levels {
	lv := Levels{StopPct: cfg.StopLossPct, TargetPct: cfg.TakeProfitPct}
	if cfg.UseATRStops && atrPct > 0 {
		lv.StopPct = clamp(atrPct*cfg.ATRStopMult, cfg.MinStopPct, cfg.MaxStopPct)
		lv.TargetPct = clamp(atrPct*cfg.ATRTargetMult, cfg.MinTargetPct, cfg.MaxTargetPct)
		lv.FromATR = true
	}
	floor := cfg.RoundTripFeePct() + MinEdgePct
	lv.StopPct = math.Max(lv.StopPct, floor)
	lv.TargetPct = math.Max(lv.TargetPct, floor)
	return lv
}

func clamp(v, lo, hi float64) float64 {
	if lo > 0 {
		v = math.Max(v, lo)
	}
	if hi > 0 {
		v = math.Min(v, hi)
	}
	return v
}

// Snapshot builds the config captured at entry: global settings, then the
// regime preset when the router is on, then the per-pair override. Fee math
// uses the taker fee of the venue the lot is opened on.
func Snapshot(global models.SmartGuardConfig, override *models.SmartGuardOverride, r models.Regime, routerEnabled bool, venueTakerFeePct float64) models.SmartGuardConfig {
	cfg := global
	if routerEnabled && r.Valid() {
		cfg = regime.ApplyPreset(cfg, r)
	}
	cfg = cfg.Apply(override)
	cfg.TakerFeePct = venueTakerFeePct
	return cfg
}

// Decision is the outcome of one Evaluate call.
type Decision struct {
	LotID     string     `json:"lot_id"`
	Action    ExitAction `json:"action"`
	Reason    string     `json:"reason,omitempty"`
	SellQty   float64    `json:"sell_qty,omitempty"`
	Price     float64    `json:"price"`
	PnLPct    float64    `json:"pnl_pct"`
	StopPrice float64    `json:"stop_price"`
	State     ExitState  `json:"state"`
	// Changed means the lot was mutated and must be persisted.
	Changed bool     `json:"changed"`
	Events  []string `json:"events,omitempty"`
}

// Guard runs the exit state machine.
type Guard struct {
	logger *logging.Logger
	now    func() time.Time
}

// NewGuard creates a guard using the wall clock.
func NewGuard() *Guard {
	return &Guard{logger: logging.WithComponent("smart_guard"), now: time.Now}
}

// SetClock replaces the time source; used by tests.
func (g *Guard) SetClock(now func() time.Time) {
	g.now = now
}

// Evaluate advances the lot at price and decides whether to sell. It mutates
// pos (highest price, stop, flags); the caller persists it when Changed.
// atrPct is only used by ATR-based levels and may be 0.
func (g *Guard) Evaluate(pos *models.Position, price, atrPct float64) Decision {
	d := Decision{LotID: pos.LotID, Action: ActionNone, Price: price}
	log := g.logger.WithFields(map[string]interface{}{"lot_id": pos.LotID, "pair": pos.Pair})

	if pos.ClampQty() {
		log.Warn("Clamped qty_remaining into [0, amount]", "qty_remaining", pos.QtyRemaining, "amount", pos.Amount)
		d.Changed = true
	}
	if pos.QtyRemaining <= 0 || price <= 0 || pos.EntryPrice <= 0 {
		d.State = StateOf(pos)
		return d
	}

	cfg := g.config(pos, log)
	lv := ComputeLevels(cfg, atrPct)

	if InitialStop(pos, lv).Moved {
		d.Changed = true
	}
	if price > pos.HighestPrice {
		pos.HighestPrice = price
		d.Changed = true
	}
	d.PnLPct = pos.UnrealizedPnLPct(price)

	if u := BreakEven(pos, cfg, d.PnLPct); u.Activated {
		d.Changed = true
		d.Events = append(d.Events, fmt.Sprintf("break-even armed, stop %.8f -> %.8f", u.OldStop, u.NewStop))
	}
	if u := Trail(pos, cfg, d.PnLPct); u.Moved || u.Activated {
		d.Changed = true
		if u.Activated {
			d.Events = append(d.Events, fmt.Sprintf("trailing armed at %.2f%%", d.PnLPct))
		}
		if u.Moved {
			d.Events = append(d.Events, fmt.Sprintf("stop raised %.8f -> %.8f", u.OldStop, u.NewStop))
		}
	}
	d.StopPrice = pos.SgCurrentStopPrice

	switch {
	case price <= pos.SgCurrentStopPrice:
		d.Action, d.SellQty = ActionClose, pos.QtyRemaining
		switch {
		case pos.SgTrailingActivated:
			d.Reason = ReasonTrailingStop
		case pos.SgBreakEvenActivated:
			d.Reason = ReasonBreakEvenStop
		default:
			d.Reason = ReasonStopLoss
		}
	case cfg.TpFixedEnabled && cfg.TpFixedPct > 0 && d.PnLPct >= cfg.TpFixedPct:
		d.Action, d.SellQty, d.Reason = ActionClose, pos.QtyRemaining, ReasonTpFixed
	case !pos.SgTrailingActivated && d.PnLPct >= lv.TargetPct:
		d.Action, d.SellQty, d.Reason = ActionClose, pos.QtyRemaining, ReasonTakeProfit
	default:
		if qty, ok := scaleOutQty(pos, cfg, price, d.PnLPct); ok {
			d.Action, d.SellQty, d.Reason = ActionScaleOut, qty, ReasonScaleOut
		} else if g.timeStop(pos, cfg, &d, log) {
			d.Action, d.SellQty = ActionClose, pos.QtyRemaining
		}
	}

	d.State = StateOf(pos)
	if d.Action != ActionNone {
		log.Info("SMART_GUARD exit",
			"action", string(d.Action),
			"reason", d.Reason,
			"price", price,
			"pnl_pct", d.PnLPct,
			"stop", d.StopPrice,
			"sell_qty", d.SellQty,
		)
	}
	return d
}

func (g *Guard) config(pos *models.Position, log *logging.Logger) models.SmartGuardConfig {
	if pos.ConfigSnapshot != nil {
		return *pos.ConfigSnapshot
	}
	log.Warn("Lot has no config snapshot, using static defaults")
	return DefaultConfig()
}

// DefaultConfig is the fallback for lots without a snapshot.
func DefaultConfig() models.SmartGuardConfig {
	return models.SmartGuardConfig{
		MinEntryUsd:       100,
		AllowUnderMin:     true,
		FeeCushionPct:     0.52,
		TakerFeePct:       0.26,
		StopLossPct:       5,
		TakeProfitPct:     7,
		ATRStopMult:       1.5,
		ATRTargetMult:     2.5,
		MinStopPct:        1,
		MaxStopPct:        6,
		MinTargetPct:      1.5,
		MaxTargetPct:      10,
		BeAtPct:           1.5,
		TrailStartPct:     2,
		TrailDistancePct:  1.5,
		TrailStepPct:      0.25,
		TpFixedPct:        10,
		ScaleOutThreshold: 3,
		ScaleOutPct:       35,
		MinPartUsd:        50,
		TimeStopHours:     36,
		TimeStopMode:      models.TimeStopSoft,
	}
}

// scaleOutQty returns the partial sell size once per lot. The part must be
// worth at least MinPartUsd.
func scaleOutQty(pos *models.Position, cfg models.SmartGuardConfig, price, pnlPct float64) (float64, bool) {
	if !cfg.ScaleOutEnabled || pos.SgScaleOutDone || cfg.ScaleOutPct <= 0 || pnlPct < cfg.ScaleOutThreshold {
		return 0, false
	}
	qty := pos.QtyRemaining * math.Min(cfg.ScaleOutPct, 100) / 100
	if qty*price < cfg.MinPartUsd {
		return 0, false
	}
	return qty, true
}

// timeStop flags expired lots and reports whether they must close now.
func (g *Guard) timeStop(pos *models.Position, cfg models.SmartGuardConfig, d *Decision, log *logging.Logger) bool {
	if pos.TimeStopDisabled || cfg.TimeStopHours <= 0 {
		return false
	}
	now := g.now()
	if now.Sub(pos.OpenedAt) < time.Duration(cfg.TimeStopHours*float64(time.Hour)) {
		return false
	}
	if cfg.TimeStopMode == models.TimeStopHard {
		d.Reason = ReasonTimeStopHard
		return true
	}
	if pos.TimeStopExpiredAt == nil {
		t := now
		pos.TimeStopExpiredAt = &t
		d.Changed = true
		d.Events = append(d.Events, "time-stop expired, waiting for fee-covering profit")
		log.Info("Time-stop expired (soft)", "age_hours", now.Sub(pos.OpenedAt).Hours())
	}
	if d.PnLPct-cfg.RoundTripFeePct() >= MinEdgePct {
		d.Reason = ReasonTimeStopSoft
		return true
	}
	return false
}

// ApplyScaleOut records a filled partial sell.
func ApplyScaleOut(pos *models.Position, soldQty float64) {
	pos.QtyRemaining -= soldQty
	pos.SgScaleOutDone = true
	pos.ClampQty()
}

// ApplySell records a filled sell of qty and reports whether the lot is done.
func ApplySell(pos *models.Position, soldQty float64) bool {
	pos.QtyRemaining -= soldQty
	pos.ClampQty()
	return pos.QtyRemaining <= 1e-12
}
