package risk

import (
	"math"

	"krakenbot/internal/models"
)

// StopUpdate describes one move of a lot's protective stop.
type StopUpdate struct {
	OldStop   float64
	NewStop   float64
	Moved     bool
	Activated bool
}

// InitialStop sets the protective stop of a fresh lot from its entry levels.
// It is a no-op once a stop exists.
func InitialStop(pos *models.Position, lv Levels) StopUpdate {
	u := StopUpdate{OldStop: pos.SgCurrentStopPrice, NewStop: pos.SgCurrentStopPrice}
	if pos.SgCurrentStopPrice > 0 || pos.EntryPrice <= 0 {
		return u
	}
	u.NewStop = pos.EntryPrice * (1 - lv.StopPct/100)
	u.Moved = true
	pos.SgCurrentStopPrice = u.NewStop
	return u
}

// raiseStop only ever moves the stop up.
func raiseStop(pos *models.Position, stop float64, u *StopUpdate) {
	if stop > pos.SgCurrentStopPrice {
		pos.SgCurrentStopPrice = stop
		u.NewStop = stop
		u.Moved = true
	}
}

// BreakEven moves the stop to entry plus the round-trip fee once profit
// reaches BeAtPct. One-way: the flag is never cleared.
func BreakEven(pos *models.Position, cfg models.SmartGuardConfig, pnlPct float64) StopUpdate {
	u := StopUpdate{OldStop: pos.SgCurrentStopPrice, NewStop: pos.SgCurrentStopPrice}
	if pos.SgBreakEvenActivated || cfg.BeAtPct <= 0 || pnlPct < cfg.BeAtPct {
		return u
	}
	pos.SgBreakEvenActivated = true
	u.Activated = true
	raiseStop(pos, pos.EntryPrice*(1+cfg.RoundTripFeePct()/100), &u)
	return u
}

// Trail ratchets the stop TrailDistancePct under the highest price once profit
// reaches TrailStartPct. After activation the stop only moves when the gain is
// at least TrailStepPct of entry, so the stop price is non-decreasing.
func Trail(pos *models.Position, cfg models.SmartGuardConfig, pnlPct float64) StopUpdate {
	u := StopUpdate{OldStop: pos.SgCurrentStopPrice, NewStop: pos.SgCurrentStopPrice}
	if cfg.TrailStartPct <= 0 || cfg.TrailDistancePct <= 0 {
		return u
	}
	candidate := pos.HighestPrice * (1 - cfg.TrailDistancePct/100)

	if !pos.SgTrailingActivated {
		if pnlPct < cfg.TrailStartPct {
			return u
		}
		pos.SgTrailingActivated = true
		u.Activated = true
		raiseStop(pos, candidate, &u)
		return u
	}

	step := pos.EntryPrice * math.Max(0, cfg.TrailStepPct) / 100
	if candidate-pos.SgCurrentStopPrice >= step {
		raiseStop(pos, candidate, &u)
	}
	return u
}
