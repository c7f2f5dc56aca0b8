// Package risk implements SMART_GUARD: entry sizing and the per-lot exit
// state machine.
package risk

import (
	"fmt"
	"math"

	"krakenbot/internal/models"
)

// AbsoluteMinOrderUsd is the hard floor below which no order is ever placed.
const AbsoluteMinOrderUsd = 20.0

// Sizing reason codes.
const (
	SizingUsingConfigMin      = "USING_CONFIG_MIN"
	SizingFallbackToAvailable = "FALLBACK_TO_AVAILABLE"
	SizingMinOrderUsd         = "MIN_ORDER_USD"
	SizingMinOrderAbsolute    = "MIN_ORDER_ABSOLUTE"
	SizingBlockedAfterCushion = "BLOCKED_AFTER_FEE_CUSHION"
)

// SizingInput is what the entry sizer needs.
type SizingInput struct {
	// AvailableUsd is the quote balance after the configured reserve.
	AvailableUsd        float64
	ExchangeMinOrderUsd float64
	Config              models.SmartGuardConfig
}

// SizingDecision is the outcome of Size.
type SizingDecision struct {
	Allowed    bool    `json:"allowed"`
	OrderUsd   float64 `json:"order_usd"`
	Reason     string  `json:"reason"`
	Available  float64 `json:"available_usd"`
	FeeCushion float64 `json:"fee_cushion_usd"`
	Floor      float64 `json:"floor_usd"`
}

func (d SizingDecision) String() string {
	if d.Allowed {
		return fmt.Sprintf("%s: order %.2f USD (available %.2f, cushion %.2f)", d.Reason, d.OrderUsd, d.Available, d.FeeCushion)
	}
	return fmt.Sprintf("%s: available %.2f USD, cushion %.2f, floor %.2f", d.Reason, d.Available, d.FeeCushion, d.Floor)
}

// Size decides the USD amount of a new entry.
//
// The configured minimum entry is used exactly when the balance covers it plus
// the fee cushion. Otherwise, if under-min entries are allowed, everything
// after the cushion is used as long as it clears the floor
// max(AbsoluteMinOrderUsd, exchange minimum).
func Size(in SizingInput) SizingDecision {
	cfg := in.Config
	available := math.Max(0, in.AvailableUsd)
	d := SizingDecision{
		Available:  available,
		FeeCushion: available * cfg.FeeCushionPct / 100,
		Floor:      math.Max(AbsoluteMinOrderUsd, in.ExchangeMinOrderUsd),
	}
	afterCushion := available - d.FeeCushion

	switch {
	case available < d.Floor:
		d.Reason = SizingMinOrderAbsolute
	case afterCushion >= cfg.MinEntryUsd:
		d.Allowed = true
		d.OrderUsd = cfg.MinEntryUsd
		d.Reason = SizingUsingConfigMin
	case !cfg.AllowUnderMin:
		d.Reason = SizingMinOrderUsd
	case afterCushion >= d.Floor:
		d.Allowed = true
		d.OrderUsd = afterCushion
		d.Reason = SizingFallbackToAvailable
	default:
		d.Reason = SizingBlockedAfterCushion
	}

	// A misconfigured minimum entry can never push an order under the hard floor.
	if d.Allowed && d.OrderUsd < AbsoluteMinOrderUsd {
		d.Allowed = false
		d.OrderUsd = 0
		d.Reason = SizingMinOrderAbsolute
	}
	return d
}
