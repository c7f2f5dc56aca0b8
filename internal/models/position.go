package models

import (
	"strings"
	"time"
)

// Lot-id prefixes reserved for positions that were not opened by the engine.
// Reconciliation never corrects these.
var SpecialLotPrefixes = []string{"reconcile-", "sync-", "import-", "manual-"}

// Position is one open lot created by a filled BUY.
// Invariant: 0 <= QtyRemaining <= Amount.
type Position struct {
	LotID    string `json:"lot_id"`
	Pair     string `json:"pair"`
	Exchange string `json:"exchange"`

	EntryPrice   float64 `json:"entry_price"`
	Amount       float64 `json:"amount"`
	QtyRemaining float64 `json:"qty_remaining"`
	HighestPrice float64 `json:"highest_price"`
	EntryFee     float64 `json:"entry_fee"`
	EntryOrderID string  `json:"entry_order_id,omitempty"`
	EntryRegime  Regime  `json:"entry_regime,omitempty"`

	SgBreakEvenActivated bool    `json:"sg_break_even_activated"`
	SgTrailingActivated  bool    `json:"sg_trailing_activated"`
	SgCurrentStopPrice   float64 `json:"sg_current_stop_price"`
	SgScaleOutDone       bool    `json:"sg_scale_out_done"`

	ConfigSnapshot *SmartGuardConfig `json:"config_snapshot,omitempty"`

	TimeStopDisabled  bool       `json:"time_stop_disabled"`
	TimeStopExpiredAt *time.Time `json:"time_stop_expired_at,omitempty"`

	OpenedAt  time.Time `json:"opened_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsBotOwned reports whether the lot was opened by the engine: it carries a
// config snapshot and its id does not use a reserved prefix.
func (p *Position) IsBotOwned() bool {
	if p.ConfigSnapshot == nil {
		return false
	}
	for _, prefix := range SpecialLotPrefixes {
		if strings.HasPrefix(p.LotID, prefix) {
			return false
		}
	}
	return true
}

// ClampQty forces QtyRemaining back into [0, Amount]. It reports whether a
// correction was needed.
func (p *Position) ClampQty() bool {
	switch {
	case p.QtyRemaining < 0:
		p.QtyRemaining = 0
		return true
	case p.QtyRemaining > p.Amount:
		p.QtyRemaining = p.Amount
		return true
	}
	return false
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	if p.ConfigSnapshot != nil {
		snap := *p.ConfigSnapshot
		c.ConfigSnapshot = &snap
	}
	c.TimeStopExpiredAt = cloneTime(p.TimeStopExpiredAt)
	return &c
}

// UnrealizedPnLPct is the gross move from entry to price, in percent.
func (p *Position) UnrealizedPnLPct(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice * 100
}
