package models

import "time"

// Trade status values.
const (
	TradeStatusFilled = "filled"
)

// Fill sources.
const (
	SourceBot     = "bot"
	SourceSync    = "sync"
	SourceWebhook = "webhook"
	SourceManual  = "manual"
)

// Fill is an externally observed execution, before it enters the ledger.
type Fill struct {
	Exchange   string    `json:"exchange" binding:"required"`
	Pair       string    `json:"pair" binding:"required"`
	Type       OrderSide `json:"type" binding:"required,oneof=buy sell"`
	Price      float64   `json:"price" binding:"required,gt=0"`
	Amount     float64   `json:"amount" binding:"required,gt=0"`
	Fee        float64   `json:"fee" binding:"gte=0"`
	ExecutedAt time.Time `json:"executed_at" binding:"required"`
	OrderID    string    `json:"order_id,omitempty"`
	FillID     string    `json:"fill_id,omitempty"`
	Source     string    `json:"source,omitempty"`
	LotID      string    `json:"lot_id,omitempty"`
}

// ExternalID is the venue identifier used in the canonical trade input:
// the fill id when the venue reports one, the order id otherwise.
func (f Fill) ExternalID() string {
	if f.FillID != "" {
		return f.FillID
	}
	return f.OrderID
}

// TradeRecord is one row of the append-mostly trade ledger.
type TradeRecord struct {
	TradeID    string    `json:"trade_id"`
	Exchange   string    `json:"exchange"`
	Pair       string    `json:"pair"`
	Type       OrderSide `json:"type"`
	Price      float64   `json:"price"`
	Amount     float64   `json:"amount"`
	Fee        float64   `json:"fee"`
	Status     string    `json:"status"`
	ExecutedAt time.Time `json:"executed_at"`
	ExternalID string    `json:"external_id,omitempty"`
	OrderID    string    `json:"order_id,omitempty"`
	FillID     string    `json:"fill_id,omitempty"`
	Source     string    `json:"source,omitempty"`
	LotID      string    `json:"lot_id,omitempty"`

	RealizedPnlUsd *float64 `json:"realized_pnl_usd,omitempty"`
	RealizedPnlPct *float64 `json:"realized_pnl_pct,omitempty"`
	EntryPrice     *float64 `json:"entry_price,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// SyncCursor is the persisted progress marker of a scheduled trade import.
type SyncCursor struct {
	Exchange    string     `json:"exchange"`
	Scope       string     `json:"scope"`
	LastSeenAt  time.Time  `json:"last_seen_at"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	LastErrorAt *time.Time `json:"last_error_at,omitempty"`
	Imported    int64      `json:"imported"`
}
