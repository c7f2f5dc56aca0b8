package models

// SignalAction is what a strategy recommends for the current cycle.
type SignalAction string

const (
	ActionBuy  SignalAction = "buy"
	ActionSell SignalAction = "sell"
	ActionHold SignalAction = "hold"
)

// Signal is produced fresh each cycle and never persisted.
type Signal struct {
	Action             SignalAction `json:"action"`
	Pair               string       `json:"pair"`
	Strategy           string       `json:"strategy"`
	Confidence         float64      `json:"confidence"`
	Reason             string       `json:"reason"`
	SignalsCount       int          `json:"signals_count"`
	MinSignalsRequired int          `json:"min_signals_required"`
	BuySignals         int          `json:"buy_signals"`
	SellSignals        int          `json:"sell_signals"`
}

// IsHold reports whether the signal asks for no action.
func (s Signal) IsHold() bool {
	return s.Action == ActionHold || s.Action == ""
}
