// Package models holds the value types shared by the trading core and the
// persistence layer.
package models

import (
	"strings"
	"time"
)

// Candle is one OHLCV bar. Series are ordered ascending by Time.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Closes extracts the close prices of a candle series.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Volumes extracts the volumes of a candle series.
func Volumes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}

// Ticker is the best bid/ask snapshot of a pair.
type Ticker struct {
	Pair string  `json:"pair"`
	Bid  float64 `json:"bid"`
	Ask  float64 `json:"ask"`
	Last float64 `json:"last"`
}

// Valid reports whether bid and ask can be used for pricing decisions.
func (t Ticker) Valid() bool {
	return t.Bid > 0 && t.Ask > 0 && t.Ask >= t.Bid
}

// Mid returns the midpoint between bid and ask.
func (t Ticker) Mid() float64 {
	return (t.Bid + t.Ask) / 2
}

// OrderSide is the direction of an order or fill.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderResult is what a venue reports back for a market order.
type OrderResult struct {
	OrderID   string    `json:"order_id"`
	FillID    string    `json:"fill_id,omitempty"`
	FillPrice float64   `json:"fill_price"`
	FillQty   float64   `json:"fill_qty"`
	Fee       float64   `json:"fee"`
	FilledAt  time.Time `json:"filled_at"`
}

// BaseAsset returns the base currency of a pair such as "BTC/USD" or "ETH-EUR".
func BaseAsset(pair string) string {
	p := strings.ToUpper(strings.TrimSpace(pair))
	for _, sep := range []string{"/", "-", "_"} {
		if i := strings.Index(p, sep); i > 0 {
			return p[:i]
		}
	}
	for _, quote := range []string{"USDT", "USDC", "USD", "EUR"} {
		if strings.HasSuffix(p, quote) && len(p) > len(quote) {
			return strings.TrimSuffix(p, quote)
		}
	}
	return p
}
