// Package exchange defines the venue contract the engine trades through.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"krakenbot/internal/models"
)

var (
	// ErrInvalidTicker is returned when a venue reports a quote that cannot
	// price a decision (missing, zero or crossed bid/ask).
	ErrInvalidTicker = errors.New("invalid ticker")
	// ErrUnknownPair is returned for pairs the venue does not list.
	ErrUnknownPair = errors.New("unknown pair")
	// ErrInsufficientBalance is returned when an order cannot be funded.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvalidOrder is returned for orders with no size.
	ErrInvalidOrder = errors.New("invalid order")
)

// OrderRequest is a market order. Buys are sized in quote currency
// (QuoteUsd), sells in base quantity (Qty).
type OrderRequest struct {
	Pair     string           `json:"pair"`
	Side     models.OrderSide `json:"side"`
	Qty      float64          `json:"qty,omitempty"`
	QuoteUsd float64          `json:"quote_usd,omitempty"`
}

func (r OrderRequest) Validate() error {
	switch r.Side {
	case models.SideBuy:
		if !(r.QuoteUsd > 0) && !(r.Qty > 0) {
			return fmt.Errorf("%w: buy needs quote_usd or qty", ErrInvalidOrder)
		}
	case models.SideSell:
		if !(r.Qty > 0) {
			return fmt.Errorf("%w: sell needs qty", ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, r.Side)
	}
	return nil
}

// Client is the venue contract. Every call must honour ctx.
type Client interface {
	Name() string
	GetTicker(ctx context.Context, pair string) (models.Ticker, error)
	GetOHLC(ctx context.Context, pair string, intervalMinutes int) ([]models.Candle, error)
	GetBalance(ctx context.Context) (map[string]float64, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*models.OrderResult, error)
}

// TradeHistory is implemented by venues whose fills can be imported.
type TradeHistory interface {
	GetTradesSince(ctx context.Context, since time.Time) ([]models.Fill, error)
}

// ValidTicker fetches a ticker and fails with ErrInvalidTicker when it cannot
// be used for pricing.
func ValidTicker(ctx context.Context, c Client, pair string) (models.Ticker, error) {
	t, err := c.GetTicker(ctx, pair)
	if err != nil {
		return t, err
	}
	if !t.Valid() {
		return t, fmt.Errorf("%w: %s bid=%v ask=%v", ErrInvalidTicker, pair, t.Bid, t.Ask)
	}
	return t, nil
}
