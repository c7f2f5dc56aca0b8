package exchange

import (
	"context"
	"time"

	"krakenbot/internal/models"
)

// Timeout bounds every call to the wrapped client.
type Timeout struct {
	inner   Client
	timeout time.Duration
}

// WithTimeout wraps c. A non-positive d returns c unchanged.
func WithTimeout(c Client, d time.Duration) Client {
	if d <= 0 {
		return c
	}
	return &Timeout{inner: c, timeout: d}
}

func (t *Timeout) Name() string { return t.inner.Name() }

// Unwrap returns the wrapped client.
func (t *Timeout) Unwrap() Client { return t.inner }

func (t *Timeout) GetTicker(ctx context.Context, pair string) (models.Ticker, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.GetTicker(ctx, pair)
}

func (t *Timeout) GetOHLC(ctx context.Context, pair string, intervalMinutes int) ([]models.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.GetOHLC(ctx, pair, intervalMinutes)
}

func (t *Timeout) GetBalance(ctx context.Context) (map[string]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.GetBalance(ctx)
}

func (t *Timeout) PlaceOrder(ctx context.Context, req OrderRequest) (*models.OrderResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.PlaceOrder(ctx, req)
}

// GetTradesSince forwards to the wrapped client when it keeps a history.
func (t *Timeout) GetTradesSince(ctx context.Context, since time.Time) ([]models.Fill, error) {
	h, ok := t.inner.(TradeHistory)
	if !ok {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return h.GetTradesSince(ctx, since)
}

// HistoryOf returns the TradeHistory behind c, unwrapping Timeout.
func HistoryOf(c Client) (TradeHistory, bool) {
	if t, ok := c.(*Timeout); ok {
		if _, ok := t.inner.(TradeHistory); ok {
			return t, true
		}
		return nil, false
	}
	h, ok := c.(TradeHistory)
	return h, ok
}
