package exchange

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"krakenbot/internal/models"
)

// PaperConfig configures the simulated venue.
type PaperConfig struct {
	Name        string
	Seed        int64
	SpreadPct   float64            // quoted spread around the mid, percent
	TakerFeePct float64            // fee on notional, percent
	Volatility  float64            // per-candle random walk amplitude, fraction
	Balances    map[string]float64 // starting balances by asset
	Prices      map[string]float64 // starting mid price by pair
}

// DefaultPaperConfig returns a venue with a few majors and a USD balance.
func DefaultPaperConfig(balanceUsd float64) PaperConfig {
	return PaperConfig{
		Name:        "paper",
		Seed:        1,
		SpreadPct:   0.1,
		TakerFeePct: 0.26,
		Volatility:  0.01,
		Balances:    map[string]float64{"USD": balanceUsd},
		Prices: map[string]float64{
			"BTC/USD":  65000,
			"ETH/USD":  3200,
			"SOL/USD":  150,
			"XRP/USD":  0.6,
			"ADA/USD":  0.45,
			"DOGE/USD": 0.15,
			"LINK/USD": 15,
			"DOT/USD":  7,
		},
	}
}

// PaperClient simulates a venue for dry runs and tests: random-walk prices,
// market fills at bid/ask, fee and balance bookkeeping and a fill history.
type PaperClient struct {
	cfg PaperConfig
	now func() time.Time

	mu       sync.Mutex
	rng      *rand.Rand
	mids     map[string]float64
	quotes   map[string]models.Ticker
	candles  map[string][]models.Candle
	balances map[string]float64
	fills    []models.Fill
	failNext error
}

// NewPaperClient creates a simulated venue.
func NewPaperClient(cfg PaperConfig) *PaperClient {
	if cfg.Name == "" {
		cfg.Name = "paper"
	}
	if cfg.Volatility <= 0 {
		cfg.Volatility = 0.01
	}
	p := &PaperClient{
		cfg:      cfg,
		now:      time.Now,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		mids:     make(map[string]float64),
		quotes:   make(map[string]models.Ticker),
		candles:  make(map[string][]models.Candle),
		balances: make(map[string]float64),
	}
	for pair, px := range cfg.Prices {
		p.mids[strings.ToUpper(pair)] = px
	}
	for asset, qty := range cfg.Balances {
		p.balances[strings.ToUpper(asset)] = qty
	}
	return p
}

// SetClock replaces the time source.
func (p *PaperClient) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// SetQuote pins the ticker of pair; the mid follows it.
func (p *PaperClient) SetQuote(pair string, t models.Ticker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pair = strings.ToUpper(pair)
	t.Pair = pair
	p.quotes[pair] = t
	if t.Valid() {
		p.mids[pair] = t.Mid()
	}
}

// SetCandles pins the OHLC history returned for pair at every interval.
func (p *PaperClient) SetCandles(pair string, candles []models.Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candles[strings.ToUpper(pair)] = append([]models.Candle(nil), candles...)
}

// SetBalance overrides one asset balance.
func (p *PaperClient) SetBalance(asset string, qty float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[strings.ToUpper(asset)] = qty
}

// FailNext makes the next call return err.
func (p *PaperClient) FailNext(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = err
}

func (p *PaperClient) takeFailure() error {
	err := p.failNext
	p.failNext = nil
	return err
}

func (p *PaperClient) Name() string { return p.cfg.Name }

func (p *PaperClient) quoteLocked(pair string) (models.Ticker, error) {
	if t, ok := p.quotes[pair]; ok {
		return t, nil
	}
	mid, ok := p.mids[pair]
	if !ok {
		return models.Ticker{}, fmt.Errorf("%w: %s", ErrUnknownPair, pair)
	}
	// Random walk: -0.1% to +0.1% per quote.
	mid *= 1 + (p.rng.Float64()-0.5)*0.002
	p.mids[pair] = mid
	half := mid * p.cfg.SpreadPct / 200
	return models.Ticker{Pair: pair, Bid: mid - half, Ask: mid + half, Last: mid}, nil
}

func (p *PaperClient) GetTicker(ctx context.Context, pair string) (models.Ticker, error) {
	if err := ctx.Err(); err != nil {
		return models.Ticker{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure(); err != nil {
		return models.Ticker{}, err
	}
	return p.quoteLocked(strings.ToUpper(pair))
}

// GetOHLC returns 120 candles ending now, generated backwards from the
// current mid, unless candles were pinned with SetCandles.
func (p *PaperClient) GetOHLC(ctx context.Context, pair string, intervalMinutes int) ([]models.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure(); err != nil {
		return nil, err
	}
	pair = strings.ToUpper(pair)
	if c, ok := p.candles[pair]; ok {
		return append([]models.Candle(nil), c...), nil
	}
	mid, ok := p.mids[pair]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPair, pair)
	}
	if intervalMinutes <= 0 {
		intervalMinutes = 1
	}

	const limit = 120
	step := time.Duration(intervalMinutes) * time.Minute
	end := p.now().Truncate(step)
	vol := p.cfg.Volatility

	out := make([]models.Candle, limit)
	closePx := mid
	for i := limit - 1; i >= 0; i-- {
		open := closePx / (1 + (p.rng.Float64()-0.5)*vol*2)
		high := math.Max(open, closePx) * (1 + p.rng.Float64()*vol*0.5)
		low := math.Min(open, closePx) * (1 - p.rng.Float64()*vol*0.5)
		out[i] = models.Candle{
			Time:   end.Add(-time.Duration(limit-1-i) * step),
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePx,
			Volume: 10 + p.rng.Float64()*90,
		}
		closePx = open
	}
	return out, nil
}

func (p *PaperClient) GetBalance(ctx context.Context) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure(); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(p.balances))
	for k, v := range p.balances {
		out[k] = v
	}
	return out, nil
}

func quoteAsset(pair string) string {
	if i := strings.IndexAny(pair, "/-_"); i > 0 {
		return strings.ToUpper(pair[i+1:])
	}
	return "USD"
}

// PlaceOrder fills a market order immediately: buys at the ask, sells at
// the bid, fee charged in the quote currency.
func (p *PaperClient) PlaceOrder(ctx context.Context, req OrderRequest) (*models.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure(); err != nil {
		return nil, err
	}

	pair := strings.ToUpper(req.Pair)
	t, err := p.quoteLocked(pair)
	if err != nil {
		return nil, err
	}
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTicker, pair)
	}
	base, quote := models.BaseAsset(pair), quoteAsset(pair)
	feeRate := p.cfg.TakerFeePct / 100

	res := &models.OrderResult{
		OrderID:  "P-" + uuid.NewString(),
		FillID:   "PF-" + uuid.NewString(),
		FilledAt: p.now().UTC(),
	}
	switch req.Side {
	case models.SideBuy:
		notional := req.QuoteUsd
		if notional <= 0 {
			notional = req.Qty * t.Ask
		}
		fee := notional * feeRate
		if p.balances[quote] < notional+fee {
			return nil, fmt.Errorf("%w: need %.2f %s, have %.2f", ErrInsufficientBalance, notional+fee, quote, p.balances[quote])
		}
		res.FillPrice, res.FillQty, res.Fee = t.Ask, notional/t.Ask, fee
		p.balances[quote] -= notional + fee
		p.balances[base] += res.FillQty
	case models.SideSell:
		if p.balances[base] < req.Qty-1e-12 {
			return nil, fmt.Errorf("%w: need %.8f %s, have %.8f", ErrInsufficientBalance, req.Qty, base, p.balances[base])
		}
		proceeds := req.Qty * t.Bid
		res.FillPrice, res.FillQty, res.Fee = t.Bid, req.Qty, proceeds*feeRate
		p.balances[base] = math.Max(0, p.balances[base]-req.Qty)
		p.balances[quote] += proceeds - res.Fee
	}

	p.fills = append(p.fills, models.Fill{
		Exchange:   p.cfg.Name,
		Pair:       pair,
		Type:       req.Side,
		Price:      res.FillPrice,
		Amount:     res.FillQty,
		Fee:        res.Fee,
		ExecutedAt: res.FilledAt,
		OrderID:    res.OrderID,
		FillID:     res.FillID,
		Source:     models.SourceSync,
	})
	return res, nil
}

// GetTradesSince returns every simulated fill executed after since.
func (p *PaperClient) GetTradesSince(ctx context.Context, since time.Time) ([]models.Fill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure(); err != nil {
		return nil, err
	}
	var out []models.Fill
	for _, f := range p.fills {
		if f.ExecutedAt.After(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

// AddExternalFill records a fill that did not go through PlaceOrder, as a
// trade made on the venue's own interface would.
func (p *PaperClient) AddExternalFill(f models.Fill) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f.Exchange == "" {
		f.Exchange = p.cfg.Name
	}
	p.fills = append(p.fills, f)
}

var (
	_ Client       = (*PaperClient)(nil)
	_ TradeHistory = (*PaperClient)(nil)
	_ Client       = (*Timeout)(nil)
)
