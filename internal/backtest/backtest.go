// Package backtest replays a candle series through the live decision path:
// regime confirmation, the configured strategy and its tally gate, the spread
// filter, the entry circuit breaker, sizing and SMART_GUARD exits.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"krakenbot/config"
	"krakenbot/internal/cache"
	"krakenbot/internal/circuit"
	"krakenbot/internal/indicators"
	"krakenbot/internal/logging"
	"krakenbot/internal/models"
	"krakenbot/internal/regime"
	"krakenbot/internal/risk"
	"krakenbot/internal/spread"
	"krakenbot/internal/strategy"
)

// ErrInsufficientData is returned when the series is shorter than the warm-up.
var ErrInsufficientData = errors.New("insufficient candles")

// ReasonEnd closes lots still open after the last candle.
const ReasonEnd = "BACKTEST_END"

// Entry block codes counted in Result.Blocked.
const (
	BlockTally   = "TALLY_UNCONFIRMED"
	BlockMaxLots = "MAX_LOTS_PER_PAIR"
	BlockBreaker = "CIRCUIT_BREAKER"
)

const atrPeriod = 14

// Options selects what to replay. Zero values fall back to the app config.
type Options struct {
	Pair           string
	InitialBalance float64
	// SpreadPct is the simulated bid/ask spread around each close, percent.
	SpreadPct float64
	// Window caps the candles handed to the strategy and regime detector.
	Window int
}

// Trade is one executed exit, partial or full.
type Trade struct {
	LotID      string        `json:"lot_id"`
	EntryTime  time.Time     `json:"entry_time"`
	ExitTime   time.Time     `json:"exit_time"`
	EntryPrice float64       `json:"entry_price"`
	ExitPrice  float64       `json:"exit_price"`
	Qty        float64       `json:"qty"`
	PnlUsd     float64       `json:"pnl_usd"`
	PnlPct     float64       `json:"pnl_pct"`
	FeesUsd    float64       `json:"fees_usd"`
	Reason     string        `json:"reason"`
	Regime     models.Regime `json:"regime"`
}

// EquityPoint is the mark-to-market account value after a candle.
type EquityPoint struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
}

// Result holds the trades and performance of one run.
type Result struct {
	Pair           string  `json:"pair"`
	Strategy       string  `json:"strategy"`
	Candles        int     `json:"candles"`
	InitialBalance float64 `json:"initial_balance"`
	FinalEquity    float64 `json:"final_equity"`

	Entries        int     `json:"entries"`
	Trades         []Trade `json:"trades"`
	WinningTrades  int     `json:"winning_trades"`
	LosingTrades   int     `json:"losing_trades"`
	WinRate        float64 `json:"win_rate"`
	GrossProfit    float64 `json:"gross_profit"`
	GrossLoss      float64 `json:"gross_loss"`
	NetProfit      float64 `json:"net_profit"`
	FeesUsd        float64 `json:"fees_usd"`
	ROI            float64 `json:"roi"`
	ProfitFactor   float64 `json:"profit_factor"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	SharpeRatio    float64 `json:"sharpe_ratio"`

	ExitReasons   map[string]int        `json:"exit_reasons"`
	Blocked       map[string]int        `json:"blocked"`
	RegimeCandles map[models.Regime]int `json:"regime_candles"`
	EquityCurve   []EquityPoint         `json:"equity_curve"`
}

// Runner replays candles with the decision components built from a config.
type Runner struct {
	cfg      *config.Config
	opts     Options
	exchange string
	venue    config.ExchangeConfig
	strategy strategy.Strategy
	logger   *logging.Logger
}

// NewRunner validates opts against cfg and builds the strategy.
func NewRunner(cfg *config.Config, opts Options) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("backtest: config is required")
	}
	opts.Pair = strings.ToUpper(strings.TrimSpace(opts.Pair))
	if opts.Pair == "" {
		if len(cfg.Engine.Pairs) == 0 {
			return nil, errors.New("backtest: no pair")
		}
		opts.Pair = cfg.Engine.Pairs[0]
	}
	if opts.InitialBalance <= 0 {
		opts.InitialBalance = cfg.Engine.PaperBalance
	}
	if opts.SpreadPct < 0 {
		return nil, fmt.Errorf("backtest: negative spread %.4f", opts.SpreadPct)
	}
	if opts.Window <= 0 {
		opts.Window = 250
	}
	strat, err := strategy.New(cfg.Engine.Strategy)
	if err != nil {
		return nil, err
	}
	name := strings.ToLower(cfg.Engine.Exchange)
	return &Runner{
		cfg:      cfg,
		opts:     opts,
		exchange: name,
		venue:    cfg.Exchange(name),
		strategy: strat,
		logger:   logging.WithComponent("backtest"),
	}, nil
}

// Options returns the effective options.
func (r *Runner) Options() Options {
	return r.opts
}

type lot struct {
	pos    *models.Position
	regime models.Regime
}

// Run replays candles in order. Exits are evaluated before entries on every
// candle, the same as a live cycle; lots left open are closed at the last bid.
func (r *Runner) Run(ctx context.Context, candles []models.Candle) (*Result, error) {
	warmup := r.strategy.MinHistory()
	if len(candles) <= warmup {
		return nil, fmt.Errorf("%w: got %d, need more than %d", ErrInsufficientData, len(candles), warmup)
	}

	var now time.Time
	clock := func() time.Time { return now }

	regimes := regime.NewManager(regime.Config{
		ConfirmScans:   r.cfg.Regime.ConfirmScans,
		MinHold:        r.cfg.Regime.MinHold,
		ADXHardExit:    r.cfg.Regime.ADXHardExit,
		NotifyCooldown: r.cfg.Regime.NotifyCooldown,
		CacheTTL:       r.cfg.Regime.CacheTTL,
	}, nil, cache.NewMemoryCache().WithClock(clock))
	regimes.SetClock(clock)
	filter := spread.NewFilter(r.cfg.Spread, r.cfg.Exchanges)
	filter.SetClock(clock)
	guard := risk.NewGuard()
	guard.SetClock(clock)
	breaker := circuit.New(r.cfg.Breaker)

	routing := r.cfg.Regime.Enabled && r.cfg.Regime.RouterEnabled
	var override *models.SmartGuardOverride
	if o, ok := r.cfg.PairOverrides[r.opts.Pair]; ok {
		override = &o
	}
	var minSignals *int
	if n, ok := r.cfg.Regime.MinSignalsOverrides[r.opts.Pair]; ok {
		minSignals = &n
	}

	res := &Result{
		Pair:           r.opts.Pair,
		Strategy:       r.strategy.Name(),
		Candles:        len(candles),
		InitialBalance: r.opts.InitialBalance,
		ExitReasons:    make(map[string]int),
		Blocked:        make(map[string]int),
		RegimeCandles:  make(map[models.Regime]int),
	}
	cash := r.opts.InitialBalance
	var open []*lot
	var lastTicker models.Ticker

	now = candles[warmup].Time
	breaker.SetClock(clock)

	for i := warmup; i < len(candles); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c := candles[i]
		now = c.Time
		start := 0
		if i+1 > r.opts.Window {
			start = i + 1 - r.opts.Window
		}
		window := candles[start : i+1]
		ticker := r.ticker(c)
		lastTicker = ticker

		current := models.RegimeTransition
		if r.cfg.Regime.Enabled {
			if up, err := regimes.Update(ctx, r.opts.Pair, window); err == nil && up.State.CurrentRegime.Valid() {
				current = up.State.CurrentRegime
			}
		}
		res.RegimeCandles[current]++

		// Exits
		atrPct := indicators.ATRPercent(window, atrPeriod, ticker.Bid)
		kept := open[:0]
		for _, l := range open {
			d := guard.Evaluate(l.pos, ticker.Bid, atrPct)
			if d.Action == risk.ActionNone {
				kept = append(kept, l)
				continue
			}
			t := r.sell(l, d.SellQty, ticker.Bid, d.Reason, now)
			cash += r.proceeds(t)
			r.record(res, t)
			breaker.RecordExit(t.PnlPct)

			var done bool
			if d.Action == risk.ActionScaleOut {
				risk.ApplyScaleOut(l.pos, t.Qty)
				done = l.pos.QtyRemaining <= 1e-12
			} else {
				done = risk.ApplySell(l.pos, t.Qty)
			}
			if !done {
				kept = append(kept, l)
			}
		}
		open = kept

		// Entry
		if cash > 0 {
			if l, ok := r.enter(ctx, res, window, ticker, current, routing, override, minSignals, len(open), filter, breaker, cash, now); ok {
				cash -= l.pos.Amount*l.pos.EntryPrice + l.pos.EntryFee
				open = append(open, l)
				breaker.RecordEntry()
				res.Entries++
			}
		}

		res.EquityCurve = append(res.EquityCurve, EquityPoint{Time: now, Equity: cash + markToMarket(open, ticker.Bid)})
	}

	for _, l := range open {
		t := r.sell(l, l.pos.QtyRemaining, lastTicker.Bid, ReasonEnd, now)
		cash += r.proceeds(t)
		r.record(res, t)
	}

	res.FinalEquity = cash
	res.finish()
	r.logger.Info("Backtest finished",
		"pair", res.Pair,
		"strategy", res.Strategy,
		"candles", res.Candles,
		"trades", len(res.Trades),
		"net_profit", res.NetProfit,
		"max_drawdown_pct", res.MaxDrawdownPct,
	)
	return res, nil
}

func (r *Runner) ticker(c models.Candle) models.Ticker {
	half := c.Close * r.opts.SpreadPct / 200
	return models.Ticker{Pair: r.opts.Pair, Bid: c.Close - half, Ask: c.Close + half, Last: c.Close}
}

func (r *Runner) enter(
	ctx context.Context,
	res *Result,
	window []models.Candle,
	ticker models.Ticker,
	current models.Regime,
	routing bool,
	override *models.SmartGuardOverride,
	minSignals *int,
	openLots int,
	filter *spread.Filter,
	breaker *circuit.Breaker,
	cash float64,
	now time.Time,
) (*lot, bool) {
	sig := r.strategy.Evaluate(strategy.Input{
		Pair:               r.opts.Pair,
		Candles:            window,
		Regime:             current,
		RegimeRouting:      routing,
		MinSignalsOverride: minSignals,
	})
	if sig.Action != models.ActionBuy {
		return nil, false
	}
	if !strategy.ConfirmedBuy(sig.Reason, sig.MinSignalsRequired) {
		res.Blocked[BlockTally]++
		return nil, false
	}
	if openLots >= r.cfg.Engine.MaxLotsPerPair {
		res.Blocked[BlockMaxLots]++
		return nil, false
	}
	if ok, _ := breaker.CanEnter(); !ok {
		res.Blocked[BlockBreaker]++
		return nil, false
	}
	if d := filter.Check(r.opts.Pair, r.exchange, models.ActionBuy, ticker, current); !d.Allowed {
		res.Blocked[d.Code]++
		return nil, false
	}

	snap := risk.Snapshot(r.cfg.SmartGuard, override, current, routing, r.venue.TakerFeePct)
	sizing := risk.Size(risk.SizingInput{
		AvailableUsd:        cash - r.cfg.Engine.ReserveUsd,
		ExchangeMinOrderUsd: r.venue.MinOrderUsd,
		Config:              snap,
	})
	if !sizing.Allowed {
		res.Blocked[sizing.Reason]++
		return nil, false
	}

	qty := sizing.OrderUsd / ticker.Ask
	return &lot{
		pos: &models.Position{
			LotID:          fmt.Sprintf("bt-%d", res.Entries+1),
			Pair:           r.opts.Pair,
			Exchange:       r.exchange,
			EntryPrice:     ticker.Ask,
			Amount:         qty,
			QtyRemaining:   qty,
			HighestPrice:   ticker.Ask,
			EntryFee:       sizing.OrderUsd * r.venue.TakerFeePct / 100,
			EntryRegime:    current,
			ConfigSnapshot: &snap,
			OpenedAt:       now,
			UpdatedAt:      now,
		},
		regime: current,
	}, true
}

// sell prices an exit of qty at price. The entry fee is prorated over the
// sold quantity, the same as the live ledger.
func (r *Runner) sell(l *lot, qty, price float64, reason string, at time.Time) Trade {
	pos := l.pos
	fee := qty * price * r.venue.TakerFeePct / 100
	entryFee := pos.EntryFee * qty / pos.Amount
	t := Trade{
		LotID:      pos.LotID,
		EntryTime:  pos.OpenedAt,
		ExitTime:   at,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  price,
		Qty:        qty,
		PnlUsd:     (price-pos.EntryPrice)*qty - fee - entryFee,
		FeesUsd:    fee + entryFee,
		Reason:     reason,
		Regime:     l.regime,
	}
	if pos.EntryPrice > 0 {
		t.PnlPct = (price - pos.EntryPrice) / pos.EntryPrice * 100
	}
	return t
}

// proceeds is the cash a sell returns: notional minus the exit fee.
func (r *Runner) proceeds(t Trade) float64 {
	notional := t.Qty * t.ExitPrice
	return notional - notional*r.venue.TakerFeePct/100
}

func (r *Runner) record(res *Result, t Trade) {
	res.Trades = append(res.Trades, t)
	res.ExitReasons[t.Reason]++
}

func markToMarket(open []*lot, bid float64) float64 {
	v := 0.0
	for _, l := range open {
		v += l.pos.QtyRemaining * bid
	}
	return v
}

// finish computes the summary metrics from the trades and equity curve.
func (res *Result) finish() {
	for _, t := range res.Trades {
		res.FeesUsd += t.FeesUsd
		if t.PnlUsd > 0 {
			res.WinningTrades++
			res.GrossProfit += t.PnlUsd
		} else {
			res.LosingTrades++
			res.GrossLoss += -t.PnlUsd
		}
	}
	if n := len(res.Trades); n > 0 {
		res.WinRate = float64(res.WinningTrades) / float64(n) * 100
	}
	res.NetProfit = res.FinalEquity - res.InitialBalance
	if res.InitialBalance > 0 {
		res.ROI = res.NetProfit / res.InitialBalance * 100
	}
	if res.GrossLoss > 0 {
		res.ProfitFactor = res.GrossProfit / res.GrossLoss
	}
	res.MaxDrawdownPct = maxDrawdownPct(res.InitialBalance, res.EquityCurve)
	res.SharpeRatio = sharpe(res.Trades)
}

// maxDrawdownPct is the largest peak-to-trough fall of the equity curve.
func maxDrawdownPct(initial float64, curve []EquityPoint) float64 {
	peak := initial
	worst := 0.0
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - p.Equity) / peak * 100; dd > worst {
			worst = dd
		}
	}
	return worst
}

// sharpe is the mean over the standard deviation of per-trade returns, with
// a zero risk-free rate.
func sharpe(trades []Trade) float64 {
	if len(trades) < 2 {
		return 0
	}
	mean := 0.0
	for _, t := range trades {
		mean += t.PnlPct
	}
	mean /= float64(len(trades))
	variance := 0.0
	for _, t := range trades {
		d := t.PnlPct - mean
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(len(trades)))
	if sd == 0 {
		return 0
	}
	return mean / sd
}
