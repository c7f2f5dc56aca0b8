package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"krakenbot/internal/analysis"
	"krakenbot/internal/events"
	"krakenbot/internal/exchange"
	"krakenbot/internal/indicators"
	"krakenbot/internal/logging"
	"krakenbot/internal/models"
	"krakenbot/internal/regime"
	"krakenbot/internal/risk"
	"krakenbot/internal/scorer"
	"krakenbot/internal/spread"
	"krakenbot/internal/strategy"
)

// Entry block codes reported in PairEvaluation.Blocked.
const (
	BlockNoSignal         = "NO_BUY_SIGNAL"
	BlockTallyUnconfirmed = "TALLY_UNCONFIRMED"
	BlockMaxLots          = "MAX_LOTS_PER_PAIR"
	BlockBreaker          = "CIRCUIT_BREAKER"
	BlockMTFFiltered      = "MTF_FILTERED"
	BlockMTFUnavailable   = "MTF_UNAVAILABLE"
	BlockMissingData      = spread.CodeMissingData
	BlockSpread           = spread.CodeReject
	BlockScore            = "ML_SCORE"
	BlockBalance          = "BALANCE_UNAVAILABLE"
	BlockOrderFailed      = "ORDER_FAILED"
)

// atrPeriod is the ATR window used for ATR-derived stops.
const atrPeriod = 14

var knownRegimes = []string{string(models.RegimeTrend), string(models.RegimeRange), string(models.RegimeTransition)}

// EntryResult describes a lot opened this cycle.
type EntryResult struct {
	LotID    string  `json:"lot_id"`
	OrderID  string  `json:"order_id"`
	Price    float64 `json:"price"`
	Qty      float64 `json:"qty"`
	OrderUsd float64 `json:"order_usd"`
	Fee      float64 `json:"fee"`
}

// ExitResult is one SMART_GUARD decision and what came of it.
type ExitResult struct {
	risk.Decision
	Executed bool    `json:"executed"`
	FillQty  float64 `json:"fill_qty,omitempty"`
	FillPx   float64 `json:"fill_price,omitempty"`
	PnlUsd   float64 `json:"pnl_usd,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// PairEvaluation is everything one cycle decided for a pair.
type PairEvaluation struct {
	Pair     string        `json:"pair"`
	Exchange string        `json:"exchange"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`

	Ticker      models.Ticker `json:"ticker"`
	TickerValid bool          `json:"ticker_valid"`

	Regime         models.Regime    `json:"regime"`
	RegimeAnalysis *regime.Analysis `json:"regime_analysis,omitempty"`
	RegimeChange   *regime.Change   `json:"regime_change,omitempty"`

	RawSignal models.Signal           `json:"raw_signal"`
	Signal    models.Signal           `json:"signal"`
	Trend     *analysis.TrendAnalysis `json:"trend,omitempty"`
	MTF       *analysis.FilterResult  `json:"mtf,omitempty"`
	Spread    *spread.Decision        `json:"spread,omitempty"`
	Score     *float64                `json:"score,omitempty"`
	Sizing    *risk.SizingDecision    `json:"sizing,omitempty"`
	Exits     []ExitResult            `json:"exits,omitempty"`
	Entry     *EntryResult            `json:"entry,omitempty"`
	Blocked   string                  `json:"blocked,omitempty"`
	Errors    []string                `json:"errors,omitempty"`
}

func (ev *PairEvaluation) addError(err error) {
	ev.Errors = append(ev.Errors, err.Error())
}

// EvaluatePair runs one cycle for pair: regime update, exits for every open
// lot of the pair, then the entry decision. Market data failures abort the
// cycle for this pair and are returned.
func (e *Engine) EvaluatePair(ctx context.Context, pair string) (*PairEvaluation, error) {
	pair = strings.ToUpper(strings.TrimSpace(pair))
	unlock := e.lockPair(pair)
	defer unlock()

	start := e.now()
	ev := &PairEvaluation{Pair: pair, Exchange: e.Exchange(), At: start.UTC()}
	log := logging.PairContext(pair, ev.Exchange)

	candles, err := e.client.GetOHLC(ctx, pair, e.cfg.Engine.OHLCInterval)
	if err != nil {
		return nil, fmt.Errorf("fetch candles: %w", err)
	}
	ticker, err := exchange.ValidTicker(ctx, e.client, pair)
	switch {
	case err == nil:
		ev.TickerValid = true
	case errors.Is(err, exchange.ErrInvalidTicker):
		log.Warn("Invalid ticker, entries and exits blocked this cycle", "bid", ticker.Bid, "ask", ticker.Ask)
		ev.addError(err)
	default:
		return nil, fmt.Errorf("fetch ticker: %w", err)
	}
	ev.Ticker = ticker
	if ev.TickerValid {
		if raw, ok := spread.RawSpreadPct(ticker); ok {
			e.metrics.SetSpread(pair, raw)
		}
	}

	ev.Regime = e.updateRegime(ctx, pair, candles, ev, log)

	if ev.TickerValid {
		atrPct := indicators.ATRPercent(candles, atrPeriod, ticker.Bid)
		for _, lot := range e.book.ByPair(ev.Exchange, pair) {
			ev.Exits = append(ev.Exits, e.evaluateExit(ctx, lot.LotID, ticker, atrPct))
		}
	}

	e.evaluateEntry(ctx, pair, candles, ticker, ev, log)

	ev.Duration = e.now().Sub(start)
	e.storeEvaluation(ev)
	e.metrics.RecordEvaluation(pair, string(ev.Signal.Action), ev.Duration)
	e.publish(events.EventSignal, pair, map[string]interface{}{
		"action":     string(ev.Signal.Action),
		"strategy":   ev.Signal.Strategy,
		"confidence": ev.Signal.Confidence,
		"reason":     ev.Signal.Reason,
		"regime":     string(ev.Regime),
		"blocked":    ev.Blocked,
	})
	return ev, nil
}

// updateRegime advances the regime state machine. A store failure keeps the
// last confirmed regime in memory and is reported, not fatal.
func (e *Engine) updateRegime(ctx context.Context, pair string, candles []models.Candle, ev *PairEvaluation, log *logging.Logger) models.Regime {
	if !e.cfg.Regime.Enabled {
		return models.RegimeTransition
	}
	res, err := e.regimes.Update(ctx, pair, candles)
	if err != nil {
		log.Warn("Regime update failed, keeping last confirmed regime", "error", err)
		ev.addError(err)
		return e.regimes.Current(pair)
	}
	a := res.Analysis
	ev.RegimeAnalysis = &a
	current := res.State.CurrentRegime
	if !current.Valid() {
		log.Warn("Regime state missing, falling back to TRANSITION", "state", string(current))
		current = models.RegimeTransition
	}
	e.metrics.SetRegime(pair, string(current), knownRegimes)

	if c := res.Change; c != nil {
		ev.RegimeChange = c
		e.publish(events.EventRegimeChanged, pair, map[string]interface{}{
			"from":      string(c.From),
			"to":        string(c.To),
			"adx":       c.ADX,
			"hard_exit": c.HardExit,
			"reason":    c.Reason,
		})
		if c.Notify {
			e.notifier.RegimeChange(pair, string(c.From), string(c.To), c.ADX, c.ParamsHash)
		}
	}
	return current
}

// evaluateEntry produces the signal and, for a confirmed BUY that passes
// every gate, opens a lot.
func (e *Engine) evaluateEntry(ctx context.Context, pair string, candles []models.Candle, ticker models.Ticker, ev *PairEvaluation, log *logging.Logger) {
	in := strategy.Input{
		Pair:          pair,
		Candles:       candles,
		Regime:        ev.Regime,
		RegimeRouting: e.cfg.Regime.Enabled && e.cfg.Regime.RouterEnabled,
	}
	if ev.TickerValid {
		in.Price = ticker.Last
	}
	if n, ok := e.cfg.Regime.MinSignalsOverrides[pair]; ok {
		in.MinSignalsOverride = &n
	}
	sig := e.strategy.Evaluate(in)
	ev.RawSignal = sig
	ev.Signal = sig

	if !ev.TickerValid {
		ev.Blocked = BlockMissingData
		return
	}

	if !sig.IsHold() && e.cfg.MTF.Enabled {
		trend, err := e.mtf.Analyze(ctx, pair)
		if err != nil {
			log.Warn("MTF analysis unavailable", "error", err)
			ev.addError(err)
			if sig.Action == models.ActionBuy {
				ev.Blocked = BlockMTFUnavailable
				return
			}
		} else {
			ev.Trend = trend
			fr := analysis.FilterSignal(sig, trend, ev.Regime)
			ev.MTF = &fr
			ev.Signal = fr.Signal
			if fr.Filtered && sig.Action == models.ActionBuy {
				log.Info("Signal vetoed by MTF filter", "reason", fr.Reason)
				ev.Blocked = BlockMTFFiltered
				return
			}
		}
	}

	if ev.Signal.Action != models.ActionBuy {
		// Exits belong to SMART_GUARD; SELL signals are informational.
		ev.Blocked = BlockNoSignal
		return
	}

	if !strategy.ConfirmedBuy(ev.Signal.Reason, ev.Signal.MinSignalsRequired) {
		log.Warn("BUY without a confirming tally, entry blocked", "reason", ev.Signal.Reason, "min", ev.Signal.MinSignalsRequired)
		ev.Blocked = BlockTallyUnconfirmed
		return
	}

	if n := len(e.book.ByPair(ev.Exchange, pair)); n >= e.cfg.Engine.MaxLotsPerPair {
		ev.Blocked = BlockMaxLots
		return
	}

	if ok, reason := e.breaker.CanEnter(); !ok {
		log.Info("Entry blocked by circuit breaker", "reason", reason)
		ev.Blocked = BlockBreaker
		return
	}

	d := e.spread.Check(pair, ev.Exchange, models.ActionBuy, ticker, ev.Regime)
	ev.Spread = &d
	if !d.Allowed {
		ev.Blocked = d.Code
		if d.Code == spread.CodeReject {
			e.metrics.RecordSpreadRejection(pair, string(ev.Regime))
			e.publish(events.EventSpreadRejected, pair, map[string]interface{}{
				"effective_spread_pct": d.EffectiveSpreadPct,
				"threshold_pct":        d.ThresholdPct,
				"regime":               string(ev.Regime),
			})
			if d.Alert {
				e.notifier.SpreadAlert(pair, d.EffectiveSpreadPct, d.ThresholdPct, string(ev.Regime))
			}
		}
		return
	}

	if e.cfg.Scorer.Enabled {
		f := scorer.BuildFeatures(candles, d.RawSpreadPct, ev.Signal.Confidence*100)
		score, err := e.scorer.Score(ctx, f)
		if err != nil {
			log.Warn("Scorer failed, neutral score used", "error", err)
		}
		ev.Score = &score
		if score < e.cfg.Scorer.MinScore {
			log.Info("Entry blocked by ML score", "score", score, "min_score", e.cfg.Scorer.MinScore)
			ev.Blocked = BlockScore
			return
		}
	}

	venue := e.cfg.Exchange(ev.Exchange)
	snapshot := risk.Snapshot(e.cfg.SmartGuard, e.override(pair), ev.Regime, e.cfg.Regime.Enabled && e.cfg.Regime.RouterEnabled, venue.TakerFeePct)
	balances, err := e.client.GetBalance(ctx)
	if err != nil {
		log.Error("Balance fetch failed, entry blocked", "error", err)
		ev.addError(err)
		ev.Blocked = BlockBalance
		return
	}
	sizing := risk.Size(risk.SizingInput{
		AvailableUsd:        balances[strings.ToUpper(e.cfg.Engine.QuoteAsset)] - e.cfg.Engine.ReserveUsd,
		ExchangeMinOrderUsd: venue.MinOrderUsd,
		Config:              snapshot,
	})
	ev.Sizing = &sizing
	if !sizing.Allowed {
		log.Info("Entry blocked by sizing", "decision", sizing.String())
		ev.Blocked = sizing.Reason
		return
	}

	entry, err := e.openLot(ctx, pair, ticker, sizing.OrderUsd, snapshot, ev.Regime)
	if err != nil {
		log.Error("Entry order failed", "error", err)
		ev.addError(err)
		ev.Blocked = BlockOrderFailed
		return
	}
	e.breaker.RecordEntry()
	ev.Entry = entry
}

func (e *Engine) override(pair string) *models.SmartGuardOverride {
	if o, ok := e.cfg.PairOverrides[pair]; ok {
		return &o
	}
	return nil
}

// openLot places the BUY and records the new lot. The lot is kept in memory
// even when the store rejects it, flagged dirty, because the venue position
// exists either way; the next exit evaluation retries the write.
func (e *Engine) openLot(ctx context.Context, pair string, ticker models.Ticker, orderUsd float64, snapshot models.SmartGuardConfig, r models.Regime) (*EntryResult, error) {
	res, err := e.client.PlaceOrder(ctx, exchange.OrderRequest{Pair: pair, Side: models.SideBuy, QuoteUsd: orderUsd})
	if err != nil {
		return nil, err
	}
	exName := e.Exchange()
	e.spread.ObserveFill(exName, models.SideBuy, res.FillPrice, ticker)

	now := e.now().UTC()
	openedAt := res.FilledAt
	if openedAt.IsZero() {
		openedAt = now
	}
	snap := snapshot
	lot := &models.Position{
		LotID:          e.newLotID(),
		Pair:           pair,
		Exchange:       exName,
		EntryPrice:     res.FillPrice,
		Amount:         res.FillQty,
		QtyRemaining:   res.FillQty,
		HighestPrice:   res.FillPrice,
		EntryFee:       res.Fee,
		EntryOrderID:   res.OrderID,
		EntryRegime:    r,
		ConfigSnapshot: &snap,
		OpenedAt:       openedAt,
		UpdatedAt:      now,
	}

	unlock := e.book.LockLot(lot.LotID)
	if err := e.store.SavePosition(ctx, lot); err != nil {
		logging.LotContext(lot.LotID, pair).Error("Failed to persist new lot, tracking in memory", "error", err)
		e.book.upsertDirty(lot)
	} else {
		e.book.Upsert(lot)
	}
	unlock()

	e.recordFill(ctx, models.Fill{
		Exchange:   exName,
		Pair:       pair,
		Type:       models.SideBuy,
		Price:      res.FillPrice,
		Amount:     res.FillQty,
		Fee:        res.Fee,
		ExecutedAt: openedAt,
		OrderID:    res.OrderID,
		FillID:     res.FillID,
		Source:     models.SourceBot,
		LotID:      lot.LotID,
	})

	e.publish(events.EventPositionOpened, pair, map[string]interface{}{
		"lot_id":    lot.LotID,
		"price":     lot.EntryPrice,
		"qty":       lot.Amount,
		"order_usd": orderUsd,
		"regime":    string(r),
	})
	e.notifier.PositionOpened(pair, lot.LotID, lot.EntryPrice, lot.Amount)
	logging.LotContext(lot.LotID, pair).Info("Lot opened",
		"price", lot.EntryPrice,
		"qty", lot.Amount,
		"order_usd", orderUsd,
		"fee", lot.EntryFee,
		"regime", string(r),
	)

	return &EntryResult{
		LotID:    lot.LotID,
		OrderID:  res.OrderID,
		Price:    res.FillPrice,
		Qty:      res.FillQty,
		OrderUsd: orderUsd,
		Fee:      res.Fee,
	}, nil
}

// recordFill ingests a bot fill. Ledger failures are logged; the trade sync
// picks the fill up again from the venue history.
func (e *Engine) recordFill(ctx context.Context, f models.Fill) {
	if _, err := e.Ingest(ctx, f); err != nil {
		logging.TradeContext(f.Exchange, f.Pair, string(f.Type), f.Amount, f.Price).Error("Failed to record fill", "error", err)
	}
}
