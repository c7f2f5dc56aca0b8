package engine

import (
	"context"
	"fmt"

	"krakenbot/internal/events"
	"krakenbot/internal/exchange"
	"krakenbot/internal/logging"
	"krakenbot/internal/models"
	"krakenbot/internal/risk"
)

// Manual exit reasons.
const (
	ReasonManual     = "MANUAL"
	ReasonManualDust = "MANUAL_DUST"
)

// evaluateExit runs SMART_GUARD on one lot at the bid and executes what it
// decides. The lot lock is held for the whole decision so an admin close
// cannot sell the same quantity twice.
func (e *Engine) evaluateExit(ctx context.Context, lotID string, ticker models.Ticker, atrPct float64) ExitResult {
	unlock := e.book.LockLot(lotID)
	defer unlock()

	pos := e.book.Get(lotID)
	if pos == nil {
		return ExitResult{Decision: risk.Decision{LotID: lotID, Action: risk.ActionNone}}
	}
	dirty := e.book.isDirty(lotID)
	log := logging.LotContext(lotID, pos.Pair)

	d := e.guard.Evaluate(pos, ticker.Bid, atrPct)
	out := ExitResult{Decision: d}

	if d.Action == risk.ActionNone {
		if d.Changed || dirty {
			e.persistLot(ctx, pos)
		}
		if len(d.Events) > 0 {
			e.publishLotUpdate(pos, d)
		}
		return out
	}

	fill, err := e.sell(ctx, e.client, pos, d.SellQty, ticker)
	if err != nil {
		log.Error("Exit order failed", "action", string(d.Action), "reason", d.Reason, "qty", d.SellQty, "error", err)
		e.metrics.RecordError("exit_order")
		out.Error = err.Error()
		if d.Changed || dirty {
			e.persistLot(ctx, pos)
		}
		return out
	}

	out.Executed = true
	out.FillQty = fill.FillQty
	out.FillPx = fill.FillPrice
	out.PnlUsd = realizedPnL(pos, fill)

	entry := pos.EntryPrice
	e.breaker.RecordExit(pnlPct(entry, fill.FillPrice))
	var done bool
	if d.Action == risk.ActionScaleOut {
		risk.ApplyScaleOut(pos, fill.FillQty)
		done = pos.QtyRemaining <= 1e-12
	} else {
		done = risk.ApplySell(pos, fill.FillQty)
	}

	if done {
		e.closeLot(ctx, pos, d.Reason, entry, fill.FillPrice, out.PnlUsd)
	} else {
		e.persistLot(ctx, pos)
		e.publishLotUpdate(pos, d)
		e.notifier.PositionClosed(pos.Pair, entry, fill.FillPrice, out.PnlUsd, pnlPct(entry, fill.FillPrice), d.Reason)
		e.metrics.RecordExit(d.Reason)
	}
	log.Info("Exit executed",
		"action", string(d.Action),
		"reason", d.Reason,
		"qty", fill.FillQty,
		"price", fill.FillPrice,
		"pnl_usd", out.PnlUsd,
		"remaining", pos.QtyRemaining,
	)
	e.recalculate(ctx, pos.Exchange, pos.Pair)
	return out
}

// sell places a market sell for a lot and records the fill.
func (e *Engine) sell(ctx context.Context, c exchange.Client, pos *models.Position, qty float64, ticker models.Ticker) (*models.OrderResult, error) {
	if qty > pos.QtyRemaining {
		qty = pos.QtyRemaining
	}
	res, err := c.PlaceOrder(ctx, exchange.OrderRequest{Pair: pos.Pair, Side: models.SideSell, Qty: qty})
	if err != nil {
		return nil, err
	}
	e.spread.ObserveFill(pos.Exchange, models.SideSell, res.FillPrice, ticker)

	executedAt := res.FilledAt
	if executedAt.IsZero() {
		executedAt = e.now().UTC()
	}
	e.recordFill(ctx, models.Fill{
		Exchange:   pos.Exchange,
		Pair:       pos.Pair,
		Type:       models.SideSell,
		Price:      res.FillPrice,
		Amount:     res.FillQty,
		Fee:        res.Fee,
		ExecutedAt: executedAt,
		OrderID:    res.OrderID,
		FillID:     res.FillID,
		Source:     models.SourceBot,
		LotID:      pos.LotID,
	})
	return res, nil
}

// realizedPnL is the net result of a sell against the lot, with the entry
// fee prorated over the sold quantity.
func realizedPnL(pos *models.Position, fill *models.OrderResult) float64 {
	entryFee := 0.0
	if pos.Amount > 0 {
		entryFee = pos.EntryFee * fill.FillQty / pos.Amount
	}
	return (fill.FillPrice-pos.EntryPrice)*fill.FillQty - fill.Fee - entryFee
}

func pnlPct(entry, exit float64) float64 {
	if entry <= 0 {
		return 0
	}
	return (exit - entry) / entry * 100
}

// persistLot writes pos to the store, then to the book. A failed write keeps
// the change in memory flagged dirty so the next evaluation retries it.
func (e *Engine) persistLot(ctx context.Context, pos *models.Position) {
	pos.UpdatedAt = e.now().UTC()
	if err := e.store.SavePosition(ctx, pos); err != nil {
		logging.LotContext(pos.LotID, pos.Pair).Error("Failed to persist lot", "error", err)
		e.metrics.RecordError("store")
		e.book.upsertDirty(pos)
		return
	}
	e.book.Upsert(pos)
}

// closeLot removes a finished lot. When the delete fails the row is zeroed
// instead, so a restart cannot resurrect the quantity.
func (e *Engine) closeLot(ctx context.Context, pos *models.Position, reason string, entry, exit, pnl float64) {
	log := logging.LotContext(pos.LotID, pos.Pair)
	if err := e.store.DeletePosition(ctx, pos.LotID); err != nil {
		log.Error("Failed to delete closed lot", "error", err)
		e.metrics.RecordError("store")
		pos.QtyRemaining = 0
		pos.UpdatedAt = e.now().UTC()
		if err := e.store.SavePosition(ctx, pos); err != nil {
			log.Error("Failed to zero closed lot", "error", err)
		}
	}
	e.book.Remove(pos.LotID)

	pct := pnlPct(entry, exit)
	e.publish(events.EventPositionClosed, pos.Pair, map[string]interface{}{
		"lot_id":      pos.LotID,
		"reason":      reason,
		"entry_price": entry,
		"exit_price":  exit,
		"pnl_usd":     pnl,
		"pnl_pct":     pct,
	})
	e.notifier.PositionClosed(pos.Pair, entry, exit, pnl, pct, reason)
	e.metrics.RecordExit(reason)
}

func (e *Engine) publishLotUpdate(pos *models.Position, d risk.Decision) {
	e.publish(events.EventPositionUpdated, pos.Pair, map[string]interface{}{
		"lot_id":        pos.LotID,
		"state":         string(risk.StateOf(pos)),
		"stop_price":    pos.SgCurrentStopPrice,
		"qty_remaining": pos.QtyRemaining,
		"events":        d.Events,
	})
}

func (e *Engine) recalculate(ctx context.Context, exchangeName, pair string) {
	if _, err := e.ledger.RecalculatePnL(ctx, exchangeName, pair); err != nil {
		logging.PairContext(pair, exchangeName).Error("Failed to recalculate realized PnL", "error", err)
		e.metrics.RecordError("ledger")
	}
}

// ManualCloseResult is returned by ManualClose.
type ManualCloseResult struct {
	Success bool    `json:"success"`
	LotID   string  `json:"lot_id"`
	Pair    string  `json:"pair"`
	IsDust  bool    `json:"is_dust"`
	Qty     float64 `json:"qty"`
	Price   float64 `json:"price"`
	PnlUsd  float64 `json:"pnl_usd"`
	Reason  string  `json:"reason"`
}

// ManualClose sells the remaining quantity of a lot at market. A lot worth
// less than the venue minimum order cannot be sold and is dropped as dust.
func (e *Engine) ManualClose(ctx context.Context, lotID string) (ManualCloseResult, error) {
	unlock := e.book.LockLot(lotID)
	defer unlock()

	pos := e.book.Get(lotID)
	if pos == nil {
		return ManualCloseResult{}, fmt.Errorf("%w: %s", ErrLotNotFound, lotID)
	}
	out := ManualCloseResult{LotID: lotID, Pair: pos.Pair, Qty: pos.QtyRemaining}

	c, ok := e.venue(pos.Exchange)
	if !ok {
		return out, fmt.Errorf("%w: %s", ErrUnknownExchange, pos.Exchange)
	}
	ticker, err := exchange.ValidTicker(ctx, c, pos.Pair)
	if err != nil {
		return out, fmt.Errorf("manual close %s: %w", lotID, err)
	}
	out.Price = ticker.Bid

	log := logging.LotContext(lotID, pos.Pair)
	if pos.QtyRemaining*ticker.Bid < e.cfg.Exchange(pos.Exchange).MinOrderUsd {
		out.IsDust = true
		out.Success = true
		out.Reason = ReasonManualDust
		e.closeLot(ctx, pos, ReasonManualDust, pos.EntryPrice, ticker.Bid, 0)
		log.Info("Dust lot removed without order", "qty", pos.QtyRemaining, "value_usd", pos.QtyRemaining*ticker.Bid)
		return out, nil
	}

	fill, err := e.sell(ctx, c, pos, pos.QtyRemaining, ticker)
	if err != nil {
		e.metrics.RecordError("exit_order")
		return out, fmt.Errorf("manual close %s: %w", lotID, err)
	}
	entry := pos.EntryPrice
	out.Success = true
	out.Reason = ReasonManual
	out.Qty = fill.FillQty
	out.Price = fill.FillPrice
	out.PnlUsd = realizedPnL(pos, fill)
	e.breaker.RecordExit(pnlPct(entry, fill.FillPrice))

	if risk.ApplySell(pos, fill.FillQty) {
		e.closeLot(ctx, pos, ReasonManual, entry, fill.FillPrice, out.PnlUsd)
	} else {
		e.persistLot(ctx, pos)
	}
	e.recalculate(ctx, pos.Exchange, pos.Pair)
	log.Info("Lot closed manually", "qty", fill.FillQty, "price", fill.FillPrice, "pnl_usd", out.PnlUsd)
	return out, nil
}

// SetTimeStopDisabled toggles the time stop of one lot.
func (e *Engine) SetTimeStopDisabled(ctx context.Context, lotID string, disabled bool) (*models.Position, error) {
	unlock := e.book.LockLot(lotID)
	defer unlock()

	pos := e.book.Get(lotID)
	if pos == nil {
		return nil, fmt.Errorf("%w: %s", ErrLotNotFound, lotID)
	}
	pos.TimeStopDisabled = disabled
	pos.UpdatedAt = e.now().UTC()
	if err := e.store.SavePosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("save lot %s: %w", lotID, err)
	}
	e.book.Upsert(pos)
	e.publish(events.EventPositionUpdated, pos.Pair, map[string]interface{}{
		"lot_id":             lotID,
		"time_stop_disabled": disabled,
	})
	return pos, nil
}
