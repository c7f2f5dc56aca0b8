package engine

import (
	"context"
	"fmt"
	"strings"

	"krakenbot/internal/database"
	"krakenbot/internal/events"
	"krakenbot/internal/exchange"
	"krakenbot/internal/ledger"
	"krakenbot/internal/logging"
	"krakenbot/internal/models"
)

var (
	_ Store               = (*database.Repository)(nil)
	_ Store               = (*database.MemoryStore)(nil)
	_ ledger.PositionBook = (*Book)(nil)
)

func (e *Engine) venue(name string) (exchange.Client, bool) {
	c, ok := e.venues[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

// Venues lists the exchanges the engine can reconcile.
func (e *Engine) Venues() []string {
	out := make([]string, 0, len(e.venues))
	for name := range e.venues {
		out = append(out, name)
	}
	return out
}

// Reconcile compares the bot lots of an exchange with its balances. With
// dryRun nothing is written.
func (e *Engine) Reconcile(ctx context.Context, exchangeName string, dryRun, autoClean bool) (ledger.ReconcileResult, error) {
	c, ok := e.venue(exchangeName)
	if !ok {
		return ledger.ReconcileResult{}, fmt.Errorf("%w: %s", ErrUnknownExchange, exchangeName)
	}
	name := strings.ToLower(c.Name())
	log := logging.WithComponent("reconcile").WithFields(map[string]interface{}{"exchange": name})

	balances, err := c.GetBalance(ctx)
	if err != nil {
		e.metrics.RecordError("reconcile")
		return ledger.ReconcileResult{}, fmt.Errorf("fetch balances: %w", err)
	}
	res, err := e.reconciler.Reconcile(ctx, name, balances, dryRun, autoClean, e.book)
	if err != nil {
		e.metrics.RecordError("reconcile")
		return res, err
	}

	for _, item := range res.Results {
		e.metrics.RecordReconcile(item.Action)
	}
	e.recordOpenLots()
	e.publish(events.EventReconciled, "", map[string]interface{}{
		"exchange":   name,
		"dry_run":    dryRun,
		"auto_clean": autoClean,
		"updated":    res.Updated,
		"deleted":    res.Deleted,
		"orphans":    res.Orphans,
	})
	if !dryRun && res.Updated+res.Deleted+res.Orphans > 0 {
		e.notifier.ReconcileSummary(name, res.Deleted, res.Updated, res.Orphans)
	}
	log.Info("Reconcile finished",
		"dry_run", dryRun,
		"auto_clean", autoClean,
		"updated", res.Updated,
		"deleted", res.Deleted,
		"orphans", res.Orphans,
	)
	return res, nil
}

// Ingest records an externally observed fill. A newly inserted webhook or
// manual sell triggers a FIFO recalculation of the pair; bot and sync callers
// recalculate once per batch themselves.
func (e *Engine) Ingest(ctx context.Context, f models.Fill) (ledger.IngestResult, error) {
	res, err := e.ledger.Ingest(ctx, f)
	if err != nil {
		e.metrics.RecordError("ledger")
		return res, err
	}
	e.metrics.RecordIngest(strings.ToLower(f.Exchange), res.Inserted)
	if !res.Inserted {
		return res, nil
	}
	e.publish(events.EventTradeIngested, f.Pair, map[string]interface{}{
		"trade_id": res.TradeID,
		"exchange": f.Exchange,
		"type":     string(f.Type),
		"price":    f.Price,
		"amount":   f.Amount,
		"source":   f.Source,
	})
	if f.Type == models.SideSell && f.Source != models.SourceBot && f.Source != models.SourceSync {
		e.recalculate(ctx, strings.ToLower(f.Exchange), strings.ToUpper(f.Pair))
	}
	return res, nil
}

// RecalculatePnL re-runs FIFO matching for one pair.
func (e *Engine) RecalculatePnL(ctx context.Context, exchangeName, pair string) (ledger.FIFOResult, error) {
	return e.ledger.RecalculatePnL(ctx, strings.ToLower(exchangeName), strings.ToUpper(pair))
}
