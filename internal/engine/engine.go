// Package engine runs the per-pair evaluation loop: regime, signal, filters,
// SMART_GUARD exits and entries, and records every fill in the ledger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"krakenbot/config"
	"krakenbot/internal/analysis"
	"krakenbot/internal/cache"
	"krakenbot/internal/circuit"
	"krakenbot/internal/events"
	"krakenbot/internal/exchange"
	"krakenbot/internal/ledger"
	"krakenbot/internal/logging"
	"krakenbot/internal/metrics"
	"krakenbot/internal/models"
	"krakenbot/internal/notification"
	"krakenbot/internal/regime"
	"krakenbot/internal/risk"
	"krakenbot/internal/scorer"
	"krakenbot/internal/spread"
	"krakenbot/internal/strategy"
)

var (
	// ErrLotNotFound is returned by lot operations on unknown ids.
	ErrLotNotFound = errors.New("lot not found")
	// ErrUnknownExchange is returned when no client is registered for a venue.
	ErrUnknownExchange = errors.New("unknown exchange")
)

// Store is the persistence the engine needs.
type Store interface {
	ledger.TradeStore
	ledger.PositionStore
	regime.StateStore
}

// Deps are the collaborators of an Engine. Config, Client and Store are
// required; the rest fall back to no-op or in-memory implementations.
type Deps struct {
	Config *config.Config
	Client exchange.Client
	// Venues are extra clients that can be reconciled; Client is added under its name.
	Venues   map[string]exchange.Client
	Store    Store
	Cache    cache.Cache
	Scorer   scorer.Scorer
	Bus      events.Publisher
	Notifier *notification.Manager
	Metrics  *metrics.Recorder
}

// Engine owns all mutable trading state. It is safe for concurrent use.
type Engine struct {
	cfg        *config.Config
	client     exchange.Client
	venues     map[string]exchange.Client
	store      Store
	strategy   strategy.Strategy
	regimes    *regime.Manager
	mtf        *analysis.Analyzer
	spread     *spread.Filter
	guard      *risk.Guard
	breaker    *circuit.Breaker
	ledger     *ledger.Ledger
	reconciler *ledger.Reconciler
	scorer     scorer.Scorer
	bus        events.Publisher
	notifier   *notification.Manager
	metrics    *metrics.Recorder
	book       *Book
	logger     *logging.Logger

	now      func() time.Time
	newLotID func() string

	mu        sync.RWMutex
	last      map[string]*PairEvaluation
	pairLocks *keyedLocks
}

// New wires an engine from its dependencies.
func New(d Deps) (*Engine, error) {
	if d.Config == nil || d.Client == nil || d.Store == nil {
		return nil, fmt.Errorf("engine: config, client and store are required")
	}
	cfg := d.Config

	strat, err := strategy.New(cfg.Engine.Strategy)
	if err != nil {
		return nil, err
	}
	if d.Cache == nil {
		d.Cache = cache.NewMemoryCache()
	}
	if d.Scorer == nil {
		d.Scorer = scorer.Neutral{}
	}
	if d.Bus == nil {
		d.Bus = events.Nop{}
	}

	venues := make(map[string]exchange.Client, len(d.Venues)+1)
	for name, c := range d.Venues {
		venues[strings.ToLower(name)] = c
	}
	venues[strings.ToLower(d.Client.Name())] = d.Client

	regimes := regime.NewManager(regime.Config{
		ConfirmScans:   cfg.Regime.ConfirmScans,
		MinHold:        cfg.Regime.MinHold,
		ADXHardExit:    cfg.Regime.ADXHardExit,
		NotifyCooldown: cfg.Regime.NotifyCooldown,
		CacheTTL:       cfg.Regime.CacheTTL,
	}, d.Store, d.Cache)

	tm := analysis.NewTimeframeManager(d.Client, d.Cache, cfg.MTF.CacheTTL, cfg.MTF.Candles)

	e := &Engine{
		cfg:        cfg,
		client:     d.Client,
		venues:     venues,
		store:      d.Store,
		strategy:   strat,
		regimes:    regimes,
		mtf:        analysis.NewAnalyzer(tm),
		spread:     spread.NewFilter(cfg.Spread, cfg.Exchanges),
		guard:      risk.NewGuard(),
		breaker:    circuit.New(cfg.Breaker),
		ledger:     ledger.New(d.Store),
		reconciler: ledger.NewReconciler(d.Store, cfg.Exchanges, cfg.Engine.QuoteAsset),
		scorer:     d.Scorer,
		bus:        d.Bus,
		notifier:   d.Notifier,
		metrics:    d.Metrics,
		book:       NewBook(),
		logger:     logging.WithComponent("engine"),
		now:        time.Now,
		newLotID:   uuid.NewString,
		last:       make(map[string]*PairEvaluation),
		pairLocks:  newKeyedLocks(),
	}
	e.breaker.OnTrip(e.onBreakerTrip)
	e.breaker.OnReset(func() {
		e.logger.Info("Circuit breaker closed, entries resumed")
		e.publish(events.EventCircuitBreaker, "", map[string]interface{}{"state": string(circuit.StateClosed)})
	})
	return e, nil
}

// SetClock replaces the time source of the engine and its state machines.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.regimes.SetClock(now)
	e.spread.SetClock(now)
	e.guard.SetClock(now)
	e.breaker.SetClock(now)
}

func (e *Engine) onBreakerTrip(reason string, s circuit.Stats) {
	e.logger.Warn("Circuit breaker tripped, entries halted", "reason", reason, "consecutive_losses", s.ConsecutiveLosses, "daily_loss_pct", s.DailyLossPct)
	e.metrics.RecordError("circuit_breaker")
	e.publish(events.EventCircuitBreaker, "", map[string]interface{}{
		"state":              string(s.State),
		"reason":             reason,
		"consecutive_losses": s.ConsecutiveLosses,
		"hourly_loss_pct":    s.HourlyLossPct,
		"daily_loss_pct":     s.DailyLossPct,
	})
	e.notifier.Error("Circuit breaker tripped", fmt.Sprintf("New entries halted for %s: %s", e.cfg.Breaker.Cooldown, reason))
}

// BreakerStats reports the entry circuit breaker.
func (e *Engine) BreakerStats() circuit.Stats {
	return e.breaker.Stats()
}

// ResetBreaker closes the entry circuit breaker and clears its loss counters.
func (e *Engine) ResetBreaker() circuit.Stats {
	e.breaker.ForceReset()
	e.logger.Info("Circuit breaker reset manually")
	return e.breaker.Stats()
}

// Book exposes the in-memory lots.
func (e *Engine) Book() *Book {
	return e.book
}

// Ledger exposes the trade ledger.
func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

// Exchange is the name of the primary venue.
func (e *Engine) Exchange() string {
	return strings.ToLower(e.client.Name())
}

// Pairs returns the configured pairs.
func (e *Engine) Pairs() []string {
	return append([]string(nil), e.cfg.Engine.Pairs...)
}

func (e *Engine) lockPair(pair string) func() {
	return e.pairLocks.Lock(pair)
}

func (e *Engine) publish(t events.EventType, pair string, data map[string]interface{}) {
	e.bus.Publish(events.Event{Type: t, Pair: pair, Timestamp: e.now().UTC(), Data: data})
}

// Restore loads open lots from the store into the book. Quantities outside
// [0, amount] are clamped and written back.
func (e *Engine) Restore(ctx context.Context) error {
	lots, err := e.store.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	for _, p := range lots {
		if p.ClampQty() {
			e.logger.Warn("Clamped restored lot quantity", "lot_id", p.LotID, "qty_remaining", p.QtyRemaining, "amount", p.Amount)
			if err := e.store.SavePosition(ctx, p); err != nil {
				e.logger.Error("Failed to persist clamped lot", "lot_id", p.LotID, "error", err)
				e.book.upsertDirty(p)
				continue
			}
		}
		e.book.Upsert(p)
	}
	e.logger.Info("Restored open positions", "count", len(lots))
	e.recordOpenLots()
	return nil
}

// Run evaluates every pair once per interval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.Engine.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	e.logger.Info("Engine started",
		"exchange", e.Exchange(),
		"pairs", strings.Join(e.cfg.Engine.Pairs, ","),
		"strategy", e.strategy.Name(),
		"interval", interval.String(),
		"dry_run", e.cfg.Engine.DryRun,
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Engine stopped")
			return ctx.Err()
		case <-ticker.C:
			e.RunCycle(ctx)
		}
	}
}

// RunCycle evaluates all pairs concurrently, bounded by engine.max_concurrent.
// A failing or panicking pair never stops the others.
func (e *Engine) RunCycle(ctx context.Context) {
	limit := e.cfg.Engine.MaxConcurrent
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	ctx, cycleLog := logging.WithTraceContext(ctx)
	cycleLog = cycleLog.WithComponent("engine")

	for _, pair := range e.cfg.Engine.Pairs {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(pair string) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					cycleLog.Error("Pair evaluation panicked", "pair", pair, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
					e.metrics.RecordError("panic")
				}
			}()

			pctx := ctx
			if e.cfg.Engine.PairTimeout > 0 {
				var cancel context.CancelFunc
				pctx, cancel = context.WithTimeout(ctx, e.cfg.Engine.PairTimeout)
				defer cancel()
			}
			if _, err := e.EvaluatePair(pctx, pair); err != nil {
				cycleLog.Error("Pair evaluation aborted", "pair", pair, "error", err)
				e.metrics.RecordError("evaluate")
				e.publish(events.EventError, pair, map[string]interface{}{
					"source":   "engine",
					"error":    err.Error(),
					"trace_id": logging.TraceIDFromContext(pctx),
				})
			}
		}(pair)
	}
	wg.Wait()
	e.recordOpenLots()
}

func (e *Engine) recordOpenLots() {
	counts := e.book.CountByExchange()
	if _, ok := counts[e.Exchange()]; !ok {
		counts[e.Exchange()] = 0
	}
	for ex, n := range counts {
		e.metrics.SetOpenLots(ex, n)
	}
}

// LastEvaluation returns the most recent evaluation of pair.
func (e *Engine) LastEvaluation(pair string) (*PairEvaluation, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ev, ok := e.last[strings.ToUpper(pair)]
	return ev, ok
}

func (e *Engine) storeEvaluation(ev *PairEvaluation) {
	e.mu.Lock()
	e.last[strings.ToUpper(ev.Pair)] = ev
	e.mu.Unlock()
}

// RegimeState returns the persisted regime state of pair.
func (e *Engine) RegimeState(ctx context.Context, pair string) (*models.RegimeState, error) {
	return e.regimes.State(ctx, pair)
}

// OpenPositions returns a snapshot of every open lot, oldest first.
func (e *Engine) OpenPositions() []*models.Position {
	return e.book.All()
}
