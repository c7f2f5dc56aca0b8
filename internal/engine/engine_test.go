package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krakenbot/config"
	"krakenbot/internal/circuit"
	"krakenbot/internal/database"
	"krakenbot/internal/events"
	"krakenbot/internal/exchange"
	"krakenbot/internal/ledger"
	"krakenbot/internal/models"
	"krakenbot/internal/risk"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func candle(i int, open, close float64) models.Candle {
	hi, lo := open, close
	if close > open {
		hi, lo = close, open
	}
	return models.Candle{Time: t0.Add(time.Duration(i-40) * 5 * time.Minute), Open: open, High: hi + 0.1, Low: lo - 0.1, Close: close, Volume: 10}
}

// uptrend closes at 100, 101, ... with green bodies.
func uptrend(n int) []models.Candle {
	out := make([]models.Candle, n)
	for i := range out {
		c := 100 + float64(i)
		out[i] = candle(i, c-0.8, c)
	}
	return out
}

func flat(n int) []models.Candle {
	out := make([]models.Candle, n)
	for i := range out {
		out[i] = candle(i, 100, 100)
	}
	return out
}

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(e events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordingBus) has(t events.EventType, pair string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.events {
		if e.Type == t && (pair == "" || e.Pair == pair) {
			return true
		}
	}
	return false
}

type fixture struct {
	cfg   *config.Config
	eng   *Engine
	venue *exchange.PaperClient
	store *database.MemoryStore
	bus   *recordingBus
	now   time.Time
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Engine.Pairs = []string{"BTC/USD"}
	cfg.Engine.Strategy = "candle-momentum"
	cfg.Regime.Enabled = false
	cfg.MTF.Enabled = false
	for _, m := range mutate {
		m(cfg)
	}

	pc := exchange.DefaultPaperConfig(1000)
	pc.Name = "kraken"
	f := &fixture{
		cfg:   cfg,
		venue: exchange.NewPaperClient(pc),
		store: database.NewMemoryStore(),
		bus:   &recordingBus{},
		now:   t0,
	}
	clock := func() time.Time { return f.now }
	f.venue.SetClock(clock)
	f.venue.SetCandles("BTC/USD", uptrend(40))
	f.venue.SetQuote("BTC/USD", models.Ticker{Bid: 139.93, Ask: 140.07, Last: 140})

	eng, err := New(Deps{Config: cfg, Client: f.venue, Store: f.store, Bus: f.bus})
	require.NoError(t, err)
	eng.SetClock(clock)
	f.eng = eng
	return f
}

// openLot runs one evaluation that must open a lot and returns it.
func (f *fixture) openLot(t *testing.T) *models.Position {
	t.Helper()
	ev, err := f.eng.EvaluatePair(context.Background(), "BTC/USD")
	require.NoError(t, err)
	require.NotNil(t, ev.Entry, "blocked: %s, signal: %s", ev.Blocked, ev.Signal.Reason)
	lot := f.eng.Book().Get(ev.Entry.LotID)
	require.NotNil(t, lot)
	return lot
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)

	cfg := config.Default()
	cfg.Engine.Strategy = "nope"
	_, err = New(Deps{Config: cfg, Client: exchange.NewPaperClient(exchange.DefaultPaperConfig(0)), Store: database.NewMemoryStore()})
	assert.Error(t, err)
}

func TestEvaluatePair_OpensLot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev, err := f.eng.EvaluatePair(ctx, "btc/usd")
	require.NoError(t, err)
	assert.Equal(t, "BTC/USD", ev.Pair)
	assert.Equal(t, models.ActionBuy, ev.Signal.Action, ev.Signal.Reason)
	assert.Equal(t, models.RegimeTransition, ev.Regime)
	require.NotNil(t, ev.Entry, ev.Blocked)
	assert.Empty(t, ev.Blocked)
	assert.InDelta(t, 140.07, ev.Entry.Price, 1e-9)
	assert.InDelta(t, 100/140.07, ev.Entry.Qty, 1e-9)
	assert.InDelta(t, 100.0, ev.Entry.OrderUsd, 1e-9)

	lots := f.eng.OpenPositions()
	require.Len(t, lots, 1)
	lot := lots[0]
	assert.Equal(t, "kraken", lot.Exchange)
	assert.Equal(t, lot.Amount, lot.QtyRemaining)
	require.NotNil(t, lot.ConfigSnapshot)
	assert.Equal(t, f.cfg.SmartGuard.StopLossPct, lot.ConfigSnapshot.StopLossPct)

	stored, err := f.store.GetPosition(ctx, lot.LotID)
	require.NoError(t, err)
	require.NotNil(t, stored)

	trades, err := f.store.ListTrades(ctx, "kraken", "BTC/USD")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.SideBuy, trades[0].Type)
	assert.Equal(t, lot.LotID, trades[0].LotID)
	assert.Equal(t, models.SourceBot, trades[0].Source)

	assert.True(t, f.bus.has(events.EventPositionOpened, "BTC/USD"))
	assert.True(t, f.bus.has(events.EventSignal, "BTC/USD"))

	last, ok := f.eng.LastEvaluation("btc/usd")
	require.True(t, ok)
	assert.Same(t, ev, last)

	// One lot per pair by default.
	ev, err = f.eng.EvaluatePair(ctx, "BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, BlockMaxLots, ev.Blocked)
	require.Len(t, ev.Exits, 1)
	assert.Equal(t, risk.ActionNone, ev.Exits[0].Action)
	assert.Len(t, f.eng.OpenPositions(), 1)
}

func TestEvaluatePair_StopLossClosesLot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lot := f.openLot(t)

	f.now = t0.Add(time.Hour)
	f.venue.SetCandles("BTC/USD", flat(40))
	f.venue.SetQuote("BTC/USD", models.Ticker{Bid: 130, Ask: 130.1, Last: 130.05})

	ev, err := f.eng.EvaluatePair(ctx, "BTC/USD")
	require.NoError(t, err)
	require.Len(t, ev.Exits, 1)
	exit := ev.Exits[0]
	assert.Equal(t, risk.ActionClose, exit.Action)
	assert.Equal(t, risk.ReasonStopLoss, exit.Reason)
	require.True(t, exit.Executed, exit.Error)
	assert.InDelta(t, 130.0, exit.FillPx, 1e-9)
	assert.InDelta(t, lot.Amount, exit.FillQty, 1e-12)

	sellFee := 130 * lot.Amount * 0.0026
	want := (130-lot.EntryPrice)*lot.Amount - sellFee - lot.EntryFee
	assert.InDelta(t, want, exit.PnlUsd, 1e-9)
	assert.Equal(t, BlockNoSignal, ev.Blocked)

	assert.Empty(t, f.eng.OpenPositions())
	stored, err := f.store.GetPosition(ctx, lot.LotID)
	require.NoError(t, err)
	assert.Nil(t, stored)

	trades, err := f.store.ListTrades(ctx, "kraken", "BTC/USD")
	require.NoError(t, err)
	require.Len(t, trades, 2)
	var sell *models.TradeRecord
	for _, tr := range trades {
		if tr.Type == models.SideSell {
			sell = tr
		}
	}
	require.NotNil(t, sell)
	require.NotNil(t, sell.RealizedPnlUsd)
	assert.Negative(t, *sell.RealizedPnlUsd)
	assert.True(t, f.bus.has(events.EventPositionClosed, "BTC/USD"))
}

func TestEvaluatePair_ExitOrderFailureKeepsLot(t *testing.T) {
	f := newFixture(t)
	lot := f.openLot(t)

	f.venue.SetCandles("BTC/USD", flat(40))
	f.venue.SetQuote("BTC/USD", models.Ticker{Bid: 130, Ask: 130.1, Last: 130.05})
	f.venue.SetBalance("BTC", 0)

	ev, err := f.eng.EvaluatePair(context.Background(), "BTC/USD")
	require.NoError(t, err)
	require.Len(t, ev.Exits, 1)
	assert.False(t, ev.Exits[0].Executed)
	assert.NotEmpty(t, ev.Exits[0].Error)

	kept := f.eng.Book().Get(lot.LotID)
	require.NotNil(t, kept)
	assert.Equal(t, lot.Amount, kept.QtyRemaining)
	assert.Positive(t, kept.SgCurrentStopPrice)
}

func TestEvaluatePair_SpreadRejected(t *testing.T) {
	f := newFixture(t)
	f.venue.SetQuote("BTC/USD", models.Ticker{Bid: 139, Ask: 141, Last: 140})

	ev, err := f.eng.EvaluatePair(context.Background(), "BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, BlockSpread, ev.Blocked)
	require.NotNil(t, ev.Spread)
	assert.False(t, ev.Spread.Allowed)
	assert.InDelta(t, 0.5, ev.Spread.ThresholdPct, 1e-9)
	assert.Empty(t, f.eng.OpenPositions())
	assert.True(t, f.bus.has(events.EventSpreadRejected, "BTC/USD"))
}

func TestEvaluatePair_InvalidTicker(t *testing.T) {
	f := newFixture(t)
	f.venue.SetQuote("BTC/USD", models.Ticker{Bid: 0, Ask: 0})

	ev, err := f.eng.EvaluatePair(context.Background(), "BTC/USD")
	require.NoError(t, err)
	assert.False(t, ev.TickerValid)
	assert.NotEmpty(t, ev.Errors)
	assert.Equal(t, BlockMissingData, ev.Blocked)
	assert.Empty(t, f.eng.OpenPositions())
}

func TestEvaluatePair_InvalidTickerBlocksEntryWithSpreadGateOff(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Spread.Enabled = false })
	f.venue.SetQuote("BTC/USD", models.Ticker{Bid: 0, Ask: 0})
	ctx := context.Background()

	ev, err := f.eng.EvaluatePair(ctx, "BTC/USD")
	require.NoError(t, err)
	assert.False(t, ev.TickerValid)
	assert.Equal(t, BlockMissingData, ev.Blocked)
	assert.Nil(t, ev.Entry)
	assert.Empty(t, f.eng.OpenPositions())

	trades, err := f.store.ListTrades(ctx, "kraken", "BTC/USD")
	require.NoError(t, err)
	assert.Empty(t, trades, "no order reaches the venue")
}

func TestEvaluatePair_SnapshotUsesVenueFee(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		kr := c.Exchanges["kraken"]
		kr.TakerFeePct = 0.1
		c.Exchanges["kraken"] = kr
		c.SmartGuard.TakerFeePct = 0.9
	})

	lot := f.openLot(t)
	require.NotNil(t, lot.ConfigSnapshot)
	assert.Equal(t, 0.1, lot.ConfigSnapshot.TakerFeePct)
	assert.InDelta(t, 0.2, lot.ConfigSnapshot.RoundTripFeePct(), 1e-9)
}

func TestEvaluatePair_SizingBlocked(t *testing.T) {
	f := newFixture(t)
	f.venue.SetBalance("USD", 15)

	ev, err := f.eng.EvaluatePair(context.Background(), "BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, risk.SizingMinOrderAbsolute, ev.Blocked)
	require.NotNil(t, ev.Sizing)
	assert.False(t, ev.Sizing.Allowed)
	assert.Empty(t, f.eng.OpenPositions())
}

func TestEvaluatePair_ReserveReducesAvailable(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Engine.ReserveUsd = 990 })

	ev, err := f.eng.EvaluatePair(context.Background(), "BTC/USD")
	require.NoError(t, err)
	require.NotNil(t, ev.Sizing)
	assert.InDelta(t, 10.0, ev.Sizing.Available, 1e-9)
	assert.Equal(t, risk.SizingMinOrderAbsolute, ev.Blocked)
}

func TestEvaluatePair_StoreFailureKeepsLotDirty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.FailNext = errors.New("db down")

	lot := f.openLot(t)
	stored, err := f.store.GetPosition(ctx, lot.LotID)
	require.NoError(t, err)
	assert.Nil(t, stored)
	assert.True(t, f.eng.Book().isDirty(lot.LotID))

	_, err = f.eng.EvaluatePair(ctx, "BTC/USD")
	require.NoError(t, err)
	stored, err = f.store.GetPosition(ctx, lot.LotID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.False(t, f.eng.Book().isDirty(lot.LotID))
}

func TestRunCycle_IsolatesPairFailures(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Engine.Pairs = []string{"FOO/USD", "BTC/USD"}
		c.Engine.MaxConcurrent = 2
	})

	f.eng.RunCycle(context.Background())

	ev, ok := f.eng.LastEvaluation("BTC/USD")
	require.True(t, ok)
	assert.NotNil(t, ev.Entry)
	_, ok = f.eng.LastEvaluation("FOO/USD")
	assert.False(t, ok)
	assert.True(t, f.bus.has(events.EventError, "FOO/USD"))
}

func TestRestore_ClampsQuantity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	snap := f.cfg.SmartGuard
	require.NoError(t, f.store.SavePosition(ctx, &models.Position{
		LotID: "lot-1", Pair: "BTC/USD", Exchange: "kraken",
		EntryPrice: 100, Amount: 1, QtyRemaining: 1.5, HighestPrice: 100,
		ConfigSnapshot: &snap, OpenedAt: t0,
	}))

	require.NoError(t, f.eng.Restore(ctx))
	lot := f.eng.Book().Get("lot-1")
	require.NotNil(t, lot)
	assert.Equal(t, 1.0, lot.QtyRemaining)

	stored, err := f.store.GetPosition(ctx, "lot-1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, stored.QtyRemaining)
}

func TestManualClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lot := f.openLot(t)

	res, err := f.eng.ManualClose(ctx, lot.LotID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.IsDust)
	assert.Equal(t, ReasonManual, res.Reason)
	assert.InDelta(t, 139.93, res.Price, 1e-9)
	want := (139.93-lot.EntryPrice)*lot.Amount - 139.93*lot.Amount*0.0026 - lot.EntryFee
	assert.InDelta(t, want, res.PnlUsd, 1e-9)
	assert.Empty(t, f.eng.OpenPositions())

	_, err = f.eng.ManualClose(ctx, lot.LotID)
	assert.ErrorIs(t, err, ErrLotNotFound)
}

func TestManualClose_DustRemovedWithoutOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	snap := f.cfg.SmartGuard
	require.NoError(t, f.store.SavePosition(ctx, &models.Position{
		LotID: "lot-dust", Pair: "BTC/USD", Exchange: "kraken",
		EntryPrice: 140, Amount: 0.01, QtyRemaining: 0.01, HighestPrice: 140,
		ConfigSnapshot: &snap, OpenedAt: t0,
	}))
	require.NoError(t, f.eng.Restore(ctx))

	res, err := f.eng.ManualClose(ctx, "lot-dust")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.IsDust)
	assert.Equal(t, ReasonManualDust, res.Reason)
	assert.Zero(t, res.PnlUsd)

	assert.Nil(t, f.eng.Book().Get("lot-dust"))
	stored, err := f.store.GetPosition(ctx, "lot-dust")
	require.NoError(t, err)
	assert.Nil(t, stored)

	fills, err := f.venue.GetTradesSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, fills)
}

func TestSetTimeStopDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lot := f.openLot(t)

	pos, err := f.eng.SetTimeStopDisabled(ctx, lot.LotID, true)
	require.NoError(t, err)
	assert.True(t, pos.TimeStopDisabled)

	stored, err := f.store.GetPosition(ctx, lot.LotID)
	require.NoError(t, err)
	assert.True(t, stored.TimeStopDisabled)

	_, err = f.eng.SetTimeStopDisabled(ctx, "missing", true)
	assert.ErrorIs(t, err, ErrLotNotFound)
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lot := f.openLot(t)

	res, err := f.eng.Reconcile(ctx, "KRAKEN", false, false)
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, ledger.ReconcileOK, res.Results[0].Action)

	// The coins left the venue outside the engine.
	f.venue.SetBalance("BTC", 0)

	res, err = f.eng.Reconcile(ctx, "kraken", false, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Orphans)
	assert.NotNil(t, f.eng.Book().Get(lot.LotID))

	res, err = f.eng.Reconcile(ctx, "kraken", true, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.NotNil(t, f.eng.Book().Get(lot.LotID), "dry run writes nothing")

	res, err = f.eng.Reconcile(ctx, "kraken", false, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Nil(t, f.eng.Book().Get(lot.LotID))
	assert.True(t, f.bus.has(events.EventReconciled, ""))

	_, err = f.eng.Reconcile(ctx, "coinbase", true, false)
	assert.ErrorIs(t, err, ErrUnknownExchange)
}

func TestIngest_RecalculatesOnSell(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	buy := models.Fill{Exchange: "Kraken", Pair: "eth/usd", Type: models.SideBuy, Price: 100, Amount: 1, ExecutedAt: t0, OrderID: "O-1", Source: models.SourceWebhook}
	sell := models.Fill{Exchange: "kraken", Pair: "ETH/USD", Type: models.SideSell, Price: 110, Amount: 1, ExecutedAt: t0.Add(time.Hour), OrderID: "O-2", Source: models.SourceWebhook}

	res, err := f.eng.Ingest(ctx, buy)
	require.NoError(t, err)
	assert.True(t, res.Inserted)
	res, err = f.eng.Ingest(ctx, sell)
	require.NoError(t, err)
	assert.True(t, res.Inserted)

	dup, err := f.eng.Ingest(ctx, sell)
	require.NoError(t, err)
	assert.False(t, dup.Inserted)
	assert.Equal(t, res.TradeID, dup.TradeID)

	trades, err := f.store.ListTrades(ctx, "kraken", "ETH/USD")
	require.NoError(t, err)
	require.Len(t, trades, 2)
	for _, tr := range trades {
		if tr.Type == models.SideSell {
			require.NotNil(t, tr.RealizedPnlUsd)
			assert.InDelta(t, 10.0, *tr.RealizedPnlUsd, 1e-9)
		}
	}
	assert.True(t, f.bus.has(events.EventTradeIngested, "ETH/USD"))

	_, err = f.eng.Ingest(ctx, models.Fill{Exchange: "kraken", Pair: "ETH/USD", Type: models.SideSell})
	assert.ErrorIs(t, err, ledger.ErrInvalidFill)
}

func TestBook_ClonesAndOrders(t *testing.T) {
	b := NewBook()
	b.Upsert(&models.Position{LotID: "b", Pair: "BTC/USD", Exchange: "kraken", OpenedAt: t0.Add(time.Minute)})
	b.Upsert(&models.Position{LotID: "a", Pair: "BTC/USD", Exchange: "kraken", OpenedAt: t0.Add(time.Minute)})
	b.Upsert(&models.Position{LotID: "c", Pair: "BTC/USD", Exchange: "kraken", OpenedAt: t0})

	lots := b.ByPair("KRAKEN", "btc/usd")
	require.Len(t, lots, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{lots[0].LotID, lots[1].LotID, lots[2].LotID})

	lots[0].QtyRemaining = 42
	assert.Zero(t, b.Get("c").QtyRemaining)
	assert.Equal(t, map[string]int{"kraken": 3}, b.CountByExchange())

	b.Remove("c")
	assert.Nil(t, b.Get("c"))
}

func TestEvaluatePair_BreakerHaltsEntriesAfterLoss(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Breaker.Enabled = true
		c.Breaker.MaxConsecutiveLosses = 1
	})
	ctx := context.Background()
	f.openLot(t)

	f.now = t0.Add(time.Hour)
	f.venue.SetCandles("BTC/USD", flat(40))
	f.venue.SetQuote("BTC/USD", models.Ticker{Bid: 130, Ask: 130.1, Last: 130.05})
	ev, err := f.eng.EvaluatePair(ctx, "BTC/USD")
	require.NoError(t, err)
	require.Len(t, ev.Exits, 1)
	require.True(t, ev.Exits[0].Executed)

	st := f.eng.BreakerStats()
	assert.Equal(t, circuit.StateOpen, st.State)
	assert.Equal(t, 1, st.ConsecutiveLosses)
	assert.Eventually(t, func() bool { return f.bus.has(events.EventCircuitBreaker, "") }, time.Second, 10*time.Millisecond)

	f.venue.SetCandles("BTC/USD", uptrend(40))
	f.venue.SetQuote("BTC/USD", models.Ticker{Bid: 139.93, Ask: 140.07, Last: 140})
	ev, err = f.eng.EvaluatePair(ctx, "BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, BlockBreaker, ev.Blocked)
	assert.Nil(t, ev.Entry)

	assert.Equal(t, circuit.StateClosed, f.eng.ResetBreaker().State)
	ev, err = f.eng.EvaluatePair(ctx, "BTC/USD")
	require.NoError(t, err)
	require.NotNil(t, ev.Entry, ev.Blocked)
	assert.Equal(t, 1, f.eng.BreakerStats().EntriesThisHour)
}
