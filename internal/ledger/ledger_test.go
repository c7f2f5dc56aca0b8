package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krakenbot/config"
	"krakenbot/internal/database"
	"krakenbot/internal/models"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// ============================================================================
// TRADE ID
// ============================================================================

func baseInput() CanonicalInput {
	return CanonicalInput{
		Exchange:   "Kraken ",
		Pair:       "btc/usd",
		ExecutedAt: time.Date(2024, 3, 1, 11, 0, 0, 123456789, time.FixedZone("CET", 3600)),
		Type:       "BUY",
		Price:      65000.5,
		Amount:     0.001,
		ExternalID: "ABC",
	}
}

func TestCanonicalInput_String(t *testing.T) {
	assert.Equal(t, "kraken|BTC/USD|2024-03-01T10:00:00.123Z|buy|65000.50000000|0.00100000|abc", baseInput().String())
}

func TestTradeID_Deterministic(t *testing.T) {
	a := TradeID(baseInput())
	assert.Equal(t, a, TradeID(baseInput()))
	assert.Len(t, a, 64)

	normalized := CanonicalInput{
		Exchange: "kraken", Pair: "BTC/USD",
		ExecutedAt: time.Date(2024, 3, 1, 10, 0, 0, 123000000, time.UTC),
		Type:       models.SideBuy, Price: 65000.5, Amount: 0.001, ExternalID: "abc",
	}
	assert.Equal(t, a, TradeID(normalized), "case, zone and sub-millisecond noise do not change the id")
}

func TestTradeID_EachFieldMatters(t *testing.T) {
	base := TradeID(baseInput())
	mutations := map[string]func(*CanonicalInput){
		"exchange":    func(c *CanonicalInput) { c.Exchange = "revolutx" },
		"pair":        func(c *CanonicalInput) { c.Pair = "ETH/USD" },
		"executed_at": func(c *CanonicalInput) { c.ExecutedAt = c.ExecutedAt.Add(time.Millisecond) },
		"type":        func(c *CanonicalInput) { c.Type = models.SideSell },
		"price":       func(c *CanonicalInput) { c.Price += 0.00000001 },
		"amount":      func(c *CanonicalInput) { c.Amount += 0.00000001 },
		"external_id": func(c *CanonicalInput) { c.ExternalID = "abd" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			in := baseInput()
			mutate(&in)
			assert.NotEqual(t, base, TradeID(in))
		})
	}
}

// ============================================================================
// INGEST
// ============================================================================

func fill(orderID, fillID string, amount float64, at time.Time) models.Fill {
	return models.Fill{
		Exchange:   "Kraken",
		Pair:       "btc/usd",
		Type:       models.SideBuy,
		Price:      60000,
		Amount:     amount,
		Fee:        0.5,
		ExecutedAt: at,
		OrderID:    orderID,
		FillID:     fillID,
		Source:     models.SourceBot,
	}
}

func TestIngest_Dedup(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	l := New(store)

	first, err := l.Ingest(ctx, fill("O1", "F1", 0.01, t0))
	require.NoError(t, err)
	assert.True(t, first.Inserted)

	stored, _ := store.GetTrade(ctx, first.TradeID)
	require.NotNil(t, stored)
	assert.Equal(t, "kraken", stored.Exchange)
	assert.Equal(t, "BTC/USD", stored.Pair)
	assert.Equal(t, "F1", stored.ExternalID)

	tests := []struct {
		name      string
		fill      models.Fill
		inserted  bool
		matchedBy string
	}{
		{"same fill from sync", fill("O1", "F1", 0.01, t0), false, MatchedByOrderID},
		{"fill id only, from webhook", fill("", "F1", 0.01, t0.Add(5*time.Second)), false, MatchedByFillID},
		{"no ids, same traits within window", fill("", "", 0.01, t0.Add(30*time.Second)), false, MatchedByTraits},
		{"second partial fill of the same order", fill("O1", "F2", 0.02, t0.Add(time.Second)), true, ""},
		{"conflicting ids are a different execution", fill("O9", "F9", 0.01, t0.Add(10*time.Second)), true, ""},
		{"same traits outside the window", fill("", "", 0.01, t0.Add(2*time.Minute)), true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := l.Ingest(ctx, tt.fill)
			require.NoError(t, err)
			assert.Equal(t, tt.inserted, res.Inserted)
			assert.Equal(t, tt.matchedBy, res.MatchedBy)
			assert.NotEmpty(t, res.TradeID)
		})
	}

	other := fill("O1", "F1", 0.01, t0)
	other.Exchange = "revolutx"
	res, err := l.Ingest(ctx, other)
	require.NoError(t, err)
	assert.True(t, res.Inserted, "venue ids are scoped to their exchange")

	trades, _ := store.ListTrades(ctx, "kraken", "BTC/USD")
	assert.Len(t, trades, 4)
}

func TestIngest_Invalid(t *testing.T) {
	l := New(database.NewMemoryStore())
	bad := []models.Fill{
		{Pair: "BTC/USD", Type: models.SideBuy, Price: 1, Amount: 1, ExecutedAt: t0},
		{Exchange: "kraken", Pair: "BTC/USD", Type: "hold", Price: 1, Amount: 1, ExecutedAt: t0},
		{Exchange: "kraken", Pair: "BTC/USD", Type: models.SideBuy, Price: 0, Amount: 1, ExecutedAt: t0},
		{Exchange: "kraken", Pair: "BTC/USD", Type: models.SideBuy, Price: 1, Amount: -1, ExecutedAt: t0},
		{Exchange: "kraken", Pair: "BTC/USD", Type: models.SideBuy, Price: 1, Amount: 1},
	}
	for _, f := range bad {
		_, err := l.Ingest(context.Background(), f)
		assert.ErrorIs(t, err, ErrInvalidFill)
	}
}

func TestIngest_StoreFailure(t *testing.T) {
	store := database.NewMemoryStore()
	store.FailNext = errors.New("connection reset")
	res, err := New(store).Ingest(context.Background(), fill("O1", "F1", 0.01, t0))
	assert.Error(t, err)
	assert.False(t, res.Inserted)
}

// ============================================================================
// FIFO
// ============================================================================

func trade(id string, side models.OrderSide, qty, price, fee float64, at time.Time) *models.TradeRecord {
	return &models.TradeRecord{TradeID: id, Exchange: "kraken", Pair: "BTC/USD", Type: side, Amount: qty, Price: price, Fee: fee, ExecutedAt: at, Status: models.TradeStatusFilled}
}

func fifoFixture() []*models.TradeRecord {
	return []*models.TradeRecord{
		trade("s3", models.SideSell, 1, 100, 0, t0.Add(4*time.Hour)),
		trade("b1", models.SideBuy, 1, 100, 1, t0),
		trade("b2", models.SideBuy, 1, 110, 2, t0.Add(time.Hour)),
		trade("s1", models.SideSell, 1.5, 120, 3, t0.Add(2*time.Hour)),
		trade("s2", models.SideSell, 1, 90, 2, t0.Add(3*time.Hour)),
	}
}

func TestMatchFIFO(t *testing.T) {
	res := MatchFIFO(fifoFixture())
	require.Len(t, res.Sells, 3)

	s1 := res.Sells[0]
	assert.Equal(t, "s1", s1.TradeID)
	require.Len(t, s1.Matches, 2)
	assert.Equal(t, "b1", s1.Matches[0].BuyTradeID)
	assert.InDelta(t, 0.5, s1.Matches[1].Qty, 1e-12)
	assert.InDelta(t, 1.0, s1.Matches[1].BuyFee, 1e-12, "half of the lot carries half its fee")
	assert.InDelta(t, 155, s1.CostUsd, 1e-9)
	assert.InDelta(t, 20, s1.RealizedPnlUsd, 1e-9)
	assert.InDelta(t, 20.0/157*100, s1.RealizedPnlPct, 1e-9)
	assert.InDelta(t, 155/1.5, s1.EntryPrice, 1e-9)
	assert.Empty(t, s1.DiscardReason)

	s2 := res.Sells[1]
	assert.Equal(t, DiscardExcessSell, s2.DiscardReason)
	assert.InDelta(t, 0.5, s2.MatchedQty, 1e-12)
	assert.InDelta(t, 0.5, s2.UnmatchedQty, 1e-12)
	assert.InDelta(t, 1.0, s2.SellFee, 1e-12, "sell fee prorated to the matched share")
	assert.InDelta(t, 45-55-1-1, s2.RealizedPnlUsd, 1e-9)
	assert.Negative(t, s2.RealizedPnlUsd, "selling under entry loses")

	s3 := res.Sells[2]
	assert.Equal(t, DiscardNoOpenLots, s3.DiscardReason)
	assert.Zero(t, s3.MatchedQty)
	assert.Zero(t, s3.RealizedPnlUsd)

	assert.Equal(t, 2, res.Discards)
	assert.Empty(t, res.OpenLots)
	assert.InDelta(t, 20-12, res.RealizedPnlUsd, 1e-9)

	for _, s := range res.Sells {
		assert.InDelta(t, s.Qty, s.MatchedQty+s.UnmatchedQty, 1e-12, "sell %s is fully accounted for", s.TradeID)
	}
}

func TestMatchFIFO_OrderingAndStatus(t *testing.T) {
	trades := []*models.TradeRecord{
		trade("zz-sell", models.SideSell, 1, 105, 0, t0),
		trade("aa-buy", models.SideBuy, 1, 100, 0, t0),
		trade("bb-buy", models.SideBuy, 1, 50, 0, t0.Add(time.Minute)),
	}
	trades[2].Status = "canceled"

	res := MatchFIFO(trades)
	require.Len(t, res.Sells, 1)
	assert.Empty(t, res.Sells[0].DiscardReason, "a buy at the same instant is matched first")
	assert.InDelta(t, 5, res.Sells[0].RealizedPnlUsd, 1e-9)
	assert.Empty(t, res.OpenLots, "canceled trades never open a lot")
}

func TestMatchFIFO_OpenLots(t *testing.T) {
	res := MatchFIFO([]*models.TradeRecord{
		trade("b1", models.SideBuy, 2, 100, 0, t0),
		trade("s1", models.SideSell, 0.5, 120, 0, t0.Add(time.Hour)),
	})
	require.Len(t, res.OpenLots, 1)
	assert.InDelta(t, 1.5, res.OpenLots[0].Remaining, 1e-12)
	assert.InDelta(t, 10, res.RealizedPnlUsd, 1e-9)
}

func TestSummarize(t *testing.T) {
	trades := fifoFixture()
	sum := Summarize(trades, MatchFIFO(trades))
	assert.Equal(t, 2, sum.Buys)
	assert.Equal(t, 3, sum.Sells)
	assert.Equal(t, 1, sum.Wins)
	assert.Equal(t, 1, sum.Losses, "unmatched sells are not counted")
	assert.InDelta(t, 8, sum.FeesUsd, 1e-9)
	assert.Equal(t, 50.0, sum.WinRate())
	assert.Zero(t, Summary{}.WinRate())
}

func TestRecalculatePnL(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	for _, tr := range fifoFixture() {
		_, err := store.InsertTradeIfAbsent(ctx, tr)
		require.NoError(t, err)
	}

	res, err := New(store).RecalculatePnL(ctx, "KRAKEN", "btc/usd")
	require.NoError(t, err)
	assert.Equal(t, "kraken", res.Exchange)
	assert.Equal(t, "BTC/USD", res.Pair)

	s1, _ := store.GetTrade(ctx, "s1")
	require.NotNil(t, s1.RealizedPnlUsd)
	assert.InDelta(t, 20, *s1.RealizedPnlUsd, 1e-9)
	require.NotNil(t, s1.EntryPrice)

	s3, _ := store.GetTrade(ctx, "s3")
	assert.Nil(t, s3.RealizedPnlUsd, "a sell with no lots has no P&L")
}

// ============================================================================
// RECONCILE
// ============================================================================

type fakeBook struct {
	mu      sync.Mutex
	locks   map[string]int
	upserts map[string]float64
	removed []string
}

func newFakeBook() *fakeBook {
	return &fakeBook{locks: map[string]int{}, upserts: map[string]float64{}}
}

func (b *fakeBook) LockLot(lotID string) func() {
	b.mu.Lock()
	b.locks[lotID]++
	b.mu.Unlock()
	return func() {}
}

func (b *fakeBook) Upsert(p *models.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.upserts[p.LotID] = p.QtyRemaining
}

func (b *fakeBook) Remove(lotID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removed = append(b.removed, lotID)
}

func botLot(id, pair, exchange string, qty float64, opened time.Time) *models.Position {
	cfg := models.SmartGuardConfig{StopLossPct: 5}
	return &models.Position{LotID: id, Pair: pair, Exchange: exchange, EntryPrice: 100, Amount: qty, QtyRemaining: qty, OpenedAt: opened, ConfigSnapshot: &cfg}
}

func reconcileFixture(t *testing.T) (*database.MemoryStore, *Reconciler) {
	t.Helper()
	ctx := context.Background()
	store := database.NewMemoryStore()
	lots := []*models.Position{
		botLot("a", "BTC/USD", "kraken", 0.6, t0),
		botLot("b", "BTC/USD", "kraken", 0.4, t0.Add(time.Hour)),
		botLot("e", "ETH/USD", "kraken", 1, t0),
		botLot("s", "ADA/USD", "kraken", 10, t0),
		botLot("l", "LINK/USD", "kraken", 2, t0),
		botLot("manual-1", "SOL/USD", "kraken", 3, t0),
		botLot("x", "DOGE/USD", "revolutx", 100, t0),
	}
	for _, p := range lots {
		require.NoError(t, store.SavePosition(ctx, p))
	}

	exchanges := map[string]config.ExchangeConfig{
		"kraken": {
			DefaultDust:    0.0001,
			DustThresholds: map[string]float64{"ETH": 0.001},
			AssetAliases:   map[string]string{"XBT": "BTC"},
		},
	}
	return store, NewReconciler(store, exchanges, "USD")
}

var balances = map[string]float64{
	"XBT":  0.8,
	"ETH":  0.0005,
	"ADA":  12,
	"LINK": 2.05,
	"SOL":  3,
	"DOT":  5,
	"USD":  1000,
}

func item(t *testing.T, res ReconcileResult, key string) ReconcileItem {
	t.Helper()
	for _, it := range res.Results {
		if it.LotID == key || (it.LotID == "" && it.Asset == key) {
			return it
		}
	}
	t.Fatalf("no reconcile item for %s", key)
	return ReconcileItem{}
}

func TestReconcile_DryRun(t *testing.T) {
	ctx := context.Background()
	store, r := reconcileFixture(t)
	book := newFakeBook()

	res, err := r.Reconcile(ctx, "Kraken", balances, true, true, book)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Updated)
	assert.Equal(t, 1, res.Deleted)
	assert.Zero(t, res.Created)
	assert.Equal(t, ReconcileUpdated, item(t, res, "a").Action)
	assert.InDelta(t, 0.48, item(t, res, "a").NewQty, 1e-9)
	assert.InDelta(t, 0.32, item(t, res, "b").NewQty, 1e-9)
	assert.InDelta(t, -20, item(t, res, "a").DiffPct, 1e-9)
	assert.Equal(t, ReconcileDeleted, item(t, res, "e").Action)

	a, _ := store.GetPosition(ctx, "a")
	assert.Equal(t, 0.6, a.QtyRemaining, "dry run writes nothing")
	e, _ := store.GetPosition(ctx, "e")
	assert.NotNil(t, e)
	assert.Empty(t, book.upserts)
	assert.Empty(t, book.removed)
}

func TestReconcile_Apply(t *testing.T) {
	ctx := context.Background()
	store, r := reconcileFixture(t)
	book := newFakeBook()

	res, err := r.Reconcile(ctx, "kraken", balances, false, false, book)
	require.NoError(t, err)

	assert.Equal(t, ReconcileOrphan, item(t, res, "e").Action, "dust without auto-clean needs an operator")
	assert.Equal(t, 1, res.Orphans)
	assert.Equal(t, ReconcileExternalSurplus, item(t, res, "s").Action)
	assert.Equal(t, ReconcileOK, item(t, res, "l").Action)
	assert.Equal(t, ReconcileNotBotOwned, item(t, res, "manual-1").Action)
	assert.Equal(t, ReconcileExternalIgnored, item(t, res, "DOT").Action)
	assert.Equal(t, ReconcileExternalIgnored, item(t, res, "SOL").Action)
	for _, it := range res.Results {
		assert.NotEqual(t, "USD", it.Asset, "quote balance is never reported")
		assert.NotEqual(t, "x", it.LotID, "other exchanges are untouched")
	}

	a, _ := store.GetPosition(ctx, "a")
	assert.InDelta(t, 0.48, a.QtyRemaining, 1e-9)
	s, _ := store.GetPosition(ctx, "s")
	assert.Equal(t, 10.0, s.QtyRemaining, "surplus is never adopted")
	assert.InDelta(t, 0.48, book.upserts["a"], 1e-9)
	assert.InDelta(t, 0.32, book.upserts["b"], 1e-9)
	assert.Equal(t, 1, book.locks["a"])

	// Second pass with auto-clean: BTC now agrees, ETH dust is removed.
	res, err = r.Reconcile(ctx, "kraken", balances, false, true, book)
	require.NoError(t, err)
	assert.Equal(t, ReconcileOK, item(t, res, "a").Action)
	assert.Equal(t, ReconcileDeleted, item(t, res, "e").Action)
	e, _ := store.GetPosition(ctx, "e")
	assert.Nil(t, e)
	assert.Equal(t, []string{"e"}, book.removed)
}

func TestReconcile_StoreFailureKeepsMemory(t *testing.T) {
	ctx := context.Background()
	store, r := reconcileFixture(t)
	book := newFakeBook()

	store.FailNext = errors.New("write timeout")
	res, err := r.Reconcile(ctx, "kraken", balances, false, false, book)
	require.NoError(t, err)

	assert.Equal(t, ReconcileError, item(t, res, "a").Action)
	_, touched := book.upserts["a"]
	assert.False(t, touched, "memory is only updated after the store write")
	assert.Equal(t, ReconcileUpdated, item(t, res, "b").Action)
	assert.Equal(t, 1, res.Updated)

	a, _ := store.GetPosition(ctx, "a")
	assert.Equal(t, 0.6, a.QtyRemaining)
}

func TestCanonicalAsset(t *testing.T) {
	ex := config.ExchangeConfig{AssetAliases: map[string]string{"XBT": "btc"}}
	assert.Equal(t, "BTC", CanonicalAsset(ex, " xbt "))
	assert.Equal(t, "ETH", CanonicalAsset(ex, "eth"))
}
