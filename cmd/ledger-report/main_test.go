package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krakenbot/internal/database"
	"krakenbot/internal/ledger"
	"krakenbot/internal/models"
)

func seed(t *testing.T) *database.MemoryStore {
	t.Helper()
	store := database.NewMemoryStore()
	l := ledger.New(store)
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	fills := []models.Fill{
		{Exchange: "kraken", Pair: "BTC/USD", Type: models.SideBuy, Price: 100, Amount: 2, ExecutedAt: t0, FillID: "F-1", Source: models.SourceSync},
		{Exchange: "kraken", Pair: "BTC/USD", Type: models.SideSell, Price: 110, Amount: 1, ExecutedAt: t0.Add(time.Hour), FillID: "F-2", Source: models.SourceSync},
		{Exchange: "kraken", Pair: "ETH/USD", Type: models.SideBuy, Price: 50, Amount: 1, ExecutedAt: t0, FillID: "F-3", Source: models.SourceSync},
		{Exchange: "kraken", Pair: "ETH/USD", Type: models.SideSell, Price: 40, Amount: 1, ExecutedAt: t0.Add(time.Hour), FillID: "F-4", Source: models.SourceSync},
	}
	for _, f := range fills {
		_, err := l.Ingest(context.Background(), f)
		require.NoError(t, err)
	}
	return store
}

func TestBuildReport(t *testing.T) {
	store := seed(t)

	sums, err := buildReport(context.Background(), store, options{})
	require.NoError(t, err)
	require.Len(t, sums, 2)

	byPair := map[string]ledger.Summary{}
	for _, s := range sums {
		byPair[s.Pair] = s
	}
	btc := byPair["BTC/USD"]
	assert.InDelta(t, 10.0, btc.RealizedPnlUsd, 1e-9)
	assert.InDelta(t, 1.0, btc.OpenQty, 1e-9)
	assert.InDelta(t, 100.0, btc.OpenCostUsd, 1e-9)
	assert.Equal(t, 1, btc.Wins)

	eth := byPair["ETH/USD"]
	assert.InDelta(t, -10.0, eth.RealizedPnlUsd, 1e-9)
	assert.Equal(t, 1, eth.Losses)
}

func TestBuildReport_FilterAndRecalculate(t *testing.T) {
	store := seed(t)
	ctx := context.Background()

	sums, err := buildReport(ctx, store, options{Pair: "btc/usd", Recalculate: true})
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, "BTC/USD", sums[0].Pair)

	trades, err := store.ListTrades(ctx, "kraken", "BTC/USD")
	require.NoError(t, err)
	for _, tr := range trades {
		if tr.Type == models.SideSell {
			require.NotNil(t, tr.RealizedPnlUsd)
			assert.InDelta(t, 10.0, *tr.RealizedPnlUsd, 1e-9)
		}
	}

	sums, err = buildReport(ctx, store, options{Exchange: "coinbase"})
	require.NoError(t, err)
	assert.Empty(t, sums)
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	render(&buf, []ledger.Summary{{Exchange: "kraken", Pair: "BTC/USD", Buys: 1, Sells: 1, Wins: 1, RealizedPnlUsd: 10}})

	out := buf.String()
	assert.Contains(t, out, "REALIZED P&L (FIFO)")
	assert.Contains(t, out, "BTC/USD")
	assert.Contains(t, out, "10.00")
	assert.Contains(t, out, "100.0")
}
