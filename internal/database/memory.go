package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"krakenbot/internal/models"
)

// MemoryStore keeps every table in maps. It backs dry runs without
// PostgreSQL and the package tests of its callers. Values are copied in and
// out so callers never share memory with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]*models.Position
	trades    map[string]*models.TradeRecord
	regimes   map[string]models.RegimeState
	cursors   map[string]models.SyncCursor

	// FailNext makes the next write return the error once. Used to exercise
	// store-first ordering in callers.
	FailNext error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]*models.Position),
		trades:    make(map[string]*models.TradeRecord),
		regimes:   make(map[string]models.RegimeState),
		cursors:   make(map[string]models.SyncCursor),
	}
}

func (m *MemoryStore) takeFailure() error {
	err := m.FailNext
	m.FailNext = nil
	return err
}

// ============================================================================
// POSITIONS
// ============================================================================

func (m *MemoryStore) GetPosition(_ context.Context, lotID string) (*models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.positions[lotID].Clone(), nil
}

func (m *MemoryStore) ListOpenPositions(_ context.Context) ([]*models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Position
	for _, p := range m.positions {
		if p.QtyRemaining > 0 {
			out = append(out, p.Clone())
		}
	}
	sortPositions(out)
	return out, nil
}

func (m *MemoryStore) ListPositionsByPair(_ context.Context, pair string) ([]*models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Position
	for _, p := range m.positions {
		if p.Pair == pair {
			out = append(out, p.Clone())
		}
	}
	sortPositions(out)
	return out, nil
}

func sortPositions(ps []*models.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].OpenedAt.Equal(ps[j].OpenedAt) {
			return ps[i].OpenedAt.Before(ps[j].OpenedAt)
		}
		return ps[i].LotID < ps[j].LotID
	})
}

func (m *MemoryStore) SavePosition(_ context.Context, p *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	c := p.Clone()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	m.positions[p.LotID] = c
	return nil
}

func (m *MemoryStore) DeletePosition(_ context.Context, lotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	delete(m.positions, lotID)
	return nil
}

// ============================================================================
// TRADES
// ============================================================================

func cloneTrade(t *models.TradeRecord) *models.TradeRecord {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func (m *MemoryStore) InsertTradeIfAbsent(_ context.Context, t *models.TradeRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return false, err
	}
	if _, ok := m.trades[t.TradeID]; ok {
		return false, nil
	}
	m.trades[t.TradeID] = cloneTrade(t)
	return true, nil
}

func (m *MemoryStore) GetTrade(_ context.Context, tradeID string) (*models.TradeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneTrade(m.trades[tradeID]), nil
}

// first returns the earliest trade accepted by match.
func (m *MemoryStore) first(match func(*models.TradeRecord) bool) *models.TradeRecord {
	var best *models.TradeRecord
	for _, t := range m.trades {
		if match(t) && (best == nil || t.ExecutedAt.Before(best.ExecutedAt)) {
			best = t
		}
	}
	return cloneTrade(best)
}

func (m *MemoryStore) GetTradeByOrderID(_ context.Context, exchange, orderID string) (*models.TradeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.first(func(t *models.TradeRecord) bool { return t.Exchange == exchange && t.OrderID == orderID }), nil
}

func (m *MemoryStore) GetTradeByFillID(_ context.Context, exchange, fillID string) (*models.TradeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.first(func(t *models.TradeRecord) bool { return t.Exchange == exchange && t.FillID == fillID }), nil
}

func (m *MemoryStore) collect(match func(*models.TradeRecord) bool) []*models.TradeRecord {
	var out []*models.TradeRecord
	for _, t := range m.trades {
		if match(t) {
			out = append(out, cloneTrade(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExecutedAt.Equal(out[j].ExecutedAt) {
			return out[i].ExecutedAt.Before(out[j].ExecutedAt)
		}
		return out[i].TradeID < out[j].TradeID
	})
	return out
}

func (m *MemoryStore) FindTradesNear(_ context.Context, exchange, pair string, side models.OrderSide, from, to time.Time) ([]*models.TradeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(func(t *models.TradeRecord) bool {
		return t.Exchange == exchange && t.Pair == pair && t.Type == side &&
			!t.ExecutedAt.Before(from) && !t.ExecutedAt.After(to)
	}), nil
}

func (m *MemoryStore) ListTrades(_ context.Context, exchange, pair string) ([]*models.TradeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(func(t *models.TradeRecord) bool { return t.Exchange == exchange && t.Pair == pair }), nil
}

func (m *MemoryStore) ListTradedPairs(_ context.Context) ([][2]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[[2]string]bool)
	var out [][2]string
	for _, t := range m.trades {
		k := [2]string{t.Exchange, t.Pair}
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out, nil
}

func (m *MemoryStore) UpdateTradePnL(_ context.Context, tradeID string, pnlUsd, pnlPct, entryPrice *float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	t, ok := m.trades[tradeID]
	if !ok {
		return nil
	}
	t.RealizedPnlUsd, t.RealizedPnlPct, t.EntryPrice = pnlUsd, pnlPct, entryPrice
	return nil
}

// ============================================================================
// REGIME STATE
// ============================================================================

func (m *MemoryStore) GetRegimeState(_ context.Context, pair string) (*models.RegimeState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.regimes[pair]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryStore) SaveRegimeState(_ context.Context, s *models.RegimeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.regimes[s.Pair] = *s
	return nil
}

// ============================================================================
// SYNC CURSORS
// ============================================================================

func cursorKey(exchange, scope string) string { return exchange + "|" + scope }

func (m *MemoryStore) GetSyncCursor(_ context.Context, exchange, scope string) (*models.SyncCursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cursors[cursorKey(exchange, scope)]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *MemoryStore) SaveSyncCursor(_ context.Context, c *models.SyncCursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.cursors[cursorKey(c.Exchange, c.Scope)] = *c
	return nil
}
