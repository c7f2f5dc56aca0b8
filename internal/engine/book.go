package engine

import (
	"sort"
	"strings"
	"sync"

	"krakenbot/internal/models"
)

// Book is the in-memory copy of open lots. Every read hands out a clone, so
// callers mutate their copy and write it back with Upsert once the store
// accepted it. LockLot serializes every writer of one lot.
type Book struct {
	mu    sync.RWMutex
	lots  map[string]*models.Position
	dirty map[string]bool
	locks *keyedLocks
}

// NewBook creates an empty book.
func NewBook() *Book {
	return &Book{
		lots:  make(map[string]*models.Position),
		dirty: make(map[string]bool),
		locks: newKeyedLocks(),
	}
}

// LockLot takes the logical lock of a lot id.
func (b *Book) LockLot(lotID string) func() {
	return b.locks.Lock(lotID)
}

// Upsert stores a copy of p and marks it persisted.
func (b *Book) Upsert(p *models.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lots[p.LotID] = p.Clone()
	delete(b.dirty, p.LotID)
}

// upsertDirty stores a copy of p that the store has not accepted yet.
func (b *Book) upsertDirty(p *models.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lots[p.LotID] = p.Clone()
	b.dirty[p.LotID] = true
}

func (b *Book) isDirty(lotID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dirty[lotID]
}

// Remove drops a lot.
func (b *Book) Remove(lotID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.lots, lotID)
	delete(b.dirty, lotID)
}

// Get returns a copy of a lot, nil if unknown.
func (b *Book) Get(lotID string) *models.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lots[lotID].Clone()
}

// ByPair returns copies of the lots of pair on exchange, oldest first.
func (b *Book) ByPair(exchange, pair string) []*models.Position {
	return b.filter(func(p *models.Position) bool {
		return strings.EqualFold(p.Exchange, exchange) && strings.EqualFold(p.Pair, pair)
	})
}

// All returns copies of every lot, oldest first.
func (b *Book) All() []*models.Position {
	return b.filter(func(*models.Position) bool { return true })
}

// CountByExchange returns the number of open lots per exchange.
func (b *Book) CountByExchange() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int)
	for _, p := range b.lots {
		out[p.Exchange]++
	}
	return out
}

func (b *Book) filter(keep func(*models.Position) bool) []*models.Position {
	b.mu.RLock()
	out := make([]*models.Position, 0, len(b.lots))
	for _, p := range b.lots {
		if keep(p) {
			out = append(out, p.Clone())
		}
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].LotID < out[j].LotID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}
