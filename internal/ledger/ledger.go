package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"krakenbot/internal/logging"
	"krakenbot/internal/models"
)

// Ingest tuning.
const (
	// TraitWindow is how far apart two observations of the same fill may be.
	TraitWindow = 60 * time.Second
	// AmountEpsilon is the tolerance for equal amounts and empty lots.
	AmountEpsilon = 1e-8
)

// ErrInvalidFill is returned for fills that can never be recorded.
var ErrInvalidFill = errors.New("invalid fill")

// TradeStore is the persistence the ledger needs. Lookups return nil, nil
// when nothing matches.
type TradeStore interface {
	InsertTradeIfAbsent(ctx context.Context, t *models.TradeRecord) (bool, error)
	GetTradeByOrderID(ctx context.Context, exchange, orderID string) (*models.TradeRecord, error)
	GetTradeByFillID(ctx context.Context, exchange, fillID string) (*models.TradeRecord, error)
	FindTradesNear(ctx context.Context, exchange, pair string, side models.OrderSide, from, to time.Time) ([]*models.TradeRecord, error)
	ListTrades(ctx context.Context, exchange, pair string) ([]*models.TradeRecord, error)
	UpdateTradePnL(ctx context.Context, tradeID string, pnlUsd, pnlPct, entryPrice *float64) error
}

// Match kinds reported by Ingest when a fill was already known.
const (
	MatchedByTradeID = "trade_id"
	MatchedByOrderID = "order_id"
	MatchedByFillID  = "fill_id"
	MatchedByTraits  = "traits"
)

// IngestResult tells the caller what happened to a fill.
type IngestResult struct {
	Inserted  bool   `json:"inserted"`
	TradeID   string `json:"trade_id"`
	MatchedBy string `json:"matched_by,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Ledger is the idempotent trade recorder.
type Ledger struct {
	store  TradeStore
	logger *logging.Logger
	now    func() time.Time
}

// New creates a ledger over store.
func New(store TradeStore) *Ledger {
	return &Ledger{
		store:  store,
		logger: logging.WithComponent("ledger"),
		now:    time.Now,
	}
}

// Store exposes the underlying trade store.
func (l *Ledger) Store() TradeStore {
	return l.store
}

func validateFill(f models.Fill) error {
	switch {
	case strings.TrimSpace(f.Exchange) == "":
		return fmt.Errorf("%w: exchange is empty", ErrInvalidFill)
	case strings.TrimSpace(f.Pair) == "":
		return fmt.Errorf("%w: pair is empty", ErrInvalidFill)
	case f.Type != models.SideBuy && f.Type != models.SideSell:
		return fmt.Errorf("%w: type %q", ErrInvalidFill, f.Type)
	case !(f.Price > 0) || math.IsInf(f.Price, 0):
		return fmt.Errorf("%w: price %v", ErrInvalidFill, f.Price)
	case !(f.Amount > 0) || math.IsInf(f.Amount, 0):
		return fmt.Errorf("%w: amount %v", ErrInvalidFill, f.Amount)
	case f.ExecutedAt.IsZero():
		return fmt.Errorf("%w: executed_at is zero", ErrInvalidFill)
	}
	return nil
}

// Ingest records a fill unless it is already known by venue order id, venue
// fill id, traits (same pair, side and amount within TraitWindow) or its
// deterministic id. Duplicates are a no-op, never an error.
func (l *Ledger) Ingest(ctx context.Context, f models.Fill) (IngestResult, error) {
	if err := validateFill(f); err != nil {
		return IngestResult{}, err
	}
	f.Exchange = strings.ToLower(strings.TrimSpace(f.Exchange))
	f.Pair = strings.ToUpper(strings.TrimSpace(f.Pair))
	id := TradeID(CanonicalFromFill(f))
	log := logging.TradeContext(f.Exchange, f.Pair, string(f.Type), f.Amount, f.Price)

	dup := func(existing *models.TradeRecord, by string) (IngestResult, error) {
		log.Info("Duplicate fill ignored", "trade_id", existing.TradeID, "matched_by", by, "source", f.Source)
		return IngestResult{TradeID: existing.TradeID, MatchedBy: by, Reason: "duplicate"}, nil
	}

	if f.OrderID != "" {
		existing, err := l.store.GetTradeByOrderID(ctx, f.Exchange, f.OrderID)
		if err != nil {
			return IngestResult{}, fmt.Errorf("lookup by order id: %w", err)
		}
		// An order can fill in several parts; only a same-fill match is a duplicate.
		if existing != nil && (f.FillID == "" || existing.FillID == "" || existing.FillID == f.FillID) {
			return dup(existing, MatchedByOrderID)
		}
	}
	if f.FillID != "" {
		existing, err := l.store.GetTradeByFillID(ctx, f.Exchange, f.FillID)
		if err != nil {
			return IngestResult{}, fmt.Errorf("lookup by fill id: %w", err)
		}
		if existing != nil {
			return dup(existing, MatchedByFillID)
		}
	}
	near, err := l.store.FindTradesNear(ctx, f.Exchange, f.Pair, f.Type, f.ExecutedAt.Add(-TraitWindow), f.ExecutedAt.Add(TraitWindow))
	if err != nil {
		return IngestResult{}, fmt.Errorf("lookup by traits: %w", err)
	}
	for _, t := range near {
		if math.Abs(t.Amount-f.Amount) <= AmountEpsilon && !conflictingIDs(t, f) {
			return dup(t, MatchedByTraits)
		}
	}

	rec := &models.TradeRecord{
		TradeID:    id,
		Exchange:   f.Exchange,
		Pair:       f.Pair,
		Type:       f.Type,
		Price:      f.Price,
		Amount:     f.Amount,
		Fee:        f.Fee,
		Status:     models.TradeStatusFilled,
		ExecutedAt: f.ExecutedAt.UTC(),
		ExternalID: f.ExternalID(),
		OrderID:    f.OrderID,
		FillID:     f.FillID,
		Source:     f.Source,
		LotID:      f.LotID,
		CreatedAt:  l.now().UTC(),
	}
	inserted, err := l.store.InsertTradeIfAbsent(ctx, rec)
	if err != nil {
		return IngestResult{}, fmt.Errorf("insert trade: %w", err)
	}
	if !inserted {
		log.Info("Duplicate fill ignored", "trade_id", id, "matched_by", MatchedByTradeID, "source", f.Source)
		return IngestResult{TradeID: id, MatchedBy: MatchedByTradeID, Reason: "duplicate"}, nil
	}
	log.Info("Trade recorded", "trade_id", id, "source", f.Source)
	return IngestResult{Inserted: true, TradeID: id}, nil
}

// conflictingIDs reports whether two observations carry venue ids that prove
// they are different executions.
func conflictingIDs(t *models.TradeRecord, f models.Fill) bool {
	if t.FillID != "" && f.FillID != "" && t.FillID != f.FillID {
		return true
	}
	return t.OrderID != "" && f.OrderID != "" && t.OrderID != f.OrderID
}

// RecalculatePnL runs FIFO over the stored trades of pair on exchange and
// writes realized P&L and entry price onto every sell.
func (l *Ledger) RecalculatePnL(ctx context.Context, exchange, pair string) (FIFOResult, error) {
	trades, err := l.store.ListTrades(ctx, strings.ToLower(exchange), strings.ToUpper(pair))
	if err != nil {
		return FIFOResult{}, fmt.Errorf("list trades: %w", err)
	}
	res := MatchFIFO(trades)
	res.Exchange, res.Pair = strings.ToLower(exchange), strings.ToUpper(pair)

	for _, s := range res.Sells {
		var pnl, pct, entry *float64
		if s.MatchedQty > AmountEpsilon {
			pnl, pct, entry = ptr(s.RealizedPnlUsd), ptr(s.RealizedPnlPct), ptr(s.EntryPrice)
		}
		if err := l.store.UpdateTradePnL(ctx, s.TradeID, pnl, pct, entry); err != nil {
			return res, fmt.Errorf("update pnl of %s: %w", s.TradeID, err)
		}
	}
	if res.Discards > 0 {
		l.logger.Warn("FIFO discarded unmatched sell quantity", "exchange", exchange, "pair", pair, "discards", res.Discards)
	}
	return res, nil
}

func ptr(v float64) *float64 { return &v }
