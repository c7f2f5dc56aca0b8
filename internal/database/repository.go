package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"krakenbot/internal/models"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ============================================================================
// POSITIONS
// ============================================================================

const positionColumns = `lot_id, pair, exchange, entry_price, amount, qty_remaining, highest_price,
	entry_fee, COALESCE(entry_order_id, ''), COALESCE(entry_regime, ''),
	sg_break_even_activated, sg_trailing_activated, sg_current_stop_price, sg_scale_out_done,
	config_snapshot, time_stop_disabled, time_stop_expired_at, opened_at, updated_at`

func scanPosition(row pgx.Row) (*models.Position, error) {
	p := &models.Position{}
	var snapshot []byte
	var regime string
	err := row.Scan(
		&p.LotID, &p.Pair, &p.Exchange, &p.EntryPrice, &p.Amount, &p.QtyRemaining, &p.HighestPrice,
		&p.EntryFee, &p.EntryOrderID, &regime,
		&p.SgBreakEvenActivated, &p.SgTrailingActivated, &p.SgCurrentStopPrice, &p.SgScaleOutDone,
		&snapshot, &p.TimeStopDisabled, &p.TimeStopExpiredAt, &p.OpenedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.EntryRegime = models.Regime(regime)
	if len(snapshot) > 0 {
		var cfg models.SmartGuardConfig
		if err := json.Unmarshal(snapshot, &cfg); err != nil {
			return nil, fmt.Errorf("decode config snapshot of %s: %w", p.LotID, err)
		}
		p.ConfigSnapshot = &cfg
	}
	return p, nil
}

// GetPosition returns the lot, or nil when it does not exist.
func (r *Repository) GetPosition(ctx context.Context, lotID string) (*models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE lot_id = $1`
	p, err := scanPosition(r.db.Pool.QueryRow(ctx, query, lotID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position %s: %w", lotID, err)
	}
	return p, nil
}

// ListOpenPositions returns every lot with quantity left, oldest first.
func (r *Repository) ListOpenPositions(ctx context.Context) ([]*models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE qty_remaining > 0 ORDER BY opened_at, lot_id`
	return r.queryPositions(ctx, query)
}

// ListPositionsByPair returns the lots of pair, oldest first.
func (r *Repository) ListPositionsByPair(ctx context.Context, pair string) ([]*models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE pair = $1 ORDER BY opened_at, lot_id`
	return r.queryPositions(ctx, query, pair)
}

func (r *Repository) queryPositions(ctx context.Context, query string, args ...interface{}) ([]*models.Position, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var out []*models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SavePosition upserts a lot.
func (r *Repository) SavePosition(ctx context.Context, p *models.Position) error {
	var snapshot []byte
	if p.ConfigSnapshot != nil {
		b, err := json.Marshal(p.ConfigSnapshot)
		if err != nil {
			return fmt.Errorf("encode config snapshot: %w", err)
		}
		snapshot = b
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO positions (
			lot_id, pair, exchange, entry_price, amount, qty_remaining, highest_price,
			entry_fee, entry_order_id, entry_regime,
			sg_break_even_activated, sg_trailing_activated, sg_current_stop_price, sg_scale_out_done,
			config_snapshot, time_stop_disabled, time_stop_expired_at, opened_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (lot_id) DO UPDATE SET
			qty_remaining = EXCLUDED.qty_remaining,
			highest_price = EXCLUDED.highest_price,
			sg_break_even_activated = EXCLUDED.sg_break_even_activated,
			sg_trailing_activated = EXCLUDED.sg_trailing_activated,
			sg_current_stop_price = EXCLUDED.sg_current_stop_price,
			sg_scale_out_done = EXCLUDED.sg_scale_out_done,
			time_stop_disabled = EXCLUDED.time_stop_disabled,
			time_stop_expired_at = EXCLUDED.time_stop_expired_at,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.Pool.Exec(ctx, query,
		p.LotID, p.Pair, p.Exchange, p.EntryPrice, p.Amount, p.QtyRemaining, p.HighestPrice,
		p.EntryFee, nullIfEmpty(p.EntryOrderID), nullIfEmpty(string(p.EntryRegime)),
		p.SgBreakEvenActivated, p.SgTrailingActivated, p.SgCurrentStopPrice, p.SgScaleOutDone,
		snapshot, p.TimeStopDisabled, p.TimeStopExpiredAt, p.OpenedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save position %s: %w", p.LotID, err)
	}
	return nil
}

// DeletePosition removes a lot. Deleting a missing lot is not an error.
func (r *Repository) DeletePosition(ctx context.Context, lotID string) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM positions WHERE lot_id = $1`, lotID); err != nil {
		return fmt.Errorf("failed to delete position %s: %w", lotID, err)
	}
	return nil
}

// ============================================================================
// TRADES
// ============================================================================

const tradeColumns = `trade_id, exchange, pair, type, price, amount, fee, status, executed_at,
	COALESCE(external_id, ''), COALESCE(order_id, ''), COALESCE(fill_id, ''), COALESCE(source, ''),
	COALESCE(lot_id, ''), realized_pnl_usd, realized_pnl_pct, entry_price, created_at`

func scanTrade(row pgx.Row) (*models.TradeRecord, error) {
	t := &models.TradeRecord{}
	var side string
	err := row.Scan(
		&t.TradeID, &t.Exchange, &t.Pair, &side, &t.Price, &t.Amount, &t.Fee, &t.Status, &t.ExecutedAt,
		&t.ExternalID, &t.OrderID, &t.FillID, &t.Source,
		&t.LotID, &t.RealizedPnlUsd, &t.RealizedPnlPct, &t.EntryPrice, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Type = models.OrderSide(side)
	return t, nil
}

func (r *Repository) queryTrades(ctx context.Context, query string, args ...interface{}) ([]*models.TradeRecord, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []*models.TradeRecord
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Repository) queryTrade(ctx context.Context, query string, args ...interface{}) (*models.TradeRecord, error) {
	t, err := scanTrade(r.db.Pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}
	return t, nil
}

// InsertTradeIfAbsent inserts t unless its trade id exists. It reports
// whether a row was written.
func (r *Repository) InsertTradeIfAbsent(ctx context.Context, t *models.TradeRecord) (bool, error) {
	query := `
		INSERT INTO trades (
			trade_id, exchange, pair, type, price, amount, fee, status, executed_at,
			external_id, order_id, fill_id, source, lot_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (trade_id) DO NOTHING`

	tag, err := r.db.Pool.Exec(ctx, query,
		t.TradeID, t.Exchange, t.Pair, string(t.Type), t.Price, t.Amount, t.Fee, t.Status, t.ExecutedAt,
		nullIfEmpty(t.ExternalID), nullIfEmpty(t.OrderID), nullIfEmpty(t.FillID), nullIfEmpty(t.Source),
		nullIfEmpty(t.LotID), t.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert trade %s: %w", t.TradeID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetTrade returns the trade with tradeID, or nil.
func (r *Repository) GetTrade(ctx context.Context, tradeID string) (*models.TradeRecord, error) {
	return r.queryTrade(ctx, `SELECT `+tradeColumns+` FROM trades WHERE trade_id = $1`, tradeID)
}

// GetTradeByOrderID returns the earliest trade of a venue order, or nil.
func (r *Repository) GetTradeByOrderID(ctx context.Context, exchange, orderID string) (*models.TradeRecord, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE exchange = $1 AND order_id = $2 ORDER BY executed_at LIMIT 1`
	return r.queryTrade(ctx, query, exchange, orderID)
}

// GetTradeByFillID returns the trade of a venue fill, or nil.
func (r *Repository) GetTradeByFillID(ctx context.Context, exchange, fillID string) (*models.TradeRecord, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE exchange = $1 AND fill_id = $2 LIMIT 1`
	return r.queryTrade(ctx, query, exchange, fillID)
}

// FindTradesNear returns trades of the same pair and side executed within [from, to].
func (r *Repository) FindTradesNear(ctx context.Context, exchange, pair string, side models.OrderSide, from, to time.Time) ([]*models.TradeRecord, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades
		WHERE exchange = $1 AND pair = $2 AND type = $3 AND executed_at BETWEEN $4 AND $5
		ORDER BY executed_at`
	return r.queryTrades(ctx, query, exchange, pair, string(side), from, to)
}

// ListTrades returns the trades of pair on exchange in execution order.
func (r *Repository) ListTrades(ctx context.Context, exchange, pair string) ([]*models.TradeRecord, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE exchange = $1 AND pair = $2 ORDER BY executed_at, trade_id`
	return r.queryTrades(ctx, query, exchange, pair)
}

// ListTradedPairs returns every (exchange, pair) with at least one trade.
func (r *Repository) ListTradedPairs(ctx context.Context) ([][2]string, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT DISTINCT exchange, pair FROM trades ORDER BY exchange, pair`)
	if err != nil {
		return nil, fmt.Errorf("failed to list traded pairs: %w", err)
	}
	defer rows.Close()

	var out [][2]string
	for rows.Next() {
		var ex, pair string
		if err := rows.Scan(&ex, &pair); err != nil {
			return nil, err
		}
		out = append(out, [2]string{ex, pair})
	}
	return out, rows.Err()
}

// UpdateTradePnL writes FIFO results onto a sell. Nil values clear the columns.
func (r *Repository) UpdateTradePnL(ctx context.Context, tradeID string, pnlUsd, pnlPct, entryPrice *float64) error {
	query := `UPDATE trades SET realized_pnl_usd = $2, realized_pnl_pct = $3, entry_price = $4 WHERE trade_id = $1`
	if _, err := r.db.Pool.Exec(ctx, query, tradeID, pnlUsd, pnlPct, entryPrice); err != nil {
		return fmt.Errorf("failed to update pnl of %s: %w", tradeID, err)
	}
	return nil
}

// ============================================================================
// REGIME STATE
// ============================================================================

// GetRegimeState returns the persisted state of pair, or nil.
func (r *Repository) GetRegimeState(ctx context.Context, pair string) (*models.RegimeState, error) {
	query := `
		SELECT pair, current_regime, COALESCE(candidate_regime, ''), candidate_count, confirmed_at,
		       hold_until, transition_since, last_notified_at, COALESCE(last_params_hash, ''),
		       COALESCE(last_reason_hash, ''), last_adx, updated_at
		FROM regime_state WHERE pair = $1`

	s := &models.RegimeState{}
	var current, candidate string
	err := r.db.Pool.QueryRow(ctx, query, pair).Scan(
		&s.Pair, &current, &candidate, &s.CandidateCount, &s.ConfirmedAt,
		&s.HoldUntil, &s.TransitionSince, &s.LastNotifiedAt, &s.LastParamsHash,
		&s.LastReasonHash, &s.LastADX, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get regime state of %s: %w", pair, err)
	}
	s.CurrentRegime = models.Regime(current)
	s.CandidateRegime = models.Regime(candidate)
	return s, nil
}

// SaveRegimeState upserts the state row of a pair.
func (r *Repository) SaveRegimeState(ctx context.Context, s *models.RegimeState) error {
	query := `
		INSERT INTO regime_state (
			pair, current_regime, candidate_regime, candidate_count, confirmed_at, hold_until,
			transition_since, last_notified_at, last_params_hash, last_reason_hash, last_adx, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (pair) DO UPDATE SET
			current_regime = EXCLUDED.current_regime,
			candidate_regime = EXCLUDED.candidate_regime,
			candidate_count = EXCLUDED.candidate_count,
			confirmed_at = EXCLUDED.confirmed_at,
			hold_until = EXCLUDED.hold_until,
			transition_since = EXCLUDED.transition_since,
			last_notified_at = EXCLUDED.last_notified_at,
			last_params_hash = EXCLUDED.last_params_hash,
			last_reason_hash = EXCLUDED.last_reason_hash,
			last_adx = EXCLUDED.last_adx,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.Pool.Exec(ctx, query,
		s.Pair, string(s.CurrentRegime), nullIfEmpty(string(s.CandidateRegime)), s.CandidateCount,
		s.ConfirmedAt, s.HoldUntil, s.TransitionSince, s.LastNotifiedAt,
		nullIfEmpty(s.LastParamsHash), nullIfEmpty(s.LastReasonHash), s.LastADX, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save regime state of %s: %w", s.Pair, err)
	}
	return nil
}

// ============================================================================
// SYNC CURSORS
// ============================================================================

// GetSyncCursor returns the cursor of (exchange, scope), or nil.
func (r *Repository) GetSyncCursor(ctx context.Context, exchange, scope string) (*models.SyncCursor, error) {
	query := `
		SELECT exchange, scope, last_seen_at, last_run_at, COALESCE(last_error, ''), last_error_at, imported
		FROM sync_cursors WHERE exchange = $1 AND scope = $2`

	c := &models.SyncCursor{}
	err := r.db.Pool.QueryRow(ctx, query, exchange, scope).Scan(
		&c.Exchange, &c.Scope, &c.LastSeenAt, &c.LastRunAt, &c.LastError, &c.LastErrorAt, &c.Imported,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync cursor %s/%s: %w", exchange, scope, err)
	}
	return c, nil
}

// SaveSyncCursor upserts a cursor.
func (r *Repository) SaveSyncCursor(ctx context.Context, c *models.SyncCursor) error {
	query := `
		INSERT INTO sync_cursors (exchange, scope, last_seen_at, last_run_at, last_error, last_error_at, imported)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (exchange, scope) DO UPDATE SET
			last_seen_at = EXCLUDED.last_seen_at,
			last_run_at = EXCLUDED.last_run_at,
			last_error = EXCLUDED.last_error,
			last_error_at = EXCLUDED.last_error_at,
			imported = EXCLUDED.imported`

	_, err := r.db.Pool.Exec(ctx, query,
		c.Exchange, c.Scope, c.LastSeenAt, c.LastRunAt, nullIfEmpty(c.LastError), c.LastErrorAt, c.Imported,
	)
	if err != nil {
		return fmt.Errorf("failed to save sync cursor %s/%s: %w", c.Exchange, c.Scope, err)
	}
	return nil
}
