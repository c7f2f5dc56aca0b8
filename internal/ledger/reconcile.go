package ledger

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"krakenbot/config"
	"krakenbot/internal/logging"
	"krakenbot/internal/models"
)

// MismatchThreshold is the relative difference above which a bot lot is
// corrected to the venue balance.
const MismatchThreshold = 0.05

// PositionStore is the persistence of open lots. GetPosition returns nil, nil
// when the lot does not exist.
type PositionStore interface {
	GetPosition(ctx context.Context, lotID string) (*models.Position, error)
	ListOpenPositions(ctx context.Context) ([]*models.Position, error)
	SavePosition(ctx context.Context, p *models.Position) error
	DeletePosition(ctx context.Context, lotID string) error
}

// PositionBook is the in-memory copy of open lots. It is updated only after
// the store write succeeded.
type PositionBook interface {
	LockLot(lotID string) (unlock func())
	Upsert(p *models.Position)
	Remove(lotID string)
}

// Reconcile actions.
const (
	ReconcileOK              = "OK"
	ReconcileUpdated         = "UPDATED"
	ReconcileDeleted         = "DELETED"
	ReconcileOrphan          = "ORPHAN"
	ReconcileNotBotOwned     = "SKIPPED_NOT_BOT"
	ReconcileExternalIgnored = "EXTERNAL_IGNORED"
	ReconcileExternalSurplus = "EXTERNAL_SURPLUS"
	ReconcileError           = "ERROR"
)

// ReconcileItem is the verdict for one lot or one unowned balance.
type ReconcileItem struct {
	LotID   string  `json:"lot_id,omitempty"`
	Pair    string  `json:"pair,omitempty"`
	Asset   string  `json:"asset"`
	Action  string  `json:"action"`
	BotQty  float64 `json:"bot_qty"`
	RealQty float64 `json:"real_qty"`
	NewQty  float64 `json:"new_qty,omitempty"`
	DiffPct float64 `json:"diff_pct"`
	Reason  string  `json:"reason,omitempty"`
	DryRun  bool    `json:"dry_run"`
}

// ReconcileResult is returned to the admin layer. Created is always zero:
// balances without a bot lot never become positions.
type ReconcileResult struct {
	Exchange  string          `json:"exchange"`
	DryRun    bool            `json:"dry_run"`
	AutoClean bool            `json:"auto_clean"`
	Created   int             `json:"created"`
	Updated   int             `json:"updated"`
	Deleted   int             `json:"deleted"`
	Orphans   int             `json:"orphans"`
	Results   []ReconcileItem `json:"results"`
}

// Reconciler compares bot lots against venue balances.
type Reconciler struct {
	store     PositionStore
	exchanges map[string]config.ExchangeConfig
	quote     string
	logger    *logging.Logger
}

// NewReconciler creates a reconciler. quoteAsset balances are never reported.
func NewReconciler(store PositionStore, exchanges map[string]config.ExchangeConfig, quoteAsset string) *Reconciler {
	return &Reconciler{
		store:     store,
		exchanges: exchanges,
		quote:     strings.ToUpper(quoteAsset),
		logger:    logging.WithComponent("reconcile"),
	}
}

// CanonicalAsset maps a venue asset code to the name used in pairs.
func CanonicalAsset(ex config.ExchangeConfig, asset string) string {
	a := strings.ToUpper(strings.TrimSpace(asset))
	if alias, ok := ex.AssetAliases[a]; ok {
		return strings.ToUpper(alias)
	}
	return a
}

// Reconcile checks every open lot of exchange against balances.
//
// Bot-owned lots whose asset balance is at or under the dust threshold are
// deleted when autoClean is set and reported as ORPHAN otherwise. Lots whose
// combined quantity exceeds the balance by more than MismatchThreshold are
// scaled down to it. A balance above the bot quantity is reported, never
// adopted, and balances with no bot lot are ignored. dryRun computes the same
// verdicts without writing.
func (r *Reconciler) Reconcile(ctx context.Context, exchange string, balances map[string]float64, dryRun, autoClean bool, book PositionBook) (ReconcileResult, error) {
	exchange = strings.ToLower(exchange)
	res := ReconcileResult{Exchange: exchange, DryRun: dryRun, AutoClean: autoClean}
	ex := r.exchanges[exchange]

	held := make(map[string]float64, len(balances))
	for asset, qty := range balances {
		held[CanonicalAsset(ex, asset)] += qty
	}

	all, err := r.store.ListOpenPositions(ctx)
	if err != nil {
		return res, fmt.Errorf("list positions: %w", err)
	}

	byAsset := make(map[string][]*models.Position)
	for _, p := range all {
		if !strings.EqualFold(p.Exchange, exchange) {
			continue
		}
		asset := CanonicalAsset(ex, models.BaseAsset(p.Pair))
		if !p.IsBotOwned() {
			res.Results = append(res.Results, ReconcileItem{
				LotID: p.LotID, Pair: p.Pair, Asset: asset, Action: ReconcileNotBotOwned,
				BotQty: p.QtyRemaining, RealQty: held[asset], DryRun: dryRun,
				Reason: "lot was not opened by the engine",
			})
			continue
		}
		byAsset[asset] = append(byAsset[asset], p)
	}

	assets := make([]string, 0, len(byAsset))
	for a := range byAsset {
		assets = append(assets, a)
	}
	sort.Strings(assets)

	for _, asset := range assets {
		lots := byAsset[asset]
		sort.Slice(lots, func(i, j int) bool { return lots[i].OpenedAt.Before(lots[j].OpenedAt) })
		r.reconcileAsset(ctx, &res, asset, lots, held[asset], ex.DustThreshold(asset), dryRun, autoClean, book)
	}

	for asset, qty := range held {
		if _, owned := byAsset[asset]; owned || asset == r.quote || qty <= ex.DustThreshold(asset) {
			continue
		}
		res.Results = append(res.Results, ReconcileItem{
			Asset: asset, Action: ReconcileExternalIgnored, RealQty: qty, DryRun: dryRun,
			Reason: "balance without a bot lot is never turned into a position",
		})
	}

	r.logger.Info("Reconciliation finished",
		"exchange", exchange,
		"dry_run", dryRun,
		"auto_clean", autoClean,
		"updated", res.Updated,
		"deleted", res.Deleted,
		"orphans", res.Orphans,
		"items", len(res.Results),
	)
	return res, nil
}

func (r *Reconciler) reconcileAsset(ctx context.Context, res *ReconcileResult, asset string, lots []*models.Position, realQty, dust float64, dryRun, autoClean bool, book PositionBook) {
	botQty := 0.0
	for _, p := range lots {
		botQty += p.QtyRemaining
	}
	diffPct := 0.0
	if botQty > 0 {
		diffPct = (realQty - botQty) / botQty * 100
	}

	for _, p := range lots {
		item := ReconcileItem{
			LotID: p.LotID, Pair: p.Pair, Asset: asset,
			BotQty: p.QtyRemaining, RealQty: realQty, DiffPct: diffPct, DryRun: dryRun,
		}

		switch {
		case realQty <= dust:
			if !autoClean {
				item.Action = ReconcileOrphan
				item.Reason = fmt.Sprintf("balance %.8f at or under dust %.8f, needs manual close or auto-clean", realQty, dust)
				res.Orphans++
				break
			}
			item.Action = ReconcileDeleted
			item.Reason = "balance at or under dust"
			if !dryRun {
				if err := r.deleteLot(ctx, p.LotID, book); err != nil {
					item.Action, item.Reason = ReconcileError, err.Error()
					break
				}
			}
			res.Deleted++

		case botQty > 0 && (botQty-realQty)/botQty > MismatchThreshold:
			// Scale every lot by the same factor so the sum matches the venue.
			item.NewQty = p.QtyRemaining * realQty / botQty
			item.Action = ReconcileUpdated
			item.Reason = fmt.Sprintf("bot quantity exceeds balance by %.2f%%", -diffPct)
			if !dryRun {
				if err := r.updateLotQty(ctx, p.LotID, item.NewQty, book); err != nil {
					item.Action, item.Reason = ReconcileError, err.Error()
					break
				}
			}
			res.Updated++

		case botQty > 0 && (realQty-botQty)/botQty > MismatchThreshold:
			item.Action = ReconcileExternalSurplus
			item.Reason = "balance exceeds bot quantity; surplus is not adopted"

		default:
			item.Action = ReconcileOK
		}
		res.Results = append(res.Results, item)
	}
}

// deleteLot removes the lot from the store, then from memory.
func (r *Reconciler) deleteLot(ctx context.Context, lotID string, book PositionBook) error {
	if book != nil {
		defer book.LockLot(lotID)()
	}
	if err := r.store.DeletePosition(ctx, lotID); err != nil {
		r.logger.Error("Failed to delete lot", "lot_id", lotID, "error", err)
		return fmt.Errorf("delete %s: %w", lotID, err)
	}
	if book != nil {
		book.Remove(lotID)
	}
	r.logger.Info("Deleted dust lot", "lot_id", lotID)
	return nil
}

// updateLotQty re-reads the lot under its lock, persists the new quantity,
// then updates memory.
func (r *Reconciler) updateLotQty(ctx context.Context, lotID string, qty float64, book PositionBook) error {
	if book != nil {
		defer book.LockLot(lotID)()
	}
	p, err := r.store.GetPosition(ctx, lotID)
	if err != nil {
		return fmt.Errorf("load %s: %w", lotID, err)
	}
	if p == nil {
		return fmt.Errorf("load %s: lot vanished", lotID)
	}
	p.QtyRemaining = math.Max(0, qty)
	if p.ClampQty() {
		r.logger.Warn("Clamped corrected quantity", "lot_id", lotID, "qty", qty, "amount", p.Amount)
	}
	if err := r.store.SavePosition(ctx, p); err != nil {
		r.logger.Error("Failed to save corrected lot", "lot_id", lotID, "error", err)
		return fmt.Errorf("save %s: %w", lotID, err)
	}
	if book != nil {
		book.Upsert(p)
	}
	r.logger.Info("Corrected lot quantity", "lot_id", lotID, "qty_remaining", p.QtyRemaining)
	return nil
}
