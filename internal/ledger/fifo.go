package ledger

import (
	"sort"
	"time"

	"krakenbot/internal/models"
)

// Discard reasons for sells that could not be fully matched.
const (
	DiscardNoOpenLots = "NO_OPEN_LOTS"
	DiscardExcessSell = "EXCESS_SELL"
)

// Lot is an open buy in the FIFO queue.
type Lot struct {
	TradeID   string    `json:"trade_id"`
	Time      time.Time `json:"time"`
	Qty       float64   `json:"qty"`
	Remaining float64   `json:"remaining"`
	Price     float64   `json:"price"`
	Fee       float64   `json:"fee"`
}

// Match is one slice of a sell consumed from one buy lot.
type Match struct {
	BuyTradeID string  `json:"buy_trade_id"`
	Qty        float64 `json:"qty"`
	BuyPrice   float64 `json:"buy_price"`
	CostUsd    float64 `json:"cost_usd"`
	BuyFee     float64 `json:"buy_fee"`
}

// SellResult is the FIFO outcome of one sell.
type SellResult struct {
	TradeID        string    `json:"trade_id"`
	Time           time.Time `json:"time"`
	Qty            float64   `json:"qty"`
	MatchedQty     float64   `json:"matched_qty"`
	UnmatchedQty   float64   `json:"unmatched_qty"`
	Price          float64   `json:"price"`
	Fee            float64   `json:"fee"`
	RevenueUsd     float64   `json:"revenue_usd"`
	CostUsd        float64   `json:"cost_usd"`
	BuyFees        float64   `json:"buy_fees"`
	SellFee        float64   `json:"sell_fee"`
	RealizedPnlUsd float64   `json:"realized_pnl_usd"`
	RealizedPnlPct float64   `json:"realized_pnl_pct"`
	EntryPrice     float64   `json:"entry_price"`
	DiscardReason  string    `json:"discard_reason,omitempty"`
	Matches        []Match   `json:"matches,omitempty"`
}

// FIFOResult is the outcome of MatchFIFO for one pair on one exchange.
type FIFOResult struct {
	Exchange       string       `json:"exchange"`
	Pair           string       `json:"pair"`
	Sells          []SellResult `json:"sells"`
	OpenLots       []Lot        `json:"open_lots"`
	RealizedPnlUsd float64      `json:"realized_pnl_usd"`
	Discards       int          `json:"discards"`
}

// sortTrades orders by execution time; at equal times buys go first, then
// trade id breaks the tie so the order is stable across runs.
func sortTrades(trades []*models.TradeRecord) []*models.TradeRecord {
	out := make([]*models.TradeRecord, 0, len(trades))
	for _, t := range trades {
		if t.Status == "" || t.Status == models.TradeStatusFilled {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.ExecutedAt.Equal(b.ExecutedAt) {
			return a.ExecutedAt.Before(b.ExecutedAt)
		}
		if a.Type != b.Type {
			return a.Type == models.SideBuy
		}
		return a.TradeID < b.TradeID
	})
	return out
}

// MatchFIFO consumes buy lots oldest-first with each sell. A partially
// consumed lot contributes a prorated share of its fee. Sell quantity beyond
// the open lots is reported as unmatched and never creates a negative lot;
// the sell fee is prorated to the matched share in that case.
func MatchFIFO(trades []*models.TradeRecord) FIFOResult {
	var res FIFOResult
	var queue []*Lot

	for _, t := range sortTrades(trades) {
		if t.Type == models.SideBuy {
			queue = append(queue, &Lot{TradeID: t.TradeID, Time: t.ExecutedAt, Qty: t.Amount, Remaining: t.Amount, Price: t.Price, Fee: t.Fee})
			continue
		}

		s := SellResult{TradeID: t.TradeID, Time: t.ExecutedAt, Qty: t.Amount, Price: t.Price, Fee: t.Fee}
		need := t.Amount
		for need > AmountEpsilon && len(queue) > 0 {
			lot := queue[0]
			take := need
			if lot.Remaining < take {
				take = lot.Remaining
			}
			m := Match{
				BuyTradeID: lot.TradeID,
				Qty:        take,
				BuyPrice:   lot.Price,
				CostUsd:    take * lot.Price,
			}
			if lot.Qty > 0 {
				m.BuyFee = lot.Fee * take / lot.Qty
			}
			s.Matches = append(s.Matches, m)
			s.MatchedQty += take
			s.CostUsd += m.CostUsd
			s.BuyFees += m.BuyFee

			lot.Remaining -= take
			need -= take
			if lot.Remaining <= AmountEpsilon {
				queue = queue[1:]
			}
		}

		if need > AmountEpsilon {
			s.UnmatchedQty = need
			res.Discards++
			if s.MatchedQty <= AmountEpsilon {
				s.DiscardReason = DiscardNoOpenLots
			} else {
				s.DiscardReason = DiscardExcessSell
			}
		}

		if s.MatchedQty > AmountEpsilon {
			s.RevenueUsd = s.MatchedQty * s.Price
			s.SellFee = s.Fee
			if s.UnmatchedQty > 0 && s.Qty > 0 {
				s.SellFee = s.Fee * s.MatchedQty / s.Qty
			}
			s.RealizedPnlUsd = s.RevenueUsd - s.CostUsd - s.BuyFees - s.SellFee
			if basis := s.CostUsd + s.BuyFees; basis > 0 {
				s.RealizedPnlPct = s.RealizedPnlUsd / basis * 100
			}
			s.EntryPrice = s.CostUsd / s.MatchedQty
			res.RealizedPnlUsd += s.RealizedPnlUsd
		}
		res.Sells = append(res.Sells, s)
	}

	for _, lot := range queue {
		res.OpenLots = append(res.OpenLots, *lot)
	}
	return res
}

// Summary aggregates one FIFO run for reporting.
type Summary struct {
	Exchange       string  `json:"exchange"`
	Pair           string  `json:"pair"`
	Buys           int     `json:"buys"`
	Sells          int     `json:"sells"`
	Wins           int     `json:"wins"`
	Losses         int     `json:"losses"`
	RealizedPnlUsd float64 `json:"realized_pnl_usd"`
	FeesUsd        float64 `json:"fees_usd"`
	OpenQty        float64 `json:"open_qty"`
	OpenCostUsd    float64 `json:"open_cost_usd"`
	Discards       int     `json:"discards"`
}

// WinRate is the share of matched sells with positive P&L, in percent.
func (s Summary) WinRate() float64 {
	if s.Wins+s.Losses == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Wins+s.Losses) * 100
}

// Summarize folds the trades and their FIFO result into a Summary.
func Summarize(trades []*models.TradeRecord, res FIFOResult) Summary {
	sum := Summary{Exchange: res.Exchange, Pair: res.Pair, RealizedPnlUsd: res.RealizedPnlUsd, Discards: res.Discards}
	for _, t := range trades {
		if t.Type == models.SideBuy {
			sum.Buys++
		} else {
			sum.Sells++
		}
		sum.FeesUsd += t.Fee
	}
	for _, s := range res.Sells {
		if s.MatchedQty <= AmountEpsilon {
			continue
		}
		if s.RealizedPnlUsd > 0 {
			sum.Wins++
		} else {
			sum.Losses++
		}
	}
	for _, l := range res.OpenLots {
		sum.OpenQty += l.Remaining
		sum.OpenCostUsd += l.Remaining * l.Price
	}
	return sum
}
