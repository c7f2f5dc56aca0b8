// Package ledger records every fill exactly once, matches sells against buys
// FIFO and reconciles bot-owned lots against venue balances.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"krakenbot/internal/models"
)

// canonicalTimeLayout is ISO-8601 in UTC with millisecond precision.
const canonicalTimeLayout = "2006-01-02T15:04:05.000Z"

// CanonicalInput is the normalized tuple behind a trade id.
type CanonicalInput struct {
	Exchange   string
	Pair       string
	ExecutedAt time.Time
	Type       models.OrderSide
	Price      float64
	Amount     float64
	ExternalID string
}

// CanonicalFromFill builds the canonical tuple of a fill.
func CanonicalFromFill(f models.Fill) CanonicalInput {
	return CanonicalInput{
		Exchange:   f.Exchange,
		Pair:       f.Pair,
		ExecutedAt: f.ExecutedAt,
		Type:       f.Type,
		Price:      f.Price,
		Amount:     f.Amount,
		ExternalID: f.ExternalID(),
	}
}

// String renders the canonical form: exchange lower-cased, pair upper-cased,
// UTC milliseconds, type lower-cased, price and amount at 8 decimals,
// external id lower-cased.
func (c CanonicalInput) String() string {
	return strings.Join([]string{
		strings.ToLower(strings.TrimSpace(c.Exchange)),
		strings.ToUpper(strings.TrimSpace(c.Pair)),
		c.ExecutedAt.UTC().Format(canonicalTimeLayout),
		strings.ToLower(strings.TrimSpace(string(c.Type))),
		decimal.NewFromFloat(c.Price).StringFixed(8),
		decimal.NewFromFloat(c.Amount).StringFixed(8),
		strings.ToLower(strings.TrimSpace(c.ExternalID)),
	}, "|")
}

// TradeID is the sha256 of the canonical form, hex encoded. It is the only
// idempotency key of the ledger.
func TradeID(c CanonicalInput) string {
	sum := sha256.Sum256([]byte(c.String()))
	return hex.EncodeToString(sum[:])
}
