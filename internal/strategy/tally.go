package strategy

import (
	"fmt"
	"regexp"
	"strconv"
)

// tallyPattern is the machine-readable tail of every strategy reason.
// Downstream gates parse it; changing the format breaks them.
var tallyPattern = regexp.MustCompile(`Señales:\s*(\d+)/(\d+)`)

// FormatTally renders "<desc> | Señales: <buy>/<sell>".
func FormatTally(desc string, buy, sell int) string {
	return fmt.Sprintf("%s | Señales: %d/%d", desc, buy, sell)
}

// ParseTally extracts the buy/sell counts from a reason. ok is false when the
// reason carries no tally; callers must then treat the signal as unconfirmed.
func ParseTally(reason string) (buy, sell int, ok bool) {
	m := tallyPattern.FindAllStringSubmatch(reason, -1)
	if len(m) == 0 {
		return 0, 0, false
	}
	last := m[len(m)-1]
	b, err := strconv.Atoi(last[1])
	if err != nil {
		return 0, 0, false
	}
	s, err := strconv.Atoi(last[2])
	if err != nil {
		return 0, 0, false
	}
	return b, s, true
}

// ConfirmedBuy reports whether reason carries a tally that backs a BUY with at
// least min confirmations. Unparseable reasons fail closed.
func ConfirmedBuy(reason string, min int) bool {
	buy, sell, ok := ParseTally(reason)
	if !ok {
		return false
	}
	return buy >= min && buy > sell
}
