// Package circuit halts new entries after a run of losing exits. Exits are
// never blocked; SMART_GUARD keeps managing open lots while the breaker is
// open.
package circuit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"krakenbot/config"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"    // entries allowed
	StateOpen     State = "open"      // entries halted
	StateHalfOpen State = "half_open" // cooldown over, next exit decides
)

// Stats is a snapshot of the breaker counters.
type Stats struct {
	Enabled           bool      `json:"enabled"`
	State             State     `json:"state"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	HourlyLossPct     float64   `json:"hourly_loss_pct"`
	DailyLossPct      float64   `json:"daily_loss_pct"`
	EntriesThisHour   int       `json:"entries_this_hour"`
	TripReason        string    `json:"trip_reason,omitempty"`
	LastTripAt        time.Time `json:"last_trip_at,omitempty"`
}

// Breaker implements the entry circuit breaker.
type Breaker struct {
	cfg config.BreakerConfig
	now func() time.Time

	mu                sync.Mutex
	state             State
	consecutiveLosses int
	hourlyLoss        float64
	dailyLoss         float64
	entriesThisHour   int
	hourlyResetAt     time.Time
	dailyResetAt      time.Time
	lastTripAt        time.Time
	tripReason        string
	onTrip            func(reason string, s Stats)
	onReset           func()
}

// New creates a breaker. A disabled breaker always allows entries.
func New(cfg config.BreakerConfig) *Breaker {
	b := &Breaker{cfg: cfg, now: time.Now, state: StateClosed}
	b.resetWindows(b.now())
	return b
}

// SetClock replaces the time source and restarts the counting windows.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	b.resetWindows(now())
}

// OnTrip sets callback for when breaker trips. It runs on its own goroutine.
func (b *Breaker) OnTrip(handler func(reason string, s Stats)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = handler
}

// OnReset sets callback for when breaker closes again
func (b *Breaker) OnReset(handler func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReset = handler
}

func (b *Breaker) resetWindows(now time.Time) {
	b.hourlyResetAt = now.Add(time.Hour)
	b.dailyResetAt = now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
}

func (b *Breaker) rollWindows(now time.Time) {
	if !now.Before(b.hourlyResetAt) {
		b.hourlyLoss = 0
		b.entriesThisHour = 0
		b.hourlyResetAt = now.Add(time.Hour)
	}
	if !now.Before(b.dailyResetAt) {
		b.dailyLoss = 0
		b.dailyResetAt = now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	}
}

// CanEnter reports whether a new lot may be opened, with the reason when not.
func (b *Breaker) CanEnter() (bool, string) {
	if !b.cfg.Enabled {
		return true, ""
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.rollWindows(now)

	if b.state == StateOpen {
		elapsed := now.Sub(b.lastTripAt)
		if elapsed < b.cfg.Cooldown {
			return false, fmt.Sprintf("circuit breaker open, cooldown remaining: %v (reason: %s)",
				(b.cfg.Cooldown - elapsed).Round(time.Second), b.tripReason)
		}
		// Cooldown passed: retry with fresh loss streak.
		b.state = StateHalfOpen
		b.consecutiveLosses = 0
	}

	if b.hourlyLoss >= b.cfg.MaxLossPerHourPct {
		return false, fmt.Sprintf("hourly loss limit reached: %.2f%% >= %.2f%%", b.hourlyLoss, b.cfg.MaxLossPerHourPct)
	}
	if b.dailyLoss >= b.cfg.MaxDailyLossPct {
		return false, fmt.Sprintf("daily loss limit reached: %.2f%% >= %.2f%%", b.dailyLoss, b.cfg.MaxDailyLossPct)
	}
	if b.entriesThisHour >= b.cfg.MaxEntriesPerHour {
		return false, fmt.Sprintf("entry rate limit reached: %d entries/hour", b.entriesThisHour)
	}
	return true, ""
}

// RecordEntry counts an opened lot against the hourly entry limit.
func (b *Breaker) RecordEntry() {
	if !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollWindows(b.now())
	b.entriesThisHour++
}

// RecordExit feeds the result of an executed exit, in percent of entry.
func (b *Breaker) RecordExit(pnlPct float64) {
	if !b.cfg.Enabled || math.IsNaN(pnlPct) || math.IsInf(pnlPct, 0) {
		return
	}

	b.mu.Lock()
	now := b.now()
	b.rollWindows(now)

	var onReset func()
	if pnlPct < 0 {
		b.consecutiveLosses++
		b.hourlyLoss += -pnlPct
		b.dailyLoss += -pnlPct
	} else {
		b.consecutiveLosses = 0
		if b.state == StateHalfOpen {
			b.state = StateClosed
			b.tripReason = ""
			onReset = b.onReset
		}
	}

	var reason string
	switch {
	case b.state == StateHalfOpen && pnlPct < 0:
		reason = fmt.Sprintf("loss while probing: %.2f%%", pnlPct)
	case b.consecutiveLosses >= b.cfg.MaxConsecutiveLosses:
		reason = fmt.Sprintf("consecutive losses: %d", b.consecutiveLosses)
	case b.hourlyLoss >= b.cfg.MaxLossPerHourPct:
		reason = fmt.Sprintf("hourly loss: %.2f%%", b.hourlyLoss)
	case b.dailyLoss >= b.cfg.MaxDailyLossPct:
		reason = fmt.Sprintf("daily loss: %.2f%%", b.dailyLoss)
	}

	var onTrip func(string, Stats)
	var snap Stats
	if reason != "" && b.state != StateOpen {
		b.state = StateOpen
		b.lastTripAt = now
		b.tripReason = reason
		onTrip = b.onTrip
		snap = b.statsLocked()
	}
	b.mu.Unlock()

	if onTrip != nil {
		go onTrip(reason, snap)
	}
	if onReset != nil {
		go onReset()
	}
}

// ForceReset manually closes the breaker and clears the loss counters.
func (b *Breaker) ForceReset() {
	b.mu.Lock()
	b.state = StateClosed
	b.consecutiveLosses = 0
	b.hourlyLoss = 0
	b.dailyLoss = 0
	b.tripReason = ""
	onReset := b.onReset
	b.mu.Unlock()

	if onReset != nil {
		go onReset()
	}
}

// Stats returns current statistics
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollWindows(b.now())
	return b.statsLocked()
}

func (b *Breaker) statsLocked() Stats {
	return Stats{
		Enabled:           b.cfg.Enabled,
		State:             b.state,
		ConsecutiveLosses: b.consecutiveLosses,
		HourlyLossPct:     b.hourlyLoss,
		DailyLossPct:      b.dailyLoss,
		EntriesThisHour:   b.entriesThisHour,
		TripReason:        b.tripReason,
		LastTripAt:        b.lastTripAt,
	}
}
