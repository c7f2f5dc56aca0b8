package models

import "time"

// Regime is the classified market condition of a pair.
type Regime string

const (
	RegimeTrend      Regime = "TREND"
	RegimeRange      Regime = "RANGE"
	RegimeTransition Regime = "TRANSITION"
)

// Valid reports whether r is one of the known regimes.
func (r Regime) Valid() bool {
	switch r {
	case RegimeTrend, RegimeRange, RegimeTransition:
		return true
	}
	return false
}

// RegimeState is the persisted per-pair state of the regime manager.
// One row per pair; created on first detection, never deleted.
type RegimeState struct {
	Pair            string     `json:"pair"`
	CurrentRegime   Regime     `json:"current_regime"`
	CandidateRegime Regime     `json:"candidate_regime,omitempty"`
	CandidateCount  int        `json:"candidate_count"`
	ConfirmedAt     *time.Time `json:"confirmed_at,omitempty"`
	HoldUntil       *time.Time `json:"hold_until,omitempty"`
	TransitionSince *time.Time `json:"transition_since,omitempty"`
	LastNotifiedAt  *time.Time `json:"last_notified_at,omitempty"`
	LastParamsHash  string     `json:"last_params_hash,omitempty"`
	LastReasonHash  string     `json:"last_reason_hash,omitempty"`
	LastADX         float64    `json:"last_adx"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// NewRegimeState returns the initial state for a pair seen for the first time.
func NewRegimeState(pair string, now time.Time) *RegimeState {
	return &RegimeState{
		Pair:            pair,
		CurrentRegime:   RegimeTransition,
		TransitionSince: &now,
		UpdatedAt:       now,
	}
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (s *RegimeState) Clone() *RegimeState {
	if s == nil {
		return nil
	}
	c := *s
	c.ConfirmedAt = cloneTime(s.ConfirmedAt)
	c.HoldUntil = cloneTime(s.HoldUntil)
	c.TransitionSince = cloneTime(s.TransitionSince)
	c.LastNotifiedAt = cloneTime(s.LastNotifiedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
