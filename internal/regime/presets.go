package regime

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"krakenbot/internal/models"
)

// Preset is the set of parameters the router applies while a regime is confirmed.
type Preset struct {
	MinSignals       int     `json:"min_signals"`
	BeAtPct          float64 `json:"be_at_pct"`
	TrailStartPct    float64 `json:"trail_start_pct"`
	TrailDistancePct float64 `json:"trail_distance_pct"`
	TpFixedPct       float64 `json:"tp_fixed_pct"`
}

var presets = map[models.Regime]Preset{
	models.RegimeTrend:      {MinSignals: 5, BeAtPct: 2.0, TrailStartPct: 2.5, TrailDistancePct: 2.0, TpFixedPct: 8},
	models.RegimeRange:      {MinSignals: 6, BeAtPct: 1.0, TrailStartPct: 1.5, TrailDistancePct: 1.0, TpFixedPct: 3},
	models.RegimeTransition: {MinSignals: 4, BeAtPct: 1.5, TrailStartPct: 2.0, TrailDistancePct: 1.5, TpFixedPct: 5},
}

// PresetFor returns the preset of r; unknown regimes get the TRANSITION preset.
func PresetFor(r models.Regime) Preset {
	if p, ok := presets[r]; ok {
		return p
	}
	return presets[models.RegimeTransition]
}

// ApplyPreset lays the regime preset over a SMART_GUARD config. Per-pair
// overrides must be applied afterwards so they still win.
func ApplyPreset(cfg models.SmartGuardConfig, r models.Regime) models.SmartGuardConfig {
	p := PresetFor(r)
	cfg.BeAtPct = p.BeAtPct
	cfg.TrailStartPct = p.TrailStartPct
	cfg.TrailDistancePct = p.TrailDistancePct
	cfg.TpFixedPct = p.TpFixedPct
	return cfg
}

// GetRegimeMinSignals resolves the signal minimum for a strategy: a valid
// override in [1,10] first, then the regime preset, never below base.
func GetRegimeMinSignals(r models.Regime, base int, override *int) int {
	n := PresetFor(r).MinSignals
	if override != nil && *override >= 1 && *override <= 10 {
		n = *override
	}
	if n < base {
		return base
	}
	return n
}

// ParamsHash fingerprints the preset that a regime change would apply.
func ParamsHash(r models.Regime) string {
	p := PresetFor(r)
	return shortHash(fmt.Sprintf("%s|%d|%.4f|%.4f|%.4f|%.4f",
		r, p.MinSignals, p.BeAtPct, p.TrailStartPct, p.TrailDistancePct, p.TpFixedPct))
}

// ReasonHash fingerprints a human reason string.
func ReasonHash(reason string) string {
	return shortHash(reason)
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
