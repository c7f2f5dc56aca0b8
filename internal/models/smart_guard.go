package models

// Time-stop modes.
const (
	TimeStopSoft = "soft"
	TimeStopHard = "hard"
)

// SmartGuardConfig is the per-lot exit/risk policy. A copy is captured at entry
// and stored with the position; later global edits never reach an open lot.
type SmartGuardConfig struct {
	// Sizing
	MinEntryUsd   float64 `json:"sg_min_entry_usd" yaml:"min_entry_usd" default:"100"`
	AllowUnderMin bool    `json:"sg_allow_under_min" yaml:"allow_under_min" default:"true"`
	FeeCushionPct float64 `json:"sg_fee_cushion_pct" yaml:"fee_cushion_pct" default:"0.52"`

	// Fees. Copied from the venue's taker fee when the snapshot is taken.
	TakerFeePct float64 `json:"taker_fee_pct" yaml:"-" default:"0.26"`

	// Static stop-loss / take-profit
	StopLossPct   float64 `json:"stop_loss_pct" yaml:"stop_loss_pct" default:"5"`
	TakeProfitPct float64 `json:"take_profit_pct" yaml:"take_profit_pct" default:"7"`

	// ATR-derived stops
	UseATRStops   bool    `json:"use_atr_stops" yaml:"use_atr_stops"`
	ATRStopMult   float64 `json:"atr_stop_mult" yaml:"atr_stop_mult" default:"1.5"`
	ATRTargetMult float64 `json:"atr_target_mult" yaml:"atr_target_mult" default:"2.5"`
	MinStopPct    float64 `json:"min_stop_pct" yaml:"min_stop_pct" default:"1"`
	MaxStopPct    float64 `json:"max_stop_pct" yaml:"max_stop_pct" default:"6"`
	MinTargetPct  float64 `json:"min_target_pct" yaml:"min_target_pct" default:"1.5"`
	MaxTargetPct  float64 `json:"max_target_pct" yaml:"max_target_pct" default:"10"`

	// Break-even and trailing
	BeAtPct          float64 `json:"sg_be_at_pct" yaml:"be_at_pct" default:"1.5"`
	TrailStartPct    float64 `json:"sg_trail_start_pct" yaml:"trail_start_pct" default:"2"`
	TrailDistancePct float64 `json:"sg_trail_distance_pct" yaml:"trail_distance_pct" default:"1.5"`
	TrailStepPct     float64 `json:"sg_trail_step_pct" yaml:"trail_step_pct" default:"0.25"`

	// Fixed take-profit on top of trailing
	TpFixedEnabled bool    `json:"sg_tp_fixed_enabled" yaml:"tp_fixed_enabled"`
	TpFixedPct     float64 `json:"sg_tp_fixed_pct" yaml:"tp_fixed_pct" default:"10"`

	// Scale-out
	ScaleOutEnabled   bool    `json:"sg_scale_out_enabled" yaml:"scale_out_enabled"`
	ScaleOutThreshold float64 `json:"sg_scale_out_threshold" yaml:"scale_out_threshold" default:"3"`
	ScaleOutPct       float64 `json:"sg_scale_out_pct" yaml:"scale_out_pct" default:"35"`
	MinPartUsd        float64 `json:"sg_min_part_usd" yaml:"min_part_usd" default:"50"`

	// Time-stop
	TimeStopHours float64 `json:"time_stop_hours" yaml:"time_stop_hours" default:"36"`
	TimeStopMode  string  `json:"time_stop_mode" yaml:"time_stop_mode" default:"soft" validate:"omitempty,oneof=soft hard"`
}

// RoundTripFeePct is the taker fee paid on entry plus exit.
func (c SmartGuardConfig) RoundTripFeePct() float64 {
	return c.TakerFeePct * 2
}

// SmartGuardOverride holds per-pair values that win over the global config.
// Nil fields inherit.
type SmartGuardOverride struct {
	MinEntryUsd       *float64 `json:"sg_min_entry_usd,omitempty" yaml:"min_entry_usd"`
	AllowUnderMin     *bool    `json:"sg_allow_under_min,omitempty" yaml:"allow_under_min"`
	StopLossPct       *float64 `json:"stop_loss_pct,omitempty" yaml:"stop_loss_pct"`
	TakeProfitPct     *float64 `json:"take_profit_pct,omitempty" yaml:"take_profit_pct"`
	UseATRStops       *bool    `json:"use_atr_stops,omitempty" yaml:"use_atr_stops"`
	BeAtPct           *float64 `json:"sg_be_at_pct,omitempty" yaml:"be_at_pct"`
	TrailStartPct     *float64 `json:"sg_trail_start_pct,omitempty" yaml:"trail_start_pct"`
	TrailDistancePct  *float64 `json:"sg_trail_distance_pct,omitempty" yaml:"trail_distance_pct"`
	TrailStepPct      *float64 `json:"sg_trail_step_pct,omitempty" yaml:"trail_step_pct"`
	TpFixedEnabled    *bool    `json:"sg_tp_fixed_enabled,omitempty" yaml:"tp_fixed_enabled"`
	TpFixedPct        *float64 `json:"sg_tp_fixed_pct,omitempty" yaml:"tp_fixed_pct"`
	ScaleOutEnabled   *bool    `json:"sg_scale_out_enabled,omitempty" yaml:"scale_out_enabled"`
	ScaleOutThreshold *float64 `json:"sg_scale_out_threshold,omitempty" yaml:"scale_out_threshold"`
	ScaleOutPct       *float64 `json:"sg_scale_out_pct,omitempty" yaml:"scale_out_pct"`
	MinPartUsd        *float64 `json:"sg_min_part_usd,omitempty" yaml:"min_part_usd"`
	TimeStopHours     *float64 `json:"time_stop_hours,omitempty" yaml:"time_stop_hours"`
	TimeStopMode      *string  `json:"time_stop_mode,omitempty" yaml:"time_stop_mode"`
}

// Apply returns c with every non-nil override field replaced.
func (c SmartGuardConfig) Apply(o *SmartGuardOverride) SmartGuardConfig {
	if o == nil {
		return c
	}
	setF := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	setB := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	setF(&c.MinEntryUsd, o.MinEntryUsd)
	setB(&c.AllowUnderMin, o.AllowUnderMin)
	setF(&c.StopLossPct, o.StopLossPct)
	setF(&c.TakeProfitPct, o.TakeProfitPct)
	setB(&c.UseATRStops, o.UseATRStops)
	setF(&c.BeAtPct, o.BeAtPct)
	setF(&c.TrailStartPct, o.TrailStartPct)
	setF(&c.TrailDistancePct, o.TrailDistancePct)
	setF(&c.TrailStepPct, o.TrailStepPct)
	setB(&c.TpFixedEnabled, o.TpFixedEnabled)
	setF(&c.TpFixedPct, o.TpFixedPct)
	setB(&c.ScaleOutEnabled, o.ScaleOutEnabled)
	setF(&c.ScaleOutThreshold, o.ScaleOutThreshold)
	setF(&c.ScaleOutPct, o.ScaleOutPct)
	setF(&c.MinPartUsd, o.MinPartUsd)
	setF(&c.TimeStopHours, o.TimeStopHours)
	if o.TimeStopMode != nil {
		c.TimeStopMode = *o.TimeStopMode
	}
	return c
}
