package analysis

import (
	"fmt"
	"math"

	"krakenbot/internal/models"
)

// Filter thresholds and confidence boosts.
const (
	StrictBuyMinAlignment = 0.2
	SellMaxAlignment      = 0.5
	BoostFullAgreement    = 0.15
	BoostLongTermOnly     = 0.10
)

// FilterResult is the outcome of FilterSignal.
type FilterResult struct {
	Signal   models.Signal `json:"signal"`
	Filtered bool          `json:"filtered"`
	Boost    float64       `json:"boost"`
	Reason   string        `json:"reason,omitempty"`
}

// FilterSignal adjusts or vetoes a signal with the trend analysis. HOLD always
// passes. A vetoed signal becomes HOLD but keeps its original reason so the
// signal tally stays readable downstream.
func FilterSignal(sig models.Signal, trend *TrendAnalysis, regime models.Regime) FilterResult {
	res := FilterResult{Signal: sig}
	if sig.IsHold() || trend == nil {
		return res
	}

	var want TrendDirection
	switch sig.Action {
	case models.ActionBuy:
		want = TrendBullish
		if trend.AllAgree(TrendBearish) {
			return veto(res, "all timeframes bearish")
		}
		if (regime == models.RegimeRange || regime == models.RegimeTransition) && trend.Alignment < StrictBuyMinAlignment {
			return veto(res, fmt.Sprintf("%s regime requires alignment >= %.2f, got %.2f", regime, StrictBuyMinAlignment, trend.Alignment))
		}
	case models.ActionSell:
		want = TrendBearish
		if trend.Alignment > SellMaxAlignment {
			return veto(res, fmt.Sprintf("alignment %.2f bullish", trend.Alignment))
		}
	default:
		return res
	}

	switch {
	case trend.AllAgree(want):
		res.Boost = BoostFullAgreement
	case trend.LongTerm == want:
		res.Boost = BoostLongTermOnly
	}
	res.Signal.Confidence = math.Min(1, sig.Confidence+res.Boost)
	return res
}

func veto(res FilterResult, why string) FilterResult {
	res.Filtered = true
	res.Reason = "MTF: " + why
	res.Signal.Action = models.ActionHold
	return res
}
