package classifier

import "github.com/nvr-ai/petclassifier/config"

// ConfidenceTier is a coarse confidence band for display.
type ConfidenceTier string

const (
	TierHigh   ConfidenceTier = "high"
	TierMedium ConfidenceTier = "medium"
	TierLow    ConfidenceTier = "low"
)

// Tier maps a confidence to its band. Lower bounds are inclusive.
func Tier(confidence float64, t config.Thresholds) ConfidenceTier {
	switch {
	case confidence >= t.High:
		return TierHigh
	case confidence >= t.Medium:
		return TierMedium
	default:
		return TierLow
	}
}
