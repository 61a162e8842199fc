package abtest

import "math"

// ConversionRate is conversions over impressions, 0 when nothing was shown.
func ConversionRate(impressions, conversions int64) float64 {
	if impressions <= 0 {
		return 0
	}
	return float64(conversions) / float64(impressions)
}

// Significance runs a two-proportion z-test between a control arm and one test
// arm and reports the result as a discrete confidence level (0, up to 80, 90,
// 95 or 99). Degenerate samples report 0.
func Significance(controlImpressions, controlConversions, variantImpressions, variantConversions int64) float64 {
	n1 := float64(controlImpressions)
	n2 := float64(variantImpressions)
	if n1 == 0 || n2 == 0 {
		return 0
	}
	p1 := float64(controlConversions) / n1
	p2 := float64(variantConversions) / n2
	pooled := (p1*n1 + p2*n2) / (n1 + n2)
	se := math.Sqrt(pooled * (1 - pooled) * (1/n1 + 1/n2))
	if se == 0 {
		return 0
	}
	z := math.Abs(p2-p1) / se
	switch {
	case z >= 2.576:
		return 99
	case z >= 1.96:
		return 95
	case z >= 1.645:
		return 90
	case z >= 1.28:
		return 80
	default:
		return math.Min(80, z*30)
	}
}
