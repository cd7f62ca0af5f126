package analytics

import "math"

// TwoProportionZTest compares conversion counts of a treatment against a
// control with the pooled normal approximation. It returns the z statistic
// (positive when treatment converts better) and the two-sided confidence
// 1-p. Empty groups or zero variance yield zero confidence.
func TwoProportionZTest(controlConversions, controlN, treatmentConversions, treatmentN int) (z, confidence float64) {
	if controlN <= 0 || treatmentN <= 0 {
		return 0, 0
	}
	n1, n2 := float64(controlN), float64(treatmentN)
	p1 := float64(controlConversions) / n1
	p2 := float64(treatmentConversions) / n2
	pooled := float64(controlConversions+treatmentConversions) / (n1 + n2)

	se := math.Sqrt(pooled * (1 - pooled) * (1/n1 + 1/n2))
	if se == 0 || math.IsNaN(se) {
		return 0, 0
	}

	z = (p2 - p1) / se
	return z, 2*normalCDF(math.Abs(z)) - 1
}

// normalCDF is the standard normal cumulative distribution function.
func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

// Lift is the relative change of rate over baseline. It reports false when
// the baseline is zero.
func Lift(baseline, rate float64) (float64, bool) {
	if baseline == 0 {
		return 0, false
	}
	return (rate - baseline) / baseline, true
}
