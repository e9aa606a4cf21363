// Package mathx provides small numeric helpers missing from package math
package mathx

import "math"

// Wrap returns x modulo period in the range [0, period).  Unlike math.Mod,
// the result is never negative.  period must be positive.
func Wrap(x, period float64) float64 {
	m := math.Mod(x, period)
	if m < 0 {
		m += period
	}
	// m+period can round up to exactly period for tiny negative m
	if m >= period {
		m = 0
	}
	return m
}
