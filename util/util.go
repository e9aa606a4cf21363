// Package util contains misc internal utilities.
package util

import (
	"fmt"
)

// Clamp limits x to the range [low, high]
func Clamp(x, low, high float64) float64 {
	if x < low {
		return low
	}
	if x > high {
		return high
	}
	return x
}

// ClampInt is Clamp for ints
func ClampInt(x, low, high int) int {
	if x < low {
		return low
	}
	if x > high {
		return high
	}
	return x
}

// Limiter is a min/max pair used to reject out of range requests.
// The zero value imposes no limit.
type Limiter struct {
	Min float64 `yaml:"Min" koanf:"Min"`
	Max float64 `yaml:"Max" koanf:"Max"`
}

// Active returns true if the limiter imposes a range
func (l Limiter) Active() bool {
	return l.Min != 0 || l.Max != 0
}

// Check returns true if x is within the limits
func (l Limiter) Check(x float64) bool {
	if !l.Active() {
		return true
	}
	return x >= l.Min && x <= l.Max
}

// Clamp clamps x to the limits, if they are active
func (l Limiter) Clamp(x float64) float64 {
	if !l.Active() {
		return x
	}
	return Clamp(x, l.Min, l.Max)
}

// ErrLimitViolation is generated when a value is outside a Limiter's range
type ErrLimitViolation struct {
	Value float64
	Limiter
}

func (e ErrLimitViolation) Error() string {
	return fmt.Sprintf("%g violates limits [%g, %g]", e.Value, e.Min, e.Max)
}
