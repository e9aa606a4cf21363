package util_test

import (
	"fmt"
	"testing"

	"github.com/nasa-jpl/powerlock/util"
)

func ExampleClamp() {
	fmt.Println(util.Clamp(20, 0, 10), util.Clamp(-1, 0, 10), util.Clamp(5, 0, 10))
	// Output: 10 0 5
}

func TestClampHigh(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = 20.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != high {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestClampLow(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = -1.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != low {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestClampInt(t *testing.T) {
	if out := util.ClampInt(150, 0, 100); out != 100 {
		t.Errorf("expected 100 got %d", out)
	}
	if out := util.ClampInt(-3, 0, 100); out != 0 {
		t.Errorf("expected 0 got %d", out)
	}
}

func TestZeroLimiterAllowsAnything(t *testing.T) {
	l := util.Limiter{}
	if !l.Check(1e9) || !l.Check(-1e9) {
		t.Error("zero value limiter rejected a value")
	}
}

func TestLimiterCheck(t *testing.T) {
	l := util.Limiter{Min: 0, Max: 1.5}
	if !l.Check(0.2) {
		t.Error("expected 0.2 to be within [0, 1.5]")
	}
	if l.Check(2) {
		t.Error("expected 2 to violate [0, 1.5]")
	}
	if out := l.Clamp(2); out != 1.5 {
		t.Errorf("expected clamp to 1.5, got %f", out)
	}
}
