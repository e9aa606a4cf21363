/*Package pid implements a sample-time gated PID controller with a clamped output.

The controller is driven by wall clock timestamps supplied by the caller, not
a ticker.  Calls to Update that arrive before SampleInterval has elapsed since
the last computation are ignored and leave the state untouched, so the
integral only accrues at the gated rate.

The output is clamped to ±OutputLimit.  The default limit is π/4, half the
period of a cos²(2θ) plant, so that a single correction can never carry a
rotation mount past the nearest extremum of the response.
*/
package pid

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/powerlock/util"
)

// DefaultOutputLimit is the clamp used when Config.OutputLimit is zero
const DefaultOutputLimit = math.Pi / 4

// ErrInvalidConfiguration is generated when gains are negative or not
// finite, or the sample interval is not positive
var ErrInvalidConfiguration = errors.New("invalid controller configuration")

// Config holds the parameters of a Controller
type Config struct {
	Setpoint float64 `yaml:"Setpoint" koanf:"Setpoint"`

	Kp float64 `yaml:"Kp" koanf:"Kp"`
	Ki float64 `yaml:"Ki" koanf:"Ki"`
	Kd float64 `yaml:"Kd" koanf:"Kd"`

	// SampleInterval is the minimum time between computations
	SampleInterval time.Duration `yaml:"SampleInterval" koanf:"SampleInterval"`

	// OutputLimit is the magnitude of the output clamp, DefaultOutputLimit if zero
	OutputLimit float64 `yaml:"OutputLimit" koanf:"OutputLimit"`
}

// Gains is the proportional, integral and derivative gain of a controller
type Gains struct {
	Kp float64 `json:"kp"`
	Ki float64 `json:"ki"`
	Kd float64 `json:"kd"`
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func (g Gains) validate() error {
	for _, v := range []struct {
		name string
		val  float64
	}{{"Kp", g.Kp}, {"Ki", g.Ki}, {"Kd", g.Kd}} {
		if !finite(v.val) || v.val < 0 {
			return errors.Wrapf(ErrInvalidConfiguration, "%s must be finite and non-negative, got %g", v.name, v.val)
		}
	}
	return nil
}

// Validate checks c and returns an error wrapping ErrInvalidConfiguration if it is not usable
func (c Config) Validate() error {
	if err := (Gains{Kp: c.Kp, Ki: c.Ki, Kd: c.Kd}).validate(); err != nil {
		return err
	}
	if !finite(c.Setpoint) {
		return errors.Wrapf(ErrInvalidConfiguration, "setpoint must be finite, got %g", c.Setpoint)
	}
	if c.SampleInterval <= 0 {
		return errors.Wrapf(ErrInvalidConfiguration, "sample interval must be positive, got %s", c.SampleInterval)
	}
	if !finite(c.OutputLimit) || c.OutputLimit < 0 {
		return errors.Wrapf(ErrInvalidConfiguration, "output limit must be finite and non-negative, got %g", c.OutputLimit)
	}
	return nil
}

// Controller is a PID controller.  It is not concurrent safe.
type Controller struct {
	setpoint float64
	gains    Gains
	interval time.Duration
	limit    float64

	integral  float64
	prevError float64
	prevTime  time.Time
}

// New returns a controller whose first computation may happen one
// SampleInterval after now
func New(c Config, now time.Time) (*Controller, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	limit := c.OutputLimit
	if limit == 0 {
		limit = DefaultOutputLimit
	}
	return &Controller{
		setpoint: c.Setpoint,
		gains:    Gains{Kp: c.Kp, Ki: c.Ki, Kd: c.Kd},
		interval: c.SampleInterval,
		limit:    limit,
		prevTime: now}, nil
}

// Update feeds a measurement taken at now.  If less than SampleInterval has
// passed since the previous computation, or the measurement is NaN or
// infinite, it returns false and nothing changes.  Otherwise it returns the
// clamped correction and true.
func (c *Controller) Update(measurement float64, now time.Time) (float64, bool) {
	if !finite(measurement) {
		return 0, false
	}
	elapsed := now.Sub(c.prevTime)
	if elapsed < c.interval {
		return 0, false
	}
	err := c.setpoint - measurement
	dt := elapsed.Seconds()
	c.integral += err * dt
	var deriv float64
	if dt != 0 {
		deriv = (err - c.prevError) / dt
	}
	raw := c.gains.Kp*err + c.gains.Ki*c.integral + c.gains.Kd*deriv
	c.prevError = err
	c.prevTime = now
	return util.Clamp(raw, -c.limit, c.limit), true
}

// Snapshot is the controller's memory between computations
type Snapshot struct {
	Integral  float64
	PrevError float64
	PrevTime  time.Time
}

// Snapshot returns the controller's memory, for Restore
func (c *Controller) Snapshot() Snapshot {
	return Snapshot{Integral: c.integral, PrevError: c.prevError, PrevTime: c.prevTime}
}

// Restore puts back memory taken with Snapshot, undoing the Updates since
func (c *Controller) Restore(s Snapshot) {
	c.integral = s.Integral
	c.prevError = s.PrevError
	c.prevTime = s.PrevTime
}

// Reset zeros the integral and previous error and restarts the sample clock at now
func (c *Controller) Reset(now time.Time) {
	c.integral = 0
	c.prevError = 0
	c.prevTime = now
}

// SetSetpoint changes the setpoint and resets the controller
func (c *Controller) SetSetpoint(sp float64, now time.Time) error {
	if !finite(sp) {
		return errors.Wrapf(ErrInvalidConfiguration, "setpoint must be finite, got %g", sp)
	}
	c.setpoint = sp
	c.Reset(now)
	return nil
}

// SetGains changes the gains and resets the controller
func (c *Controller) SetGains(g Gains, now time.Time) error {
	if err := g.validate(); err != nil {
		return err
	}
	c.gains = g
	c.Reset(now)
	return nil
}

// Setpoint returns the setpoint
func (c *Controller) Setpoint() float64 { return c.setpoint }

// Gains returns the gains
func (c *Controller) Gains() Gains { return c.gains }

// Integral returns the integral accumulator
func (c *Controller) Integral() float64 { return c.integral }

// OutputLimit returns the magnitude of the output clamp
func (c *Controller) OutputLimit() float64 { return c.limit }

// SampleInterval returns the minimum time between computations
func (c *Controller) SampleInterval() time.Duration { return c.interval }
