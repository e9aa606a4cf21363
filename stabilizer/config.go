package stabilizer

import (
	"math"
	"os"
	"time"

	"github.com/go-yaml/yaml"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/powerlock/pid"
	"github.com/nasa-jpl/powerlock/util"
)

// ErrInvalidConfiguration is generated when a Config can not be used.
// It is the same value as pid.ErrInvalidConfiguration.
var ErrInvalidConfiguration = pid.ErrInvalidConfiguration

// Config holds the parameters of a Loop
type Config struct {
	// Setpoint is the detector voltage to hold
	Setpoint float64 `yaml:"Setpoint" koanf:"Setpoint"`

	Kp float64 `yaml:"Kp" koanf:"Kp"`
	Ki float64 `yaml:"Ki" koanf:"Ki"`
	Kd float64 `yaml:"Kd" koanf:"Kd"`

	// SampleInterval is both the PID sample time and the minimum time
	// between moves of the mount
	SampleInterval time.Duration `yaml:"SampleInterval" koanf:"SampleInterval"`

	// SampleCount is how many raw measurements make up one sample
	SampleCount int `yaml:"SampleCount" koanf:"SampleCount"`

	// OutputLimit is the largest correction in radians, π/4 if zero
	OutputLimit float64 `yaml:"OutputLimit" koanf:"OutputLimit"`

	// QueryPosition asks the mount where it is before every move instead of
	// trusting the last commanded angle
	QueryPosition bool `yaml:"QueryPosition" koanf:"QueryPosition"`

	// TelemetrySize is the number of actuations remembered
	TelemetrySize int `yaml:"TelemetrySize" koanf:"TelemetrySize"`

	// SetpointLimits bounds setpoints requested at runtime.  The zero value
	// allows anything.
	SetpointLimits util.Limiter `yaml:"SetpointLimits" koanf:"SetpointLimits"`

	// Speed is the mount velocity in percent set by Prepare, untouched if zero
	Speed int `yaml:"Speed" koanf:"Speed"`

	// HomeOnStart moves the mount to zero in Prepare
	HomeOnStart bool `yaml:"HomeOnStart" koanf:"HomeOnStart"`
}

// DefaultConfig returns a config suitable for an ELL14 and a photodiode
// that reads 0 to 1 V
func DefaultConfig() Config {
	return Config{
		Setpoint:       0.5,
		Kp:             0.5,
		SampleInterval: 500 * time.Millisecond,
		SampleCount:    10,
		TelemetrySize:  1024,
		Speed:          60,
		HomeOnStart:    true,
	}
}

// PID returns the controller configuration embedded in c
func (c Config) PID() pid.Config {
	return pid.Config{
		Setpoint:       c.Setpoint,
		Kp:             c.Kp,
		Ki:             c.Ki,
		Kd:             c.Kd,
		SampleInterval: c.SampleInterval,
		OutputLimit:    c.OutputLimit,
	}
}

// Validate returns an error wrapping ErrInvalidConfiguration if c can not be used
func (c Config) Validate() error {
	if err := c.PID().Validate(); err != nil {
		return err
	}
	if c.OutputLimit > math.Pi/4 {
		return errors.Wrapf(ErrInvalidConfiguration, "output limit %g exceeds π/4, corrections could cross a hump", c.OutputLimit)
	}
	if c.SampleCount < 1 {
		return errors.Wrapf(ErrInvalidConfiguration, "sample count must be at least 1, got %d", c.SampleCount)
	}
	if c.TelemetrySize < 0 {
		return errors.Wrapf(ErrInvalidConfiguration, "telemetry size must not be negative, got %d", c.TelemetrySize)
	}
	if c.Speed < 0 || c.Speed > 100 {
		return errors.Wrapf(ErrInvalidConfiguration, "speed must be in [0, 100], got %d", c.Speed)
	}
	if c.SetpointLimits.Active() {
		if c.SetpointLimits.Min > c.SetpointLimits.Max {
			return errors.Wrapf(ErrInvalidConfiguration, "setpoint limits are inverted, min %g > max %g", c.SetpointLimits.Min, c.SetpointLimits.Max)
		}
		if !c.SetpointLimits.Check(c.Setpoint) {
			lv := util.ErrLimitViolation{Value: c.Setpoint, Limiter: c.SetpointLimits}
			return errors.Wrap(ErrInvalidConfiguration, "setpoint "+lv.Error())
		}
	}
	return nil
}

// LoadYaml converts a (path to a) yaml file into a Config struct.  Fields not
// in the file keep their DefaultConfig values.
func LoadYaml(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	err = yaml.NewDecoder(f).Decode(&cfg)
	return cfg, err
}
