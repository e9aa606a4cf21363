package stabilizer

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/powerlock/util"
)

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"negative gain":       func(c *Config) { c.Ki = -1 },
		"zero interval":       func(c *Config) { c.SampleInterval = 0 },
		"limit beyond a hump": func(c *Config) { c.OutputLimit = 1 },
		"no samples":          func(c *Config) { c.SampleCount = 0 },
		"speed":               func(c *Config) { c.Speed = 101 },
		"telemetry":           func(c *Config) { c.TelemetrySize = -1 },
		"inverted limits":     func(c *Config) { c.SetpointLimits = util.Limiter{Min: 1, Max: 0.5} },
		"setpoint outside":    func(c *Config) { c.SetpointLimits = util.Limiter{Min: 0.6, Max: 1} },
	}
	for name, mut := range cases {
		c := DefaultConfig()
		mut(&c)
		assert.ErrorIs(t, c.Validate(), ErrInvalidConfiguration, name)
	}
}

func TestOutputLimitAtQuarterTurnIsAllowed(t *testing.T) {
	c := DefaultConfig()
	c.OutputLimit = math.Pi / 4
	assert.NoError(t, c.Validate())
}

func TestLoadYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "powerlock.yml")
	doc := "Setpoint: 0.3\nKi: 0.05\nSampleInterval: 250ms\nSetpointLimits:\n  Min: 0.1\n  Max: 0.9\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := LoadYaml(path)
	require.NoError(t, err)
	assert.Equal(t, 0.3, cfg.Setpoint)
	assert.Equal(t, 0.05, cfg.Ki)
	assert.Equal(t, 250*time.Millisecond, cfg.SampleInterval)
	assert.Equal(t, util.Limiter{Min: 0.1, Max: 0.9}, cfg.SetpointLimits)
	// untouched fields keep their defaults
	assert.Equal(t, DefaultConfig().Kp, cfg.Kp)
	assert.Equal(t, DefaultConfig().SampleCount, cfg.SampleCount)
	assert.NoError(t, cfg.Validate())

	_, err = LoadYaml(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestRing(t *testing.T) {
	r := newRing(3)
	assert.Empty(t, r.Contiguous())
	for i := 1; i <= 2; i++ {
		r.Append(Record{Voltage: float64(i)})
	}
	assert.Equal(t, []Record{{Voltage: 1}, {Voltage: 2}}, r.Contiguous())
	for i := 3; i <= 5; i++ {
		r.Append(Record{Voltage: float64(i)})
	}
	assert.Equal(t, []Record{{Voltage: 3}, {Voltage: 4}, {Voltage: 5}}, r.Contiguous())
	assert.Equal(t, 3, r.Len())

	// the copy does not alias the buffer
	out := r.Contiguous()
	out[0].Voltage = 100
	assert.Equal(t, 3., r.Contiguous()[0].Voltage)

	empty := newRing(0)
	empty.Append(Record{Voltage: 1})
	assert.Empty(t, empty.Contiguous())
}
