// Package sim contains simulated optics for running the stabilizer without hardware
package sim

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// ErrBadCount is generated when a sample average of fewer than one sample is requested
var ErrBadCount = errors.New("sample count must be at least one")

// AngleSource reports the angle of a waveplate, in radians
type AngleSource interface {
	Angle() float64
}

// Photodiode is a detector behind a waveplate and polarizer.  Its voltage is
//
//	Peak * cos²(2θ + Phase) + Offset
//
// plus optional gaussian noise with standard deviation Noise.
type Photodiode struct {
	sync.Mutex

	// Mount is the waveplate the beam passes through
	Mount AngleSource

	Peak   float64
	Phase  float64
	Offset float64
	Noise  float64

	// Latency is the time each raw measurement takes
	Latency time.Duration

	clock clock.Clock
	rng   *rand.Rand
}

// NewPhotodiode returns a noiseless unit photodiode behind mount
func NewPhotodiode(mount AngleSource) *Photodiode {
	return &Photodiode{
		Mount: mount,
		Peak:  1,
		clock: clock.New(),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// WithClock replaces the clock used to sleep out the latency and returns p
func (p *Photodiode) WithClock(c clock.Clock) *Photodiode {
	p.Lock()
	defer p.Unlock()
	p.clock = c
	return p
}

// Seed makes the noise deterministic
func (p *Photodiode) Seed(seed int64) {
	p.Lock()
	defer p.Unlock()
	p.rng = rand.New(rand.NewSource(seed))
}

// Voltage is the noiseless response at angle
func (p *Photodiode) Voltage(angle float64) float64 {
	c := math.Cos(2*angle + p.Phase)
	return p.Peak*c*c + p.Offset
}

// Read takes one raw measurement
func (p *Photodiode) Read() float64 {
	p.Lock()
	defer p.Unlock()
	return p.read()
}

func (p *Photodiode) read() float64 {
	if p.Latency > 0 {
		p.clock.Sleep(p.Latency)
	}
	v := p.Voltage(p.Mount.Angle())
	if p.Noise > 0 {
		v += p.rng.NormFloat64() * p.Noise
	}
	return v
}

// SampleAverage returns the mean of count consecutive measurements
func (p *Photodiode) SampleAverage(count int) (float64, error) {
	if count < 1 {
		return 0, errors.Wrapf(ErrBadCount, "got %d", count)
	}
	p.Lock()
	defer p.Unlock()
	var sum float64
	for i := 0; i < count; i++ {
		sum += p.read()
	}
	return sum / float64(count), nil
}
