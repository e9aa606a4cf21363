// Package keysight provides access to their oscilloscopes in Go
package keysight

import (
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/powerlock/comm"
	"github.com/nasa-jpl/powerlock/scpi"
)

// invalidMeasurement is what the scope returns when a measurement can not be made,
// e.g. the trace is clipped
const invalidMeasurement = 9.9e37

var (
	// ErrInvalidMeasurement is generated when the scope reports that it could not measure
	ErrInvalidMeasurement = errors.New("scope could not make the measurement")

	// ErrBadCount is generated when an average of fewer than one sample is requested
	ErrBadCount = errors.New("sample count must be at least one")
)

// Scope is an interface to a keysight oscilloscope
type Scope struct {
	scpi.SCPI

	// Channel is the input the photodetector is wired to, "1" through "4"
	Channel string
}

// NewScope creates a new scope instance that measures channel
func NewScope(addr, channel string) *Scope {
	maker := comm.BackingOffTCPConnMaker(addr, 1*time.Second)
	pool := comm.NewPool(1, time.Hour, maker)
	return &Scope{SCPI: scpi.SCPI{Pool: pool, Handshaking: true}, Channel: channel}
}

// SetScale gets the vertical scale of the scope
func (s *Scope) SetScale(voltsFullScale float64) error {
	str := fmt.Sprintf(":CHANnel%s:RANGe %E", s.Channel, voltsFullScale)
	return s.Write(str)
}

// GetScale returns the scale of the scope in volts full scale
func (s *Scope) GetScale() (float64, error) {
	str := fmt.Sprintf(":CHANnel%s:RANGe?", s.Channel)
	return s.ReadFloat(str)
}

// SetOffset sets the vertical offset of the scope
func (s *Scope) SetOffset(voltsOffZero float64) error {
	str := fmt.Sprintf(":CHANnel%s:OFFSet %E", s.Channel, voltsOffZero)
	return s.Write(str)
}

// SetTimebase sets the full timebase width of the scope in seconds
func (s *Scope) SetTimebase(fullWidth float64) error {
	str := fmt.Sprintf(":TIMebase:RANGe %E", fullWidth)
	return s.Write(str)
}

// GetTimebase returns the timebase width of the scope in seconds
func (s *Scope) GetTimebase() (float64, error) {
	return s.ReadFloat(":TIMebase:RANGe?")
}

// SetBandwidthLimit engages the bandwidth limit on the scope.
// If it is on, the noise is greatly reduced.
func (s *Scope) SetBandwidthLimit(on bool) error {
	mnemonic := "OFF"
	if on {
		mnemonic = "ON"
	}
	str := fmt.Sprintf(":CHANnel%s:BWLimit %s", s.Channel, mnemonic)
	return s.Write(str)
}

// SetAcqMode sets the acquisition mode used by the scope
func (s *Scope) SetAcqMode(mode string) error {
	return s.Write(fmt.Sprintf(":ACQuire:MODE %s", mode))
}

// Run puts the scope in continuous acquisition
func (s *Scope) Run() error {
	return s.Write(":RUN")
}

// MeanVoltage returns the average voltage over the screen
func (s *Scope) MeanVoltage() (float64, error) {
	v, err := s.ReadFloat(fmt.Sprintf(":MEASure:VAVerage? CHANnel%s", s.Channel))
	if err != nil {
		return 0, err
	}
	if math.Abs(v) >= invalidMeasurement {
		return 0, ErrInvalidMeasurement
	}
	return v, nil
}

// SampleAverage returns the mean of count consecutive voltage measurements
func (s *Scope) SampleAverage(count int) (float64, error) {
	if count < 1 {
		return 0, errors.Wrapf(ErrBadCount, "got %d", count)
	}
	var sum float64
	for i := 0; i < count; i++ {
		v, err := s.MeanVoltage()
		if err != nil {
			return 0, errors.Wrapf(err, "sample %d of %d", i+1, count)
		}
		sum += v
	}
	return sum / float64(count), nil
}
