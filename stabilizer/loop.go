/*Package stabilizer holds the power of a laser beam at a setpoint by turning a
waveplate in front of a polarizer.

A Loop owns a Sampler (the photodetector), an Actuator (the rotation mount)
and a PID controller, and runs them from a single goroutine:

	sample -> compute -> actuate -> sample ...

Sampling and I/O are blocking and count against the sample interval.
Timestamps are taken at the point of measurement.  Corrections that arrive
less than one SampleInterval after the previous computation are dropped by the
controller, and a rate limiter refuses to move the mount more often than once
per SampleInterval regardless, which keeps the ELL14 under its duty cycle.

Faults during a cycle (mount timeouts, garbled replies, sampler errors) are
logged and counted and the cycle is abandoned; the next cycle is the retry.

Other goroutines (the HTTP server) never touch the mount or the controller.
They read published snapshots with Status and Telemetry, and submit commands
(Retune, Home, SetSpeed, ...) which run on the loop goroutine between cycles.
*/
package stabilizer

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/powerlock/pid"
	"github.com/nasa-jpl/powerlock/thorlabs"
	"github.com/nasa-jpl/powerlock/util"
)

var (
	// ErrStopped is generated when a command is sent to a loop that has exited
	ErrStopped = errors.New("control loop is not running")

	// ErrNonFiniteSample is generated when the sampler returns NaN or ±Inf
	ErrNonFiniteSample = errors.New("detector reading is not a finite number")
)

// Sampler produces averaged detector readings
type Sampler interface {
	// SampleAverage returns the mean of count consecutive measurements
	SampleAverage(count int) (float64, error)
}

// Actuator is a forward-only rotation mount, see thorlabs.Elliptec
type Actuator interface {
	MoveAbs(angle float64) error
	GetPos() (float64, error)
	ForwardTarget(delta float64) float64
	LastKnownAngle() float64
	Home() error
	SetSpeed(percent int) error
	GetStatus() error
}

// State is the phase of a control cycle
type State int

const (
	// Sampling is waiting on the detector
	Sampling State = iota

	// Computing is running the controller
	Computing

	// Actuating is talking to the mount
	Actuating

	// Stopped is after Run has returned
	Stopped
)

func (s State) String() string {
	switch s {
	case Sampling:
		return "sampling"
	case Computing:
		return "computing"
	case Actuating:
		return "actuating"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Counters tallies what the loop has done
type Counters struct {
	Cycles       uint64 `json:"cycles"`
	Actuations   uint64 `json:"actuations"`
	Throttled    uint64 `json:"throttled"`
	Timeouts     uint64 `json:"timeouts"`
	Malformed    uint64 `json:"malformed"`
	SampleFaults uint64 `json:"sampleFaults"`
	OtherFaults  uint64 `json:"otherFaults"`
}

// Status is a snapshot of the loop
type Status struct {
	State    string    `json:"state"`
	Setpoint float64   `json:"setpoint"`
	Gains    pid.Gains `json:"gains"`
	Angle    float64   `json:"angle"`
	Voltage  float64   `json:"voltage"`
	Counters
}

type command struct {
	name  string
	fn    func() error
	reply chan error
}

// Loop is the control loop.  Everything but the command and snapshot
// methods must be called from one goroutine.
type Loop struct {
	cfg     Config
	sampler Sampler
	act     Actuator
	ctl     *pid.Controller
	clock   clock.Clock
	guard   *rate.Limiter
	logger  *log.Logger

	cmds     chan command
	done     chan struct{}
	doneOnce sync.Once

	// lastCompute is when the controller last produced an output, was reset,
	// or a sample failed.  The next sample is due one SampleInterval later.
	lastCompute time.Time

	mu     sync.Mutex
	status Status
	telem  *ring
}

// Option configures a Loop
type Option func(*Loop)

// WithClock makes the loop read time from c
func WithClock(c clock.Clock) Option {
	return func(l *Loop) { l.clock = c }
}

// WithLogger makes the loop log to logger instead of the standard logger
func WithLogger(logger *log.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// New creates a loop.  The config is validated and the loop takes ownership
// of the sampler and actuator.
func New(cfg Config, s Sampler, a Actuator, opts ...Option) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if s == nil || a == nil {
		return nil, errors.Wrap(ErrInvalidConfiguration, "a sampler and an actuator are required")
	}
	l := &Loop{
		cfg:     cfg,
		sampler: s,
		act:     a,
		clock:   clock.New(),
		logger:  log.Default(),
		cmds:    make(chan command),
		done:    make(chan struct{}),
		telem:   newRing(cfg.TelemetrySize),
	}
	for _, opt := range opts {
		opt(l)
	}
	now := l.clock.Now()
	ctl, err := pid.New(cfg.PID(), now)
	if err != nil {
		return nil, err
	}
	l.ctl = ctl
	l.lastCompute = now
	l.guard = rate.NewLimiter(rate.Every(cfg.SampleInterval), 1)
	l.status = Status{
		State:    Sampling.String(),
		Setpoint: ctl.Setpoint(),
		Gains:    ctl.Gains(),
		Angle:    a.LastKnownAngle(),
	}
	return l, nil
}

// Config returns the configuration the loop was made with
func (l *Loop) Config() Config {
	return l.cfg
}

// Prepare sets the mount speed and homes it, as configured.  It should be
// called once before Run.
func (l *Loop) Prepare() error {
	if l.cfg.Speed > 0 {
		if err := l.act.SetSpeed(l.cfg.Speed); err != nil {
			return errors.Wrap(err, "setting mount speed")
		}
	}
	if l.cfg.HomeOnStart {
		if err := l.act.Home(); err != nil {
			return errors.Wrap(err, "homing mount")
		}
	}
	l.reset()
	return nil
}

// Run runs cycles until ctx is cancelled.  Cancellation is checked between
// cycles; a cycle in progress is finished first.  Between cycles the loop
// sleeps until the next sample is due, waking early for commands.
func (l *Loop) Run(ctx context.Context) error {
	defer l.stop()
	l.logger.Printf("powerlock: loop running, setpoint %g, sample interval %s", l.ctl.Setpoint(), l.cfg.SampleInterval)
	for {
		if err := l.Step(ctx); err != nil {
			l.logger.Println("powerlock: loop stopped")
			return nil
		}
		l.idle(ctx)
	}
}

// Step applies any queued commands and runs one cycle.  It returns ctx.Err()
// without doing anything if ctx is done.
func (l *Loop) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		l.setState(Stopped)
		return err
	}
	l.drain()
	l.cycle()
	return nil
}

func (l *Loop) stop() {
	l.setState(Stopped)
	l.doneOnce.Do(func() { close(l.done) })
}

// idle waits until the controller will next accept a sample
func (l *Loop) idle(ctx context.Context) {
	d := l.lastCompute.Add(l.cfg.SampleInterval).Sub(l.clock.Now())
	if d <= 0 {
		return
	}
	t := l.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	case c := <-l.cmds:
		l.apply(c)
	}
}

func (l *Loop) drain() {
	for {
		select {
		case c := <-l.cmds:
			l.apply(c)
		default:
			return
		}
	}
}

func (l *Loop) apply(c command) {
	err := c.fn()
	if err != nil {
		l.logger.Printf("powerlock: %s: %v", c.name, err)
	}
	l.publish()
	c.reply <- err
}

// submit runs fn on the loop goroutine and waits for it
func (l *Loop) submit(ctx context.Context, name string, fn func() error) error {
	c := command{name: name, fn: fn, reply: make(chan error, 1)}
	select {
	case l.cmds <- c:
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) reset() {
	now := l.clock.Now()
	l.ctl.Reset(now)
	l.lastCompute = now
	l.publish()
}

func (l *Loop) checkSetpoint(sp float64) error {
	if !l.cfg.SetpointLimits.Check(sp) {
		return util.ErrLimitViolation{Value: sp, Limiter: l.cfg.SetpointLimits}
	}
	return nil
}

// Retune changes the setpoint and gains together and resets the controller
func (l *Loop) Retune(ctx context.Context, setpoint float64, g pid.Gains) error {
	if err := l.checkSetpoint(setpoint); err != nil {
		return err
	}
	pc := l.cfg.PID()
	pc.Setpoint, pc.Kp, pc.Ki, pc.Kd = setpoint, g.Kp, g.Ki, g.Kd
	if err := pc.Validate(); err != nil {
		return err
	}
	return l.submit(ctx, "retune", func() error {
		now := l.clock.Now()
		if err := l.ctl.SetGains(g, now); err != nil {
			return err
		}
		if err := l.ctl.SetSetpoint(setpoint, now); err != nil {
			return err
		}
		l.lastCompute = now
		return nil
	})
}

// SetSetpoint changes the setpoint and resets the controller
func (l *Loop) SetSetpoint(ctx context.Context, setpoint float64) error {
	if err := l.checkSetpoint(setpoint); err != nil {
		return err
	}
	return l.submit(ctx, "set setpoint", func() error {
		now := l.clock.Now()
		if err := l.ctl.SetSetpoint(setpoint, now); err != nil {
			return err
		}
		l.lastCompute = now
		return nil
	})
}

// SetGains changes the gains and resets the controller
func (l *Loop) SetGains(ctx context.Context, g pid.Gains) error {
	return l.submit(ctx, "set gains", func() error {
		now := l.clock.Now()
		if err := l.ctl.SetGains(g, now); err != nil {
			return err
		}
		l.lastCompute = now
		return nil
	})
}

// Home moves the mount to zero and resets the controller
func (l *Loop) Home(ctx context.Context) error {
	return l.submit(ctx, "home", func() error {
		if err := l.act.Home(); err != nil {
			l.count(err, false)
			return err
		}
		l.reset()
		return nil
	})
}

// SetSpeed sets the mount velocity in percent
func (l *Loop) SetSpeed(ctx context.Context, percent int) error {
	return l.submit(ctx, "set speed", func() error {
		err := l.act.SetSpeed(percent)
		if err != nil {
			l.count(err, false)
		}
		return err
	})
}

// MountStatus asks the mount for its status byte and returns it as text,
// "0 - OK, NO ERROR" for a healthy mount
func (l *Loop) MountStatus(ctx context.Context) (string, error) {
	var str string
	err := l.submit(ctx, "query status", func() error {
		var se thorlabs.StatusError
		err := l.act.GetStatus()
		switch {
		case err == nil:
			str = thorlabs.StatusError{}.Error()
		case errors.As(err, &se):
			str = se.Error()
		default:
			l.count(err, false)
			return err
		}
		return nil
	})
	return str, err
}

// Position asks the mount where it is
func (l *Loop) Position(ctx context.Context) (float64, error) {
	var pos float64
	err := l.submit(ctx, "query position", func() error {
		var err error
		pos, err = l.act.GetPos()
		if err != nil {
			l.count(err, false)
		}
		return err
	})
	return pos, err
}

// Status returns a snapshot of the loop.  It is concurrent safe.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Telemetry returns the remembered actuations, oldest first.  It is concurrent safe.
func (l *Loop) Telemetry() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.telem.Contiguous()
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.State = s.String()
}

// publish copies the controller and mount state into the snapshot
func (l *Loop) publish() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.Setpoint = l.ctl.Setpoint()
	l.status.Gains = l.ctl.Gains()
	l.status.Angle = l.act.LastKnownAngle()
}

// count tallies a fault by kind
func (l *Loop) count(err error, sampling bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case errors.Is(err, thorlabs.ErrActuatorTimeout):
		l.status.Timeouts++
	case errors.Is(err, thorlabs.ErrMalformedResponse):
		l.status.Malformed++
	case sampling:
		l.status.SampleFaults++
	default:
		l.status.OtherFaults++
	}
}

// sample reads the detector.  The timestamp is taken after the read returns.
func (l *Loop) sample() (Sample, error) {
	l.setState(Sampling)
	v, err := l.sampler.SampleAverage(l.cfg.SampleCount)
	s := Sample{Time: l.clock.Now(), Voltage: v}
	if err == nil && (math.IsNaN(v) || math.IsInf(v, 0)) {
		err = errors.Wrapf(ErrNonFiniteSample, "got %v", v)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.Cycles++
	if err == nil {
		l.status.Voltage = v
	}
	return s, err
}

func (l *Loop) cycle() {
	s, err := l.sample()
	if err != nil {
		// retry one interval from now, not immediately
		l.lastCompute = s.Time
		l.count(err, true)
		l.logger.Printf("powerlock: sampling: %v, cycle abandoned", err)
		return
	}
	v, now := s.Voltage, s.Time

	l.setState(Computing)
	// the controller's memory only advances on ticks that move the mount
	snap := l.ctl.Snapshot()
	out, ok := l.ctl.Update(v, now)
	if !ok {
		l.setState(Sampling)
		return
	}
	l.lastCompute = now
	if !l.guard.AllowN(now, 1) {
		l.ctl.Restore(snap)
		l.mu.Lock()
		l.status.Throttled++
		l.status.State = Sampling.String()
		l.mu.Unlock()
		return
	}

	l.setState(Actuating)
	defer l.setState(Sampling)
	if l.cfg.QueryPosition {
		if _, err := l.act.GetPos(); err != nil {
			l.count(err, false)
			if !errors.Is(err, thorlabs.ErrMalformedResponse) {
				l.ctl.Restore(snap)
				l.logger.Printf("powerlock: querying position: %v, cycle abandoned", err)
				return
			}
			l.logger.Printf("powerlock: querying position: %v, using last known angle", err)
		}
	}
	target := l.act.ForwardTarget(out)
	if err := l.act.MoveAbs(target); err != nil {
		l.ctl.Restore(snap)
		l.count(err, false)
		l.logger.Printf("powerlock: moving to %.5f rad: %v, cycle abandoned", target, err)
		return
	}

	rec := Record{Time: now, Voltage: v, Error: l.ctl.Setpoint() - v, Output: out, Target: target}
	l.mu.Lock()
	l.status.Actuations++
	l.status.Angle = l.act.LastKnownAngle()
	l.telem.Append(rec)
	l.mu.Unlock()
}
