package thorlabs

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"

	"github.com/nasa-jpl/powerlock/comm"
	"github.com/nasa-jpl/powerlock/mathx"
	"github.com/nasa-jpl/powerlock/util"
)

// Elliptec ASCII primer
//
// host -> device frames are [address] [opcode] [payload] \r\n
// address is a single hex character, 0 out of the box.  opcodes are two lower
// case letters, payloads are upper case hex.  positions are 32 bit two's
// complement encoder counts, always sent as 8 hex digits.
//
// device -> host frames are [address] [reply code] [payload] \r\n
// reply codes are upper case; PO carries a position, GS carries a status byte.
//
// The ELL14 only turns one way on ma and mr.  A move that would need the
// reverse direction is silently dropped by the firmware, so this driver never
// sends a negative relative move; see MoveRel.

const (
	// OpMoveAbs moves to an absolute position
	OpMoveAbs = "ma"

	// OpMoveRel moves by a (forward) relative amount
	OpMoveRel = "mr"

	// OpGetPos queries the current position
	OpGetPos = "gp"

	// OpSetVelocity sets the motor velocity, as a percentage of maximum
	OpSetVelocity = "sv"

	// OpGetStatus queries the status byte
	OpGetStatus = "gs"

	replyPosition = "PO"
	replyStatus   = "GS"

	// DefaultAddress is the bus address of an unconfigured ELLx device
	DefaultAddress = '0'

	// DefaultTimeout bounds each response read
	DefaultTimeout = 1 * time.Second
)

var (
	// ErrActuatorTimeout is generated when the mount does not respond within
	// the read bound.  It is recoverable, the caller should try again later.
	ErrActuatorTimeout = errors.New("rotation mount did not respond in time")

	// ErrMalformedResponse is generated when a response does not have the
	// expected shape.  It is recoverable; the last known position is stale.
	ErrMalformedResponse = errors.New("malformed response from rotation mount")

	// ErrActuatorUnavailable is generated when the transport can not be opened
	ErrActuatorUnavailable = errors.New("rotation mount unavailable")

	// ErrInvalidResolution is generated when the encoder resolution is not positive
	ErrInvalidResolution = errors.New("encoder resolution must be positive and finite")

	// ErrInvalidAddress is generated when the bus address is not a single hex character
	ErrInvalidAddress = errors.New("bus address must be a single hex character 0-F")

	// StatusCodes maps Elliptec status bytes to messages
	StatusCodes = map[int]string{
		0:  "OK, NO ERROR",
		1:  "COMMUNICATION TIME OUT",
		2:  "MECHANICAL TIME OUT",
		3:  "COMMAND ERROR OR NOT SUPPORTED",
		4:  "VALUE OUT OF RANGE",
		5:  "MODULE ISOLATED",
		6:  "MODULE OUT OF ISOLATION",
		7:  "INITIALIZING ERROR",
		8:  "THERMAL ERROR",
		9:  "BUSY",
		10: "SENSOR ERROR",
		11: "MOTOR ERROR",
		12: "OUT OF RANGE",
		13: "OVER CURRENT ERROR",
	}
)

// StatusError is a nonzero status byte from the device
type StatusError struct {
	Code int
}

func (e StatusError) Error() string {
	if s, ok := StatusCodes[e.Code]; ok {
		return fmt.Sprintf("%d - %s", e.Code, s)
	}
	return fmt.Sprintf("%d - UNKNOWN STATUS CODE", e.Code)
}

// MalformedResponseError describes a response that could not be parsed.
// errors.Is(err, ErrMalformedResponse) is true for it.
type MalformedResponseError struct {
	Response string
	Reason   string
}

func (e MalformedResponseError) Error() string {
	return fmt.Sprintf("%s: %q: %s", ErrMalformedResponse, e.Response, e.Reason)
}

// Is allows errors.Is to match ErrMalformedResponse
func (e MalformedResponseError) Is(target error) bool {
	return target == ErrMalformedResponse
}

// Frame is one host to device command
type Frame struct {
	Address byte
	Opcode  string
	Payload string
}

// String encodes the frame without its terminator
func (f Frame) String() string {
	return string(f.Address) + f.Opcode + f.Payload
}

// ParseFrame decodes a frame (either direction) with any terminator already
// removed.  The opcode is always two characters.
func ParseFrame(s string) (Frame, error) {
	s = strings.TrimRight(s, "\r\n")
	if len(s) < 3 {
		return Frame{}, MalformedResponseError{Response: s, Reason: "shorter than address and code"}
	}
	return Frame{Address: s[0], Opcode: s[1:3], Payload: s[3:]}, nil
}

// ParseAddress converts a configured address ("" for the default) to the bus byte
func ParseAddress(s string) (byte, error) {
	if s == "" {
		return DefaultAddress, nil
	}
	if len(s) != 1 {
		return 0, ErrInvalidAddress
	}
	c := strings.ToUpper(s)[0]
	if (c >= '0' && c <= '9') || (c >= 'A' && c <= 'F') {
		return c, nil
	}
	return 0, ErrInvalidAddress
}

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(addr string, timeout time.Duration) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        9600,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: timeout}
}

// Setup holds what is needed to open an Elliptec mount
type Setup struct {
	// Addr is a serial device (/dev/ttyUSB0, COM3) or host:port of a terminal server
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Serial determines if the connection is serial/RS232 (true) or TCP (false)
	Serial bool `yaml:"Serial" koanf:"Serial"`

	// Address is the bus address of the mount, "0" if blank
	Address string `yaml:"Address" koanf:"Address"`

	// Resolution is radians per encoder count, the ELL14's if zero
	Resolution float64 `yaml:"Resolution" koanf:"Resolution"`

	// Timeout bounds each response read, DefaultTimeout if zero
	Timeout time.Duration `yaml:"Timeout" koanf:"Timeout"`
}

// Elliptec is a Thorlabs Elliptec rotation mount (ELL14) on a serial bus.
//
// It is not concurrent safe; one goroutine should own it.
type Elliptec struct {
	conn       *comm.Terminator
	closer     io.Closer
	addr       byte
	resolution float64
	last       float64

	// stale is set when a reply did not arrive in time and may still come
	stale bool
}

// NewElliptec wraps an already open transport.  Reads on rw must be bounded,
// see comm.NewTimeout.
func NewElliptec(rw io.ReadWriter, address byte, resolution float64) (*Elliptec, error) {
	if !(resolution > 0) || math.IsInf(resolution, 0) {
		return nil, errors.Wrapf(ErrInvalidResolution, "got %g", resolution)
	}
	addr, err := ParseAddress(string(address))
	if err != nil {
		return nil, err
	}
	return &Elliptec{
		conn:       comm.NewTerminator(rw, '\n', []byte("\r\n")),
		addr:       addr,
		resolution: resolution}, nil
}

// OpenElliptec opens the transport described by s and returns a driver that
// owns it.  A transport that can not be opened is ErrActuatorUnavailable.
func OpenElliptec(s Setup) (*Elliptec, error) {
	addr, err := ParseAddress(s.Address)
	if err != nil {
		return nil, err
	}
	res := s.Resolution
	if res == 0 {
		res = ELL14Resolution
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	var maker comm.CreationFunc
	if s.Serial {
		maker = comm.SerialConnMaker(makeSerConf(s.Addr, timeout))
	} else {
		maker = comm.TCPConnMaker(s.Addr, timeout)
	}
	conn, err := comm.Open(maker)
	if err != nil {
		return nil, errors.Wrapf(ErrActuatorUnavailable, "opening %s: %v", s.Addr, err)
	}
	e, err := NewElliptec(comm.NewTimeout(conn, timeout), addr, res)
	if err != nil {
		conn.Close()
		return nil, err
	}
	e.closer = conn
	return e, nil
}

// Close closes the transport, if the driver opened it
func (e *Elliptec) Close() error {
	if e.closer == nil {
		return nil
	}
	return e.closer.Close()
}

// Resolution returns the encoder resolution in radians per count
func (e *Elliptec) Resolution() float64 {
	return e.resolution
}

// LastKnownAngle returns the angle last commanded or queried, in radians
func (e *Elliptec) LastKnownAngle() float64 {
	return e.last
}

func (e *Elliptec) frame(op, payload string) Frame {
	return Frame{Address: e.addr, Opcode: op, Payload: payload}
}

// transact sends one frame and returns the one line the device answers with.
// After a timeout, the late reply to the abandoned command is discarded
// before the next frame is sent so replies stay paired with their commands.
func (e *Elliptec) transact(f Frame) (string, error) {
	if e.stale {
		if _, err := e.conn.Discard(); err != nil {
			return "", errors.Wrap(err, "discarding late replies")
		}
		e.stale = false
	}
	if _, err := io.WriteString(e.conn, f.String()); err != nil {
		if comm.IsTimeout(err) {
			e.stale = true
			return "", errors.Wrapf(ErrActuatorTimeout, "writing %s", f.Opcode)
		}
		return "", errors.Wrapf(err, "writing %s", f.Opcode)
	}
	line, err := e.conn.ReadLine()
	if err != nil {
		if errors.Is(err, comm.ErrTimeout) {
			e.stale = true
			return "", errors.Wrapf(ErrActuatorTimeout, "awaiting reply to %s", f.Opcode)
		}
		return "", errors.Wrapf(err, "awaiting reply to %s", f.Opcode)
	}
	return strings.TrimSpace(string(line)), nil
}

func (e *Elliptec) parseReply(line, code string) (string, error) {
	f, err := ParseFrame(line)
	if err != nil {
		return "", err
	}
	if f.Address != e.addr {
		return "", MalformedResponseError{Response: line, Reason: fmt.Sprintf("from address %c, expected %c", f.Address, e.addr)}
	}
	if f.Opcode != code {
		reason := fmt.Sprintf("reply code %s, expected %s", f.Opcode, code)
		if f.Opcode == replyStatus {
			if st := parseStatus(f.Payload); st != nil {
				reason = reason + " (" + st.Error() + ")"
			}
		}
		return "", MalformedResponseError{Response: line, Reason: reason}
	}
	return f.Payload, nil
}

func parseStatus(payload string) error {
	code, err := strconv.ParseUint(payload, 16, 8)
	if err != nil {
		return MalformedResponseError{Response: payload, Reason: "status is not a hex byte"}
	}
	if code == 0 {
		return nil
	}
	return StatusError{Code: int(code)}
}

// MoveAbs moves to an absolute angle in radians.  The reply is read and
// discarded.
func (e *Elliptec) MoveAbs(angle float64) error {
	counts := AngleToCounts(angle, e.resolution)
	_, err := e.transact(e.frame(OpMoveAbs, EncodeCounts(counts)))
	if err != nil {
		return err
	}
	e.last = angle
	return nil
}

// ForwardTarget converts a signed correction to the absolute target the mount
// can reach by turning forward: (last known angle + delta) mod one turn.
func (e *Elliptec) ForwardTarget(delta float64) float64 {
	return mathx.Wrap(e.last+delta, FullTurn)
}

// MoveRel moves by delta radians.  Negative deltas are not sent as relative
// moves, the firmware would drop them; they become an absolute move to
// ForwardTarget(delta) instead.
func (e *Elliptec) MoveRel(delta float64) error {
	if delta < 0 {
		return e.MoveAbs(e.ForwardTarget(delta))
	}
	counts := AngleToCounts(delta, e.resolution)
	_, err := e.transact(e.frame(OpMoveRel, EncodeCounts(counts)))
	if err != nil {
		return err
	}
	e.last = mathx.Wrap(e.last+delta, FullTurn)
	return nil
}

// GetPos queries the current angle in radians
func (e *Elliptec) GetPos() (float64, error) {
	line, err := e.transact(e.frame(OpGetPos, ""))
	if err != nil {
		return e.last, err
	}
	payload, err := e.parseReply(line, replyPosition)
	if err != nil {
		return e.last, err
	}
	counts, err := DecodeCounts(payload)
	if err != nil {
		return e.last, MalformedResponseError{Response: line, Reason: err.Error()}
	}
	e.last = CountsToAngle(counts, e.resolution)
	return e.last, nil
}

// Home moves to zero.  The mount is homed by an absolute move rather than the
// ho command so that it keeps the forward-only contract.
func (e *Elliptec) Home() error {
	return e.MoveAbs(0)
}

// SetSpeed sets the motor velocity as a percentage of maximum, clamped to [0, 100]
func (e *Elliptec) SetSpeed(percent int) error {
	p := util.ClampInt(percent, 0, 100)
	_, err := e.transact(e.frame(OpSetVelocity, fmt.Sprintf("%02X", p)))
	return err
}

// GetStatus returns nil if the status byte is zero, a StatusError if not
func (e *Elliptec) GetStatus() error {
	line, err := e.transact(e.frame(OpGetStatus, ""))
	if err != nil {
		return err
	}
	payload, err := e.parseReply(line, replyStatus)
	if err != nil {
		return err
	}
	return parseStatus(payload)
}
