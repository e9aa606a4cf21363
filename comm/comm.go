/*Package comm provides transports and small wrappers for communication with lab hardware.

Most usages of this package will boil down to:
	1.  make a CreationFunc with SerialConnMaker or BackingOffTCPConnMaker.
	2.  either call it once and own the connection (single-owner drivers), or
		put it behind a Pool (drivers shared between goroutines).
	3.  wrap the connection with NewTimeout so that every read and write is
		bounded, if the connection supports deadlines.  Serial ports bound
		their reads with serial.Config.ReadTimeout instead.
	4.  wrap that with NewTerminator so writes carry the Tx terminator and
		each Read returns exactly one response with the Rx terminator stripped.

A minimal example for a sensor that responds to "RD?" with a number:

	maker := comm.SerialConnMaker(&serial.Config{Name: "/dev/ttyUSB0", Baud: 9600, ReadTimeout: time.Second})
	conn, err := comm.Open(maker)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	term := comm.NewTerminator(conn, '\r', []byte{'\r'})
	if _, err := io.WriteString(term, "RD?"); err != nil {
		return 0, err
	}
	line, err := term.ReadLine()
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(string(line), 64)
*/
package comm

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")

	// ErrTimeout is generated when the remote does not produce a complete
	// response within the read bound
	ErrTimeout = errors.New("timeout waiting for response from remote")
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// SerialConnMaker returns a CreationFunc that opens the serial port described by conf
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(conf)
	}
}

// TCPConnMaker returns a CreationFunc that dials addr once with a connect timeout
func TCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return net.DialTimeout("tcp", addr, timeout)
	}
}

// BackingOffTCPConnMaker is TCPConnMaker, with the dial retried on an
// exponential backoff.  Terminal servers do not like being connection thrashed.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return Open(TCPConnMaker(addr, timeout))
	}
}

// Open calls maker until it succeeds, the error is permanent (connection
// refused, no such device), or the backoff gives up after a few seconds.
func Open(maker CreationFunc) (io.ReadWriteCloser, error) {
	var conn io.ReadWriteCloser
	op := func() error {
		c, err := maker()
		if err != nil {
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func isPermanent(err error) bool {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return true
	}
	errS := strings.ToLower(err.Error())
	return strings.Contains(errS, "refused") || strings.Contains(errS, "no such")
}

// IsTimeout returns true if err is a read bound expiring, in any of the ways
// the standard library, serial ports, or this package report it
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// Timeout bounds every Read and Write on a connection that supports deadlines
type Timeout struct {
	conn    io.ReadWriter
	dl      deadliner
	timeout time.Duration
}

// NewTimeout wraps rw so each call is bounded by timeout.  If rw has no
// deadlines (e.g. a serial port, which is bounded by its own ReadTimeout), rw is
// returned as-is.
func NewTimeout(rw io.ReadWriter, timeout time.Duration) io.ReadWriter {
	dl, ok := rw.(deadliner)
	if !ok || timeout <= 0 {
		return rw
	}
	return &Timeout{conn: rw, dl: dl, timeout: timeout}
}

// Read sets the read deadline, then reads
func (t *Timeout) Read(p []byte) (int, error) {
	if err := t.dl.SetReadDeadline(time.Now().Add(t.timeout)); err != nil {
		return 0, err
	}
	return t.conn.Read(p)
}

// Write sets the write deadline, then writes
func (t *Timeout) Write(p []byte) (int, error) {
	if err := t.dl.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
		return 0, err
	}
	return t.conn.Write(p)
}

// Terminator appends a transmit terminator to every write and splits reads
// on a receive terminator.  It buffers, so one Terminator should live as long
// as the connection it wraps.
type Terminator struct {
	conn io.ReadWriter
	br   *bufio.Reader
	rx   byte
	tx   []byte
}

// NewTerminator returns a Terminator over conn
func NewTerminator(conn io.ReadWriter, rx byte, tx []byte) *Terminator {
	return &Terminator{conn: conn, br: bufio.NewReader(conn), rx: rx, tx: tx}
}

// Write sends p followed by the Tx terminator in a single write
func (t *Terminator) Write(p []byte) (int, error) {
	buf := make([]byte, 0, len(p)+len(t.tx))
	buf = append(buf, p...)
	buf = append(buf, t.tx...)
	n, err := t.conn.Write(buf)
	if n > len(p) {
		n = len(p)
	}
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	return n, err
}

// ReadLine returns the next response with the Rx terminator stripped.
// A read bound that expires before the terminator arrives is ErrTimeout.
func (t *Terminator) ReadLine() ([]byte, error) {
	line, err := t.br.ReadBytes(t.rx)
	if err != nil {
		if IsTimeout(err) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrNoProgress) {
			// serial ports report an expired VTIME as a zero byte read, which
			// the os package turns into io.EOF
			return line, ErrTimeout
		}
		return line, err
	}
	return line[:len(line)-1], nil
}

// Discard drops anything buffered, then reads and drops lines until the read
// bound expires.  It returns the number of bytes dropped.  Use it to resync
// after a timeout, when a late response may still be in flight.
func (t *Terminator) Discard() (int, error) {
	n, _ := t.br.Discard(t.br.Buffered())
	for {
		line, err := t.br.ReadBytes(t.rx)
		n += len(line)
		if err != nil {
			if IsTimeout(err) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrNoProgress) {
				return n, nil
			}
			return n, err
		}
	}
}

// Read satisfies io.Reader by copying one line into p.  If p is too small
// the line is truncated and ErrTerminatorNotFound returned.
func (t *Terminator) Read(p []byte) (int, error) {
	line, err := t.ReadLine()
	n := copy(p, line)
	if err == nil && n < len(line) {
		err = ErrTerminatorNotFound
	}
	return n, err
}
