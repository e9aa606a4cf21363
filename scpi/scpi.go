// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/powerlock/comm"
)

// DefaultTimeout bounds each read and write on the bus
const DefaultTimeout = 5 * time.Second

// ErrEmptyResponse is generated when the device answers with nothing
var ErrEmptyResponse = errors.New("empty response from device")

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	Pool *comm.Pool

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool

	// Timeout bounds each call, DefaultTimeout if zero
	Timeout time.Duration
}

func (s *SCPI) timeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultTimeout
	}
	return s.Timeout
}

func (s *SCPI) wrap(conn io.ReadWriter) *comm.Terminator {
	return comm.NewTerminator(comm.NewTimeout(conn, s.timeout()), '\n', []byte{'\n'})
}

func (s *SCPI) frame(cmds []string) string {
	if s.Handshaking {
		cmds = append([]string{"*CLS;"}, cmds...)
		cmds = append(cmds, ";:SYSTem:ERRor?")
	}
	return strings.Join(cmds, " ")
}

// checkError returns nil if the device error string is +0 (no error)
func checkError(s string) error {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "+0") || strings.HasPrefix(s, "0,") {
		return nil
	}
	return errors.New(s)
}

// Write sends a command to the device.  if s.Handshaking == true,
// it also requests an error response and checks that it is OK
// it is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) (err error) {
	conn, err := s.Pool.Get()
	if err != nil {
		return err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	wrap := s.wrap(conn)
	if _, err = io.WriteString(wrap, s.frame(cmds)); err != nil {
		return err
	}
	if s.Handshaking {
		var line []byte
		line, err = wrap.ReadLine()
		if err != nil {
			return err
		}
		return checkError(string(line))
	}
	return nil
}

// WriteRead is write, but with a read call after.  It is assumed that "get"
// calls use this underlying mechanism
func (s *SCPI) WriteRead(cmds ...string) (resp []byte, err error) {
	conn, err := s.Pool.Get()
	if err != nil {
		return resp, err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	wrap := s.wrap(conn)
	if _, err = io.WriteString(wrap, s.frame(cmds)); err != nil {
		return resp, err
	}
	resp, err = wrap.ReadLine()
	if err != nil {
		return resp, err
	}
	if s.Handshaking {
		pieces := bytes.Split(resp, []byte{';'})
		if err := checkError(string(pieces[len(pieces)-1])); err != nil {
			return resp, err
		}
		return bytes.Join(pieces[:len(pieces)-1], []byte{}), nil
	}
	return resp, nil
}

// ReadString sends a command to the device, the reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	resp, err := s.WriteRead(cmds...)
	if err != nil {
		return "", err
	}
	str := strings.TrimRight(string(resp), "\r\n")
	if str == "" {
		return "", ErrEmptyResponse
	}
	return str, nil
}

// ReadFloat sends a command to the device, then reads the
// response and parses it as a floating point value
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(resp), 64)
}

// ReadBool sends a command to the device, then reads the
// response and parses it as a boolean
func (s *SCPI) ReadBool(cmds ...string) (bool, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(strings.TrimSpace(resp))
}

// ReadInt sends a command to the device, then reads the
// response and parses it as an integer
func (s *SCPI) ReadInt(cmds ...string) (int, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(resp))
}

// Raw sends a command to the device and returns a response if it was a query,
// else a blank string.  Handshaking is not used.
func (s *SCPI) Raw(str string) (string, error) {
	raw := SCPI{Pool: s.Pool, Timeout: s.Timeout}
	if strings.Contains(str, "?") {
		return raw.ReadString(str)
	}
	return "", raw.Write(str)
}

// PopError gets a single error from the queue on the device
func (s *SCPI) PopError() error {
	raw := SCPI{Pool: s.Pool, Timeout: s.Timeout}
	str, err := raw.ReadString("SYSTem:ERRor?")
	if err != nil {
		return err
	}
	return checkError(str)
}
