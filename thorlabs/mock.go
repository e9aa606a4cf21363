package thorlabs

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"sync"
)

// MockElliptec is an in-memory ELL14.  It satisfies io.ReadWriteCloser so it
// can stand in for the serial port under an Elliptec driver.  Like the real
// mount, relative moves in reverse are accepted and ignored.
type MockElliptec struct {
	mu         sync.Mutex
	addr       byte
	resolution float64
	counts     int32
	velocity   int
	pending    []byte
	out        bytes.Buffer
	received   []Frame

	// Silent makes the mount stop answering, so reads time out
	Silent bool

	// Garble makes position replies malformed
	Garble bool
}

// NewMockElliptec returns a mock at address '0' with ELL14 resolution
func NewMockElliptec() *MockElliptec {
	return &MockElliptec{addr: DefaultAddress, resolution: ELL14Resolution, velocity: 100}
}

// Angle returns the angle the mount is at, in radians
func (m *MockElliptec) Angle() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return CountsToAngle(m.counts, m.resolution)
}

// SetAngle teleports the mount, for setting up tests
func (m *MockElliptec) SetAngle(angle float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = AngleToCounts(angle, m.resolution)
}

// Velocity returns the last velocity setting, in percent
func (m *MockElliptec) Velocity() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.velocity
}

// Received returns a copy of every frame the mount has been sent
func (m *MockElliptec) Received() []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Frame, len(m.received))
	copy(out, m.received)
	return out
}

// SetSilent toggles Silent under the lock
func (m *MockElliptec) SetSilent(b bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Silent = b
}

// SetGarble toggles Garble under the lock
func (m *MockElliptec) SetGarble(b bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Garble = b
}

// Write accepts host frames, which may arrive split or several at once
func (m *MockElliptec) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, p...)
	for {
		idx := bytes.IndexByte(m.pending, '\n')
		if idx < 0 {
			break
		}
		line := string(m.pending[:idx])
		m.pending = m.pending[idx+1:]
		f, err := ParseFrame(line)
		if err != nil {
			continue
		}
		m.handle(f)
	}
	return len(p), nil
}

// Read returns pending replies.  With nothing pending it reports io.EOF,
// which is what a serial port does when its read timeout expires.
func (m *MockElliptec) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.out.Len() == 0 {
		return 0, io.EOF
	}
	return m.out.Read(p)
}

// Close is a no-op
func (m *MockElliptec) Close() error {
	return nil
}

func (m *MockElliptec) reply(code, payload string) {
	if m.Silent {
		return
	}
	fmt.Fprintf(&m.out, "%c%s%s\r\n", m.addr, code, payload)
}

func (m *MockElliptec) position() {
	if m.Garble {
		m.reply(replyPosition, "ZZZ")
		return
	}
	m.reply(replyPosition, EncodeCounts(m.counts))
}

func (m *MockElliptec) handle(f Frame) {
	if f.Address != m.addr {
		// another device on the bus
		return
	}
	m.received = append(m.received, f)
	switch f.Opcode {
	case OpMoveAbs:
		c, err := DecodeCounts(f.Payload)
		if err != nil {
			m.reply(replyStatus, "04")
			return
		}
		m.counts = c
		m.position()
	case OpMoveRel:
		c, err := DecodeCounts(f.Payload)
		if err != nil {
			m.reply(replyStatus, "04")
			return
		}
		if c > 0 {
			m.counts += c
		}
		m.position()
	case OpGetPos:
		m.position()
	case OpSetVelocity:
		v, err := strconv.ParseUint(f.Payload, 16, 8)
		if err != nil || v > 100 {
			m.reply(replyStatus, "04")
			return
		}
		m.velocity = int(v)
		m.reply(replyStatus, "00")
	case OpGetStatus:
		m.reply(replyStatus, "00")
	default:
		m.reply(replyStatus, "03")
	}
}
