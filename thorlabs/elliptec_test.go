package thorlabs

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scripted is a transport with canned replies that records what was written
type scripted struct {
	tx bytes.Buffer
	rx bytes.Buffer
}

func (s *scripted) Read(p []byte) (int, error)  { return s.rx.Read(p) }
func (s *scripted) Write(p []byte) (int, error) { return s.tx.Write(p) }

func newScripted(replies string) *scripted {
	s := &scripted{}
	s.rx.WriteString(replies)
	return s
}

func newMocked(t *testing.T) (*Elliptec, *MockElliptec) {
	t.Helper()
	mock := NewMockElliptec()
	e, err := NewElliptec(mock, DefaultAddress, ELL14Resolution)
	require.NoError(t, err)
	return e, mock
}

func TestMoveAbsWireFormat(t *testing.T) {
	s := newScripted("0PO00004600\r\n0POFFFFBA00\r\n")
	e, err := NewElliptec(s, '0', ELL14Resolution)
	require.NoError(t, err)

	require.NoError(t, e.MoveAbs(math.Pi/4))
	require.NoError(t, e.MoveAbs(-math.Pi/4))
	assert.Equal(t, "0ma00004600\r\n0maFFFFBA00\r\n", s.tx.String())
	assert.Equal(t, -math.Pi/4, e.LastKnownAngle())
}

func TestGetPosWireFormat(t *testing.T) {
	s := newScripted("0POFFFFBA00\r\n")
	e, err := NewElliptec(s, '0', ELL14Resolution)
	require.NoError(t, err)
	pos, err := e.GetPos()
	require.NoError(t, err)
	assert.Equal(t, "0gp\r\n", s.tx.String())
	assert.InDelta(t, -math.Pi/4, pos, 1e-12)
	assert.Equal(t, pos, e.LastKnownAngle())
}

func TestSetSpeedClamps(t *testing.T) {
	s := newScripted("0GS00\r\n0GS00\r\n0GS00\r\n")
	e, err := NewElliptec(s, '0', ELL14Resolution)
	require.NoError(t, err)
	require.NoError(t, e.SetSpeed(150))
	require.NoError(t, e.SetSpeed(-5))
	require.NoError(t, e.SetSpeed(50))
	assert.Equal(t, "0sv64\r\n0sv00\r\n0sv32\r\n", s.tx.String())
}

func TestNegativeCorrectionBecomesForwardAbsoluteMove(t *testing.T) {
	e, mock := newMocked(t)
	require.NoError(t, e.MoveAbs(0.5))
	require.NoError(t, e.MoveRel(-0.8))

	target := 2*math.Pi - 0.3
	assert.InDelta(t, target, e.LastKnownAngle(), 1e-12)
	want := []Frame{
		{Address: '0', Opcode: OpMoveAbs, Payload: EncodeCounts(AngleToCounts(0.5, ELL14Resolution))},
		{Address: '0', Opcode: OpMoveAbs, Payload: EncodeCounts(AngleToCounts(target, ELL14Resolution))},
	}
	if diff := cmp.Diff(want, mock.Received()); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
	assert.InDelta(t, target, mock.Angle(), ELL14Resolution)
}

func TestForwardTargetIsNonNegative(t *testing.T) {
	e, _ := newMocked(t)
	for _, theta := range []float64{0, 0.1, 3, 6.2} {
		require.NoError(t, e.MoveAbs(theta))
		for _, delta := range []float64{-0.01, -0.785, -3, -7} {
			got := e.ForwardTarget(delta)
			assert.GreaterOrEqual(t, got, 0.)
			assert.Less(t, got, FullTurn)
			assert.InDelta(t, math.Mod(theta+delta+4*FullTurn, FullTurn), got, 1e-9)
		}
	}
}

func TestPositiveCorrectionIsRelativeMove(t *testing.T) {
	e, mock := newMocked(t)
	require.NoError(t, e.MoveRel(0.25))
	frames := mock.Received()
	require.Len(t, frames, 1)
	assert.Equal(t, OpMoveRel, frames[0].Opcode)
	assert.Equal(t, EncodeCounts(AngleToCounts(0.25, ELL14Resolution)), frames[0].Payload)
	assert.InDelta(t, 0.25, e.LastKnownAngle(), 1e-12)
	assert.InDelta(t, 0.25, mock.Angle(), ELL14Resolution)
}

func TestNeverSendsNegativeRelativeMove(t *testing.T) {
	e, mock := newMocked(t)
	for _, d := range []float64{0.1, -0.2, 0.3, -0.7, -0.01} {
		require.NoError(t, e.MoveRel(d))
	}
	for _, f := range mock.Received() {
		if f.Opcode != OpMoveRel {
			continue
		}
		c, err := DecodeCounts(f.Payload)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, c, int32(0), "negative relative move %v", f)
	}
}

func TestGetPosAgainstMock(t *testing.T) {
	e, mock := newMocked(t)
	mock.SetAngle(-0.5)
	pos, err := e.GetPos()
	require.NoError(t, err)
	assert.InDelta(t, -0.5, pos, ELL14Resolution)
}

func TestHomeIsIdempotent(t *testing.T) {
	e, mock := newMocked(t)
	require.NoError(t, e.MoveAbs(1.2))
	require.NoError(t, e.Home())
	require.NoError(t, e.Home())
	frames := mock.Received()
	require.Len(t, frames, 3)
	home := Frame{Address: '0', Opcode: OpMoveAbs, Payload: "00000000"}
	if diff := cmp.Diff([]Frame{home, home}, frames[1:]); diff != "" {
		t.Errorf("home frames mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 0., e.LastKnownAngle())
	assert.Equal(t, 0., mock.Angle())
}

func TestGetPosMalformedKeepsStalePosition(t *testing.T) {
	e, mock := newMocked(t)
	require.NoError(t, e.MoveAbs(1))
	mock.SetGarble(true)
	pos, err := e.GetPos()
	assert.ErrorIs(t, err, ErrMalformedResponse)
	var mre MalformedResponseError
	assert.True(t, errors.As(err, &mre))
	assert.Equal(t, 1., pos)
	assert.Equal(t, 1., e.LastKnownAngle())
}

func TestGetPosWrongReplyIsMalformed(t *testing.T) {
	for _, reply := range []string{"1PO00000000\r\n", "0GS0B\r\n", "0\r\n", "0PO0000\r\n"} {
		e, err := NewElliptec(newScripted(reply), '0', ELL14Resolution)
		require.NoError(t, err)
		_, err = e.GetPos()
		assert.ErrorIs(t, err, ErrMalformedResponse, "reply %q", reply)
	}
}

func TestSilentMountTimesOut(t *testing.T) {
	e, mock := newMocked(t)
	require.NoError(t, e.MoveAbs(0.3))
	mock.SetSilent(true)
	err := e.MoveAbs(0.9)
	assert.ErrorIs(t, err, ErrActuatorTimeout)
	assert.Equal(t, 0.3, e.LastKnownAngle())
	_, err = e.GetPos()
	assert.ErrorIs(t, err, ErrActuatorTimeout)
}

// slowLink holds back the mount's replies while held, like an ELL14 that
// answers a long move after the host stopped waiting
type slowLink struct {
	*MockElliptec
	held bool
}

func (s *slowLink) Read(p []byte) (int, error) {
	if s.held {
		return 0, io.EOF
	}
	return s.MockElliptec.Read(p)
}

func TestLateReplyIsDiscarded(t *testing.T) {
	mock := NewMockElliptec()
	link := &slowLink{MockElliptec: mock, held: true}
	e, err := NewElliptec(link, DefaultAddress, ELL14Resolution)
	require.NoError(t, err)

	err = e.MoveAbs(1)
	assert.ErrorIs(t, err, ErrActuatorTimeout)

	// the PO reply to ma shows up after the timeout, then the mount moves on
	link.held = false
	mock.SetAngle(2)
	pos, err := e.GetPos()
	require.NoError(t, err)
	assert.InDelta(t, 2, pos, ELL14Resolution)
	assert.NoError(t, e.GetStatus())
	pos, err = e.GetPos()
	require.NoError(t, err)
	assert.InDelta(t, 2, pos, ELL14Resolution)
}

func TestGetStatus(t *testing.T) {
	e, err := NewElliptec(newScripted("0GS00\r\n0GS09\r\n"), '0', ELL14Resolution)
	require.NoError(t, err)
	assert.NoError(t, e.GetStatus())
	err = e.GetStatus()
	var se StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 9, se.Code)
	assert.Equal(t, "9 - BUSY", se.Error())
}

func TestSpeedReachesMock(t *testing.T) {
	e, mock := newMocked(t)
	require.NoError(t, e.SetSpeed(40))
	assert.Equal(t, 40, mock.Velocity())
}

func TestNewElliptecRejectsBadConfig(t *testing.T) {
	_, err := NewElliptec(&scripted{}, '0', 0)
	assert.ErrorIs(t, err, ErrInvalidResolution)
	_, err = NewElliptec(&scripted{}, '0', -1)
	assert.ErrorIs(t, err, ErrInvalidResolution)
	_, err = NewElliptec(&scripted{}, '0', math.NaN())
	assert.ErrorIs(t, err, ErrInvalidResolution)
	_, err = NewElliptec(&scripted{}, 'Z', ELL14Resolution)
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestOpenElliptecUnavailable(t *testing.T) {
	_, err := OpenElliptec(Setup{Addr: "127.0.0.1:1"})
	assert.ErrorIs(t, err, ErrActuatorUnavailable)
	_, err = OpenElliptec(Setup{Addr: "/dev/this-port-does-not-exist", Serial: true})
	assert.ErrorIs(t, err, ErrActuatorUnavailable)
}

func TestParseAddress(t *testing.T) {
	b, err := ParseAddress("")
	require.NoError(t, err)
	assert.Equal(t, byte('0'), b)
	b, err = ParseAddress("a")
	require.NoError(t, err)
	assert.Equal(t, byte('A'), b)
	_, err = ParseAddress("10")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}
