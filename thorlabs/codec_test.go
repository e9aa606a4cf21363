package thorlabs

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignExtend32(t *testing.T) {
	assert.Equal(t, int64(-1), SignExtend(0xFFFFFFFF, 32))
	assert.Equal(t, int64(2147483647), SignExtend(0x7FFFFFFF, 32))
	assert.Equal(t, int64(-2147483648), SignExtend(0x80000000, 32))
	assert.Equal(t, int64(0), SignExtend(0, 32))
}

func TestSignExtendIgnoresHighBits(t *testing.T) {
	assert.Equal(t, int64(-1), SignExtend(0xABCD_FFFF_FFFF, 32))
	assert.Equal(t, int64(-8), SignExtend(0x8, 4))
	assert.Equal(t, int64(7), SignExtend(0x7, 4))
	assert.Equal(t, int64(math.MinInt64), SignExtend(1<<63, 64))
}

func TestSignExtendBadWidthPanics(t *testing.T) {
	assert.Panics(t, func() { SignExtend(1, 0) })
	assert.Panics(t, func() { SignExtend(1, 65) })
}

func TestAngleRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	resolutions := []float64{ELL14Resolution, 1e-3, 0.1, 1}
	for _, r := range resolutions {
		for i := 0; i < 1000; i++ {
			// stay inside what 32 bits of counts can represent
			a := (rng.Float64()*2 - 1) * r * math.MaxInt32 * 0.99
			got := CountsToAngle(AngleToCounts(a, r), r)
			// allow for float rounding in the divide and multiply
			assert.LessOrEqual(t, math.Abs(got-a), r/2+math.Abs(a)*1e-14, "resolution %g angle %g", r, a)
		}
	}
}

func TestAngleToCountsRounds(t *testing.T) {
	assert.Equal(t, int32(1), AngleToCounts(0.6, 1))
	assert.Equal(t, int32(-1), AngleToCounts(-0.6, 1))
	assert.Equal(t, int32(0), AngleToCounts(0.4, 1))
	assert.Equal(t, int32(ELL14CountsPerRev/4), AngleToCounts(math.Pi/2, ELL14Resolution))
}

func TestAngleToCountsWraps(t *testing.T) {
	// one past the top of int32 wraps to the bottom, it does not saturate
	assert.Equal(t, int32(math.MinInt32), AngleToCounts(float64(math.MaxInt32)+1, 1))
	assert.Equal(t, int32(math.MaxInt32), AngleToCounts(float64(math.MinInt32)-1, 1))
	assert.Equal(t, int32(5), AngleToCounts(float64(1<<32)+5, 1))
	assert.Equal(t, int32(0), AngleToCounts(math.NaN(), 1))
	assert.Equal(t, int32(0), AngleToCounts(math.Inf(1), 1))
}

func TestEncodeCounts(t *testing.T) {
	assert.Equal(t, "00000000", EncodeCounts(0))
	assert.Equal(t, "FFFFFFFF", EncodeCounts(-1))
	assert.Equal(t, "80000000", EncodeCounts(math.MinInt32))
	assert.Equal(t, "00023000", EncodeCounts(ELL14CountsPerRev))
}

func TestDecodeCounts(t *testing.T) {
	c, err := DecodeCounts("FFFFFFFF")
	require.NoError(t, err)
	assert.Equal(t, int32(-1), c)

	c, err = DecodeCounts("0000a000")
	require.NoError(t, err)
	assert.Equal(t, int32(0xA000), c)

	_, err = DecodeCounts("FFFF")
	assert.Error(t, err)
	_, err = DecodeCounts("GGGGGGGG")
	assert.Error(t, err)
}

func TestEncodeDecodeAgree(t *testing.T) {
	for _, c := range []int32{0, 1, -1, math.MaxInt32, math.MinInt32, 143360, -71680} {
		out, err := DecodeCounts(EncodeCounts(c))
		require.NoError(t, err)
		assert.Equal(t, c, out)
	}
}
