package thorlabs

import (
	"fmt"
	"math"
	"strconv"
)

const (
	// FullTurn is one revolution of a rotation mount, in radians
	FullTurn = 2 * math.Pi

	// ELL14CountsPerRev is the number of encoder counts in one revolution of an ELL14
	ELL14CountsPerRev = 143360
)

// ELL14Resolution is the angle of one ELL14 encoder count, in radians
var ELL14Resolution = FullTurn / ELL14CountsPerRev

// AngleToCounts converts an angle in radians to encoder counts.  The count is
// rounded to the nearest integer and wrapped (not saturated) to 32 bit two's
// complement, which is what the controller firmware does with an overlong
// position.  Non-finite angles encode as zero.
func AngleToCounts(angle, resolution float64) int32 {
	c := math.Round(angle / resolution)
	if math.IsNaN(c) || math.IsInf(c, 0) {
		return 0
	}
	// keep only what fits in 32 bits before the integer conversion; math.Mod is
	// exact for integral floats and leaves c inside the int64 range
	c = math.Mod(c, 1<<32)
	return int32(uint32(int64(c)))
}

// CountsToAngle converts encoder counts to an angle in radians
func CountsToAngle(counts int32, resolution float64) float64 {
	return float64(counts) * resolution
}

// SignExtend interprets the low width bits of raw as a two's complement
// integer.  width must be in [1, 64].
func SignExtend(raw uint64, width uint) int64 {
	if width == 0 || width > 64 {
		panic(fmt.Sprintf("thorlabs: sign extension width %d out of range [1, 64]", width))
	}
	shift := 64 - width
	return int64(raw<<shift) >> shift
}

// EncodeCounts formats counts as the 8 digit, upper case, zero padded hex
// field used on the wire
func EncodeCounts(counts int32) string {
	return fmt.Sprintf("%08X", uint32(counts))
}

// DecodeCounts parses an 8 digit hex field from the wire into a signed count
func DecodeCounts(field string) (int32, error) {
	if len(field) != 8 {
		return 0, fmt.Errorf("position field %q is %d characters, expected 8", field, len(field))
	}
	u, err := strconv.ParseUint(field, 16, 32)
	if err != nil {
		return 0, err
	}
	return int32(SignExtend(u, 32)), nil
}
