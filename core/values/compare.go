package values

import "math"

// twoPow63 is the smallest double above every int64.
const twoPow63 = 9.223372036854775808e18

// Compare orders two values numerically regardless of type.
func Compare(a, b Value) int {
	return CompareRaw(a.RawBits(), a.Type(), b.RawBits(), b.Type())
}

// CompareRaw orders two stored numbers. Integral and floating values are
// compared exactly, without rounding either side. NaN sorts above every
// other number and equal to itself; -0.0 and 0.0 are equal, which keeps
// the ordering transitive when integral zero is mixed in.
func CompareRaw(aBits uint64, aType Type, bBits uint64, bType Type) int {
	switch {
	case aType.IsIntegral() && bType.IsIntegral():
		return compareInt64(int64(aBits), int64(bBits))
	case aType.IsIntegral():
		return compareLongDouble(int64(aBits), asDouble(bBits, bType))
	case bType.IsIntegral():
		return -compareLongDouble(int64(bBits), asDouble(aBits, aType))
	default:
		return compareDoubles(asDouble(aBits, aType), asDouble(bBits, bType))
	}
}

func asDouble(bits uint64, t Type) float64 {
	if t == TypeFloat {
		return float64(math.Float32frombits(uint32(bits)))
	}
	return math.Float64frombits(bits)
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareDoubles(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return 1
	case bNaN:
		return -1
	}
	return 0
}

func compareLongDouble(l int64, d float64) int {
	switch {
	case math.IsNaN(d), d >= twoPow63:
		return -1
	case d < -twoPow63:
		return 1
	}
	// d is within int64 range, so its integral part converts exactly
	whole := math.Trunc(d)
	if c := compareInt64(l, int64(whole)); c != 0 {
		return c
	}
	switch frac := d - whole; {
	case frac > 0:
		return -1
	case frac < 0:
		return 1
	}
	return 0
}
