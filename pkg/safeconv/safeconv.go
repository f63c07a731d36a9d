// Package safeconv provides integer conversions that clamp instead of wrapping.
package safeconv

import "math"

// MaxUint32 is the maximum value for uint32 type.
const MaxUint32 = uint32(math.MaxUint32)

// ClampUint32 converts int to uint32, clamping negatives to 0 and large
// values to MaxUint32.
func ClampUint32(v int) uint32 {
	switch {
	case v < 0:
		return 0
	case uint64(v) > uint64(MaxUint32):
		return MaxUint32
	default:
		return uint32(v)
	}
}

// ClampUint64ToInt64 converts uint64 to int64, clamping at math.MaxInt64.
func ClampUint64ToInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}

	return int64(v)
}
