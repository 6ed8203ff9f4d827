package util

import "math"

// AsInt64 converts a permission id to the signed BIGINT Postgres stores,
// saturating at math.MaxInt64.
func AsInt64(u uint64) int64 {
	if u > math.MaxInt64 {
		return math.MaxInt64
	}
	// #nosec G115 - bounded by explicit check
	return int64(u)
}

// AsUint64 converts a BIGINT read from Postgres back to an id. Negative values
// become 0, which is never a valid id.
func AsUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	// #nosec G115 - bounded by explicit check
	return uint64(i)
}
