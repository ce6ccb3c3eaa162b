package common

import "time"

// NowMillis returns the current wall clock as unix milliseconds, the unit
// used for every synchronization timestamp on the wire.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// MaxInt64 returns the larger of a and b.
func MaxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
