package canopen

import "time"

// Timestamp is a monotonically non-decreasing, nanosecond-resolution absolute
// time value owned by the host. The core never reads the system clock; every
// Timestamp in this module originates from a host call to Dispatcher.SetTime.
type Timestamp int64

// Add returns the timestamp advanced by d.
func (t Timestamp) Add(d time.Duration) Timestamp {
	return t + Timestamp(d)
}

// Sub returns the duration between two timestamps (t - other).
func (t Timestamp) Sub(other Timestamp) time.Duration {
	return time.Duration(t - other)
}

// Before reports whether t occurs before other.
func (t Timestamp) Before(other Timestamp) bool {
	return t < other
}

// After reports whether t occurs after other.
func (t Timestamp) After(other Timestamp) bool {
	return t > other
}
