// Package timeutil fixes the timestamp unit for the whole engine.
//
// Every timestamp that crosses a package boundary is a Nanos: nanoseconds
// since the Unix epoch. Venue feeds and persisted rows arrive in whatever
// unit the producer felt like (seconds, millis, micros); Normalize converts
// them exactly once, at ingress. Nothing downstream ever guesses the unit.
package timeutil

import "time"

// Nanos is a Unix timestamp in nanoseconds. It is a distinct type so a raw
// int64 in another unit cannot be passed where a Nanos is expected.
type Nanos int64

// Unit magnitude boundaries. A Unix timestamp in seconds stays below ~1e10
// until the year 2286; each unit is a factor of 1000 above the previous.
const (
	maxSeconds = int64(1e11)
	maxMillis  = int64(1e14)
	maxMicros  = int64(1e17)
)

// Now returns the current time as Nanos.
func Now() Nanos {
	return Nanos(time.Now().UnixNano())
}

// FromTime converts a time.Time to Nanos.
func FromTime(t time.Time) Nanos {
	return Nanos(t.UnixNano())
}

// Time converts to a time.Time.
func (n Nanos) Time() time.Time {
	return time.Unix(0, int64(n))
}

// Millis returns the timestamp truncated to milliseconds since the epoch.
func (n Nanos) Millis() int64 {
	return int64(n) / int64(time.Millisecond)
}

// Add advances the timestamp by d.
func (n Nanos) Add(d time.Duration) Nanos {
	return n + Nanos(d)
}

// Sub returns the duration n - m.
func (n Nanos) Sub(m Nanos) time.Duration {
	return time.Duration(n - m)
}

// Before reports whether n is strictly earlier than m.
func (n Nanos) Before(m Nanos) bool { return n < m }

// After reports whether n is strictly later than m.
func (n Nanos) After(m Nanos) bool { return n > m }

// IsZero reports whether the timestamp is unset.
func (n Nanos) IsZero() bool { return n == 0 }

// Normalize converts a raw Unix timestamp of unknown unit to Nanos by
// magnitude. Zero and negative values pass through unchanged; negative
// timestamps do not occur in market data and are rejected upstream.
func Normalize(raw int64) Nanos {
	switch {
	case raw <= 0:
		return Nanos(raw)
	case raw < maxSeconds:
		return Nanos(raw * int64(time.Second))
	case raw < maxMillis:
		return Nanos(raw * int64(time.Millisecond))
	case raw < maxMicros:
		return Nanos(raw * int64(time.Microsecond))
	default:
		return Nanos(raw)
	}
}

// NormalizeTime is Normalize for callers that need a time.Time, e.g. the
// persistence layer before any date-producing call.
func NormalizeTime(raw int64) time.Time {
	return Normalize(raw).Time()
}
