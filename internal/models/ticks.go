package models

import "time"

// Ticks are 100ns intervals. Timestamps count from 0001-01-01T00:00:00Z.
const (
	tickDuration = 100 * time.Nanosecond
	// ticks between 0001-01-01 and 1970-01-01
	unixEpochTicks int64 = 621_355_968_000_000_000
)

// TimeToTicks converts t into ticks.
func TimeToTicks(t time.Time) int64 {
	return unixEpochTicks + t.UnixNano()/int64(tickDuration)
}

// TicksToTime converts ticks into a UTC time.
func TicksToTime(ticks int64) time.Time {
	return time.Unix(0, (ticks-unixEpochTicks)*int64(tickDuration)).UTC()
}

// DurationToTicks converts d into ticks.
func DurationToTicks(d time.Duration) int64 {
	return int64(d / tickDuration)
}

// TicksToDuration converts ticks into a duration.
func TicksToDuration(ticks int64) time.Duration {
	return time.Duration(ticks) * tickDuration
}
