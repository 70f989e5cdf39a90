package models

import "time"

const (
	dayMillis = 86_400_000

	// Day buckets are floored against a fixed UTC+8 calendar day rather than
	// the host's local timezone, so partitioning is deterministic regardless
	// of where the process runs.
	fixedOffsetMillis = 28_800_000
)

// DayFloor returns the fixed-offset calendar-day floor for a millisecond
// timestamp, shifted back by `back` whole days.
func DayFloor(ts int64, back int) int64 {
	day := (ts + fixedOffsetMillis) / dayMillis
	return (day-int64(back))*dayMillis - fixedOffsetMillis
}

// DayEnd returns the exclusive upper bound of the day bucket starting at
// dayBucket.
func DayEnd(dayBucket int64) int64 {
	return dayBucket + dayMillis
}

// NowMillis returns the current time as unix milliseconds, the timestamp
// unit used throughout the stored models.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
