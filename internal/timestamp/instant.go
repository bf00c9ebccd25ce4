package timestamp

import (
	"strconv"
	"time"
)

// AbsentTimestamp marks a missing timestamp in raw timeline records.
// It must be filtered out before calling Normalize.
const AbsentTimestamp int64 = -1

// Instant is a point in time in milliseconds since the Unix epoch, UTC.
// It is comparable and used as the grouping key for documents.
type Instant int64

// FromTime converts t to an Instant
func FromTime(t time.Time) Instant {
	return Instant(t.UnixMilli())
}

// Millis returns the raw millisecond value
func (i Instant) Millis() int64 {
	return int64(i)
}

// Time returns the instant as a UTC time.Time
func (i Instant) Time() time.Time {
	return time.UnixMilli(int64(i)).UTC()
}

func (i Instant) String() string {
	return strconv.FormatInt(int64(i), 10)
}
