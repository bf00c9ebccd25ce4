package timestamp

import (
	"errors"
	"fmt"
	"math"
	"time"

	// Embedded zoneinfo so IANA names resolve on hosts without /usr/share/zoneinfo
	_ "time/tzdata"
)

var (
	// ErrInvalidInstant is returned when a local time does not exist in its zone (DST gap)
	ErrInvalidInstant = errors.New("invalid local datetime")

	// ErrOutOfRange is returned when the raw value cannot be represented in milliseconds
	ErrOutOfRange = errors.New("timestamp out of range")
)

// InvalidInstantError describes a raw local timestamp without a civil-time mapping
type InvalidInstantError struct {
	Raw  int64
	Zone string
}

func (e *InvalidInstantError) Error() string {
	return fmt.Sprintf("invalid local datetime %s in zone %s",
		time.Unix(e.Raw, 0).UTC().Format("2006-01-02 15:04:05"), e.Zone)
}

func (e *InvalidInstantError) Is(target error) bool {
	return target == ErrInvalidInstant
}

const secondsPerDay = 24 * 60 * 60

// Largest raw value whose millisecond form fits into int64 after applying any zone offset
const maxRawSeconds = math.MaxInt64/1000 - secondsPerDay

// Normalize interprets raw as a wall-clock reading (seconds since 1970-01-01 00:00:00
// without a zone) in loc and returns the corresponding UTC instant.
//
// A wall-clock time inside a DST gap fails with an *InvalidInstantError.
// A wall-clock time inside a DST overlap resolves to the earliest of the
// candidate instants, i.e. the one using the offset in effect before the transition.
func Normalize(raw int64, loc *time.Location) (Instant, error) {
	if loc == nil {
		loc = time.UTC
	}
	if raw > maxRawSeconds || raw < -maxRawSeconds {
		return 0, fmt.Errorf("%w: %d", ErrOutOfRange, raw)
	}

	// Offsets in effect around the wall-clock reading. Zone transitions are
	// never closer than a day apart, so three probes find every candidate.
	var (
		found    bool
		earliest int64
		seen     = make(map[int]struct{}, 3)
	)
	for _, probe := range [...]int64{raw - secondsPerDay, raw, raw + secondsPerDay} {
		_, offset := time.Unix(probe, 0).In(loc).Zone()
		if _, ok := seen[offset]; ok {
			continue
		}
		seen[offset] = struct{}{}

		candidate := raw - int64(offset)
		if _, actual := time.Unix(candidate, 0).In(loc).Zone(); actual != offset {
			continue
		}
		if !found || candidate < earliest {
			earliest = candidate
			found = true
		}
	}

	if !found {
		return 0, &InvalidInstantError{Raw: raw, Zone: loc.String()}
	}

	return Instant(earliest * 1000), nil
}
