package timestamp

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wallClock returns the naive seconds value for a wall-clock reading
func wallClock(year int, month time.Month, day, hour, min, sec int) int64 {
	return time.Date(year, month, day, hour, min, sec, 0, time.UTC).Unix()
}

func mustZone(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		raw  int64
		zone string
		want time.Time
	}{
		{
			name: "UTC is identity",
			raw:  1700000000,
			zone: "UTC",
			want: time.Unix(1700000000, 0),
		},
		{
			name: "Berlin winter time",
			raw:  wallClock(2023, time.January, 15, 12, 0, 0),
			zone: "Europe/Berlin",
			want: time.Date(2023, time.January, 15, 11, 0, 0, 0, time.UTC),
		},
		{
			name: "Berlin summer time",
			raw:  wallClock(2023, time.July, 15, 12, 0, 0),
			zone: "Europe/Berlin",
			want: time.Date(2023, time.July, 15, 10, 0, 0, 0, time.UTC),
		},
		{
			name: "New York just before spring forward",
			raw:  wallClock(2023, time.March, 12, 1, 59, 59),
			zone: "America/New_York",
			want: time.Date(2023, time.March, 12, 6, 59, 59, 0, time.UTC),
		},
		{
			name: "New York just after spring forward",
			raw:  wallClock(2023, time.March, 12, 3, 0, 0),
			zone: "America/New_York",
			want: time.Date(2023, time.March, 12, 7, 0, 0, 0, time.UTC),
		},
		{
			name: "epoch in UTC",
			raw:  0,
			zone: "UTC",
			want: time.Unix(0, 0),
		},
		{
			name: "negative raw value before epoch",
			raw:  -3600,
			zone: "UTC",
			want: time.Unix(-3600, 0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.raw, mustZone(t, tt.zone))
			require.NoError(t, err)
			assert.Equal(t, tt.want.UnixMilli(), got.Millis())
		})
	}
}

func TestNormalize_NilLocationIsUTC(t *testing.T) {
	got, err := Normalize(1700000000, nil)
	require.NoError(t, err)
	assert.Equal(t, Instant(1700000000000), got)
}

func TestNormalize_SpringForwardGap(t *testing.T) {
	tests := []struct {
		name string
		raw  int64
		zone string
	}{
		{"New York 02:30", wallClock(2023, time.March, 12, 2, 30, 0), "America/New_York"},
		{"New York 02:00", wallClock(2023, time.March, 12, 2, 0, 0), "America/New_York"},
		{"Berlin 02:15", wallClock(2023, time.March, 26, 2, 15, 0), "Europe/Berlin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.raw, mustZone(t, tt.zone))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidInstant))

			var invalid *InvalidInstantError
			require.True(t, errors.As(err, &invalid))
			assert.Equal(t, tt.raw, invalid.Raw)
			assert.Equal(t, tt.zone, invalid.Zone)
		})
	}
}

func TestNormalize_FallBackOverlapPicksEarliest(t *testing.T) {
	loc := mustZone(t, "America/New_York")
	raw := wallClock(2023, time.November, 5, 1, 30, 0)

	// 01:30 EDT (UTC-4) comes before 01:30 EST (UTC-5)
	want := time.Date(2023, time.November, 5, 5, 30, 0, 0, time.UTC).UnixMilli()

	first, err := Normalize(raw, loc)
	require.NoError(t, err)
	assert.Equal(t, want, first.Millis())

	for i := 0; i < 10; i++ {
		again, err := Normalize(raw, loc)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestNormalize_OutOfRange(t *testing.T) {
	_, err := Normalize(maxRawSeconds+1, time.UTC)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestInstant_Time(t *testing.T) {
	i := Instant(1700000000123)
	assert.Equal(t, time.Date(2023, time.November, 14, 22, 13, 20, 123000000, time.UTC), i.Time())
	assert.Equal(t, i, FromTime(i.Time()))
	assert.Equal(t, "1700000000123", i.String())
}

func TestZoneCache(t *testing.T) {
	zones, err := NewZoneCache(2)
	require.NoError(t, err)

	loc, err := zones.LoadZone("")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	berlin, err := zones.LoadZone("Europe/Berlin")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", berlin.String())
	assert.Equal(t, 1, zones.Len())

	again, err := zones.LoadZone("Europe/Berlin")
	require.NoError(t, err)
	assert.Same(t, berlin, again)

	_, err = zones.LoadZone("Mars/Olympus_Mons")
	assert.Error(t, err)
}
