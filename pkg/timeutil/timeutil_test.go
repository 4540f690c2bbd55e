package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var almaty = time.FixedZone("Asia/Almaty", 5*60*60)

func TestStartOfDay(t *testing.T) {
	// 2025-11-10 02:30 Almaty is 2025-11-09 21:30 UTC.
	utc := time.Date(2025, 11, 9, 21, 30, 0, 0, time.UTC)

	start := StartOfDay(utc, almaty)
	assert.Equal(t, 10, start.Day())
	assert.Equal(t, 0, start.Hour())

	startUTC := StartOfDay(utc, nil)
	assert.Equal(t, 9, startUTC.Day())
}

func TestSameLocalDay(t *testing.T) {
	// Both instants are Nov 10 in Almaty, but different days in UTC.
	a := time.Date(2025, 11, 9, 20, 0, 0, 0, time.UTC) // Nov 10 01:00 Almaty
	b := time.Date(2025, 11, 10, 10, 0, 0, 0, time.UTC)

	assert.True(t, SameLocalDay(a, b, almaty))
	assert.False(t, SameLocalDay(a, b, time.UTC))
}

func TestWithinHourWindow(t *testing.T) {
	at := func(hourUTC int) time.Time {
		return time.Date(2025, 11, 10, hourUTC, 0, 0, 0, time.UTC)
	}

	// [9, 21) in UTC
	assert.False(t, WithinHourWindow(at(8), time.UTC, 9, 21))
	assert.True(t, WithinHourWindow(at(9), time.UTC, 9, 21))
	assert.True(t, WithinHourWindow(at(20), time.UTC, 9, 21))
	assert.False(t, WithinHourWindow(at(21), time.UTC, 9, 21))

	// Same instant shifted to Almaty: 05:00 UTC = 10:00 local.
	assert.True(t, WithinHourWindow(at(5), almaty, 9, 21))
	// 17:00 UTC = 22:00 local.
	assert.False(t, WithinHourWindow(at(17), almaty, 9, 21))

	// Window crossing midnight: 22:00 - 06:00.
	assert.True(t, WithinHourWindow(at(23), time.UTC, 22, 6))
	assert.True(t, WithinHourWindow(at(3), time.UTC, 22, 6))
	assert.False(t, WithinHourWindow(at(12), time.UTC, 22, 6))
}

func TestDaysBetween(t *testing.T) {
	from := time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 0, DaysBetween(from, from.Add(23*time.Hour)))
	assert.Equal(t, 1, DaysBetween(from, from.Add(24*time.Hour)))
	assert.Equal(t, 9, DaysBetween(from, from.AddDate(0, 0, 9)))
	assert.Equal(t, 0, DaysBetween(from, from.AddDate(0, 0, -3)), "negative spans clamp to zero")
}
