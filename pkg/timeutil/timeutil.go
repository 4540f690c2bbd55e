// Package timeutil provides timezone-aware time helpers for the engine.
// Students live in different timezones, so quiet hours and daily contact
// caps are computed against each student's local calendar, falling back
// to UTC when the timezone is unknown.
// No external dependencies - uses only standard library.
package timeutil

import (
	"time"
)

// StartOfDay returns the start of the day (00:00:00) in the given location.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// EndOfDay returns the end of the day (23:59:59.999999999) in the given location.
func EndOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 23, 59, 59, 999999999, loc)
}

// SameLocalDay reports whether two instants fall on the same calendar day
// in the given location.
func SameLocalDay(a, b time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	la, lb := a.In(loc), b.In(loc)
	return la.Year() == lb.Year() && la.YearDay() == lb.YearDay()
}

// WithinHourWindow reports whether t falls inside the half-open local-hour
// window [startHour, endHour). Windows crossing midnight (start > end)
// are supported.
func WithinHourWindow(t time.Time, loc *time.Location, startHour, endHour int) bool {
	if loc == nil {
		loc = time.UTC
	}
	hour := t.In(loc).Hour()
	if startHour <= endHour {
		return hour >= startHour && hour < endHour
	}
	// Window crosses midnight, e.g. 22:00 - 06:00.
	return hour >= startHour || hour < endHour
}

// DaysBetween returns the number of whole 24-hour periods between from and to.
// Negative spans return 0.
func DaysBetween(from, to time.Time) int {
	d := int(to.Sub(from).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}
