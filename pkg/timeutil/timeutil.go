// Package timeutil provides timezone and calendar-day utilities.
// Users live in one configured zone (Europe/Paris by default); every
// calendar-day comparison and every human-facing label goes through it.
package timeutil

import (
	"fmt"
	"sync"
	"time"
	_ "time/tzdata" // zone database for minimal containers
)

// DefaultZone is used until SetLocation is called.
const DefaultZone = "Europe/Paris"

var (
	locMu sync.RWMutex
	loc   = mustLoad(DefaultZone)
)

func mustLoad(name string) *time.Location {
	l, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return l
}

// SetLocation changes the process-wide zone.
func SetLocation(name string) error {
	l, err := time.LoadLocation(name)
	if err != nil {
		return fmt.Errorf("failed to load location %q: %w", name, err)
	}
	locMu.Lock()
	loc = l
	locMu.Unlock()
	return nil
}

// Location returns the configured zone.
func Location() *time.Location {
	locMu.RLock()
	defer locMu.RUnlock()
	return loc
}

// Now returns the current time in the configured zone.
func Now() time.Time {
	return time.Now().In(Location())
}

// In converts a time to the configured zone.
func In(t time.Time) time.Time {
	return t.In(Location())
}

// StartOfDay returns midnight of t's day in t's own location.
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// StartOfMonth returns the first instant of t's month in t's own location.
func StartOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

// AtHour returns t's day at the given hour in t's own location.
func AtHour(t time.Time, hour int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), hour, 0, 0, 0, t.Location())
}

// NextDayAtHour returns the following calendar day at the given hour.
// Uses date arithmetic so DST transitions keep the wall-clock hour.
func NextDayAtHour(t time.Time, hour int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+1, hour, 0, 0, 0, t.Location())
}

// CeilToStep rounds t up to the next multiple of step counted from local
// midnight. A time already on the grid is returned unchanged.
func CeilToStep(t time.Time, step time.Duration) time.Time {
	if step <= 0 {
		return t
	}
	day := StartOfDay(t)
	offset := t.Sub(day)
	rem := offset % step
	if rem == 0 {
		return t
	}
	return t.Add(step - rem)
}

// IsWeekend checks if the given time is on a weekend.
func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// IsSameDay checks if two times are on the same calendar day in the configured zone.
func IsSameDay(t1, t2 time.Time) bool {
	a1, a2 := In(t1), In(t2)
	return a1.Year() == a2.Year() && a1.YearDay() == a2.YearDay()
}

// DaysBetween returns the signed number of calendar days from t1 to t2,
// evaluated in loc.
func DaysBetween(t1, t2 time.Time, loc *time.Location) int {
	a1, a2 := t1.In(loc), t2.In(loc)
	d1 := time.Date(a1.Year(), a1.Month(), a1.Day(), 0, 0, 0, 0, time.UTC)
	d2 := time.Date(a2.Year(), a2.Month(), a2.Day(), 0, 0, 0, 0, time.UTC)
	return int(d2.Sub(d1).Hours() / 24)
}

// Common date/time formats.
const (
	FormatDate     = "2006-01-02"
	FormatTime     = "15:04"
	FormatDateTime = "2006-01-02 15:04"
)

// ParseDate parses a date string (YYYY-MM-DD) in the configured zone.
func ParseDate(value string) (time.Time, error) {
	return time.ParseInLocation(FormatDate, value, Location())
}

var (
	weekdaysFr = [...]string{"dim.", "lun.", "mar.", "mer.", "jeu.", "ven.", "sam."}
	monthsFr   = [...]string{"", "janv.", "févr.", "mars", "avr.", "mai", "juin",
		"juil.", "août", "sept.", "oct.", "nov.", "déc."}
)

// WeekdayShortFr returns the abbreviated French weekday name.
func WeekdayShortFr(wd time.Weekday) string {
	return weekdaysFr[wd]
}

// MonthShortFr returns the abbreviated French month name.
func MonthShortFr(m time.Month) string {
	if m >= time.January && m <= time.December {
		return monthsFr[m]
	}
	return ""
}

// FormatSlotFr renders a time window like "lun. 14 oct. · 09:00–09:30".
func FormatSlotFr(start, end time.Time, loc *time.Location) string {
	s, e := start.In(loc), end.In(loc)
	return fmt.Sprintf("%s %d %s · %s–%s",
		WeekdayShortFr(s.Weekday()), s.Day(), MonthShortFr(s.Month()),
		s.Format(FormatTime), e.Format(FormatTime))
}
