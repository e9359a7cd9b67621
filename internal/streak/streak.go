// Package streak computes posting streaks at calendar-day granularity.
//
// Days are taken in one service-wide time zone (UTC unless configured). The
// device clock of the caller is never consulted.
package streak

import (
	"fmt"
	"strings"
	"time"
)

const dayLayout = "2006-01-02"

// Day is a calendar day without a time of day or zone.
type Day struct {
	Year  int
	Month time.Month
	Day   int
}

// DayOf returns the calendar day of t in t's own location.
func DayOf(t time.Time) Day {
	y, m, d := t.Date()
	return Day{Year: y, Month: m, Day: d}
}

// ParseDay parses a YYYY-MM-DD string. The empty string yields the zero Day.
func ParseDay(s string) (Day, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Day{}, nil
	}
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		return Day{}, fmt.Errorf("parse day %q: %w", s, err)
	}
	return DayOf(t), nil
}

// IsZero reports whether d is unset.
func (d Day) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

func (d Day) String() string {
	if d.IsZero() {
		return ""
	}
	return d.midnight().Format(dayLayout)
}

// AddDays returns the day n days after d.
func (d Day) AddDays(n int) Day {
	return DayOf(d.midnight().AddDate(0, 0, n))
}

func (d Day) midnight() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the number of calendar days from a to b.
func DaysBetween(a, b Day) int {
	return int(b.midnight().Sub(a.midnight()).Hours() / 24)
}

// NextStreak returns the streak after activity on today.
//
// Same day keeps the streak, the following day extends it, and anything else
// (a gap, or no prior activity) starts over at 1. A today earlier than last
// only happens with clock skew and leaves the streak untouched.
func NextStreak(last, today Day, current int) int {
	if last.IsZero() {
		return 1
	}
	switch gap := DaysBetween(last, today); {
	case gap == 0:
		return current
	case gap == 1:
		return current + 1
	case gap < 0:
		return current
	default:
		return 1
	}
}

// Calendar maps instants to days in a fixed location.
type Calendar struct {
	loc *time.Location
}

// NewCalendar loads the IANA zone name. An empty name means UTC.
func NewCalendar(zone string) (Calendar, error) {
	zone = strings.TrimSpace(zone)
	if zone == "" || strings.EqualFold(zone, "UTC") {
		return Calendar{loc: time.UTC}, nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return Calendar{}, fmt.Errorf("load streak time zone %q: %w", zone, err)
	}
	return Calendar{loc: loc}, nil
}

// UTC is the default calendar.
func UTC() Calendar {
	return Calendar{loc: time.UTC}
}

// Location returns the calendar's zone.
func (c Calendar) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// Today returns the calendar day containing now.
func (c Calendar) Today(now time.Time) Day {
	return DayOf(now.In(c.Location()))
}
