package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Rule is a parsed recurrence expression. Supported forms:
//
//	daily HH:MM
//	weekly <weekday> HH:MM
//
// Times are wall-clock in whatever location the rule is evaluated against,
// so a "daily 09:00" rule tracks the tenant through DST changes.
type Rule struct {
	weekly  bool
	weekday time.Weekday
	hour    int
	minute  int
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// ParseRule parses a recurrence expression.
func ParseRule(expr string) (Rule, error) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(expr)))
	if len(fields) == 0 {
		return Rule{}, fmt.Errorf("scheduler: empty recurrence")
	}

	switch fields[0] {
	case "daily":
		if len(fields) != 2 {
			return Rule{}, fmt.Errorf("scheduler: recurrence %q: want \"daily HH:MM\"", expr)
		}
		h, m, err := parseClock(fields[1])
		if err != nil {
			return Rule{}, fmt.Errorf("scheduler: recurrence %q: %w", expr, err)
		}
		return Rule{hour: h, minute: m}, nil

	case "weekly":
		if len(fields) != 3 {
			return Rule{}, fmt.Errorf("scheduler: recurrence %q: want \"weekly <weekday> HH:MM\"", expr)
		}
		dow, ok := weekdays[fields[1]]
		if !ok {
			return Rule{}, fmt.Errorf("scheduler: recurrence %q: unknown weekday %q", expr, fields[1])
		}
		h, m, err := parseClock(fields[2])
		if err != nil {
			return Rule{}, fmt.Errorf("scheduler: recurrence %q: %w", expr, err)
		}
		return Rule{weekly: true, weekday: dow, hour: h, minute: m}, nil

	default:
		return Rule{}, fmt.Errorf("scheduler: recurrence %q: unknown form %q", expr, fields[0])
	}
}

// Next returns the first fire time strictly after t, in t's location.
func (r Rule) Next(t time.Time) time.Time {
	fire := time.Date(t.Year(), t.Month(), t.Day(), r.hour, r.minute, 0, 0, t.Location())
	if r.weekly {
		fire = fire.AddDate(0, 0, int((r.weekday-fire.Weekday()+7)%7))
		if !fire.After(t) {
			fire = fire.AddDate(0, 0, 7)
		}
		return fire
	}
	if !fire.After(t) {
		fire = fire.AddDate(0, 0, 1)
	}
	return fire
}

// DueInWindow reports whether the rule fires in the half-open window
// (from, to], evaluated in loc, and returns the fire time when it does.
func (r Rule) DueInWindow(from, to time.Time, loc *time.Location) (time.Time, bool) {
	fire := r.Next(from.In(loc))
	if fire.After(to) {
		return time.Time{}, false
	}
	return fire, true
}

// parseClock parses "HH:MM" on a 24-hour clock.
func parseClock(s string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("bad clock %q", s)
	}
	hour, herr := strconv.Atoi(hh)
	minute, merr := strconv.Atoi(mm)
	if herr != nil || merr != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("bad clock %q", s)
	}
	return hour, minute, nil
}
