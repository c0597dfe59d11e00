package core

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is a publish window. Either bound may be absent, leaving the
// window open on that side.
type Window struct {
	Start *time.Time
	End   *time.Time
}

// WindowStatus is the outcome of evaluating a window against a point in
// time. WindowInvalid is distinct from being outside the window: it marks
// the contradictory configuration start > end.
type WindowStatus int

const (
	WindowInside WindowStatus = iota
	WindowOutsideBefore
	WindowOutsideAfter
	WindowInvalid
)

func (s WindowStatus) String() string {
	switch s {
	case WindowInside:
		return "inside"
	case WindowOutsideBefore:
		return "outside_before"
	case WindowOutsideAfter:
		return "outside_after"
	case WindowInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("WindowStatus(%d)", int(s))
	}
}

// Declared reports whether the window constrains anything at all.
func (w *Window) Declared() bool {
	return w != nil && (w.Start != nil || w.End != nil)
}

// Status evaluates the window at now. Bounds are closed: now equal to
// either bound is inside.
func (w *Window) Status(now time.Time) WindowStatus {
	if !w.Declared() {
		return WindowInside
	}
	if w.Start != nil && w.End != nil && w.Start.After(*w.End) {
		return WindowInvalid
	}
	if w.Start != nil && now.Before(*w.Start) {
		return WindowOutsideBefore
	}
	if w.End != nil && now.After(*w.End) {
		return WindowOutsideAfter
	}
	return WindowInside
}

// ClockInterval is a time-of-day interval in minutes since midnight.
// Start > End means the interval wraps past midnight (22:00-02:00).
type ClockInterval struct {
	Start int
	End   int
}

var errBadClock = errors.New("malformed clock time")

// ParseClockInterval parses two "HH:MM" strings into a ClockInterval.
func ParseClockInterval(start, end string) (ClockInterval, error) {
	s, err := parseClock(start)
	if err != nil {
		return ClockInterval{}, err
	}
	e, err := parseClock(end)
	if err != nil {
		return ClockInterval{}, err
	}
	return ClockInterval{Start: s, End: e}, nil
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("%w: %q", errBadClock, s)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("%w: %q", errBadClock, s)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("%w: %q", errBadClock, s)
	}
	return hour*60 + minute, nil
}

// Matches reports whether the minute-of-day falls inside the interval.
// A degenerate interval (start == end) never matches.
func (i ClockInterval) Matches(minute int) bool {
	switch {
	case i.Start == i.End:
		return false
	case i.Start < i.End:
		return minute >= i.Start && minute <= i.End
	default:
		// Overnight wrap.
		return minute >= i.Start || minute <= i.End
	}
}

// String renders the interval back to "HH:MM-HH:MM" form.
func (i ClockInterval) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", i.Start/60, i.Start%60, i.End/60, i.End%60)
}

// Frequency selects the recurrence pattern of a RecurringRule.
type Frequency string

const (
	FrequencyDaily       Frequency = "daily"
	FrequencyWeekly      Frequency = "weekly"
	FrequencyMonthly     Frequency = "monthly"
	FrequencyCustomDates Frequency = "customDates"
)

// matchesAt reports whether now (already in site-local time) satisfies the
// recurring rule. The occurrence filter only applies once at least one
// interval has matched the time of day; an empty filter set fails closed.
func (r RecurringRule) matchesAt(now time.Time) bool {
	minute := now.Hour()*60 + now.Minute()

	matched := false
	for _, interval := range r.Intervals {
		if interval.Matches(minute) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	switch r.Frequency {
	case FrequencyDaily:
		return true
	case FrequencyWeekly:
		for _, day := range r.Days {
			if day == now.Weekday() {
				return true
			}
		}
		return false
	case FrequencyMonthly:
		for _, day := range r.MonthDays {
			if day == now.Day() {
				return true
			}
		}
		return false
	case FrequencyCustomDates:
		today := now.Format("2006-01-02")
		for _, date := range r.Dates {
			if date == today {
				return true
			}
		}
		return false
	default:
		return false
	}
}
