package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DayHours is a working window expressed in minutes after local midnight.
// EndMinute may be 1440 for "until midnight".
type DayHours struct {
	Enabled     bool `json:"enabled"`
	StartMinute int  `json:"start_minute"`
	EndMinute   int  `json:"end_minute"`
}

// WeeklyHours maps a weekday to its hours. A missing day is closed.
type WeeklyHours map[time.Weekday]DayHours

func (h DayHours) Valid() bool {
	return h.StartMinute >= 0 && h.EndMinute <= 24*60 && h.StartMinute < h.EndMinute
}

// On returns the concrete window for the local calendar date of day.
func (h DayHours) On(day time.Time, loc *time.Location) (Window, bool) {
	if !h.Enabled || !h.Valid() {
		return Window{}, false
	}
	y, m, d := day.In(loc).Date()
	return Window{
		Start: time.Date(y, m, d, 0, h.StartMinute, 0, 0, loc),
		End:   time.Date(y, m, d, 0, h.EndMinute, 0, 0, loc),
	}, true
}

// ParseClock parses "HH:MM" into minutes after midnight. "24:00" is accepted.
func ParseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || h < 0 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	return h*60 + m, nil
}

func FormatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// StartOfDay returns local midnight of t's calendar date in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// DateIn reinterprets the calendar date of t, as written, as midnight in
// loc. Use it for date-only values, which carry no instant of their own.
func DateIn(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// ParseDateIn parses a YYYY-MM-DD calendar date as midnight in loc.
func ParseDateIn(s string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(time.DateOnly, s, loc)
}

// DateKey formats the local calendar date of t as YYYY-MM-DD.
func DateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(time.DateOnly)
}
