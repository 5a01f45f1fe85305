package recurrence

import (
	"time"

	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
)

// Descriptor binds a rule to a series: the first occurrence, the zone whose
// wall clock occurrences keep, and the series' own bounds.
type Descriptor struct {
	Rule  Rule
	First time.Time
	Loc   *time.Location
	// EndDate is a calendar date, read by its year, month and day only, and
	// inclusive of that whole day in Loc.
	EndDate        *time.Time
	MaxOccurrences int
}

func DescriptorFor(s domain.Series, r Rule, loc *time.Location) Descriptor {
	return Descriptor{Rule: r, First: s.FirstStart, Loc: loc, EndDate: s.EndDate, MaxOccurrences: s.MaxOccurrences}
}

// Limit returns the effective occurrence cap and last allowed start; the
// earlier of each pair of bounds wins. A zero count means no count bound.
func (d Descriptor) Limit() (count int, until time.Time, hasUntil bool) {
	count = MaxOccurrences
	for _, c := range []int{d.Rule.Count, d.MaxOccurrences} {
		if c > 0 && c < count {
			count = c
		}
	}
	loc := d.loc()
	consider := func(t time.Time) {
		if !hasUntil || t.Before(until) {
			until, hasUntil = t, true
		}
	}
	if d.Rule.Until != nil {
		if d.Rule.untilDate {
			consider(endOfDate(*d.Rule.Until, loc))
		} else {
			consider(*d.Rule.Until)
		}
	}
	if d.EndDate != nil {
		consider(endOfDate(*d.EndDate, loc))
	}
	return count, until, hasUntil
}

func (d Descriptor) loc() *time.Location {
	if d.Loc == nil {
		return time.UTC
	}
	return d.Loc
}

// Sequence lazily yields occurrence starts in order. It is finite and can be
// restarted with Reset.
type Sequence struct {
	d        Descriptor
	count    int
	until    time.Time
	hasUntil bool

	emitted int
	period  int
	buf     []time.Time
	done    bool
}

func NewSequence(d Descriptor) *Sequence {
	s := &Sequence{d: d}
	s.count, s.until, s.hasUntil = d.Limit()
	return s
}

func (s *Sequence) Reset() {
	s.emitted, s.period, s.buf, s.done = 0, 0, nil, false
}

// Emitted is the number of occurrences returned since the last Reset.
func (s *Sequence) Emitted() int { return s.emitted }

// Next returns the next occurrence start, or false once a bound is reached.
func (s *Sequence) Next() (time.Time, bool) {
	if s.done || s.emitted >= s.count {
		s.done = true
		return time.Time{}, false
	}
	first := s.d.First.In(s.d.loc())
	for empty := 0; len(s.buf) == 0; {
		s.buf = s.expand(s.period, first)
		s.period++
		if len(s.buf) == 0 {
			// monthly rules skip months lacking the day; give up on rules that never match
			if empty++; empty > 48 {
				s.done = true
				return time.Time{}, false
			}
		}
	}
	next := s.buf[0]
	s.buf = s.buf[1:]
	if s.hasUntil && next.After(s.until) {
		s.done = true
		return time.Time{}, false
	}
	s.emitted++
	return next.UTC(), true
}

// expand returns the occurrences of period p, not before first.
func (s *Sequence) expand(p int, first time.Time) []time.Time {
	y, m, d := first.Date()
	hh, mm, ss := first.Clock()
	loc := first.Location()
	step := p * s.d.Rule.Interval

	at := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, hh, mm, ss, 0, loc)
	}

	var out []time.Time
	switch s.d.Rule.Freq {
	case Daily:
		t := at(y, m, d+step)
		if len(s.d.Rule.ByDay) == 0 || hasDay(s.d.Rule.ByDay, t.Weekday()) {
			out = append(out, t)
		}
	case Weekly:
		days := s.d.Rule.ByDay
		if len(days) == 0 {
			days = []time.Weekday{first.Weekday()}
		}
		monday := d - isoIndex(first.Weekday()) + 7*step
		for _, wd := range days {
			t := at(y, m, monday+isoIndex(wd))
			if !t.Before(first) {
				out = append(out, t)
			}
		}
	case Monthly:
		t := at(y, m+time.Month(step), d)
		// time.Date normalizes Jan 31 + 1 month into March; skip such months
		if t.Day() == d {
			out = append(out, t)
		}
	}
	return out
}

func hasDay(days []time.Weekday, d time.Weekday) bool {
	for _, x := range days {
		if x == d {
			return true
		}
	}
	return false
}

// endOfDate is the last instant of t's calendar date in loc. The date is
// taken as written, not converted from t's own zone.
func endOfDate(t time.Time, loc *time.Location) time.Time {
	return domain.DateIn(t, loc).AddDate(0, 0, 1).Add(-time.Nanosecond)
}
