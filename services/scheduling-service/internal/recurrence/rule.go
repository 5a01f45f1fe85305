// Package recurrence parses recurrence rules and materializes series
// occurrences into appointments.
package recurrence

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
)

type Frequency string

const (
	Daily   Frequency = "DAILY"
	Weekly  Frequency = "WEEKLY"
	Monthly Frequency = "MONTHLY"
)

// MaxOccurrences caps any series, whatever its rule says.
const MaxOccurrences = 520

// Rule is a parsed subset of RFC 5545 RRULE: FREQ, INTERVAL, BYDAY, COUNT
// and UNTIL.
type Rule struct {
	Freq     Frequency
	Interval int
	ByDay    []time.Weekday
	Count    int
	Until    *time.Time
	// untilDate marks a date-only UNTIL, which covers the whole local day.
	untilDate bool
}

var weekdays = map[string]time.Weekday{
	"MO": time.Monday, "TU": time.Tuesday, "WE": time.Wednesday, "TH": time.Thursday,
	"FR": time.Friday, "SA": time.Saturday, "SU": time.Sunday,
}

func Parse(s string) (Rule, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "RRULE:")
	if s == "" {
		return Rule{}, invalid("rule is empty")
	}
	r := Rule{Interval: 1}
	seen := map[string]bool{}
	for _, part := range strings.Split(s, ";") {
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return Rule{}, invalid("malformed part %q", part)
		}
		k = strings.ToUpper(strings.TrimSpace(k))
		v = strings.ToUpper(strings.TrimSpace(v))
		if seen[k] {
			return Rule{}, invalid("%s given twice", k)
		}
		seen[k] = true

		switch k {
		case "FREQ":
			switch Frequency(v) {
			case Daily, Weekly, Monthly:
				r.Freq = Frequency(v)
			default:
				return Rule{}, invalid("unsupported FREQ %q", v)
			}
		case "INTERVAL":
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return Rule{}, invalid("INTERVAL must be a positive integer")
			}
			r.Interval = n
		case "COUNT":
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return Rule{}, invalid("COUNT must be a positive integer")
			}
			r.Count = n
		case "UNTIL":
			t, dateOnly, err := parseUntil(v)
			if err != nil {
				return Rule{}, err
			}
			r.Until, r.untilDate = &t, dateOnly
		case "BYDAY":
			days := map[time.Weekday]bool{}
			for _, d := range strings.Split(v, ",") {
				wd, ok := weekdays[strings.TrimSpace(d)]
				if !ok {
					return Rule{}, invalid("unsupported BYDAY value %q", d)
				}
				days[wd] = true
			}
			for d := range days {
				r.ByDay = append(r.ByDay, d)
			}
			sort.Slice(r.ByDay, func(i, j int) bool { return isoIndex(r.ByDay[i]) < isoIndex(r.ByDay[j]) })
		case "WKST":
			if v != "MO" {
				return Rule{}, invalid("only WKST=MO is supported")
			}
		default:
			return Rule{}, invalid("unsupported rule part %s", k)
		}
	}
	if r.Freq == "" {
		return Rule{}, invalid("FREQ is required")
	}
	if r.Freq == Monthly && len(r.ByDay) > 0 {
		return Rule{}, invalid("BYDAY is not supported with FREQ=MONTHLY")
	}
	return r, nil
}

func (r Rule) String() string {
	parts := []string{"FREQ=" + string(r.Freq)}
	if r.Interval > 1 {
		parts = append(parts, "INTERVAL="+strconv.Itoa(r.Interval))
	}
	if len(r.ByDay) > 0 {
		names := make([]string, 0, len(r.ByDay))
		for _, d := range r.ByDay {
			names = append(names, strings.ToUpper(d.String()[:2]))
		}
		parts = append(parts, "BYDAY="+strings.Join(names, ","))
	}
	if r.Count > 0 {
		parts = append(parts, "COUNT="+strconv.Itoa(r.Count))
	}
	if r.Until != nil {
		if r.untilDate {
			parts = append(parts, "UNTIL="+r.Until.Format("20060102"))
		} else {
			parts = append(parts, "UNTIL="+r.Until.UTC().Format("20060102T150405Z"))
		}
	}
	return strings.Join(parts, ";")
}

// Bounded reports whether the rule itself limits the series.
func (r Rule) Bounded() bool { return r.Count > 0 || r.Until != nil }

func parseUntil(v string) (time.Time, bool, error) {
	for _, layout := range []string{"20060102T150405Z", "20060102T150405"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), false, nil
		}
	}
	if t, err := time.Parse("20060102", v); err == nil {
		return t, true, nil
	}
	return time.Time{}, false, invalid("UNTIL must be YYYYMMDD or YYYYMMDDTHHMMSSZ")
}

// isoIndex orders weekdays Monday first.
func isoIndex(d time.Weekday) int {
	return (int(d) + 6) % 7
}

func invalid(format string, args ...any) error {
	return domain.Errorf(domain.KindInvalidArgument, "recurrence rule: "+format, args...)
}
