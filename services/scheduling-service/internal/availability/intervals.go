package availability

import (
	"sort"
	"time"

	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
)

// Grid returns consecutive windows of length d laid from span.Start that fit
// entirely inside span.
func Grid(span domain.Window, d time.Duration) []domain.Window {
	if d <= 0 || span.Empty() {
		return nil
	}
	var out []domain.Window
	for t := span.Start; !t.Add(d).After(span.End); t = t.Add(d) {
		out = append(out, domain.Window{Start: t, End: t.Add(d)})
	}
	return out
}

// Merge sorts windows and joins overlapping or touching ones.
func Merge(ws []domain.Window) []domain.Window {
	if len(ws) == 0 {
		return nil
	}
	sorted := append([]domain.Window(nil), ws...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	out := []domain.Window{sorted[0]}
	for _, w := range sorted[1:] {
		last := &out[len(out)-1]
		if !w.Start.After(last.End) {
			if w.End.After(last.End) {
				last.End = w.End
			}
			continue
		}
		out = append(out, w)
	}
	return out
}

// Subtract removes every cut from base and returns the remaining pieces in order.
func Subtract(base domain.Window, cuts []domain.Window) []domain.Window {
	if base.Empty() {
		return nil
	}
	free := []domain.Window{base}
	for _, c := range Merge(cuts) {
		var next []domain.Window
		for _, f := range free {
			// Half-open intervals: [start,end) overlaps [c.Start,c.End) iff start < c.End && c.Start < end.
			if !f.Overlaps(c) {
				next = append(next, f)
				continue
			}
			if f.Start.Before(c.Start) {
				next = append(next, domain.Window{Start: f.Start, End: c.Start})
			}
			if c.End.Before(f.End) {
				next = append(next, domain.Window{Start: c.End, End: f.End})
			}
		}
		free = next
	}
	return free
}

func overlapsAny(w domain.Window, others []domain.Window) bool {
	for _, o := range others {
		if w.Overlaps(o) {
			return true
		}
	}
	return false
}
