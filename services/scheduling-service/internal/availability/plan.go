package availability

import (
	"context"
	"time"

	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/storage"
)

// staffPlan holds everything needed to judge candidate windows for one staff
// member over a time range.
type staffPlan struct {
	tenant  domain.Tenant
	service domain.Service
	staff   domain.StaffMember
	loc     *time.Location
	blocked []domain.Window
	busy    []domain.Appointment
	buffer  time.Duration
}

func loadPlan(ctx context.Context, r storage.Reader, tenant domain.Tenant, svc domain.Service, staff domain.StaffMember, span domain.Window, p domain.Policy) (staffPlan, error) {
	loc := tenant.Location()
	buffer := p.Buffer()

	blocks, err := r.ListBlockedSlots(ctx, tenant.ID, staff.ID, span.Start, span.End)
	if err != nil {
		return staffPlan{}, err
	}
	blocked := make([]domain.Window, 0, len(blocks))
	for _, b := range blocks {
		blocked = append(blocked, b.Window(loc))
	}

	busy, err := r.ListAppointments(ctx, tenant.ID, storage.AppointmentFilter{
		StaffID:    staff.ID,
		From:       span.Start.Add(-buffer),
		To:         span.End.Add(buffer),
		ActiveOnly: true,
	})
	if err != nil {
		return staffPlan{}, err
	}

	return staffPlan{
		tenant:  tenant,
		service: svc,
		staff:   staff,
		loc:     loc,
		blocked: Merge(blocked),
		busy:    busy,
		buffer:  buffer,
	}, nil
}

// workingWindow is the staff member's working window on w's local date.
func (sp staffPlan) workingWindow(day time.Time) (domain.Window, bool) {
	local := day.In(sp.loc)
	return sp.staff.HoursFor(local.Weekday(), sp.tenant.BusinessHours).On(local, sp.loc)
}

// evaluate returns the remaining capacity of w, or the kind of rule it breaks.
func (sp staffPlan) evaluate(w domain.Window, excludeID string) (int, domain.Kind) {
	work, ok := sp.workingWindow(w.Start)
	if !ok || !work.Contains(w) {
		return 0, domain.KindOutOfPolicyWindow
	}
	if overlapsAny(w, sp.blocked) {
		return 0, domain.KindOutOfPolicyWindow
	}

	if sp.service.IsGroup() {
		capacity := sp.service.Capacity()
		taken := 0
		for _, a := range sp.busy {
			if a.ID == excludeID {
				continue
			}
			if a.ServiceID == sp.service.ID && a.Start.Equal(w.Start) {
				taken++
			}
		}
		if taken >= capacity {
			return 0, domain.KindCapacityExceeded
		}
		return capacity - taken, ""
	}

	for _, a := range sp.busy {
		if a.ID == excludeID {
			continue
		}
		if a.Window().Grow(sp.buffer).Overlaps(w) {
			return 0, domain.KindSlotUnavailable
		}
	}
	return 1, ""
}

// candidates lays the service-duration grid over each working day in span.
func (sp staffPlan) candidates(span domain.Window) []domain.Window {
	var out []domain.Window
	day := domain.StartOfDay(span.Start, sp.loc)
	for day.Before(span.End) {
		if work, ok := sp.workingWindow(day); ok {
			for _, w := range Grid(work, sp.service.Duration) {
				if span.Contains(w) {
					out = append(out, w)
				}
			}
		}
		y, m, d := day.Date()
		day = time.Date(y, m, d+1, 0, 0, 0, 0, sp.loc)
	}
	return out
}
