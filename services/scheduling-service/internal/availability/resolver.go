// Package availability computes bookable windows for a service and checks a
// single window against the same rules at commit time.
package availability

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/appointly/appointly/libs/clock"
	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/storage"
)

type Query struct {
	TenantID  string
	ServiceID string
	// StaffID is empty to search every qualified staff member.
	StaffID string
	// Day is a YYYY-MM-DD calendar day in the tenant's zone. It takes
	// precedence over Date when Window is zero.
	Day string
	// Date selects the tenant-local day containing this instant.
	Date   time.Time
	Window domain.Window
}

// Slot is a bookable window. Remaining is the capacity left at that start.
type Slot struct {
	StaffID   string    `json:"staff_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Remaining int       `json:"remaining"`
}

func (s Slot) Window() domain.Window { return domain.Window{Start: s.Start, End: s.End} }

type Resolver struct {
	store storage.Reader
	clock clock.Clock
}

func NewResolver(store storage.Reader, c clock.Clock) *Resolver {
	if c == nil {
		c = clock.Real{}
	}
	return &Resolver{store: store, clock: c}
}

// Resolve returns the free windows for q ordered by start, then staff id.
// An empty result is a normal outcome, not an error.
func (r *Resolver) Resolve(ctx context.Context, q Query, p domain.Policy) ([]Slot, error) {
	p = p.Normalized()

	tenant, err := r.store.GetTenant(ctx, q.TenantID)
	if err != nil {
		return nil, notFound(err, "tenant")
	}
	if !tenant.AcceptsBookings() {
		return nil, nil
	}
	svc, err := r.store.GetService(ctx, q.TenantID, q.ServiceID)
	if err != nil {
		return nil, notFound(err, "service")
	}
	if !svc.Active {
		return nil, nil
	}
	if svc.Duration <= 0 {
		return nil, domain.Errorf(domain.KindInvalidArgument, "service %s has no duration", svc.ID)
	}

	span := q.Window
	if span.Empty() {
		var start time.Time
		switch {
		case q.Day != "":
			start, err = domain.ParseDateIn(q.Day, tenant.Location())
			if err != nil {
				return nil, domain.Errorf(domain.KindInvalidArgument, "date must be YYYY-MM-DD")
			}
		case !q.Date.IsZero():
			start = domain.StartOfDay(q.Date, tenant.Location())
		default:
			return nil, domain.Errorf(domain.KindInvalidArgument, "date or window is required")
		}
		y, m, d := start.Date()
		span = domain.Window{Start: start, End: time.Date(y, m, d+1, 0, 0, 0, 0, start.Location())}
	}

	staff, err := r.qualifiedStaff(ctx, tenant.ID, svc, q.StaffID)
	if err != nil {
		return nil, err
	}

	earliest := r.clock.Now().Add(p.MinAdvance)
	var out []Slot
	for _, member := range staff {
		plan, err := loadPlan(ctx, r.store, tenant, svc, member, span, p)
		if err != nil {
			return nil, err
		}
		for _, w := range plan.candidates(span) {
			if w.Start.Before(earliest) {
				continue
			}
			remaining, kind := plan.evaluate(w, "")
			if kind != "" {
				continue
			}
			out = append(out, Slot{StaffID: member.ID, Start: w.Start, End: w.End, Remaining: remaining})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].StaffID < out[j].StaffID
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out, nil
}

func (r *Resolver) qualifiedStaff(ctx context.Context, tenantID string, svc domain.Service, staffID string) ([]domain.StaffMember, error) {
	if staffID != "" {
		m, err := r.store.GetStaff(ctx, tenantID, staffID)
		if err != nil {
			return nil, notFound(err, "staff")
		}
		if !m.Active || !svc.Qualifies(m.ID) {
			return nil, nil
		}
		return []domain.StaffMember{m}, nil
	}

	all, err := r.store.ListStaff(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var out []domain.StaffMember
	for _, m := range all {
		if m.Active && svc.Qualifies(m.ID) {
			out = append(out, m)
		}
	}
	return out, nil
}

// CheckRequest asks whether one concrete window can be booked.
type CheckRequest struct {
	Tenant  domain.Tenant
	Service domain.Service
	Staff   domain.StaffMember
	Window  domain.Window
	// ExcludeAppointmentID ignores one appointment, e.g. when rescheduling it.
	ExcludeAppointmentID string
}

// Check applies the resolver's rules to one window using r, which is
// normally the reservation transaction. It returns the capacity left before
// the booking.
func Check(ctx context.Context, r storage.Reader, req CheckRequest, p domain.Policy, now time.Time) (int, error) {
	p = p.Normalized()
	if !req.Tenant.AcceptsBookings() {
		return 0, domain.Errorf(domain.KindTenantSuspended, "tenant %s is suspended", req.Tenant.ID)
	}
	if !req.Service.Active {
		return 0, domain.Errorf(domain.KindInvalidArgument, "service %s is inactive", req.Service.ID)
	}
	if !req.Staff.Active || !req.Service.Qualifies(req.Staff.ID) {
		return 0, domain.Errorf(domain.KindInvalidArgument, "staff %s cannot perform service %s", req.Staff.ID, req.Service.ID)
	}
	if req.Window.Empty() || req.Window.Duration() != req.Service.Duration {
		return 0, domain.Errorf(domain.KindInvalidArgument, "window must last %s", req.Service.Duration)
	}
	if req.Window.Start.Before(now.Add(p.MinAdvance)) {
		return 0, domain.Errorf(domain.KindOutOfPolicyWindow, "window starts before %s", now.Add(p.MinAdvance).Format(time.RFC3339))
	}

	plan, err := loadPlan(ctx, r, req.Tenant, req.Service, req.Staff, req.Window, p)
	if err != nil {
		return 0, err
	}
	remaining, kind := plan.evaluate(req.Window, req.ExcludeAppointmentID)
	switch kind {
	case "":
		return remaining, nil
	case domain.KindOutOfPolicyWindow:
		return 0, domain.Errorf(kind, "window %s is outside working hours or blocked", req.Window.Start.Format(time.RFC3339))
	case domain.KindCapacityExceeded:
		return 0, domain.Errorf(kind, "group session at %s is full", req.Window.Start.Format(time.RFC3339))
	default:
		return 0, domain.Errorf(kind, "staff %s is busy at %s", req.Staff.ID, req.Window.Start.Format(time.RFC3339))
	}
}

func notFound(err error, what string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Errorf(domain.KindNotFound, "%s not found", what)
	}
	return err
}
