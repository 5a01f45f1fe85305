package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/storage"
)

func (s *Store) GetTenant(_ context.Context, tenantID string) (domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return domain.Tenant{}, storage.ErrNotFound
	}
	return t, nil
}

func (s *Store) GetService(_ context.Context, tenantID, serviceID string) (domain.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[scoped(tenantID, serviceID)]
	if !ok {
		return domain.Service{}, storage.ErrNotFound
	}
	return svc, nil
}

func (s *Store) GetStaff(_ context.Context, tenantID, staffID string) (domain.StaffMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.staff[scoped(tenantID, staffID)]
	if !ok {
		return domain.StaffMember{}, storage.ErrNotFound
	}
	return m, nil
}

func (s *Store) ListStaff(_ context.Context, tenantID string) ([]domain.StaffMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StaffMember
	for _, m := range s.staff {
		if m.TenantID == tenantID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetCustomer(_ context.Context, tenantID, customerID string) (domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[scoped(tenantID, customerID)]
	if !ok {
		return domain.Customer{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *Store) ListBlockedSlots(_ context.Context, tenantID, staffID string, from, to time.Time) ([]domain.BlockedSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loc := s.tenants[tenantID].Location()
	query := domain.Window{Start: from, End: to}
	var out []domain.BlockedSlot
	for _, b := range s.blocked {
		if b.TenantID != tenantID || !b.Applies(staffID) {
			continue
		}
		if b.Window(loc).Overlaps(query) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (s *Store) GetAppointment(_ context.Context, tenantID, appointmentID string) (domain.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appointments[appointmentID]
	if !ok || a.TenantID != tenantID {
		return domain.Appointment{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *Store) ListAppointments(_ context.Context, tenantID string, f storage.AppointmentFilter) ([]domain.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Appointment
	for _, a := range s.appointments {
		if a.TenantID == tenantID && f.Matches(a) {
			out = append(out, a)
		}
	}
	sortAppointments(out)
	return out, nil
}

func sortAppointments(out []domain.Appointment) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Start.Before(out[j].Start)
	})
}

func (s *Store) GetSeries(_ context.Context, tenantID, seriesID string) (domain.Series, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr, ok := s.series[seriesID]
	if !ok || sr.TenantID != tenantID {
		return domain.Series{}, storage.ErrNotFound
	}
	return sr, nil
}

func (s *Store) ListActiveSeries(_ context.Context, limit int) ([]domain.Series, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Series
	for _, sr := range s.series {
		if sr.Active {
			out = append(out, sr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListSeriesAppointments(_ context.Context, tenantID, seriesID string) ([]domain.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Appointment
	for _, a := range s.appointments {
		if a.TenantID == tenantID && a.SeriesID == seriesID {
			out = append(out, a)
		}
	}
	sortAppointments(out)
	return out, nil
}

func (s *Store) GetWaitlistEntry(_ context.Context, tenantID, entryID string) (domain.WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.waitlist[entryID]
	if !ok || e.TenantID != tenantID {
		return domain.WaitlistEntry{}, storage.ErrNotFound
	}
	return e, nil
}

func (s *Store) ListCohort(_ context.Context, tenantID, serviceID, date string) ([]domain.WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.WaitlistEntry
	for _, e := range s.waitlist {
		if e.TenantID == tenantID && e.ServiceID == serviceID && e.RequestedDate == date {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *Store) ListWaitingServices(_ context.Context, tenantID, date string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, e := range s.waitlist {
		if e.TenantID != tenantID || e.RequestedDate != date {
			continue
		}
		st := e.State()
		if st != domain.WaitlistWaiting && st != domain.WaitlistNotified {
			continue
		}
		if !seen[e.ServiceID] {
			seen[e.ServiceID] = true
			out = append(out, e.ServiceID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) ListOverduePromotions(_ context.Context, now time.Time, limit int) ([]domain.WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.WaitlistEntry
	for _, e := range s.waitlist {
		if e.State() == domain.WaitlistNotified && e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetDelivery(_ context.Context, deliveryID string) (domain.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[deliveryID]
	if !ok {
		return domain.DeliveryAttempt{}, storage.ErrNotFound
	}
	return d, nil
}

func (s *Store) GetDeliveryByKey(_ context.Context, idempotencyKey string) (domain.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.deliveryKeys[idempotencyKey]
	if !ok {
		return domain.DeliveryAttempt{}, storage.ErrNotFound
	}
	return s.deliveries[id], nil
}

func (s *Store) GetDeliveryByExternalID(_ context.Context, externalID string) (domain.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deliveries {
		if externalID != "" && d.ExternalID == externalID {
			return d, nil
		}
	}
	return domain.DeliveryAttempt{}, storage.ErrNotFound
}

func (s *Store) ListWebhookConfigs(_ context.Context, tenantID string) ([]domain.WebhookConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.WebhookConfig
	for _, c := range s.webhooks {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetPaymentIntent(_ context.Context, tenantID, paymentID string) (domain.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok || p.TenantID != tenantID {
		return domain.PaymentIntent{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) GetPaymentIntentByProviderRef(_ context.Context, providerRef string) (domain.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if providerRef != "" && p.ProviderRef == providerRef {
			return p, nil
		}
	}
	return domain.PaymentIntent{}, storage.ErrNotFound
}
