package booking

import (
	"context"
	"errors"
	"time"

	"github.com/appointly/appointly/services/scheduling-service/internal/availability"
	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/storage"
	"github.com/cenkalti/backoff/v5"
)

type BookRequest struct {
	TenantID  string
	ServiceID string
	// StaffID is empty to accept any qualified staff member.
	StaffID         string
	CustomerID      string
	LocationID      string
	Start           time.Time
	IdempotencyKey  string
	WaitlistEntryID string
}

// Book reserves the slot starting at req.Start. When a reservation loses a
// race it re-resolves availability and tries another free staff member, up to
// policy.BookingRetries extra attempts, before failing with SlotUnavailable.
func (m *Manager) Book(ctx context.Context, req BookRequest, p domain.Policy) (domain.Appointment, error) {
	p = p.Normalized()
	if req.IdempotencyKey != "" {
		appt, ok, err := m.replay(ctx, req.TenantID, req.IdempotencyKey)
		if err != nil || ok {
			return appt, err
		}
	}
	tried := map[string]bool{}
	attempts := 0
	var lastErr error

	op := func() (domain.Appointment, error) {
		attempts++
		slots, err := m.resolver.Resolve(ctx, availability.Query{
			TenantID:  req.TenantID,
			ServiceID: req.ServiceID,
			StaffID:   req.StaffID,
			Date:      req.Start,
		}, p)
		if err != nil {
			return domain.Appointment{}, backoff.Permanent(err)
		}
		slot, ok := pick(slots, req.Start, tried)
		if !ok {
			if lastErr != nil {
				return domain.Appointment{}, backoff.Permanent(domain.Wrap(domain.KindSlotUnavailable, "no free slot left after retries", lastErr))
			}
			return domain.Appointment{}, backoff.Permanent(domain.Errorf(domain.KindSlotUnavailable, "no free slot at %s", req.Start.UTC().Format(time.RFC3339)))
		}

		appt, err := m.Reserve(ctx, ReserveRequest{
			TenantID:        req.TenantID,
			ServiceID:       req.ServiceID,
			StaffID:         slot.StaffID,
			CustomerID:      req.CustomerID,
			LocationID:      req.LocationID,
			Window:          slot.Window(),
			IdempotencyKey:  req.IdempotencyKey,
			WaitlistEntryID: req.WaitlistEntryID,
		}, p)
		if err == nil {
			return appt, nil
		}
		if !domain.IsConflict(err) {
			return domain.Appointment{}, backoff.Permanent(err)
		}
		m.logger.Info("reservation conflict, re-resolving", "tenant_id", req.TenantID, "staff_id", slot.StaffID, "attempt", attempts, "err", err)
		lastErr = err
		if req.StaffID == "" {
			tried[slot.StaffID] = true
		}
		return domain.Appointment{}, err
	}

	appt, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(m.retryWait)),
		backoff.WithMaxTries(uint(p.BookingRetries+1)),
	)
	if err == nil {
		return appt, nil
	}
	if perm, ok := err.(*backoff.PermanentError); ok {
		err = perm.Err
	}
	if domain.KindOf(err) == domain.KindCapacityExceeded {
		return domain.Appointment{}, domain.Wrap(domain.KindSlotUnavailable, "slot taken by a concurrent booking", err)
	}
	return domain.Appointment{}, err
}

var errFreshKey = errors.New("idempotency key not yet bound")

// replay returns the appointment already bound to key. The claim made while
// looking is rolled back so Reserve can take it.
func (m *Manager) replay(ctx context.Context, tenantID, key string) (domain.Appointment, bool, error) {
	var appt domain.Appointment
	err := m.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Lock(ctx, "idem:"+tenantID+":"+key); err != nil {
			return err
		}
		existing, err := tx.ClaimIdempotencyKey(ctx, tenantID, key)
		if err != nil {
			return err
		}
		if existing == "" {
			return errFreshKey
		}
		appt, err = tx.GetAppointment(ctx, tenantID, existing)
		return notFound(err, "appointment")
	})
	if errors.Is(err, errFreshKey) {
		return domain.Appointment{}, false, nil
	}
	if err != nil {
		return domain.Appointment{}, false, err
	}
	return appt, true, nil
}

func pick(slots []availability.Slot, start time.Time, tried map[string]bool) (availability.Slot, bool) {
	for _, s := range slots {
		if s.Start.Equal(start) && !tried[s.StaffID] {
			return s, true
		}
	}
	return availability.Slot{}, false
}
