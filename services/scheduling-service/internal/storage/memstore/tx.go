package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/outbox"
	"github.com/appointly/appointly/services/scheduling-service/internal/storage"
	"github.com/google/uuid"
)

type memTx struct {
	*Store
	held map[string]*sync.Mutex
	undo []func()
}

var _ storage.Tx = (*memTx)(nil)

func (tx *memTx) rollback() {
	tx.Store.mu.Lock()
	defer tx.Store.mu.Unlock()
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memTx) release() {
	for _, m := range tx.held {
		m.Unlock()
	}
	tx.held = nil
}

// write runs fn under the store mutex; fn returns the inverse operation.
func (tx *memTx) write(fn func(s *Store) func()) {
	tx.Store.mu.Lock()
	defer tx.Store.mu.Unlock()
	if inverse := fn(tx.Store); inverse != nil {
		tx.undo = append(tx.undo, inverse)
	}
}

func (tx *memTx) Lock(ctx context.Context, key string) error {
	if _, ok := tx.held[key]; ok {
		return nil
	}
	m := tx.Store.keyLock(key)
	acquired := make(chan struct{})
	go func() {
		m.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
		tx.held[key] = m
		return nil
	case <-ctx.Done():
		go func() {
			<-acquired
			m.Unlock()
		}()
		return ctx.Err()
	}
}

func (tx *memTx) InsertAppointment(_ context.Context, appt *domain.Appointment) error {
	if appt.ID == "" {
		appt.ID = uuid.NewString()
	}
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = time.Now().UTC()
	}
	appt.UpdatedAt = appt.CreatedAt
	v := *appt
	tx.write(func(s *Store) func() {
		s.appointments[v.ID] = v
		return func() { delete(s.appointments, v.ID) }
	})
	return nil
}

func (tx *memTx) UpdateAppointment(_ context.Context, appt domain.Appointment) error {
	var err error
	tx.write(func(s *Store) func() {
		prev, ok := s.appointments[appt.ID]
		if !ok || prev.TenantID != appt.TenantID {
			err = storage.ErrNotFound
			return nil
		}
		s.appointments[appt.ID] = appt
		return func() { s.appointments[appt.ID] = prev }
	})
	return err
}

func (tx *memTx) AdjustCustomer(_ context.Context, tenantID, customerID string, delta domain.CounterDelta) error {
	var err error
	tx.write(func(s *Store) func() {
		k := scoped(tenantID, customerID)
		prev, ok := s.customers[k]
		if !ok {
			err = storage.ErrNotFound
			return nil
		}
		next := prev
		next.TotalAppointments += delta.Appointments
		next.TotalNoShows += delta.NoShows
		next.TotalSpent = next.TotalSpent.Add(delta.Spent)
		s.customers[k] = next
		return func() { s.customers[k] = prev }
	})
	return err
}

func (tx *memTx) ClaimIdempotencyKey(_ context.Context, tenantID, key string) (string, error) {
	var existing string
	tx.write(func(s *Store) func() {
		k := scoped(tenantID, key)
		if id, ok := s.idempotency[k]; ok {
			existing = id
			return nil
		}
		s.idempotency[k] = ""
		return func() { delete(s.idempotency, k) }
	})
	return existing, nil
}

func (tx *memTx) BindIdempotencyKey(_ context.Context, tenantID, key, appointmentID string) error {
	tx.write(func(s *Store) func() {
		k := scoped(tenantID, key)
		prev, had := s.idempotency[k]
		s.idempotency[k] = appointmentID
		return func() {
			if had {
				s.idempotency[k] = prev
			} else {
				delete(s.idempotency, k)
			}
		}
	})
	return nil
}

func (tx *memTx) InsertSeries(_ context.Context, sr *domain.Series) error {
	if sr.ID == "" {
		sr.ID = uuid.NewString()
	}
	if sr.CreatedAt.IsZero() {
		sr.CreatedAt = time.Now().UTC()
	}
	v := *sr
	tx.write(func(s *Store) func() {
		s.series[v.ID] = v
		return func() { delete(s.series, v.ID) }
	})
	return nil
}

func (tx *memTx) UpdateSeries(_ context.Context, sr domain.Series) error {
	var err error
	tx.write(func(s *Store) func() {
		prev, ok := s.series[sr.ID]
		if !ok {
			err = storage.ErrNotFound
			return nil
		}
		s.series[sr.ID] = sr
		return func() { s.series[sr.ID] = prev }
	})
	return err
}

func (tx *memTx) InsertWaitlistEntry(_ context.Context, e *domain.WaitlistEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	v := *e
	var err error
	tx.write(func(s *Store) func() {
		for _, other := range s.waitlist {
			if other.CohortKey() == v.CohortKey() && other.Position == v.Position {
				err = storage.ErrConflict
				return nil
			}
		}
		s.waitlist[v.ID] = v
		return func() { delete(s.waitlist, v.ID) }
	})
	return err
}

func (tx *memTx) UpdateWaitlistEntry(_ context.Context, e domain.WaitlistEntry) error {
	var err error
	tx.write(func(s *Store) func() {
		prev, ok := s.waitlist[e.ID]
		if !ok {
			err = storage.ErrNotFound
			return nil
		}
		s.waitlist[e.ID] = e
		return func() { s.waitlist[e.ID] = prev }
	})
	return err
}

func (tx *memTx) InsertBlockedSlot(_ context.Context, b *domain.BlockedSlot) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	v := *b
	tx.write(func(s *Store) func() {
		s.blocked[v.ID] = v
		return func() { delete(s.blocked, v.ID) }
	})
	return nil
}

func (tx *memTx) DeleteBlockedSlot(_ context.Context, tenantID, blockedSlotID string) (domain.BlockedSlot, error) {
	var (
		out domain.BlockedSlot
		err error
	)
	tx.write(func(s *Store) func() {
		prev, ok := s.blocked[blockedSlotID]
		if !ok || prev.TenantID != tenantID {
			err = storage.ErrNotFound
			return nil
		}
		out = prev
		delete(s.blocked, blockedSlotID)
		return func() { s.blocked[blockedSlotID] = prev }
	})
	return out, err
}

func (tx *memTx) InsertDelivery(_ context.Context, d *domain.DeliveryAttempt) (bool, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	d.UpdatedAt = d.CreatedAt
	v := *d
	v.Replayed = false
	created := false
	tx.write(func(s *Store) func() {
		if _, ok := s.deliveryKeys[v.IdempotencyKey]; ok {
			return nil
		}
		created = true
		s.deliveries[v.ID] = v
		s.deliveryKeys[v.IdempotencyKey] = v.ID
		return func() {
			delete(s.deliveries, v.ID)
			delete(s.deliveryKeys, v.IdempotencyKey)
		}
	})
	return created, nil
}

func (tx *memTx) UpdateDelivery(_ context.Context, d domain.DeliveryAttempt) error {
	d.Replayed = false
	var err error
	tx.write(func(s *Store) func() {
		prev, ok := s.deliveries[d.ID]
		if !ok {
			err = storage.ErrNotFound
			return nil
		}
		s.deliveries[d.ID] = d
		return func() { s.deliveries[d.ID] = prev }
	})
	return err
}

func (tx *memTx) ClaimDueDeliveries(_ context.Context, now, leaseUntil time.Time, limit int) ([]domain.DeliveryAttempt, error) {
	var due []domain.DeliveryAttempt
	tx.write(func(s *Store) func() {
		for _, d := range s.deliveries {
			if d.Status != domain.DeliveryPending || d.NextAttemptAt.After(now) {
				continue
			}
			due = append(due, d)
		}
		sortDeliveries(due)
		if limit > 0 && len(due) > limit {
			due = due[:limit]
		}
		prev := make([]domain.DeliveryAttempt, len(due))
		copy(prev, due)
		for _, d := range due {
			d.NextAttemptAt = leaseUntil
			s.deliveries[d.ID] = d
		}
		return func() {
			for _, d := range prev {
				s.deliveries[d.ID] = d
			}
		}
	})
	return due, nil
}

func sortDeliveries(ds []domain.DeliveryAttempt) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].NextAttemptAt.Equal(ds[j].NextAttemptAt) {
			return ds[i].CreatedAt.Before(ds[j].CreatedAt)
		}
		return ds[i].NextAttemptAt.Before(ds[j].NextAttemptAt)
	})
}

func (tx *memTx) InsertPaymentIntent(_ context.Context, p *domain.PaymentIntent) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	v := *p
	var err error
	tx.write(func(s *Store) func() {
		for _, existing := range s.payments {
			if existing.ProviderRef != "" && existing.ProviderRef == v.ProviderRef {
				err = storage.ErrConflict
				return nil
			}
		}
		s.payments[v.ID] = v
		return func() { delete(s.payments, v.ID) }
	})
	return err
}

func (tx *memTx) UpdatePaymentIntent(_ context.Context, p domain.PaymentIntent) error {
	var err error
	tx.write(func(s *Store) func() {
		prev, ok := s.payments[p.ID]
		if !ok {
			err = storage.ErrNotFound
			return nil
		}
		s.payments[p.ID] = p
		return func() { s.payments[p.ID] = prev }
	})
	return err
}

func (tx *memTx) RecordProviderEvent(_ context.Context, provider, eventID, _ string, _ []byte) (bool, error) {
	created := false
	tx.write(func(s *Store) func() {
		k := provider + "/" + eventID
		if s.provider[k] {
			return nil
		}
		created = true
		s.provider[k] = true
		return func() { delete(s.provider, k) }
	})
	return created, nil
}

func (tx *memTx) AppendOutbox(_ context.Context, evt outbox.Event) error {
	tx.write(func(s *Store) func() {
		s.nextOutboxID++
		rec := outbox.Record{
			ID:        s.nextOutboxID,
			EventID:   uuid.NewString(),
			Event:     evt,
			CreatedAt: time.Now().UTC(),
		}
		s.outbox = append(s.outbox, rec)
		return func() {
			for i := range s.outbox {
				if s.outbox[i].ID == rec.ID {
					s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
					return
				}
			}
		}
	})
	return nil
}
