// Package memstore is an in-memory storage.Store. Transactions serialize on
// Lock keys and roll back through an undo log; reads are not isolated from
// concurrent uncommitted writes, so callers must hold the relevant lock.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/outbox"
	"github.com/appointly/appointly/services/scheduling-service/internal/storage"
	"github.com/google/uuid"
)

type Store struct {
	mu sync.Mutex

	tenants      map[string]domain.Tenant
	services     map[string]domain.Service
	staff        map[string]domain.StaffMember
	customers    map[string]domain.Customer
	blocked      map[string]domain.BlockedSlot
	appointments map[string]domain.Appointment
	series       map[string]domain.Series
	waitlist     map[string]domain.WaitlistEntry
	deliveries   map[string]domain.DeliveryAttempt
	deliveryKeys map[string]string
	webhooks     map[string]domain.WebhookConfig
	payments     map[string]domain.PaymentIntent
	idempotency  map[string]string
	provider     map[string]bool
	inbox        map[string]bool

	outbox       []outbox.Record
	published    map[int64]bool
	nextOutboxID int64

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New() *Store {
	return &Store{
		tenants:      map[string]domain.Tenant{},
		services:     map[string]domain.Service{},
		staff:        map[string]domain.StaffMember{},
		customers:    map[string]domain.Customer{},
		blocked:      map[string]domain.BlockedSlot{},
		appointments: map[string]domain.Appointment{},
		series:       map[string]domain.Series{},
		waitlist:     map[string]domain.WaitlistEntry{},
		deliveries:   map[string]domain.DeliveryAttempt{},
		deliveryKeys: map[string]string{},
		webhooks:     map[string]domain.WebhookConfig{},
		payments:     map[string]domain.PaymentIntent{},
		idempotency:  map[string]string{},
		provider:     map[string]bool{},
		inbox:        map[string]bool{},
		published:    map[int64]bool{},
		locks:        map[string]*sync.Mutex{},
	}
}

var _ storage.Store = (*Store)(nil)

func scoped(tenantID, id string) string { return tenantID + "/" + id }

// Seed helpers.

func (s *Store) PutTenant(t domain.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = t
}

func (s *Store) PutService(svc domain.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[scoped(svc.TenantID, svc.ID)] = svc
}

func (s *Store) PutStaff(m domain.StaffMember) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staff[scoped(m.TenantID, m.ID)] = m
}

func (s *Store) PutCustomer(c domain.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[scoped(c.TenantID, c.ID)] = c
}

func (s *Store) PutWebhookConfig(c domain.WebhookConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks[c.ID] = c
}

func (s *Store) PutPaymentIntent(p domain.PaymentIntent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = p
}

func (s *Store) PutAppointment(a domain.Appointment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appointments[a.ID] = a
}

func (s *Store) PutBlockedSlot(b domain.BlockedSlot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	s.blocked[b.ID] = b
}

// Outbox returns every event appended so far, published or not.
func (s *Store) Outbox() []outbox.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]outbox.Record(nil), s.outbox...)
}

// OutboxTypes lists appended event types in order.
func (s *Store) OutboxTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.outbox))
	for _, r := range s.outbox {
		out = append(out, r.Event.EventType)
	}
	return out
}

// Deliveries returns all delivery attempts ordered by creation.
func (s *Store) Deliveries() []domain.DeliveryAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DeliveryAttempt, 0, len(s.deliveries))
	for _, d := range s.deliveries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].IdempotencyKey < out[j].IdempotencyKey
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) (err error) {
	tx := &memTx{Store: s, held: map[string]*sync.Mutex{}}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			tx.release()
			panic(r)
		}
		if err != nil {
			tx.rollback()
		}
		tx.release()
	}()
	return fn(ctx, tx)
}

func (s *Store) keyLock(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	return m
}

// PublishBatch implements outbox.Source.
func (s *Store) PublishBatch(ctx context.Context, limit int, fn func(ctx context.Context, records []outbox.Record) error) (int, error) {
	s.mu.Lock()
	var batch []outbox.Record
	for _, r := range s.outbox {
		if s.published[r.ID] {
			continue
		}
		batch = append(batch, r)
		if len(batch) == limit {
			break
		}
	}
	s.mu.Unlock()
	if len(batch) == 0 {
		return 0, nil
	}
	if err := fn(ctx, batch); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range batch {
		s.published[r.ID] = true
	}
	return len(batch), nil
}

// Seen and Record implement consumer.Inbox.
func (s *Store) Seen(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inbox[eventID], nil
}

func (s *Store) Record(_ context.Context, eventID string, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inbox[eventID] {
		return false, nil
	}
	s.inbox[eventID] = true
	return true, nil
}
