// Package storage defines the persistence contract shared by the Postgres
// repository and the in-memory store used in tests.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/outbox"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrConflict = errors.New("storage: conflict")
)

type AppointmentFilter struct {
	StaffID   string
	ServiceID string
	// Window restricts results to appointments overlapping [From, To).
	From time.Time
	To   time.Time
	// ActiveOnly drops terminal appointments.
	ActiveOnly bool
}

func (f AppointmentFilter) Matches(a domain.Appointment) bool {
	if f.StaffID != "" && a.StaffID != f.StaffID {
		return false
	}
	if f.ServiceID != "" && a.ServiceID != f.ServiceID {
		return false
	}
	if f.ActiveOnly && a.Status.Terminal() {
		return false
	}
	if !f.From.IsZero() && !a.End.After(f.From) {
		return false
	}
	if !f.To.IsZero() && !a.Start.Before(f.To) {
		return false
	}
	return true
}

type Reader interface {
	GetTenant(ctx context.Context, tenantID string) (domain.Tenant, error)
	GetService(ctx context.Context, tenantID, serviceID string) (domain.Service, error)
	GetStaff(ctx context.Context, tenantID, staffID string) (domain.StaffMember, error)
	ListStaff(ctx context.Context, tenantID string) ([]domain.StaffMember, error)
	GetCustomer(ctx context.Context, tenantID, customerID string) (domain.Customer, error)

	// ListBlockedSlots returns tenant-wide blocks plus those of staffID that
	// overlap [from, to). All-day blocks are matched by their local dates.
	ListBlockedSlots(ctx context.Context, tenantID, staffID string, from, to time.Time) ([]domain.BlockedSlot, error)

	GetAppointment(ctx context.Context, tenantID, appointmentID string) (domain.Appointment, error)
	ListAppointments(ctx context.Context, tenantID string, f AppointmentFilter) ([]domain.Appointment, error)

	GetSeries(ctx context.Context, tenantID, seriesID string) (domain.Series, error)
	ListActiveSeries(ctx context.Context, limit int) ([]domain.Series, error)
	ListSeriesAppointments(ctx context.Context, tenantID, seriesID string) ([]domain.Appointment, error)

	GetWaitlistEntry(ctx context.Context, tenantID, entryID string) (domain.WaitlistEntry, error)
	// ListCohort returns the cohort ordered by ascending position.
	ListCohort(ctx context.Context, tenantID, serviceID, date string) ([]domain.WaitlistEntry, error)
	// ListWaitingServices returns services with unresolved entries on date.
	ListWaitingServices(ctx context.Context, tenantID, date string) ([]string, error)
	// ListOverduePromotions returns notified entries whose offer expired before now.
	ListOverduePromotions(ctx context.Context, now time.Time, limit int) ([]domain.WaitlistEntry, error)

	GetDelivery(ctx context.Context, deliveryID string) (domain.DeliveryAttempt, error)
	GetDeliveryByKey(ctx context.Context, idempotencyKey string) (domain.DeliveryAttempt, error)
	GetDeliveryByExternalID(ctx context.Context, externalID string) (domain.DeliveryAttempt, error)
	ListWebhookConfigs(ctx context.Context, tenantID string) ([]domain.WebhookConfig, error)

	GetPaymentIntent(ctx context.Context, tenantID, paymentID string) (domain.PaymentIntent, error)
	GetPaymentIntentByProviderRef(ctx context.Context, providerRef string) (domain.PaymentIntent, error)
}

// Tx is a unit of work. Writes become visible to other transactions on commit.
type Tx interface {
	Reader

	// Lock serializes transactions on key until this one ends.
	Lock(ctx context.Context, key string) error

	InsertAppointment(ctx context.Context, appt *domain.Appointment) error
	UpdateAppointment(ctx context.Context, appt domain.Appointment) error
	AdjustCustomer(ctx context.Context, tenantID, customerID string, delta domain.CounterDelta) error

	// ClaimIdempotencyKey returns the appointment already bound to key, or ""
	// when the key was claimed by this call.
	ClaimIdempotencyKey(ctx context.Context, tenantID, key string) (string, error)
	BindIdempotencyKey(ctx context.Context, tenantID, key, appointmentID string) error

	InsertSeries(ctx context.Context, s *domain.Series) error
	UpdateSeries(ctx context.Context, s domain.Series) error

	InsertWaitlistEntry(ctx context.Context, e *domain.WaitlistEntry) error
	UpdateWaitlistEntry(ctx context.Context, e domain.WaitlistEntry) error

	InsertBlockedSlot(ctx context.Context, b *domain.BlockedSlot) error
	DeleteBlockedSlot(ctx context.Context, tenantID, blockedSlotID string) (domain.BlockedSlot, error)

	// InsertDelivery stores d unless its idempotency key exists; it reports
	// whether a row was created.
	InsertDelivery(ctx context.Context, d *domain.DeliveryAttempt) (bool, error)
	UpdateDelivery(ctx context.Context, d domain.DeliveryAttempt) error
	// ClaimDueDeliveries leases pending deliveries due at now by pushing their
	// next_attempt_at to leaseUntil, so other workers skip them once the
	// claiming transaction commits.
	ClaimDueDeliveries(ctx context.Context, now, leaseUntil time.Time, limit int) ([]domain.DeliveryAttempt, error)

	InsertPaymentIntent(ctx context.Context, p *domain.PaymentIntent) error
	UpdatePaymentIntent(ctx context.Context, p domain.PaymentIntent) error

	// RecordProviderEvent reports false when the provider event was already applied.
	RecordProviderEvent(ctx context.Context, provider, eventID, eventType string, payload []byte) (bool, error)

	AppendOutbox(ctx context.Context, evt outbox.Event) error
}

type Store interface {
	Reader
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// StaffLockKey serializes reservations for one staff member.
func StaffLockKey(tenantID, staffID string) string {
	return "staff:" + tenantID + ":" + staffID
}

// TenantLockKey serializes reservations that count against a tenant-wide cap.
func TenantLockKey(tenantID string) string {
	return "tenant:" + tenantID + ":concurrency"
}

// DeliveryLockKey serializes status writes for one delivery attempt.
func DeliveryLockKey(deliveryID string) string {
	return "delivery:" + deliveryID
}
