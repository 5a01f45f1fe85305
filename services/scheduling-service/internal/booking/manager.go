// Package booking commits reservations, cancellations and lifecycle
// transitions. Every commit re-validates availability inside the
// transaction while holding the staff member's lock.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/appointly/appointly/libs/clock"
	otelx "github.com/appointly/appointly/libs/otel"
	"github.com/appointly/appointly/services/scheduling-service/internal/availability"
	"github.com/appointly/appointly/services/scheduling-service/internal/delivery"
	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/events"
	"github.com/appointly/appointly/services/scheduling-service/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// WaitlistHook lets a reservation consume a waiting-list promotion in the
// same transaction.
type WaitlistHook interface {
	ClaimPromotion(ctx context.Context, tx storage.Tx, entryID string, appt domain.Appointment) error
	// PromotionCommitted runs after the reservation committed.
	PromotionCommitted(ctx context.Context, tenantID, entryID string)
}

// SlotSignals receives freed capacity after a cancel or no-show commits.
// Without it the slot.freed outbox event is the only signal.
type SlotSignals interface {
	SlotFreed(ctx context.Context, f domain.FreedSlot)
}

type Manager struct {
	store      storage.Store
	dispatcher *delivery.Dispatcher
	resolver   *availability.Resolver
	clock      clock.Clock
	logger     *slog.Logger
	waitlist   WaitlistHook
	signals    SlotSignals
	retryWait  time.Duration
}

type Option func(*Manager)

func WithWaitlist(h WaitlistHook) Option { return func(m *Manager) { m.waitlist = h } }

func WithSlotSignals(s SlotSignals) Option { return func(m *Manager) { m.signals = s } }

// WithRetryWait sets the pause between Book attempts.
func WithRetryWait(d time.Duration) Option { return func(m *Manager) { m.retryWait = d } }

func NewManager(store storage.Store, dispatcher *delivery.Dispatcher, resolver *availability.Resolver, c clock.Clock, logger *slog.Logger, opts ...Option) *Manager {
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:      store,
		dispatcher: dispatcher,
		resolver:   resolver,
		clock:      c,
		logger:     logger,
		retryWait:  50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetWaitlist wires the promoter after construction; the promoter itself
// depends on the dispatcher the manager was built with.
func (m *Manager) SetWaitlist(h WaitlistHook) { m.waitlist = h }

func (m *Manager) SetSlotSignals(s SlotSignals) { m.signals = s }

type ReserveRequest struct {
	TenantID   string
	ServiceID  string
	StaffID    string
	CustomerID string
	LocationID string
	Window     domain.Window
	// IdempotencyKey makes retries of the same request return the first result.
	IdempotencyKey string
	// WaitlistEntryID marks the booking as the promotion of that entry.
	WaitlistEntryID string
	SeriesID        string
}

func (r ReserveRequest) validate() error {
	switch {
	case strings.TrimSpace(r.TenantID) == "":
		return domain.Errorf(domain.KindInvalidArgument, "tenant_id is required")
	case strings.TrimSpace(r.ServiceID) == "":
		return domain.Errorf(domain.KindInvalidArgument, "service_id is required")
	case strings.TrimSpace(r.StaffID) == "":
		return domain.Errorf(domain.KindInvalidArgument, "staff_id is required")
	case strings.TrimSpace(r.CustomerID) == "":
		return domain.Errorf(domain.KindInvalidArgument, "customer_id is required")
	case r.Window.Empty():
		return domain.Errorf(domain.KindInvalidArgument, "window end must be after start")
	}
	return nil
}

// Reserve books req.Window. A lost race fails with SlotUnavailable or
// CapacityExceeded; callers should re-query availability rather than retry
// the same window.
func (m *Manager) Reserve(ctx context.Context, req ReserveRequest, p domain.Policy) (domain.Appointment, error) {
	ctx, span := otelx.Tracer("booking").Start(ctx, "booking.reserve", trace.WithAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("staff.id", req.StaffID),
	))
	defer span.End()

	if err := req.validate(); err != nil {
		return domain.Appointment{}, err
	}
	p = p.Normalized()

	var (
		appt     domain.Appointment
		replayed bool
	)
	err := m.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		appt, replayed, err = m.reserveTx(ctx, tx, req, p)
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, string(domain.KindOf(err)))
		return domain.Appointment{}, err
	}
	if replayed {
		m.logger.Info("reservation replayed", "tenant_id", req.TenantID, "appointment_id", appt.ID, "idempotency_key", req.IdempotencyKey)
		return appt, nil
	}
	if req.WaitlistEntryID != "" && m.waitlist != nil {
		m.waitlist.PromotionCommitted(ctx, req.TenantID, req.WaitlistEntryID)
	}
	m.logger.Info("appointment reserved",
		"tenant_id", appt.TenantID,
		"appointment_id", appt.ID,
		"staff_id", appt.StaffID,
		"start", appt.Start.Format(time.RFC3339),
		"status", appt.Status,
	)
	return appt, nil
}

func (m *Manager) reserveTx(ctx context.Context, tx storage.Tx, req ReserveRequest, p domain.Policy) (domain.Appointment, bool, error) {
	if req.IdempotencyKey != "" {
		if err := tx.Lock(ctx, "idem:"+req.TenantID+":"+req.IdempotencyKey); err != nil {
			return domain.Appointment{}, false, err
		}
		existing, err := tx.ClaimIdempotencyKey(ctx, req.TenantID, req.IdempotencyKey)
		if err != nil {
			return domain.Appointment{}, false, err
		}
		if existing != "" {
			appt, err := tx.GetAppointment(ctx, req.TenantID, existing)
			return appt, true, notFound(err, "appointment")
		}
	}

	tenant, err := tx.GetTenant(ctx, req.TenantID)
	if err != nil {
		return domain.Appointment{}, false, notFound(err, "tenant")
	}
	svc, err := tx.GetService(ctx, req.TenantID, req.ServiceID)
	if err != nil {
		return domain.Appointment{}, false, notFound(err, "service")
	}
	staff, err := tx.GetStaff(ctx, req.TenantID, req.StaffID)
	if err != nil {
		return domain.Appointment{}, false, notFound(err, "staff")
	}
	customer, err := tx.GetCustomer(ctx, req.TenantID, req.CustomerID)
	if err != nil {
		return domain.Appointment{}, false, notFound(err, "customer")
	}

	if err := tx.Lock(ctx, storage.StaffLockKey(req.TenantID, req.StaffID)); err != nil {
		return domain.Appointment{}, false, err
	}
	now := m.clock.Now()
	if _, err := availability.Check(ctx, tx, availability.CheckRequest{
		Tenant:  tenant,
		Service: svc,
		Staff:   staff,
		Window:  req.Window,
	}, p, now); err != nil {
		return domain.Appointment{}, false, err
	}
	if err := checkTenantConcurrency(ctx, tx, tenant, staff.ID, req.Window); err != nil {
		return domain.Appointment{}, false, err
	}

	appt := domain.Appointment{
		TenantID:   req.TenantID,
		ServiceID:  svc.ID,
		StaffID:    staff.ID,
		CustomerID: customer.ID,
		LocationID: req.LocationID,
		SeriesID:   req.SeriesID,
		Start:      req.Window.Start.UTC(),
		End:        req.Window.End.UTC(),
		Status:     domain.StatusPending,
		Price:      svc.Price,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if p.AutoConfirm {
		appt.Status = domain.StatusConfirmed
		appt.ConfirmedAt = &now
	}
	if err := tx.InsertAppointment(ctx, &appt); err != nil {
		return domain.Appointment{}, false, err
	}
	if err := tx.AdjustCustomer(ctx, req.TenantID, customer.ID, domain.CounterDelta{Appointments: 1}); err != nil {
		return domain.Appointment{}, false, err
	}
	if req.WaitlistEntryID != "" {
		if m.waitlist == nil {
			return domain.Appointment{}, false, domain.Errorf(domain.KindInvalidArgument, "waiting list is not enabled")
		}
		if err := m.waitlist.ClaimPromotion(ctx, tx, req.WaitlistEntryID, appt); err != nil {
			return domain.Appointment{}, false, err
		}
	}
	if req.IdempotencyKey != "" {
		if err := tx.BindIdempotencyKey(ctx, req.TenantID, req.IdempotencyKey, appt.ID); err != nil {
			return domain.Appointment{}, false, err
		}
	}

	purpose := "booked"
	if appt.Status == domain.StatusConfirmed {
		purpose = "confirm"
	}
	if err := m.notify(ctx, tx, tenant, svc, customer, appt, purpose, p); err != nil {
		return domain.Appointment{}, false, err
	}
	if err := m.publish(ctx, tx, appt, domain.WebhookAppointmentCreated, events.TopicAppointmentBooked, p); err != nil {
		return domain.Appointment{}, false, err
	}
	return appt, false, nil
}

type CancelRequest struct {
	TenantID      string
	AppointmentID string
	Reason        string
}

// Cancel moves the appointment to CANCELLED. Cancelling a terminal
// appointment returns it unchanged.
func (m *Manager) Cancel(ctx context.Context, req CancelRequest, p domain.Policy) (domain.Appointment, error) {
	ctx, span := otelx.Tracer("booking").Start(ctx, "booking.cancel", trace.WithAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("appointment.id", req.AppointmentID),
	))
	defer span.End()
	p = p.Normalized()

	var (
		appt  domain.Appointment
		freed *domain.FreedSlot
	)
	err := m.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		a, err := m.lockAppointment(ctx, tx, req.TenantID, req.AppointmentID)
		if err != nil {
			return err
		}
		if a.Status.Terminal() {
			appt = a
			return nil
		}
		if err := a.Transition(domain.StatusCancelled, m.clock.Now()); err != nil {
			return err
		}
		a.CancelReason = strings.TrimSpace(req.Reason)
		if err := tx.UpdateAppointment(ctx, a); err != nil {
			return err
		}
		if err := m.notifyByIDs(ctx, tx, a, "cancel", p); err != nil {
			return err
		}
		if err := m.publish(ctx, tx, a, domain.WebhookAppointmentCancelled, events.TopicAppointmentCancelled, p); err != nil {
			return err
		}
		f, err := m.releaseSlot(ctx, tx, a)
		if err != nil {
			return err
		}
		if err := m.requestRefund(ctx, tx, a); err != nil {
			return err
		}
		appt, freed = a, &f
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, string(domain.KindOf(err)))
		return domain.Appointment{}, err
	}
	if freed != nil {
		m.logger.Info("appointment cancelled", "tenant_id", appt.TenantID, "appointment_id", appt.ID, "reason", appt.CancelReason)
		m.signalFreed(ctx, *freed)
	}
	return appt, nil
}

type TransitionRequest struct {
	TenantID      string
	AppointmentID string
	To            domain.AppointmentStatus
}

// Transition applies confirm, start, complete or no-show. Repeating the
// current status is a no-op.
func (m *Manager) Transition(ctx context.Context, req TransitionRequest, p domain.Policy) (domain.Appointment, error) {
	switch req.To {
	case domain.StatusCancelled:
		return m.Cancel(ctx, CancelRequest{TenantID: req.TenantID, AppointmentID: req.AppointmentID}, p)
	case domain.StatusConfirmed, domain.StatusInProgress, domain.StatusCompleted, domain.StatusNoShow:
	default:
		return domain.Appointment{}, domain.Errorf(domain.KindInvalidArgument, "unknown status %q", req.To)
	}
	p = p.Normalized()

	var (
		appt  domain.Appointment
		freed *domain.FreedSlot
	)
	err := m.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		a, err := m.lockAppointment(ctx, tx, req.TenantID, req.AppointmentID)
		if err != nil {
			return err
		}
		if a.Status == req.To {
			appt = a
			return nil
		}
		if err := a.Transition(req.To, m.clock.Now()); err != nil {
			return err
		}
		if err := tx.UpdateAppointment(ctx, a); err != nil {
			return err
		}

		switch req.To {
		case domain.StatusConfirmed:
			if err := m.notifyByIDs(ctx, tx, a, "confirm", p); err != nil {
				return err
			}
		case domain.StatusCompleted:
			if err := tx.AdjustCustomer(ctx, a.TenantID, a.CustomerID, domain.CounterDelta{Spent: a.Price}); err != nil {
				return err
			}
			if _, err := m.dispatcher.FanOutWebhooks(ctx, tx, a.TenantID, domain.WebhookAppointmentCompleted, a.ID, events.FromAppointment(a), p); err != nil {
				return err
			}
		case domain.StatusNoShow:
			if err := tx.AdjustCustomer(ctx, a.TenantID, a.CustomerID, domain.CounterDelta{NoShows: 1}); err != nil {
				return err
			}
			if _, err := m.dispatcher.FanOutWebhooks(ctx, tx, a.TenantID, domain.WebhookAppointmentNoShow, a.ID, events.FromAppointment(a), p); err != nil {
				return err
			}
			f, err := m.releaseSlot(ctx, tx, a)
			if err != nil {
				return err
			}
			freed = &f
		}

		evt, err := events.AppointmentEvent(events.TopicAppointmentStatusChanged, a)
		if err != nil {
			return err
		}
		appt = a
		return tx.AppendOutbox(ctx, evt)
	})
	if err != nil {
		return domain.Appointment{}, err
	}
	if freed != nil {
		m.signalFreed(ctx, *freed)
	}
	return appt, nil
}

// checkTenantConcurrency enforces Tenant.MaxConcurrentBookings: the number
// of distinct staff members busy with active appointments overlapping w.
// Joining a staff member who is already busy, as a group class does, adds
// nobody. The tenant lock is always taken after the staff lock.
func checkTenantConcurrency(ctx context.Context, tx storage.Tx, tenant domain.Tenant, staffID string, w domain.Window) error {
	if tenant.MaxConcurrentBookings <= 0 {
		return nil
	}
	if err := tx.Lock(ctx, storage.TenantLockKey(tenant.ID)); err != nil {
		return err
	}
	active, err := tx.ListAppointments(ctx, tenant.ID, storage.AppointmentFilter{From: w.Start, To: w.End, ActiveOnly: true})
	if err != nil {
		return err
	}
	busy := map[string]bool{}
	for _, a := range active {
		busy[a.StaffID] = true
	}
	if busy[staffID] || len(busy) < tenant.MaxConcurrentBookings {
		return nil
	}
	return domain.Errorf(domain.KindCapacityExceeded, "tenant %s allows %d concurrent bookings", tenant.ID, tenant.MaxConcurrentBookings)
}

func (m *Manager) lockAppointment(ctx context.Context, tx storage.Tx, tenantID, appointmentID string) (domain.Appointment, error) {
	a, err := tx.GetAppointment(ctx, tenantID, appointmentID)
	if err != nil {
		return domain.Appointment{}, notFound(err, "appointment")
	}
	if err := tx.Lock(ctx, storage.StaffLockKey(tenantID, a.StaffID)); err != nil {
		return domain.Appointment{}, err
	}
	// re-read under the lock
	a, err = tx.GetAppointment(ctx, tenantID, appointmentID)
	return a, notFound(err, "appointment")
}

func (m *Manager) releaseSlot(ctx context.Context, tx storage.Tx, a domain.Appointment) (domain.FreedSlot, error) {
	f := domain.FreedSlot{
		TenantID:      a.TenantID,
		ServiceID:     a.ServiceID,
		StaffID:       a.StaffID,
		AppointmentID: a.ID,
		Start:         a.Start,
		End:           a.End,
	}
	evt, err := events.SlotFreedEvent(f)
	if err != nil {
		return f, err
	}
	return f, tx.AppendOutbox(ctx, evt)
}

func (m *Manager) requestRefund(ctx context.Context, tx storage.Tx, a domain.Appointment) error {
	if a.PaymentIntentID == "" {
		return nil
	}
	pi, err := tx.GetPaymentIntent(ctx, a.TenantID, a.PaymentIntentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if pi.Status != domain.PaymentSucceeded && pi.Status != domain.PaymentPartiallyRefunded {
		return nil
	}
	evt, err := events.RefundRequestedEvent(pi)
	if err != nil {
		return err
	}
	return tx.AppendOutbox(ctx, evt)
}

func (m *Manager) signalFreed(ctx context.Context, f domain.FreedSlot) {
	if m.signals != nil {
		m.signals.SlotFreed(ctx, f)
	}
}

func (m *Manager) publish(ctx context.Context, tx storage.Tx, a domain.Appointment, webhookEvent, topic string, p domain.Policy) error {
	if _, err := m.dispatcher.FanOutWebhooks(ctx, tx, a.TenantID, webhookEvent, a.ID, events.FromAppointment(a), p); err != nil {
		return err
	}
	evt, err := events.AppointmentEvent(topic, a)
	if err != nil {
		return err
	}
	return tx.AppendOutbox(ctx, evt)
}

func notFound(err error, what string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Errorf(domain.KindNotFound, "%s not found", what)
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", what, err)
	}
	return nil
}
