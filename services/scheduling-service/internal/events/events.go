// Package events names the domain topics written to the outbox and routes
// consumed messages to their handlers.
package events

import (
	"time"

	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/outbox"
)

const (
	TopicAppointmentBooked        = "appointment.booked.v1"
	TopicAppointmentCancelled     = "appointment.cancelled.v1"
	TopicAppointmentStatusChanged = "appointment.status_changed.v1"
	TopicSlotFreed                = "slot.freed.v1"
	TopicAvailabilityOpened       = "availability.opened.v1"
	TopicSeriesCreated            = "series.created.v1"
	TopicSeriesDeactivated        = "series.deactivated.v1"
	TopicWaitlistNotified         = "waitlist.notified.v1"
	TopicWaitlistExpired          = "waitlist.expired.v1"
	TopicDeliveryExhausted        = "delivery.exhausted.v1"
	TopicPaymentRefundRequested   = "payment.refund_requested.v1"
)

// ConsumedTopics are the topics the worker subscribes to.
var ConsumedTopics = []string{TopicSlotFreed, TopicAvailabilityOpened, TopicSeriesCreated}

type Appointment struct {
	AppointmentID string    `json:"appointment_id"`
	TenantID      string    `json:"tenant_id"`
	ServiceID     string    `json:"service_id"`
	StaffID       string    `json:"staff_id"`
	CustomerID    string    `json:"customer_id"`
	SeriesID      string    `json:"series_id,omitempty"`
	Status        string    `json:"status"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Reason        string    `json:"reason,omitempty"`
}

func FromAppointment(a domain.Appointment) Appointment {
	return Appointment{
		AppointmentID: a.ID,
		TenantID:      a.TenantID,
		ServiceID:     a.ServiceID,
		StaffID:       a.StaffID,
		CustomerID:    a.CustomerID,
		SeriesID:      a.SeriesID,
		Status:        string(a.Status),
		Start:         a.Start.UTC(),
		End:           a.End.UTC(),
		Reason:        a.CancelReason,
	}
}

func AppointmentEvent(topic string, a domain.Appointment) (outbox.Event, error) {
	return outbox.NewEvent("appointment", a.ID, topic, FromAppointment(a))
}

func SlotFreedEvent(f domain.FreedSlot) (outbox.Event, error) {
	return outbox.NewEvent("appointment", f.AppointmentID, TopicSlotFreed, f)
}

// AvailabilityOpened announces capacity created outside a cancellation, such
// as a removed blocked slot.
type AvailabilityOpened struct {
	TenantID string    `json:"tenant_id"`
	StaffID  string    `json:"staff_id,omitempty"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
}

func AvailabilityOpenedEvent(o AvailabilityOpened) (outbox.Event, error) {
	return outbox.NewEvent("tenant", o.TenantID, TopicAvailabilityOpened, o)
}

type Series struct {
	SeriesID string `json:"series_id"`
	TenantID string `json:"tenant_id"`
	Reason   string `json:"reason,omitempty"`
}

func SeriesEvent(topic string, s domain.Series, reason string) (outbox.Event, error) {
	return outbox.NewEvent("series", s.ID, topic, Series{SeriesID: s.ID, TenantID: s.TenantID, Reason: reason})
}

type WaitlistEntry struct {
	EntryID    string     `json:"entry_id"`
	TenantID   string     `json:"tenant_id"`
	ServiceID  string     `json:"service_id"`
	CustomerID string     `json:"customer_id"`
	Date       string     `json:"date"`
	Position   int        `json:"position"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

func WaitlistEvent(topic string, e domain.WaitlistEntry) (outbox.Event, error) {
	return outbox.NewEvent("waitlist_entry", e.ID, topic, WaitlistEntry{
		EntryID:    e.ID,
		TenantID:   e.TenantID,
		ServiceID:  e.ServiceID,
		CustomerID: e.CustomerID,
		Date:       e.RequestedDate,
		Position:   e.Position,
		ExpiresAt:  e.ExpiresAt,
	})
}

type DeliveryExhausted struct {
	DeliveryID     string    `json:"delivery_id"`
	TenantID       string    `json:"tenant_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Kind           string    `json:"kind"`
	Channel        string    `json:"channel"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error"`
	FailedAt       time.Time `json:"failed_at"`
}

func DeliveryExhaustedEvent(d domain.DeliveryAttempt) (outbox.Event, error) {
	failedAt := d.UpdatedAt
	if d.FailedAt != nil {
		failedAt = *d.FailedAt
	}
	return outbox.NewEvent("delivery_attempt", d.ID, TopicDeliveryExhausted, DeliveryExhausted{
		DeliveryID:     d.ID,
		TenantID:       d.TenantID,
		IdempotencyKey: d.IdempotencyKey,
		Kind:           string(d.Kind),
		Channel:        string(d.Channel),
		Attempts:       d.Attempts,
		LastError:      d.LastError,
		FailedAt:       failedAt.UTC(),
	})
}

type RefundRequested struct {
	PaymentIntentID string `json:"payment_intent_id"`
	ProviderRef     string `json:"provider_ref"`
	TenantID        string `json:"tenant_id"`
	AppointmentID   string `json:"appointment_id"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
}

func RefundRequestedEvent(p domain.PaymentIntent) (outbox.Event, error) {
	return outbox.NewEvent("payment_intent", p.ID, TopicPaymentRefundRequested, RefundRequested{
		PaymentIntentID: p.ID,
		ProviderRef:     p.ProviderRef,
		TenantID:        p.TenantID,
		AppointmentID:   p.AppointmentID,
		Amount:          p.Amount.Sub(p.RefundedAmount).StringFixed(2),
		Currency:        p.Currency,
	})
}
