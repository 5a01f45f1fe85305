package domain

import (
	"encoding/json"
	"time"
)

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliverySent      DeliveryStatus = "SENT"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryFailed    DeliveryStatus = "FAILED"
	DeliveryBounced   DeliveryStatus = "BOUNCED"
)

var deliveryTransitions = map[DeliveryStatus][]DeliveryStatus{
	DeliveryPending: {DeliverySent, DeliveryFailed},
	DeliverySent:    {DeliveryDelivered, DeliveryFailed, DeliveryBounced},
}

func (s DeliveryStatus) CanTransitionTo(next DeliveryStatus) bool {
	return allowed(deliveryTransitions, s, next)
}

func (s DeliveryStatus) Terminal() bool {
	switch s {
	case DeliveryDelivered, DeliveryFailed, DeliveryBounced:
		return true
	}
	return false
}

type DeliveryKind string

const (
	KindNotification DeliveryKind = "NOTIFICATION"
	KindWebhook      DeliveryKind = "WEBHOOK"
)

// DeliveryAttempt records one logical outbound message, customer
// notification or tenant webhook, across all of its send attempts.
type DeliveryAttempt struct {
	ID             string
	TenantID       string
	IdempotencyKey string
	Kind           DeliveryKind
	Channel        Channel
	Recipient      string
	// WebhookConfigID and EventType are set for webhook deliveries.
	WebhookConfigID string
	EventType       string
	AppointmentID   string
	Payload         json.RawMessage
	Status          DeliveryStatus
	Attempts        int
	MaxAttempts     int
	NextAttemptAt   time.Time
	LastError       string
	HTTPStatus      int
	Response        string
	ExternalID      string
	SentAt          *time.Time
	DeliveredAt     *time.Time
	FailedAt        *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time

	// Replayed is set when Dispatch returned an existing record for a reused key.
	Replayed bool
}

func (d *DeliveryAttempt) Transition(next DeliveryStatus, at time.Time) error {
	if !d.Status.CanTransitionTo(next) {
		return Errorf(KindIllegalTransition, "delivery %s cannot move from %s to %s", d.ID, d.Status, next)
	}
	d.Status = next
	d.UpdatedAt = at
	switch next {
	case DeliverySent:
		d.SentAt = &at
	case DeliveryDelivered:
		d.DeliveredAt = &at
	case DeliveryFailed, DeliveryBounced:
		d.FailedAt = &at
	}
	return nil
}

type WebhookConfig struct {
	ID       string
	TenantID string
	URL      string
	Secret   string
	Events   []string
	Active   bool
}

func (c WebhookConfig) Subscribes(eventType string) bool {
	if !c.Active {
		return false
	}
	for _, e := range c.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

// Outbound webhook event names.
const (
	WebhookAppointmentCreated   = "appointment.created"
	WebhookAppointmentCancelled = "appointment.cancelled"
	WebhookAppointmentCompleted = "appointment.completed"
	WebhookAppointmentNoShow    = "appointment.no_show"
)
