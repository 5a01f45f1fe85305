package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type AppointmentStatus string

const (
	StatusPending    AppointmentStatus = "PENDING"
	StatusConfirmed  AppointmentStatus = "CONFIRMED"
	StatusInProgress AppointmentStatus = "IN_PROGRESS"
	StatusCompleted  AppointmentStatus = "COMPLETED"
	StatusCancelled  AppointmentStatus = "CANCELLED"
	StatusNoShow     AppointmentStatus = "NO_SHOW"
)

var appointmentTransitions = map[AppointmentStatus][]AppointmentStatus{
	StatusPending:    {StatusConfirmed, StatusCancelled, StatusNoShow},
	StatusConfirmed:  {StatusInProgress, StatusCompleted, StatusCancelled, StatusNoShow},
	StatusInProgress: {StatusCompleted},
}

func (s AppointmentStatus) CanTransitionTo(next AppointmentStatus) bool {
	return allowed(appointmentTransitions, s, next)
}

// Terminal statuses accept no further transitions and hold no capacity.
func (s AppointmentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// ActiveStatuses are the statuses that occupy staff time.
var ActiveStatuses = []AppointmentStatus{StatusPending, StatusConfirmed, StatusInProgress}

// SystemReasonPrefix marks cancellation reasons written by the engine rather than a person.
const SystemReasonPrefix = "system: "

type Appointment struct {
	ID              string
	TenantID        string
	ServiceID       string
	StaffID         string
	CustomerID      string
	LocationID      string
	SeriesID        string
	PaymentIntentID string
	Start           time.Time
	End             time.Time
	Status          AppointmentStatus
	Price           decimal.Decimal
	CancelReason    string
	// NoShowRiskScore is an optional 0..1 estimate set by an external scorer.
	NoShowRiskScore *float64
	CancelledAt     *time.Time
	ConfirmedAt     *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (a Appointment) Window() Window { return Window{Start: a.Start, End: a.End} }

// Transition moves the appointment to next, stamping the matching timestamp.
func (a *Appointment) Transition(next AppointmentStatus, at time.Time) error {
	if !a.Status.CanTransitionTo(next) {
		return Errorf(KindIllegalTransition, "appointment %s cannot move from %s to %s", a.ID, a.Status, next)
	}
	a.Status = next
	a.UpdatedAt = at
	switch next {
	case StatusConfirmed:
		a.ConfirmedAt = &at
	case StatusCompleted:
		a.CompletedAt = &at
	case StatusCancelled:
		a.CancelledAt = &at
	}
	return nil
}

// FreedSlot describes capacity returned to the pool by a cancellation or no-show.
type FreedSlot struct {
	TenantID      string    `json:"tenant_id"`
	ServiceID     string    `json:"service_id"`
	StaffID       string    `json:"staff_id"`
	AppointmentID string    `json:"appointment_id,omitempty"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
}

func (f FreedSlot) Window() Window { return Window{Start: f.Start, End: f.End} }
