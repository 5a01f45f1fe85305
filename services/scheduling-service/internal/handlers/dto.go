package handlers

import (
	"time"

	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
)

type appointmentResponse struct {
	AppointmentID   string     `json:"appointment_id"`
	TenantID        string     `json:"tenant_id"`
	ServiceID       string     `json:"service_id"`
	StaffID         string     `json:"staff_id"`
	CustomerID      string     `json:"customer_id"`
	LocationID      string     `json:"location_id,omitempty"`
	SeriesID        string     `json:"series_id,omitempty"`
	PaymentIntentID string     `json:"payment_intent_id,omitempty"`
	Start           time.Time  `json:"start"`
	End             time.Time  `json:"end"`
	Status          string     `json:"status"`
	Price           string     `json:"price"`
	CancelReason    string     `json:"cancel_reason,omitempty"`
	NoShowRiskScore *float64   `json:"no_show_risk_score,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func toAppointment(a domain.Appointment) appointmentResponse {
	return appointmentResponse{
		AppointmentID:   a.ID,
		TenantID:        a.TenantID,
		ServiceID:       a.ServiceID,
		StaffID:         a.StaffID,
		CustomerID:      a.CustomerID,
		LocationID:      a.LocationID,
		SeriesID:        a.SeriesID,
		PaymentIntentID: a.PaymentIntentID,
		Start:           a.Start.UTC(),
		End:             a.End.UTC(),
		Status:          string(a.Status),
		Price:           a.Price.StringFixed(2),
		CancelReason:    a.CancelReason,
		NoShowRiskScore: a.NoShowRiskScore,
		CancelledAt:     a.CancelledAt,
		CreatedAt:       a.CreatedAt.UTC(),
	}
}

type seriesResponse struct {
	SeriesID       string     `json:"series_id"`
	ServiceID      string     `json:"service_id"`
	StaffID        string     `json:"staff_id"`
	CustomerID     string     `json:"customer_id"`
	Rule           string     `json:"rule"`
	FirstStart     time.Time  `json:"first_start"`
	EndDate        string     `json:"end_date,omitempty"`
	MaxOccurrences int        `json:"max_occurrences,omitempty"`
	Active         bool       `json:"active"`
	Materialized   int        `json:"materialized"`
	DeactivatedAt  *time.Time `json:"deactivated_at,omitempty"`
}

func toSeries(s domain.Series) seriesResponse {
	return seriesResponse{
		SeriesID:       s.ID,
		ServiceID:      s.ServiceID,
		StaffID:        s.StaffID,
		CustomerID:     s.CustomerID,
		Rule:           s.Rule,
		FirstStart:     s.FirstStart.UTC(),
		EndDate:        dateString(s.EndDate),
		MaxOccurrences: s.MaxOccurrences,
		Active:         s.Active,
		Materialized:   s.Materialized,
		DeactivatedAt:  s.DeactivatedAt,
	}
}

type waitlistResponse struct {
	EntryID       string         `json:"entry_id"`
	ServiceID     string         `json:"service_id"`
	CustomerID    string         `json:"customer_id"`
	StaffID       string         `json:"staff_id,omitempty"`
	Date          string         `json:"date"`
	Position      int            `json:"position"`
	State         string         `json:"state"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
	Offer         *domain.Window `json:"offer,omitempty"`
	AppointmentID string         `json:"appointment_id,omitempty"`
}

func toWaitlist(e domain.WaitlistEntry) waitlistResponse {
	return waitlistResponse{
		EntryID:       e.ID,
		ServiceID:     e.ServiceID,
		CustomerID:    e.CustomerID,
		StaffID:       e.StaffID,
		Date:          e.RequestedDate,
		Position:      e.Position,
		State:         string(e.State()),
		ExpiresAt:     e.ExpiresAt,
		Offer:         e.Offer,
		AppointmentID: e.AppointmentID,
	}
}

type blockedSlotResponse struct {
	BlockedSlotID string    `json:"blocked_slot_id"`
	StaffID       string    `json:"staff_id,omitempty"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	AllDay        bool      `json:"all_day"`
	Reason        string    `json:"reason,omitempty"`
}

func toBlockedSlot(b domain.BlockedSlot) blockedSlotResponse {
	return blockedSlotResponse{
		BlockedSlotID: b.ID,
		StaffID:       b.StaffID,
		Start:         b.Start.UTC(),
		End:           b.End.UTC(),
		AllDay:        b.AllDay,
		Reason:        b.Reason,
	}
}

type deliveryResponse struct {
	DeliveryID  string     `json:"delivery_id"`
	Channel     string     `json:"channel"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	ExternalID  string     `json:"external_id,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

func toDelivery(d domain.DeliveryAttempt) deliveryResponse {
	return deliveryResponse{
		DeliveryID:  d.ID,
		Channel:     string(d.Channel),
		Status:      string(d.Status),
		Attempts:    d.Attempts,
		ExternalID:  d.ExternalID,
		LastError:   d.LastError,
		DeliveredAt: d.DeliveredAt,
		FailedAt:    d.FailedAt,
	}
}

type paymentResponse struct {
	PaymentIntentID string `json:"payment_intent_id"`
	AppointmentID   string `json:"appointment_id"`
	ProviderRef     string `json:"provider_ref"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
}

func toPayment(p domain.PaymentIntent) paymentResponse {
	return paymentResponse{
		PaymentIntentID: p.ID,
		AppointmentID:   p.AppointmentID,
		ProviderRef:     p.ProviderRef,
		Amount:          p.Amount.StringFixed(2),
		Currency:        p.Currency,
		Status:          string(p.Status),
	}
}

func dateString(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.DateOnly)
}
