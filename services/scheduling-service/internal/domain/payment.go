package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "PENDING"
	PaymentSucceeded         PaymentStatus = "SUCCEEDED"
	PaymentFailed            PaymentStatus = "FAILED"
	PaymentRefunded          PaymentStatus = "REFUNDED"
	PaymentPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:           {PaymentSucceeded, PaymentFailed},
	PaymentFailed:            {PaymentSucceeded},
	PaymentSucceeded:         {PaymentRefunded, PaymentPartiallyRefunded},
	PaymentPartiallyRefunded: {PaymentPartiallyRefunded, PaymentRefunded},
}

func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	return allowed(paymentTransitions, s, next)
}

type PaymentIntent struct {
	ID             string
	TenantID       string
	AppointmentID  string
	CustomerID     string
	ProviderRef    string
	Amount         decimal.Decimal
	RefundedAmount decimal.Decimal
	Currency       string
	Status         PaymentStatus
	PaidAt         *time.Time
	RefundedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (p *PaymentIntent) Transition(next PaymentStatus, at time.Time) error {
	if !p.Status.CanTransitionTo(next) {
		return Errorf(KindIllegalTransition, "payment %s cannot move from %s to %s", p.ID, p.Status, next)
	}
	p.Status = next
	p.UpdatedAt = at
	switch next {
	case PaymentSucceeded:
		p.PaidAt = &at
	case PaymentRefunded, PaymentPartiallyRefunded:
		p.RefundedAt = &at
	}
	return nil
}
