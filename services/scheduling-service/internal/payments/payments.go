// Package payments links appointments to provider payment intents and keeps
// their status in step with Stripe webhook events.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/appointly/appointly/libs/clock"
	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

const provider = "stripe"

var ErrSignature = errors.New("payments: invalid webhook signature")

type Outcome string

const (
	Applied   Outcome = "ok"
	Duplicate Outcome = "duplicate"
	// Ignored covers unknown event types, unknown intents and out-of-order
	// transitions. The event is still recorded so it is not reapplied.
	Ignored Outcome = "ignored"
)

type Config struct {
	WebhookSecret string
	Tolerance     time.Duration
}

type Service struct {
	store  storage.Store
	clock  clock.Clock
	logger *slog.Logger
	cfg    Config
}

func NewService(store storage.Store, c clock.Clock, logger *slog.Logger, cfg Config) *Service {
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = webhook.DefaultTolerance
	}
	return &Service{store: store, clock: c, logger: logger, cfg: cfg}
}

// Configured reports whether a webhook secret is set.
func (s *Service) Configured() bool {
	return strings.TrimSpace(s.cfg.WebhookSecret) != ""
}

type AttachRequest struct {
	TenantID      string
	AppointmentID string
	// ProviderRef is the Stripe PaymentIntent id (pi_...).
	ProviderRef string
	Amount      decimal.Decimal
	Currency    string
}

// Attach records a pending payment intent and links it to the appointment.
func (s *Service) Attach(ctx context.Context, req AttachRequest) (domain.PaymentIntent, error) {
	if strings.TrimSpace(req.ProviderRef) == "" {
		return domain.PaymentIntent{}, domain.Errorf(domain.KindInvalidArgument, "provider_ref is required")
	}
	if !req.Amount.IsPositive() {
		return domain.PaymentIntent{}, domain.Errorf(domain.KindInvalidArgument, "amount must be positive")
	}
	var pi domain.PaymentIntent
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		appt, err := tx.GetAppointment(ctx, req.TenantID, req.AppointmentID)
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Errorf(domain.KindNotFound, "appointment not found")
		}
		if err != nil {
			return err
		}
		if err := tx.Lock(ctx, storage.StaffLockKey(appt.TenantID, appt.StaffID)); err != nil {
			return err
		}
		if appt, err = tx.GetAppointment(ctx, req.TenantID, req.AppointmentID); err != nil {
			return err
		}
		if appt.Status.Terminal() {
			return domain.Errorf(domain.KindIllegalTransition, "appointment %s is %s", appt.ID, appt.Status)
		}
		if appt.PaymentIntentID != "" {
			return domain.Errorf(domain.KindInvalidArgument, "appointment %s already has a payment", appt.ID)
		}
		now := s.clock.Now()
		pi = domain.PaymentIntent{
			TenantID:       appt.TenantID,
			AppointmentID:  appt.ID,
			CustomerID:     appt.CustomerID,
			ProviderRef:    strings.TrimSpace(req.ProviderRef),
			Amount:         req.Amount,
			RefundedAmount: decimal.Zero,
			Currency:       strings.ToUpper(req.Currency),
			Status:         domain.PaymentPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertPaymentIntent(ctx, &pi); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return domain.Errorf(domain.KindInvalidArgument, "provider_ref %s is already attached", pi.ProviderRef)
			}
			return err
		}
		appt.PaymentIntentID = pi.ID
		appt.UpdatedAt = now
		return tx.UpdateAppointment(ctx, appt)
	})
	return pi, err
}

// HandleWebhook verifies a Stripe-Signature header over payload and applies
// the event.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) (Outcome, error) {
	evt, err := webhook.ConstructEventWithTolerance(payload, sigHeader, s.cfg.WebhookSecret, s.cfg.Tolerance)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignature, err)
	}
	return s.Apply(ctx, evt, payload)
}

// Apply records the provider event and moves the matching payment intent.
// Replayed events return Duplicate.
func (s *Service) Apply(ctx context.Context, evt stripe.Event, payload []byte) (Outcome, error) {
	evtType := string(evt.Type)
	s.logger.Info("payment provider event received",
		"provider", provider,
		"provider_event_id", evt.ID,
		"event_type", evtType,
		"occurred_at", time.Unix(evt.Created, 0).UTC().Format(time.RFC3339),
	)

	var outcome Outcome
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		fresh, err := tx.RecordProviderEvent(ctx, provider, evt.ID, evtType, payload)
		if err != nil {
			return err
		}
		if !fresh {
			outcome = Duplicate
			return nil
		}
		outcome, err = s.apply(ctx, tx, evt)
		return err
	})
	if err != nil {
		return "", err
	}
	if outcome == Duplicate {
		s.logger.Info("payment provider event duplicate ignored", "provider", provider, "provider_event_id", evt.ID, "event_type", evtType)
	}
	return outcome, nil
}

type change struct {
	ref      string
	status   domain.PaymentStatus
	amount   *decimal.Decimal
	refunded *decimal.Decimal
}

func (s *Service) apply(ctx context.Context, tx storage.Tx, evt stripe.Event) (Outcome, error) {
	c, ok, err := decode(evt)
	if err != nil {
		s.logger.Error("stripe: invalid event payload", "event_type", evt.Type, "err", err)
		return Ignored, nil
	}
	if !ok {
		return Ignored, nil
	}

	pi, err := tx.GetPaymentIntentByProviderRef(ctx, c.ref)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("stripe: event for unknown payment intent", "provider_ref", c.ref, "event_type", evt.Type)
		return Ignored, nil
	}
	if err != nil {
		return "", err
	}

	now := s.clock.Now()
	if pi.Status != c.status || c.status == domain.PaymentPartiallyRefunded {
		if err := pi.Transition(c.status, now); err != nil {
			s.logger.Warn("stripe: out-of-order payment event", "payment_intent_id", pi.ID, "from", pi.Status, "to", c.status, "event_type", evt.Type)
			return Ignored, nil
		}
	}
	if c.amount != nil {
		pi.Amount = *c.amount
	}
	if c.refunded != nil {
		pi.RefundedAmount = *c.refunded
	}
	pi.UpdatedAt = now
	if err := tx.UpdatePaymentIntent(ctx, pi); err != nil {
		return "", err
	}
	s.logger.Info("payment intent updated", "tenant_id", pi.TenantID, "payment_intent_id", pi.ID, "status", pi.Status)
	return Applied, nil
}

// decode maps a Stripe event onto a payment status change. ok is false for
// event types this service does not track.
func decode(evt stripe.Event) (change, bool, error) {
	switch evt.Type {
	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return change{}, false, err
		}
		c := change{ref: pi.ID, status: domain.PaymentSucceeded}
		if pi.AmountReceived > 0 {
			amt := minorUnits(pi.AmountReceived)
			c.amount = &amt
		}
		return c, true, nil

	case "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return change{}, false, err
		}
		return change{ref: pi.ID, status: domain.PaymentFailed}, true, nil

	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(evt.Data.Raw, &ch); err != nil {
			return change{}, false, err
		}
		if ch.PaymentIntent == nil || ch.PaymentIntent.ID == "" {
			return change{}, false, errors.New("charge has no payment_intent")
		}
		refunded := minorUnits(ch.AmountRefunded)
		status := domain.PaymentPartiallyRefunded
		if ch.Refunded || ch.AmountRefunded >= ch.Amount {
			status = domain.PaymentRefunded
		}
		return change{ref: ch.PaymentIntent.ID, status: status, refunded: &refunded}, true, nil
	}
	return change{}, false, nil
}

// minorUnits converts Stripe's integer amount in cents.
func minorUnits(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}
