// Package delivery records outbound notifications and tenant webhooks under
// unique idempotency keys and drives them through retries to a terminal state.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/appointly/appointly/libs/clock"
	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/storage"
)

type Target struct {
	Kind      domain.DeliveryKind
	Channel   domain.Channel
	Recipient string
	// Webhook deliveries only.
	WebhookConfigID string
	EventType       string
}

type Request struct {
	TenantID       string
	IdempotencyKey string
	Target         Target
	AppointmentID  string
	Payload        any
}

// Message is the payload shape rendered by customer-facing channels.
type Message struct {
	Template string            `json:"template"`
	Subject  string            `json:"subject,omitempty"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
}

type Dispatcher struct {
	store  storage.Store
	clock  clock.Clock
	logger *slog.Logger
}

func NewDispatcher(store storage.Store, c clock.Clock, logger *slog.Logger) *Dispatcher {
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: store, clock: c, logger: logger}
}

// Dispatch records req in its own transaction. Reusing a key returns the
// stored attempt unchanged with Replayed set.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, p domain.Policy) (domain.DeliveryAttempt, error) {
	var out domain.DeliveryAttempt
	err := d.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = d.DispatchTx(ctx, tx, req, p)
		return err
	})
	return out, err
}

// DispatchTx records req inside tx, so the attempt commits or rolls back
// with the caller's state change.
func (d *Dispatcher) DispatchTx(ctx context.Context, tx storage.Tx, req Request, p domain.Policy) (domain.DeliveryAttempt, error) {
	p = p.Normalized()
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return domain.DeliveryAttempt{}, domain.Errorf(domain.KindInvalidArgument, "idempotency key is required")
	}
	if !req.Target.Channel.Valid() || strings.TrimSpace(req.Target.Recipient) == "" {
		return domain.DeliveryAttempt{}, domain.Errorf(domain.KindInvalidArgument, "delivery target is incomplete")
	}
	kind := req.Target.Kind
	if kind == "" {
		kind = domain.KindNotification
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return domain.DeliveryAttempt{}, fmt.Errorf("encode delivery payload: %w", err)
	}

	now := d.clock.Now()
	attempt := domain.DeliveryAttempt{
		TenantID:        req.TenantID,
		IdempotencyKey:  req.IdempotencyKey,
		Kind:            kind,
		Channel:         req.Target.Channel,
		Recipient:       req.Target.Recipient,
		WebhookConfigID: req.Target.WebhookConfigID,
		EventType:       req.Target.EventType,
		AppointmentID:   req.AppointmentID,
		Payload:         payload,
		Status:          domain.DeliveryPending,
		MaxAttempts:     p.DeliveryMaxAttempts,
		NextAttemptAt:   now,
		CreatedAt:       now,
	}
	created, err := tx.InsertDelivery(ctx, &attempt)
	if err != nil {
		return domain.DeliveryAttempt{}, err
	}
	if created {
		return attempt, nil
	}

	existing, err := tx.GetDeliveryByKey(ctx, req.IdempotencyKey)
	if err != nil {
		return domain.DeliveryAttempt{}, err
	}
	existing.Replayed = true
	d.logger.Debug("delivery replayed", "idempotency_key", req.IdempotencyKey, "delivery_id", existing.ID, "status", existing.Status)
	return existing, nil
}

// WebhookEnvelope is the JSON body POSTed to tenant endpoints.
type WebhookEnvelope struct {
	ID       string `json:"id"`
	Event    string `json:"event"`
	TenantID string `json:"tenant_id"`
	Data     any    `json:"data"`
}

// FanOutWebhooks dispatches eventType to every active config of the tenant
// that subscribes to it. The key is derived from config, event and aggregate.
func (d *Dispatcher) FanOutWebhooks(ctx context.Context, tx storage.Tx, tenantID, eventType, aggregateID string, data any, p domain.Policy) ([]domain.DeliveryAttempt, error) {
	configs, err := tx.ListWebhookConfigs(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var out []domain.DeliveryAttempt
	for _, cfg := range configs {
		if !cfg.Subscribes(eventType) {
			continue
		}
		key := WebhookKey(cfg.ID, eventType, aggregateID)
		attempt, err := d.DispatchTx(ctx, tx, Request{
			TenantID:       tenantID,
			IdempotencyKey: key,
			Target: Target{
				Kind:            domain.KindWebhook,
				Channel:         domain.ChannelWebhook,
				Recipient:       cfg.URL,
				WebhookConfigID: cfg.ID,
				EventType:       eventType,
			},
			AppointmentID: aggregateID,
			Payload:       WebhookEnvelope{ID: key, Event: eventType, TenantID: tenantID, Data: data},
		}, p)
		if err != nil {
			return nil, err
		}
		out = append(out, attempt)
	}
	return out, nil
}

// NotificationKey builds keys like "whatsapp_confirm_<id>".
func NotificationKey(ch domain.Channel, purpose, id string) string {
	return strings.ToLower(string(ch)) + "_" + purpose + "_" + id
}

func WebhookKey(configID, eventType, aggregateID string) string {
	return "webhook_" + configID + "_" + eventType + "_" + aggregateID
}

// Receipt is a provider status callback for a sent message.
type Receipt struct {
	DeliveryID string
	ExternalID string
	Status     domain.DeliveryStatus
	Detail     string
}

// RecordReceipt applies a provider callback. Receipts for attempts already
// in that status are accepted as no-ops.
func (d *Dispatcher) RecordReceipt(ctx context.Context, r Receipt) (domain.DeliveryAttempt, error) {
	var out domain.DeliveryAttempt
	err := d.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var (
			attempt domain.DeliveryAttempt
			err     error
		)
		switch {
		case r.DeliveryID != "":
			attempt, err = tx.GetDelivery(ctx, r.DeliveryID)
		case r.ExternalID != "":
			attempt, err = tx.GetDeliveryByExternalID(ctx, r.ExternalID)
		default:
			return domain.Errorf(domain.KindInvalidArgument, "receipt must name a delivery or external id")
		}
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Errorf(domain.KindNotFound, "delivery not found")
		}
		if err != nil {
			return err
		}
		if err := tx.Lock(ctx, storage.DeliveryLockKey(attempt.ID)); err != nil {
			return err
		}
		if attempt, err = tx.GetDelivery(ctx, attempt.ID); err != nil {
			return err
		}
		if attempt.Status == r.Status {
			out = attempt
			return nil
		}
		if err := attempt.Transition(r.Status, d.clock.Now()); err != nil {
			return err
		}
		if r.Detail != "" {
			attempt.LastError = r.Detail
		}
		out = attempt
		return tx.UpdateDelivery(ctx, attempt)
	})
	return out, err
}
