package postgres

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/appointly/appointly/libs/db"
	otelx "github.com/appointly/appointly/libs/otel"
	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/outbox"
	"github.com/appointly/appointly/services/scheduling-service/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type pgTx struct {
	queries
	tx pgx.Tx
}

var _ storage.Tx = (*pgTx)(nil)

func (t *pgTx) Lock(ctx context.Context, key string) error {
	return db.AdvisoryXactLock(ctx, t.tx, key)
}

func newID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

func stamp(ts *time.Time) {
	if ts.IsZero() {
		*ts = time.Now().UTC()
	}
}

func (t *pgTx) InsertAppointment(ctx context.Context, a *domain.Appointment) error {
	newID(&a.ID)
	stamp(&a.CreatedAt)
	a.UpdatedAt = a.CreatedAt
	_, err := t.tx.Exec(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, a.ID, a.TenantID, a.ServiceID, a.StaffID, a.CustomerID, a.LocationID, a.SeriesID, a.PaymentIntentID,
		a.Start, a.End, a.Status, a.Price, a.CancelReason, a.NoShowRiskScore, a.CancelledAt, a.ConfirmedAt, a.CompletedAt, a.CreatedAt, a.UpdatedAt)
	return mapErr(err)
}

func (t *pgTx) UpdateAppointment(ctx context.Context, a domain.Appointment) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE appointments
		SET status = $3,
			payment_intent_id = $4,
			cancel_reason = $5,
			cancelled_at = $6,
			confirmed_at = $7,
			completed_at = $8,
			updated_at = $9,
			no_show_risk_score = $10
		WHERE tenant_id = $1 AND id = $2
	`, a.TenantID, a.ID, a.Status, a.PaymentIntentID, a.CancelReason, a.CancelledAt, a.ConfirmedAt, a.CompletedAt, a.UpdatedAt,
		a.NoShowRiskScore)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *pgTx) AdjustCustomer(ctx context.Context, tenantID, customerID string, d domain.CounterDelta) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE customers
		SET total_appointments = total_appointments + $3,
			total_no_shows = total_no_shows + $4,
			total_spent = total_spent + $5
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, customerID, d.Appointments, d.NoShows, d.Spent)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *pgTx) ClaimIdempotencyKey(ctx context.Context, tenantID, key string) (string, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO booking_idempotency_keys (tenant_id, idempotency_key)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id, idempotency_key) DO NOTHING
	`, tenantID, key)
	if err != nil {
		return "", err
	}
	if tag.RowsAffected() == 1 {
		return "", nil
	}
	var appointmentID string
	err = t.tx.QueryRow(ctx, `
		SELECT appointment_id
		FROM booking_idempotency_keys
		WHERE tenant_id = $1 AND idempotency_key = $2
		FOR UPDATE
	`, tenantID, key).Scan(&appointmentID)
	return appointmentID, mapErr(err)
}

func (t *pgTx) BindIdempotencyKey(ctx context.Context, tenantID, key, appointmentID string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE booking_idempotency_keys
		SET appointment_id = $3, updated_at = now()
		WHERE tenant_id = $1 AND idempotency_key = $2
	`, tenantID, key, appointmentID)
	return err
}

func (t *pgTx) InsertSeries(ctx context.Context, s *domain.Series) error {
	newID(&s.ID)
	stamp(&s.CreatedAt)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO recurring_series (`+seriesColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, s.ID, s.TenantID, s.ServiceID, s.StaffID, s.CustomerID, s.Rule, s.FirstStart, s.EndDate, s.MaxOccurrences,
		s.Active, s.Materialized, s.DeactivatedAt, s.CreatedAt)
	return mapErr(err)
}

func (t *pgTx) UpdateSeries(ctx context.Context, s domain.Series) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE recurring_series
		SET active = $3, materialized = $4, deactivated_at = $5
		WHERE tenant_id = $1 AND id = $2
	`, s.TenantID, s.ID, s.Active, s.Materialized, s.DeactivatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func offerBounds(e domain.WaitlistEntry) (start, end *time.Time) {
	if e.Offer == nil {
		return nil, nil
	}
	s, en := e.Offer.Start, e.Offer.End
	return &s, &en
}

func (t *pgTx) InsertWaitlistEntry(ctx context.Context, e *domain.WaitlistEntry) error {
	newID(&e.ID)
	stamp(&e.CreatedAt)
	offerStart, offerEnd := offerBounds(*e)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO waitlist_entries (`+waitlistColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, e.ID, e.TenantID, e.ServiceID, e.CustomerID, e.StaffID, e.RequestedDate, e.Position,
		e.NotifiedAt, e.ExpiresAt, e.PromotedAt, e.ExpiredAt, offerStart, offerEnd, e.OfferStaffID, e.AppointmentID, e.CreatedAt)
	return mapErr(err)
}

func (t *pgTx) UpdateWaitlistEntry(ctx context.Context, e domain.WaitlistEntry) error {
	offerStart, offerEnd := offerBounds(e)
	tag, err := t.tx.Exec(ctx, `
		UPDATE waitlist_entries
		SET notified_at = $3,
			expires_at = $4,
			promoted_at = $5,
			expired_at = $6,
			offer_start = $7,
			offer_end = $8,
			offer_staff_id = $9,
			appointment_id = $10
		WHERE tenant_id = $1 AND id = $2
	`, e.TenantID, e.ID, e.NotifiedAt, e.ExpiresAt, e.PromotedAt, e.ExpiredAt, offerStart, offerEnd, e.OfferStaffID, e.AppointmentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertBlockedSlot(ctx context.Context, b *domain.BlockedSlot) error {
	newID(&b.ID)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO blocked_slots (id, tenant_id, staff_id, start_at, end_at, all_day, reason, external_calendar_event_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, b.ID, b.TenantID, b.StaffID, b.Start, b.End, b.AllDay, b.Reason, b.ExternalCalendarEventID)
	return mapErr(err)
}

func (t *pgTx) DeleteBlockedSlot(ctx context.Context, tenantID, blockedSlotID string) (domain.BlockedSlot, error) {
	var b domain.BlockedSlot
	err := t.tx.QueryRow(ctx, `
		DELETE FROM blocked_slots
		WHERE tenant_id = $1 AND id = $2
		RETURNING id, tenant_id, staff_id, start_at, end_at, all_day, reason, external_calendar_event_id
	`, tenantID, blockedSlotID).Scan(&b.ID, &b.TenantID, &b.StaffID, &b.Start, &b.End, &b.AllDay, &b.Reason, &b.ExternalCalendarEventID)
	return b, mapErr(err)
}

func (t *pgTx) InsertDelivery(ctx context.Context, d *domain.DeliveryAttempt) (bool, error) {
	newID(&d.ID)
	stamp(&d.CreatedAt)
	d.UpdatedAt = d.CreatedAt
	payload := d.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO delivery_attempts (`+deliveryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, d.ID, d.TenantID, d.IdempotencyKey, d.Kind, d.Channel, d.Recipient, d.WebhookConfigID, d.EventType, d.AppointmentID,
		[]byte(payload), d.Status, d.Attempts, d.MaxAttempts, d.NextAttemptAt, d.LastError, d.HTTPStatus, d.Response, d.ExternalID,
		d.SentAt, d.DeliveredAt, d.FailedAt, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) UpdateDelivery(ctx context.Context, d domain.DeliveryAttempt) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE delivery_attempts
		SET status = $2,
			attempts = $3,
			next_attempt_at = $4,
			last_error = $5,
			http_status = $6,
			response = $7,
			external_id = $8,
			sent_at = $9,
			delivered_at = $10,
			failed_at = $11,
			updated_at = $12
		WHERE id = $1
	`, d.ID, d.Status, d.Attempts, d.NextAttemptAt, d.LastError, d.HTTPStatus, d.Response, d.ExternalID,
		d.SentAt, d.DeliveredAt, d.FailedAt, d.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *pgTx) ClaimDueDeliveries(ctx context.Context, now, leaseUntil time.Time, limit int) ([]domain.DeliveryAttempt, error) {
	rows, err := t.tx.Query(ctx, `
		UPDATE delivery_attempts
		SET next_attempt_at = $2
		WHERE id IN (
			SELECT id
			FROM delivery_attempts
			WHERE status = 'PENDING' AND next_attempt_at <= $1
			ORDER BY next_attempt_at, created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deliveryColumns, now, leaseUntil, limit)
	if err != nil {
		return nil, err
	}
	due, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.DeliveryAttempt, error) { return scanDelivery(row) })
	if err != nil {
		return nil, err
	}
	// RETURNING carries no order.
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	return due, nil
}

func (t *pgTx) InsertPaymentIntent(ctx context.Context, p *domain.PaymentIntent) error {
	newID(&p.ID)
	stamp(&p.CreatedAt)
	p.UpdatedAt = p.CreatedAt
	_, err := t.tx.Exec(ctx, `
		INSERT INTO payment_intents (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, p.ID, p.TenantID, p.AppointmentID, p.CustomerID, p.ProviderRef, p.Amount, p.RefundedAmount, p.Currency,
		p.Status, p.PaidAt, p.RefundedAt, p.CreatedAt, p.UpdatedAt)
	return mapErr(err)
}

func (t *pgTx) UpdatePaymentIntent(ctx context.Context, p domain.PaymentIntent) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE payment_intents
		SET amount = $3,
			refunded_amount = $4,
			status = $5,
			paid_at = $6,
			refunded_at = $7,
			updated_at = $8
		WHERE tenant_id = $1 AND id = $2
	`, p.TenantID, p.ID, p.Amount, p.RefundedAmount, p.Status, p.PaidAt, p.RefundedAt, p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *pgTx) RecordProviderEvent(ctx context.Context, provider, eventID, eventType string, payload []byte) (bool, error) {
	if !json.Valid(payload) {
		payload = nil
	}
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO provider_events (provider, provider_event_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
	`, provider, eventID, eventType, payload)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) AppendOutbox(ctx context.Context, evt outbox.Event) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO outbox_events (aggregate_type, aggregate_id, event_type, payload, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, evt.AggregateType, evt.AggregateID, evt.EventType, evt.Payload, traceparent, tracestate)
	return err
}
