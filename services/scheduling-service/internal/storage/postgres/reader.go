package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/storage"
	"github.com/jackc/pgx/v5"
)

// queries implements storage.Reader over either the pool or a transaction.
type queries struct {
	q querier
}

const tenantColumns = `id, name, timezone, status, business_hours, default_buffer_minutes, max_concurrent_bookings,
	parent_organization_id, policy_overrides, created_at`

func (r queries) GetTenant(ctx context.Context, tenantID string) (domain.Tenant, error) {
	var (
		t              domain.Tenant
		hours, overlay []byte
	)
	err := r.q.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, tenantID).Scan(
		&t.ID, &t.Name, &t.Timezone, &t.Status, &hours, &t.DefaultBufferMinutes, &t.MaxConcurrentBookings,
		&t.ParentOrganizationID, &overlay, &t.CreatedAt,
	)
	if err != nil {
		return domain.Tenant{}, mapErr(err)
	}
	if err := unmarshalHours(hours, &t.BusinessHours); err != nil {
		return domain.Tenant{}, fmt.Errorf("tenant %s business_hours: %w", t.ID, err)
	}
	if len(overlay) > 0 {
		if err := json.Unmarshal(overlay, &t.Overrides); err != nil {
			return domain.Tenant{}, fmt.Errorf("tenant %s policy_overrides: %w", t.ID, err)
		}
	}
	return t, nil
}

const serviceColumns = `tenant_id, id, name, type, duration_minutes, price, currency, max_capacity, staff_ids, active`

func scanService(row pgx.Row) (domain.Service, error) {
	var (
		s       domain.Service
		minutes int
	)
	if err := row.Scan(&s.TenantID, &s.ID, &s.Name, &s.Type, &minutes, &s.Price, &s.Currency, &s.MaxCapacity, &s.StaffIDs, &s.Active); err != nil {
		return domain.Service{}, err
	}
	s.Duration = time.Duration(minutes) * time.Minute
	return s, nil
}

func (r queries) GetService(ctx context.Context, tenantID, serviceID string) (domain.Service, error) {
	s, err := scanService(r.q.QueryRow(ctx, `SELECT `+serviceColumns+` FROM services WHERE tenant_id = $1 AND id = $2`, tenantID, serviceID))
	return s, mapErr(err)
}

const staffColumns = `tenant_id, id, name, email, role, active, schedule`

func scanStaff(row pgx.Row) (domain.StaffMember, error) {
	var (
		m   domain.StaffMember
		raw []byte
	)
	if err := row.Scan(&m.TenantID, &m.ID, &m.Name, &m.Email, &m.Role, &m.Active, &raw); err != nil {
		return domain.StaffMember{}, err
	}
	if err := unmarshalHours(raw, &m.Schedule); err != nil {
		return domain.StaffMember{}, fmt.Errorf("staff %s schedule: %w", m.ID, err)
	}
	return m, nil
}

func (r queries) GetStaff(ctx context.Context, tenantID, staffID string) (domain.StaffMember, error) {
	m, err := scanStaff(r.q.QueryRow(ctx, `SELECT `+staffColumns+` FROM staff_members WHERE tenant_id = $1 AND id = $2`, tenantID, staffID))
	return m, mapErr(err)
}

func (r queries) ListStaff(ctx context.Context, tenantID string) ([]domain.StaffMember, error) {
	rows, err := r.q.Query(ctx, `SELECT `+staffColumns+` FROM staff_members WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.StaffMember, error) { return scanStaff(row) })
}

func (r queries) GetCustomer(ctx context.Context, tenantID, customerID string) (domain.Customer, error) {
	var c domain.Customer
	err := r.q.QueryRow(ctx, `
		SELECT tenant_id, id, name, email, phone, push_token, preferred_channel,
			total_appointments, total_no_shows, total_spent, created_at
		FROM customers
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, customerID).Scan(
		&c.TenantID, &c.ID, &c.Name, &c.Email, &c.Phone, &c.PushToken, &c.PreferredChannel,
		&c.TotalAppointments, &c.TotalNoShows, &c.TotalSpent, &c.CreatedAt,
	)
	return c, mapErr(err)
}

func (r queries) ListBlockedSlots(ctx context.Context, tenantID, staffID string, from, to time.Time) ([]domain.BlockedSlot, error) {
	tenant, err := r.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	// all-day rows are stored at arbitrary instants of their dates; widen the
	// range by more than any zone offset and settle overlap in Go
	rows, err := r.q.Query(ctx, `
		SELECT id, tenant_id, staff_id, start_at, end_at, all_day, reason, external_calendar_event_id
		FROM blocked_slots
		WHERE tenant_id = $1
			AND (staff_id = '' OR staff_id = $2)
			AND start_at < $4::timestamptz + CASE WHEN all_day THEN interval '2 days' ELSE interval '0' END
			AND end_at > $3::timestamptz - CASE WHEN all_day THEN interval '2 days' ELSE interval '0' END
		ORDER BY start_at
	`, tenantID, staffID, from, to)
	if err != nil {
		return nil, err
	}
	all, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.BlockedSlot, error) {
		var b domain.BlockedSlot
		err := row.Scan(&b.ID, &b.TenantID, &b.StaffID, &b.Start, &b.End, &b.AllDay, &b.Reason, &b.ExternalCalendarEventID)
		return b, err
	})
	if err != nil {
		return nil, err
	}
	loc := tenant.Location()
	query := domain.Window{Start: from, End: to}
	out := all[:0]
	for _, b := range all {
		if b.Window(loc).Overlaps(query) {
			out = append(out, b)
		}
	}
	return out, nil
}

const appointmentColumns = `id, tenant_id, service_id, staff_id, customer_id, location_id, series_id, payment_intent_id,
	start_at, end_at, status, price, cancel_reason, no_show_risk_score, cancelled_at, confirmed_at, completed_at, created_at, updated_at`

func scanAppointment(row pgx.Row) (domain.Appointment, error) {
	var a domain.Appointment
	err := row.Scan(&a.ID, &a.TenantID, &a.ServiceID, &a.StaffID, &a.CustomerID, &a.LocationID, &a.SeriesID, &a.PaymentIntentID,
		&a.Start, &a.End, &a.Status, &a.Price, &a.CancelReason, &a.NoShowRiskScore, &a.CancelledAt, &a.ConfirmedAt, &a.CompletedAt, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func collectAppointments(rows pgx.Rows, err error) ([]domain.Appointment, error) {
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Appointment, error) { return scanAppointment(row) })
}

func (r queries) GetAppointment(ctx context.Context, tenantID, appointmentID string) (domain.Appointment, error) {
	a, err := scanAppointment(r.q.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE tenant_id = $1 AND id = $2`, tenantID, appointmentID))
	return a, mapErr(err)
}

func (r queries) ListAppointments(ctx context.Context, tenantID string, f storage.AppointmentFilter) ([]domain.Appointment, error) {
	where := []string{"tenant_id = $1"}
	args := []any{tenantID}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.StaffID != "" {
		add("staff_id = $%d", f.StaffID)
	}
	if f.ServiceID != "" {
		add("service_id = $%d", f.ServiceID)
	}
	if !f.From.IsZero() {
		add("end_at > $%d", f.From)
	}
	if !f.To.IsZero() {
		add("start_at < $%d", f.To)
	}
	if f.ActiveOnly {
		statuses := make([]string, len(domain.ActiveStatuses))
		for i, s := range domain.ActiveStatuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", statuses)
	}
	return collectAppointments(r.q.Query(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE `+strings.Join(where, " AND ")+` ORDER BY start_at, created_at`,
		args...))
}

const seriesColumns = `id, tenant_id, service_id, staff_id, customer_id, rule, first_start, end_date, max_occurrences,
	active, materialized, deactivated_at, created_at`

func scanSeries(row pgx.Row) (domain.Series, error) {
	var s domain.Series
	err := row.Scan(&s.ID, &s.TenantID, &s.ServiceID, &s.StaffID, &s.CustomerID, &s.Rule, &s.FirstStart, &s.EndDate,
		&s.MaxOccurrences, &s.Active, &s.Materialized, &s.DeactivatedAt, &s.CreatedAt)
	return s, err
}

func (r queries) GetSeries(ctx context.Context, tenantID, seriesID string) (domain.Series, error) {
	s, err := scanSeries(r.q.QueryRow(ctx, `SELECT `+seriesColumns+` FROM recurring_series WHERE tenant_id = $1 AND id = $2`, tenantID, seriesID))
	return s, mapErr(err)
}

func (r queries) ListActiveSeries(ctx context.Context, limit int) ([]domain.Series, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q.Query(ctx, `SELECT `+seriesColumns+` FROM recurring_series WHERE active ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Series, error) { return scanSeries(row) })
}

func (r queries) ListSeriesAppointments(ctx context.Context, tenantID, seriesID string) ([]domain.Appointment, error) {
	return collectAppointments(r.q.Query(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE tenant_id = $1 AND series_id = $2 ORDER BY start_at, created_at`,
		tenantID, seriesID))
}

const waitlistColumns = `id, tenant_id, service_id, customer_id, staff_id, requested_date, position,
	notified_at, expires_at, promoted_at, expired_at, offer_start, offer_end, offer_staff_id, appointment_id, created_at`

func scanWaitlist(row pgx.Row) (domain.WaitlistEntry, error) {
	var (
		e                    domain.WaitlistEntry
		offerStart, offerEnd *time.Time
	)
	err := row.Scan(&e.ID, &e.TenantID, &e.ServiceID, &e.CustomerID, &e.StaffID, &e.RequestedDate, &e.Position,
		&e.NotifiedAt, &e.ExpiresAt, &e.PromotedAt, &e.ExpiredAt, &offerStart, &offerEnd, &e.OfferStaffID, &e.AppointmentID, &e.CreatedAt)
	if err != nil {
		return domain.WaitlistEntry{}, err
	}
	if offerStart != nil && offerEnd != nil {
		e.Offer = &domain.Window{Start: *offerStart, End: *offerEnd}
	}
	return e, nil
}

func collectWaitlist(rows pgx.Rows, err error) ([]domain.WaitlistEntry, error) {
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.WaitlistEntry, error) { return scanWaitlist(row) })
}

func (r queries) GetWaitlistEntry(ctx context.Context, tenantID, entryID string) (domain.WaitlistEntry, error) {
	e, err := scanWaitlist(r.q.QueryRow(ctx, `SELECT `+waitlistColumns+` FROM waitlist_entries WHERE tenant_id = $1 AND id = $2`, tenantID, entryID))
	return e, mapErr(err)
}

func (r queries) ListCohort(ctx context.Context, tenantID, serviceID, date string) ([]domain.WaitlistEntry, error) {
	return collectWaitlist(r.q.Query(ctx, `
		SELECT `+waitlistColumns+`
		FROM waitlist_entries
		WHERE tenant_id = $1 AND service_id = $2 AND requested_date = $3
		ORDER BY position
	`, tenantID, serviceID, date))
}

func (r queries) ListWaitingServices(ctx context.Context, tenantID, date string) ([]string, error) {
	rows, err := r.q.Query(ctx, `
		SELECT DISTINCT service_id
		FROM waitlist_entries
		WHERE tenant_id = $1 AND requested_date = $2 AND promoted_at IS NULL AND expired_at IS NULL
		ORDER BY service_id
	`, tenantID, date)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r queries) ListOverduePromotions(ctx context.Context, now time.Time, limit int) ([]domain.WaitlistEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return collectWaitlist(r.q.Query(ctx, `
		SELECT `+waitlistColumns+`
		FROM waitlist_entries
		WHERE notified_at IS NOT NULL AND promoted_at IS NULL AND expired_at IS NULL AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit))
}

const deliveryColumns = `id, tenant_id, idempotency_key, kind, channel, recipient, webhook_config_id, event_type, appointment_id,
	payload, status, attempts, max_attempts, next_attempt_at, last_error, http_status, response, external_id,
	sent_at, delivered_at, failed_at, created_at, updated_at`

func scanDelivery(row pgx.Row) (domain.DeliveryAttempt, error) {
	var (
		d       domain.DeliveryAttempt
		payload []byte
	)
	err := row.Scan(&d.ID, &d.TenantID, &d.IdempotencyKey, &d.Kind, &d.Channel, &d.Recipient, &d.WebhookConfigID, &d.EventType, &d.AppointmentID,
		&payload, &d.Status, &d.Attempts, &d.MaxAttempts, &d.NextAttemptAt, &d.LastError, &d.HTTPStatus, &d.Response, &d.ExternalID,
		&d.SentAt, &d.DeliveredAt, &d.FailedAt, &d.CreatedAt, &d.UpdatedAt)
	d.Payload = payload
	return d, err
}

func (r queries) GetDelivery(ctx context.Context, deliveryID string) (domain.DeliveryAttempt, error) {
	d, err := scanDelivery(r.q.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM delivery_attempts WHERE id = $1`, deliveryID))
	return d, mapErr(err)
}

func (r queries) GetDeliveryByKey(ctx context.Context, idempotencyKey string) (domain.DeliveryAttempt, error) {
	d, err := scanDelivery(r.q.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM delivery_attempts WHERE idempotency_key = $1`, idempotencyKey))
	return d, mapErr(err)
}

func (r queries) GetDeliveryByExternalID(ctx context.Context, externalID string) (domain.DeliveryAttempt, error) {
	if externalID == "" {
		return domain.DeliveryAttempt{}, storage.ErrNotFound
	}
	d, err := scanDelivery(r.q.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM delivery_attempts WHERE external_id = $1 LIMIT 1`, externalID))
	return d, mapErr(err)
}

func (r queries) ListWebhookConfigs(ctx context.Context, tenantID string) ([]domain.WebhookConfig, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, tenant_id, url, secret, events, active
		FROM webhook_configs
		WHERE tenant_id = $1
		ORDER BY id
	`, tenantID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.WebhookConfig, error) {
		var c domain.WebhookConfig
		err := row.Scan(&c.ID, &c.TenantID, &c.URL, &c.Secret, &c.Events, &c.Active)
		return c, err
	})
}

const paymentColumns = `id, tenant_id, appointment_id, customer_id, provider_ref, amount, refunded_amount, currency, status,
	paid_at, refunded_at, created_at, updated_at`

func scanPayment(row pgx.Row) (domain.PaymentIntent, error) {
	var p domain.PaymentIntent
	err := row.Scan(&p.ID, &p.TenantID, &p.AppointmentID, &p.CustomerID, &p.ProviderRef, &p.Amount, &p.RefundedAmount, &p.Currency,
		&p.Status, &p.PaidAt, &p.RefundedAt, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (r queries) GetPaymentIntent(ctx context.Context, tenantID, paymentID string) (domain.PaymentIntent, error) {
	p, err := scanPayment(r.q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payment_intents WHERE tenant_id = $1 AND id = $2`, tenantID, paymentID))
	return p, mapErr(err)
}

func (r queries) GetPaymentIntentByProviderRef(ctx context.Context, providerRef string) (domain.PaymentIntent, error) {
	p, err := scanPayment(r.q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payment_intents WHERE provider_ref = $1`, providerRef))
	return p, mapErr(err)
}

func unmarshalHours(raw []byte, dst *domain.WeeklyHours) error {
	if len(raw) == 0 {
		*dst = domain.WeeklyHours{}
		return nil
	}
	return json.Unmarshal(raw, dst)
}
