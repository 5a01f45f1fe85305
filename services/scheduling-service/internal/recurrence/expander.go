package recurrence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/appointly/appointly/libs/clock"
	otelx "github.com/appointly/appointly/libs/otel"
	"github.com/appointly/appointly/services/scheduling-service/internal/booking"
	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/events"
	"github.com/appointly/appointly/services/scheduling-service/internal/policy"
	"github.com/appointly/appointly/services/scheduling-service/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ReasonDeactivated is written on instances cancelled by Deactivate.
const ReasonDeactivated = domain.SystemReasonPrefix + "series deactivated"

// Booker is the part of booking.Manager the expander drives.
type Booker interface {
	Reserve(ctx context.Context, req booking.ReserveRequest, p domain.Policy) (domain.Appointment, error)
	Cancel(ctx context.Context, req booking.CancelRequest, p domain.Policy) (domain.Appointment, error)
}

type Expander struct {
	store    storage.Store
	booker   Booker
	policies policy.Provider
	clock    clock.Clock
	logger   *slog.Logger
}

func NewExpander(store storage.Store, booker Booker, policies policy.Provider, c clock.Clock, logger *slog.Logger) *Expander {
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Expander{store: store, booker: booker, policies: policies, clock: c, logger: logger}
}

func lockKey(tenantID, seriesID string) string {
	return "series:" + tenantID + ":" + seriesID
}

type CreateRequest struct {
	TenantID   string
	ServiceID  string
	StaffID    string
	CustomerID string
	Rule       string
	FirstStart time.Time
	// EndDate and MaxOccurrences bound the series in addition to the rule's
	// own COUNT and UNTIL; at least one bound must be present.
	EndDate        *time.Time
	MaxOccurrences int
}

// CreateSeries stores an active series and announces it. Occurrences are
// materialized by Expand.
func (e *Expander) CreateSeries(ctx context.Context, req CreateRequest) (domain.Series, error) {
	if strings.TrimSpace(req.TenantID) == "" || strings.TrimSpace(req.ServiceID) == "" ||
		strings.TrimSpace(req.StaffID) == "" || strings.TrimSpace(req.CustomerID) == "" {
		return domain.Series{}, domain.Errorf(domain.KindInvalidArgument, "tenant_id, service_id, staff_id and customer_id are required")
	}
	if req.FirstStart.IsZero() {
		return domain.Series{}, domain.Errorf(domain.KindInvalidArgument, "first_start is required")
	}
	if req.MaxOccurrences < 0 {
		return domain.Series{}, domain.Errorf(domain.KindInvalidArgument, "max_occurrences must not be negative")
	}
	rule, err := Parse(req.Rule)
	if err != nil {
		return domain.Series{}, err
	}
	if !rule.Bounded() && req.EndDate == nil && req.MaxOccurrences == 0 {
		return domain.Series{}, domain.Errorf(domain.KindInvalidArgument, "series needs an occurrence count or an end date")
	}
	if rule.Count > MaxOccurrences || req.MaxOccurrences > MaxOccurrences {
		return domain.Series{}, domain.Errorf(domain.KindSeriesBoundsExceeded, "series may not exceed %d occurrences", MaxOccurrences)
	}

	var s domain.Series
	err = e.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		tenant, err := tx.GetTenant(ctx, req.TenantID)
		if err != nil {
			return notFound(err, "tenant")
		}
		if !tenant.AcceptsBookings() {
			return domain.Errorf(domain.KindTenantSuspended, "tenant %s is not accepting bookings", tenant.ID)
		}
		svc, err := tx.GetService(ctx, req.TenantID, req.ServiceID)
		if err != nil {
			return notFound(err, "service")
		}
		if _, err := tx.GetStaff(ctx, req.TenantID, req.StaffID); err != nil {
			return notFound(err, "staff")
		}
		if _, err := tx.GetCustomer(ctx, req.TenantID, req.CustomerID); err != nil {
			return notFound(err, "customer")
		}
		if svc.Type != domain.ServiceRecurring {
			return domain.Errorf(domain.KindInvalidArgument, "service %s is not recurring", svc.ID)
		}

		s = domain.Series{
			TenantID:       req.TenantID,
			ServiceID:      svc.ID,
			StaffID:        req.StaffID,
			CustomerID:     req.CustomerID,
			Rule:           rule.String(),
			FirstStart:     req.FirstStart.UTC(),
			EndDate:        req.EndDate,
			MaxOccurrences: req.MaxOccurrences,
			Active:         true,
			CreatedAt:      e.clock.Now(),
		}
		// a series whose first occurrence already falls outside its bounds is empty
		if _, ok := NewSequence(DescriptorFor(s, rule, tenant.Location())).Next(); !ok {
			return domain.Errorf(domain.KindSeriesBoundsExceeded, "series has no occurrence within its bounds")
		}
		if err := tx.InsertSeries(ctx, &s); err != nil {
			return err
		}
		evt, err := events.SeriesEvent(events.TopicSeriesCreated, s, "")
		if err != nil {
			return err
		}
		return tx.AppendOutbox(ctx, evt)
	})
	if err != nil {
		return domain.Series{}, err
	}
	e.logger.Info("series created", "tenant_id", s.TenantID, "series_id", s.ID, "rule", s.Rule)
	return s, nil
}

type ExpandResult struct {
	Booked    int
	Conflicts int
}

// Expand materializes occurrences from the series cursor up to the policy
// horizon. An occurrence that cannot be booked is recorded as a cancelled
// instance carrying the failure kind. Re-running Expand resumes where the
// last run stopped.
func (e *Expander) Expand(ctx context.Context, tenantID, seriesID string, p domain.Policy) (ExpandResult, error) {
	ctx, span := otelx.Tracer("recurrence").Start(ctx, "recurrence.expand", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("series.id", seriesID),
	))
	defer span.End()
	p = p.Normalized()

	var res ExpandResult
	s, err := e.store.GetSeries(ctx, tenantID, seriesID)
	if err != nil {
		return res, notFound(err, "series")
	}
	if !s.Active {
		return res, nil
	}
	rule, err := Parse(s.Rule)
	if err != nil {
		return res, err
	}
	tenant, err := e.store.GetTenant(ctx, tenantID)
	if err != nil {
		return res, notFound(err, "tenant")
	}
	svc, err := e.store.GetService(ctx, tenantID, s.ServiceID)
	if err != nil {
		return res, notFound(err, "service")
	}

	seq := NewSequence(DescriptorFor(s, rule, tenant.Location()))
	for i := 0; i < s.Materialized; i++ {
		if _, ok := seq.Next(); !ok {
			return res, nil
		}
	}
	var horizon time.Time
	if p.SeriesHorizon > 0 {
		horizon = e.clock.Now().Add(p.SeriesHorizon)
	}

	for n := s.Materialized; ; n++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		start, ok := seq.Next()
		if !ok || (!horizon.IsZero() && start.After(horizon)) {
			break
		}
		win := domain.Window{Start: start, End: start.Add(svc.Duration)}
		key := occurrenceKey(s.ID, n)

		appt, err := e.booker.Reserve(ctx, booking.ReserveRequest{
			TenantID:       s.TenantID,
			ServiceID:      s.ServiceID,
			StaffID:        s.StaffID,
			CustomerID:     s.CustomerID,
			Window:         win,
			IdempotencyKey: key,
			SeriesID:       s.ID,
		}, p)
		switch kind := domain.KindOf(err); {
		case err == nil:
			res.Booked++
		case kind == domain.KindSlotUnavailable || kind == domain.KindCapacityExceeded || kind == domain.KindOutOfPolicyWindow:
			appt, err = e.recordConflict(ctx, s, win, key, kind)
			if err != nil {
				return res, err
			}
			res.Conflicts++
			e.logger.Warn("series occurrence not booked", "tenant_id", s.TenantID, "series_id", s.ID, "start", start.Format(time.RFC3339), "reason", kind)
		default:
			return res, fmt.Errorf("occurrence %d of series %s: %w", n, s.ID, err)
		}

		active, err := e.advance(ctx, s, n+1)
		if err != nil {
			return res, err
		}
		if !active {
			// deactivated while this occurrence was being booked
			if !appt.Status.Terminal() {
				if _, err := e.booker.Cancel(ctx, booking.CancelRequest{TenantID: s.TenantID, AppointmentID: appt.ID, Reason: ReasonDeactivated}, p); err != nil {
					return res, err
				}
			}
			break
		}
	}
	if res.Booked+res.Conflicts > 0 {
		e.logger.Info("series expanded", "tenant_id", s.TenantID, "series_id", s.ID, "booked", res.Booked, "conflicts", res.Conflicts)
	}
	return res, nil
}

// advance moves the cursor to materialized unless the series was
// deactivated, in which case it reports false.
func (e *Expander) advance(ctx context.Context, s domain.Series, materialized int) (bool, error) {
	active := false
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Lock(ctx, lockKey(s.TenantID, s.ID)); err != nil {
			return err
		}
		cur, err := tx.GetSeries(ctx, s.TenantID, s.ID)
		if err != nil {
			return notFound(err, "series")
		}
		if !cur.Active {
			return nil
		}
		active = true
		if cur.Materialized >= materialized {
			return nil
		}
		cur.Materialized = materialized
		return tx.UpdateSeries(ctx, cur)
	})
	return active, err
}

// recordConflict stores a cancelled instance for an occurrence that could not
// be booked, once per occurrence.
func (e *Expander) recordConflict(ctx context.Context, s domain.Series, win domain.Window, key string, kind domain.Kind) (domain.Appointment, error) {
	var appt domain.Appointment
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Lock(ctx, "idem:"+s.TenantID+":"+key); err != nil {
			return err
		}
		existing, err := tx.ClaimIdempotencyKey(ctx, s.TenantID, key)
		if err != nil {
			return err
		}
		if existing != "" {
			appt, err = tx.GetAppointment(ctx, s.TenantID, existing)
			return notFound(err, "appointment")
		}
		now := e.clock.Now()
		appt = domain.Appointment{
			TenantID:     s.TenantID,
			ServiceID:    s.ServiceID,
			StaffID:      s.StaffID,
			CustomerID:   s.CustomerID,
			SeriesID:     s.ID,
			Start:        win.Start,
			End:          win.End,
			Status:       domain.StatusCancelled,
			CancelReason: domain.SystemReasonPrefix + string(kind),
			CancelledAt:  &now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.InsertAppointment(ctx, &appt); err != nil {
			return err
		}
		if err := tx.BindIdempotencyKey(ctx, s.TenantID, key, appt.ID); err != nil {
			return err
		}
		evt, err := events.AppointmentEvent(events.TopicAppointmentCancelled, appt)
		if err != nil {
			return err
		}
		return tx.AppendOutbox(ctx, evt)
	})
	return appt, err
}

type DeactivateResult struct {
	Series    domain.Series
	Cancelled int
}

// Deactivate stops the series and cancels its future instances. Past
// instances are left as they are. Deactivating twice is a no-op.
func (e *Expander) Deactivate(ctx context.Context, tenantID, seriesID string, p domain.Policy) (DeactivateResult, error) {
	var (
		res     DeactivateResult
		changed bool
	)
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Lock(ctx, lockKey(tenantID, seriesID)); err != nil {
			return err
		}
		s, err := tx.GetSeries(ctx, tenantID, seriesID)
		if err != nil {
			return notFound(err, "series")
		}
		res.Series = s
		if !s.Active {
			return nil
		}
		now := e.clock.Now()
		s.Active = false
		s.DeactivatedAt = &now
		if err := tx.UpdateSeries(ctx, s); err != nil {
			return err
		}
		evt, err := events.SeriesEvent(events.TopicSeriesDeactivated, s, "deactivated")
		if err != nil {
			return err
		}
		res.Series, changed = s, true
		return tx.AppendOutbox(ctx, evt)
	})
	if err != nil {
		return res, err
	}

	// future instances are cancelled even on a repeat call, finishing a
	// previous run that stopped halfway
	appts, err := e.store.ListSeriesAppointments(ctx, tenantID, seriesID)
	if err != nil {
		return res, err
	}
	now := e.clock.Now()
	for _, a := range appts {
		if a.Status.Terminal() || !a.Start.After(now) {
			continue
		}
		if _, err := e.booker.Cancel(ctx, booking.CancelRequest{TenantID: tenantID, AppointmentID: a.ID, Reason: ReasonDeactivated}, p); err != nil {
			return res, fmt.Errorf("cancel instance %s: %w", a.ID, err)
		}
		res.Cancelled++
	}
	if changed || res.Cancelled > 0 {
		e.logger.Info("series deactivated", "tenant_id", tenantID, "series_id", seriesID, "cancelled", res.Cancelled)
	}
	return res, nil
}

// ExpandActive runs Expand over active series, for the periodic worker pass
// that keeps the horizon filled.
func (e *Expander) ExpandActive(ctx context.Context, limit int) (int, error) {
	list, err := e.store.ListActiveSeries(ctx, limit)
	if err != nil {
		return 0, err
	}
	var booked int
	var errs []error
	for _, s := range list {
		p, err := e.policies.Policy(ctx, s.TenantID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		res, err := e.Expand(ctx, s.TenantID, s.ID, p)
		if err != nil {
			e.logger.Error("series expansion failed", "tenant_id", s.TenantID, "series_id", s.ID, "err", err)
			errs = append(errs, err)
		}
		booked += res.Booked
	}
	return booked, errors.Join(errs...)
}

func (e *Expander) Register(r *events.Router) {
	events.On(r, events.TopicSeriesCreated, func(ctx context.Context, evt events.Series) error {
		p, err := e.policies.Policy(ctx, evt.TenantID)
		if err != nil {
			return err
		}
		_, err = e.Expand(ctx, evt.TenantID, evt.SeriesID, p)
		return err
	})
}

func occurrenceKey(seriesID string, n int) string {
	return "series:" + seriesID + ":" + strconv.Itoa(n)
}

func notFound(err error, what string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Errorf(domain.KindNotFound, "%s not found", what)
	}
	return err
}
