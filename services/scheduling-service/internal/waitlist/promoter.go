// Package waitlist queues customers for full dates and offers freed
// capacity to them one at a time, in position order.
package waitlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/appointly/appointly/libs/clock"
	otelx "github.com/appointly/appointly/libs/otel"
	"github.com/appointly/appointly/services/scheduling-service/internal/availability"
	"github.com/appointly/appointly/services/scheduling-service/internal/delivery"
	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/events"
	"github.com/appointly/appointly/services/scheduling-service/internal/policy"
	"github.com/appointly/appointly/services/scheduling-service/internal/storage"
	"github.com/appointly/appointly/services/scheduling-service/internal/timers"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const timerPrefix = "promotion:"

type Promoter struct {
	store      storage.Store
	dispatcher *delivery.Dispatcher
	resolver   *availability.Resolver
	timers     timers.Scheduler
	policies   policy.Provider
	clock      clock.Clock
	logger     *slog.Logger
}

// NewPromoter registers the promoter as the handler of sched.
func NewPromoter(store storage.Store, dispatcher *delivery.Dispatcher, resolver *availability.Resolver, sched timers.Scheduler, policies policy.Provider, c clock.Clock, logger *slog.Logger) *Promoter {
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Promoter{
		store:      store,
		dispatcher: dispatcher,
		resolver:   resolver,
		timers:     sched,
		policies:   policies,
		clock:      c,
		logger:     logger,
	}
	sched.Handle(p.onTimer)
	return p
}

func TimerKey(tenantID, entryID string) string {
	return timerPrefix + tenantID + ":" + entryID
}

type JoinRequest struct {
	TenantID   string
	ServiceID  string
	CustomerID string
	// StaffID optionally records a preferred staff member.
	StaffID string
	// Date is the requested local date, YYYY-MM-DD.
	Date string
}

// Join appends the customer to the cohort. Joining twice while an entry is
// still unresolved returns that entry.
func (p *Promoter) Join(ctx context.Context, req JoinRequest) (domain.WaitlistEntry, error) {
	if strings.TrimSpace(req.TenantID) == "" || strings.TrimSpace(req.ServiceID) == "" || strings.TrimSpace(req.CustomerID) == "" {
		return domain.WaitlistEntry{}, domain.Errorf(domain.KindInvalidArgument, "tenant_id, service_id and customer_id are required")
	}
	if _, err := time.Parse("2006-01-02", req.Date); err != nil {
		return domain.WaitlistEntry{}, domain.Errorf(domain.KindInvalidArgument, "date must be YYYY-MM-DD")
	}
	if _, err := p.store.GetService(ctx, req.TenantID, req.ServiceID); err != nil {
		return domain.WaitlistEntry{}, notFound(err, "service")
	}
	if _, err := p.store.GetCustomer(ctx, req.TenantID, req.CustomerID); err != nil {
		return domain.WaitlistEntry{}, notFound(err, "customer")
	}

	op := func() (domain.WaitlistEntry, error) {
		var out domain.WaitlistEntry
		err := p.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			if err := tx.Lock(ctx, domain.CohortKey(req.TenantID, req.ServiceID, req.Date)); err != nil {
				return err
			}
			cohort, err := tx.ListCohort(ctx, req.TenantID, req.ServiceID, req.Date)
			if err != nil {
				return err
			}
			last := 0
			for _, e := range cohort {
				if e.CustomerID == req.CustomerID && unresolved(e) {
					out = e
					return nil
				}
				if e.Position > last {
					last = e.Position
				}
			}
			out = domain.WaitlistEntry{
				TenantID:      req.TenantID,
				ServiceID:     req.ServiceID,
				CustomerID:    req.CustomerID,
				StaffID:       req.StaffID,
				RequestedDate: req.Date,
				Position:      last + 1,
				CreatedAt:     p.clock.Now(),
			}
			return tx.InsertWaitlistEntry(ctx, &out)
		})
		if errors.Is(err, storage.ErrConflict) {
			return out, err
		}
		if err != nil {
			return out, backoff.Permanent(err)
		}
		return out, nil
	}
	entry, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(10*time.Millisecond)),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return domain.WaitlistEntry{}, err
	}
	p.logger.Info("waitlist joined", "tenant_id", entry.TenantID, "entry_id", entry.ID, "position", entry.Position, "date", entry.RequestedDate)
	return entry, nil
}

// OnSlotFreed offers f to the first waiting entry of its cohort.
func (p *Promoter) OnSlotFreed(ctx context.Context, f domain.FreedSlot, pol domain.Policy) error {
	tenant, err := p.store.GetTenant(ctx, f.TenantID)
	if err != nil {
		return notFound(err, "tenant")
	}
	offer := f.Window()
	_, err = p.promote(ctx, tenant, f.ServiceID, domain.DateKey(f.Start, tenant.Location()), &offer, f.StaffID, pol)
	return err
}

// OnAvailabilityOpened runs promotion for every cohort waiting on a date
// touched by o.
func (p *Promoter) OnAvailabilityOpened(ctx context.Context, o events.AvailabilityOpened, pol domain.Policy) error {
	tenant, err := p.store.GetTenant(ctx, o.TenantID)
	if err != nil {
		return notFound(err, "tenant")
	}
	loc := tenant.Location()
	for day := domain.StartOfDay(o.Start, loc); day.Before(o.End); day = day.AddDate(0, 0, 1) {
		date := domain.DateKey(day, loc)
		services, err := p.store.ListWaitingServices(ctx, tenant.ID, date)
		if err != nil {
			return err
		}
		for _, svc := range services {
			if _, err := p.promote(ctx, tenant, svc, date, nil, o.StaffID, pol); err != nil {
				return err
			}
		}
	}
	return nil
}

// promote notifies the first waiting entry of the cohort unless another
// entry already holds an unexpired offer or the date has no free slot.
func (p *Promoter) promote(ctx context.Context, tenant domain.Tenant, serviceID, date string, offer *domain.Window, staffID string, pol domain.Policy) (*domain.WaitlistEntry, error) {
	ctx, span := otelx.Tracer("waitlist").Start(ctx, "waitlist.promote", trace.WithAttributes(
		attribute.String("tenant.id", tenant.ID),
		attribute.String("service.id", serviceID),
		attribute.String("date", date),
	))
	defer span.End()
	pol = pol.Normalized()

	day, err := time.ParseInLocation("2006-01-02", date, tenant.Location())
	if err != nil {
		return nil, domain.Errorf(domain.KindInvalidArgument, "invalid date %q", date)
	}
	slots, err := p.resolver.Resolve(ctx, availability.Query{TenantID: tenant.ID, ServiceID: serviceID, Date: day}, pol)
	if err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return nil, nil
	}

	var (
		notified *domain.WaitlistEntry
		expired  []domain.WaitlistEntry
	)
	err = p.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Lock(ctx, domain.CohortKey(tenant.ID, serviceID, date)); err != nil {
			return err
		}
		cohort, err := tx.ListCohort(ctx, tenant.ID, serviceID, date)
		if err != nil {
			return err
		}
		now := p.clock.Now()
		for _, e := range cohort {
			switch e.State() {
			case domain.WaitlistNotified:
				if e.ExpiresAt != nil && e.ExpiresAt.After(now) {
					return nil
				}
				// offer lapsed without its timer firing
				if err := p.markExpired(ctx, tx, &e, now); err != nil {
					return err
				}
				expired = append(expired, e)
			case domain.WaitlistWaiting:
				if err := p.notify(ctx, tx, tenant, &e, offer, staffID, now, pol); err != nil {
					return err
				}
				notified = &e
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, e := range expired {
		p.cancelTimer(ctx, e)
	}
	if notified == nil {
		return nil, nil
	}
	if err := p.timers.Schedule(ctx, TimerKey(notified.TenantID, notified.ID), *notified.ExpiresAt); err != nil {
		// the sweep picks the entry up once its offer lapses
		p.logger.Error("schedule promotion expiry failed", "entry_id", notified.ID, "err", err)
	}
	p.logger.Info("waitlist entry notified",
		"tenant_id", notified.TenantID,
		"entry_id", notified.ID,
		"position", notified.Position,
		"expires_at", notified.ExpiresAt.Format(time.RFC3339),
	)
	return notified, nil
}

func (p *Promoter) notify(ctx context.Context, tx storage.Tx, tenant domain.Tenant, e *domain.WaitlistEntry, offer *domain.Window, staffID string, now time.Time, pol domain.Policy) error {
	expires := now.Add(pol.PromotionTTL)
	e.NotifiedAt = &now
	e.ExpiresAt = &expires
	e.Offer = offer
	e.OfferStaffID = staffID
	if err := tx.UpdateWaitlistEntry(ctx, *e); err != nil {
		return err
	}

	customer, err := tx.GetCustomer(ctx, e.TenantID, e.CustomerID)
	if err != nil {
		return notFound(err, "customer")
	}
	svc, err := tx.GetService(ctx, e.TenantID, e.ServiceID)
	if err != nil {
		return notFound(err, "service")
	}
	if ch, addr, ok := customer.Contact(pol.ConfirmationChannel); ok {
		loc := tenant.Location()
		msg := delivery.Message{
			Template: "waitlist_slot_available",
			Subject:  tenant.Name + ": " + svc.Name,
			Body:     fmt.Sprintf("A spot opened for %s on %s. Book before %s.", svc.Name, e.RequestedDate, expires.In(loc).Format("15:04")),
			Data: map[string]string{
				"entry_id":   e.ID,
				"service":    svc.Name,
				"date":       e.RequestedDate,
				"expires_at": expires.In(loc).Format(time.RFC3339),
			},
		}
		if offer != nil {
			msg.Data["start"] = offer.Start.In(loc).Format("2006-01-02T15:04")
		}
		if _, err := p.dispatcher.DispatchTx(ctx, tx, delivery.Request{
			TenantID:       e.TenantID,
			IdempotencyKey: delivery.NotificationKey(ch, "waitlist", e.ID),
			Target:         delivery.Target{Kind: domain.KindNotification, Channel: ch, Recipient: addr},
			Payload:        msg,
		}, pol); err != nil {
			return err
		}
	} else {
		p.logger.Warn("waitlist customer has no contact address", "entry_id", e.ID, "customer_id", e.CustomerID)
	}

	evt, err := events.WaitlistEvent(events.TopicWaitlistNotified, *e)
	if err != nil {
		return err
	}
	return tx.AppendOutbox(ctx, evt)
}

func (p *Promoter) markExpired(ctx context.Context, tx storage.Tx, e *domain.WaitlistEntry, now time.Time) error {
	e.ExpiredAt = &now
	if err := tx.UpdateWaitlistEntry(ctx, *e); err != nil {
		return err
	}
	evt, err := events.WaitlistEvent(events.TopicWaitlistExpired, *e)
	if err != nil {
		return err
	}
	return tx.AppendOutbox(ctx, evt)
}

// ClaimPromotion implements booking.WaitlistHook.
func (p *Promoter) ClaimPromotion(ctx context.Context, tx storage.Tx, entryID string, appt domain.Appointment) error {
	e, err := tx.GetWaitlistEntry(ctx, appt.TenantID, entryID)
	if err != nil {
		return notFound(err, "waitlist entry")
	}
	if err := tx.Lock(ctx, e.CohortKey()); err != nil {
		return err
	}
	if e, err = tx.GetWaitlistEntry(ctx, appt.TenantID, entryID); err != nil {
		return notFound(err, "waitlist entry")
	}
	if e.CustomerID != appt.CustomerID || e.ServiceID != appt.ServiceID {
		return domain.Errorf(domain.KindInvalidArgument, "waitlist entry %s belongs to another customer or service", e.ID)
	}
	tenant, err := tx.GetTenant(ctx, appt.TenantID)
	if err != nil {
		return notFound(err, "tenant")
	}
	if domain.DateKey(appt.Start, tenant.Location()) != e.RequestedDate {
		return domain.Errorf(domain.KindInvalidArgument, "waitlist entry %s is for %s", e.ID, e.RequestedDate)
	}

	now := p.clock.Now()
	switch e.State() {
	case domain.WaitlistNotified:
		if e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
			return domain.Errorf(domain.KindPromotionExpired, "offer for waitlist entry %s expired", e.ID)
		}
	case domain.WaitlistPromoted:
		return domain.Errorf(domain.KindInvalidArgument, "waitlist entry %s was already promoted", e.ID)
	default:
		return domain.Errorf(domain.KindPromotionExpired, "waitlist entry %s holds no open offer", e.ID)
	}
	e.PromotedAt = &now
	e.AppointmentID = appt.ID
	return tx.UpdateWaitlistEntry(ctx, e)
}

// PromotionCommitted implements booking.WaitlistHook.
func (p *Promoter) PromotionCommitted(ctx context.Context, tenantID, entryID string) {
	if err := p.timers.Cancel(ctx, TimerKey(tenantID, entryID)); err != nil {
		p.logger.Warn("cancel promotion timer failed", "entry_id", entryID, "err", err)
	}
}

// Expire ends an entry by hand. Expiring a notified entry passes the offer
// to the next position.
func (p *Promoter) Expire(ctx context.Context, tenantID, entryID string, pol domain.Policy) (domain.WaitlistEntry, error) {
	return p.expire(ctx, tenantID, entryID, pol, true)
}

func (p *Promoter) expire(ctx context.Context, tenantID, entryID string, pol domain.Policy, manual bool) (domain.WaitlistEntry, error) {
	var (
		out        domain.WaitlistEntry
		wasOffered bool
		early      bool
		changed    bool
	)
	err := p.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		e, err := tx.GetWaitlistEntry(ctx, tenantID, entryID)
		if err != nil {
			return notFound(err, "waitlist entry")
		}
		if err := tx.Lock(ctx, e.CohortKey()); err != nil {
			return err
		}
		if e, err = tx.GetWaitlistEntry(ctx, tenantID, entryID); err != nil {
			return notFound(err, "waitlist entry")
		}
		out = e
		state := e.State()
		if state == domain.WaitlistPromoted || state == domain.WaitlistExpired {
			return nil
		}
		now := p.clock.Now()
		if !manual && (state != domain.WaitlistNotified || (e.ExpiresAt != nil && e.ExpiresAt.After(now))) {
			early = state == domain.WaitlistNotified
			return nil
		}
		wasOffered = state == domain.WaitlistNotified
		if err := p.markExpired(ctx, tx, &e, now); err != nil {
			return err
		}
		out, changed = e, true
		return nil
	})
	if err != nil {
		return domain.WaitlistEntry{}, err
	}
	if early {
		// the timer fired ahead of the stored deadline; re-arm it
		return out, p.timers.Schedule(ctx, TimerKey(out.TenantID, out.ID), *out.ExpiresAt)
	}
	if !changed {
		return out, nil
	}
	p.cancelTimer(ctx, out)
	p.logger.Info("waitlist entry expired", "tenant_id", out.TenantID, "entry_id", out.ID, "manual", manual)

	if wasOffered {
		tenant, err := p.store.GetTenant(ctx, out.TenantID)
		if err != nil {
			return out, notFound(err, "tenant")
		}
		if _, err := p.promote(ctx, tenant, out.ServiceID, out.RequestedDate, out.Offer, out.OfferStaffID, pol); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (p *Promoter) cancelTimer(ctx context.Context, e domain.WaitlistEntry) {
	if err := p.timers.Cancel(ctx, TimerKey(e.TenantID, e.ID)); err != nil {
		p.logger.Warn("cancel promotion timer failed", "entry_id", e.ID, "err", err)
	}
}

// Sweep expires offers whose deadline passed while no timer was armed, for
// example across a restart. It returns how many entries it expired.
func (p *Promoter) Sweep(ctx context.Context) (int, error) {
	due, err := p.store.ListOverduePromotions(ctx, p.clock.Now(), 100)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range due {
		pol, err := p.policies.Policy(ctx, e.TenantID)
		if err != nil {
			return n, err
		}
		out, err := p.expire(ctx, e.TenantID, e.ID, pol, false)
		if err != nil {
			return n, err
		}
		if out.State() == domain.WaitlistExpired {
			n++
		}
	}
	return n, nil
}

func (p *Promoter) onTimer(ctx context.Context, key string) error {
	rest, ok := strings.CutPrefix(key, timerPrefix)
	if !ok {
		return fmt.Errorf("unexpected timer key %q", key)
	}
	tenantID, entryID, ok := strings.Cut(rest, ":")
	if !ok {
		return fmt.Errorf("unexpected timer key %q", key)
	}
	pol, err := p.policies.Policy(ctx, tenantID)
	if err != nil {
		return err
	}
	_, err = p.expire(ctx, tenantID, entryID, pol, false)
	return err
}

// SlotFreed implements booking.SlotSignals.
func (p *Promoter) SlotFreed(ctx context.Context, f domain.FreedSlot) {
	pol, err := p.policies.Policy(ctx, f.TenantID)
	if err == nil {
		err = p.OnSlotFreed(ctx, f, pol)
	}
	if err != nil {
		p.logger.Error("waitlist promotion failed", "tenant_id", f.TenantID, "service_id", f.ServiceID, "err", err)
	}
}

// Register subscribes the promoter to freed-slot and opened-availability events.
func (p *Promoter) Register(r *events.Router) {
	events.On(r, events.TopicSlotFreed, func(ctx context.Context, f domain.FreedSlot) error {
		pol, err := p.policies.Policy(ctx, f.TenantID)
		if err != nil {
			return err
		}
		return p.OnSlotFreed(ctx, f, pol)
	})
	events.On(r, events.TopicAvailabilityOpened, func(ctx context.Context, o events.AvailabilityOpened) error {
		pol, err := p.policies.Policy(ctx, o.TenantID)
		if err != nil {
			return err
		}
		return p.OnAvailabilityOpened(ctx, o, pol)
	})
}

func unresolved(e domain.WaitlistEntry) bool {
	st := e.State()
	return st == domain.WaitlistWaiting || st == domain.WaitlistNotified
}

func notFound(err error, what string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Errorf(domain.KindNotFound, "%s not found", what)
	}
	return err
}
