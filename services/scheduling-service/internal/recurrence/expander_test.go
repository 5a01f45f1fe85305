package recurrence

import (
	"context"
	"testing"
	"time"

	"github.com/appointly/appointly/services/scheduling-service/internal/availability"
	"github.com/appointly/appointly/services/scheduling-service/internal/booking"
	"github.com/appointly/appointly/services/scheduling-service/internal/delivery"
	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/events"
	"github.com/appointly/appointly/services/scheduling-service/internal/policy"
	"github.com/appointly/appointly/services/scheduling-service/internal/storage"
	"github.com/appointly/appointly/services/scheduling-service/internal/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var saturday = testutil.At(testutil.Monday.AddDate(0, 0, 5), 10, 0)

type harness struct {
	f        *testutil.Fixture
	manager  *booking.Manager
	expander *Expander
}

func newHarness(t *testing.T, p domain.Policy) *harness {
	t.Helper()
	f := testutil.New(t)
	dispatcher := delivery.NewDispatcher(f.Store, f.Clock, nil)
	manager := booking.NewManager(f.Store, dispatcher, availability.NewResolver(f.Store, f.Clock), f.Clock, nil)
	return &harness{
		f:        f,
		manager:  manager,
		expander: NewExpander(f.Store, manager, policy.NewStaticProvider(p), f.Clock, nil),
	}
}

func (h *harness) create(t *testing.T, rule string) domain.Series {
	t.Helper()
	s, err := h.expander.CreateSeries(context.Background(), CreateRequest{
		TenantID: testutil.TenantID, ServiceID: h.f.Recurring.ID, StaffID: "staff-1",
		CustomerID: "cust-1", Rule: rule, FirstStart: saturday,
	})
	require.NoError(t, err)
	return s
}

func (h *harness) instances(t *testing.T, seriesID string) []domain.Appointment {
	t.Helper()
	out, err := h.f.Store.ListSeriesAppointments(context.Background(), testutil.TenantID, seriesID)
	require.NoError(t, err)
	return out
}

func TestCreateSeriesAnnounces(t *testing.T) {
	h := newHarness(t, testutil.Policy())
	s := h.create(t, "FREQ=WEEKLY;BYDAY=SA;COUNT=4")

	assert.True(t, s.Active)
	assert.Equal(t, 0, s.Materialized)
	assert.Contains(t, h.f.Store.OutboxTypes(), events.TopicSeriesCreated)
	assert.Empty(t, h.instances(t, s.ID))
}

func TestCreateSeriesValidation(t *testing.T) {
	h := newHarness(t, testutil.Policy())
	ctx := context.Background()
	base := CreateRequest{
		TenantID: testutil.TenantID, ServiceID: h.f.Recurring.ID, StaffID: "staff-1",
		CustomerID: "cust-1", Rule: "FREQ=WEEKLY;BYDAY=SA;COUNT=4", FirstStart: saturday,
	}

	req := base
	req.Rule = "FREQ=WEEKLY"
	_, err := h.expander.CreateSeries(ctx, req)
	assert.Equal(t, domain.KindInvalidArgument, domain.KindOf(err))

	req = base
	req.ServiceID = h.f.Individual.ID
	_, err = h.expander.CreateSeries(ctx, req)
	assert.Equal(t, domain.KindInvalidArgument, domain.KindOf(err))

	req = base
	end := saturday.AddDate(0, 0, -1)
	req.EndDate = &end
	_, err = h.expander.CreateSeries(ctx, req)
	assert.Equal(t, domain.KindSeriesBoundsExceeded, domain.KindOf(err))

	req = base
	req.MaxOccurrences = MaxOccurrences + 1
	_, err = h.expander.CreateSeries(ctx, req)
	assert.Equal(t, domain.KindSeriesBoundsExceeded, domain.KindOf(err))

	req = base
	req.CustomerID = "nobody"
	_, err = h.expander.CreateSeries(ctx, req)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestExpandRecordsConflictsAsCancelledInstances(t *testing.T) {
	h := newHarness(t, testutil.Policy())
	ctx := context.Background()
	s := h.create(t, "FREQ=WEEKLY;BYDAY=SA;COUNT=4")

	taken := saturday.AddDate(0, 0, 7)
	_, err := h.manager.Reserve(ctx, booking.ReserveRequest{
		TenantID: testutil.TenantID, ServiceID: h.f.Individual.ID, StaffID: "staff-1", CustomerID: "cust-2",
		Window: domain.Window{Start: taken, End: taken.Add(30 * time.Minute)},
	}, testutil.Policy())
	require.NoError(t, err)

	res, err := h.expander.Expand(ctx, testutil.TenantID, s.ID, testutil.Policy())
	require.NoError(t, err)
	assert.Equal(t, ExpandResult{Booked: 3, Conflicts: 1}, res)

	list := h.instances(t, s.ID)
	require.Len(t, list, 4)
	for i, a := range list {
		assert.Equal(t, saturday.AddDate(0, 0, 7*i), a.Start)
		assert.Equal(t, s.ID, a.SeriesID)
		if a.Start.Equal(taken) {
			assert.Equal(t, domain.StatusCancelled, a.Status)
			assert.Equal(t, "system: slot_unavailable", a.CancelReason)
		} else {
			assert.Equal(t, domain.StatusPending, a.Status)
		}
	}

	cur, err := h.f.Store.GetSeries(ctx, testutil.TenantID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, cur.Materialized)

	res, err = h.expander.Expand(ctx, testutil.TenantID, s.ID, testutil.Policy())
	require.NoError(t, err)
	assert.Zero(t, res)
	assert.Len(t, h.instances(t, s.ID), 4)
}

func TestExpandStopsAtHorizon(t *testing.T) {
	p := testutil.Policy()
	p.SeriesHorizon = 10 * 24 * time.Hour
	h := newHarness(t, p)
	ctx := context.Background()
	s := h.create(t, "FREQ=WEEKLY;BYDAY=SA;COUNT=4")

	res, err := h.expander.Expand(ctx, testutil.TenantID, s.ID, p)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Booked)

	h.f.Clock.Set(h.f.Clock.Now().AddDate(0, 0, 11))
	booked, err := h.expander.ExpandActive(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, booked)
	assert.Len(t, h.instances(t, s.ID), 3)
}

func TestSeriesCreatedEventTriggersExpansion(t *testing.T) {
	h := newHarness(t, testutil.Policy())
	s := h.create(t, "FREQ=WEEKLY;BYDAY=SA;COUNT=2")

	r := events.NewRouter()
	h.expander.Register(r)
	var payload []byte
	for _, o := range h.f.Store.Outbox() {
		if o.Event.EventType == events.TopicSeriesCreated {
			payload = o.Event.Payload
		}
	}
	require.NotEmpty(t, payload)
	require.NoError(t, r.Handle(context.Background(), kafka.Message{Topic: events.TopicSeriesCreated, Value: payload}))
	assert.Len(t, h.instances(t, s.ID), 2)
}

func TestDeactivateCancelsFutureInstancesOnly(t *testing.T) {
	h := newHarness(t, testutil.Policy())
	ctx := context.Background()
	s := h.create(t, "FREQ=WEEKLY;BYDAY=SA;COUNT=4")
	_, err := h.expander.Expand(ctx, testutil.TenantID, s.ID, testutil.Policy())
	require.NoError(t, err)

	h.f.Clock.Set(saturday.AddDate(0, 0, 8))
	res, err := h.expander.Deactivate(ctx, testutil.TenantID, s.ID, testutil.Policy())
	require.NoError(t, err)
	assert.False(t, res.Series.Active)
	assert.NotNil(t, res.Series.DeactivatedAt)
	assert.Equal(t, 2, res.Cancelled)

	for _, a := range h.instances(t, s.ID) {
		if a.Start.After(h.f.Clock.Now()) {
			assert.Equal(t, domain.StatusCancelled, a.Status)
			assert.Equal(t, ReasonDeactivated, a.CancelReason)
		} else {
			assert.Equal(t, domain.StatusPending, a.Status)
		}
	}
	assert.Contains(t, h.f.Store.OutboxTypes(), events.TopicSeriesDeactivated)

	again, err := h.expander.Deactivate(ctx, testutil.TenantID, s.ID, testutil.Policy())
	require.NoError(t, err)
	assert.Zero(t, again.Cancelled)

	exp, err := h.expander.Expand(ctx, testutil.TenantID, s.ID, testutil.Policy())
	require.NoError(t, err)
	assert.Zero(t, exp)
}

// deactivatingBooker deactivates the series right after the first
// reservation commits.
type deactivatingBooker struct {
	Booker
	store storage.Store
	done  bool
}

func (b *deactivatingBooker) Reserve(ctx context.Context, req booking.ReserveRequest, p domain.Policy) (domain.Appointment, error) {
	appt, err := b.Booker.Reserve(ctx, req, p)
	if err != nil || b.done {
		return appt, err
	}
	b.done = true
	return appt, b.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		s, err := tx.GetSeries(ctx, req.TenantID, req.SeriesID)
		if err != nil {
			return err
		}
		s.Active = false
		return tx.UpdateSeries(ctx, s)
	})
}

func TestExpandCancelsInstanceBookedDuringDeactivation(t *testing.T) {
	h := newHarness(t, testutil.Policy())
	ctx := context.Background()
	s := h.create(t, "FREQ=WEEKLY;BYDAY=SA;COUNT=4")

	exp := NewExpander(h.f.Store, &deactivatingBooker{Booker: h.manager, store: h.f.Store}, policy.NewStaticProvider(testutil.Policy()), h.f.Clock, nil)
	res, err := exp.Expand(ctx, testutil.TenantID, s.ID, testutil.Policy())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Booked)

	list := h.instances(t, s.ID)
	require.Len(t, list, 1)
	assert.Equal(t, domain.StatusCancelled, list[0].Status)
	assert.Equal(t, ReasonDeactivated, list[0].CancelReason)
}
