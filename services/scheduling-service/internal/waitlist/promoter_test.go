package waitlist

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
	"github.com/appointly/appointly/services/scheduling-service/internal/testutil"
	"github.com/appointly/appointly/services/scheduling-service/internal/timers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const monday = "2026-03-02"

type harness struct {
	f        *testutil.Fixture
	timers   *timers.Memory
	promoter *Promoter
	manager  *booking.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	f := testutil.New(t)
	dispatcher := delivery.NewDispatcher(f.Store, f.Clock, nil)
	resolver := availability.NewResolver(f.Store, f.Clock)
	sched := timers.NewMemory(f.Clock, nil)
	promoter := NewPromoter(f.Store, dispatcher, resolver, sched, policy.NewStaticProvider(testutil.Policy()), f.Clock, nil)
	manager := booking.NewManager(f.Store, dispatcher, resolver, f.Clock, nil, booking.WithRetryWait(0))
	manager.SetWaitlist(promoter)
	manager.SetSlotSignals(promoter)
	return &harness{f: f, timers: sched, promoter: promoter, manager: manager}
}

func (h *harness) join(t *testing.T, customer string) domain.WaitlistEntry {
	t.Helper()
	e, err := h.promoter.Join(context.Background(), JoinRequest{
		TenantID: testutil.TenantID, ServiceID: h.f.Individual.ID, CustomerID: customer, Date: monday,
	})
	require.NoError(t, err)
	return e
}

func (h *harness) entry(t *testing.T, id string) domain.WaitlistEntry {
	t.Helper()
	e, err := h.f.Store.GetWaitlistEntry(context.Background(), testutil.TenantID, id)
	require.NoError(t, err)
	return e
}

func (h *harness) bookAndCancel(t *testing.T, hh int) domain.Appointment {
	t.Helper()
	ctx := context.Background()
	start := testutil.At(testutil.Monday, hh, 0)
	appt, err := h.manager.Reserve(ctx, booking.ReserveRequest{
		TenantID: testutil.TenantID, ServiceID: h.f.Individual.ID, StaffID: "staff-1",
		CustomerID: "cust-1", Window: domain.Window{Start: start, End: start.Add(30 * time.Minute)},
	}, testutil.Policy())
	require.NoError(t, err)
	_, err = h.manager.Cancel(ctx, booking.CancelRequest{TenantID: testutil.TenantID, AppointmentID: appt.ID}, testutil.Policy())
	require.NoError(t, err)
	return appt
}

func TestJoin_AssignsPositionsAndDedupesCustomer(t *testing.T) {
	h := newHarness(t)
	a := h.join(t, "cust-2")
	b := h.join(t, "cust-3")
	again := h.join(t, "cust-2")

	assert.Equal(t, 1, a.Position)
	assert.Equal(t, 2, b.Position)
	assert.Equal(t, a.ID, again.ID)

	_, err := h.promoter.Join(context.Background(), JoinRequest{TenantID: testutil.TenantID, ServiceID: h.f.Individual.ID, CustomerID: "cust-2", Date: "02/03/2026"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = h.promoter.Join(context.Background(), JoinRequest{TenantID: testutil.TenantID, ServiceID: "nope", CustomerID: "cust-2", Date: monday})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPromotion_ExpiresAndMovesToNextPosition(t *testing.T) {
	h := newHarness(t)
	first := h.join(t, "cust-2")
	second := h.join(t, "cust-3")

	h.bookAndCancel(t, 10)

	first = h.entry(t, first.ID)
	require.Equal(t, domain.WaitlistNotified, first.State())
	require.NotNil(t, first.Offer)
	assert.True(t, first.Offer.Start.Equal(testutil.At(testutil.Monday, 10, 0)))
	assert.True(t, h.timers.Pending(TimerKey(testutil.TenantID, first.ID)))
	assert.Equal(t, domain.WaitlistWaiting, h.entry(t, second.ID).State())

	_, err := h.f.Store.GetDeliveryByKey(context.Background(), "whatsapp_waitlist_"+first.ID)
	require.NoError(t, err)

	// a second freed slot does not notify anyone else while the offer is open
	h.bookAndCancel(t, 11)
	assert.Equal(t, domain.WaitlistWaiting, h.entry(t, second.ID).State())

	h.f.Clock.Advance(15 * time.Minute)

	assert.Equal(t, domain.WaitlistExpired, h.entry(t, first.ID).State())
	second = h.entry(t, second.ID)
	assert.Equal(t, domain.WaitlistNotified, second.State())
	assert.True(t, h.timers.Pending(TimerKey(testutil.TenantID, second.ID)))
	assert.Contains(t, h.f.Store.OutboxTypes(), events.TopicWaitlistExpired)
}

func TestPromotion_BookingClaimsEntryAndCancelsTimer(t *testing.T) {
	h := newHarness(t)
	e := h.join(t, "cust-2")
	h.bookAndCancel(t, 10)

	start := testutil.At(testutil.Monday, 10, 0)
	appt, err := h.manager.Reserve(context.Background(), booking.ReserveRequest{
		TenantID: testutil.TenantID, ServiceID: h.f.Individual.ID, StaffID: "staff-1", CustomerID: "cust-2",
		Window: domain.Window{Start: start, End: start.Add(30 * time.Minute)}, WaitlistEntryID: e.ID,
	}, testutil.Policy())
	require.NoError(t, err)

	e = h.entry(t, e.ID)
	assert.Equal(t, domain.WaitlistPromoted, e.State())
	assert.Equal(t, appt.ID, e.AppointmentID)
	assert.Nil(t, e.ExpiredAt)
	assert.False(t, h.timers.Pending(TimerKey(testutil.TenantID, e.ID)))

	h.f.Clock.Advance(time.Hour)
	assert.Equal(t, domain.WaitlistPromoted, h.entry(t, e.ID).State())
}

func TestPromotion_ClaimAfterExpiryFails(t *testing.T) {
	h := newHarness(t)
	e := h.join(t, "cust-2")
	h.bookAndCancel(t, 10)
	h.f.Clock.Advance(20 * time.Minute)

	start := testutil.At(testutil.Monday, 10, 0)
	_, err := h.manager.Reserve(context.Background(), booking.ReserveRequest{
		TenantID: testutil.TenantID, ServiceID: h.f.Individual.ID, StaffID: "staff-1", CustomerID: "cust-2",
		Window: domain.Window{Start: start, End: start.Add(30 * time.Minute)}, WaitlistEntryID: e.ID,
	}, testutil.Policy())
	assert.ErrorIs(t, err, domain.ErrPromotionExpired)

	// the rejected reservation rolled back
	_, err = h.manager.Reserve(context.Background(), booking.ReserveRequest{
		TenantID: testutil.TenantID, ServiceID: h.f.Individual.ID, StaffID: "staff-1", CustomerID: "cust-4",
		Window: domain.Window{Start: start, End: start.Add(30 * time.Minute)},
	}, testutil.Policy())
	assert.NoError(t, err)
}

func TestExpire_ManualPassesOfferOn(t *testing.T) {
	h := newHarness(t)
	first := h.join(t, "cust-2")
	second := h.join(t, "cust-3")
	h.bookAndCancel(t, 10)

	out, err := h.promoter.Expire(context.Background(), testutil.TenantID, first.ID, testutil.Policy())
	require.NoError(t, err)
	assert.Equal(t, domain.WaitlistExpired, out.State())
	assert.False(t, h.timers.Pending(TimerKey(testutil.TenantID, first.ID)))
	assert.Equal(t, domain.WaitlistNotified, h.entry(t, second.ID).State())

	again, err := h.promoter.Expire(context.Background(), testutil.TenantID, first.ID, testutil.Policy())
	require.NoError(t, err)
	assert.Equal(t, *out.ExpiredAt, *again.ExpiredAt)
}

func TestSweep_ExpiresLapsedOffersWithoutTimers(t *testing.T) {
	h := newHarness(t)
	first := h.join(t, "cust-2")
	second := h.join(t, "cust-3")
	h.bookAndCancel(t, 10)

	// simulate a restart: timers are lost, time moves on
	require.NoError(t, h.timers.Cancel(context.Background(), TimerKey(testutil.TenantID, first.ID)))
	h.f.Clock.Set(h.f.Clock.Now().Add(time.Hour))

	n, err := h.promoter.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.WaitlistExpired, h.entry(t, first.ID).State())
	assert.Equal(t, domain.WaitlistNotified, h.entry(t, second.ID).State())
}

func TestOnAvailabilityOpened_NotifiesWaitingCohorts(t *testing.T) {
	h := newHarness(t)
	e := h.join(t, "cust-2")

	err := h.promoter.OnAvailabilityOpened(context.Background(), events.AvailabilityOpened{
		TenantID: testutil.TenantID,
		Start:    testutil.At(testutil.Monday, 0, 0),
		End:      testutil.At(testutil.Monday, 23, 0),
	}, testutil.Policy())
	require.NoError(t, err)
	got := h.entry(t, e.ID)
	assert.Equal(t, domain.WaitlistNotified, got.State())
	assert.Nil(t, got.Offer)
}

func TestPromotion_SkipsWhenNothingIsFree(t *testing.T) {
	h := newHarness(t)
	e := h.join(t, "cust-2")
	closed := domain.DayHours{}
	h.f.UpdateTenant(func(tn *domain.Tenant) { tn.BusinessHours[time.Monday] = closed })

	err := h.promoter.OnSlotFreed(context.Background(), domain.FreedSlot{
		TenantID: testutil.TenantID, ServiceID: h.f.Individual.ID, StaffID: "staff-1",
		Start: testutil.At(testutil.Monday, 10, 0), End: testutil.At(testutil.Monday, 10, 30),
	}, testutil.Policy())
	require.NoError(t, err)
	assert.Equal(t, domain.WaitlistWaiting, h.entry(t, e.ID).State())
}
