package booking

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/appointly/appointly/services/scheduling-service/internal/availability"
	"github.com/appointly/appointly/services/scheduling-service/internal/delivery"
	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/events"
	"github.com/appointly/appointly/services/scheduling-service/internal/storage"
	"github.com/appointly/appointly/services/scheduling-service/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedSignals struct {
	mu    sync.Mutex
	freed []domain.FreedSlot
}

func (r *recordedSignals) SlotFreed(_ context.Context, f domain.FreedSlot) {
	r.mu.Lock()
	r.freed = append(r.freed, f)
	r.mu.Unlock()
}

func newManager(t *testing.T) (*Manager, *testutil.Fixture, *recordedSignals) {
	t.Helper()
	f := testutil.New(t)
	signals := &recordedSignals{}
	m := NewManager(f.Store, delivery.NewDispatcher(f.Store, f.Clock, nil), availability.NewResolver(f.Store, f.Clock), f.Clock, nil,
		WithSlotSignals(signals), WithRetryWait(0))
	return m, f, signals
}

func window(hh, mm int, d time.Duration) domain.Window {
	start := testutil.At(testutil.Monday, hh, mm)
	return domain.Window{Start: start, End: start.Add(d)}
}

func reserve(m *Manager, f *testutil.Fixture, staffID, customerID string, w domain.Window, p domain.Policy) (domain.Appointment, error) {
	return m.Reserve(context.Background(), ReserveRequest{
		TenantID:   testutil.TenantID,
		ServiceID:  f.Individual.ID,
		StaffID:    staffID,
		CustomerID: customerID,
		Window:     w,
	}, p)
}

func TestReserve_RejectsOverlapAndAcceptsNextWindow(t *testing.T) {
	m, f, _ := newManager(t)
	p := testutil.Policy()
	p.AutoConfirm = true

	_, err := reserve(m, f, "staff-1", "cust-1", window(10, 0, 30*time.Minute), p)
	require.NoError(t, err)

	_, err = reserve(m, f, "staff-1", "cust-2", window(10, 0, 30*time.Minute), p)
	assert.ErrorIs(t, err, domain.ErrSlotUnavailable)

	appt, err := reserve(m, f, "staff-1", "cust-2", window(10, 30, 30*time.Minute), p)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, appt.Status)
	assert.Equal(t, "50", appt.Price.String())

	cust, err := f.Store.GetCustomer(context.Background(), testutil.TenantID, "cust-2")
	require.NoError(t, err)
	assert.Equal(t, 1, cust.TotalAppointments)
}

func TestReserve_PendingWithoutAutoConfirmAndNotifies(t *testing.T) {
	m, f, _ := newManager(t)
	f.Store.PutWebhookConfig(domain.WebhookConfig{ID: "wh-1", TenantID: testutil.TenantID, URL: "https://hooks.example/a", Secret: "s", Events: []string{domain.WebhookAppointmentCreated}, Active: true})

	appt, err := reserve(m, f, "staff-1", "cust-1", window(9, 0, 30*time.Minute), testutil.Policy())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, appt.Status)
	assert.Nil(t, appt.ConfirmedAt)

	keys := map[string]bool{}
	for _, d := range f.Store.Deliveries() {
		keys[d.IdempotencyKey] = true
	}
	assert.True(t, keys["whatsapp_booked_"+appt.ID])
	assert.True(t, keys[delivery.WebhookKey("wh-1", domain.WebhookAppointmentCreated, appt.ID)])
	assert.Contains(t, f.Store.OutboxTypes(), events.TopicAppointmentBooked)

	confirmed, err := m.Transition(context.Background(), TransitionRequest{TenantID: testutil.TenantID, AppointmentID: appt.ID, To: domain.StatusConfirmed}, testutil.Policy())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, confirmed.Status)
	_, err = f.Store.GetDeliveryByKey(context.Background(), "whatsapp_confirm_"+appt.ID)
	assert.NoError(t, err)
}

func TestReserve_GroupCapacityByExactStart(t *testing.T) {
	m, f, _ := newManager(t)
	f.Group.MaxCapacity = 2
	f.Store.PutService(f.Group)
	p := testutil.Policy()

	book := func(customer string) error {
		_, err := m.Reserve(context.Background(), ReserveRequest{
			TenantID: testutil.TenantID, ServiceID: f.Group.ID, StaffID: "staff-1",
			CustomerID: customer, Window: window(10, 0, time.Hour),
		}, p)
		return err
	}
	require.NoError(t, book("cust-1"))
	require.NoError(t, book("cust-2"))
	assert.ErrorIs(t, book("cust-3"), domain.ErrCapacityExceeded)

	slots, err := m.resolver.Resolve(context.Background(), availability.Query{TenantID: testutil.TenantID, ServiceID: f.Group.ID, Date: testutil.Monday}, p)
	require.NoError(t, err)
	for _, s := range slots {
		assert.False(t, s.Start.Equal(testutil.At(testutil.Monday, 10, 0)), "full session still offered")
	}
}

func TestReserve_TenantConcurrencyCap(t *testing.T) {
	m, f, _ := newManager(t)
	f.UpdateTenant(func(tn *domain.Tenant) { tn.MaxConcurrentBookings = 1 })
	p := testutil.Policy()

	_, err := m.Reserve(context.Background(), ReserveRequest{
		TenantID: testutil.TenantID, ServiceID: f.Group.ID, StaffID: "staff-1",
		CustomerID: "cust-1", Window: window(10, 0, time.Hour),
	}, p)
	require.NoError(t, err)

	// staff-2 would be a second busy staff member during the class
	_, err = reserve(m, f, "staff-2", "cust-2", window(10, 30, 30*time.Minute), p)
	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)

	// joining the class keeps one staff member busy
	_, err = m.Reserve(context.Background(), ReserveRequest{
		TenantID: testutil.TenantID, ServiceID: f.Group.ID, StaffID: "staff-1",
		CustomerID: "cust-3", Window: window(10, 0, time.Hour),
	}, p)
	require.NoError(t, err)

	// outside the class window the cap has room
	_, err = reserve(m, f, "staff-2", "cust-2", window(11, 0, 30*time.Minute), p)
	require.NoError(t, err)

	f.UpdateTenant(func(tn *domain.Tenant) { tn.MaxConcurrentBookings = 0 })
	_, err = reserve(m, f, "staff-2", "cust-4", window(10, 0, 30*time.Minute), p)
	require.NoError(t, err)
}

func TestReserve_ConcurrentRequestsForSameWindow(t *testing.T) {
	m, f, _ := newManager(t)
	p := testutil.Policy()

	var wg sync.WaitGroup
	results := make(chan error, 6)
	for i := 1; i <= 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := reserve(m, f, "staff-1", fmt.Sprintf("cust-%d", i), window(11, 0, 30*time.Minute), p)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrSlotUnavailable)
	}
	assert.Equal(t, 1, ok)

	active, err := f.Store.ListAppointments(context.Background(), testutil.TenantID, storage.AppointmentFilter{StaffID: "staff-1", ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestReserve_IdempotencyKeyReplays(t *testing.T) {
	m, f, _ := newManager(t)
	req := ReserveRequest{
		TenantID: testutil.TenantID, ServiceID: f.Individual.ID, StaffID: "staff-1",
		CustomerID: "cust-1", Window: window(9, 30, 30*time.Minute), IdempotencyKey: "req-123",
	}
	first, err := m.Reserve(context.Background(), req, testutil.Policy())
	require.NoError(t, err)
	second, err := m.Reserve(context.Background(), req, testutil.Policy())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	cust, err := f.Store.GetCustomer(context.Background(), testutil.TenantID, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, 1, cust.TotalAppointments)
	assert.Len(t, f.Store.Deliveries(), 1)
}

func TestReserve_FailuresLeaveNoTrace(t *testing.T) {
	m, f, _ := newManager(t)

	_, err := reserve(m, f, "staff-1", "cust-1", window(12, 0, 30*time.Minute), testutil.Policy())
	assert.ErrorIs(t, err, domain.ErrOutOfPolicyWindow)

	_, err = reserve(m, f, "staff-1", "cust-1", window(9, 0, 45*time.Minute), testutil.Policy())
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = reserve(m, f, "staff-1", "nobody", window(9, 0, 30*time.Minute), testutil.Policy())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	f.UpdateTenant(func(tn *domain.Tenant) { tn.Status = domain.TenantSuspended })
	_, err = reserve(m, f, "staff-1", "cust-1", window(9, 0, 30*time.Minute), testutil.Policy())
	assert.ErrorIs(t, err, domain.ErrTenantSuspended)

	assert.Empty(t, f.Store.Deliveries())
	assert.Empty(t, f.Store.Outbox())
}

func TestCancel_IdempotentAndFreesSlot(t *testing.T) {
	m, f, signals := newManager(t)
	p := testutil.Policy()
	appt, err := reserve(m, f, "staff-1", "cust-1", window(10, 0, 30*time.Minute), p)
	require.NoError(t, err)

	cancelled, err := m.Cancel(context.Background(), CancelRequest{TenantID: testutil.TenantID, AppointmentID: appt.ID, Reason: "customer request"}, p)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)
	assert.Equal(t, "customer request", cancelled.CancelReason)
	require.NotNil(t, cancelled.CancelledAt)

	again, err := m.Cancel(context.Background(), CancelRequest{TenantID: testutil.TenantID, AppointmentID: appt.ID, Reason: "twice"}, p)
	require.NoError(t, err)
	assert.Equal(t, "customer request", again.CancelReason)

	require.Len(t, signals.freed, 1)
	assert.Equal(t, appt.ID, signals.freed[0].AppointmentID)
	assert.Equal(t, 1, count(f.Store.OutboxTypes(), events.TopicSlotFreed))

	// freed window is bookable again
	_, err = reserve(m, f, "staff-1", "cust-2", window(10, 0, 30*time.Minute), p)
	assert.NoError(t, err)

	_, err = m.Cancel(context.Background(), CancelRequest{TenantID: testutil.TenantID, AppointmentID: "missing"}, p)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancel_PaidAppointmentRequestsRefund(t *testing.T) {
	m, f, _ := newManager(t)
	appt, err := reserve(m, f, "staff-1", "cust-1", window(10, 0, 30*time.Minute), testutil.Policy())
	require.NoError(t, err)

	f.Store.PutPaymentIntent(domain.PaymentIntent{ID: "pi-1", TenantID: testutil.TenantID, AppointmentID: appt.ID, ProviderRef: "pi_123", Amount: decimal.NewFromInt(50), Currency: "BRL", Status: domain.PaymentSucceeded})
	appt.PaymentIntentID = "pi-1"
	require.NoError(t, f.Store.WithinTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.UpdateAppointment(ctx, appt)
	}))

	_, err = m.Cancel(context.Background(), CancelRequest{TenantID: testutil.TenantID, AppointmentID: appt.ID}, testutil.Policy())
	require.NoError(t, err)
	assert.Contains(t, f.Store.OutboxTypes(), events.TopicPaymentRefundRequested)
}

func TestTransition_LifecycleAndCounters(t *testing.T) {
	m, f, signals := newManager(t)
	p := testutil.Policy()
	p.AutoConfirm = true
	ctx := context.Background()

	a1, err := reserve(m, f, "staff-1", "cust-1", window(9, 0, 30*time.Minute), p)
	require.NoError(t, err)
	a2, err := reserve(m, f, "staff-1", "cust-1", window(9, 30, 30*time.Minute), p)
	require.NoError(t, err)

	to := func(id string, s domain.AppointmentStatus) (domain.Appointment, error) {
		return m.Transition(ctx, TransitionRequest{TenantID: testutil.TenantID, AppointmentID: id, To: s}, p)
	}

	_, err = to(a1.ID, domain.StatusInProgress)
	require.NoError(t, err)
	done, err := to(a1.ID, domain.StatusCompleted)
	require.NoError(t, err)
	assert.NotNil(t, done.CompletedAt)

	_, err = to(a1.ID, domain.StatusConfirmed)
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
	_, err = to(a1.ID, domain.StatusPending)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = to(a2.ID, domain.StatusNoShow)
	require.NoError(t, err)
	require.Len(t, signals.freed, 1)
	assert.Equal(t, a2.ID, signals.freed[0].AppointmentID)

	cust, err := f.Store.GetCustomer(ctx, testutil.TenantID, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, 2, cust.TotalAppointments)
	assert.Equal(t, 1, cust.TotalNoShows)
	assert.Equal(t, "50", cust.TotalSpent.String())

	// cancelling a terminal appointment is a no-op
	again, err := to(a2.ID, domain.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNoShow, again.Status)
}

func TestBook_PicksAnotherStaffWhenFirstIsTaken(t *testing.T) {
	m, f, _ := newManager(t)
	p := testutil.Policy()

	_, err := reserve(m, f, "staff-1", "cust-1", window(10, 0, 30*time.Minute), p)
	require.NoError(t, err)

	appt, err := m.Book(context.Background(), BookRequest{
		TenantID: testutil.TenantID, ServiceID: f.Individual.ID, CustomerID: "cust-2",
		Start: testutil.At(testutil.Monday, 10, 0),
	}, p)
	require.NoError(t, err)
	assert.Equal(t, "staff-2", appt.StaffID)

	_, err = m.Book(context.Background(), BookRequest{
		TenantID: testutil.TenantID, ServiceID: f.Individual.ID, StaffID: "staff-1", CustomerID: "cust-3",
		Start: testutil.At(testutil.Monday, 10, 0),
	}, p)
	assert.ErrorIs(t, err, domain.ErrSlotUnavailable)
}

func TestBook_RetriesAfterLostRace(t *testing.T) {
	m, f, _ := newManager(t)
	p := testutil.Policy()
	start := testutil.At(testutil.Monday, 11, 0)

	var once sync.Once
	competing := &raceHook{before: func() {
		once.Do(func() {
			_, err := reserve(m, f, "staff-1", "cust-5", domain.Window{Start: start, End: start.Add(30 * time.Minute)}, p)
			require.NoError(t, err)
		})
	}}
	m.resolver = availability.NewResolver(competing.wrap(f.Store), f.Clock)

	appt, err := m.Book(context.Background(), BookRequest{
		TenantID: testutil.TenantID, ServiceID: f.Individual.ID, CustomerID: "cust-1", Start: start,
	}, p)
	require.NoError(t, err)
	assert.Equal(t, "staff-2", appt.StaffID)
}

type raceHook struct {
	before func()
}

func (h *raceHook) wrap(r storage.Reader) storage.Reader {
	return &racingReader{Reader: r, hook: h}
}

// racingReader runs the hook after availability was computed, so the
// resolver's answer is already stale when Reserve sees it.
type racingReader struct {
	storage.Reader
	hook *raceHook
}

func (r *racingReader) ListAppointments(ctx context.Context, tenantID string, f storage.AppointmentFilter) ([]domain.Appointment, error) {
	out, err := r.Reader.ListAppointments(ctx, tenantID, f)
	// staff-2 is the last plan the resolver loads
	if f.StaffID == "staff-2" {
		r.hook.before()
	}
	return out, err
}

func count(list []string, v string) int {
	n := 0
	for _, s := range list {
		if s == v {
			n++
		}
	}
	return n
}
