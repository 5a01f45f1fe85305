package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/appointly/appointly/libs/db"
	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/outbox"
	"github.com/appointly/appointly/services/scheduling-service/internal/storage"
	"github.com/appointly/appointly/services/scheduling-service/migrations"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapErr(t *testing.T) {
	assert.NoError(t, mapErr(nil))
	assert.ErrorIs(t, mapErr(pgx.ErrNoRows), storage.ErrNotFound)
	assert.ErrorIs(t, mapErr(&pgconn.PgError{Code: "23505"}), storage.ErrConflict)

	other := errors.New("boom")
	assert.Equal(t, other, mapErr(other))
}

// openTestStore connects to APPOINTLY_TEST_DATABASE_URL and migrates it.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("APPOINTLY_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("APPOINTLY_TEST_DATABASE_URL not set")
	}
	require.NoError(t, migrations.Up(url))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := db.Open(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return New(pool)
}

func seedTenant(t *testing.T, s *Store) string {
	t.Helper()
	tenantID := "t-" + uuid.NewString()[:8]
	hours := domain.WeeklyHours{time.Monday: {Enabled: true, StartMinute: 9 * 60, EndMinute: 17 * 60}}
	require.NoError(t, s.ApplyCatalog(context.Background(), Catalog{
		Tenants: []domain.Tenant{{
			ID: tenantID, Name: "Test", Timezone: "America/Sao_Paulo", Status: domain.TenantActive,
			BusinessHours: hours, ParentOrganizationID: "org-1",
		}},
		Services: []domain.Service{{
			TenantID: tenantID, ID: "svc", Name: "Cut", Type: domain.ServiceIndividual,
			Duration: 30 * time.Minute, Price: decimal.RequireFromString("45.50"), Active: true,
		}},
		Staff: []domain.StaffMember{
			{TenantID: tenantID, ID: "st", Name: "Ana", Active: true},
			{TenantID: tenantID, ID: "own", Name: "Caio", Role: domain.RoleOwner, Active: true},
		},
		Customers: []domain.Customer{{TenantID: tenantID, ID: "cu", Name: "Bia", Phone: "+5511"}},
	}))
	return tenantID
}

func TestStoreRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tenantID := seedTenant(t, s)

	tenant, err := s.GetTenant(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, 17*60, tenant.BusinessHours[time.Monday].EndMinute)
	assert.Equal(t, "org-1", tenant.ParentOrganizationID)

	staff, err := s.ListStaff(ctx, tenantID)
	require.NoError(t, err)
	require.Len(t, staff, 2)
	assert.Equal(t, domain.RoleOwner, staff[0].Role)
	assert.Equal(t, domain.RoleStaff, staff[1].Role)

	svc, err := s.GetService(ctx, tenantID, "svc")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, svc.Duration)
	assert.True(t, svc.Price.Equal(decimal.RequireFromString("45.50")))

	start := time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC)
	var appt domain.Appointment
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		require.NoError(t, tx.Lock(ctx, storage.StaffLockKey(tenantID, "st")))
		existing, err := tx.ClaimIdempotencyKey(ctx, tenantID, "k1")
		require.NoError(t, err)
		require.Empty(t, existing)
		appt = domain.Appointment{
			TenantID: tenantID, ServiceID: "svc", StaffID: "st", CustomerID: "cu",
			Start: start, End: start.Add(30 * time.Minute), Status: domain.StatusPending, Price: svc.Price,
		}
		require.NoError(t, tx.InsertAppointment(ctx, &appt))
		require.NoError(t, tx.BindIdempotencyKey(ctx, tenantID, "k1", appt.ID))
		require.NoError(t, tx.AdjustCustomer(ctx, tenantID, "cu", domain.CounterDelta{Appointments: 1}))
		evt, err := outbox.NewEvent("appointment", appt.ID, "appointment.booked.v1", map[string]string{"id": appt.ID})
		require.NoError(t, err)
		return tx.AppendOutbox(ctx, evt)
	}))

	list, err := s.ListAppointments(ctx, tenantID, storage.AppointmentFilter{StaffID: "st", From: start, To: start.Add(time.Hour), ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, appt.ID, list[0].ID)
	assert.Nil(t, list[0].NoShowRiskScore)

	score := 0.35
	appt.NoShowRiskScore = &score
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.UpdateAppointment(ctx, appt)
	}))
	scored, err := s.GetAppointment(ctx, tenantID, appt.ID)
	require.NoError(t, err)
	require.NotNil(t, scored.NoShowRiskScore)
	assert.InDelta(t, 0.35, *scored.NoShowRiskScore, 1e-9)

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		existing, err := tx.ClaimIdempotencyKey(ctx, tenantID, "k1")
		require.NoError(t, err)
		assert.Equal(t, appt.ID, existing)
		return nil
	}))

	cust, err := s.GetCustomer(ctx, tenantID, "cu")
	require.NoError(t, err)
	assert.Equal(t, 1, cust.TotalAppointments)

	var published int
	_, err = s.PublishBatch(ctx, 1000, func(ctx context.Context, records []outbox.Record) error {
		published = len(records)
		return nil
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, published, 1)
}

func TestDeliveryInsertIsIdempotentAndClaimable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tenantID := seedTenant(t, s)
	key := "whatsapp_confirm_" + uuid.NewString()
	now := time.Now().UTC()

	for i := 0; i < 2; i++ {
		require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			created, err := tx.InsertDelivery(ctx, &domain.DeliveryAttempt{
				TenantID: tenantID, IdempotencyKey: key, Kind: domain.KindNotification, Channel: domain.ChannelWhatsApp,
				Recipient: "+5511", Payload: []byte(`{"body":"hi"}`), Status: domain.DeliveryPending,
				MaxAttempts: 3, NextAttemptAt: now,
			})
			require.NoError(t, err)
			assert.Equal(t, i == 0, created)
			return nil
		}))
	}

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		due, err := tx.ClaimDueDeliveries(ctx, now.Add(time.Second), now.Add(time.Minute), 1000)
		require.NoError(t, err)
		var found bool
		for _, d := range due {
			if d.IdempotencyKey == key {
				found = true
				assert.JSONEq(t, `{"body":"hi"}`, string(d.Payload))
			}
		}
		assert.True(t, found)
		return nil
	}))

	// The lease hides the claimed row from the next sweep.
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		due, err := tx.ClaimDueDeliveries(ctx, now.Add(time.Second), now.Add(time.Minute), 1000)
		require.NoError(t, err)
		for _, d := range due {
			assert.NotEqual(t, key, d.IdempotencyKey)
		}
		return nil
	}))
}

func TestSeriesEndDateKeepsTheCalendarDate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tenantID := seedTenant(t, s)

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	end := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	series := domain.Series{
		TenantID: tenantID, ServiceID: "svc", StaffID: "st", CustomerID: "cu",
		Rule: "FREQ=DAILY", FirstStart: time.Date(2026, 5, 8, 10, 0, 0, 0, ny), EndDate: &end, Active: true,
	}
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertSeries(ctx, &series)
	}))

	got, err := s.GetSeries(ctx, tenantID, series.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EndDate)
	assert.Equal(t, "2026-05-10", got.EndDate.Format(time.DateOnly))
}
