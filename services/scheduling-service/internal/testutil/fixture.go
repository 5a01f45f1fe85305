// Package testutil seeds an in-memory store with a small tenant used across
// package tests.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/appointly/appointly/libs/clock"
	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/storage/memstore"
	"github.com/shopspring/decimal"
)

// Monday is the reference booking day; the fake clock starts the day before.
var Monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

const TenantID = "tenant-1"

type Fixture struct {
	Store      *memstore.Store
	Clock      *clock.Fake
	Tenant     domain.Tenant
	Individual domain.Service
	Group      domain.Service
	Recurring  domain.Service
	Staff1     domain.StaffMember
	Staff2     domain.StaffMember
	Customers  []domain.Customer
}

// At returns hh:mm on day in UTC.
func At(day time.Time, hh, mm int) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func New(t testing.TB) *Fixture {
	t.Helper()

	hours := domain.WeeklyHours{}
	for wd := time.Monday; wd <= time.Saturday; wd++ {
		hours[wd] = domain.DayHours{Enabled: true, StartMinute: 9 * 60, EndMinute: 12 * 60}
	}

	f := &Fixture{
		Store: memstore.New(),
		Clock: clock.NewFake(At(Monday.AddDate(0, 0, -1), 8, 0)),
		Tenant: domain.Tenant{
			ID:            TenantID,
			Name:          "Studio Norte",
			Timezone:      "UTC",
			Status:        domain.TenantActive,
			BusinessHours: hours,
		},
		Individual: domain.Service{
			ID: "svc-consult", TenantID: TenantID, Name: "Consultation",
			Type: domain.ServiceIndividual, Duration: 30 * time.Minute,
			Price: decimal.NewFromInt(50), Currency: "BRL", Active: true,
		},
		Group: domain.Service{
			ID: "svc-yoga", TenantID: TenantID, Name: "Yoga class",
			Type: domain.ServiceGroup, Duration: 60 * time.Minute, MaxCapacity: 3,
			Price: decimal.NewFromInt(20), Currency: "BRL", Active: true,
			StaffIDs: []string{"staff-1"},
		},
		Recurring: domain.Service{
			ID: "svc-tutor", TenantID: TenantID, Name: "Weekly tutoring",
			Type: domain.ServiceRecurring, Duration: 60 * time.Minute,
			Price: decimal.NewFromInt(80), Currency: "BRL", Active: true,
		},
		Staff1: domain.StaffMember{ID: "staff-1", TenantID: TenantID, Name: "Ana", Active: true},
		Staff2: domain.StaffMember{ID: "staff-2", TenantID: TenantID, Name: "Bruno", Active: true},
	}

	f.Store.PutTenant(f.Tenant)
	f.Store.PutService(f.Individual)
	f.Store.PutService(f.Group)
	f.Store.PutService(f.Recurring)
	f.Store.PutStaff(f.Staff1)
	f.Store.PutStaff(f.Staff2)
	for i := 1; i <= 6; i++ {
		c := domain.Customer{
			ID:               fmt.Sprintf("cust-%d", i),
			TenantID:         TenantID,
			Name:             fmt.Sprintf("Customer %d", i),
			Phone:            fmt.Sprintf("+55119000000%02d", i),
			Email:            fmt.Sprintf("customer%d@example.com", i),
			PreferredChannel: domain.ChannelWhatsApp,
		}
		f.Customers = append(f.Customers, c)
		f.Store.PutCustomer(c)
	}
	return f
}

// UpdateTenant applies fn to the tenant and stores the result.
func (f *Fixture) UpdateTenant(fn func(*domain.Tenant)) {
	fn(&f.Tenant)
	f.Store.PutTenant(f.Tenant)
}

// Policy is a deterministic policy for tests: no buffer, no advance limit.
func Policy() domain.Policy {
	p := domain.DefaultPolicy()
	p.DeliveryBaseBackoff = time.Minute
	p.DeliveryMaxBackoff = 10 * time.Minute
	p.DeliveryMaxAttempts = 3
	p.PromotionTTL = 15 * time.Minute
	return p
}
