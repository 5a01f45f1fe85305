package domain

import (
	"sync"
	"time"
)

type TenantStatus string

const (
	TenantActive     TenantStatus = "ACTIVE"
	TenantSuspended  TenantStatus = "SUSPENDED"
	TenantOnboarding TenantStatus = "ONBOARDING"
)

var tenantTransitions = map[TenantStatus][]TenantStatus{
	TenantOnboarding: {TenantActive, TenantSuspended},
	TenantActive:     {TenantSuspended},
	TenantSuspended:  {TenantActive},
}

func (s TenantStatus) CanTransitionTo(next TenantStatus) bool {
	return allowed(tenantTransitions, s, next)
}

// Tenant is the business profile that owns every other record.
type Tenant struct {
	ID                   string
	Name                 string
	Timezone             string
	Status               TenantStatus
	BusinessHours        WeeklyHours
	DefaultBufferMinutes int
	// MaxConcurrentBookings caps how many staff members may be busy with
	// active appointments at the same moment. Zero means no cap.
	MaxConcurrentBookings int
	// ParentOrganizationID groups tenants of one franchise or chain.
	ParentOrganizationID string
	Overrides            PolicyOverrides
	CreatedAt            time.Time
}

// zones caches loaded locations by IANA name. Invalid names are cached as UTC.
var zones sync.Map

// Location resolves the tenant's IANA zone, falling back to UTC.
func (t Tenant) Location() *time.Location {
	return LoadZone(t.Timezone)
}

// LoadZone returns the cached location for name, loading it on first use.
func LoadZone(name string) *time.Location {
	if name == "" || name == "UTC" {
		return time.UTC
	}
	if loc, ok := zones.Load(name); ok {
		return loc.(*time.Location)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		loc = time.UTC
	}
	actual, _ := zones.LoadOrStore(name, loc)
	return actual.(*time.Location)
}

func (t Tenant) AcceptsBookings() bool {
	return t.Status != TenantSuspended
}

// StaffRole is the permission level of a staff member inside a tenant.
type StaffRole string

const (
	RoleOwner    StaffRole = "OWNER"
	RoleManager  StaffRole = "MANAGER"
	RoleStaff    StaffRole = "STAFF"
	RoleReadOnly StaffRole = "READONLY"
)

func (r StaffRole) Valid() bool {
	switch r {
	case RoleOwner, RoleManager, RoleStaff, RoleReadOnly:
		return true
	}
	return false
}

type StaffMember struct {
	ID       string
	TenantID string
	Name     string
	Email    string
	Role     StaffRole
	Active   bool
	// Schedule overrides business hours for the days it lists.
	Schedule WeeklyHours
}

// HoursFor applies the staff override for day, else the business default.
func (s StaffMember) HoursFor(day time.Weekday, business WeeklyHours) DayHours {
	if h, ok := s.Schedule[day]; ok {
		return h
	}
	return business[day]
}

type BlockedSlot struct {
	ID       string
	TenantID string
	// StaffID is empty for tenant-wide closures.
	StaffID                 string
	Start                   time.Time
	End                     time.Time
	AllDay                  bool
	Reason                  string
	ExternalCalendarEventID string
}

// Window returns the blocked interval. All-day blocks cover whole local days
// from the start date through the end date.
func (b BlockedSlot) Window(loc *time.Location) Window {
	if !b.AllDay {
		return Window{Start: b.Start, End: b.End}
	}
	start := StartOfDay(b.Start, loc)
	end := StartOfDay(b.End, loc)
	if end.Before(start) {
		end = start
	}
	y, m, d := end.Date()
	return Window{Start: start, End: time.Date(y, m, d+1, 0, 0, 0, 0, loc)}
}

func (b BlockedSlot) Applies(staffID string) bool {
	return b.StaffID == "" || b.StaffID == staffID
}
