package domain

import "time"

type Series struct {
	ID         string
	TenantID   string
	ServiceID  string
	StaffID    string
	CustomerID string
	// Rule is an RRULE body such as "FREQ=WEEKLY;BYDAY=SA;COUNT=12".
	Rule       string
	FirstStart time.Time
	// EndDate is a calendar date; only its year, month and day are meaningful.
	EndDate        *time.Time
	MaxOccurrences int
	Active         bool
	// Materialized counts occurrences already turned into appointments.
	Materialized  int
	DeactivatedAt *time.Time
	CreatedAt     time.Time
}
