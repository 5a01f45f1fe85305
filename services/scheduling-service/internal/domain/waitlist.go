package domain

import "time"

type WaitlistState string

const (
	WaitlistWaiting  WaitlistState = "WAITING"
	WaitlistNotified WaitlistState = "NOTIFIED"
	WaitlistPromoted WaitlistState = "PROMOTED"
	WaitlistExpired  WaitlistState = "EXPIRED"
)

// WaitlistEntry queues a customer for a service on one local date. Entries
// sharing (tenant, service, date) form a cohort ordered by Position.
type WaitlistEntry struct {
	ID            string
	TenantID      string
	ServiceID     string
	CustomerID    string
	StaffID       string
	RequestedDate string
	Position      int
	NotifiedAt    *time.Time
	ExpiresAt     *time.Time
	PromotedAt    *time.Time
	ExpiredAt     *time.Time
	// Offer is the freed window the entry was notified about.
	Offer         *Window
	OfferStaffID  string
	AppointmentID string
	CreatedAt     time.Time
}

func (e WaitlistEntry) State() WaitlistState {
	switch {
	case e.PromotedAt != nil:
		return WaitlistPromoted
	case e.ExpiredAt != nil:
		return WaitlistExpired
	case e.NotifiedAt != nil:
		return WaitlistNotified
	default:
		return WaitlistWaiting
	}
}

// CohortKey identifies the ordering scope of an entry.
func CohortKey(tenantID, serviceID, date string) string {
	return "waitlist:" + tenantID + ":" + serviceID + ":" + date
}

func (e WaitlistEntry) CohortKey() string {
	return CohortKey(e.TenantID, e.ServiceID, e.RequestedDate)
}
