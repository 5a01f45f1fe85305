package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ServiceType string

const (
	ServiceIndividual ServiceType = "INDIVIDUAL"
	ServiceGroup      ServiceType = "GROUP"
	ServiceRecurring  ServiceType = "RECURRING"
)

type Service struct {
	ID          string
	TenantID    string
	Name        string
	Type        ServiceType
	Duration    time.Duration
	Price       decimal.Decimal
	Currency    string
	MaxCapacity int
	// StaffIDs lists qualified staff; empty means every active staff member.
	StaffIDs []string
	Active   bool
}

// Capacity is the number of concurrent bookings one slot accepts.
func (s Service) Capacity() int {
	if s.Type != ServiceGroup {
		return 1
	}
	if s.MaxCapacity < 1 {
		return 1
	}
	return s.MaxCapacity
}

func (s Service) IsGroup() bool { return s.Type == ServiceGroup }

func (s Service) Qualifies(staffID string) bool {
	if len(s.StaffIDs) == 0 {
		return true
	}
	for _, id := range s.StaffIDs {
		if id == staffID {
			return true
		}
	}
	return false
}
