// Package blocks manages blocked slots: staff time off and tenant closures.
package blocks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/events"
	"github.com/appointly/appointly/services/scheduling-service/internal/storage"
)

type Service struct {
	store  storage.Store
	logger *slog.Logger
}

func NewService(store storage.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

type AddRequest struct {
	TenantID string
	// StaffID is empty to close the whole tenant.
	StaffID string
	Start   time.Time
	End     time.Time
	// AllDay blocks whole local days from the start date through the end date.
	AllDay                  bool
	Reason                  string
	ExternalCalendarEventID string
}

// Add stores a blocked slot. Existing appointments inside it are kept;
// the block only removes future availability.
func (s *Service) Add(ctx context.Context, req AddRequest) (domain.BlockedSlot, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return domain.BlockedSlot{}, domain.Errorf(domain.KindInvalidArgument, "tenant_id is required")
	}
	if req.Start.IsZero() || req.End.IsZero() {
		return domain.BlockedSlot{}, domain.Errorf(domain.KindInvalidArgument, "start and end are required")
	}
	if req.End.Before(req.Start) || (!req.AllDay && !req.End.After(req.Start)) {
		return domain.BlockedSlot{}, domain.Errorf(domain.KindInvalidArgument, "end must be after start")
	}

	b := domain.BlockedSlot{
		TenantID:                req.TenantID,
		StaffID:                 req.StaffID,
		Start:                   req.Start.UTC(),
		End:                     req.End.UTC(),
		AllDay:                  req.AllDay,
		Reason:                  req.Reason,
		ExternalCalendarEventID: req.ExternalCalendarEventID,
	}
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.GetTenant(ctx, req.TenantID); err != nil {
			return notFound(err, "tenant")
		}
		if req.StaffID != "" {
			if _, err := tx.GetStaff(ctx, req.TenantID, req.StaffID); err != nil {
				return notFound(err, "staff member")
			}
		}
		return tx.InsertBlockedSlot(ctx, &b)
	})
	if err != nil {
		return domain.BlockedSlot{}, err
	}
	s.logger.Info("blocked slot added", "tenant_id", b.TenantID, "blocked_slot_id", b.ID, "staff_id", b.StaffID, "all_day", b.AllDay)
	return b, nil
}

// Remove deletes a blocked slot and announces the reopened window so waiting
// cohorts on those dates get a chance at it.
func (s *Service) Remove(ctx context.Context, tenantID, blockedSlotID string) (domain.BlockedSlot, error) {
	var removed domain.BlockedSlot
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		tenant, err := tx.GetTenant(ctx, tenantID)
		if err != nil {
			return notFound(err, "tenant")
		}
		removed, err = tx.DeleteBlockedSlot(ctx, tenantID, blockedSlotID)
		if err != nil {
			return notFound(err, "blocked slot")
		}
		w := removed.Window(tenant.Location()).UTC()
		evt, err := events.AvailabilityOpenedEvent(events.AvailabilityOpened{
			TenantID: tenantID,
			StaffID:  removed.StaffID,
			Start:    w.Start,
			End:      w.End,
		})
		if err != nil {
			return err
		}
		return tx.AppendOutbox(ctx, evt)
	})
	if err != nil {
		return domain.BlockedSlot{}, err
	}
	s.logger.Info("blocked slot removed", "tenant_id", tenantID, "blocked_slot_id", blockedSlotID)
	return removed, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Errorf(domain.KindNotFound, "%s not found", what)
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", what, err)
	}
	return nil
}
