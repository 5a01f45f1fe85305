package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/jackc/pgx/v5"
)

// Catalog is the reference data a tenant is provisioned with. Booking
// records are never seeded.
type Catalog struct {
	Tenants   []domain.Tenant        `json:"tenants"`
	Services  []domain.Service       `json:"services"`
	Staff     []domain.StaffMember   `json:"staff"`
	Customers []domain.Customer      `json:"customers"`
	Webhooks  []domain.WebhookConfig `json:"webhooks"`
}

// ApplyCatalog upserts every record of c in one transaction.
func (s *Store) ApplyCatalog(ctx context.Context, c Catalog) error {
	return s.pool.WithTx(ctx, func(tx pgx.Tx) error {
		for _, t := range c.Tenants {
			hours, err := json.Marshal(hoursOrEmpty(t.BusinessHours))
			if err != nil {
				return err
			}
			overrides, err := json.Marshal(t.Overrides)
			if err != nil {
				return err
			}
			if t.Status == "" {
				t.Status = domain.TenantActive
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO tenants (id, name, timezone, status, business_hours, default_buffer_minutes, max_concurrent_bookings,
					parent_organization_id, policy_overrides)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (id) DO UPDATE
				SET name = EXCLUDED.name,
					timezone = EXCLUDED.timezone,
					status = EXCLUDED.status,
					business_hours = EXCLUDED.business_hours,
					default_buffer_minutes = EXCLUDED.default_buffer_minutes,
					max_concurrent_bookings = EXCLUDED.max_concurrent_bookings,
					parent_organization_id = EXCLUDED.parent_organization_id,
					policy_overrides = EXCLUDED.policy_overrides
			`, t.ID, t.Name, t.Timezone, t.Status, hours, t.DefaultBufferMinutes, t.MaxConcurrentBookings,
				t.ParentOrganizationID, overrides); err != nil {
				return err
			}
		}
		for _, svc := range c.Services {
			if _, err := tx.Exec(ctx, `
				INSERT INTO services (`+serviceColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (tenant_id, id) DO UPDATE
				SET name = EXCLUDED.name,
					type = EXCLUDED.type,
					duration_minutes = EXCLUDED.duration_minutes,
					price = EXCLUDED.price,
					currency = EXCLUDED.currency,
					max_capacity = EXCLUDED.max_capacity,
					staff_ids = EXCLUDED.staff_ids,
					active = EXCLUDED.active
			`, svc.TenantID, svc.ID, svc.Name, svc.Type, int(svc.Duration.Minutes()), svc.Price, svc.Currency,
				svc.MaxCapacity, stringsOrEmpty(svc.StaffIDs), svc.Active); err != nil {
				return err
			}
		}
		for _, m := range c.Staff {
			schedule, err := json.Marshal(hoursOrEmpty(m.Schedule))
			if err != nil {
				return err
			}
			if m.Role == "" {
				m.Role = domain.RoleStaff
			}
			if !m.Role.Valid() {
				return fmt.Errorf("staff %s: unknown role %q", m.ID, m.Role)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO staff_members (`+staffColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (tenant_id, id) DO UPDATE
				SET name = EXCLUDED.name, email = EXCLUDED.email, role = EXCLUDED.role, active = EXCLUDED.active, schedule = EXCLUDED.schedule
			`, m.TenantID, m.ID, m.Name, m.Email, m.Role, m.Active, schedule); err != nil {
				return err
			}
		}
		for _, cu := range c.Customers {
			if _, err := tx.Exec(ctx, `
				INSERT INTO customers (tenant_id, id, name, email, phone, push_token, preferred_channel)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (tenant_id, id) DO UPDATE
				SET name = EXCLUDED.name,
					email = EXCLUDED.email,
					phone = EXCLUDED.phone,
					push_token = EXCLUDED.push_token,
					preferred_channel = EXCLUDED.preferred_channel
			`, cu.TenantID, cu.ID, cu.Name, cu.Email, cu.Phone, cu.PushToken, cu.PreferredChannel); err != nil {
				return err
			}
		}
		for _, w := range c.Webhooks {
			if _, err := tx.Exec(ctx, `
				INSERT INTO webhook_configs (id, tenant_id, url, secret, events, active)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (id) DO UPDATE
				SET url = EXCLUDED.url, secret = EXCLUDED.secret, events = EXCLUDED.events, active = EXCLUDED.active
			`, w.ID, w.TenantID, w.URL, w.Secret, stringsOrEmpty(w.Events), w.Active); err != nil {
				return err
			}
		}
		return nil
	})
}

func hoursOrEmpty(h domain.WeeklyHours) domain.WeeklyHours {
	if h == nil {
		return domain.WeeklyHours{}
	}
	return h
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
