package booking

import (
	"context"

	"github.com/appointly/appointly/services/scheduling-service/internal/delivery"
	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/storage"
)

var templates = map[string]string{
	"booked":  "appointment_requested",
	"confirm": "appointment_confirmed",
	"cancel":  "appointment_cancelled",
}

func (m *Manager) notifyByIDs(ctx context.Context, tx storage.Tx, a domain.Appointment, purpose string, p domain.Policy) error {
	tenant, err := tx.GetTenant(ctx, a.TenantID)
	if err != nil {
		return notFound(err, "tenant")
	}
	svc, err := tx.GetService(ctx, a.TenantID, a.ServiceID)
	if err != nil {
		return notFound(err, "service")
	}
	customer, err := tx.GetCustomer(ctx, a.TenantID, a.CustomerID)
	if err != nil {
		return notFound(err, "customer")
	}
	return m.notify(ctx, tx, tenant, svc, customer, a, purpose, p)
}

// notify records the customer message for a in tx. Customers without any
// reachable address are skipped.
func (m *Manager) notify(ctx context.Context, tx storage.Tx, tenant domain.Tenant, svc domain.Service, customer domain.Customer, a domain.Appointment, purpose string, p domain.Policy) error {
	ch, addr, ok := customer.Contact(p.ConfirmationChannel)
	if !ok {
		m.logger.Warn("customer has no contact address, skipping notification",
			"tenant_id", a.TenantID, "customer_id", customer.ID, "appointment_id", a.ID)
		return nil
	}
	local := a.Start.In(tenant.Location())
	msg := delivery.Message{
		Template: templates[purpose],
		Subject:  tenant.Name + ": " + svc.Name,
		Body:     svc.Name + " on " + local.Format("Mon 02 Jan 2006 15:04"),
		Data: map[string]string{
			"appointment_id": a.ID,
			"customer_name":  customer.Name,
			"service":        svc.Name,
			"start":          local.Format("2006-01-02T15:04"),
			"status":         string(a.Status),
		},
	}
	if a.CancelReason != "" {
		msg.Data["reason"] = a.CancelReason
	}
	_, err := m.dispatcher.DispatchTx(ctx, tx, delivery.Request{
		TenantID:       a.TenantID,
		IdempotencyKey: delivery.NotificationKey(ch, purpose, a.ID),
		Target:         delivery.Target{Kind: domain.KindNotification, Channel: ch, Recipient: addr},
		AppointmentID:  a.ID,
		Payload:        msg,
	}, p)
	return err
}
