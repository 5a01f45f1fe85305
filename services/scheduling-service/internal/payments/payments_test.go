package payments

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

const secret = "whsec_test"

func setup(t *testing.T) (*testutil.Fixture, *Service, domain.PaymentIntent) {
	t.Helper()
	f := testutil.New(t)
	start := testutil.At(testutil.Monday, 10, 0)
	f.Store.PutAppointment(domain.Appointment{
		ID: "appt-1", TenantID: testutil.TenantID, ServiceID: f.Individual.ID, StaffID: "staff-1",
		CustomerID: "cust-1", Start: start, End: start.Add(30 * time.Minute), Status: domain.StatusConfirmed,
		Price: decimal.NewFromInt(50),
	})
	svc := NewService(f.Store, f.Clock, nil, Config{WebhookSecret: secret})
	pi, err := svc.Attach(context.Background(), AttachRequest{
		TenantID: testutil.TenantID, AppointmentID: "appt-1", ProviderRef: "pi_123",
		Amount: decimal.NewFromInt(50), Currency: "brl",
	})
	require.NoError(t, err)
	return f, svc, pi
}

func signedEvent(t *testing.T, id, typ string, object map[string]any) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"created":     time.Now().Unix(),
		"type":        typ,
		"api_version": stripe.APIVersion,
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: payload, Secret: secret, Timestamp: time.Now(), Scheme: "v1",
	})
	return payload, signed.Header
}

func TestAttachLinksAppointment(t *testing.T) {
	f, _, pi := setup(t)
	assert.Equal(t, domain.PaymentPending, pi.Status)
	assert.Equal(t, "BRL", pi.Currency)

	appt, err := f.Store.GetAppointment(context.Background(), testutil.TenantID, "appt-1")
	require.NoError(t, err)
	assert.Equal(t, pi.ID, appt.PaymentIntentID)
}

func TestAttachRejectsSecondPayment(t *testing.T) {
	_, svc, _ := setup(t)
	_, err := svc.Attach(context.Background(), AttachRequest{
		TenantID: testutil.TenantID, AppointmentID: "appt-1", ProviderRef: "pi_456", Amount: decimal.NewFromInt(1),
	})
	assert.Equal(t, domain.KindInvalidArgument, domain.KindOf(err))
}

func TestWebhookSucceededThenRefunded(t *testing.T) {
	f, svc, pi := setup(t)
	ctx := context.Background()

	payload, sig := signedEvent(t, "evt_1", "payment_intent.succeeded", map[string]any{
		"id": "pi_123", "object": "payment_intent", "amount": 5000, "amount_received": 5000,
	})
	out, err := svc.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, Applied, out)

	got, err := f.Store.GetPaymentIntent(ctx, testutil.TenantID, pi.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSucceeded, got.Status)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(50)))
	assert.NotNil(t, got.PaidAt)

	out, err = svc.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, out)

	payload, sig = signedEvent(t, "evt_2", "charge.refunded", map[string]any{
		"id": "ch_1", "object": "charge", "payment_intent": "pi_123",
		"amount": 5000, "amount_refunded": 2000, "refunded": false,
	})
	_, err = svc.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	got, _ = f.Store.GetPaymentIntent(ctx, testutil.TenantID, pi.ID)
	assert.Equal(t, domain.PaymentPartiallyRefunded, got.Status)
	assert.True(t, got.RefundedAmount.Equal(decimal.NewFromInt(20)))

	payload, sig = signedEvent(t, "evt_3", "charge.refunded", map[string]any{
		"id": "ch_1", "object": "charge", "payment_intent": "pi_123",
		"amount": 5000, "amount_refunded": 5000, "refunded": true,
	})
	_, err = svc.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	got, _ = f.Store.GetPaymentIntent(ctx, testutil.TenantID, pi.ID)
	assert.Equal(t, domain.PaymentRefunded, got.Status)
}

func TestWebhookIgnoresOutOfOrderAndUnknown(t *testing.T) {
	f, svc, pi := setup(t)
	ctx := context.Background()

	payload, sig := signedEvent(t, "evt_r", "charge.refunded", map[string]any{
		"id": "ch_1", "object": "charge", "payment_intent": "pi_123", "amount": 5000, "amount_refunded": 5000, "refunded": true,
	})
	out, err := svc.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, Ignored, out)
	got, _ := f.Store.GetPaymentIntent(ctx, testutil.TenantID, pi.ID)
	assert.Equal(t, domain.PaymentPending, got.Status)

	payload, sig = signedEvent(t, "evt_u", "payment_intent.succeeded", map[string]any{"id": "pi_unknown", "object": "payment_intent"})
	out, err = svc.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, Ignored, out)

	payload, sig = signedEvent(t, "evt_o", "customer.created", map[string]any{"id": "cus_1", "object": "customer"})
	out, err = svc.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, Ignored, out)
}

func TestFailedPaymentCanStillSucceed(t *testing.T) {
	f, svc, pi := setup(t)
	ctx := context.Background()
	for i, typ := range []string{"payment_intent.payment_failed", "payment_intent.succeeded"} {
		payload, sig := signedEvent(t, "evt_f"+string(rune('a'+i)), typ, map[string]any{"id": "pi_123", "object": "payment_intent"})
		out, err := svc.HandleWebhook(ctx, payload, sig)
		require.NoError(t, err)
		assert.Equal(t, Applied, out)
	}
	got, _ := f.Store.GetPaymentIntent(ctx, testutil.TenantID, pi.ID)
	assert.Equal(t, domain.PaymentSucceeded, got.Status)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	_, svc, _ := setup(t)
	payload, _ := signedEvent(t, "evt_x", "payment_intent.succeeded", map[string]any{"id": "pi_123"})
	_, err := svc.HandleWebhook(context.Background(), payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrSignature)
}
