package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/appointly/appointly/libs/httpx"
	"github.com/appointly/appointly/services/scheduling-service/internal/delivery"
	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/payments"
	"github.com/shopspring/decimal"
)

type receiptRequest struct {
	DeliveryID string `json:"delivery_id"`
	ExternalID string `json:"external_id"`
	Status     string `json:"status"`
	Detail     string `json:"detail"`
}

// DeliveryReceipt applies a provider callback for a sent message.
func (a *API) DeliveryReceipt(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := a.Dispatcher.RecordReceipt(r.Context(), delivery.Receipt{
		DeliveryID: strings.TrimSpace(req.DeliveryID),
		ExternalID: strings.TrimSpace(req.ExternalID),
		Status:     domain.DeliveryStatus(strings.ToUpper(strings.TrimSpace(req.Status))),
		Detail:     req.Detail,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toDelivery(d))
}

type attachPaymentRequest struct {
	ProviderRef string `json:"provider_ref"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
}

func (a *API) AttachPayment(w http.ResponseWriter, r *http.Request) {
	var req attachPaymentRequest
	if !decode(w, r, &req) {
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		badRequest(w, r, "amount must be a decimal")
		return
	}
	p, err := a.Payments.Attach(r.Context(), payments.AttachRequest{
		TenantID:      r.PathValue("tenant"),
		AppointmentID: r.PathValue("id"),
		ProviderRef:   strings.TrimSpace(req.ProviderRef),
		Amount:        amount,
		Currency:      strings.TrimSpace(req.Currency),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toPayment(p))
}

// StripeWebhook verifies the Stripe-Signature header and applies the event.
// Unknown and replayed events are acknowledged so Stripe stops retrying.
func (a *API) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if !a.Payments.Configured() {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "unconfigured", "stripe webhook secret not configured")
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		badRequest(w, r, "unable to read body")
		return
	}
	outcome, err := a.Payments.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if errors.Is(err, payments.ErrSignature) {
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid_signature", "invalid signature")
		return
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}
