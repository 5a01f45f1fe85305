// Package handlers exposes the scheduling engine over HTTP.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/appointly/appointly/libs/httpx"
	"github.com/appointly/appointly/services/scheduling-service/internal/availability"
	"github.com/appointly/appointly/services/scheduling-service/internal/blocks"
	"github.com/appointly/appointly/services/scheduling-service/internal/booking"
	"github.com/appointly/appointly/services/scheduling-service/internal/delivery"
	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/payments"
	"github.com/appointly/appointly/services/scheduling-service/internal/policy"
	"github.com/appointly/appointly/services/scheduling-service/internal/recurrence"
	"github.com/appointly/appointly/services/scheduling-service/internal/storage"
	"github.com/appointly/appointly/services/scheduling-service/internal/waitlist"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type Deps struct {
	Store      storage.Reader
	Policies   policy.Provider
	Resolver   *availability.Resolver
	Bookings   *booking.Manager
	Series     *recurrence.Expander
	Waitlist   *waitlist.Promoter
	Blocks     *blocks.Service
	Dispatcher *delivery.Dispatcher
	Payments   *payments.Service
	Logger     *slog.Logger
}

type API struct {
	Deps
}

func New(d Deps) *API {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &API{Deps: d}
}

// Routes registers every endpoint on mux. Tenant scoped routes take the
// tenant from the path.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/tenants/{tenant}/availability", a.Availability)

	mux.HandleFunc("POST /v1/tenants/{tenant}/bookings", a.Book)
	mux.HandleFunc("POST /v1/tenants/{tenant}/appointments", a.Reserve)
	mux.HandleFunc("GET /v1/tenants/{tenant}/appointments", a.ListAppointments)
	mux.HandleFunc("GET /v1/tenants/{tenant}/appointments/{id}", a.GetAppointment)
	mux.HandleFunc("POST /v1/tenants/{tenant}/appointments/{id}/cancel", a.Cancel)
	mux.HandleFunc("POST /v1/tenants/{tenant}/appointments/{id}/status", a.Transition)
	mux.HandleFunc("POST /v1/tenants/{tenant}/appointments/{id}/payment", a.AttachPayment)

	mux.HandleFunc("POST /v1/tenants/{tenant}/series", a.CreateSeries)
	mux.HandleFunc("POST /v1/tenants/{tenant}/series/{id}/deactivate", a.DeactivateSeries)

	mux.HandleFunc("POST /v1/tenants/{tenant}/waitlist", a.JoinWaitlist)
	mux.HandleFunc("POST /v1/tenants/{tenant}/waitlist/{id}/expire", a.ExpireWaitlist)

	mux.HandleFunc("POST /v1/tenants/{tenant}/blocked-slots", a.AddBlockedSlot)
	mux.HandleFunc("DELETE /v1/tenants/{tenant}/blocked-slots/{id}", a.RemoveBlockedSlot)

	mux.HandleFunc("POST /v1/deliveries/receipts", a.DeliveryReceipt)
	mux.HandleFunc("POST /v1/webhooks/stripe", a.StripeWebhook)
}

// statusFor maps a domain error kind to its HTTP status.
func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindSlotUnavailable, domain.KindCapacityExceeded:
		return http.StatusConflict
	case domain.KindOutOfPolicyWindow, domain.KindSeriesBoundsExceeded, domain.KindIllegalTransition:
		return http.StatusUnprocessableEntity
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInvalidArgument:
		return http.StatusBadRequest
	case domain.KindTenantSuspended:
		return http.StatusLocked
	case domain.KindPromotionExpired:
		return http.StatusGone
	case domain.KindDeliveryExhausted:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	var derr *domain.Error
	if errors.As(err, &derr) {
		httpx.WriteError(w, r, statusFor(derr.Kind), string(derr.Kind), derr.Error())
		return
	}
	a.Logger.Error("request failed", "request_id", httpx.RequestIDFromContext(r.Context()), "path", r.URL.Path, "err", err)
	httpx.WriteError(w, r, http.StatusInternalServerError, "internal", "internal error")
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	httpx.WriteError(w, r, http.StatusBadRequest, string(domain.KindInvalidArgument), msg)
}

// decode reads a JSON body into dst, answering 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		badRequest(w, r, "invalid json body: "+err.Error())
		return false
	}
	return true
}

// policyFor resolves the tenant policy, answering on failure.
func (a *API) policyFor(w http.ResponseWriter, r *http.Request, tenantID string) (domain.Policy, bool) {
	p, err := a.Policies.Policy(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httpx.WriteError(w, r, http.StatusNotFound, string(domain.KindNotFound), "tenant not found")
			return domain.Policy{}, false
		}
		a.fail(w, r, err)
		return domain.Policy{}, false
	}
	return p, true
}

func parseTime(field, v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(v))
	if err != nil {
		return time.Time{}, domain.Errorf(domain.KindInvalidArgument, "%s must be RFC3339", field)
	}
	return t.UTC(), nil
}

func parseOptionalTime(field, v string) (*time.Time, error) {
	if strings.TrimSpace(v) == "" {
		return nil, nil
	}
	t, err := parseTime(field, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
