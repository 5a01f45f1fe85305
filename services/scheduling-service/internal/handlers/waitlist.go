package handlers

import (
	"net/http"
	"strings"

	"github.com/appointly/appointly/libs/httpx"
	"github.com/appointly/appointly/services/scheduling-service/internal/waitlist"
)

type joinWaitlistRequest struct {
	ServiceID  string `json:"service_id"`
	CustomerID string `json:"customer_id"`
	StaffID    string `json:"staff_id"`
	Date       string `json:"date"`
}

func (a *API) JoinWaitlist(w http.ResponseWriter, r *http.Request) {
	var req joinWaitlistRequest
	if !decode(w, r, &req) {
		return
	}
	entry, err := a.Waitlist.Join(r.Context(), waitlist.JoinRequest{
		TenantID:   r.PathValue("tenant"),
		ServiceID:  strings.TrimSpace(req.ServiceID),
		CustomerID: strings.TrimSpace(req.CustomerID),
		StaffID:    strings.TrimSpace(req.StaffID),
		Date:       strings.TrimSpace(req.Date),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toWaitlist(entry))
}

// ExpireWaitlist withdraws an entry; a pending offer passes to the next one.
func (a *API) ExpireWaitlist(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	p, ok := a.policyFor(w, r, tenantID)
	if !ok {
		return
	}
	entry, err := a.Waitlist.Expire(r.Context(), tenantID, r.PathValue("id"), p)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toWaitlist(entry))
}
