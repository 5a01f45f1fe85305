package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/appointly/appointly/libs/httpx"
	"github.com/appointly/appointly/services/scheduling-service/internal/availability"
	"github.com/appointly/appointly/services/scheduling-service/internal/booking"
	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
	"github.com/appointly/appointly/services/scheduling-service/internal/storage"
)

// Availability answers GET ?service_id=&staff_id=&date=YYYY-MM-DD, or
// from/to RFC3339 for an explicit window.
func (a *API) Availability(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	qs := r.URL.Query()
	q := availability.Query{
		TenantID:  tenantID,
		ServiceID: strings.TrimSpace(qs.Get("service_id")),
		StaffID:   strings.TrimSpace(qs.Get("staff_id")),
	}
	if q.ServiceID == "" {
		badRequest(w, r, "service_id is required")
		return
	}
	switch {
	case qs.Get("from") != "" || qs.Get("to") != "":
		from, err := parseTime("from", qs.Get("from"))
		if err != nil {
			a.fail(w, r, err)
			return
		}
		to, err := parseTime("to", qs.Get("to"))
		if err != nil {
			a.fail(w, r, err)
			return
		}
		q.Window = domain.Window{Start: from, End: to}
	case qs.Get("date") != "":
		// Resolved against the tenant's zone, not UTC.
		if _, err := time.Parse(time.DateOnly, qs.Get("date")); err != nil {
			badRequest(w, r, "date must be YYYY-MM-DD")
			return
		}
		q.Day = qs.Get("date")
	default:
		badRequest(w, r, "date or from/to is required")
		return
	}

	p, ok := a.policyFor(w, r, tenantID)
	if !ok {
		return
	}
	slots, err := a.Resolver.Resolve(r.Context(), q, p)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if slots == nil {
		slots = []availability.Slot{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"slots": slots})
}

type bookRequest struct {
	ServiceID       string `json:"service_id"`
	StaffID         string `json:"staff_id"`
	CustomerID      string `json:"customer_id"`
	LocationID      string `json:"location_id"`
	Start           string `json:"start"`
	WaitlistEntryID string `json:"waitlist_entry_id"`
}

// Book reserves the slot at start, with any qualified staff member when
// staff_id is empty.
func (a *API) Book(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	var req bookRequest
	if !decode(w, r, &req) {
		return
	}
	start, err := parseTime("start", req.Start)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	p, ok := a.policyFor(w, r, tenantID)
	if !ok {
		return
	}
	appt, err := a.Bookings.Book(r.Context(), booking.BookRequest{
		TenantID:        tenantID,
		ServiceID:       strings.TrimSpace(req.ServiceID),
		StaffID:         strings.TrimSpace(req.StaffID),
		CustomerID:      strings.TrimSpace(req.CustomerID),
		LocationID:      req.LocationID,
		Start:           start,
		IdempotencyKey:  strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)),
		WaitlistEntryID: req.WaitlistEntryID,
	}, p)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toAppointment(appt))
}

type reserveRequest struct {
	ServiceID       string `json:"service_id"`
	StaffID         string `json:"staff_id"`
	CustomerID      string `json:"customer_id"`
	LocationID      string `json:"location_id"`
	Start           string `json:"start"`
	End             string `json:"end"`
	WaitlistEntryID string `json:"waitlist_entry_id"`
}

// Reserve books an explicit staff member and window.
func (a *API) Reserve(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	var req reserveRequest
	if !decode(w, r, &req) {
		return
	}
	start, err := parseTime("start", req.Start)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	end, err := parseTime("end", req.End)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	p, ok := a.policyFor(w, r, tenantID)
	if !ok {
		return
	}
	appt, err := a.Bookings.Reserve(r.Context(), booking.ReserveRequest{
		TenantID:        tenantID,
		ServiceID:       strings.TrimSpace(req.ServiceID),
		StaffID:         strings.TrimSpace(req.StaffID),
		CustomerID:      strings.TrimSpace(req.CustomerID),
		LocationID:      req.LocationID,
		Window:          domain.Window{Start: start, End: end},
		IdempotencyKey:  strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)),
		WaitlistEntryID: req.WaitlistEntryID,
	}, p)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toAppointment(appt))
}

func (a *API) GetAppointment(w http.ResponseWriter, r *http.Request) {
	appt, err := a.Store.GetAppointment(r.Context(), r.PathValue("tenant"), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		a.fail(w, r, domain.Errorf(domain.KindNotFound, "appointment not found"))
		return
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toAppointment(appt))
}

// ListAppointments answers GET ?staff_id=&service_id=&from=&to=&active=true.
func (a *API) ListAppointments(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	f := storage.AppointmentFilter{
		StaffID:    qs.Get("staff_id"),
		ServiceID:  qs.Get("service_id"),
		ActiveOnly: qs.Get("active") == "true",
	}
	if v := qs.Get("from"); v != "" {
		t, err := parseTime("from", v)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		f.From = t
	}
	if v := qs.Get("to"); v != "" {
		t, err := parseTime("to", v)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		f.To = t
	}
	list, err := a.Store.ListAppointments(r.Context(), r.PathValue("tenant"), f)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	items := make([]appointmentResponse, 0, len(list))
	for _, appt := range list {
		items = append(items, toAppointment(appt))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (a *API) Cancel(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	var req cancelRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	if strings.HasPrefix(req.Reason, domain.SystemReasonPrefix) {
		badRequest(w, r, "reason prefix is reserved")
		return
	}
	p, ok := a.policyFor(w, r, tenantID)
	if !ok {
		return
	}
	appt, err := a.Bookings.Cancel(r.Context(), booking.CancelRequest{
		TenantID:      tenantID,
		AppointmentID: r.PathValue("id"),
		Reason:        strings.TrimSpace(req.Reason),
	}, p)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toAppointment(appt))
}

type transitionRequest struct {
	Status string `json:"status"`
}

// Transition applies CONFIRMED, IN_PROGRESS, COMPLETED or NO_SHOW.
func (a *API) Transition(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	var req transitionRequest
	if !decode(w, r, &req) {
		return
	}
	to := domain.AppointmentStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if !to.Valid() {
		badRequest(w, r, "unknown status")
		return
	}
	p, ok := a.policyFor(w, r, tenantID)
	if !ok {
		return
	}
	appt, err := a.Bookings.Transition(r.Context(), booking.TransitionRequest{
		TenantID:      tenantID,
		AppointmentID: r.PathValue("id"),
		To:            to,
	}, p)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toAppointment(appt))
}
