package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/appointly/appointly/libs/httpx"
	"github.com/appointly/appointly/services/scheduling-service/internal/recurrence"
)

type createSeriesRequest struct {
	ServiceID  string `json:"service_id"`
	StaffID    string `json:"staff_id"`
	CustomerID string `json:"customer_id"`
	Rule       string `json:"rule"`
	FirstStart string `json:"first_start"`
	// EndDate is a local date, YYYY-MM-DD, inclusive.
	EndDate        string `json:"end_date"`
	MaxOccurrences int    `json:"max_occurrences"`
	// Expand materializes occurrences before responding.
	Expand bool `json:"expand"`
}

type createSeriesResponse struct {
	Series    seriesResponse `json:"series"`
	Booked    int            `json:"booked"`
	Conflicts int            `json:"conflicts"`
}

// CreateSeries stores a recurring series. Occurrences are booked by the
// worker when it sees series.created, or inline when expand is set.
func (a *API) CreateSeries(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	var req createSeriesRequest
	if !decode(w, r, &req) {
		return
	}
	first, err := parseTime("first_start", req.FirstStart)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var endDate *time.Time
	if v := strings.TrimSpace(req.EndDate); v != "" {
		d, err := time.Parse(time.DateOnly, v)
		if err != nil {
			badRequest(w, r, "end_date must be YYYY-MM-DD")
			return
		}
		endDate = &d
	}

	series, err := a.Series.CreateSeries(r.Context(), recurrence.CreateRequest{
		TenantID:       tenantID,
		ServiceID:      strings.TrimSpace(req.ServiceID),
		StaffID:        strings.TrimSpace(req.StaffID),
		CustomerID:     strings.TrimSpace(req.CustomerID),
		Rule:           req.Rule,
		FirstStart:     first,
		EndDate:        endDate,
		MaxOccurrences: req.MaxOccurrences,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	resp := createSeriesResponse{Series: toSeries(series)}
	if req.Expand {
		p, ok := a.policyFor(w, r, tenantID)
		if !ok {
			return
		}
		res, err := a.Series.Expand(r.Context(), tenantID, series.ID, p)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		resp.Booked, resp.Conflicts = res.Booked, res.Conflicts
		if refreshed, err := a.Store.GetSeries(r.Context(), tenantID, series.ID); err == nil {
			resp.Series = toSeries(refreshed)
		}
	}
	httpx.WriteJSON(w, http.StatusCreated, resp)
}

func (a *API) DeactivateSeries(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	p, ok := a.policyFor(w, r, tenantID)
	if !ok {
		return
	}
	res, err := a.Series.Deactivate(r.Context(), tenantID, r.PathValue("id"), p)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"series":    toSeries(res.Series),
		"cancelled": res.Cancelled,
	})
}
