package handlers

import (
	"net/http"
	"strings"

	"github.com/appointly/appointly/libs/httpx"
	"github.com/appointly/appointly/services/scheduling-service/internal/blocks"
)

type addBlockedSlotRequest struct {
	StaffID                 string `json:"staff_id"`
	Start                   string `json:"start"`
	End                     string `json:"end"`
	AllDay                  bool   `json:"all_day"`
	Reason                  string `json:"reason"`
	ExternalCalendarEventID string `json:"external_calendar_event_id"`
}

func (a *API) AddBlockedSlot(w http.ResponseWriter, r *http.Request) {
	var req addBlockedSlotRequest
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
	b, err := a.Blocks.Add(r.Context(), blocks.AddRequest{
		TenantID:                r.PathValue("tenant"),
		StaffID:                 strings.TrimSpace(req.StaffID),
		Start:                   start,
		End:                     end,
		AllDay:                  req.AllDay,
		Reason:                  req.Reason,
		ExternalCalendarEventID: req.ExternalCalendarEventID,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toBlockedSlot(b))
}

func (a *API) RemoveBlockedSlot(w http.ResponseWriter, r *http.Request) {
	b, err := a.Blocks.Remove(r.Context(), r.PathValue("tenant"), r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toBlockedSlot(b))
}
