package httpapi

import (
	"net/http"
	"time"

	"github.com/omnidesk/omnidesk/internal/errdefs"
	"github.com/omnidesk/omnidesk/internal/scheduling"
	"github.com/omnidesk/omnidesk/internal/store"
)

// handleCalendarEvents lists stored commitments, optionally filtered by
// agent and time window (RFC 3339 bounds).
func (a *API) handleCalendarEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var from, to time.Time
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, errdefs.New(errdefs.Invalid, "from must be RFC 3339"))
			return
		}
		from = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, errdefs.New(errdefs.Invalid, "to must be RFC 3339"))
			return
		}
		to = t
	}
	commitments, err := a.stores.Calendar.List(r.Context(), q.Get("agentKey"), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": commitments})
}

func (a *API) handleAvailableSlots(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("date")
	if raw == "" {
		writeError(w, errdefs.New(errdefs.Invalid, "date is required (YYYY-MM-DD)"))
		return
	}
	day, err := time.ParseInLocation("2006-01-02", raw, a.scheduler.Location())
	if err != nil {
		writeError(w, errdefs.New(errdefs.Invalid, "date must be YYYY-MM-DD"))
		return
	}
	slots, err := a.scheduler.AvailableSlots(r.Context(), day)
	if err != nil {
		writeError(w, err)
		return
	}
	type slotView struct {
		Start string `json:"start"`
		End   string `json:"end"`
		Label string `json:"label"`
	}
	out := make([]slotView, len(slots))
	for i, s := range slots {
		out[i] = slotView{
			Start: s.Start.Format(time.RFC3339),
			End:   s.End.Format(time.RFC3339),
			Label: s.Start.Format("15:04"),
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"date":  raw,
		"slots": out,
	})
}

// handleCalendarCreate books an event directly, e.g. from the slot picker
// UI. The same dedup guarantees apply as for the conversational flow.
func (a *API) handleCalendarCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConversationID string `json:"conversationId"`
		AgentKey       string `json:"agentKey"`
		CustomerID     string `json:"customerId"`
		Email          string `json:"email"`
		Phone          string `json:"phone"`
		Start          string `json:"start"` // RFC 3339
		Title          string `json:"title"`
		Description    string `json:"description"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	start, err := time.Parse(time.RFC3339, body.Start)
	if err != nil {
		writeError(w, errdefs.New(errdefs.Invalid, "start must be RFC 3339"))
		return
	}

	customer := currentUser(r)
	if body.CustomerID != "" {
		if u, err := a.stores.Users.ByID(r.Context(), body.CustomerID); err == nil {
			customer = u
		}
	}
	conversationID := body.ConversationID
	if conversationID == "" {
		conversationID = store.AgentConversationID(customer.ID, body.AgentKey)
	}

	commitment, err := a.scheduler.Commit(r.Context(), scheduling.CommitParams{
		ConversationID: conversationID,
		AgentKey:       body.AgentKey,
		Customer:       customer,
		CustomerEmail:  body.Email,
		CustomerPhone:  body.Phone,
		Start:          start,
		Title:          body.Title,
		Description:    body.Description,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, commitment)
}
