package httpapi

import (
	"net/http"

	"github.com/omnidesk/omnidesk/internal/errdefs"
	"github.com/omnidesk/omnidesk/internal/handover"
	"github.com/omnidesk/omnidesk/internal/store"
)

func (a *API) handleHandoverList(w http.ResponseWriter, r *http.Request) {
	status := store.HandoverStatus(r.URL.Query().Get("status"))
	tickets, err := a.handovers.List(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"handovers": tickets})
}

func (a *API) handleHandoverStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.handovers.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleHandoverGet(w http.ResponseWriter, r *http.Request) {
	ticket, err := a.handovers.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

// handleHandoverCreate opens a ticket manually, e.g. from the operator UI.
func (a *API) handleHandoverCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConversationID string            `json:"conversationId"`
		CustomerID     string            `json:"customerId"`
		Reason         string            `json:"reason"`
		Intent         string            `json:"intent"`
		Entities       map[string]string `json:"entities"`
		LastMessages   []string          `json:"lastMessages"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.ConversationID == "" {
		writeError(w, errdefs.New(errdefs.Invalid, "conversationId is required"))
		return
	}
	reason := store.HandoverReason(body.Reason)
	if reason == "" {
		reason = store.ReasonEscalation
	}
	customer := store.User{ID: body.CustomerID}
	if body.CustomerID != "" {
		if u, err := a.stores.Users.ByID(r.Context(), body.CustomerID); err == nil {
			customer = u
		}
	}
	ticket, err := a.handovers.Open(r.Context(), handover.OpenParams{
		ConversationID: body.ConversationID,
		Customer:       customer,
		Reason:         reason,
		Intent:         body.Intent,
		Entities:       body.Entities,
		LastMessages:   body.LastMessages,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (a *API) handleHandoverAccept(w http.ResponseWriter, r *http.Request) {
	ticket, err := a.handovers.Accept(r.Context(), r.PathValue("id"), currentUser(r).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (a *API) handleHandoverResolve(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Notes string `json:"notes"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	ticket, err := a.handovers.Resolve(r.Context(), r.PathValue("id"), body.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (a *API) handleHandoverCancel(w http.ResponseWriter, r *http.Request) {
	ticket, err := a.handovers.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}
