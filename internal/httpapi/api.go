// Package httpapi is the REST surface: auth, contacts, message history, the
// handover queue, calendar queries, upload grants and the omnichannel
// webhook endpoints. Real-time traffic lives in the gateway; this package
// covers everything request/response shaped.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/omnidesk/omnidesk/internal/agents"
	"github.com/omnidesk/omnidesk/internal/auth"
	"github.com/omnidesk/omnidesk/internal/bus"
	"github.com/omnidesk/omnidesk/internal/channels/meta"
	"github.com/omnidesk/omnidesk/internal/channels/wppconnect"
	"github.com/omnidesk/omnidesk/internal/config"
	"github.com/omnidesk/omnidesk/internal/errdefs"
	"github.com/omnidesk/omnidesk/internal/handover"
	"github.com/omnidesk/omnidesk/internal/nlu"
	"github.com/omnidesk/omnidesk/internal/router"
	"github.com/omnidesk/omnidesk/internal/scheduling"
	"github.com/omnidesk/omnidesk/internal/store"
	"github.com/omnidesk/omnidesk/internal/uploads"
)

// API bundles the REST handlers.
type API struct {
	cfg       *config.Config
	auth      *auth.Service
	stores    *store.Stores
	router    *router.Router
	uploads   *uploads.Broker // nil when storage is disabled
	nlu       *nlu.Service
	handovers *handover.Service
	scheduler *scheduling.Coordinator
	agents    *agents.Registry
	inbound   *bus.MessageQueue
	meta      map[string]*meta.Channel // webhook surfaces by channel name
	wpp       *wppconnect.Channel      // nil when the bridge is disabled
	logger    *slog.Logger
}

// Deps are the API's collaborators; optional surfaces may be nil.
type Deps struct {
	Config    *config.Config
	Auth      *auth.Service
	Stores    *store.Stores
	Router    *router.Router
	Uploads   *uploads.Broker
	NLU       *nlu.Service
	Handovers *handover.Service
	Scheduler *scheduling.Coordinator
	Agents    *agents.Registry
	Inbound   *bus.MessageQueue
	Meta      map[string]*meta.Channel
	WPP       *wppconnect.Channel
	Logger    *slog.Logger
}

// New builds the REST API.
func New(d Deps) *API {
	return &API{
		cfg:       d.Config,
		auth:      d.Auth,
		stores:    d.Stores,
		router:    d.Router,
		uploads:   d.Uploads,
		nlu:       d.NLU,
		handovers: d.Handovers,
		scheduler: d.Scheduler,
		agents:    d.Agents,
		inbound:   d.Inbound,
		meta:      d.Meta,
		wpp:       d.WPP,
		logger:    d.Logger,
	}
}

// Handler builds the route table.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/register", a.handleRegister)
	mux.HandleFunc("POST /auth/login", a.handleLogin)

	mux.HandleFunc("GET /contacts", a.requireUser(a.handleContacts))
	mux.HandleFunc("GET /contacts/{id}/messages", a.requireUser(a.handleContactMessages))
	mux.HandleFunc("PUT /contacts/{id}/read", a.requireUser(a.handleContactRead))
	mux.HandleFunc("POST /messages", a.requireUser(a.handleSendMessage))

	mux.HandleFunc("GET /agents", a.requireUser(a.handleAgentList))
	mux.HandleFunc("GET /agents/{key}/messages", a.requireUser(a.handleAgentMessages))

	mux.HandleFunc("GET /custom-bots", a.requireUser(a.handleCustomBotList))
	mux.HandleFunc("POST /custom-bots", a.requireUser(a.handleCustomBotCreate))
	mux.HandleFunc("DELETE /custom-bots/{key}", a.requireUser(a.handleCustomBotDelete))

	mux.HandleFunc("POST /uploads/grant", a.requireUser(a.handleUploadGrant))
	mux.HandleFunc("POST /uploads/confirm", a.requireUser(a.handleUploadConfirm))

	mux.HandleFunc("POST /nlu/analyze", a.requireUser(a.handleNLUAnalyze))

	mux.HandleFunc("GET /handovers", a.requireUser(a.handleHandoverList))
	mux.HandleFunc("GET /handovers/stats", a.requireUser(a.handleHandoverStats))
	mux.HandleFunc("POST /handovers", a.requireUser(a.handleHandoverCreate))
	mux.HandleFunc("GET /handovers/{id}", a.requireUser(a.handleHandoverGet))
	mux.HandleFunc("POST /handovers/{id}/accept", a.requireUser(a.handleHandoverAccept))
	mux.HandleFunc("POST /handovers/{id}/resolve", a.requireUser(a.handleHandoverResolve))
	mux.HandleFunc("POST /handovers/{id}/cancel", a.requireUser(a.handleHandoverCancel))

	mux.HandleFunc("GET /calendar/events", a.requireUser(a.handleCalendarEvents))
	mux.HandleFunc("GET /calendar/available-slots", a.requireUser(a.handleAvailableSlots))
	mux.HandleFunc("POST /calendar/events", a.requireUser(a.handleCalendarCreate))

	mux.HandleFunc("POST /omni/send", a.requireUser(a.handleOmniSend))
	mux.HandleFunc("GET /webhooks/{channel}", a.handleWebhookVerify)
	mux.HandleFunc("POST /webhooks/{channel}", a.handleWebhookDelivery)
	mux.HandleFunc("GET /omni/wpp/status", a.requireUser(a.handleWppStatus))
	mux.HandleFunc("GET /omni/wpp/qr", a.requireUser(a.handleWppQR))
	mux.HandleFunc("POST /omni/wpp/restart", a.requireUser(a.handleWppRestart))

	return mux
}

type ctxKey int

const userKey ctxKey = 0

// requireUser authenticates the bearer token and injects the user.
func (a *API) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == r.Header.Get("Authorization") {
			writeError(w, errdefs.New(errdefs.AuthRequired, "missing bearer token"))
			return
		}
		userID, err := a.auth.Verify(token)
		if err != nil {
			writeError(w, err)
			return
		}
		user, err := a.stores.Users.ByID(r.Context(), userID)
		if err != nil {
			writeError(w, errdefs.New(errdefs.AuthInvalid, "unknown user"))
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	}
}

func currentUser(r *http.Request) store.User {
	u, _ := r.Context().Value(userKey).(store.User)
	return u
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a classified error onto its status code and stable shape.
func writeError(w http.ResponseWriter, err error) {
	kind := errdefs.KindOf(err)
	writeJSON(w, errdefs.HTTPStatus(kind), map[string]string{
		"error": errdefs.MessageOf(err),
		"kind":  string(kind),
	})
}

func decodeBody(r *http.Request, into interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return errdefs.Wrap(errdefs.Invalid, "malformed JSON body", err)
	}
	return nil
}
