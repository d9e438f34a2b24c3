// Package gateway is the real-time surface: it upgrades WebSocket
// connections, authenticates them, and fans bus events out to the rooms each
// connection joined.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omnidesk/omnidesk/internal/auth"
	"github.com/omnidesk/omnidesk/internal/bus"
	"github.com/omnidesk/omnidesk/internal/config"
	"github.com/omnidesk/omnidesk/internal/router"
	"github.com/omnidesk/omnidesk/internal/store"
	"github.com/omnidesk/omnidesk/pkg/protocol"
)

// Server is the WebSocket gateway.
type Server struct {
	cfg    *config.Config
	events bus.EventPublisher
	router *router.Router
	auth   *auth.Service
	users  store.UserStore
	logger *slog.Logger
	api    http.Handler // REST surface mounted beside /ws

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer builds the gateway.
func NewServer(cfg *config.Config, events bus.EventPublisher, rt *router.Router, authSvc *auth.Service, users store.UserStore, api http.Handler, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		events:  events,
		router:  rt,
		auth:    authSvc,
		users:   users,
		logger:  logger,
		api:     api,
		clients: make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates the Origin header against the configured whitelist.
// No configured origins allows everything; an empty Origin header is a
// non-browser client and always passes.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	s.logger.Warn("security.cors_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	if s.api != nil {
		mux.Handle("/", s.api)
	}
	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.logger.Info("gateway.starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebSocket authenticates, upgrades, and runs one connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("gateway.upgrade_failed", "error", err)
		return
	}

	client := NewClient(conn, s, user)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

// authenticate accepts the bearer token from the Authorization header or,
// for browser WebSocket clients that cannot set headers, a token query
// parameter.
func (s *Server) authenticate(r *http.Request) (store.User, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == r.Header.Get("Authorization") {
		token = r.URL.Query().Get("token")
	}
	userID, err := s.auth.Verify(token)
	if err != nil {
		return store.User{}, err
	}
	return s.users.ByID(r.Context(), userID)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	events := s.events.Subscribe(c.id)
	go c.fanOut(events)

	s.events.Publish(&bus.Event{
		Name:    protocol.EventUserPresence,
		Payload: protocol.PresencePayload{UserID: c.user.ID, State: protocol.PresenceOnline},
	})
	s.logger.Info("gateway.client_connected", "id", c.id, "user", c.user.ID)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.events.Unsubscribe(c.id)

	s.events.Publish(&bus.Event{
		Name:    protocol.EventUserPresence,
		Payload: protocol.PresencePayload{UserID: c.user.ID, State: protocol.PresenceOffline},
	})
	s.logger.Info("gateway.client_disconnected", "id", c.id, "user", c.user.ID)
}

// StartTestServer listens on a random loopback port and returns the address
// and a start function. Used by integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}
	return addr, start
}
