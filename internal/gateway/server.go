// Package gateway implements the supervisor's control-plane HTTP and
// WebSocket surface: state inspection, settings, control commands, git
// rollback/promote, chat send/history, and an event stream mirroring the
// Event Dispatcher.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wationgarbarad/ouroboros/internal/config"
	"github.com/wationgarbarad/ouroboros/internal/dispatcher"
	"github.com/wationgarbarad/ouroboros/pkg/protocol"
)

// Server is the control-plane HTTP/WebSocket server.
type Server struct {
	cfg *config.Config
	pub dispatcher.Publisher
	api SupervisorAPI

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter
	router      *MethodRouter

	clients map[string]*Client
	mu      sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new gateway server. SetSupervisor must be called
// before requests can be served.
func NewServer(cfg *config.Config, pub dispatcher.Publisher) *Server {
	s := &Server{
		cfg:     cfg,
		pub:     pub,
		clients: make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.rateLimiter = NewRateLimiter(0, 5) // control plane is single-tenant; disabled by default
	s.router = NewMethodRouter(s)
	return s
}

// SetSupervisor attaches the supervisor main loop this gateway serves.
func (s *Server) SetSupervisor(api SupervisorAPI) { s.api = api }

// RateLimiter returns the server's rate limiter for use by method handlers.
func (s *Server) RateLimiter() *RateLimiter { return s.rateLimiter }

// checkOrigin validates WebSocket connection origin against the allowed
// origins whitelist. Empty config or empty Origin header always passes
// (local CLI/SDK clients never send Origin).
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
	slog.Warn("gateway.cors_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/state", s.authed(s.handleState))
	mux.HandleFunc("/api/settings", s.authed(s.handleSettings))
	mux.HandleFunc("/api/command", s.authed(s.handleCommand))
	mux.HandleFunc("/api/reset", s.authed(s.handleReset))
	mux.HandleFunc("/api/git/log", s.authed(s.handleGitLog))
	mux.HandleFunc("/api/git/rollback", s.authed(s.handleGitRollback))
	mux.HandleFunc("/api/git/promote", s.authed(s.handleGitPromote))
	mux.HandleFunc("/api/chat/send", s.authed(s.handleChatSend))
	mux.HandleFunc("/api/chat/history", s.authed(s.handleChatHistory))
	mux.HandleFunc("/api/tasks", s.authed(s.handleTasks))
	mux.HandleFunc("/api/usage", s.authed(s.handleUsage))

	s.mux = mux
	return mux
}

// authed enforces the bearer-token gate from GatewayConfig.Token. An empty
// token means auth is disabled (local-only developer mode).
func (s *Server) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Gateway.Token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != s.cfg.Gateway.Token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		h(w, r)
	}
}

// Start begins listening for WebSocket and HTTP connections until ctx ends.
// The listener is the plain TCP one by default, or a Tailscale tsnet
// listener when built with -tags tsnet and configured (see listener files).
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	ln, err := s.newListener(addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	slog.Info("gateway.starting", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Gateway.Token != "" && r.URL.Query().Get("token") != s.cfg.Gateway.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway.ws_upgrade_failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "protocol": protocol.ProtocolVersion})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	result, err := s.api.StateSnapshot(r.Context())
	respond(w, result, err)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		result, err := s.api.SettingsGet(r.Context())
		respond(w, result, err)
		return
	}
	body, _ := readBody(r)
	result, err := s.api.SettingsSet(r.Context(), body)
	respond(w, result, err)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var p struct {
		Text string `json:"text"`
	}
	if body, _ := readBody(r); len(body) > 0 {
		json.Unmarshal(body, &p)
	}
	result, err := s.api.Command(r.Context(), p.Text)
	respond(w, result, err)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	result, err := s.api.Reset(r.Context())
	respond(w, result, err)
}

func (s *Server) handleGitLog(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	result, err := s.api.GitLog(r.Context(), limit)
	respond(w, result, err)
}

func (s *Server) handleGitRollback(w http.ResponseWriter, r *http.Request) {
	var p struct {
		Ref string `json:"ref"`
	}
	if body, _ := readBody(r); len(body) > 0 {
		json.Unmarshal(body, &p)
	}
	result, err := s.api.GitRollback(r.Context(), p.Ref)
	respond(w, result, err)
}

func (s *Server) handleGitPromote(w http.ResponseWriter, r *http.Request) {
	result, err := s.api.GitPromote(r.Context())
	respond(w, result, err)
}

func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var p struct {
		ChatID string `json:"chat_id"`
		Text   string `json:"text"`
	}
	if body, _ := readBody(r); len(body) > 0 {
		json.Unmarshal(body, &p)
	}
	result, err := s.api.ChatSend(r.Context(), p.ChatID, p.Text)
	respond(w, result, err)
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	result, err := s.api.ChatHistory(r.Context(), r.URL.Query().Get("chat_id"), limit)
	respond(w, result, err)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		result, err := s.api.TasksCancel(r.Context(), r.URL.Query().Get("task_id"))
		respond(w, result, err)
		return
	}
	result, err := s.api.TasksList(r.Context())
	respond(w, result, err)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	result, err := s.api.UsageGet(r.Context())
	respond(w, result, err)
}

func readBody(r *http.Request) (json.RawMessage, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respond(w http.ResponseWriter, result interface{}, err error) {
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c

	s.pub.Subscribe(c.id, func(event dispatcher.Event) {
		if strings.HasPrefix(event.Name, "cache.") {
			return
		}
		c.SendEvent(*protocol.NewEvent(event.Name, event.Payload))
	})

	slog.Info("gateway.client_connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	s.pub.Unsubscribe(c.id)
	slog.Info("gateway.client_disconnected", "id", c.id)
}
