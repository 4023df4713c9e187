// Package api provides HTTP handlers and the main API server logic for ChatLab.
//
// It exposes RESTful endpoints for managing sessions, experiments, conditions,
// and data exports, plus the WebSocket endpoints participants and admin
// observers connect through. The API integrates the store, chat hub, bot,
// export, and notify modules.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ChatLabHQ/ChatLab/internal/bot"
	"github.com/ChatLabHQ/ChatLab/internal/chat"
	"github.com/ChatLabHQ/ChatLab/internal/models"
	"github.com/ChatLabHQ/ChatLab/internal/notify"
	"github.com/ChatLabHQ/ChatLab/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8000"

// DefaultBotReplyTimeout bounds one chat completion round trip.
const DefaultBotReplyTimeout = 60 * time.Second

// DefaultShutdownTimeout bounds graceful server shutdown.
const DefaultShutdownTimeout = 10 * time.Second

// ModelLister exposes the model IDs available at the completion endpoint.
// Implemented by bot.Client; optional.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// ChatSettings is the per-session bot configuration applied by chat flow
// steps, overriding the condition defaults.
type ChatSettings struct {
	Model        string `json:"bot_model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	BotName      string `json:"bot_name,omitempty"`
}

// Opts holds server configuration applied via Option values.
type Opts struct {
	Addr            string
	CredentialsFile string
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithCredentialsFile sets the path of the admin credentials file.
func WithCredentialsFile(path string) Option {
	return func(o *Opts) { o.CredentialsFile = path }
}

// Server wires the HTTP surface to the store, chat hub, bot, and notifier.
type Server struct {
	st       store.Store
	hub      *chat.Hub
	bot      bot.Responder
	lister   ModelLister
	notifier notify.Notifier
	auth     *adminAuth
	addr     string

	// chatConfig holds per-session bot overrides set by chat flow steps.
	// Kept in memory: a restart falls back to condition defaults.
	mu         sync.Mutex
	chatConfig map[string]ChatSettings
}

// NewServer creates the API server. The store is required; the hub defaults
// to a fresh one and the notifier to the no-op.
func NewServer(st store.Store, responder bot.Responder, hub *chat.Hub, notifier notify.Notifier, opts ...Option) (*Server, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if hub == nil {
		hub = chat.NewHub()
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}

	s := &Server{
		st:         st,
		hub:        hub,
		bot:        responder,
		notifier:   notifier,
		auth:       newAdminAuth(cfg.CredentialsFile),
		addr:       cfg.Addr,
		chatConfig: make(map[string]ChatSettings),
	}
	if lister, ok := responder.(ModelLister); ok {
		s.lister = lister
	}
	hub.SetMessageHandler(s.handleChatMessage)
	hub.SetPresenceHandler(s.handlePresence)
	return s, nil
}

// Handler returns the fully routed HTTP handler, useful for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.healthHandler)
	mux.HandleFunc("/api/models", s.modelsHandler)

	mux.HandleFunc("/api/sessions", s.sessionsHandler)
	mux.HandleFunc("/api/sessions/", s.sessionSubtreeHandler)

	mux.HandleFunc("/api/conditions", s.conditionsHandler)
	mux.HandleFunc("/api/conditions/", s.conditionSubtreeHandler)

	mux.HandleFunc("/api/experiments", s.experimentsHandler)
	mux.HandleFunc("/api/experiments/", s.experimentSubtreeHandler)

	mux.HandleFunc("/admin/auth", s.adminAuthHandler)
	mux.HandleFunc("/admin/logout", s.adminLogoutHandler)

	mux.HandleFunc("/ws", s.participantWSHandler)
	mux.HandleFunc("/ws/viewer", s.viewerWSHandler)

	return mux
}

// Run starts the HTTP server and blocks until the context is canceled or
// the listener fails.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server.Run: shutdown failed", "error", err)
			return fmt.Errorf("failed to shut down server: %w", err)
		}
		slog.Info("Server.Run: server stopped")
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("Server.Run: listener failed", "error", err)
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}
}

// healthHandler provides a health check endpoint for monitoring.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	sessions, err := s.st.ListSessions()
	if err != nil {
		slog.Warn("Server.healthHandler: failed to list sessions", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to fetch session metrics"
	} else {
		active := 0
		for _, sess := range sessions {
			if sess.Status == models.SessionStatusActive {
				active++
			}
		}
		healthData["active_sessions"] = active
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSONResponse(w, statusCode, healthData)
}

// modelsHandler returns the models available at the completion endpoint
// (GET /api/models).
func (s *Server) modelsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.modelsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.auth.verifyRequest(r) {
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Admin authentication required"))
		return
	}
	if s.lister == nil {
		writeJSONResponse(w, http.StatusOK, models.Success([]string{}))
		return
	}
	names, err := s.lister.ListModels(r.Context())
	if err != nil {
		slog.Error("Server.modelsHandler: model listing failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list models"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(names))
}

// chatSettings returns the effective bot settings for a session: the chat
// step override when present, else the condition defaults.
func (s *Server) chatSettings(sess *models.Session) ChatSettings {
	s.mu.Lock()
	settings, ok := s.chatConfig[sess.SessionID]
	s.mu.Unlock()
	if ok {
		return settings
	}

	if sess.ConditionID != "" {
		cond, err := s.st.GetCondition(sess.ConditionID)
		if err != nil {
			slog.Warn("Server.chatSettings: condition lookup failed", "error", err, "condition_id", sess.ConditionID)
		} else if cond != nil {
			return ChatSettings{Model: cond.BotModel, SystemPrompt: cond.SystemPrompt}
		}
	}
	return ChatSettings{}
}

// setChatSettings records a chat step's bot override for a session.
func (s *Server) setChatSettings(sessionID string, settings ChatSettings) {
	s.mu.Lock()
	s.chatConfig[sessionID] = settings
	s.mu.Unlock()
}

// clearChatSettings drops a session's bot override, typically when the
// session ends.
func (s *Server) clearChatSettings(sessionID string) {
	s.mu.Lock()
	delete(s.chatConfig, sessionID)
	s.mu.Unlock()
}
