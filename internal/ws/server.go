package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agent-relay/backend/internal/detect"
	"github.com/agent-relay/backend/internal/session"
)

// Server exposes the engine over HTTP: a subscriber websocket, an ingest
// websocket for process hosts, and a small JSON API.
type Server struct {
	store          *session.Store
	registry       *detect.Registry
	review         *detect.ReviewDetector
	tracker        *session.Tracker
	broadcaster    *Broadcaster
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	logger         *zap.Logger
}

func NewServer(
	store *session.Store,
	registry *detect.Registry,
	review *detect.ReviewDetector,
	tracker *session.Tracker,
	broadcaster *Broadcaster,
	allowedOrigins []string,
	authToken string,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:          store,
		registry:       registry,
		review:         review,
		tracker:        tracker,
		broadcaster:    broadcaster,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      authToken,
		logger:         logger,
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/ws/ingest", s.handleIngest)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionRoutes)
	mux.HandleFunc("/api/health", s.handleHealth)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	s.logger.Info("subscriber connected", zap.String("remote", r.RemoteAddr))
	c := s.broadcaster.AddClient(conn)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			s.logger.Info("subscriber disconnected", zap.String("remote", r.RemoteAddr))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// handleIngest accepts the process host's push stream. Frames are processed
// strictly in arrival order per connection; each one is fully handled before
// the next is read, which is what gives detectors their per-session
// ordering guarantee.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ingest upgrade failed", zap.Error(err))
		return
	}

	s.logger.Info("ingest host connected", zap.String("remote", r.RemoteAddr))
	go func() {
		defer func() {
			conn.Close()
			s.logger.Info("ingest host disconnected", zap.String("remote", r.RemoteAddr))
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame IngestFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				s.logger.Warn("bad ingest frame", zap.Error(err))
				continue
			}
			s.handleFrame(frame)
		}
	}()
}

func (s *Server) handleFrame(frame IngestFrame) {
	if frame.SessionID == "" {
		s.logger.Warn("ingest frame without session id", zap.String("type", frame.Type))
		return
	}

	switch frame.Type {
	case "output":
		events := s.registry.ProcessOutput(frame.SessionID, frame.Data)
		s.broadcaster.QueueEvents(events)

	case "exit":
		events := s.registry.OnExit(frame.SessionID, frame.ExitCode)
		s.broadcaster.QueueEvents(events)
		s.registry.Cleanup(frame.SessionID)

	case "attach":
		s.tracker.SetPID(frame.SessionID, frame.PID)

	case "review":
		s.review.Register(frame.SessionID, frame.ReviewID)

	default:
		s.logger.Warn("unknown ingest frame type", zap.String("type", frame.Type))
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.store.GetAll())
}

func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Parse: /api/sessions/{id}
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	sessionID, err := url.PathUnescape(strings.TrimSuffix(path, "/"))
	if err != nil || sessionID == "" {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		sum, ok := s.store.Get(sessionID)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sum)

	case http.MethodDelete:
		s.registry.Cleanup(sessionID)
		s.store.Remove(sessionID)
		s.broadcaster.QueueRemoval([]string{sessionID})
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type healthPayload struct {
	Status           string         `json:"status"`
	ActiveSessions   int            `json:"activeSessions"`
	Subscribers      int            `json:"subscribers"`
	DetectorFailures map[string]int `json:"detectorFailures,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthPayload{
		Status:           "ok",
		ActiveSessions:   s.store.ActiveCount(),
		Subscribers:      s.broadcaster.ClientCount(),
		DetectorFailures: s.registry.FailureCounts(),
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Agent-Relay-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then shuts
// down gracefully.
func ListenAndServe(ctx context.Context, host string, port int, mux *http.ServeMux, logger *zap.Logger) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if logger != nil {
		logger.Info("server listening", zap.String("addr", addr))
	}
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
