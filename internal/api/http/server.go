package apihttp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkgscout/searchservice/internal/app"
	"pkgscout/searchservice/internal/domain"
	"pkgscout/searchservice/internal/history"
	"pkgscout/searchservice/internal/settings"
)

const (
	maxQueryLength   = 500
	sessionHeader    = "X-Session-ID"
	sseHeartbeat     = 15 * time.Second
	defaultHTTPRPS   = 50
	defaultHTTPBurst = 100
)

type Server struct {
	sessions *app.SessionManager
	history  history.Store
	settings settings.Store
	logger   *slog.Logger

	rps   float64
	burst int
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.rps = rps
		s.burst = burst
	}
}

func NewServer(sessions *app.SessionManager, historyStore history.Store, settingsStore settings.Store, options ...ServerOption) *Server {
	server := &Server{
		sessions: sessions,
		history:  historyStore,
		settings: settingsStore,
		logger:   slog.Default(),
		rps:      defaultHTTPRPS,
		burst:    defaultHTTPBurst,
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	return server
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/sessions/", s.handleSessionByID)
	mux.HandleFunc("/search", s.handleSearch)
	mux.HandleFunc("/search/state", s.handleSearchState)
	mux.HandleFunc("/search/stream", s.handleSearchStream)
	mux.HandleFunc("/search/pause", s.handleSearchPause)
	mux.HandleFunc("/search/resume", s.handleSearchResume)
	mux.HandleFunc("/search/cancel", s.handleSearchCancel)
	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/history/replay", s.handleHistoryReplay)
	mux.HandleFunc("/settings", s.handleSettings)
	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "package-search",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health"
		}),
	)
	return recoveryMiddleware(s.logger, rateLimitMiddleware(s.rps, s.burst, metricsMiddleware(traced)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// ---------------------------------------------------------------------------
// Sessions

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session := s.sessions.Create()
	writeJSON(w, http.StatusCreated, map[string]any{"sessionId": session.ID})
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.sessions.Delete(id) {
		writeError(w, http.StatusNotFound, "unknown_session", "session not found")
		return
	}
	_ = s.settings.Delete(r.Context(), id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*app.Session, bool) {
	id := strings.TrimSpace(r.Header.Get(sessionHeader))
	if id == "" {
		id = strings.TrimSpace(r.URL.Query().Get("session"))
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "session id is required")
		return nil, false
	}
	session, ok := s.sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_session", "session not found")
		return nil, false
	}
	return session, true
}

// ---------------------------------------------------------------------------
// Search

type searchRequest struct {
	Query string `json:"query"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, ok := s.session(w, r)
	if !ok {
		return
	}

	var request searchRequest
	if err := decodeJSONBody(r, &request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(request.Query) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "invalid_request", "query too long (max 500 characters)")
		return
	}

	session.Orchestrator.Search(request.Query)
	writeJSON(w, http.StatusAccepted, session.Orchestrator.State())
}

func (s *Server) handleSearchState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, session.Orchestrator.State())
}

func (s *Server) handleSearchPause(w http.ResponseWriter, r *http.Request) {
	s.handleSearchControl(w, r, func(session *app.Session) {
		session.Orchestrator.Pause()
	})
}

func (s *Server) handleSearchResume(w http.ResponseWriter, r *http.Request) {
	s.handleSearchControl(w, r, func(session *app.Session) {
		session.Orchestrator.Resume()
	})
}

func (s *Server) handleSearchCancel(w http.ResponseWriter, r *http.Request) {
	s.handleSearchControl(w, r, func(session *app.Session) {
		session.Orchestrator.Cancel()
	})
}

func (s *Server) handleSearchControl(w http.ResponseWriter, r *http.Request, apply func(*app.Session)) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	apply(session)
	writeJSON(w, http.StatusOK, session.Orchestrator.State())
}

func (s *Server) handleSearchStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming is not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	updates, unsubscribe := session.Orchestrator.Subscribe()
	defer unsubscribe()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case state, open := <-updates:
			if !open {
				// Session closed underneath the stream.
				_ = writeSSEEvent(w, flusher, "done", map[string]any{"final": true})
				return
			}
			if err := writeSSEEvent(w, flusher, "state", state); err != nil {
				return // Client disconnected
			}
		}
	}
}

// ---------------------------------------------------------------------------
// History

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	snaps, err := s.history.List(r.Context())
	if err != nil {
		s.logger.Warn("history list failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "history unavailable")
		return
	}
	if snaps == nil {
		snaps = []domain.HistorySnapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": snaps})
}

type replayRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleHistoryReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, ok := s.session(w, r)
	if !ok {
		return
	}

	var request replayRequest
	if err := decodeJSONBody(r, &request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(request.ID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "snapshot id is required")
		return
	}

	snapshot, found, err := s.history.Get(r.Context(), request.ID)
	if err != nil {
		s.logger.Warn("history lookup failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "history unavailable")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "unknown_snapshot", "snapshot not found")
		return
	}

	// The snapshot carries the settings that produced it; replaying restores
	// them to the session so the next search runs with the same parameters.
	if err := s.settings.Put(r.Context(), session.ID, domain.SearchSettings{
		Mode:     snapshot.Mode,
		Weights:  snapshot.Weights,
		Weighted: snapshot.Weighted,
	}); err != nil {
		s.logger.Warn("replay settings restore failed", slog.String("error", err.Error()))
	}

	session.Orchestrator.Replay(snapshot)
	writeJSON(w, http.StatusOK, session.Orchestrator.State())
}

// ---------------------------------------------------------------------------
// Settings

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		current, err := s.settings.Get(r.Context(), session.ID)
		if err != nil {
			s.logger.Warn("settings lookup failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "internal_error", "settings unavailable")
			return
		}
		writeJSON(w, http.StatusOK, current)
	case http.MethodPut:
		var update domain.SearchSettings
		if err := decodeJSONBody(r, &update); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		if err := s.settings.Put(r.Context(), session.ID, update); err != nil {
			s.logger.Warn("settings update failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "internal_error", "settings update failed")
			return
		}
		stored, err := s.settings.Get(r.Context(), session.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "settings unavailable")
			return
		}
		writeJSON(w, http.StatusOK, stored)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// ---------------------------------------------------------------------------
// Helpers

func decodeJSONBody(r *http.Request, dest any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err // Client disconnected
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err // Client disconnected
	}
	flusher.Flush()
	return nil
}
