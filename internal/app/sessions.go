package app

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkgscout/searchservice/internal/metrics"
	"pkgscout/searchservice/internal/search"
	"pkgscout/searchservice/internal/settings"
)

const defaultIdleTTL = 30 * time.Minute

// Session binds one client to its own search orchestrator and settings.
type Session struct {
	ID           string
	Orchestrator *search.Orchestrator

	mu       sync.Mutex
	lastSeen time.Time
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// SessionDeps are the collaborators every session's orchestrator shares.
type SessionDeps struct {
	Registry  search.Registry
	Discovery search.Discovery
	History   search.HistoryRecorder
	Settings  settings.Store

	Debounce     time.Duration
	PageSize     int
	BulkPageSize int
	EnrichLimit  int64
	IdleTTL      time.Duration
}

// SessionManager creates, resolves and expires sessions. A session that has
// not been touched within the idle TTL is closed, aborting any search it
// still has running.
type SessionManager struct {
	deps    SessionDeps
	idleTTL time.Duration

	mu       sync.Mutex
	sessions map[string]*Session

	stopOnce sync.Once
	stop     chan struct{}
}

func NewSessionManager(deps SessionDeps) *SessionManager {
	idleTTL := deps.IdleTTL
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	m := &SessionManager{
		deps:     deps,
		idleTTL:  idleTTL,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
	go m.sweep()
	return m
}

func (m *SessionManager) Create() *Session {
	id := uuid.NewString()
	session := &Session{
		ID: id,
		Orchestrator: search.NewOrchestrator(search.OrchestratorConfig{
			Registry:     m.deps.Registry,
			Discovery:    m.deps.Discovery,
			History:      m.deps.History,
			Settings:     settings.NewSessionSource(m.deps.Settings, id),
			Debounce:     m.deps.Debounce,
			PageSize:     m.deps.PageSize,
			BulkPageSize: m.deps.BulkPageSize,
			EnrichLimit:  m.deps.EnrichLimit,
		}),
		lastSeen: time.Now(),
	}

	m.mu.Lock()
	m.sessions[id] = session
	count := len(m.sessions)
	m.mu.Unlock()

	metrics.SessionsActive.Set(float64(count))
	slog.Info("session created", slog.String("session", id))
	return session
}

// Get resolves a session and marks it live.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		session.touch()
	}
	return session, ok
}

func (m *SessionManager) Delete(id string) bool {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return false
	}
	session.Orchestrator.Close()
	metrics.SessionsActive.Set(float64(count))
	slog.Info("session deleted", slog.String("session", id))
	return true
}

// Close shuts every session down. Used on service shutdown.
func (m *SessionManager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, session := range m.sessions {
		sessions = append(sessions, session)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, session := range sessions {
		session.Orchestrator.Close()
	}
	metrics.SessionsActive.Set(0)
}

func (m *SessionManager) sweep() {
	interval := m.idleTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.expireIdle(time.Now().Add(-m.idleTTL))
		}
	}
}

func (m *SessionManager) expireIdle(cutoff time.Time) {
	m.mu.Lock()
	var expired []*Session
	for id, session := range m.sessions {
		if session.idleSince().Before(cutoff) {
			expired = append(expired, session)
			delete(m.sessions, id)
		}
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	for _, session := range expired {
		session.Orchestrator.Close()
		slog.Info("session expired", slog.String("session", session.ID))
	}
	metrics.SessionsActive.Set(float64(count))
}
