// Package settings stores per-session search preferences: mode, ranking
// weights and the weighted-search toggle. The orchestrator reads them once
// at the start of each search generation.
package settings

import (
	"context"
	"sync"
	"time"

	"pkgscout/searchservice/internal/domain"
)

type Store interface {
	Get(ctx context.Context, sessionID string) (domain.SearchSettings, error)
	Put(ctx context.Context, sessionID string, settings domain.SearchSettings) error
	Delete(ctx context.Context, sessionID string) error
}

type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]domain.SearchSettings
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]domain.SearchSettings)}
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (domain.SearchSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if settings, ok := s.entries[sessionID]; ok {
		return settings, nil
	}
	return domain.DefaultSearchSettings(), nil
}

func (s *MemoryStore) Put(_ context.Context, sessionID string, settings domain.SearchSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sessionID] = normalize(settings)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
	return nil
}

func normalize(settings domain.SearchSettings) domain.SearchSettings {
	settings.Mode = domain.NormalizeMode(string(settings.Mode))
	settings.Weights = domain.NormalizeWeights(settings.Weights)
	return settings
}

// SessionSource adapts a Store to the single-session view the orchestrator
// consumes. Lookup failures fall back to defaults so a flaky backend never
// blocks a search from starting.
type SessionSource struct {
	store     Store
	sessionID string
}

func NewSessionSource(store Store, sessionID string) *SessionSource {
	return &SessionSource{store: store, sessionID: sessionID}
}

func (s *SessionSource) Current(ctx context.Context) domain.SearchSettings {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	settings, err := s.store.Get(ctx, s.sessionID)
	if err != nil {
		return domain.DefaultSearchSettings()
	}
	return settings
}
