// Package history keeps finalized search snapshots so past searches can
// be listed and replayed without refetching.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkgscout/searchservice/internal/domain"
)

const defaultLimit = 50

type Store interface {
	// Record files a snapshot, assigning its ID. Fire-and-forget: failures
	// are logged by implementations, never returned to the caller.
	Record(snapshot domain.HistorySnapshot)
	List(ctx context.Context) ([]domain.HistorySnapshot, error)
	Get(ctx context.Context, id string) (domain.HistorySnapshot, bool, error)
}

// MemoryStore keeps the newest snapshots first, capped at a fixed limit.
type MemoryStore struct {
	mu    sync.Mutex
	snaps []domain.HistorySnapshot
	limit int
}

func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &MemoryStore{limit: limit}
}

func (s *MemoryStore) Record(snapshot domain.HistorySnapshot) {
	stamp(&snapshot)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append([]domain.HistorySnapshot{snapshot}, s.snaps...)
	if len(s.snaps) > s.limit {
		s.snaps = s.snaps[:s.limit]
	}
}

func (s *MemoryStore) List(context.Context) ([]domain.HistorySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.HistorySnapshot(nil), s.snaps...), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (domain.HistorySnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range s.snaps {
		if snap.ID == id {
			return snap, true, nil
		}
	}
	return domain.HistorySnapshot{}, false, nil
}

func stamp(snapshot *domain.HistorySnapshot) {
	if snapshot.ID == "" {
		snapshot.ID = uuid.NewString()
	}
	if snapshot.RecordedAt.IsZero() {
		snapshot.RecordedAt = time.Now().UTC()
	}
}
