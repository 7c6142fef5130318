package app

import (
	"context"
	"testing"
	"time"

	"pkgscout/searchservice/internal/domain"
	"pkgscout/searchservice/internal/registry"
	"pkgscout/searchservice/internal/settings"
)

type nopRegistry struct{}

func (nopRegistry) Search(context.Context, registry.SearchQuery) (registry.Page, error) {
	return registry.Page{}, nil
}

func (nopRegistry) Details(context.Context, string) (*domain.PackageDetails, error) {
	return nil, nil
}

func newTestManager(t *testing.T, idleTTL time.Duration) *SessionManager {
	t.Helper()
	m := NewSessionManager(SessionDeps{
		Registry: nopRegistry{},
		Settings: settings.NewMemoryStore(),
		IdleTTL:  idleTTL,
	})
	t.Cleanup(m.Close)
	return m
}

func TestSessionLifecycle(t *testing.T) {
	m := newTestManager(t, time.Minute)

	session := m.Create()
	if session.ID == "" {
		t.Fatal("expected session id")
	}
	if session.Orchestrator == nil {
		t.Fatal("expected orchestrator attached")
	}

	got, ok := m.Get(session.ID)
	if !ok || got.ID != session.ID {
		t.Fatalf("expected session resolvable, got ok=%v", ok)
	}

	if !m.Delete(session.ID) {
		t.Fatal("expected delete to succeed")
	}
	if _, ok := m.Get(session.ID); ok {
		t.Fatal("deleted session still resolvable")
	}
	if m.Delete(session.ID) {
		t.Fatal("double delete must report false")
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	m := newTestManager(t, time.Minute)

	a := m.Create()
	b := m.Create()
	if a.ID == b.ID {
		t.Fatal("session ids must be unique")
	}
	if a.Orchestrator == b.Orchestrator {
		t.Fatal("sessions must not share an orchestrator")
	}

	m.Delete(a.ID)
	if _, ok := m.Get(b.ID); !ok {
		t.Fatal("deleting one session removed another")
	}
}

func TestIdleSessionsExpire(t *testing.T) {
	m := newTestManager(t, time.Minute)

	stale := m.Create()
	fresh := m.Create()
	fresh.touch()

	// Force the stale session past the cutoff instead of waiting.
	stale.mu.Lock()
	stale.lastSeen = time.Now().Add(-2 * time.Minute)
	stale.mu.Unlock()

	m.expireIdle(time.Now().Add(-time.Minute))

	if _, ok := m.Get(stale.ID); ok {
		t.Fatal("idle session not expired")
	}
	if _, ok := m.Get(fresh.ID); !ok {
		t.Fatal("live session expired")
	}
}
