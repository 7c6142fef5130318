package search

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkgscout/searchservice/internal/domain"
	"pkgscout/searchservice/internal/registry"
)

// ---------------------------------------------------------------------------
// Fakes

type funcRegistry struct {
	search  func(ctx context.Context, query registry.SearchQuery) (registry.Page, error)
	details func(ctx context.Context, name string) (*domain.PackageDetails, error)
}

func (f *funcRegistry) Search(ctx context.Context, query registry.SearchQuery) (registry.Page, error) {
	return f.search(ctx, query)
}

func (f *funcRegistry) Details(ctx context.Context, name string) (*domain.PackageDetails, error) {
	if f.details == nil {
		return nil, nil
	}
	return f.details(ctx, name)
}

type recordingHistory struct {
	mu    sync.Mutex
	snaps []domain.HistorySnapshot
}

func (r *recordingHistory) Record(snapshot domain.HistorySnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snapshot)
}

func (r *recordingHistory) recorded() []domain.HistorySnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.HistorySnapshot(nil), r.snaps...)
}

type staticSettings domain.SearchSettings

func (s staticSettings) Current(context.Context) domain.SearchSettings {
	return domain.SearchSettings(s)
}

type funcDiscovery func(ctx context.Context, query string) ([]string, error)

func (f funcDiscovery) Discover(ctx context.Context, query string) ([]string, error) {
	return f(ctx, query)
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testOrchestrator(t *testing.T, cfg OrchestratorConfig) *Orchestrator {
	t.Helper()
	if cfg.Debounce == 0 {
		cfg.Debounce = 5 * time.Millisecond
	}
	orch := NewOrchestrator(cfg)
	t.Cleanup(orch.Close)
	return orch
}

// ---------------------------------------------------------------------------
// Tests

func TestSearchDebouncesRapidInput(t *testing.T) {
	var calls atomic.Int32
	var lastQuery atomic.Value
	reg := &funcRegistry{
		search: func(_ context.Context, query registry.SearchQuery) (registry.Page, error) {
			calls.Add(1)
			lastQuery.Store(query.Text)
			return registry.Page{Items: makeResults("hit"), Total: 1}, nil
		},
	}
	orch := testOrchestrator(t, OrchestratorConfig{Registry: reg, Debounce: 30 * time.Millisecond})

	orch.Search("rea")
	orch.Search("reac")
	orch.Search("react")

	waitFor(t, "search completion", func() bool {
		return orch.State().Phase == domain.PhaseCompleted
	})
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 registry call after debounce, got %d", got)
	}
	if got := lastQuery.Load(); got != "react" {
		t.Fatalf("expected the last query to win, got %q", got)
	}
}

func TestShortQueryTakesSingleBulkFetch(t *testing.T) {
	var calls atomic.Int32
	var limit atomic.Int32
	reg := &funcRegistry{
		search: func(_ context.Context, query registry.SearchQuery) (registry.Page, error) {
			calls.Add(1)
			limit.Store(int32(query.Limit))
			return registry.Page{Items: makeResults("go"), Total: 1}, nil
		},
	}
	orch := testOrchestrator(t, OrchestratorConfig{Registry: reg, BulkPageSize: 7})

	orch.Search("go")

	waitFor(t, "search completion", func() bool {
		return orch.State().Phase == domain.PhaseCompleted
	})
	if got := calls.Load(); got != 1 {
		t.Fatalf("short query must issue exactly one bulk fetch, got %d", got)
	}
	if got := limit.Load(); got != 7 {
		t.Fatalf("expected bulk page size 7, got %d", got)
	}
}

func TestLongQueryStreamsChunks(t *testing.T) {
	all := makeResults("a", "b", "c", "d", "e")
	reg := &funcRegistry{
		search: func(_ context.Context, query registry.SearchQuery) (registry.Page, error) {
			end := query.Offset + query.Limit
			if end > len(all) {
				end = len(all)
			}
			return registry.Page{Items: all[query.Offset:end], Total: len(all)}, nil
		},
	}
	orch := testOrchestrator(t, OrchestratorConfig{Registry: reg, PageSize: 2})

	orch.Search("logging middleware")

	waitFor(t, "search completion", func() bool {
		return orch.State().Phase == domain.PhaseCompleted
	})
	state := orch.State()
	if len(state.Results) != 5 || state.TotalFound != 5 {
		t.Fatalf("expected all pages appended, got %d results total %d", len(state.Results), state.TotalFound)
	}
	for i, want := range []string{"a", "b", "c", "d", "e"} {
		if state.Results[i].Name != want {
			t.Fatalf("registry order not preserved: %+v", state.Results)
		}
	}
	if state.Progress != 100 {
		t.Fatalf("expected progress 100 on completion, got %v", state.Progress)
	}
}

func TestSupersededGenerationCannotWrite(t *testing.T) {
	firstStarted := make(chan struct{})
	firstRelease := make(chan struct{})
	var once sync.Once
	reg := &funcRegistry{
		search: func(_ context.Context, query registry.SearchQuery) (registry.Page, error) {
			if strings.Contains(query.Text, "foo") {
				once.Do(func() { close(firstStarted) })
				<-firstRelease
				return registry.Page{Items: makeResults("stale"), Total: 500}, nil
			}
			return registry.Page{Items: makeResults("fresh"), Total: 10}, nil
		},
	}
	history := &recordingHistory{}
	orch := testOrchestrator(t, OrchestratorConfig{Registry: reg, History: history})

	orch.Search("foo query")
	<-firstStarted
	orch.Search("bar query")

	waitFor(t, "second search completion", func() bool {
		state := orch.State()
		return state.Phase == domain.PhaseCompleted && state.Query == "bar query"
	})

	// Let the superseded generation deliver its late result; it must change
	// nothing.
	close(firstRelease)
	time.Sleep(30 * time.Millisecond)

	state := orch.State()
	if state.TotalFound != 10 {
		t.Fatalf("stale generation wrote total %d", state.TotalFound)
	}
	if len(state.Results) != 1 || state.Results[0].Name != "fresh" {
		t.Fatalf("stale generation wrote results: %+v", state.Results)
	}
	snaps := history.recorded()
	if len(snaps) != 1 || snaps[0].Query != "bar query" {
		t.Fatalf("expected one snapshot for the winning generation, got %+v", snaps)
	}
}

func TestPauseHoldsStreamAtChunkBoundary(t *testing.T) {
	var calls atomic.Int32
	all := makeResults("a", "b", "c", "d")
	reg := &funcRegistry{
		search: func(_ context.Context, query registry.SearchQuery) (registry.Page, error) {
			calls.Add(1)
			end := query.Offset + query.Limit
			if end > len(all) {
				end = len(all)
			}
			return registry.Page{Items: all[query.Offset:end], Total: len(all)}, nil
		},
	}
	orch := testOrchestrator(t, OrchestratorConfig{Registry: reg, PageSize: 2})

	// Pause before the search starts: the stream must hold before the very
	// first fetch.
	orch.Pause()
	orch.Search("paused from the start")

	waitFor(t, "paused phase", func() bool {
		return orch.State().Phase == domain.PhasePaused
	})
	if got := calls.Load(); got != 0 {
		t.Fatalf("paused stream issued %d fetches", got)
	}

	orch.Resume()
	waitFor(t, "completion after resume", func() bool {
		return orch.State().Phase == domain.PhaseCompleted
	})
	state := orch.State()
	if len(state.Results) != 4 {
		t.Fatalf("chunks lost across pause/resume: %+v", state.Results)
	}
	for i, want := range []string{"a", "b", "c", "d"} {
		if state.Results[i].Name != want {
			t.Fatalf("chunk order changed across pause/resume: %+v", state.Results)
		}
	}
}

func TestCancelAbortsWithoutSnapshot(t *testing.T) {
	reg := &funcRegistry{
		search: func(ctx context.Context, _ registry.SearchQuery) (registry.Page, error) {
			<-ctx.Done()
			return registry.Page{}, ctx.Err()
		},
	}
	history := &recordingHistory{}
	orch := testOrchestrator(t, OrchestratorConfig{Registry: reg, History: history})

	orch.Search("long running")
	waitFor(t, "running phase", func() bool {
		return orch.State().Phase == domain.PhaseRunning
	})

	orch.Cancel()
	waitFor(t, "aborted phase", func() bool {
		return orch.State().Phase == domain.PhaseAborted
	})

	time.Sleep(20 * time.Millisecond)
	if phase := orch.State().Phase; phase != domain.PhaseAborted {
		t.Fatalf("aborted search drifted to %s", phase)
	}
	if snaps := history.recorded(); len(snaps) != 0 {
		t.Fatalf("aborted search recorded history: %+v", snaps)
	}
}

func TestUpstreamFailureSetsFailed(t *testing.T) {
	reg := &funcRegistry{
		search: func(context.Context, registry.SearchQuery) (registry.Page, error) {
			return registry.Page{}, errors.New("registry unreachable")
		},
	}
	history := &recordingHistory{}
	orch := testOrchestrator(t, OrchestratorConfig{Registry: reg, History: history})

	orch.Search("anything at all")

	waitFor(t, "failed phase", func() bool {
		return orch.State().Phase == domain.PhaseFailed
	})
	state := orch.State()
	if !strings.Contains(state.ErrorMessage, "registry unreachable") {
		t.Fatalf("expected upstream message, got %q", state.ErrorMessage)
	}
	if snaps := history.recorded(); len(snaps) != 0 {
		t.Fatalf("failed search recorded history: %+v", snaps)
	}
}

func TestUpstreamTimeoutSetsFailed(t *testing.T) {
	// The registry client's own HTTP timeout surfaces as a wrapped
	// DeadlineExceeded. The generation context carries no deadline, so this
	// is an upstream failure, not a cancellation.
	reg := &funcRegistry{
		search: func(context.Context, registry.SearchQuery) (registry.Page, error) {
			return registry.Page{}, fmt.Errorf("Get %q: %w", "https://registry.npmjs.org/-/v1/search", context.DeadlineExceeded)
		},
	}
	history := &recordingHistory{}
	orch := testOrchestrator(t, OrchestratorConfig{Registry: reg, History: history})

	orch.Search("slow registry")

	waitFor(t, "failed phase", func() bool {
		return orch.State().Phase == domain.PhaseFailed
	})
	state := orch.State()
	if !strings.Contains(state.ErrorMessage, "deadline exceeded") {
		t.Fatalf("expected the timeout surfaced to the user, got %q", state.ErrorMessage)
	}
	if snaps := history.recorded(); len(snaps) != 0 {
		t.Fatalf("timed-out search recorded history: %+v", snaps)
	}
}

func TestPauseMidStreamStopsFurtherFetches(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{}, 3)
	all := makeResults("a", "b", "c", "d", "e", "f")
	reg := &funcRegistry{
		search: func(_ context.Context, query registry.SearchQuery) (registry.Page, error) {
			calls.Add(1)
			<-release
			end := query.Offset + query.Limit
			if end > len(all) {
				end = len(all)
			}
			return registry.Page{Items: all[query.Offset:end], Total: len(all)}, nil
		},
	}
	orch := testOrchestrator(t, OrchestratorConfig{Registry: reg, PageSize: 2})

	orch.Search("pause midway through")
	waitFor(t, "first fetch in flight", func() bool {
		return calls.Load() == 1
	})

	// Pause while the first fetch is in flight: its chunk still lands, but
	// the stream must hold before requesting the next page.
	orch.Pause()
	release <- struct{}{}

	waitFor(t, "paused after first chunk", func() bool {
		return orch.State().Phase == domain.PhasePaused
	})
	state := orch.State()
	if len(state.Results) != 2 || state.TotalFound != 6 {
		t.Fatalf("expected the in-flight chunk delivered, got %d results total %d", len(state.Results), state.TotalFound)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("paused stream kept fetching: %d calls", got)
	}

	orch.Resume()
	release <- struct{}{}
	release <- struct{}{}
	waitFor(t, "completion after mid-stream resume", func() bool {
		return orch.State().Phase == domain.PhaseCompleted
	})
	state = orch.State()
	if len(state.Results) != 6 {
		t.Fatalf("chunks lost across mid-stream pause: %+v", state.Results)
	}
	for i, want := range []string{"a", "b", "c", "d", "e", "f"} {
		if state.Results[i].Name != want {
			t.Fatalf("chunk order changed across mid-stream pause: %+v", state.Results)
		}
	}
}

func TestEnrichmentMergesDetails(t *testing.T) {
	reg := &funcRegistry{
		search: func(context.Context, registry.SearchQuery) (registry.Page, error) {
			return registry.Page{Items: makeResults("lodash", "underscore"), Total: 2}, nil
		},
		details: func(_ context.Context, name string) (*domain.PackageDetails, error) {
			if name == "underscore" {
				return nil, errors.New("manifest fetch failed")
			}
			return &domain.PackageDetails{License: "MIT", FileCount: 12}, nil
		},
	}
	orch := testOrchestrator(t, OrchestratorConfig{Registry: reg})

	orch.Search("utility belt")

	waitFor(t, "enriched result", func() bool {
		state := orch.State()
		return len(state.Results) == 2 && state.Results[0].Details != nil
	})
	state := orch.State()
	if state.Results[0].Details.License != "MIT" {
		t.Fatalf("unexpected details: %+v", state.Results[0].Details)
	}
	// The failed item keeps Details unset and does not fail the search.
	if state.Results[1].Details != nil {
		t.Fatalf("failed enrichment still attached details: %+v", state.Results[1])
	}
	if state.Phase != domain.PhaseCompleted {
		t.Fatalf("per-item failure changed phase to %s", state.Phase)
	}
}

func TestHistorySnapshotCapsAndStripsResults(t *testing.T) {
	names := make([]string, 120)
	for i := range names {
		names[i] = "pkg-" + strconv.Itoa(i)
	}
	all := makeResults(names...)
	reg := &funcRegistry{
		search: func(_ context.Context, query registry.SearchQuery) (registry.Page, error) {
			end := query.Offset + query.Limit
			if end > len(all) {
				end = len(all)
			}
			return registry.Page{Items: all[query.Offset:end], Total: len(all)}, nil
		},
		details: func(context.Context, string) (*domain.PackageDetails, error) {
			return &domain.PackageDetails{License: "MIT"}, nil
		},
	}
	history := &recordingHistory{}
	settings := staticSettings{Mode: domain.SearchModeGeneral, Weights: domain.Weights{Quality: 1.5, Popularity: 0.5, Maintenance: 1}, Weighted: true}
	orch := testOrchestrator(t, OrchestratorConfig{Registry: reg, History: history, Settings: settings, PageSize: 60})

	orch.Search("popular packages")

	waitFor(t, "snapshot", func() bool {
		return len(history.recorded()) > 0
	})
	snaps := history.recorded()
	if len(snaps) != 1 {
		t.Fatalf("expected exactly one snapshot, got %d", len(snaps))
	}
	snap := snaps[0]
	if len(snap.Results) != 100 {
		t.Fatalf("expected snapshot capped at 100 results, got %d", len(snap.Results))
	}
	if snap.TotalFound != 120 {
		t.Fatalf("expected total 120, got %d", snap.TotalFound)
	}
	if snap.Weights.Quality != 1.5 || !snap.Weighted {
		t.Fatalf("snapshot lost settings: %+v", snap)
	}
	for _, result := range snap.Results {
		if result.Details != nil {
			t.Fatalf("snapshot results must have details stripped: %+v", result)
		}
	}
}

func TestReplayRestoresWithoutNetwork(t *testing.T) {
	var calls atomic.Int32
	reg := &funcRegistry{
		search: func(context.Context, registry.SearchQuery) (registry.Page, error) {
			calls.Add(1)
			return registry.Page{}, nil
		},
	}
	history := &recordingHistory{}
	orch := testOrchestrator(t, OrchestratorConfig{Registry: reg, History: history})

	snap := domain.HistorySnapshot{
		Query:      "left-pad",
		Mode:       domain.SearchModeExact,
		Weights:    domain.DefaultWeights(),
		Results:    makeResults("left-pad", "pad-left"),
		TotalFound: 2,
	}
	orch.Replay(snap)

	state := orch.State()
	if state.Phase != domain.PhaseCompleted {
		t.Fatalf("expected Completed after replay, got %s", state.Phase)
	}
	if state.Query != "left-pad" || state.Mode != domain.SearchModeExact {
		t.Fatalf("replay lost query parameters: %+v", state)
	}
	if len(state.Results) != 2 || state.TotalFound != 2 {
		t.Fatalf("replay lost results: %+v", state)
	}
	if got := calls.Load(); got != 0 {
		t.Fatalf("replay issued %d network calls", got)
	}
	if snaps := history.recorded(); len(snaps) != 0 {
		t.Fatalf("replay re-recorded history: %+v", snaps)
	}
}

func TestDiscoveryModeFoldsRecommendations(t *testing.T) {
	var searched atomic.Value
	reg := &funcRegistry{
		search: func(_ context.Context, query registry.SearchQuery) (registry.Page, error) {
			searched.Store(query.Text)
			return registry.Page{Items: makeResults("zustand", "jotai"), Total: 2}, nil
		},
	}
	disc := funcDiscovery(func(_ context.Context, query string) ([]string, error) {
		if query != "state management for react" {
			return nil, errors.New("unexpected discovery query")
		}
		return []string{"zustand", "jotai", "redux"}, nil
	})
	settings := staticSettings{Mode: domain.SearchModeDiscovery, Weights: domain.DefaultWeights()}
	orch := testOrchestrator(t, OrchestratorConfig{Registry: reg, Discovery: disc, Settings: settings})

	orch.Search("state management for react")

	waitFor(t, "discovery completion", func() bool {
		return orch.State().Phase == domain.PhaseCompleted
	})
	if got := searched.Load(); got != "zustand jotai redux" {
		t.Fatalf("expected synthetic query from recommendations, got %q", got)
	}
	if state := orch.State(); len(state.Results) != 2 {
		t.Fatalf("unexpected results: %+v", state.Results)
	}
}

func TestDiscoveryFailureSetsFailed(t *testing.T) {
	reg := &funcRegistry{
		search: func(context.Context, registry.SearchQuery) (registry.Page, error) {
			return registry.Page{}, nil
		},
	}
	disc := funcDiscovery(func(context.Context, string) ([]string, error) {
		return nil, errors.New("model overloaded")
	})
	settings := staticSettings{Mode: domain.SearchModeDiscovery}
	orch := testOrchestrator(t, OrchestratorConfig{Registry: reg, Discovery: disc, Settings: settings})

	orch.Search("anything")

	waitFor(t, "failed phase", func() bool {
		return orch.State().Phase == domain.PhaseFailed
	})
	if msg := orch.State().ErrorMessage; !strings.Contains(msg, "model overloaded") {
		t.Fatalf("expected discovery error surfaced, got %q", msg)
	}
}

func TestEmptyQueryResetsToIdle(t *testing.T) {
	reg := &funcRegistry{
		search: func(context.Context, registry.SearchQuery) (registry.Page, error) {
			return registry.Page{Items: makeResults("hit"), Total: 1}, nil
		},
	}
	orch := testOrchestrator(t, OrchestratorConfig{Registry: reg})

	orch.Search("something")
	waitFor(t, "completion", func() bool {
		return orch.State().Phase == domain.PhaseCompleted
	})

	orch.Search("   ")
	state := orch.State()
	if state.Phase != domain.PhaseIdle {
		t.Fatalf("expected Idle after empty query, got %s", state.Phase)
	}
	if len(state.Results) != 0 {
		t.Fatalf("expected cleared results, got %+v", state.Results)
	}
}

func TestSubscribeDeliversUpdates(t *testing.T) {
	reg := &funcRegistry{
		search: func(context.Context, registry.SearchQuery) (registry.Page, error) {
			return registry.Page{Items: makeResults("hit"), Total: 1}, nil
		},
	}
	orch := testOrchestrator(t, OrchestratorConfig{Registry: reg})

	updates, unsubscribe := orch.Subscribe()
	defer unsubscribe()

	first := <-updates
	if first.Phase != domain.PhaseIdle {
		t.Fatalf("expected initial Idle state, got %s", first.Phase)
	}

	orch.Search("anything here")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case state := <-updates:
			if state.Phase == domain.PhaseCompleted {
				if len(state.Results) != 1 {
					t.Fatalf("completed update missing results: %+v", state)
				}
				return
			}
		case <-deadline:
			t.Fatal("no completed update delivered")
		}
	}
}
