package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"pkgscout/searchservice/internal/domain"
	"pkgscout/searchservice/internal/metrics"
	"pkgscout/searchservice/internal/registry"
)

const (
	defaultDebounce     = 250 * time.Millisecond
	defaultPageSize     = 250
	defaultBulkPageSize = 20

	// Streamed pagination only pays off for queries long enough to narrow
	// the result space; anything shorter takes the single bulk fetch.
	minStreamQueryLen = 3

	snapshotResultLimit = 100
)

// Discovery resolves a natural-language query into recommended package names.
type Discovery interface {
	Discover(ctx context.Context, query string) ([]string, error)
}

// HistoryRecorder receives finalized search snapshots. Recording is
// fire-and-forget; the orchestrator never reads history back.
type HistoryRecorder interface {
	Record(snapshot domain.HistorySnapshot)
}

// SettingsSource supplies the search settings in effect when a generation
// starts. The orchestrator reads it exactly once per generation.
type SettingsSource interface {
	Current(ctx context.Context) domain.SearchSettings
}

type OrchestratorConfig struct {
	Registry  Registry
	Discovery Discovery
	History   HistoryRecorder
	Settings  SettingsSource

	Debounce     time.Duration
	PageSize     int
	BulkPageSize int
	EnrichLimit  int64
}

// Orchestrator owns the active-search state machine for one session. Each
// accepted query opens a new generation with its own cancellation scope;
// starting a generation supersedes the previous one instantly. All shared
// state writes pass a currency check, so a superseded generation's
// late-arriving results and enrichment callbacks are silently dropped.
type Orchestrator struct {
	registry  Registry
	discovery Discovery
	history   HistoryRecorder
	settings  SettingsSource

	debounce     time.Duration
	pageSize     int
	bulkPageSize int
	enrichLimit  int64

	mu         sync.Mutex
	gen        uint64
	cancel     context.CancelFunc
	state      domain.SearchState
	paused     bool
	resumeGate chan struct{}
	debTimer   *time.Timer
	closed     bool

	subs      map[uint64]chan domain.SearchState
	nextSubID uint64
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Registry == nil {
		panic("search: orchestrator requires a registry")
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	bulkPageSize := cfg.BulkPageSize
	if bulkPageSize <= 0 {
		bulkPageSize = defaultBulkPageSize
	}
	enrichLimit := cfg.EnrichLimit
	if enrichLimit <= 0 {
		enrichLimit = defaultEnrichLimit
	}

	return &Orchestrator{
		registry:     cfg.Registry,
		discovery:    cfg.Discovery,
		history:      cfg.History,
		settings:     cfg.Settings,
		debounce:     debounce,
		pageSize:     pageSize,
		bulkPageSize: bulkPageSize,
		enrichLimit:  enrichLimit,
		state:        domain.SearchState{Phase: domain.PhaseIdle},
		subs:         make(map[uint64]chan domain.SearchState),
	}
}

// ---------------------------------------------------------------------------
// Public surface

// Search schedules a search for query after the debounce window. Submitting
// again within the window replaces the pending query; an empty query cancels
// the active search and resets to idle.
func (o *Orchestrator) Search(query string) {
	query = strings.TrimSpace(query)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if o.debTimer != nil {
		o.debTimer.Stop()
		o.debTimer = nil
	}
	if query == "" {
		o.supersedeLocked()
		o.state = domain.SearchState{Phase: domain.PhaseIdle}
		o.notifyLocked()
		return
	}
	o.debTimer = time.AfterFunc(o.debounce, func() {
		o.start(query)
	})
}

// Pause raises the pause flag. A streamed search stops advancing at the next
// chunk boundary; a single bulk fetch in flight is unaffected.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.paused || o.closed {
		return
	}
	o.paused = true
	o.resumeGate = make(chan struct{})
}

// Resume drops the pause flag and releases a stream held at a chunk boundary.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.paused {
		return
	}
	o.paused = false
	close(o.resumeGate)
	o.resumeGate = nil
}

// Cancel aborts the active search, if any. The generation's context is
// cancelled and its currency revoked, so nothing it still has in flight can
// reach shared state.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.debTimer != nil {
		o.debTimer.Stop()
		o.debTimer = nil
	}
	if o.supersedeLocked() {
		o.state.Phase = domain.PhaseAborted
		o.notifyLocked()
		metrics.SearchesFinishedTotal.WithLabelValues(string(domain.PhaseAborted)).Inc()
	}
}

// Replay restores a recorded snapshot as the current state: phase Completed,
// results and totals as recorded, no network calls, no new history entry.
func (o *Orchestrator) Replay(snapshot domain.HistorySnapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if o.debTimer != nil {
		o.debTimer.Stop()
		o.debTimer = nil
	}
	o.supersedeLocked()
	o.gen++
	o.state = domain.SearchState{
		Phase:      domain.PhaseCompleted,
		Query:      snapshot.Query,
		Mode:       snapshot.Mode,
		Results:    domain.CloneResults(snapshot.Results),
		TotalFound: snapshot.TotalFound,
		Progress:   100,
	}
	o.notifyLocked()
}

// State returns a copy of the current search state.
func (o *Orchestrator) State() domain.SearchState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// Paused reports the externally controlled pause flag.
func (o *Orchestrator) Paused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

// Subscribe registers a state listener. The current state is delivered
// immediately; subsequent updates are best-effort and dropped when the
// subscriber falls behind. The returned func unsubscribes.
func (o *Orchestrator) Subscribe() (<-chan domain.SearchState, func()) {
	o.mu.Lock()
	id := o.nextSubID
	o.nextSubID++
	ch := make(chan domain.SearchState, 16)
	ch <- o.snapshotLocked()
	o.subs[id] = ch
	o.mu.Unlock()

	return ch, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if sub, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(sub)
		}
	}
}

// Close tears the orchestrator down: the active generation is aborted and
// all subscribers are released. The orchestrator accepts no work afterwards.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	if o.debTimer != nil {
		o.debTimer.Stop()
		o.debTimer = nil
	}
	if o.supersedeLocked() {
		o.state.Phase = domain.PhaseAborted
		metrics.SearchesFinishedTotal.WithLabelValues(string(domain.PhaseAborted)).Inc()
	}
	if o.paused {
		o.paused = false
		close(o.resumeGate)
		o.resumeGate = nil
	}
	for id, sub := range o.subs {
		delete(o.subs, id)
		close(sub)
	}
}

// ---------------------------------------------------------------------------
// Generation lifecycle

// supersedeLocked revokes the active generation's currency and cancels its
// context. Returns true when a Running or Paused generation was cut short.
func (o *Orchestrator) supersedeLocked() bool {
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
		o.gen++
		if o.state.Phase == domain.PhaseRunning || o.state.Phase == domain.PhasePaused {
			metrics.SearchesSupersededTotal.Inc()
			return true
		}
	}
	return false
}

func (o *Orchestrator) start(query string) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.supersedeLocked()
	o.gen++
	gen := o.gen
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.state = domain.SearchState{Phase: domain.PhaseRunning, Query: query}
	o.notifyLocked()
	o.mu.Unlock()

	go o.run(ctx, gen, query)
}

func (o *Orchestrator) run(ctx context.Context, gen uint64, query string) {
	settings := o.currentSettings(ctx)
	o.writeIfCurrent(gen, func(s *domain.SearchState) {
		s.Mode = settings.Mode
	})
	metrics.SearchesStartedTotal.WithLabelValues(string(settings.Mode)).Inc()
	slog.Info("search started",
		slog.String("query", query),
		slog.String("mode", string(settings.Mode)))
	startedAt := time.Now()

	var err error
	switch {
	case settings.Mode == domain.SearchModeDiscovery:
		err = o.runDiscovery(ctx, gen, query, settings)
	case settings.Mode == domain.SearchModeGeneral && len([]rune(query)) >= minStreamQueryLen:
		err = o.runStreamed(ctx, gen, query, settings)
	default:
		err = o.runBulk(ctx, gen, query, settings, o.bulkPageSize)
	}

	o.finish(ctx, gen, query, settings, err, time.Since(startedAt))
}

func (o *Orchestrator) finish(ctx context.Context, gen uint64, query string, settings domain.SearchSettings, err error, elapsed time.Duration) {
	switch {
	case err == nil:
		var snapshot *domain.HistorySnapshot
		committed := o.writeIfCurrent(gen, func(s *domain.SearchState) {
			s.Phase = domain.PhaseCompleted
			s.Progress = 100
			snapshot = buildSnapshot(s, settings)
		})
		if !committed {
			return
		}
		metrics.SearchesFinishedTotal.WithLabelValues(string(domain.PhaseCompleted)).Inc()
		slog.Info("search completed",
			slog.String("query", query),
			slog.Int64("elapsedMs", elapsed.Milliseconds()))
		if o.history != nil && snapshot != nil {
			o.history.Record(*snapshot)
		}
	case isCancellation(err) || ctx.Err() != nil:
		// Superseded or torn down; never surfaced as a user error. Usually
		// the supersessor already owns the state and this write is a no-op.
		if o.writeIfCurrent(gen, func(s *domain.SearchState) {
			s.Phase = domain.PhaseAborted
		}) {
			metrics.SearchesFinishedTotal.WithLabelValues(string(domain.PhaseAborted)).Inc()
		}
	default:
		if o.writeIfCurrent(gen, func(s *domain.SearchState) {
			s.Phase = domain.PhaseFailed
			s.ErrorMessage = err.Error()
		}) {
			metrics.SearchesFinishedTotal.WithLabelValues(string(domain.PhaseFailed)).Inc()
			slog.Warn("search failed",
				slog.String("query", query),
				slog.String("error", err.Error()))
		}
	}
}

// ---------------------------------------------------------------------------
// Fetch branches

func (o *Orchestrator) runStreamed(ctx context.Context, gen uint64, query string, settings domain.SearchSettings) error {
	base := registry.SearchQuery{
		Text:     query,
		Mode:     settings.Mode,
		Weights:  settings.Weights,
		Weighted: settings.Weighted,
	}
	stream := newPageStream(ctx, o.registry, base, o.pageSize, o.pauseGateFor(gen))

	for chunk := range stream.Chunks {
		committed := o.writeIfCurrent(gen, func(s *domain.SearchState) {
			s.Results = appendUnique(s.Results, chunk.Items)
			if chunk.TotalFound > s.TotalFound {
				s.TotalFound = chunk.TotalFound
			}
			if chunk.Progress > s.Progress {
				s.Progress = chunk.Progress
			}
		})
		if committed {
			metrics.ChunksEmittedTotal.Inc()
			o.enrichAsync(ctx, gen, chunk.Items)
		}
	}

	select {
	case err := <-stream.Errs:
		return err
	default:
		return nil
	}
}

func (o *Orchestrator) runBulk(ctx context.Context, gen uint64, query string, settings domain.SearchSettings, limit int) error {
	page, err := o.registry.Search(ctx, registry.SearchQuery{
		Text:     query,
		Mode:     settings.Mode,
		Weights:  settings.Weights,
		Weighted: settings.Weighted,
		Limit:    limit,
	})
	if err != nil {
		return err
	}

	committed := o.writeIfCurrent(gen, func(s *domain.SearchState) {
		s.Results = appendUnique(nil, page.Items)
		s.TotalFound = page.Total
		s.Progress = 100
	})
	if committed {
		o.enrichAsync(ctx, gen, page.Items)
	}
	return nil
}

func (o *Orchestrator) runDiscovery(ctx context.Context, gen uint64, query string, settings domain.SearchSettings) error {
	if o.discovery == nil {
		return errors.New("discovery is not configured")
	}
	names, err := o.discovery.Discover(ctx, query)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	if len(names) == 0 {
		o.writeIfCurrent(gen, func(s *domain.SearchState) {
			s.Results = nil
			s.TotalFound = 0
		})
		return nil
	}
	slog.Info("discovery recommendations",
		slog.String("query", query),
		slog.Int("count", len(names)))

	// The recommended names fold into one synthetic bulk query; the registry
	// ranks within that set.
	limit := len(names)
	if limit < o.bulkPageSize {
		limit = o.bulkPageSize
	}
	return o.runBulk(ctx, gen, strings.Join(names, " "), settings, limit)
}

// ---------------------------------------------------------------------------
// Enrichment

// enrichAsync fans detail lookups out over items without blocking the
// stream. Completion of the search does not wait for it; stale merges are
// rejected by the currency check.
func (o *Orchestrator) enrichAsync(ctx context.Context, gen uint64, items []domain.PackageResult) {
	if len(items) == 0 {
		return
	}
	go func() {
		err := forEachLimited(ctx, items, o.enrichLimit,
			func(ctx context.Context, item domain.PackageResult) (*domain.PackageDetails, error) {
				metrics.EnrichmentInFlight.Inc()
				defer metrics.EnrichmentInFlight.Dec()
				startedAt := time.Now()
				details, err := o.registry.Details(ctx, item.Name)
				metrics.EnrichmentDuration.Observe(time.Since(startedAt).Seconds())
				if err != nil {
					if !isCancellation(err) {
						slog.Debug("enrichment failed",
							slog.String("package", item.Name),
							slog.String("error", err.Error()))
					}
					return nil, err
				}
				return details, nil
			},
			func(item domain.PackageResult, details *domain.PackageDetails) {
				if details == nil {
					return
				}
				o.writeIfCurrent(gen, func(s *domain.SearchState) {
					mergeDetail(s.Results, item.Name, details)
				})
			})
		if err != nil && !isCancellation(err) {
			slog.Debug("enrichment batch ended early", slog.String("error", err.Error()))
		}
	}()
}

// ---------------------------------------------------------------------------
// Internals

// writeIfCurrent applies mutate to the shared state only while gen is still
// the registered generation. Every state write from async work goes through
// here; the check happens at write time, not when the work was issued.
func (o *Orchestrator) writeIfCurrent(gen uint64, mutate func(*domain.SearchState)) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.gen != gen {
		return false
	}
	mutate(&o.state)
	o.notifyLocked()
	return true
}

// pauseGateFor returns the gate the page stream awaits before each fetch.
// While held, the phase reads Paused; release restores Running. Only the
// streamed branch passes through here, so pause never interrupts a single
// bulk fetch.
func (o *Orchestrator) pauseGateFor(gen uint64) gateFunc {
	return func(ctx context.Context) error {
		for {
			o.mu.Lock()
			if !o.paused {
				if o.gen == gen && o.state.Phase == domain.PhasePaused {
					o.state.Phase = domain.PhaseRunning
					o.notifyLocked()
				}
				o.mu.Unlock()
				return nil
			}
			gate := o.resumeGate
			if o.gen == gen && o.state.Phase == domain.PhaseRunning {
				o.state.Phase = domain.PhasePaused
				o.notifyLocked()
			}
			o.mu.Unlock()

			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (o *Orchestrator) currentSettings(ctx context.Context) domain.SearchSettings {
	if o.settings == nil {
		return domain.DefaultSearchSettings()
	}
	settings := o.settings.Current(ctx)
	settings.Mode = domain.NormalizeMode(string(settings.Mode))
	settings.Weights = domain.NormalizeWeights(settings.Weights)
	return settings
}

func (o *Orchestrator) snapshotLocked() domain.SearchState {
	state := o.state
	state.Results = domain.CloneResults(o.state.Results)
	return state
}

func (o *Orchestrator) notifyLocked() {
	if len(o.subs) == 0 {
		return
	}
	state := o.snapshotLocked()
	for _, sub := range o.subs {
		select {
		case sub <- state:
		default:
		}
	}
}

func buildSnapshot(s *domain.SearchState, settings domain.SearchSettings) *domain.HistorySnapshot {
	results := s.Results
	if len(results) > snapshotResultLimit {
		results = results[:snapshotResultLimit]
	}
	cloned := domain.CloneResults(results)
	for i := range cloned {
		cloned[i].Details = nil
	}
	return &domain.HistorySnapshot{
		Query:      s.Query,
		Mode:       settings.Mode,
		Weights:    settings.Weights,
		Weighted:   settings.Weighted,
		Results:    cloned,
		TotalFound: s.TotalFound,
		RecordedAt: time.Now().UTC(),
	}
}

// isCancellation reports whether err came from this orchestrator tearing the
// generation down. Generation contexts never carry deadlines, so a
// DeadlineExceeded here is a collaborator's own timeout and stays an upstream
// failure.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
