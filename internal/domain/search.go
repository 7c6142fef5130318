package domain

import (
	"strings"
	"time"
)

type SearchMode string

const (
	SearchModeGeneral    SearchMode = "general"
	SearchModeDiscovery  SearchMode = "discovery"
	SearchModeExact      SearchMode = "exact"
	SearchModeKeywords   SearchMode = "keywords"
	SearchModeAuthor     SearchMode = "author"
	SearchModeMaintainer SearchMode = "maintainer"
	SearchModeScope      SearchMode = "scope"
)

func NormalizeMode(raw string) SearchMode {
	switch SearchMode(strings.ToLower(strings.TrimSpace(raw))) {
	case SearchModeDiscovery:
		return SearchModeDiscovery
	case SearchModeExact:
		return SearchModeExact
	case SearchModeKeywords:
		return SearchModeKeywords
	case SearchModeAuthor:
		return SearchModeAuthor
	case SearchModeMaintainer:
		return SearchModeMaintainer
	case SearchModeScope:
		return SearchModeScope
	default:
		return SearchModeGeneral
	}
}

// Weights are the registry ranking factors. Each factor is clamped to
// [0, 2.0]; they only apply when weighted search is enabled and the mode
// is not discovery.
type Weights struct {
	Quality     float64 `json:"quality"`
	Popularity  float64 `json:"popularity"`
	Maintenance float64 `json:"maintenance"`
}

func DefaultWeights() Weights {
	return Weights{Quality: 1.0, Popularity: 1.0, Maintenance: 1.0}
}

func NormalizeWeights(w Weights) Weights {
	return Weights{
		Quality:     clampWeight(w.Quality),
		Popularity:  clampWeight(w.Popularity),
		Maintenance: clampWeight(w.Maintenance),
	}
}

func clampWeight(value float64) float64 {
	switch {
	case value < 0:
		return 0
	case value > 2.0:
		return 2.0
	default:
		return value
	}
}

// ScoreDetail mirrors the per-factor relevance breakdown the registry reports.
type ScoreDetail struct {
	Quality     float64 `json:"quality"`
	Popularity  float64 `json:"popularity"`
	Maintenance float64 `json:"maintenance"`
}

type PackageLinks struct {
	NPM        string `json:"npm,omitempty"`
	Homepage   string `json:"homepage,omitempty"`
	Repository string `json:"repository,omitempty"`
	Bugs       string `json:"bugs,omitempty"`
}

type PackagePerson struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// PackageDetails carries the secondary data fetched per package during
// enrichment. A result without details simply has not been enriched (yet).
type PackageDetails struct {
	UnpackedSize    int64  `json:"unpackedSize,omitempty"`
	FileCount       int    `json:"fileCount,omitempty"`
	DependencyCount int    `json:"dependencyCount,omitempty"`
	License         string `json:"license,omitempty"`
	Deprecated      string `json:"deprecated,omitempty"`
}

// PackageResult is a single registry search hit. Name is the globally unique
// key; everything except Details is immutable once produced.
type PackageResult struct {
	Name        string          `json:"name"`
	Version     string          `json:"version,omitempty"`
	Description string          `json:"description,omitempty"`
	Keywords    []string        `json:"keywords,omitempty"`
	Author      PackagePerson   `json:"author,omitempty"`
	Publisher   PackagePerson   `json:"publisher,omitempty"`
	Date        *time.Time      `json:"date,omitempty"`
	Links       PackageLinks    `json:"links,omitempty"`
	Score       float64         `json:"score,omitempty"`
	ScoreDetail ScoreDetail     `json:"scoreDetail,omitempty"`
	SearchScore float64         `json:"searchScore,omitempty"`
	Details     *PackageDetails `json:"details,omitempty"`
}

// ResultChunk is one page of streamed results plus progress metadata.
// Chunks for one search form a monotonically progressing sequence: Progress
// never decreases and TotalFound is stable or growing.
type ResultChunk struct {
	Items      []PackageResult `json:"items"`
	TotalFound int             `json:"totalFound"`
	Progress   float64         `json:"progress"`
}

type SearchPhase string

const (
	PhaseIdle      SearchPhase = "idle"
	PhaseRunning   SearchPhase = "running"
	PhasePaused    SearchPhase = "paused"
	PhaseCompleted SearchPhase = "completed"
	PhaseAborted   SearchPhase = "aborted"
	PhaseFailed    SearchPhase = "failed"
)

// SearchState is the presentation-facing snapshot of one orchestrated search.
// Results preserve insertion order and contain at most one entry per name.
type SearchState struct {
	Phase        SearchPhase     `json:"phase"`
	Query        string          `json:"query"`
	Mode         SearchMode      `json:"mode"`
	Results      []PackageResult `json:"results"`
	TotalFound   int             `json:"totalFound"`
	Progress     float64         `json:"progress"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// SearchSettings are read once at the start of each search generation and
// never mutated mid-generation.
type SearchSettings struct {
	Mode     SearchMode `json:"mode"`
	Weights  Weights    `json:"weights"`
	Weighted bool       `json:"weighted"`
}

func DefaultSearchSettings() SearchSettings {
	return SearchSettings{
		Mode:     SearchModeGeneral,
		Weights:  DefaultWeights(),
		Weighted: true,
	}
}

// HistorySnapshot is the immutable finalized copy of a completed search:
// up to the first hundred results with details stripped, the final total,
// and the query parameters that produced them.
type HistorySnapshot struct {
	ID         string          `json:"id"`
	Query      string          `json:"query"`
	Mode       SearchMode      `json:"mode"`
	Weights    Weights         `json:"weights"`
	Weighted   bool            `json:"weighted"`
	Results    []PackageResult `json:"results"`
	TotalFound int             `json:"totalFound"`
	RecordedAt time.Time       `json:"recordedAt"`
}

// CloneResults deep-copies a result slice so snapshots and state reads never
// alias the orchestrator's internal storage.
func CloneResults(items []PackageResult) []PackageResult {
	if items == nil {
		return nil
	}
	cloned := make([]PackageResult, len(items))
	for i, item := range items {
		copied := item
		copied.Keywords = append([]string(nil), item.Keywords...)
		if item.Date != nil {
			date := *item.Date
			copied.Date = &date
		}
		if item.Details != nil {
			details := *item.Details
			copied.Details = &details
		}
		cloned[i] = copied
	}
	return cloned
}
