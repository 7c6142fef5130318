package search

import (
	"context"

	"pkgscout/searchservice/internal/domain"
	"pkgscout/searchservice/internal/registry"
)

// Registry is the package-registry surface the search pipeline consumes:
// paginated bulk search plus per-package detail lookups.
type Registry interface {
	Search(ctx context.Context, query registry.SearchQuery) (registry.Page, error)
	Details(ctx context.Context, name string) (*domain.PackageDetails, error)
}

// pageStream delivers registry pages as chunks. Chunks closes when the
// registry is exhausted; a fetch failure arrives on Errs instead and ends
// the stream. TotalFound and Progress never decrease across chunks even
// when the registry reports a shrinking total mid-pagination.
type pageStream struct {
	Chunks <-chan domain.ResultChunk
	Errs   <-chan error
}

// gateFunc blocks before each page fetch; the orchestrator uses it to hold
// the stream at chunk boundaries while paused. A nil gate never blocks.
type gateFunc func(context.Context) error

func newPageStream(ctx context.Context, reg Registry, base registry.SearchQuery, pageSize int, gate gateFunc) pageStream {
	chunks := make(chan domain.ResultChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)

		offset := 0
		totalFound := 0
		progress := 0.0
		for {
			if gate != nil {
				if err := gate(ctx); err != nil {
					errs <- err
					return
				}
			}

			query := base
			query.Offset = offset
			query.Limit = pageSize

			page, err := reg.Search(ctx, query)
			if err != nil {
				errs <- err
				return
			}

			fetched := offset + len(page.Items)
			if page.Total > totalFound {
				totalFound = page.Total
			}
			if fetched > totalFound {
				totalFound = fetched
			}

			// A growing total would otherwise pull the percentage backwards.
			if next := percentDone(fetched, totalFound); next > progress {
				progress = next
			}

			select {
			case chunks <- domain.ResultChunk{
				Items:      page.Items,
				TotalFound: totalFound,
				Progress:   progress,
			}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}

			if len(page.Items) < pageSize || fetched >= totalFound {
				return
			}
			offset = fetched
		}
	}()

	return pageStream{Chunks: chunks, Errs: errs}
}

func percentDone(fetched, total int) float64 {
	if total <= 0 || fetched >= total {
		return 100
	}
	return float64(fetched) / float64(total) * 100
}
