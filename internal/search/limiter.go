package search

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

const defaultEnrichLimit = 8

// forEachLimited runs process over items with at most limit concurrent
// executions and hands each successful result to emit in completion order.
// Failed items are skipped silently: enrichment is best-effort and one bad
// manifest must not poison the batch.
//
// Cancellation stops new launches at the next semaphore acquire and returns
// without waiting for in-flight workers. After forEachLimited returns, emit
// is never invoked again, even by stragglers still draining their upstream
// calls.
func forEachLimited[T, R any](ctx context.Context, items []T, limit int64, process func(context.Context, T) (R, error), emit func(T, R)) error {
	if len(items) == 0 {
		return nil
	}
	if limit <= 0 {
		limit = defaultEnrichLimit
	}

	sem := semaphore.NewWeighted(limit)
	var wg sync.WaitGroup

	// emitMu also guards done: a worker that finishes its upstream call after
	// cancellation observes done under the same lock and drops its result.
	var emitMu sync.Mutex
	done := false

	for _, item := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			emitMu.Lock()
			done = true
			emitMu.Unlock()
			return err
		}
		wg.Add(1)
		go func(item T) {
			defer sem.Release(1)
			defer wg.Done()

			result, err := process(ctx, item)
			if err != nil {
				return
			}

			emitMu.Lock()
			defer emitMu.Unlock()
			if done {
				return
			}
			emit(item, result)
		}(item)
	}

	wg.Wait()
	emitMu.Lock()
	done = true
	emitMu.Unlock()
	return ctx.Err()
}
