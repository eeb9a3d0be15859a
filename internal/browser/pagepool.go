package browser

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"
)

// DrillDownFunc visits one product's detail page and returns whatever the
// caller needs extracted from it.
type DrillDownFunc func(ctx context.Context, page Page, index int) error

// DefaultPagesPerLocation is the detail-page pool size P (spec §4.2.c step 6).
const DefaultPagesPerLocation = 4

// DefaultBatchPause is the sleep between detail-page batches (spec §4.2.c step 8).
const DefaultBatchPause = 500 * time.Millisecond

// DrillDown opens up to poolSize pages from session and runs fn against
// each of len(targets) items, batching work so that no more than poolSize
// navigations are in flight at once, pausing DefaultBatchPause between
// batches. Every error is reported in the returned slice at its index;
// a nil entry means success.
func DrillDown(ctx context.Context, session Session, targets int, poolSize int, fn DrillDownFunc) []error {
	if poolSize <= 0 {
		poolSize = DefaultPagesPerLocation
	}
	errs := make([]error, targets)

	for start := 0; start < targets; start += poolSize {
		end := start + poolSize
		if end > targets {
			end = targets
		}

		batch := pool.New().WithContext(ctx)
		for i := start; i < end; i++ {
			index := i
			batch.Go(func(ctx context.Context) error {
				page, err := session.CreatePage(ctx)
				if err != nil {
					errs[index] = err
					return nil
				}
				defer func() { _ = page.Close(ctx) }()
				errs[index] = fn(ctx, page, index)
				return nil
			})
		}
		_ = batch.Wait()

		if end < targets {
			select {
			case <-ctx.Done():
				return errs
			case <-time.After(DefaultBatchPause):
			}
		}
	}
	return errs
}
