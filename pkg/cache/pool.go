package cache

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the number of transfers run at once.
const DefaultConcurrency = 4

// forEach runs fn for every index in [0, n) with at most limit calls in
// flight. The first error cancels the context passed to the remaining calls.
func forEach(ctx context.Context, n, limit int, fn func(ctx context.Context, idx int) error) error {
	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for idx := 0; idx < n; idx++ {
		if gctx.Err() != nil {
			break
		}
		idx := idx
		g.Go(func() error {
			return fn(gctx, idx)
		})
	}
	return g.Wait()
}
