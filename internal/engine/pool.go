package engine

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// runBounded fans work out across at most size concurrent goroutines. A
// single item's error is recorded by the caller inside work itself — this
// helper never aborts the remaining items on one failure, so one bad
// order can never stall the rest of the tick.
func runBounded(ctx context.Context, size int, items int, work func(ctx context.Context, i int)) {
	if size <= 0 {
		size = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(size)

	for i := 0; i < items; i++ {
		i := i
		g.Go(func() error {
			work(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
}
