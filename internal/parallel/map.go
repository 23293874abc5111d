// Package parallel runs independent operations with bounded concurrency.
package parallel

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Result is the outcome of mapping one element.
type Result[E, D any] struct {
	In  E
	Out D
	Err error
}

// Map applies mapFunc to every element of in using at most limit goroutines
// and returns the results in input order. A failing element does not stop the
// others. Elements not yet started when ctx is done get ctx.Err().
func Map[E, D any](ctx context.Context, limit int, in []E, mapFunc func(context.Context, E) (D, error)) []Result[E, D] {
	if limit < 1 {
		limit = 1
	}
	ret := make([]Result[E, D], len(in))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, e := range in {
		ret[i].In = e
		if err := ctx.Err(); err != nil {
			ret[i].Err = err
			continue
		}
		g.Go(func() error {
			ret[i].Out, ret[i].Err = mapFunc(ctx, e)
			return nil
		})
	}
	_ = g.Wait()
	return ret
}
