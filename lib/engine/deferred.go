package engine

import (
	"context"

	"crawlcompose/lib/composer"

	"github.com/sourcegraph/conc/pool"
)

// runDeferred handles every response independently, the requests of a
// frontier are fetched concurrently and their follow-ups form the next
// frontier.
func (r *Runner) runDeferred(ctx context.Context, start []*composer.Request) error {
	frontier := start
	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		p := pool.NewWithResults[[]*composer.Request]().
			WithContext(ctx).
			WithCancelOnError().
			WithFirstError().
			WithMaxGoroutines(r.workers())
		for _, req := range frontier {
			p.Go(func(ctx context.Context) ([]*composer.Request, error) {
				return r.step(ctx, req)
			})
		}
		batches, err := p.Wait()
		if err != nil {
			return err
		}

		var next []*composer.Request
		for _, batch := range batches {
			next = append(next, batch...)
		}
		frontier = next
	}
	return nil
}

// step fetches a single request and returns its follow-ups.
func (r *Runner) step(ctx context.Context, req *composer.Request) ([]*composer.Request, error) {
	res, ok := r.fetch(ctx, req)
	if !ok {
		return nil, ctx.Err()
	}

	outcome, err := r.Composer.HandleResponse(ctx, res)
	if err != nil {
		return nil, r.handleError(ctx, err, req)
	}
	if outcome.Terminal {
		return nil, r.write(ctx, outcome.Stage.Unit, outcome.Output)
	}
	return outcome.Requests, nil
}
