package engine

import (
	"context"

	"crawlcompose/lib/composer"
)

// runInline drives one lineage per start request, each lineage runs to
// completion inside a single worker.
func (r *Runner) runInline(ctx context.Context, start []*composer.Request) error {
	p := r.newPool(ctx)
	for _, req := range start {
		p.Go(func(ctx context.Context) error {
			return r.lineage(ctx, req)
		})
	}
	return p.Wait()
}

func (r *Runner) lineage(ctx context.Context, req *composer.Request) error {
	res, ok := r.fetch(ctx, req)
	if !ok {
		return ctx.Err()
	}

	lineage := r.Composer.NewLineage(res)
	last := r.Composer.Stages()[len(r.Composer.Stages())-1]
	written := 0

	for {
		state, err := lineage.Advance(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := r.handleError(ctx, err, req); err != nil {
				return err
			}
			continue
		}

		outputs := lineage.Outputs()
		for _, out := range outputs[written:] {
			if err := r.write(ctx, last.Unit, out); err != nil {
				return err
			}
		}
		written = len(outputs)

		switch state {
		case composer.LineageResolved:
			return nil
		case composer.LineageAwaitingFetch:
			next := lineage.Awaiting()
			res, ok := r.fetch(ctx, next)
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				lineage.Drop()
				continue
			}
			if err := lineage.Resume(res); err != nil {
				return err
			}
		}
	}
}
