// Package engine drives a composed pipeline: it fetches the requests the
// composer produces, hands the responses back and writes the final outputs
// to a sink.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"crawlcompose/internal/assert"
	"crawlcompose/lib/composer"
	"crawlcompose/lib/telemetry"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("lib/engine")
	meter  = otel.Meter("lib/engine")
)

const (
	report_engine_fetch  = "engine.fetch"
	report_engine_handle = "engine.handle"
	report_engine_sink   = "engine.sink"
	report_engine_budget = "engine.budget"
)

const DefaultWorkers = 4

// ErrBudgetExhausted is returned by queries made through Runner.Query once
// MaxRequests is reached.
var ErrBudgetExhausted = errors.New("engine: request budget exhausted")

// Fetcher turns a request into a response, any HTTP status is a response.
type Fetcher interface {
	Fetch(ctx context.Context, req *composer.Request) (*composer.Response, error)
}

// Sink receives the outputs of the last stage.
type Sink interface {
	Write(ctx context.Context, stage string, item any) error
}

type Stats struct {
	Requests        int64
	Responses       int64
	Items           int64
	DroppedLineages int64
	// Skipped counts requests that were not fetched because MaxRequests
	// was reached.
	Skipped int64
}

type Runner struct {
	Composer *composer.Composer
	Fetcher  Fetcher
	Sink     Sink
	// Workers bounds the number of concurrent fetches, defaults to
	// DefaultWorkers.
	Workers int
	// MaxRequests bounds the number of fetched requests over the whole
	// crawl, 0 is unbounded.
	MaxRequests int64
	Telemetry   telemetry.API

	tel   telemetry.API
	stats Stats
	inst  instruments
}

type instruments struct {
	requests  metric.Int64Counter
	responses metric.Int64Counter
	items     metric.Int64Counter
	dropped   metric.Int64Counter
}

func newInstruments() (instruments, error) {
	var inst instruments
	var err error
	inst.requests, err = meter.Int64Counter("crawl.requests", metric.WithDescription("requests fetched"))
	if err != nil {
		return inst, err
	}
	inst.responses, err = meter.Int64Counter("crawl.responses", metric.WithDescription("responses fetched"))
	if err != nil {
		return inst, err
	}
	inst.items, err = meter.Int64Counter("crawl.items", metric.WithDescription("items written to the sink"))
	if err != nil {
		return inst, err
	}
	inst.dropped, err = meter.Int64Counter("crawl.dropped_lineages", metric.WithDescription("lineages terminated by an error"))
	return inst, err
}

// Run crawls until every lineage is resolved.
//
// configuration and composition contract errors cancel the crawl and are
// returned, every other error only ends the lineage it happened in.
func (r *Runner) Run(ctx context.Context) (Stats, error) {
	assert.NotNil(r.Composer)
	assert.NotNil(r.Fetcher)
	assert.NotNil(r.Sink)

	r.tel = r.Telemetry
	if r.tel == nil {
		r.tel = telemetry.SlogAPI{}
	}
	r.stats = Stats{}
	inst, err := newInstruments()
	if err != nil {
		return Stats{}, fmt.Errorf("engine: create instruments: %w", err)
	}
	r.inst = inst

	ctx, span := tracer.Start(ctx, "Run")
	defer span.End()
	span.SetAttributes(attribute.String("mode", r.Composer.Mode().String()))

	start, err := r.Composer.Start(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return r.snapshot(), err
	}

	switch r.Composer.Mode() {
	case composer.ModeInline:
		err = r.runInline(ctx, start)
	default:
		err = r.runDeferred(ctx, start)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	stats := r.snapshot()
	span.SetAttributes(
		attribute.Int64("requests", stats.Requests),
		attribute.Int64("items", stats.Items),
		attribute.Int64("dropped_lineages", stats.DroppedLineages),
	)
	r.tel.ReportCount(report_engine_fetch, stats.Requests)
	return stats, err
}

func (r *Runner) snapshot() Stats {
	return Stats{
		Requests:        atomic.LoadInt64(&r.stats.Requests),
		Responses:       atomic.LoadInt64(&r.stats.Responses),
		Items:           atomic.LoadInt64(&r.stats.Items),
		DroppedLineages: atomic.LoadInt64(&r.stats.DroppedLineages),
		Skipped:         atomic.LoadInt64(&r.stats.Skipped),
	}
}

func (r *Runner) workers() int {
	if r.Workers <= 0 {
		return DefaultWorkers
	}
	return r.Workers
}

func (r *Runner) newPool(ctx context.Context) *pool.ContextPool {
	return pool.New().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(r.workers())
}

// take claims a request from the crawl budget.
func (r *Runner) take(url string) bool {
	n := atomic.AddInt64(&r.stats.Requests, 1)
	if r.MaxRequests > 0 && n > r.MaxRequests {
		atomic.AddInt64(&r.stats.Requests, -1)
		if atomic.AddInt64(&r.stats.Skipped, 1) == 1 {
			r.tel.ReportWarning(report_engine_budget, fmt.Sprintf("request budget of %d reached", r.MaxRequests), url)
		}
		return false
	}
	return true
}

func (r *Runner) fetch(ctx context.Context, req *composer.Request) (*composer.Response, bool) {
	if !r.take(req.URL) {
		return nil, false
	}
	r.inst.requests.Add(ctx, 1)

	res, err := r.Fetcher.Fetch(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			r.tel.ReportWarning(report_engine_fetch, err, req.URL)
			r.drop(ctx)
		}
		return nil, false
	}
	if res.Request == nil {
		res.Request = req
	}
	atomic.AddInt64(&r.stats.Responses, 1)
	r.inst.responses.Add(ctx, 1)
	return res, true
}

// Query wraps get so that the requests units make on their own, outside of
// the composed pipeline, are claimed from the same budget and counted in the
// same stats as the requests the runner fetches. The returned function is
// only usable while Run is in progress.
func (r *Runner) Query(get func(ctx context.Context, rawURL string) ([]byte, error)) func(ctx context.Context, rawURL string) ([]byte, error) {
	assert.NotNil(get)
	return func(ctx context.Context, rawURL string) ([]byte, error) {
		if !r.take(rawURL) {
			return nil, ErrBudgetExhausted
		}
		r.inst.requests.Add(ctx, 1)

		body, err := get(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		atomic.AddInt64(&r.stats.Responses, 1)
		r.inst.responses.Add(ctx, 1)
		return body, nil
	}
}

func (r *Runner) drop(ctx context.Context) {
	atomic.AddInt64(&r.stats.DroppedLineages, 1)
	r.inst.dropped.Add(ctx, 1)
}

// handleError decides whether err ends the crawl, a nil return means the
// lineage was dropped.
func (r *Runner) handleError(ctx context.Context, err error, req *composer.Request) error {
	if composer.IsFatal(err) {
		r.tel.ReportBroken(report_engine_handle, err, req.URL)
		return err
	}
	r.tel.ReportWarning(report_engine_handle, err, req.URL)
	r.drop(ctx)
	return nil
}

func (r *Runner) write(ctx context.Context, stage string, output any) error {
	for item := range flatten(output) {
		err := r.Sink.Write(ctx, stage, item)
		if err != nil {
			r.tel.ReportBroken(report_engine_sink, err, stage)
			return fmt.Errorf("engine: write item: %w", err)
		}
		atomic.AddInt64(&r.stats.Items, 1)
		r.inst.items.Add(ctx, 1)
	}
	return nil
}
