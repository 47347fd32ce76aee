package limitresolver

import (
	"context"
	"errors"
	"fmt"

	"crawlcompose/internal/assert"
	"crawlcompose/lib/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("lib/limitresolver")

const (
	report_refiner_query   = "limitresolver.query"
	report_refiner_resolve = "limitresolver.resolve"
)

// QueryFunc runs a search and returns its payload.
type QueryFunc func(ctx context.Context, rawURL string) ([]byte, error)

// Result is an accepted search payload.
type Result struct {
	URL   string
	Body  []byte
	Depth int
	// Limited is set when the payload was accepted despite being truncated
	// because it could not be refined any further.
	Limited bool
}

type Failure struct {
	URL string
	Err error
}

type Resolution struct {
	Results []Result
	Failed  []Failure
}

// Refiner repeats a limited search with narrower queries until every branch
// is complete.
type Refiner struct {
	Detector Detector
	Resolver Resolver
	Query    QueryFunc
	// MaxDepth bounds the number of refinement rounds, 0 is unbounded.
	MaxDepth  int
	Telemetry telemetry.API
}

func (r Refiner) tel() telemetry.API {
	if r.Telemetry == nil {
		return telemetry.SlogAPI{}
	}
	return r.Telemetry
}

// Resolve runs the search at rawURL and refines it.
func (r Refiner) Resolve(ctx context.Context, rawURL string) (Resolution, error) {
	return r.ResolveFrom(ctx, rawURL, nil)
}

type pending struct {
	url   string
	body  []byte
	depth int
}

// ResolveFrom refines a search whose payload is already known, a nil body is
// queried first. branches are visited breadth first, a failed branch never
// stops its siblings. the returned error is only ever ctx's.
func (r Refiner) ResolveFrom(ctx context.Context, rawURL string, body []byte) (Resolution, error) {
	assert.NotNil(r.Detector)
	assert.NotNil(r.Resolver)

	ctx, span := tracer.Start(ctx, "Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("url", rawURL))

	tel := r.tel()
	var out Resolution
	seen := map[string]struct{}{rawURL: {}}
	queue := []pending{{url: rawURL, body: body}}
	queries := 0

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		item := queue[0]
		queue = queue[1:]

		payload := item.body
		if payload == nil {
			if r.Query == nil {
				out.Failed = append(out.Failed, Failure{URL: item.url, Err: errors.New("no query function")})
				continue
			}
			queries++
			var err error
			payload, err = r.Query(ctx, item.url)
			if err != nil {
				if ctx.Err() != nil {
					return out, ctx.Err()
				}
				tel.ReportWarning(report_refiner_query, err, item.url)
				out.Failed = append(out.Failed, Failure{URL: item.url, Err: err})
				continue
			}
		}

		if checker, ok := r.Detector.(Checker); ok {
			if err := checker.Check(payload); err != nil {
				var sourceErr *SourceQueryError
				if errors.As(err, &sourceErr) && sourceErr.URL == "" {
					sourceErr.URL = item.url
				}
				tel.ReportWarning(report_refiner_query, err, item.url)
				out.Failed = append(out.Failed, Failure{URL: item.url, Err: err})
				continue
			}
		}

		if !r.Detector.IsResultLimited(payload) {
			out.Results = append(out.Results, Result{URL: item.url, Body: payload, Depth: item.depth})
			continue
		}

		if r.MaxDepth > 0 && item.depth >= r.MaxDepth {
			tel.ReportWarning(report_refiner_resolve, fmt.Sprintf("refinement depth %d reached", r.MaxDepth), item.url)
			out.Results = append(out.Results, Result{URL: item.url, Body: payload, Depth: item.depth, Limited: true})
			continue
		}

		refinements, err := r.Resolver.ResolveResultLimit(item.url)
		if err != nil {
			tel.ReportWarning(report_refiner_resolve, err, item.url)
			out.Failed = append(out.Failed, Failure{URL: item.url, Err: err})
			continue
		}

		added := 0
		for _, ref := range refinements {
			if _, ok := seen[ref.URL]; ok {
				continue
			}
			seen[ref.URL] = struct{}{}
			queue = append(queue, pending{url: ref.URL, depth: item.depth + 1})
			added++
		}
		if added == 0 {
			tel.ReportWarning(report_refiner_resolve, "limited result cannot be refined further", item.url)
			out.Results = append(out.Results, Result{URL: item.url, Body: payload, Depth: item.depth, Limited: true})
			continue
		}
		tel.ReportDebug("refining limited search", "url", item.url, "refinements", added)
	}

	span.SetAttributes(
		attribute.Int("queries", queries),
		attribute.Int("results", len(out.Results)),
		attribute.Int("failed", len(out.Failed)),
	)
	return out, nil
}
