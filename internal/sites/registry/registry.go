// Package registry crawls a business registry whose search caps the number
// of results it returns.
//
// the crawl is split into two units:
//  1. registry.search generates searches by name and sector, refines the
//     searches that were truncated and requests the details of every company
//     found in batches.
//  2. registry.details parses company details.
package registry

import (
	"context"

	"crawlcompose/lib/composer"
	"crawlcompose/lib/limitresolver"
	"crawlcompose/lib/telemetry"
)

const (
	SearchUnit  = "registry.search"
	DetailsUnit = "registry.details"
)

type Deps struct {
	Config Config
	// Query runs the refined searches of truncated results
	Query limitresolver.QueryFunc
	// Exports receives the parse functions of both units when set
	Exports   *composer.Exports
	Telemetry telemetry.API
}

func (d Deps) telemetry() telemetry.API {
	if d.Telemetry == nil {
		return telemetry.SlogAPI{}
	}
	return d.Telemetry
}

// Register adds both units to reg.
func Register(reg *composer.Registry, deps Deps) error {
	// fail early on a broken config rather than when the pipeline is built
	if _, err := newSearch(deps.Config, deps); err != nil {
		return err
	}

	err := reg.Register(SearchUnit, func() (composer.Parser, error) {
		return newSearch(deps.Config, deps)
	})
	if err != nil {
		return err
	}
	err = reg.Register(DetailsUnit, func() (composer.Parser, error) {
		return newDetails(deps), nil
	})
	if err != nil {
		return err
	}
	reg.Alias("registry.search-parser", SearchUnit)

	if deps.Exports != nil {
		deps.Exports.Register(SearchUnit, "parse", func(ctx context.Context, res *composer.Response) (any, error) {
			s, err := newSearch(deps.Config, deps)
			if err != nil {
				return nil, err
			}
			return s.Parse(ctx, res)
		})
		deps.Exports.Register(DetailsUnit, "parse", newDetails(deps).Parse)
	}
	return nil
}

// DefaultSpec is the two stage pipeline of the registry crawl.
func DefaultSpec() composer.Spec {
	return composer.Spec{
		{Unit: SearchUnit, Priority: 1},
		{Unit: DetailsUnit, Priority: 2},
	}
}
