package cmd

import (
	"errors"
	"fmt"
	"os"

	"crawlcompose/internal/sites/registry"
	"crawlcompose/lib/composer"
	"crawlcompose/lib/configutil"
	"crawlcompose/lib/engine"
	"crawlcompose/lib/fetch"
	"crawlcompose/lib/limitresolver"
	"crawlcompose/lib/sink"
	"crawlcompose/lib/telemetry"
)

type PipelineConfig struct {
	// "deferred" or "inline"
	Mode           string `json:"mode"`
	InitializeOnce bool   `json:"initialize_once"`
	// the registry's default pipeline is used when empty
	Units composer.Spec `json:"units"`
}

type EngineConfig struct {
	Workers     int   `json:"workers"`
	MaxRequests int64 `json:"max_requests"`
}

type Config struct {
	Pipeline PipelineConfig  `json:"pipeline"`
	Fetch    fetch.Config    `json:"fetch"`
	Engine   EngineConfig    `json:"engine"`
	Sink     sink.Config     `json:"sink"`
	Registry registry.Config `json:"registry"`
}

// readConfig reads the config file and its local overrides, overrides from
// flags are merged last.
func readConfig(path string, flags Config) (Config, error) {
	cfg, err := configutil.ReadConfig[Config](path)
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config file %s does not exist", path)
	}
	if err != nil {
		return Config{}, err
	}
	err = configutil.Merge(&cfg, flags)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type pipeline struct {
	composer *composer.Composer
	// runner has no sink yet
	runner *engine.Runner
}

func newRegistry(cfg Config, query limitresolver.QueryFunc, tel telemetry.API) (*composer.Registry, *composer.Exports, error) {
	reg := composer.NewRegistry()
	exports := composer.NewExports()
	deps := registry.Deps{
		Config:    cfg.Registry,
		Query:     query,
		Exports:   exports,
		Telemetry: tel,
	}
	err := registry.Register(reg, deps)
	if err != nil {
		return nil, nil, err
	}
	return reg, exports, nil
}

func pipelineSpec(cfg Config) composer.Spec {
	if len(cfg.Pipeline.Units) == 0 {
		return registry.DefaultSpec()
	}
	return cfg.Pipeline.Units
}

func newPipeline(cfg Config, tel telemetry.API) (pipeline, error) {
	client, err := fetch.NewClient(cfg.Fetch, tel)
	if err != nil {
		return pipeline{}, err
	}
	runner := &engine.Runner{
		Fetcher:     client,
		Workers:     cfg.Engine.Workers,
		MaxRequests: cfg.Engine.MaxRequests,
		Telemetry:   tel,
	}
	// refinement searches are claimed from the crawl budget
	reg, exports, err := newRegistry(cfg, runner.Query(client.Get), tel)
	if err != nil {
		return pipeline{}, err
	}
	mode, err := composer.ParseMode(cfg.Pipeline.Mode)
	if err != nil {
		return pipeline{}, err
	}

	c, err := composer.New(pipelineSpec(cfg), reg, composer.Options{
		InitializeOnce: cfg.Pipeline.InitializeOnce,
		Mode:           mode,
		Exports:        exports,
		Telemetry:      tel,
	})
	if err != nil {
		return pipeline{}, err
	}
	runner.Composer = c
	return pipeline{
		composer: c,
		runner:   runner,
	}, nil
}
