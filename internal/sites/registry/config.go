package registry

import (
	"fmt"
	"regexp"

	"crawlcompose/lib/combinations"
)

const (
	searchPath  = "/services/entreprise/rest/recherche/parEntreprise"
	detailsPath = "/services/entreprise/rest/recherche/resumeEntreprise"

	DefaultQueryParam   = "deno"
	DefaultSectorParam  = "familleActivite"
	DefaultMaxBatchSize = 500
)

// the search payload is split between the registered, non registered and
// other entities
var searchStores = []string{
	"entrepRCSStoreResponse",
	"entrepHorsRCSStoreResponse",
	"entrepMultiStoreResponse",
}

type CombinationsConfig struct {
	ValidChars string              `json:"valid_chars"`
	Start      string              `json:"start"`
	End        string              `json:"end"`
	Pattern    string              `json:"pattern"`
	MinLength  int                 `json:"min_length"`
	Variants   map[string][]string `json:"variants"`
}

func (c CombinationsConfig) Build() (combinations.Config, error) {
	out := combinations.Config{
		ValidChars: c.ValidChars,
		Start:      c.Start,
		End:        c.End,
		MinLength:  c.MinLength,
	}
	if c.Pattern != "" {
		pattern, err := regexp.Compile(c.Pattern)
		if err != nil {
			return combinations.Config{}, fmt.Errorf("registry: invalid combinations pattern: %w", err)
		}
		out.Pattern = pattern
	}
	for char, expansions := range c.Variants {
		if len(char) != 1 {
			return combinations.Config{}, fmt.Errorf("registry: variant key %q must be a single character", char)
		}
		out.Variants = append(out.Variants, combinations.Variant{Char: char, Expansions: expansions})
	}
	return out.WithDefaults(), nil
}

type Config struct {
	BaseURL string `json:"base_url"`
	// sector ids are from 1-99, all of them are searched when empty
	Sectors          []int              `json:"sectors"`
	QueryParam       string             `json:"query_param"`
	SectorParam      string             `json:"sector_param"`
	MaxBatchSize     int                `json:"max_batch_size"`
	MaxRefineDepth   int                `json:"max_refine_depth"`
	IncludeDissolved bool               `json:"include_dissolved"`
	IncludeBranches  bool               `json:"include_branches"`
	Combinations     CombinationsConfig `json:"combinations"`
}

func (c Config) withDefaults() Config {
	if c.QueryParam == "" {
		c.QueryParam = DefaultQueryParam
	}
	if c.SectorParam == "" {
		c.SectorParam = DefaultSectorParam
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if len(c.Sectors) == 0 {
		c.Sectors = make([]int, 99)
		for i := range c.Sectors {
			c.Sectors[i] = i + 1
		}
	}
	return c
}

func formatSector(sector int) string {
	return fmt.Sprintf("%02d", sector)
}
