package limitresolver

import (
	"fmt"
	"iter"

	"crawlcompose/lib/combinations"
	"crawlcompose/lib/urlquery"
)

// QueryNameResolver narrows a search by lengthening the searched term held in
// a single url query parameter.
type QueryNameResolver struct {
	QueryParam   string
	Combinations combinations.Config
}

// NextMinLength is the minimum length of the terms refining term, it always
// exceeds the length of term.
func (r QueryNameResolver) NextMinLength(term string) int {
	return max(r.Combinations.MinLength, len(term)+1)
}

// Candidates returns the terms refining term.
func (r QueryNameResolver) Candidates(term string) iter.Seq[string] {
	cfg := r.Combinations.WithDefaults()
	cfg.MinLength = r.NextMinLength(term)
	return combinations.Generate(term, cfg)
}

func (r QueryNameResolver) ResolveResultLimit(rawURL string) ([]Refinement, error) {
	if r.QueryParam == "" {
		return nil, fmt.Errorf("resolve result limit: no query parameter configured")
	}
	query, err := urlquery.Unpack(rawURL)
	if err != nil {
		return nil, fmt.Errorf("resolve result limit: %w", err)
	}

	term := query.Get(r.QueryParam)
	var out []Refinement
	for candidate := range r.Candidates(term) {
		if candidate == term {
			continue
		}
		refined := query.With(r.QueryParam, candidate)
		out = append(out, Refinement{URL: refined.Pack(), Query: refined})
	}
	return out, nil
}
