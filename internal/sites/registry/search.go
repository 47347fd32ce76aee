package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"crawlcompose/lib/combinations"
	"crawlcompose/lib/composer"
	"crawlcompose/lib/limitresolver"
	"crawlcompose/lib/telemetry"
	"crawlcompose/lib/urlquery"
)

const (
	report_search_parse   = "search.parse"
	report_search_refine  = "search.refine"
	report_search_results = "search.results"
)

// Query is the search a request belongs to, it travels in the envelope
// metadata under "query".
type Query struct {
	Name   string `json:"name"`
	Sector string `json:"sector"`
}

func queryOf(res *composer.Response) Query {
	value, ok := res.Meta("query")
	if !ok {
		return Query{}
	}
	q, _ := value.(Query)
	return q
}

// search generates the search requests and turns complete search results
// into batched details requests.
type search struct {
	cfg          Config
	combinations combinations.Config
	detector     limitresolver.CountDetector
	refiner      limitresolver.Refiner
	tel          telemetry.API
}

func newSearch(cfg Config, deps Deps) (*search, error) {
	cfg = cfg.withDefaults()
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("registry: base_url is required")
	}
	combos, err := cfg.Combinations.Build()
	if err != nil {
		return nil, err
	}

	tel := telemetry.NewScopedAPI("registry_search", deps.telemetry())
	detector := limitresolver.CountDetector{
		TotalPath:    "nbTotalResultats",
		ReturnedPath: "items.#",
		SuccessPath:  "success",
		Stores:       searchStores,
	}
	return &search{
		cfg:          cfg,
		combinations: combos,
		detector:     detector,
		refiner: limitresolver.Refiner{
			Detector: detector,
			Resolver: limitresolver.QueryNameResolver{
				QueryParam:   cfg.QueryParam,
				Combinations: combos,
			},
			Query:     deps.Query,
			MaxDepth:  cfg.MaxRefineDepth,
			Telemetry: tel,
		},
		tel: tel,
	}, nil
}

func (s *search) Name() string {
	return "registry.search"
}

func boolParam(b bool) string {
	return strconv.FormatBool(b)
}

// searchURL builds the search for a name within a sector.
func (s *search) searchURL(name, sector string) string {
	params := url.Values{}
	params.Set("typeProduitMisEnAvant", "EXTRAIT")
	params.Set("domaine", "FR")
	params.Set("typeEntreprise", "TOUS")
	params.Set("etsRadiees", boolParam(s.cfg.IncludeDissolved))
	params.Set("etabSecondaire", boolParam(s.cfg.IncludeBranches))
	params.Set(s.cfg.QueryParam, name)
	params.Set(s.cfg.SectorParam, sector)
	return strings.TrimRight(s.cfg.BaseURL, "/") + searchPath + "?" + params.Encode()
}

func (s *search) StartRequests(ctx context.Context) ([]*composer.Request, error) {
	// going over each sector with every name is faster than going over
	// either alone and produces more specific searches
	var out []*composer.Request
	for _, sector := range s.cfg.Sectors {
		sectorID := formatSector(sector)
		for name := range combinations.Generate("", s.combinations) {
			req := composer.NewRequest(s.searchURL(name, sectorID))
			req.Meta = map[string]any{
				"query": Query{Name: name, Sector: sectorID},
			}
			out = append(out, req)
		}
	}
	return out, nil
}

func (s *search) Parse(ctx context.Context, res *composer.Response) (any, error) {
	if res.Status != http.StatusOK {
		return nil, fmt.Errorf("search %s: unexpected status %d", res.URL, res.Status)
	}
	query := queryOf(res)

	if err := s.detector.Check(res.Body); err != nil {
		s.tel.ReportWarning(report_search_parse, err, res.URL)
		return nil, err
	}

	found := []searchResult{{query: query, body: res.Body}}
	if s.detector.IsResultLimited(res.Body) {
		total, returned := s.detector.Counts(res.Body)
		s.tel.ReportDebug(
			"search is too broad, refining",
			"name", query.Name,
			"sector", query.Sector,
			"total", total,
			"returned", returned,
		)

		// refine from the search that was sent, redirects may have dropped
		// its parameters
		searched := res.URL
		if res.Request != nil {
			searched = res.Request.URL
		}
		resolution, err := s.refiner.ResolveFrom(ctx, searched, res.Body)
		if err != nil {
			return nil, err
		}
		for _, failure := range resolution.Failed {
			s.tel.ReportWarning(report_search_refine, failure.Err, failure.URL)
		}
		found = found[:0]
		for _, result := range resolution.Results {
			found = append(found, searchResult{
				query: s.refinedQuery(query, result.URL),
				body:  result.Body,
			})
		}
	}

	seen := map[string]struct{}{}
	var out []*composer.Request
	count := 0
	for _, result := range found {
		ids := appendIDs(nil, seen, result.body)
		count += len(ids)
		out = append(out, s.detailRequests(ids, result.query)...)
	}
	s.tel.ReportDebug(
		"found entities",
		"count", count,
		"name", query.Name,
		"sector", query.Sector,
	)
	s.tel.ReportCount(report_search_results, int64(count))

	return out, nil
}

// searchResult is a complete search payload and the query it answers.
type searchResult struct {
	query Query
	body  []byte
}

// refinedQuery is the query a refined search url answers.
func (s *search) refinedQuery(parent Query, rawURL string) Query {
	q, err := urlquery.Unpack(rawURL)
	if err != nil {
		return parent
	}
	if name := q.Get(s.cfg.QueryParam); name != "" {
		parent.Name = name
	}
	return parent
}

// appendIDs appends the company ids of every store of payload that are not
// in seen yet, in the order they are first seen.
func appendIDs(out []string, seen map[string]struct{}, payload []byte) []string {
	for _, store := range searchStores {
		for _, id := range gjsonIDs(payload, store) {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func (s *search) detailRequests(ids []string, query Query) []*composer.Request {
	detailsURL := strings.TrimRight(s.cfg.BaseURL, "/") + detailsPath
	q, err := urlquery.Unpack(detailsURL)
	if err == nil {
		detailsURL = q.With("typeRecherche", "ENTREP_RCS_ACTIF").Pack()
	}

	var out []*composer.Request
	for start := 0; start < len(ids); start += s.cfg.MaxBatchSize {
		batch := ids[start:min(start+s.cfg.MaxBatchSize, len(ids))]
		req := composer.NewPOSTRequest(detailsURL, []byte(strings.Join(batch, ",")))
		// the details endpoint specifically requires this content type
		req.Header.Set("Content-Type", "text/plain")
		req.Meta = map[string]any{
			"query": query,
			"ids":   len(batch),
		}
		out = append(out, req)
	}
	return out
}
