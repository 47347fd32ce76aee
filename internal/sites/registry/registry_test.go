package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"crawlcompose/lib/composer"
	"crawlcompose/lib/engine"
	"crawlcompose/lib/fetch"
	"crawlcompose/lib/limitresolver"
	"crawlcompose/lib/sink"
	"crawlcompose/lib/telemetry"

	"github.com/stretchr/testify/require"
)

type fakeCompany struct {
	id     int
	name   string
	sector string
}

var fakeCompanies = []fakeCompany{
	{id: 1, name: "aaa", sector: "01"},
	{id: 2, name: "aab", sector: "01"},
	{id: 3, name: "aac", sector: "01"},
	{id: 4, name: "aba", sector: "01"},
	{id: 5, name: "abb", sector: "01"},
	{id: 6, name: "baa", sector: "01"},
	{id: 7, name: "aaa", sector: "02"},
}

const fakeLimit = 3

func store(matches []fakeCompany) map[string]any {
	items := []map[string]any{}
	for _, c := range matches[:min(len(matches), fakeLimit)] {
		items = append(items, map[string]any{"id": c.id, "libelleEntreprise": map[string]any{"denomination": c.name}})
	}
	return map[string]any{
		"success":          true,
		"nbTotalResultats": len(matches),
		"items":            items,
	}
}

// newFakeRegistry serves a registry whose search returns at most fakeLimit
// entries.
func newFakeRegistry(t testing.TB) (*httptest.Server, *[]string) {
	t.Helper()
	var (
		mutex    sync.Mutex
		searches []string
	)

	mux := http.NewServeMux()
	mux.HandleFunc(searchPath, func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get(DefaultQueryParam)
		sector := r.URL.Query().Get(DefaultSectorParam)
		mutex.Lock()
		searches = append(searches, sector+":"+name)
		mutex.Unlock()

		if name == "broken" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"entrepRCSStoreResponse": map[string]any{"success": false},
			})
			return
		}

		var matches []fakeCompany
		for _, c := range fakeCompanies {
			if c.sector == sector && strings.HasPrefix(c.name, name) {
				matches = append(matches, c)
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"entrepRCSStoreResponse":     store(matches),
			"entrepHorsRCSStoreResponse": store(nil),
		})
	})
	mux.HandleFunc(detailsPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "text/plain" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)

		var out strings.Builder
		out.WriteString("<html><body>")
		for _, id := range strings.Split(string(body), ",") {
			for _, c := range fakeCompanies {
				if fmt.Sprint(c.id) != id {
					continue
				}
				fmt.Fprintf(&out, `
					<div class="entreprise" data-id="%d">
						<h2 class="denomination"> %s </h2>
						<p class="adresse">ROUTE %d<br>
							18250 HENRICHEMONT</p>
						<p class="activite" data-naf="2042Z">Fabrication de parfums</p>
						<a class="fiche" href="/entreprise/%d">fiche</a>
					</div>`, c.id, strings.ToUpper(c.name), c.id, c.id)
			}
		}
		out.WriteString("</body></html>")
		_, _ = w.Write([]byte(out.String()))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &searches
}

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:      baseURL,
		Sectors:      []int{1},
		MaxBatchSize: 2,
		Combinations: CombinationsConfig{ValidChars: "abc"},
	}
}

func TestCrawl(t *testing.T) {
	server, searches := newFakeRegistry(t)
	tel := &telemetry.MemoryAPI{}

	client, err := fetch.NewClient(fetch.Config{}, tel)
	require.NoError(t, err)

	reg := composer.NewRegistry()
	require.NoError(t, Register(reg, Deps{
		Config:    testConfig(server.URL),
		Query:     client.Get,
		Telemetry: tel,
	}))

	c, err := composer.New(DefaultSpec(), reg, composer.Options{Telemetry: tel})
	require.NoError(t, err)

	out := sink.NewMemory(true)
	runner := &engine.Runner{
		Composer:  c,
		Fetcher:   client,
		Sink:      out,
		Workers:   1,
		Telemetry: tel,
	}
	stats, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(6), stats.Items)
	require.Zero(t, stats.DroppedLineages)

	// "a" is truncated and refined, "b" and "c" are complete
	require.ElementsMatch(t, []string{"01:a", "01:b", "01:c", "01:aa", "01:ab", "01:ac"}, *searches)

	var companies []Company
	for _, item := range out.Items() {
		require.Equal(t, DetailsUnit, item.Stage)
		var company Company
		require.NoError(t, json.Unmarshal(item.Payload, &company))
		companies = append(companies, company)
	}
	slices.SortFunc(companies, func(a, b Company) int {
		return strings.Compare(a.ID, b.ID)
	})

	require.Len(t, companies, 6)
	require.Equal(t, Company{
		ID:           "1",
		Name:         "AAA",
		Address:      "ROUTE 1 18250 HENRICHEMONT",
		Activity:     "Fabrication de parfums",
		ActivityCode: "2042Z",
		Sector:       "01",
		Query:        "aa",
		Registry:     server.URL + "/entreprise/1",
	}, companies[0])
	// companies found by a refined search keep the refined name
	require.Equal(t, "ab", companies[3].Query)
	require.Equal(t, "b", companies[5].Query)
}

func TestCrawlBudgetCoversRefinement(t *testing.T) {
	server, searches := newFakeRegistry(t)
	tel := &telemetry.MemoryAPI{}

	client, err := fetch.NewClient(fetch.Config{}, tel)
	require.NoError(t, err)

	runner := &engine.Runner{
		Fetcher:     client,
		Sink:        sink.NewMemory(true),
		Workers:     1,
		MaxRequests: 3,
		Telemetry:   tel,
	}
	reg := composer.NewRegistry()
	require.NoError(t, Register(reg, Deps{
		Config:    testConfig(server.URL),
		Query:     runner.Query(client.Get),
		Telemetry: tel,
	}))
	runner.Composer, err = composer.New(DefaultSpec(), reg, composer.Options{Telemetry: tel})
	require.NoError(t, err)

	stats, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, *searches, 3)
	require.Contains(t, *searches, "01:a")
	require.Equal(t, int64(3), stats.Requests)
	require.Equal(t, int64(3), stats.Responses)
	require.Positive(t, stats.Skipped)
	require.True(t, tel.Has("warning", report_search_refine))
}

func TestParseRefinesSentSearch(t *testing.T) {
	server, searches := newFakeRegistry(t)
	cfg := testConfig(server.URL)

	var (
		mutex   sync.Mutex
		queried []string
	)
	query := func(ctx context.Context, rawURL string) ([]byte, error) {
		mutex.Lock()
		queried = append(queried, rawURL)
		mutex.Unlock()
		res, err := http.Get(rawURL)
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()
		return io.ReadAll(res.Body)
	}
	s, err := newSearch(cfg, Deps{Query: query, Telemetry: &telemetry.MemoryAPI{}})
	require.NoError(t, err)

	sent := composer.NewRequest(s.searchURL("a", "01"))
	sent.Envelope = &composer.Envelope{Metadata: map[string]any{
		"query": Query{Name: "a", Sector: "01"},
	}}
	body, err := query(context.Background(), sent.URL)
	require.NoError(t, err)

	// the search was redirected to a url without its parameters
	out, err := s.Parse(context.Background(), &composer.Response{
		Request: sent,
		URL:     server.URL + "/recherche",
		Status:  http.StatusOK,
		Body:    body,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"01:a", "01:aa", "01:ab", "01:ac"}, *searches)
	for _, refined := range queried[1:] {
		require.True(t, strings.HasPrefix(refined, server.URL+searchPath+"?"), refined)
	}

	reqs, ok := out.([]*composer.Request)
	require.True(t, ok)
	var names []string
	for _, req := range reqs {
		names = append(names, req.Meta["query"].(Query).Name)
	}
	// aa holds ids 1 2 3 in two batches, ab holds ids 4 5
	require.Equal(t, []string{"aa", "aa", "ab"}, names)
}

func TestStartRequests(t *testing.T) {
	cfg := testConfig("https://registry.test")
	cfg.Sectors = []int{1, 42}

	s, err := newSearch(cfg, Deps{})
	require.NoError(t, err)

	reqs, err := s.StartRequests(context.Background())
	require.NoError(t, err)
	require.Len(t, reqs, 6)

	require.Equal(t, Query{Name: "a", Sector: "01"}, reqs[0].Meta["query"])
	require.Equal(t, Query{Name: "c", Sector: "42"}, reqs[5].Meta["query"])
	require.Contains(t, reqs[5].URL, "deno=c")
	require.Contains(t, reqs[5].URL, "familleActivite=42")
	require.Contains(t, reqs[5].URL, "etsRadiees=false")
}

func TestDefaultSectors(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Len(t, cfg.Sectors, 99)
	require.Equal(t, 1, cfg.Sectors[0])
	require.Equal(t, 99, cfg.Sectors[98])
	require.Equal(t, "07", formatSector(7))
}

func TestParseFailedSearch(t *testing.T) {
	server, _ := newFakeRegistry(t)
	s, err := newSearch(testConfig(server.URL), Deps{Telemetry: &telemetry.MemoryAPI{}})
	require.NoError(t, err)

	res, err := http.Get(s.searchURL("broken", "01"))
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	_, err = s.Parse(context.Background(), &composer.Response{URL: s.searchURL("broken", "01"), Status: 200, Body: body})
	var sourceErr *limitresolver.SourceQueryError
	require.ErrorAs(t, err, &sourceErr)
	require.False(t, composer.IsFatal(err))

	_, err = s.Parse(context.Background(), &composer.Response{URL: "x", Status: 503})
	require.ErrorContains(t, err, "503")
}

func TestDetailBatches(t *testing.T) {
	cfg := testConfig("https://registry.test/")
	cfg.MaxBatchSize = 500
	s, err := newSearch(cfg, Deps{})
	require.NoError(t, err)

	ids := make([]string, 1001)
	for i := range ids {
		ids[i] = fmt.Sprint(i)
	}
	reqs := s.detailRequests(ids, Query{Name: "a", Sector: "01"})
	require.Len(t, reqs, 3)
	require.Equal(t, "https://registry.test"+detailsPath+"?typeRecherche=ENTREP_RCS_ACTIF", reqs[0].URL)
	require.Equal(t, 500, reqs[0].Meta["ids"])
	require.Equal(t, 1, reqs[2].Meta["ids"])
	require.Equal(t, "1000", string(reqs[2].Body))
	require.Equal(t, "text/plain", reqs[0].Header.Get("Content-Type"))

	require.Empty(t, s.detailRequests(nil, Query{}))
}

func TestAppendIDs(t *testing.T) {
	payloads := [][]byte{
		[]byte(`{"entrepRCSStoreResponse":{"items":[{"id":1},{"id":null},{"id":2}]},"entrepMultiStoreResponse":{"items":[{"id":"3 4"}]}}`),
		[]byte(`{"entrepRCSStoreResponse":{"items":[{"id":2},{"id":5}]}}`),
	}
	seen := map[string]struct{}{}
	var ids []string
	for _, payload := range payloads {
		ids = appendIDs(ids, seen, payload)
	}
	require.Equal(t, []string{"1", "2", "34", "5"}, ids)
}

func TestRegister(t *testing.T) {
	reg := composer.NewRegistry()
	exports := composer.NewExports()
	require.NoError(t, Register(reg, Deps{Config: testConfig("https://registry.test"), Exports: exports}))

	require.Equal(t, []string{DetailsUnit, SearchUnit}, reg.Names())
	require.Equal(t, SearchUnit, reg.Canonical("registry.search-parser"))

	_, ok := exports.Lookup(SearchUnit, "parse")
	require.True(t, ok)
	_, ok = exports.Lookup(DetailsUnit, "parse")
	require.True(t, ok)

	require.Error(t, Register(composer.NewRegistry(), Deps{}))

	bad := testConfig("https://registry.test")
	bad.Combinations.Pattern = "("
	require.Error(t, Register(composer.NewRegistry(), Deps{Config: bad}))
}
