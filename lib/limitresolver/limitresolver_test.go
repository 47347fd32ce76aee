package limitresolver

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"crawlcompose/lib/combinations"
	"crawlcompose/lib/telemetry"
	"crawlcompose/lib/urlquery"

	"github.com/stretchr/testify/require"
)

const letters = "abcdefghijklmnopqrstuvwxyz"

var searchDetector = CountDetector{
	TotalPath:    "nbTotalResultats",
	ReturnedPath: "items.#",
	SuccessPath:  "success",
}

func payload(total, returned int) []byte {
	items := make([]string, returned)
	for i := range items {
		items[i] = fmt.Sprintf(`{"id":%d}`, i+1)
	}
	return []byte(fmt.Sprintf(`{"success":true,"nbTotalResultats":%d,"items":[%s]}`, total, strings.Join(items, ",")))
}

func TestCountDetector(t *testing.T) {
	testCases := []struct {
		name    string
		payload string
		limited bool
	}{
		{name: "truncated", payload: string(payload(150, 99)), limited: true},
		{name: "complete", payload: string(payload(99, 99)), limited: false},
		{name: "empty", payload: string(payload(0, 0)), limited: false},
		{name: "missing total", payload: `{"items":[{"id":1}]}`, limited: false},
		{name: "missing items", payload: `{"nbTotalResultats":40}`, limited: false},
		{name: "null total", payload: `{"nbTotalResultats":null,"items":[]}`, limited: false},
		{name: "not json", payload: `<html></html>`, limited: false},
	}

	for _, test := range testCases {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.limited, searchDetector.IsResultLimited([]byte(test.payload)))
		})
	}
}

func TestCountDetectorStores(t *testing.T) {
	d := CountDetector{
		TotalPath:    "nbTotalResultats",
		ReturnedPath: "items.#",
		SuccessPath:  "success",
		Stores:       []string{"entrepRCSStoreResponse", "entrepHorsRCSStoreResponse", "entrepMultiStoreResponse"},
	}

	complete := fmt.Sprintf(`{"entrepRCSStoreResponse":%s,"entrepHorsRCSStoreResponse":%s}`, payload(3, 3), payload(2, 2))
	require.False(t, d.IsResultLimited([]byte(complete)))
	require.NoError(t, d.Check([]byte(complete)))

	total, returned := d.Counts([]byte(complete))
	require.Equal(t, int64(5), total)
	require.Equal(t, int64(5), returned)

	limited := fmt.Sprintf(`{"entrepRCSStoreResponse":%s,"entrepMultiStoreResponse":%s}`, payload(3, 3), payload(120, 99))
	require.True(t, d.IsResultLimited([]byte(limited)))

	failed := fmt.Sprintf(`{"entrepRCSStoreResponse":%s,"entrepHorsRCSStoreResponse":{"success":false,"message":"quota"}}`, payload(1, 1))
	err := d.Check([]byte(failed))
	var sourceErr *SourceQueryError
	require.ErrorAs(t, err, &sourceErr)
	require.Contains(t, sourceErr.Reason, "quota")
}

func TestCountDetectorCheck(t *testing.T) {
	require.NoError(t, searchDetector.Check(payload(1, 1)))
	require.NoError(t, searchDetector.Check([]byte(`{"items":[]}`)))

	var sourceErr *SourceQueryError
	require.ErrorAs(t, searchDetector.Check([]byte(`{"success":false}`)), &sourceErr)
	require.ErrorAs(t, searchDetector.Check([]byte(`not json`)), &sourceErr)
}

func TestNextMinLength(t *testing.T) {
	r := QueryNameResolver{QueryParam: "deno", Combinations: combinations.Config{MinLength: 1}}
	require.Equal(t, 1, r.NextMinLength(""))
	require.Equal(t, 3, r.NextMinLength("ab"))

	r.Combinations.MinLength = 5
	require.Equal(t, 5, r.NextMinLength("ab"))
	require.Equal(t, 7, r.NextMinLength("abcdef"))

	// refining a refinement always asks for longer terms
	r = QueryNameResolver{QueryParam: "deno", Combinations: combinations.Config{ValidChars: "ab"}}
	term := ""
	for range 4 {
		next := r.NextMinLength(term)
		require.Greater(t, next, len(term))

		candidates := slices.Collect(r.Candidates(term))
		require.NotEmpty(t, candidates)
		for _, c := range candidates {
			require.GreaterOrEqual(t, len(c), next)
			require.True(t, strings.HasPrefix(c, term))
		}
		term = candidates[0]
	}
	// the resolver is never mutated by refinement
	require.Equal(t, 0, r.Combinations.MinLength)
}

func TestResolveResultLimitTruncation(t *testing.T) {
	r := QueryNameResolver{QueryParam: "deno", Combinations: combinations.Config{ValidChars: letters}}
	rawURL := "https://registry.test/search?deno=&familleActivite=01"

	require.True(t, searchDetector.IsResultLimited(payload(150, 99)))

	refinements, err := r.ResolveResultLimit(rawURL)
	require.NoError(t, err)
	require.Len(t, refinements, 26)

	for i, ref := range refinements {
		expected := string(letters[i])
		require.Equal(t, expected, ref.Query.Get("deno"))
		require.Equal(t, "01", ref.Query.Get("familleActivite"))
		require.Equal(t, "https://registry.test/search?deno="+expected+"&familleActivite=01", ref.URL)
	}
}

func TestResolveResultLimitMissingParam(t *testing.T) {
	r := QueryNameResolver{QueryParam: "q", Combinations: combinations.Config{ValidChars: "xy"}}

	refinements, err := r.ResolveResultLimit("https://registry.test/search?page=2")
	require.NoError(t, err)
	require.Len(t, refinements, 2)
	require.Equal(t, "x", refinements[0].Query.Get("q"))
	require.Equal(t, "2", refinements[0].Query.Get("page"))

	_, err = QueryNameResolver{}.ResolveResultLimit("https://registry.test/search")
	require.Error(t, err)
}

// fakeSearch serves payloads keyed by the searched term.
type fakeSearch struct {
	payloads map[string][]byte
	failures map[string]error
	queried  []string
}

func (f *fakeSearch) query(ctx context.Context, rawURL string) ([]byte, error) {
	q, err := urlquery.Unpack(rawURL)
	if err != nil {
		return nil, err
	}
	term := q.Get("deno")
	f.queried = append(f.queried, term)
	if err, ok := f.failures[term]; ok {
		return nil, err
	}
	if body, ok := f.payloads[term]; ok {
		return body, nil
	}
	return payload(0, 0), nil
}

func terms(t testing.TB, results []Result) []string {
	t.Helper()
	var out []string
	for _, r := range results {
		q, err := urlquery.Unpack(r.URL)
		require.NoError(t, err)
		out = append(out, q.Get("deno"))
	}
	return out
}

func TestRefiner(t *testing.T) {
	search := &fakeSearch{
		payloads: map[string][]byte{
			"":  payload(150, 99),
			"a": payload(10, 10),
			"b": payload(120, 99),
			"c": []byte(`{"success":false}`),
		},
		failures: map[string]error{
			"bc": errors.New("connection reset"),
		},
	}
	tel := &telemetry.MemoryAPI{}
	refiner := Refiner{
		Detector:  searchDetector,
		Resolver:  QueryNameResolver{QueryParam: "deno", Combinations: combinations.Config{ValidChars: "abc"}},
		Query:     search.query,
		Telemetry: tel,
	}

	res, err := refiner.Resolve(context.Background(), "https://registry.test/search?deno=&familleActivite=01")
	require.NoError(t, err)

	require.Equal(t, []string{"a", "ba", "bb"}, terms(t, res.Results))
	require.Equal(t, []string{"", "a", "b", "c", "ba", "bb", "bc"}, search.queried)
	require.Equal(t, 2, res.Results[1].Depth)

	require.Len(t, res.Failed, 2)
	var sourceErr *SourceQueryError
	require.ErrorAs(t, res.Failed[0].Err, &sourceErr)
	require.Contains(t, sourceErr.URL, "deno=c")
	require.ErrorContains(t, res.Failed[1].Err, "connection reset")
	require.True(t, tel.Has("warning", report_refiner_query))
}

func TestRefinerFromKnownPayload(t *testing.T) {
	search := &fakeSearch{payloads: map[string][]byte{}}
	refiner := Refiner{
		Detector: searchDetector,
		Resolver: QueryNameResolver{QueryParam: "deno", Combinations: combinations.Config{ValidChars: "ab"}},
		Query:    search.query,
	}

	res, err := refiner.ResolveFrom(context.Background(), "https://registry.test/search?deno=", payload(5, 5))
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	require.Empty(t, search.queried)
}

func TestRefinerAcceptsUnrefinableResult(t *testing.T) {
	tel := &telemetry.MemoryAPI{}
	search := &fakeSearch{payloads: map[string][]byte{"": payload(150, 99)}}
	refiner := Refiner{
		Detector: searchDetector,
		// nothing to extend the term with
		Resolver:  QueryNameResolver{QueryParam: "deno", Combinations: combinations.Config{ValidChars: "a", End: "0"}},
		Query:     search.query,
		Telemetry: tel,
	}

	res, err := refiner.Resolve(context.Background(), "https://registry.test/search?deno=")
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	require.True(t, res.Results[0].Limited)
	require.True(t, tel.Has("warning", report_refiner_resolve))
}

func TestRefinerMaxDepth(t *testing.T) {
	search := &fakeSearch{payloads: map[string][]byte{
		"":  payload(150, 99),
		"a": payload(150, 99),
	}}
	refiner := Refiner{
		Detector:  searchDetector,
		Resolver:  QueryNameResolver{QueryParam: "deno", Combinations: combinations.Config{ValidChars: "a"}},
		Query:     search.query,
		MaxDepth:  1,
		Telemetry: &telemetry.MemoryAPI{},
	}

	res, err := refiner.Resolve(context.Background(), "https://registry.test/search?deno=")
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, terms(t, res.Results))
	require.True(t, res.Results[0].Limited)
}

func TestRefinerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	refiner := Refiner{
		Detector: searchDetector,
		Resolver: QueryNameResolver{QueryParam: "deno"},
		Query:    (&fakeSearch{}).query,
	}
	_, err := refiner.Resolve(ctx, "https://registry.test/search?deno=")
	require.ErrorIs(t, err, context.Canceled)
}
