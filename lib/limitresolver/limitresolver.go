// Package limitresolver deals with search endpoints that cap the number of
// results they return: truncated results are detected and the search is
// repeated with narrower queries until every result is complete.
package limitresolver

import (
	"fmt"

	"crawlcompose/lib/urlquery"

	"github.com/tidwall/gjson"
)

// Detector reports whether a result payload holds fewer entries than the
// search matched.
type Detector interface {
	IsResultLimited(result []byte) bool
}

// Resolver derives narrower queries from a query whose result was limited.
type Resolver interface {
	ResolveResultLimit(rawURL string) ([]Refinement, error)
}

// Checker is implemented by detectors that can also tell a failed search
// apart from an empty one.
type Checker interface {
	Check(result []byte) error
}

// Refinement is a narrower version of a search.
type Refinement struct {
	URL   string
	Query urlquery.Query
}

// SourceQueryError is a search the source reported as unsuccessful.
type SourceQueryError struct {
	URL    string
	Reason string
}

func (e *SourceQueryError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("source query failed: %s", e.Reason)
	}
	return fmt.Sprintf("source query failed (%s): %s", e.URL, e.Reason)
}

// CountDetector compares the number of matches a payload claims against the
// number of entries it carries, both are gjson paths.
//
// a payload missing either count is never limited.
type CountDetector struct {
	// ex. "nbTotalResultats"
	TotalPath string
	// ex. "items.#"
	ReturnedPath string
	// when set, a false value marks the search as failed
	SuccessPath string
	// Stores lists sub documents checked independently, a single limited
	// store limits the whole result. the root document is checked when empty.
	Stores []string
}

func (d CountDetector) documents(result []byte) []gjson.Result {
	root := gjson.ParseBytes(result)
	if len(d.Stores) == 0 {
		return []gjson.Result{root}
	}
	var out []gjson.Result
	for _, store := range d.Stores {
		doc := root.Get(store)
		if !doc.Exists() || !doc.IsObject() {
			continue
		}
		out = append(out, doc)
	}
	return out
}

func (d CountDetector) counts(doc gjson.Result) (total, returned int64, ok bool) {
	totalResult := doc.Get(d.TotalPath)
	returnedResult := doc.Get(d.ReturnedPath)
	if !totalResult.Exists() || !returnedResult.Exists() {
		return 0, 0, false
	}
	if totalResult.Type != gjson.Number || returnedResult.Type != gjson.Number {
		return 0, 0, false
	}
	return totalResult.Int(), returnedResult.Int(), true
}

func (d CountDetector) IsResultLimited(result []byte) bool {
	for _, doc := range d.documents(result) {
		total, returned, ok := d.counts(doc)
		if ok && returned < total {
			return true
		}
	}
	return false
}

// Counts sums the counts of every document, documents missing a count are
// skipped.
func (d CountDetector) Counts(result []byte) (total, returned int64) {
	for _, doc := range d.documents(result) {
		t, r, ok := d.counts(doc)
		if !ok {
			continue
		}
		total += t
		returned += r
	}
	return total, returned
}

// Check returns a *SourceQueryError when the payload is not JSON or when
// SuccessPath exists and is false in any document.
func (d CountDetector) Check(result []byte) error {
	if !gjson.ValidBytes(result) {
		return &SourceQueryError{Reason: "payload is not valid json"}
	}
	if d.SuccessPath == "" {
		return nil
	}
	for _, doc := range d.documents(result) {
		success := doc.Get(d.SuccessPath)
		if success.Exists() && !success.Bool() {
			reason := "search was not successful"
			if msg := doc.Get("message"); msg.Exists() && msg.String() != "" {
				reason = fmt.Sprintf("%s: %s", reason, msg.String())
			}
			return &SourceQueryError{Reason: reason}
		}
	}
	return nil
}
