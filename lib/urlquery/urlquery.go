package urlquery

import (
	"maps"
	"net/url"
)

// Query is a url split into its base (everything but the query string) and
// its query parameters, one value per parameter.
type Query struct {
	Base   *url.URL
	Params map[string]string
}

// Unpack splits a raw url into a Query, when a parameter is repeated the
// first value wins.
//
// the reverse of Query.Pack
func Unpack(raw string) (Query, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return Query{}, err
	}
	values, err := url.ParseQuery(parsed.RawQuery)
	if err != nil {
		return Query{}, err
	}

	params := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) == 0 {
			params[k] = ""
			continue
		}
		params[k] = v[0]
	}

	base := *parsed
	base.RawQuery = ""
	base.ForceQuery = false
	return Query{Base: &base, Params: params}, nil
}

// Pack renders the query back into a url, parameters are sorted by key.
func (q Query) Pack() string {
	values := url.Values{}
	for k, v := range q.Params {
		values.Set(k, v)
	}
	var u url.URL
	if q.Base != nil {
		u = *q.Base
	}
	u.RawQuery = values.Encode()
	return u.String()
}

// Get returns the value of a parameter, missing parameters are empty.
func (q Query) Get(param string) string {
	return q.Params[param]
}

// With returns a copy of q with param set to value, every other parameter is
// preserved.
func (q Query) With(param, value string) Query {
	params := maps.Clone(q.Params)
	if params == nil {
		params = map[string]string{}
	}
	params[param] = value
	return Query{Base: q.Base, Params: params}
}

// Equal reports whether both queries share the same base and parameters,
// parameter order is irrelevant.
func (q Query) Equal(other Query) bool {
	return q.baseString() == other.baseString() && maps.Equal(q.Params, other.Params)
}

func (q Query) baseString() string {
	if q.Base == nil {
		return ""
	}
	return q.Base.String()
}
