package composer

import (
	"bytes"
	"maps"
	"net/http"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Request is a fetch request as produced by a stage.
type Request struct {
	URL    string
	Method string
	Header http.Header
	Body   []byte

	// Callback overrides the parse function that handles the response to
	// this request, it is moved onto the Envelope when the request is
	// dispatched.
	Callback CallbackRef
	// Meta is merged over the parent envelope's metadata on dispatch.
	Meta map[string]any

	Envelope *Envelope
}

func NewRequest(url string) *Request {
	return &Request{
		URL:    url,
		Method: http.MethodGet,
		Header: http.Header{},
	}
}

func NewPOSTRequest(url string, body []byte) *Request {
	return &Request{
		URL:    url,
		Method: http.MethodPost,
		Header: http.Header{},
		Body:   body,
	}
}

// Clone returns a copy of the request that shares no mutable state with r,
// the envelope is dropped.
func (r *Request) Clone() *Request {
	out := *r
	out.Header = r.Header.Clone()
	out.Body = bytes.Clone(r.Body)
	out.Meta = maps.Clone(r.Meta)
	out.Envelope = nil
	return &out
}

// Response is the fetched result of a Request.
type Response struct {
	Request *Request
	URL     string
	Status  int
	Header  http.Header
	Body    []byte
}

// Envelope returns the envelope of the request that produced this response.
func (r *Response) Envelope() *Envelope {
	if r.Request == nil {
		return nil
	}
	return r.Request.Envelope
}

// Meta returns an entry of the envelope's metadata.
func (r *Response) Meta(key string) (any, bool) {
	env := r.Envelope()
	if env == nil {
		return nil, false
	}
	v, ok := env.Metadata[key]
	return v, ok
}

// JSON looks up a gjson path in the response body.
func (r *Response) JSON(path string) gjson.Result {
	return gjson.GetBytes(r.Body, path)
}

func (r *Response) Document() (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
}

// Envelope is the composition state carried by every in-flight request.
//
// StageIndex only grows along a lineage, it equals the number of stages
// exactly once: on the copy returned in Outcome.Envelope with the last
// stage's output.
type Envelope struct {
	// Lineage identifies the chain of requests derived from one initial
	// request.
	Lineage    string
	StageIndex int
	// Callback, when set, replaces the stage's default parse function for
	// the response to the request carrying this envelope.
	Callback CallbackRef
	// SavedCallback is the callback of the previous hop, kept so a stage may
	// restore it.
	SavedCallback CallbackRef
	Metadata      map[string]any
}

func newEnvelope(callback CallbackRef, metadata map[string]any) *Envelope {
	return &Envelope{
		Lineage:  uuid.NewString(),
		Callback: callback,
		Metadata: maps.Clone(metadata),
	}
}

// child creates the envelope of a request produced while handling the
// response carrying e, e itself is left untouched since siblings share it.
func (e *Envelope) child(req *Request) *Envelope {
	metadata := maps.Clone(e.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	for k, v := range req.Meta {
		metadata[k] = v
	}
	return &Envelope{
		Lineage:       e.Lineage,
		StageIndex:    e.StageIndex + 1,
		Callback:      req.Callback,
		SavedCallback: e.Callback,
		Metadata:      metadata,
	}
}

// Clone copies the envelope, metadata is copied one level deep.
func (e *Envelope) Clone() *Envelope {
	out := *e
	out.Metadata = maps.Clone(e.Metadata)
	return &out
}
