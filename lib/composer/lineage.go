package composer

import (
	"context"
	"fmt"
)

type LineageState int

const (
	// LineagePending has responses queued that have not been parsed yet.
	LineagePending LineageState = iota
	// LineageAwaitingFetch is waiting on the caller to fetch Awaiting.
	LineageAwaitingFetch
	// LineageResolved has nothing left to do, Outputs holds its results.
	LineageResolved
)

func (s LineageState) String() string {
	switch s {
	case LineagePending:
		return "pending"
	case LineageAwaitingFetch:
		return "awaiting-fetch"
	case LineageResolved:
		return "resolved"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Lineage drives every request derived from a single response to completion
// before the caller moves on, this is the inline mode of composition.
//
// the caller loops over Advance, fetching Awaiting and handing the response
// back through Resume until the lineage is resolved. requests issued by the
// same stage invocation are fetched and parsed in the order they were issued.
type Lineage struct {
	composer  *Composer
	responses []*Response
	outbox    []*Request
	outputs   []any
	state     LineageState
}

// NewLineage starts a lineage at the given response.
func (c *Composer) NewLineage(res *Response) *Lineage {
	return &Lineage{
		composer:  c,
		responses: []*Response{res},
		state:     LineagePending,
	}
}

func (l *Lineage) State() LineageState {
	return l.state
}

// Advance parses queued responses until the lineage needs a fetch or is
// resolved.
//
// an error from a single response does not end the lineage, the response is
// dropped and the next call of Advance continues with the rest of the queue.
func (l *Lineage) Advance(ctx context.Context) (LineageState, error) {
	for {
		if err := ctx.Err(); err != nil {
			return l.state, err
		}
		if len(l.outbox) > 0 {
			l.state = LineageAwaitingFetch
			return l.state, nil
		}
		if len(l.responses) == 0 {
			l.state = LineageResolved
			return l.state, nil
		}

		res := l.responses[0]
		l.responses[0] = nil
		l.responses = l.responses[1:]

		outcome, err := l.composer.HandleResponse(ctx, res)
		if err != nil {
			l.state = LineagePending
			return l.state, err
		}
		if outcome.Terminal {
			l.outputs = append(l.outputs, outcome.Output)
			continue
		}
		l.outbox = append(l.outbox, outcome.Requests...)
	}
}

// Awaiting returns the request that must be fetched next, nil when the
// lineage is not awaiting a fetch.
func (l *Lineage) Awaiting() *Request {
	if l.state != LineageAwaitingFetch || len(l.outbox) == 0 {
		return nil
	}
	return l.outbox[0]
}

// Resume hands the response to the awaited request back to the lineage.
func (l *Lineage) Resume(res *Response) error {
	req := l.Awaiting()
	if req == nil {
		return fmt.Errorf("resume lineage: not awaiting a fetch (%s)", l.state)
	}
	if res.Request == nil {
		res.Request = req
	}
	if res.Request.Envelope == nil {
		res.Request.Envelope = req.Envelope
	}
	l.pop()
	l.responses = append(l.responses, res)
	return nil
}

// Drop discards the awaited request, used when fetching it failed.
func (l *Lineage) Drop() {
	if l.Awaiting() == nil {
		return
	}
	l.pop()
}

func (l *Lineage) pop() {
	l.outbox[0] = nil
	l.outbox = l.outbox[1:]
	if len(l.outbox) == 0 {
		l.state = LineagePending
	}
}

// Outputs returns the outputs of the last stage collected so far.
func (l *Lineage) Outputs() []any {
	return l.outputs
}
