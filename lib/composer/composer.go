package composer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"strings"

	"crawlcompose/internal/assert"
	"crawlcompose/lib/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("lib/composer")

const (
	report_composer_start           = "composer.start"
	report_composer_handle_response = "composer.handle-response"
)

// Mode selects how follow-up requests reach the fetcher.
type Mode int

const (
	// ModeDeferred hands every follow-up request back to the caller, each
	// response is then handled independently.
	ModeDeferred Mode = iota
	// ModeInline drives a whole lineage to completion before moving on, see
	// Lineage.
	ModeInline
)

func (m Mode) String() string {
	switch m {
	case ModeDeferred:
		return "deferred"
	case ModeInline:
		return "inline"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "deferred":
		return ModeDeferred, nil
	case "inline":
		return ModeInline, nil
	}
	return 0, fmt.Errorf("unknown composition mode %q", s)
}

type Options struct {
	// InitializeOnce shares a single instance between every slot of the
	// same unit.
	InitializeOnce bool
	Mode           Mode
	// Scope backs the scope lookup of callbacks, the default parse function
	// of every unit is registered into it as "<unit id>.parse".
	Scope *Scope
	// Exports backs the external lookup of callbacks.
	Exports   *Exports
	Telemetry telemetry.API
}

// Stage is a single slot of the pipeline with its unit instance.
type Stage struct {
	Index    int
	Unit     string
	Priority float64
	Parser   Parser
}

// Name names the stage in error messages.
func (s Stage) Name() string {
	if named, ok := s.Parser.(Named); ok {
		if name := named.Name(); name != "" {
			return name
		}
	}
	return s.Unit
}

// Composer chains the stages of a pipeline.
//
// it holds no state that changes after New, HandleResponse may be called
// concurrently.
type Composer struct {
	stages    []Stage
	mode      Mode
	scope     *Scope
	callbacks *Callbacks
	tel       telemetry.API
}

func New(spec Spec, registry *Registry, opts Options) (*Composer, error) {
	assert.NotNil(registry)

	slots, err := ResolveSpec(spec, registry)
	if err != nil {
		return nil, err
	}

	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.SlogAPI{}
	}
	scope := opts.Scope
	if scope == nil {
		scope = NewScope()
	}

	shared := map[string]Parser{}
	stages := make([]Stage, len(slots))
	for i, slot := range slots {
		instance, ok := shared[slot.Unit]
		if !ok || !opts.InitializeOnce {
			factory, _, err := registry.lookup(slot.Unit)
			if err != nil {
				return nil, err
			}
			instance, err = factory()
			if err != nil {
				return nil, &ConfigurationError{
					Unit:   slot.Unit,
					Reason: fmt.Sprintf("initialize: %s", err.Error()),
				}
			}
			if instance == nil {
				return nil, &ConfigurationError{Unit: slot.Unit, Reason: "factory returned a nil unit"}
			}
			shared[slot.Unit] = instance
		}

		stages[i] = Stage{
			Index:    i,
			Unit:     slot.Unit,
			Priority: slot.Priority,
			Parser:   instance,
		}
	}

	if _, ok := stages[0].Parser.(Starter); !ok {
		return nil, &ConfigurationError{
			Unit:   stages[0].Unit,
			Reason: "the first stage must produce start requests",
		}
	}

	// with multiple slots of the same unit, the scope points at the first
	for i := len(stages) - 1; i >= 0; i-- {
		registerStage(scope, stages[i])
	}

	return &Composer{
		stages: stages,
		mode:   opts.Mode,
		scope:  scope,
		callbacks: NewCallbacks(
			DirectStrategy{},
			ScopeStrategy{Scope: scope},
			ExternalStrategy{Exports: opts.Exports},
		),
		tel: tel,
	}, nil
}

func registerStage(scope *Scope, stage Stage) {
	scope.Register(stage.Unit+".parse", stage.Parser.Parse)
	if scoped, ok := stage.Parser.(Scoped); ok {
		for name, fn := range scoped.Callbacks() {
			scope.Register(stage.Unit+"."+name, fn)
		}
	}
}

func (c *Composer) Stages() []Stage {
	out := make([]Stage, len(c.stages))
	copy(out, c.stages)
	return out
}

func (c *Composer) Mode() Mode {
	return c.mode
}

func (c *Composer) Scope() *Scope {
	return c.scope
}

// ResolveCallback resolves a callback with the composer's strategies.
func (c *Composer) ResolveCallback(ref CallbackRef) (ParseFunc, error) {
	return c.callbacks.Resolve(ref)
}

// Start returns the initial requests of the pipeline, each one starts its
// own lineage.
func (c *Composer) Start(ctx context.Context) ([]*Request, error) {
	ctx, span := tracer.Start(ctx, "Start")
	defer span.End()

	first := c.stages[0]
	reqs, err := first.Parser.(Starter).StartRequests(ctx)
	if err != nil {
		c.tel.ReportBroken(report_composer_start, err, first.Name())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("start requests of %s: %w", first.Name(), err)
	}

	out := make([]*Request, 0, len(reqs))
	for _, req := range reqs {
		if req == nil {
			continue
		}
		req.Envelope = newEnvelope(req.Callback, req.Meta)
		req.Callback = CallbackRef{}
		out = append(out, req)
	}
	span.SetAttributes(attribute.Int("requests", len(out)))
	return out, nil
}

// Outcome is the result of handling a single response.
type Outcome struct {
	Stage Stage
	// Terminal is set when the response was handled by the last stage,
	// Output is then the stage's output as it was returned.
	Terminal bool
	Output   any
	// Envelope is a copy of the response's envelope moved past the last
	// stage, it is only set with Terminal.
	Envelope *Envelope
	// Requests are the follow-ups of an intermediate stage, ready to be
	// fetched.
	Requests []*Request
}

// HandleResponse parses res with the stage its envelope points at.
func (c *Composer) HandleResponse(ctx context.Context, res *Response) (Outcome, error) {
	assert.NotNil(res)

	env := res.Envelope()
	if env == nil {
		// responses that lost their envelope are treated as start responses
		env = newEnvelope(CallbackRef{}, nil)
		if res.Request == nil {
			res.Request = &Request{URL: res.URL}
		}
		res.Request.Envelope = env
	}
	if env.StageIndex < 0 || env.StageIndex >= len(c.stages) {
		return Outcome{}, &CompositionContractError{
			Index:  env.StageIndex,
			Reason: fmt.Sprintf("envelope points past the last stage (%d stages)", len(c.stages)),
		}
	}
	stage := c.stages[env.StageIndex]

	ctx, span := tracer.Start(ctx, "HandleResponse")
	defer span.End()
	span.SetAttributes(
		attribute.Int("stage.index", stage.Index),
		attribute.String("stage.unit", stage.Unit),
		attribute.String("lineage", env.Lineage),
	)

	parse := stage.Parser.Parse
	if !env.Callback.IsZero() {
		fn, err := c.callbacks.Resolve(env.Callback)
		if err != nil {
			c.tel.ReportWarning(report_composer_handle_response, err, stage.Name())
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Outcome{Stage: stage}, err
		}
		parse = fn
	}

	out, err := parse(ctx, res)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Outcome{Stage: stage}, fmt.Errorf("stage %d (%s): %w", stage.Index, stage.Name(), err)
	}

	if stage.Index == len(c.stages)-1 {
		final := env.Clone()
		final.StageIndex = len(c.stages)
		return Outcome{Stage: stage, Terminal: true, Output: out, Envelope: final}, nil
	}

	reqs, err := requestsOf(out)
	if err != nil {
		contractErr := &CompositionContractError{
			Stage: stage.Name(),
			Index: stage.Index,
			Type:  fmt.Sprintf("%T", out),
		}
		if err != errNotRequests {
			contractErr.Reason = err.Error()
		}
		c.tel.ReportBroken(report_composer_handle_response, contractErr, stage.Name())
		span.RecordError(contractErr)
		span.SetStatus(codes.Error, contractErr.Error())
		return Outcome{Stage: stage}, contractErr
	}

	next := c.stages[stage.Index+1]
	router, _ := stage.Parser.(Router)
	for _, req := range reqs {
		req.Envelope = env.child(req)
		req.Callback = CallbackRef{}
		if router != nil {
			maps.Copy(req.Envelope.Metadata, router.Route(req, next))
		}
	}
	span.SetAttributes(attribute.Int("requests", len(reqs)))
	return Outcome{Stage: stage, Requests: reqs}, nil
}

var errNotRequests = errors.New("not requests")

func requestsOf(out any) ([]*Request, error) {
	var reqs []*Request
	switch v := out.(type) {
	case nil:
		return nil, nil
	case *Request:
		reqs = []*Request{v}
	case []*Request:
		reqs = v
	case iter.Seq[*Request]:
		for req := range v {
			reqs = append(reqs, req)
		}
	case []any:
		reqs = make([]*Request, 0, len(v))
		for _, item := range v {
			req, ok := item.(*Request)
			if !ok {
				return nil, fmt.Errorf("produced a %T among requests", item)
			}
			reqs = append(reqs, req)
		}
	default:
		return nil, errNotRequests
	}

	for _, req := range reqs {
		if req == nil {
			return nil, fmt.Errorf("produced a nil request")
		}
	}
	return reqs, nil
}
