package composer

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"crawlcompose/lib/textutil"

	"github.com/antzucaro/matchr"
)

// Parser is the part every unit has, it handles the responses of its stage.
type Parser interface {
	Parse(ctx context.Context, res *Response) (any, error)
}

// Starter produces the initial requests, the unit at stage 0 must be one.
type Starter interface {
	StartRequests(ctx context.Context) ([]*Request, error)
}

// Named units are named by Name in error messages instead of their
// identifier.
type Named interface {
	Name() string
}

// Scoped units expose extra parse functions that requests may select as
// their callback, they are reachable under "<unit id>.<name>".
type Scoped interface {
	Callbacks() map[string]ParseFunc
}

// Router units tag the requests they hand to the next stage, the returned
// metadata is merged into the envelope of req after it was built.
type Router interface {
	Route(req *Request, next Stage) map[string]any
}

type Factory func() (Parser, error)

// Registry maps unit identifiers to the factories that build them.
type Registry struct {
	mutex     sync.RWMutex
	factories map[string]Factory
	aliases   map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		factories: map[string]Factory{},
		aliases:   map[string]string{},
	}
}

func (r *Registry) Register(id string, factory Factory) error {
	canonical := textutil.NormalizeName(id)
	if canonical == "" {
		return fmt.Errorf("register unit: empty identifier")
	}
	if factory == nil {
		return fmt.Errorf("register unit %q: nil factory", id)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.factories[canonical]; ok {
		return fmt.Errorf("register unit %q: already registered", id)
	}
	if _, ok := r.aliases[canonical]; ok {
		return fmt.Errorf("register unit %q: identifier is an alias", id)
	}
	r.factories[canonical] = factory
	return nil
}

// Alias makes a renamed unit reachable under its old identifier.
func (r *Registry) Alias(old, current string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.aliases[textutil.NormalizeName(old)] = textutil.NormalizeName(current)
}

// Canonical returns the identifier a unit is registered under, it does not
// check whether the unit exists.
func (r *Registry) Canonical(id string) string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.canonical(id)
}

func (r *Registry) canonical(id string) string {
	id = textutil.NormalizeName(id)
	// aliases may be chained when a unit is renamed more than once
	for range len(r.aliases) + 1 {
		next, ok := r.aliases[id]
		if !ok {
			break
		}
		id = next
	}
	return id
}

// Names returns the registered identifiers in sorted order.
func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Aliases returns the aliases pointing at the canonical identifier id.
func (r *Registry) Aliases(id string) []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	var out []string
	for old, current := range r.aliases {
		if current == id {
			out = append(out, old)
		}
	}
	slices.Sort(out)
	return out
}

func (r *Registry) lookup(id string) (Factory, string, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	canonical := r.canonical(id)
	factory, ok := r.factories[canonical]
	if ok {
		return factory, canonical, nil
	}

	reason := "unknown unit"
	if suggestion := r.closest(canonical); suggestion != "" {
		reason = fmt.Sprintf("unknown unit, did you mean %q?", suggestion)
	}
	return nil, canonical, &ConfigurationError{Unit: id, Reason: reason}
}

func (r *Registry) closest(id string) string {
	best := ""
	bestScore := 0.8
	for name := range r.factories {
		score := matchr.JaroWinkler(id, name, false)
		if score > bestScore || (score == bestScore && best != "" && name < best) {
			best = name
			bestScore = score
		}
	}
	return best
}

// SpecEntry assigns a unit one or more priorities. Priority is a number, a
// list of numbers or nil, a nil priority disables the entry.
type SpecEntry struct {
	Unit     string `json:"unit"`
	Priority any    `json:"priority"`
}

// Spec is the declaration of a pipeline, stages run in ascending priority.
type Spec []SpecEntry

// Slot is a single stage of a resolved spec.
type Slot struct {
	Unit     string
	Priority float64
	// position in the declaration, used to keep ties in declaration order
	position int
}

// ResolveSpec validates spec against registry and returns its slots in
// stage order.
func ResolveSpec(spec Spec, registry *Registry) ([]Slot, error) {
	if len(spec) == 0 {
		return nil, &ConfigurationError{Reason: "pipeline spec is empty"}
	}

	var slots []Slot
	declared := map[string]string{}
	for _, entry := range spec {
		_, canonical, err := registry.lookup(entry.Unit)
		if err != nil {
			return nil, err
		}
		if prev, ok := declared[canonical]; ok {
			return nil, &ConfigurationError{
				Unit:   entry.Unit,
				Reason: fmt.Sprintf("ambiguous, %q resolves to the same unit %q", prev, canonical),
			}
		}
		declared[canonical] = entry.Unit

		priorities, err := priorityList(entry.Priority)
		if err != nil {
			return nil, &ConfigurationError{Unit: entry.Unit, Reason: err.Error()}
		}
		for _, p := range priorities {
			slots = append(slots, Slot{
				Unit:     canonical,
				Priority: p,
				position: len(slots),
			})
		}
	}
	if len(slots) == 0 {
		return nil, &ConfigurationError{Reason: "every unit in the pipeline spec is disabled"}
	}

	sort.SliceStable(slots, func(i, j int) bool {
		if slots[i].Priority != slots[j].Priority {
			return slots[i].Priority < slots[j].Priority
		}
		return slots[i].position < slots[j].position
	})
	return slots, nil
}

// Priorities is a helper for declaring a unit at more than one stage.
func Priorities(p ...float64) []float64 {
	return p
}

func priorityList(value any) ([]float64, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []float64:
		out := make([]float64, 0, len(v))
		for _, p := range v {
			n, err := priorityValue(p)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	case []int:
		out := make([]float64, 0, len(v))
		for _, p := range v {
			out = append(out, float64(p))
		}
		return out, nil
	case []any:
		var out []float64
		for _, p := range v {
			if p == nil {
				continue
			}
			n, err := priorityValue(p)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	}
	n, err := priorityValue(value)
	if err != nil {
		return nil, err
	}
	return []float64{n}, nil
}
