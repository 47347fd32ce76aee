package composer

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ParseFunc turns a response into the stage's output.
//
// the output of an intermediate stage must be a *Request, a []*Request, an
// iter.Seq[*Request], a []any holding only requests or nil (no follow-ups).
// the output of the last stage is passed to the sink as is.
type ParseFunc func(ctx context.Context, res *Response) (any, error)

type callbackKind int

const (
	callbackNone callbackKind = iota
	callbackNamed
	callbackScope
	callbackExternal
	callbackDirect
)

// CallbackRef refers to a parse function that overrides a stage's default
// one for a single hop.
type CallbackRef struct {
	kind       callbackKind
	path       string
	importPath string
	fn         ParseFunc
}

// ScopeLookup refers to a dotted path in the composer's Scope.
func ScopeLookup(path string) CallbackRef {
	return CallbackRef{kind: callbackScope, path: path}
}

// ExternalLookup refers to a method path of an object exported under
// importPath, an empty method path selects the object itself.
func ExternalLookup(importPath, methodPath string) CallbackRef {
	return CallbackRef{kind: callbackExternal, importPath: importPath, path: methodPath}
}

func Direct(fn ParseFunc) CallbackRef {
	if fn == nil {
		return CallbackRef{}
	}
	return CallbackRef{kind: callbackDirect, fn: fn}
}

// ParseCallback turns the serialisable string form of a callback into a
// ref, the string is tried as a scope path first and as
// "<import-path> <method-path>" after that.
func ParseCallback(s string) CallbackRef {
	s = strings.TrimSpace(s)
	if s == "" {
		return CallbackRef{}
	}
	return CallbackRef{kind: callbackNamed, path: s}
}

func (r CallbackRef) IsZero() bool {
	return r.kind == callbackNone
}

func (r CallbackRef) String() string {
	switch r.kind {
	case callbackNamed, callbackScope:
		return r.path
	case callbackExternal:
		if r.path == "" {
			return r.importPath
		}
		return r.importPath + " " + r.path
	case callbackDirect:
		return fmt.Sprintf("func(%p)", r.fn)
	}
	return ""
}

// splitPath splits a dotted path, empty segments are ignored so "a..b"
// resolves like "a.b".
func splitPath(path string) []string {
	parts := strings.Split(path, ".")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Scope is a lookup table of dotted paths to parse functions.
type Scope struct {
	mutex    sync.RWMutex
	funcs    map[string]ParseFunc
	children map[string]*Scope
}

func NewScope() *Scope {
	return &Scope{
		funcs:    map[string]ParseFunc{},
		children: map[string]*Scope{},
	}
}

// Register adds fn under path, intermediate scopes are created as needed.
// an empty path registers fn as the scope's own function.
func (s *Scope) Register(path string, fn ParseFunc) {
	parts := splitPath(path)
	if len(parts) == 0 {
		s.mutex.Lock()
		s.funcs[""] = fn
		s.mutex.Unlock()
		return
	}
	target := s
	for _, part := range parts[:len(parts)-1] {
		target = target.child(part)
	}
	target.mutex.Lock()
	target.funcs[parts[len(parts)-1]] = fn
	target.mutex.Unlock()
}

// Mount makes every function of child reachable under name.
func (s *Scope) Mount(name string, child *Scope) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.children[name] = child
}

func (s *Scope) child(name string) *Scope {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	c, ok := s.children[name]
	if !ok {
		c = NewScope()
		s.children[name] = c
	}
	return c
}

func (s *Scope) Lookup(path string) (ParseFunc, bool) {
	parts := splitPath(path)
	if len(parts) == 0 {
		s.mutex.RLock()
		defer s.mutex.RUnlock()
		fn, ok := s.funcs[""]
		return fn, ok && fn != nil
	}
	return s.lookup(parts)
}

func (s *Scope) lookup(parts []string) (ParseFunc, bool) {
	s.mutex.RLock()
	head := parts[0]
	fn, isFunc := s.funcs[head]
	child, isChild := s.children[head]
	s.mutex.RUnlock()

	if len(parts) == 1 {
		if isFunc && fn != nil {
			return fn, true
		}
		if isChild {
			return child.Lookup("")
		}
		return nil, false
	}
	if !isChild {
		return nil, false
	}
	return child.lookup(parts[1:])
}

// Exports is the deployment wide table of objects addressable by import
// path, it backs the external lookup of callbacks.
type Exports struct {
	mutex   sync.RWMutex
	objects map[string]*Scope
}

func NewExports() *Exports {
	return &Exports{objects: map[string]*Scope{}}
}

func (e *Exports) Register(importPath, methodPath string, fn ParseFunc) {
	e.mutex.Lock()
	obj, ok := e.objects[importPath]
	if !ok {
		obj = NewScope()
		e.objects[importPath] = obj
	}
	e.mutex.Unlock()
	obj.Register(methodPath, fn)
}

func (e *Exports) Lookup(importPath, methodPath string) (ParseFunc, bool) {
	e.mutex.RLock()
	obj, ok := e.objects[importPath]
	e.mutex.RUnlock()
	if !ok {
		return nil, false
	}
	return obj.Lookup(methodPath)
}

// CallbackStrategy is a single way of turning a ref into a parse function.
type CallbackStrategy interface {
	Resolve(ref CallbackRef) (ParseFunc, bool)
}

type DirectStrategy struct{}

func (DirectStrategy) Resolve(ref CallbackRef) (ParseFunc, bool) {
	if ref.kind != callbackDirect {
		return nil, false
	}
	return ref.fn, ref.fn != nil
}

type ScopeStrategy struct {
	Scope *Scope
}

func (s ScopeStrategy) Resolve(ref CallbackRef) (ParseFunc, bool) {
	if s.Scope == nil {
		return nil, false
	}
	switch ref.kind {
	case callbackScope, callbackNamed:
		return s.Scope.Lookup(ref.path)
	}
	return nil, false
}

type ExternalStrategy struct {
	Exports *Exports
}

func (s ExternalStrategy) Resolve(ref CallbackRef) (ParseFunc, bool) {
	if s.Exports == nil {
		return nil, false
	}
	switch ref.kind {
	case callbackExternal:
		return s.Exports.Lookup(ref.importPath, ref.path)
	case callbackNamed:
		importPath, methodPath, _ := strings.Cut(ref.path, " ")
		return s.Exports.Lookup(importPath, strings.TrimSpace(methodPath))
	}
	return nil, false
}

// Callbacks resolves refs with an ordered list of strategies, the first
// strategy that succeeds wins.
type Callbacks struct {
	strategies []CallbackStrategy
}

func NewCallbacks(strategies ...CallbackStrategy) *Callbacks {
	return &Callbacks{strategies: strategies}
}

func (c *Callbacks) Resolve(ref CallbackRef) (ParseFunc, error) {
	for _, s := range c.strategies {
		fn, ok := s.Resolve(ref)
		if ok {
			return fn, nil
		}
	}
	return nil, &CallbackResolutionError{Callback: ref.String()}
}
