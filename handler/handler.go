// Package handler maps api names to the functions that serve them.
//
// Registration happens once at startup and fails fast: empty or reserved names,
// duplicates and functions of the wrong shape are rejected when registered, not
// when first called.
package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"procbridge/message"
)

var (
	ErrNotFound     = errors.New("unknown api")
	ErrDuplicate    = errors.New("duplicate api")
	ErrInvalidName  = errors.New("invalid api name")
	ErrBadSignature = errors.New("invalid handler signature")
)

// Func serves one api. A nil result is sent back as a response without a body.
type Func func(ctx context.Context, body message.Body) (message.Body, error)

// Registry is what the server needs from whatever dispatch mechanism surrounds it.
type Registry interface {
	Lookup(api string) (Func, bool)
}

// Error is a lookup failure or a handler failure. Its message is what the remote
// peer sees in the BadResponse.
type Error struct {
	API string
	Err error
}

func (e *Error) Error() string {
	if errors.Is(e.Err, ErrNotFound) {
		return fmt.Sprintf("%v: %s", ErrNotFound, e.API)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Invoke looks up api in reg and calls it. Every failure is returned as *Error.
func Invoke(ctx context.Context, reg Registry, api string, body message.Body) (message.Body, error) {
	fn, ok := reg.Lookup(api)
	if !ok {
		return nil, &Error{API: api, Err: ErrNotFound}
	}
	if body == nil {
		body = message.Body{}
	}
	result, err := fn(ctx, body)
	if err != nil {
		return nil, &Error{API: api, Err: err}
	}
	return result, nil
}

// Map is a static, concurrency-safe Registry.
type Map struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewMap() *Map {
	return &Map{funcs: make(map[string]Func)}
}

func (m *Map) Lookup(api string) (Func, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn, ok := m.funcs[api]
	return fn, ok
}

// Register adds fn under api.
func (m *Map) Register(api string, fn Func) error {
	if api == "" || message.IsReserved(api) {
		return fmt.Errorf("%w: %q", ErrInvalidName, api)
	}
	if fn == nil {
		return fmt.Errorf("%w: nil handler for %q", ErrBadSignature, api)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.funcs[api]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, api)
	}
	m.funcs[api] = fn
	return nil
}

// RegisterText adds a handler that answers with JSON text. The text must be a JSON object.
func (m *Map) RegisterText(api string, fn func(ctx context.Context, body message.Body) (string, error)) error {
	if fn == nil {
		return fmt.Errorf("%w: nil handler for %q", ErrBadSignature, api)
	}
	return m.Register(api, func(ctx context.Context, body message.Body) (message.Body, error) {
		text, err := fn(ctx, body)
		if err != nil {
			return nil, err
		}
		return message.ParseBody(text)
	})
}

// RegisterVoid adds a handler that answers without a body.
func (m *Map) RegisterVoid(api string, fn func(ctx context.Context, body message.Body) error) error {
	if fn == nil {
		return fmt.Errorf("%w: nil handler for %q", ErrBadSignature, api)
	}
	return m.Register(api, func(ctx context.Context, body message.Body) (message.Body, error) {
		return nil, fn(ctx, body)
	})
}

// MustRegister is Register that panics, for static setup code.
func (m *Map) MustRegister(api string, fn Func) {
	if err := m.Register(api, fn); err != nil {
		panic(err)
	}
}

// Names returns the registered api names in sorted order.
func (m *Map) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.funcs))
	for name := range m.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
