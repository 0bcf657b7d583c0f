// Package registry implements the factory/registry mechanism spec.md
// §4.10 describes: a generic registry keyed by class-name string, one
// instance per abstract base (dtable factories, ctable factories, index
// factories). Each concrete implementation package registers a global
// factory instance at init time; table stacks are then built entirely
// from a params.Tree naming classes by string, never by importing the
// concrete package directly.
//
// The registry itself is type-parameterized and knows nothing about
// dtable or ctable — each of those packages declares its own Factory
// interface and holds its own *Registry[Factory] package variable, so
// this package stays a leaf with no dependency on anything it indexes.
package registry

import (
	"sync"

	"github.com/nathansgreen/anvil/internal/anverr"
)

// Registry is an append-only, name-keyed lookup table for factories of
// type T. It is safe for concurrent use: registration normally happens
// once per process at package init, but lookup happens on every
// create/open call.
type Registry[T any] struct {
	mu    sync.RWMutex
	named map[string]T
	order []string
}

// New returns an empty Registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{named: make(map[string]T)}
}

// Register adds factory under name. Re-registering the same name
// replaces the previous factory without affecting its position in
// Names() (register-time ordering is preserved, matching the
// append-only, side-effect-free registration the source performs at
// process init).
func (r *Registry[T]) Register(name string, factory T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.named[name]; !exists {
		r.order = append(r.order, name)
	}
	r.named[name] = factory
}

// Lookup resolves name to its registered factory.
func (r *Registry[T]) Lookup(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.named[name]
	return f, ok
}

// MustLookup resolves name or returns a NoEntry error, the form every
// create/open path in the dtable/ctable packages uses so a
// misconfigured class name fails with a typed error instead of a panic.
func (r *Registry[T]) MustLookup(op, name string) (T, error) {
	f, ok := r.Lookup(name)
	if !ok {
		var zero T
		return zero, anverr.Newf(op, anverr.NoEntry, "no factory registered for class %q", name)
	}
	return f, nil
}

// Names returns the registered class names in registration order.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Has reports whether name is registered.
func (r *Registry[T]) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.named[name]
	return ok
}
