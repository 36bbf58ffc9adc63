// Package registry is a named-constructor registry, generalized from
// findy-agent's agent/sa package: there, Add(implID, handlerFunc) /
// Get(implID) let an Agent be wired to one of several pluggable Service
// Agent implementations ("permissive_sa" among them) by a string id chosen
// at configuration time. Here the same Add/Get-by-string-key shape lets a
// deployment register named RecordStore/Cache backends, or named
// test-double Ledger/Issuer/Holder implementations, and select one by name
// from configuration instead of wiring concrete types by hand everywhere.
package registry

import "fmt"

// Registry holds named constructors of type T. Construct is deliberately a
// func() (T, error) rather than a bare T so registration can happen at
// package init time (as sa.Add does) before any configuration is known,
// with the actual construction deferred to first use.
type Registry[T any] struct {
	ctors map[string]func() (T, error)
}

// New returns an empty Registry for type T.
func New[T any]() *Registry[T] {
	return &Registry[T]{ctors: make(map[string]func() (T, error))}
}

// Add registers ctor under name, overwriting any previous registration —
// mirrors sa.Add's last-registration-wins behavior, which lets a test
// package re-register a name the production package already claimed.
func (r *Registry[T]) Add(name string, ctor func() (T, error)) {
	r.ctors[name] = ctor
}

// Get constructs and returns the implementation registered under name.
func (r *Registry[T]) Get(name string) (T, error) {
	var zero T
	ctor, ok := r.ctors[name]
	if !ok {
		return zero, fmt.Errorf("registry: no implementation registered for %q", name)
	}
	return ctor()
}

// Names returns the registered implementation names, for diagnostics.
func (r *Registry[T]) Names() []string {
	names := make([]string, 0, len(r.ctors))
	for n := range r.ctors {
		names = append(names, n)
	}
	return names
}
