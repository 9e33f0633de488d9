package projection

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrDuplicate is returned when a (name, version) key is already registered.
var ErrDuplicate = errors.New("projection already registered")

// Key identifies a registered definition.
type Key struct {
	Name    string
	Version int
}

// String returns "name@version".
func (k Key) String() string {
	return fmt.Sprintf("%s@%d", k.Name, k.Version)
}

// Runner is a type-erased definition, so packs can contribute projections
// of any state type without the core knowing them at compile time.
type Runner interface {
	Key() Key
	Rebuild(ctx context.Context, src Source) (State[any], error)
}

type erased[T any] struct {
	def Definition[T]
}

func (e erased[T]) Key() Key {
	return e.def.Key()
}

func (e erased[T]) Rebuild(ctx context.Context, src Source) (State[any], error) {
	st, err := RebuildOne(ctx, e.def, src)
	if err != nil {
		return State[any]{}, err
	}
	return State[any]{Data: st.Data, Freshness: st.Freshness}, nil
}

// Erase wraps a typed definition as a Runner.
func Erase[T any](def Definition[T]) Runner {
	return erased[T]{def: def}
}

// Registry holds definitions keyed by (name, version).
// Thread-safety: Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	runners map[Key]Runner
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[Key]Runner)}
}

// Register adds a typed definition to r.
func Register[T any](r *Registry, def Definition[T]) error {
	return r.Add(Erase(def))
}

// Add registers a runner. Registering an existing key fails with ErrDuplicate.
func (r *Registry) Add(rn Runner) error {
	k := rn.Key()
	if k.Name == "" {
		return fmt.Errorf("register projection: name required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runners[k]; ok {
		return fmt.Errorf("register %s: %w", k, ErrDuplicate)
	}
	r.runners[k] = rn
	return nil
}

// Unregister removes a key and reports whether it was present.
func (r *Registry) Unregister(k Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runners[k]
	delete(r.runners, k)
	return ok
}

// Get returns the runner for k.
func (r *Registry) Get(k Key) (Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rn, ok := r.runners[k]
	return rn, ok
}

// Keys returns the registered keys sorted by name, then version.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	keys := make([]Key, 0, len(r.runners))
	for k := range r.runners {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	slices.SortFunc(keys, func(a, b Key) int {
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return cmp.Compare(a.Version, b.Version)
	})
	return keys
}

// RebuildAll rebuilds every registered projection against src, in key order.
// The first failure aborts and is returned.
func (r *Registry) RebuildAll(ctx context.Context, src Source) (map[Key]State[any], error) {
	out := make(map[Key]State[any])
	for _, k := range r.Keys() {
		rn, ok := r.Get(k)
		if !ok {
			continue // unregistered concurrently
		}
		st, err := rn.Rebuild(ctx, src)
		if err != nil {
			return nil, err
		}
		out[k] = st
	}
	return out, nil
}
