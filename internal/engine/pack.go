package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/ledger/internal/ir"
	"github.com/roach88/ledger/internal/projection"
)

// Handler turns a command into event drafts, given the pack's current state.
// It must not perform side effects; the ledger appends the drafts.
// Return PreconditionFailed or Invalid to reject the command.
type Handler[S any] func(ctx context.Context, state S, cmd ir.CommandEnvelope) ([]ir.EventDraft, error)

// Pack is a domain pack as the ledger sees it: a manifest, a way to handle
// its commands, and the projections it contributes. The core routes by
// namespace and never inspects payloads.
type Pack interface {
	Manifest() ir.PackManifest
	Handle(ctx context.Context, src projection.Source, cmd ir.CommandEnvelope) ([]ir.EventDraft, error)
	Projections() []projection.Runner
}

type pack[S any] struct {
	manifest    ir.PackManifest
	reducer     projection.Definition[S]
	handlers    map[string]Handler[S]
	projections []projection.Runner
}

// NewPack builds a Pack from a manifest, the reducer that rebuilds the pack's
// decision state, one handler per declared command type, and any extra read
// projections. The reducer is also exposed as a projection.
func NewPack[S any](manifest ir.PackManifest, reducer projection.Definition[S], handlers map[string]Handler[S], extra ...projection.Runner) (Pack, error) {
	if err := ir.ValidateManifest(manifest); err != nil {
		return nil, fmt.Errorf("pack %s: %w", manifest.Name, err)
	}
	for _, ct := range manifest.CommandTypes {
		if handlers[ct] == nil {
			return nil, fmt.Errorf("pack %s: no handler for declared command %q", manifest.Name, ct)
		}
	}
	for ct := range handlers {
		if !slices.Contains(manifest.CommandTypes, ct) {
			return nil, fmt.Errorf("pack %s: handler for undeclared command %q", manifest.Name, ct)
		}
	}

	hs := make(map[string]Handler[S], len(handlers))
	for k, v := range handlers {
		hs[k] = v
	}
	runners := append([]projection.Runner{projection.Erase(reducer)}, extra...)
	return &pack[S]{manifest: manifest, reducer: reducer, handlers: hs, projections: runners}, nil
}

func (p *pack[S]) Manifest() ir.PackManifest {
	return p.manifest
}

func (p *pack[S]) Projections() []projection.Runner {
	return p.projections
}

// Handle replays the event store from scratch through the reducer, then runs
// the command's handler against the resulting state.
func (p *pack[S]) Handle(ctx context.Context, src projection.Source, cmd ir.CommandEnvelope) ([]ir.EventDraft, error) {
	h, ok := p.handlers[cmd.CommandType]
	if !ok {
		return nil, &LedgerError{
			Code:      ErrCodeUnknownCommand,
			Message:   fmt.Sprintf("pack %s does not handle %q", p.manifest.Name, cmd.CommandType),
			CommandID: cmd.CommandID,
		}
	}
	st, err := projection.RebuildOne(ctx, p.reducer, src)
	if err != nil {
		return nil, &StorageError{Op: fmt.Sprintf("rebuild %s state", p.manifest.Name), Err: err}
	}
	return h(ctx, st.Data, cmd)
}

// Registry routes commands to packs by namespace.
// Thread-safety: Registry is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	byNamespace map[string]Pack
}

// NewRegistry creates an empty pack registry.
func NewRegistry() *Registry {
	return &Registry{byNamespace: make(map[string]Pack)}
}

// Register adds a pack. A namespace already owned by a pack can only be taken
// over by a newer version of the same pack; anything else is a conflict.
func (r *Registry) Register(p Pack) error {
	m := p.Manifest()
	if err := ir.ValidateManifest(m); err != nil {
		return fmt.Errorf("register pack %s: %w", m.Name, err)
	}
	next, _ := m.ParsedVersion()

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byNamespace[m.Namespace]; ok {
		cm := cur.Manifest()
		if cm.Name != m.Name {
			return fmt.Errorf("register pack %s: namespace %q owned by pack %s", m.Name, m.Namespace, cm.Name)
		}
		prev, _ := cm.ParsedVersion()
		if !next.GreaterThan(prev) {
			return fmt.Errorf("register pack %s: version %s is not newer than registered %s", m.Name, next, prev)
		}
	}
	r.byNamespace[m.Namespace] = p
	return nil
}

// Unregister removes the pack owning namespace and reports whether one did.
func (r *Registry) Unregister(namespace string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byNamespace[namespace]
	delete(r.byNamespace, namespace)
	return ok
}

// Route returns the pack owning commandType's namespace.
func (r *Registry) Route(commandType string) (Pack, error) {
	ns := ir.Namespace(commandType)
	r.mu.RLock()
	p, ok := r.byNamespace[ns]
	r.mu.RUnlock()
	if !ok {
		return nil, &LedgerError{
			Code:    ErrCodeUnknownCommand,
			Message: fmt.Sprintf("no pack registered for namespace %q (command %q)", ns, commandType),
		}
	}
	return p, nil
}

// Manifests returns the manifests of registered packs sorted by namespace.
func (r *Registry) Manifests() []ir.PackManifest {
	packs := r.snapshot()
	out := make([]ir.PackManifest, len(packs))
	for i, p := range packs {
		out[i] = p.Manifest()
	}
	return out
}

// snapshot returns the registered packs sorted by namespace, taken under a
// single read lock.
func (r *Registry) snapshot() []Pack {
	r.mu.RLock()
	out := make([]Pack, 0, len(r.byNamespace))
	for _, p := range r.byNamespace {
		out = append(out, p)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Pack) int {
		return strings.Compare(a.Manifest().Namespace, b.Manifest().Namespace)
	})
	return out
}

// RegisterProjections adds every registered pack's projections to reg.
// Packs unregistered concurrently are either fully included or skipped.
func (r *Registry) RegisterProjections(reg *projection.Registry) error {
	for _, p := range r.snapshot() {
		for _, rn := range p.Projections() {
			if err := reg.Add(rn); err != nil {
				return fmt.Errorf("pack %s: %w", p.Manifest().Name, err)
			}
		}
	}
	return nil
}
