package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/ledger/internal/ir"
	"github.com/roach88/ledger/internal/store"
)

// DedupeIndex atomically tracks idempotency claims per (idempotency_key, scope_key).
//
// Claim must be atomic with respect to concurrent callers: exactly one caller
// observes ClaimProceed for a free key. The holder later calls Complete with a
// terminal outcome, or Release to let a retry proceed.
//
// Implemented by MemoryIndex and store.Index (SQLite).
type DedupeIndex interface {
	Claim(ctx context.Context, idempotencyKey, scopeKey, commandID string) (store.Claim, error)
	Complete(ctx context.Context, idempotencyKey, scopeKey string, outcome ir.CommandOutcome) error
	Release(ctx context.Context, idempotencyKey, scopeKey, commandID string) error
	Lookup(ctx context.Context, idempotencyKey, scopeKey string) (ir.CommandOutcome, error)
}

var _ DedupeIndex = (*store.Index)(nil)
var _ DedupeIndex = (*MemoryIndex)(nil)

type claimKey struct {
	idempotencyKey string
	scopeKey       string
}

type memoryClaim struct {
	commandID string
	outcome   *ir.CommandOutcome // nil while in flight
}

// MemoryIndex is an in-process DedupeIndex. Its contents are lost on exit;
// use LoadMemoryIndex to rebuild it from the outcomes log.
// Thread-safety: MemoryIndex is safe for concurrent use.
type MemoryIndex struct {
	mu     sync.Mutex
	claims map[claimKey]memoryClaim
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{claims: make(map[claimKey]memoryClaim)}
}

// LoadMemoryIndex rebuilds an index from a command outcomes log. Only terminal
// outcomes close a key; the first terminal outcome recorded for a key wins.
func LoadMemoryIndex(ctx context.Context, outcomes *store.Log) (*MemoryIndex, error) {
	ix := NewMemoryIndex()
	err := store.ScanRecords(ctx, outcomes, func(rec OutcomeRecord) error {
		if !rec.Outcome.Status.Terminal() {
			return nil
		}
		k := claimKey{rec.IdempotencyKey, rec.ScopeKey}
		if _, ok := ix.claims[k]; ok {
			return nil
		}
		out := rec.Outcome
		if out.ProducedEvents == nil {
			out.ProducedEvents = []string{}
		}
		ix.claims[k] = memoryClaim{commandID: out.CommandID, outcome: &out}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load dedupe index: %w", err)
	}
	return ix, nil
}

// Claim implements DedupeIndex.
func (ix *MemoryIndex) Claim(_ context.Context, idempotencyKey, scopeKey, commandID string) (store.Claim, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	k := claimKey{idempotencyKey, scopeKey}
	c, ok := ix.claims[k]
	switch {
	case !ok:
		ix.claims[k] = memoryClaim{commandID: commandID}
		return store.Claim{State: store.ClaimProceed, CommandID: commandID}, nil
	case c.outcome == nil:
		return store.Claim{State: store.ClaimInFlight, CommandID: c.commandID}, nil
	default:
		out := cloneOutcome(*c.outcome)
		return store.Claim{State: store.ClaimDuplicate, CommandID: c.commandID, Outcome: &out}, nil
	}
}

// Complete implements DedupeIndex.
func (ix *MemoryIndex) Complete(_ context.Context, idempotencyKey, scopeKey string, outcome ir.CommandOutcome) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	k := claimKey{idempotencyKey, scopeKey}
	c, ok := ix.claims[k]
	if !ok || c.outcome != nil || c.commandID != outcome.CommandID {
		return fmt.Errorf("complete claim %s/%s: %w", idempotencyKey, scopeKey, store.ErrNotFound)
	}
	out := cloneOutcome(outcome)
	ix.claims[k] = memoryClaim{commandID: c.commandID, outcome: &out}
	return nil
}

// Release implements DedupeIndex. Releasing a claim that is not held is a no-op.
func (ix *MemoryIndex) Release(_ context.Context, idempotencyKey, scopeKey, commandID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	k := claimKey{idempotencyKey, scopeKey}
	if c, ok := ix.claims[k]; ok && c.outcome == nil && c.commandID == commandID {
		delete(ix.claims, k)
	}
	return nil
}

// Lookup implements DedupeIndex. In-flight claims have no outcome and
// report store.ErrNotFound.
func (ix *MemoryIndex) Lookup(_ context.Context, idempotencyKey, scopeKey string) (ir.CommandOutcome, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	c, ok := ix.claims[claimKey{idempotencyKey, scopeKey}]
	if !ok || c.outcome == nil {
		return ir.CommandOutcome{}, store.ErrNotFound
	}
	return cloneOutcome(*c.outcome), nil
}

// Len returns the number of claims, in flight or completed.
func (ix *MemoryIndex) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.claims)
}

func cloneOutcome(o ir.CommandOutcome) ir.CommandOutcome {
	o.ProducedEvents = append([]string{}, o.ProducedEvents...)
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		o.CompletedAt = &t
	}
	return o
}
