// Package projection folds the event log into disposable read views.
//
// A Definition is a pure reducer: Init builds the empty state and Apply folds
// one event into it. RebuildOne always starts from Init and replays the whole
// stream, so the log stays the single source of truth and a projection can be
// thrown away and rebuilt at any time with identical results.
package projection

import (
	"context"
	"fmt"
	"iter"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/ledger/internal/eventstore"
	"github.com/roach88/ledger/internal/ir"
)

var tracer = otel.Tracer("github.com/roach88/ledger/internal/projection")

// Source is anything that can stream events in append order.
type Source interface {
	Stream(ctx context.Context, opts eventstore.StreamOptions) iter.Seq2[ir.EventEnvelope, error]
}

// Definition is a pack-contributed reducer over the event stream.
//
// Apply must be deterministic: the same event sequence must always produce
// the same state. It may return an error for events it cannot fold, which
// aborts the rebuild.
type Definition[T any] struct {
	Name    string
	Version int
	Init    func() T
	Apply   func(state T, ev ir.EventEnvelope) (T, error)
}

// Key returns the registry key of the definition.
func (d Definition[T]) Key() Key {
	return Key{Name: d.Name, Version: d.Version}
}

// Freshness marks how far a projection has read.
type Freshness struct {
	LastEventID    string    `json:"last_event_id,omitempty"`
	LastIngestedAt time.Time `json:"last_ingested_at,omitzero"`
	EventCount     int       `json:"event_count"`
}

// State is a rebuilt projection with its freshness marker.
type State[T any] struct {
	Data      T         `json:"data"`
	Freshness Freshness `json:"freshness"`
}

// RebuildOne folds def.Apply over the full stream from def.Init().
func RebuildOne[T any](ctx context.Context, def Definition[T], src Source) (State[T], error) {
	return Rebuild(ctx, def, src, eventstore.StreamOptions{})
}

// Rebuild folds def.Apply over a bounded stream from def.Init(). Use the
// bounds to keep a rebuild responsive; there is no mid-fold cancellation
// beyond the context check between events.
func Rebuild[T any](ctx context.Context, def Definition[T], src Source, opts eventstore.StreamOptions) (State[T], error) {
	ctx, span := tracer.Start(ctx, "projection.Rebuild")
	defer span.End()
	span.SetAttributes(
		attribute.String("projection.name", def.Name),
		attribute.Int("projection.version", def.Version),
	)

	if def.Init == nil || def.Apply == nil {
		return State[T]{}, fmt.Errorf("rebuild %s@%d: definition requires Init and Apply", def.Name, def.Version)
	}

	st := State[T]{Data: def.Init()}
	for ev, err := range src.Stream(ctx, opts) {
		if err != nil {
			span.RecordError(err)
			return State[T]{}, fmt.Errorf("rebuild %s@%d: %w", def.Name, def.Version, err)
		}
		next, err := def.Apply(st.Data, ev)
		if err != nil {
			span.RecordError(err)
			return State[T]{}, fmt.Errorf("rebuild %s@%d: apply %s: %w", def.Name, def.Version, ev.EventID, err)
		}
		st.Data = next
		st.Freshness.LastEventID = ev.EventID
		st.Freshness.LastIngestedAt = ev.IngestedAt
		st.Freshness.EventCount++
	}

	span.SetAttributes(attribute.Int("projection.events", st.Freshness.EventCount))
	return st, nil
}
