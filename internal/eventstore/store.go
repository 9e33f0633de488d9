// Package eventstore is the append-only, chronologically streamable event log.
//
// Append is the only mutation. Appending an event whose event_id is already
// present is a silent no-op, never an overwrite, which is what makes
// connector re-ingestion idempotent.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/ledger/internal/ir"
	"github.com/roach88/ledger/internal/store"
)

// ErrNotFound is returned when an event_id is not in the store.
var ErrNotFound = errors.New("event not found")

// errStop ends a scan early when the consumer stops iterating.
var errStop = errors.New("stop")

// StreamOptions bounds a stream.
type StreamOptions struct {
	// After resumes the stream after this event_id. Empty means from the start.
	After string

	// Limit caps the number of events yielded. Zero or negative means no cap.
	Limit int
}

// Store is the event log. It keeps an in-memory set of known event IDs so
// duplicate appends and missing lookups never touch the file.
type Store struct {
	log    *store.Log
	now    func() time.Time
	logger *slog.Logger

	mu  sync.RWMutex
	ids map[string]struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the source of ingested_at for Ingest.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// Open loads the event_id index from log and returns a Store over it.
// An unterminated final line from an interrupted append is dropped.
func Open(ctx context.Context, log *store.Log, opts ...Option) (*Store, error) {
	s := &Store{
		log:    log,
		now:    time.Now,
		logger: slog.Default(),
		ids:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	dropped, err := log.RepairTail()
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	if dropped > 0 {
		s.logger.Warn("dropped torn final line", "path", log.Path(), "bytes", dropped)
	}

	err = store.ScanRecords(ctx, log, func(ev ir.EventEnvelope) error {
		s.ids[ev.EventID] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	s.logger.Debug("event store opened", "path", log.Path(), "events", len(s.ids))
	return s, nil
}

// Len returns the number of events in the store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// Has reports whether eventID has been appended.
func (s *Store) Has(eventID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[eventID]
	return ok
}

// Append validates and appends one event. It reports whether the event was
// new; an existing event_id is left untouched and appended=false.
func (s *Store) Append(ctx context.Context, ev ir.EventEnvelope) (bool, error) {
	appended, err := s.AppendBatch(ctx, []ir.EventEnvelope{ev})
	if err != nil {
		return false, err
	}
	return appended[0], nil
}

// AppendBatch validates every event, then appends the new ones in a single
// write. Validation failure of any event appends nothing. The returned slice
// reports, per input event, whether it was newly appended.
func (s *Store) AppendBatch(ctx context.Context, events []ir.EventEnvelope) ([]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i, ev := range events {
		if err := checkEvent(ev); err != nil {
			return nil, fmt.Errorf("append event %d (%s): %w", i, ev.EventType, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	appended := make([]bool, len(events))
	var fresh []any
	batch := make(map[string]struct{}, len(events))
	for i, ev := range events {
		if _, ok := s.ids[ev.EventID]; ok {
			continue
		}
		if _, ok := batch[ev.EventID]; ok {
			continue
		}
		batch[ev.EventID] = struct{}{}
		appended[i] = true
		fresh = append(fresh, ev)
	}
	if len(fresh) == 0 {
		return appended, nil
	}

	if err := s.log.Append(fresh...); err != nil {
		return nil, fmt.Errorf("append events: %w", err)
	}
	for id := range batch {
		s.ids[id] = struct{}{}
	}
	return appended, nil
}

// checkEvent validates the envelope and that event_id matches its content.
func checkEvent(ev ir.EventEnvelope) error {
	if err := ir.ValidateEventEnvelope(ev); err != nil {
		return err
	}
	want, err := ir.EventID(ev.EventType, ev.SourceRef, ev.Payload, ev.OccurredAt)
	if err != nil {
		return err
	}
	if want != ev.EventID {
		return &ir.ValidationError{Field: "event_id", Reason: "does not match content hash"}
	}
	return nil
}

// Stream returns a lazy, forward-only sequence of events in append order.
// Each range over the sequence re-reads the log, so a stream can be restarted.
// A stream started while events are appended sees a consistent prefix.
//
// If opts.After names an unknown event, the sequence yields ErrNotFound.
func (s *Store) Stream(ctx context.Context, opts StreamOptions) iter.Seq2[ir.EventEnvelope, error] {
	return func(yield func(ir.EventEnvelope, error) bool) {
		if opts.After != "" && !s.Has(opts.After) {
			yield(ir.EventEnvelope{}, fmt.Errorf("stream after %s: %w", opts.After, ErrNotFound))
			return
		}

		started := opts.After == ""
		count := 0
		err := store.ScanRecords(ctx, s.log, func(ev ir.EventEnvelope) error {
			if !started {
				started = ev.EventID == opts.After
				return nil
			}
			if opts.Limit > 0 && count >= opts.Limit {
				return errStop
			}
			count++
			if !yield(ev, nil) {
				return errStop
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStop) {
			yield(ir.EventEnvelope{}, fmt.Errorf("stream events: %w", err))
		}
	}
}

// All returns every event in append order.
func (s *Store) All(ctx context.Context) ([]ir.EventEnvelope, error) {
	var out []ir.EventEnvelope
	for ev, err := range s.Stream(ctx, StreamOptions{}) {
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// GetByID returns the event with the given id, or ErrNotFound.
func (s *Store) GetByID(ctx context.Context, eventID string) (ir.EventEnvelope, error) {
	if !s.Has(eventID) {
		return ir.EventEnvelope{}, ErrNotFound
	}
	var found *ir.EventEnvelope
	err := store.ScanRecords(ctx, s.log, func(ev ir.EventEnvelope) error {
		if ev.EventID == eventID {
			found = &ev
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return ir.EventEnvelope{}, fmt.Errorf("get event %s: %w", eventID, err)
	}
	if found == nil {
		return ir.EventEnvelope{}, ErrNotFound
	}
	return *found, nil
}
