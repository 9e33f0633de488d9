package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/roach88/ledger/internal/eventstore"
	"github.com/roach88/ledger/internal/ir"
	"github.com/roach88/ledger/internal/store"
)

var tracer = otel.Tracer("github.com/roach88/ledger/internal/engine")

// OutcomeRecord is one line of the command outcomes log.
type OutcomeRecord struct {
	IdempotencyKey string            `json:"idempotency_key"`
	ScopeKey       string            `json:"scope_key"`
	CommandType    string            `json:"command_type"`
	Outcome        ir.CommandOutcome `json:"outcome"`
}

// Ledger executes commands exactly once per (idempotency_key, scope_key).
//
// Thread-safety model:
//   - Execute(): safe from any goroutine
//   - Claims are taken concurrently; deciding and appending events is
//     serialized so every handler sees the state left by the previous one.
type Ledger struct {
	events   *eventstore.Store
	packs    *Registry
	index    DedupeIndex
	clock    Clock
	ids      IDGenerator
	appName  string
	logger   *slog.Logger
	commands *store.Log // optional
	outcomes *store.Log // optional

	mu sync.Mutex // serializes decide-and-append
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithIndex sets the dedupe index. Default: a fresh MemoryIndex.
func WithIndex(ix DedupeIndex) Option {
	return func(l *Ledger) {
		l.index = ix
	}
}

// WithClock sets the source of recording time.
func WithClock(c Clock) Option {
	return func(l *Ledger) {
		l.clock = c
	}
}

// WithIDGenerator sets the generator used by Stamp.
func WithIDGenerator(g IDGenerator) Option {
	return func(l *Ledger) {
		l.ids = g
	}
}

// WithAppName sets the key used for app-scoped deduplication.
func WithAppName(name string) Option {
	return func(l *Ledger) {
		l.appName = name
	}
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = lg
	}
}

// WithCommandLog records every accepted-for-processing command envelope.
func WithCommandLog(log *store.Log) Option {
	return func(l *Ledger) {
		l.commands = log
	}
}

// WithOutcomeLog records every outcome produced by a first attempt.
func WithOutcomeLog(log *store.Log) Option {
	return func(l *Ledger) {
		l.outcomes = log
	}
}

// NewLedger creates a Ledger over an event store and a pack registry.
func NewLedger(events *eventstore.Store, packs *Registry, opts ...Option) *Ledger {
	l := &Ledger{
		events: events,
		packs:  packs,
		clock:  SystemClock{},
		ids:    UUIDv7Generator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.index == nil {
		l.index = NewMemoryIndex()
	}
	return l
}

// Events returns the underlying event store.
func (l *Ledger) Events() *eventstore.Store {
	return l.events
}

// Packs returns the pack registry.
func (l *Ledger) Packs() *Registry {
	return l.packs
}

// Stamp fills the fields a caller may leave to the ledger: a UUIDv7
// command_id, requested_at from the clock, and correlation_id defaulting to
// the command_id. Fields already set are kept.
func (l *Ledger) Stamp(cmd ir.CommandEnvelope) ir.CommandEnvelope {
	if cmd.CommandID == "" {
		cmd.CommandID = l.ids.Generate()
	}
	if cmd.RequestedAt.IsZero() {
		cmd.RequestedAt = l.clock.Now()
	}
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = cmd.CommandID
	}
	if cmd.Payload == nil {
		cmd.Payload = map[string]any{}
	}
	return cmd
}

// Execute runs cmd at most once per (idempotency_key, scope_key).
//
// Validation and precondition failures are returned as rejected outcomes with
// a nil error. Storage and canonicalization failures are returned as errors;
// the claim is released so a retry with the same key is a fresh attempt.
//
// Duplicate submissions return the stored outcome: an accepted original is
// reported as already_processed with the same produced_events. A submission
// that races an in-flight attempt returns already_processing without waiting.
func (l *Ledger) Execute(ctx context.Context, cmd ir.CommandEnvelope) (ir.CommandOutcome, error) {
	ctx, span := tracer.Start(ctx, "engine.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("command.type", cmd.CommandType),
		attribute.String("command.id", cmd.CommandID),
		attribute.String("dedupe.scope", string(cmd.DedupeScope)),
	)

	out, err := l.execute(ctx, cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ir.CommandOutcome{}, err
	}
	span.SetAttributes(
		attribute.String("outcome.status", string(out.Status)),
		attribute.Int("outcome.events", len(out.ProducedEvents)),
	)
	return out, nil
}

func (l *Ledger) execute(ctx context.Context, cmd ir.CommandEnvelope) (ir.CommandOutcome, error) {
	if err := ir.ValidateCommandEnvelope(cmd); err != nil {
		return l.reject(cmd, &LedgerError{Code: ErrCodeValidation, Message: err.Error(), CommandID: cmd.CommandID}), nil
	}
	scopeKey, err := ir.ComputeScopeKey(cmd.DedupeScope, cmd, l.appName)
	if err != nil {
		return l.reject(cmd, &LedgerError{Code: ErrCodeValidation, Message: err.Error(), CommandID: cmd.CommandID}), nil
	}
	pack, err := l.packs.Route(cmd.CommandType)
	if err != nil {
		return l.reject(cmd, err), nil
	}

	if l.commands != nil {
		if err := l.commands.Append(cmd); err != nil {
			return ir.CommandOutcome{}, fmt.Errorf("execute %s: record command: %w", cmd.CommandID, err)
		}
	}

	claim, err := l.index.Claim(ctx, cmd.IdempotencyKey, scopeKey, cmd.CommandID)
	if err != nil {
		return ir.CommandOutcome{}, fmt.Errorf("execute %s: %w", cmd.CommandID, err)
	}
	switch claim.State {
	case store.ClaimDuplicate:
		l.logger.Debug("duplicate command", "command_id", cmd.CommandID, "original", claim.CommandID, "idempotency_key", cmd.IdempotencyKey)
		return duplicateOutcome(*claim.Outcome), nil
	case store.ClaimInFlight:
		l.logger.Debug("command already in flight", "command_id", cmd.CommandID, "holder", claim.CommandID)
		return ir.CommandOutcome{
			CommandID:      cmd.CommandID,
			Status:         ir.StatusAlreadyProcessing,
			ProducedEvents: []string{},
			Reason:         fmt.Sprintf("command %s is processing this key", claim.CommandID),
		}, nil
	}

	out, err := l.proceed(ctx, pack, cmd)
	if err != nil {
		l.release(ctx, cmd, scopeKey)
		return ir.CommandOutcome{}, fmt.Errorf("execute %s: %w", cmd.CommandID, err)
	}

	if err := l.record(cmd, scopeKey, out); err != nil {
		l.release(ctx, cmd, scopeKey)
		return ir.CommandOutcome{}, fmt.Errorf("execute %s: %w", cmd.CommandID, err)
	}
	if !out.Status.Terminal() {
		l.logger.Warn("command failed", "command_id", cmd.CommandID, "command_type", cmd.CommandType, "reason", out.Reason)
		l.release(ctx, cmd, scopeKey)
		return out, nil
	}
	if err := l.index.Complete(ctx, cmd.IdempotencyKey, scopeKey, out); err != nil {
		return ir.CommandOutcome{}, fmt.Errorf("execute %s: %w", cmd.CommandID, err)
	}
	l.logger.Debug("command executed", "command_id", cmd.CommandID, "status", out.Status, "events", len(out.ProducedEvents))
	return out, nil
}

// proceed runs the handler and appends its events. The returned outcome is
// accepted, already_processed, rejected or failed. An error means a storage or
// canonicalization failure.
func (l *Ledger) proceed(ctx context.Context, pack Pack, cmd ir.CommandEnvelope) (ir.CommandOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	drafts, err := pack.Handle(ctx, l.events, cmd)
	switch {
	case err == nil:
	case ir.IsCanonicalizationError(err), IsStorageError(err):
		return ir.CommandOutcome{}, err
	case rejectable(err):
		return l.reject(cmd, err), nil
	default:
		return l.fail(cmd, err), nil
	}

	events, err := l.complete(pack.Manifest(), cmd, drafts)
	if err != nil {
		if ir.IsCanonicalizationError(err) {
			return ir.CommandOutcome{}, err
		}
		return l.fail(cmd, err), nil
	}
	if _, err := l.events.AppendBatch(ctx, events); err != nil {
		return ir.CommandOutcome{}, err
	}

	ids := make([]string, 0, len(events))
	seen := make(map[string]bool, len(events))
	for _, ev := range events {
		if !seen[ev.EventID] {
			seen[ev.EventID] = true
			ids = append(ids, ev.EventID)
		}
	}
	status := ir.StatusAccepted
	if len(ids) == 0 {
		status = ir.StatusAlreadyProcessed
	}
	now := l.clock.Now()
	return ir.CommandOutcome{
		CommandID:      cmd.CommandID,
		Status:         status,
		ProducedEvents: ids,
		CompletedAt:    &now,
	}, nil
}

// complete turns handler drafts into envelopes. Identity, causation,
// correlation and actor come from the command, never from the handler.
func (l *Ledger) complete(m ir.PackManifest, cmd ir.CommandEnvelope, drafts []ir.EventDraft) ([]ir.EventEnvelope, error) {
	ingestedAt := l.clock.Now()
	events := make([]ir.EventEnvelope, 0, len(drafts))
	for i, d := range drafts {
		if !m.Declares(d.EventType) {
			return nil, &LedgerError{
				Code:      ErrCodeHandlerFailed,
				Message:   fmt.Sprintf("draft %d: event type %q is not declared by pack %s", i, d.EventType, m.Name),
				CommandID: cmd.CommandID,
			}
		}
		payload := d.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		occurredAt := d.OccurredAt
		if occurredAt.IsZero() {
			occurredAt = cmd.RequestedAt
		}
		version := d.PayloadSchemaVersion
		if version == 0 {
			version = 1
		}
		id, err := ir.EventID(d.EventType, d.SourceRef, payload, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("draft %d: %w", i, err)
		}
		ev := ir.EventEnvelope{
			EventID:              id,
			EventType:            d.EventType,
			Payload:              payload,
			OccurredAt:           occurredAt.UTC(),
			IngestedAt:           ingestedAt.UTC(),
			CorrelationID:        cmd.CorrelationID,
			CausationID:          cmd.CommandID,
			CausationType:        ir.CausedByCommand,
			SourceRef:            d.SourceRef,
			Actor:                cmd.Actor,
			EnvelopeVersion:      ir.EnvelopeVersion,
			PayloadSchemaVersion: version,
		}
		if err := ir.ValidateEventEnvelope(ev); err != nil {
			return nil, &LedgerError{
				Code:      ErrCodeHandlerFailed,
				Message:   fmt.Sprintf("draft %d: %v", i, err),
				CommandID: cmd.CommandID,
			}
		}
		events = append(events, ev)
	}
	return events, nil
}

func (l *Ledger) reject(cmd ir.CommandEnvelope, err error) ir.CommandOutcome {
	now := l.clock.Now()
	out := ir.CommandOutcome{
		CommandID:      cmd.CommandID,
		Status:         ir.StatusRejected,
		ProducedEvents: []string{},
		Reason:         err.Error(),
		CompletedAt:    &now,
	}
	var le *LedgerError
	if errors.As(err, &le) {
		out.Reason = fmt.Sprintf("%s: %s", le.Code, le.Message)
		out.Expected = le.Expected
		out.Actual = le.Actual
	}
	return out
}

func (l *Ledger) fail(cmd ir.CommandEnvelope, err error) ir.CommandOutcome {
	out := l.reject(cmd, err)
	out.Status = ir.StatusFailed
	if CodeOf(err) == "" {
		out.Reason = fmt.Sprintf("%s: %v", ErrCodeHandlerFailed, err)
	}
	return out
}

func (l *Ledger) record(cmd ir.CommandEnvelope, scopeKey string, out ir.CommandOutcome) error {
	if l.outcomes == nil {
		return nil
	}
	err := l.outcomes.Append(OutcomeRecord{
		IdempotencyKey: cmd.IdempotencyKey,
		ScopeKey:       scopeKey,
		CommandType:    cmd.CommandType,
		Outcome:        out,
	})
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

func (l *Ledger) release(ctx context.Context, cmd ir.CommandEnvelope, scopeKey string) {
	// Released even when ctx is already cancelled.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.index.Release(rctx, cmd.IdempotencyKey, scopeKey, cmd.CommandID); err != nil {
		l.logger.Error("release claim", "command_id", cmd.CommandID, "error", err)
	}
}

// duplicateOutcome reports a stored outcome to a repeated submission.
func duplicateOutcome(stored ir.CommandOutcome) ir.CommandOutcome {
	out := cloneOutcome(stored)
	if out.Status == ir.StatusAccepted {
		out.Status = ir.StatusAlreadyProcessed
	}
	return out
}
