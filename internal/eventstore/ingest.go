package eventstore

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/ledger/internal/ir"
)

// ConnectorRecord is a pre-validated domain record handed over by a connector,
// e.g. "email ingested" or "calendar event ingested".
type ConnectorRecord struct {
	EventType            string
	SourceRef            string // Stable upstream identity, e.g. "gmail:<message-id>"
	Payload              map[string]any
	OccurredAt           time.Time
	Actor                ir.Actor
	CorrelationID        string // Defaults to SourceRef
	PayloadSchemaVersion int    // Defaults to 1
}

// Ingest turns a connector record into an event and appends it.
//
// The event_id derives only from stable business fields (type, source_ref,
// payload, occurred_at), never from ingested_at, so ingesting the same
// upstream record again returns the original ID with appended=false.
func (s *Store) Ingest(ctx context.Context, rec ConnectorRecord) (ir.EventEnvelope, bool, error) {
	if rec.SourceRef == "" {
		return ir.EventEnvelope{}, false, fmt.Errorf("ingest %s: %w", rec.EventType,
			&ir.ValidationError{Field: "source_ref", Reason: "required for connector records"})
	}

	payload := rec.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	occurred := rec.OccurredAt.UTC()

	id, err := ir.EventID(rec.EventType, rec.SourceRef, payload, occurred)
	if err != nil {
		return ir.EventEnvelope{}, false, fmt.Errorf("ingest %s: %w", rec.EventType, err)
	}

	ev := ir.EventEnvelope{
		EventID:              id,
		EventType:            rec.EventType,
		Payload:              payload,
		OccurredAt:           occurred,
		IngestedAt:           s.now().UTC(),
		CorrelationID:        rec.CorrelationID,
		SourceRef:            rec.SourceRef,
		Actor:                rec.Actor,
		EnvelopeVersion:      ir.EnvelopeVersion,
		PayloadSchemaVersion: rec.PayloadSchemaVersion,
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = rec.SourceRef
	}
	if ev.PayloadSchemaVersion == 0 {
		ev.PayloadSchemaVersion = 1
	}
	if ev.Actor.ActorID == "" {
		ev.Actor = ir.Actor{ActorID: "connector", ActorType: ir.ActorSystem}
	}

	appended, err := s.Append(ctx, ev)
	if err != nil {
		return ir.EventEnvelope{}, false, fmt.Errorf("ingest %s: %w", rec.EventType, err)
	}
	if !appended {
		s.logger.Debug("connector record already ingested", "event_id", id, "source_ref", rec.SourceRef)
		stored, err := s.GetByID(ctx, id)
		if err != nil {
			return ir.EventEnvelope{}, false, fmt.Errorf("ingest %s: %w", rec.EventType, err)
		}
		return stored, false, nil
	}
	return ev, true, nil
}
