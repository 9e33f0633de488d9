package ir

import "time"

// EnvelopeVersion is the current envelope shape version written by this core.
const EnvelopeVersion = 1

// ActorType distinguishes who initiated a command or event.
type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorAgent  ActorType = "agent"
	ActorSystem ActorType = "system"
)

// Actor identifies the principal behind a record.
type Actor struct {
	ActorID   string    `json:"actor_id"`
	ActorType ActorType `json:"actor_type"`
}

// CausationType names what kind of record caused an event.
type CausationType string

const (
	CausedByCommand  CausationType = "command"
	CausedByEvent    CausationType = "event"
	CausedByArtifact CausationType = "artifact"
)

// Valid reports whether t is a known causation type.
func (t CausationType) Valid() bool {
	switch t {
	case CausedByCommand, CausedByEvent, CausedByArtifact:
		return true
	}
	return false
}

// EventEnvelope is an immutable event record. Once appended it is never
// mutated or deleted.
type EventEnvelope struct {
	EventID              string         `json:"event_id"`    // Content-addressed hash
	EventType            string         `json:"event_type"`  // Namespaced, e.g. "task.created"
	Payload              map[string]any `json:"payload"`     // Opaque to the core
	OccurredAt           time.Time      `json:"occurred_at"` // Business time
	IngestedAt           time.Time      `json:"ingested_at"` // Recording time
	CorrelationID        string         `json:"correlation_id"`
	CausationID          string         `json:"causation_id,omitempty"`
	CausationType        CausationType  `json:"causation_type,omitempty"`
	SourceRef            string         `json:"source_ref,omitempty"` // Upstream identity for idempotent ingestion
	Actor                Actor          `json:"actor"`
	EnvelopeVersion      int            `json:"envelope_version"`
	PayloadSchemaVersion int            `json:"payload_schema_version"`
}

// EventDraft is what a pack handler or connector supplies for a new event. The
// ledger completes it into an EventEnvelope: identity, causation, correlation,
// actor and recording time are never chosen by the handler.
type EventDraft struct {
	EventType            string         `json:"event_type"`
	Payload              map[string]any `json:"payload"`
	OccurredAt           time.Time      `json:"occurred_at,omitzero"` // Zero means "when requested"
	SourceRef            string         `json:"source_ref,omitempty"`
	PayloadSchemaVersion int            `json:"payload_schema_version,omitempty"` // Zero means 1
}

// DedupeScope is the partition within which an idempotency key must be unique.
type DedupeScope string

const (
	ScopeActor  DedupeScope = "actor"
	ScopeTarget DedupeScope = "target"
	ScopeApp    DedupeScope = "app"
	ScopeGlobal DedupeScope = "global"
)

// Valid reports whether s is a known dedupe scope.
func (s DedupeScope) Valid() bool {
	switch s {
	case ScopeActor, ScopeTarget, ScopeApp, ScopeGlobal:
		return true
	}
	return false
}

// CommandEnvelope is one attempt to execute a logical intent.
// CommandID is unique per attempt; IdempotencyKey is shared by retries.
type CommandEnvelope struct {
	CommandID      string         `json:"command_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	DedupeScope    DedupeScope    `json:"dedupe_scope"`
	TargetRef      string         `json:"target_ref,omitempty"` // Required for target scope
	CommandType    string         `json:"command_type"`         // Namespaced, e.g. "task.create"
	Payload        map[string]any `json:"payload"`
	Actor          Actor          `json:"actor"`
	RequestedAt    time.Time      `json:"requested_at"`
	CorrelationID  string         `json:"correlation_id"`
}

// OutcomeStatus is the terminal (or observational) status of a command attempt.
type OutcomeStatus string

const (
	StatusAccepted          OutcomeStatus = "accepted"
	StatusRejected          OutcomeStatus = "rejected"
	StatusAlreadyProcessed  OutcomeStatus = "already_processed"
	StatusAlreadyProcessing OutcomeStatus = "already_processing"
	StatusFailed            OutcomeStatus = "failed"
)

// Terminal reports whether an outcome with this status closes its idempotency key.
// Failed outcomes leave the key open so a retry is treated as a fresh attempt.
func (s OutcomeStatus) Terminal() bool {
	switch s {
	case StatusAccepted, StatusRejected, StatusAlreadyProcessed:
		return true
	case StatusAlreadyProcessing, StatusFailed:
		return false
	}
	return false
}

// CommandOutcome is the result of executing a command.
type CommandOutcome struct {
	CommandID      string        `json:"command_id"`
	Status         OutcomeStatus `json:"status"`
	ProducedEvents []string      `json:"produced_events"` // Event IDs, never nil
	Reason         string        `json:"reason,omitempty"`
	Expected       string        `json:"expected,omitempty"` // Precondition failures only
	Actual         string        `json:"actual,omitempty"`   // Precondition failures only
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// PackManifest describes a domain pack: its identity and the command and event
// types it owns. The core routes commands by Namespace and never inspects payloads.
type PackManifest struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"` // Semantic version
	Namespace    string   `json:"namespace"`
	Description  string   `json:"description,omitempty"`
	CommandTypes []string `json:"command_types"`
	EventTypes   []string `json:"event_types"`
}
