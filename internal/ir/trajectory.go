package ir

import "time"

// StepType is the closed set of trajectory step kinds.
type StepType string

const (
	StepTrajectoryStarted       StepType = "trajectory_started"
	StepTrajectoryEnded         StepType = "trajectory_ended"
	StepToolCalled              StepType = "tool_called"
	StepEntityRead              StepType = "entity_read"
	StepEntityWritten           StepType = "entity_written"
	StepPolicyGateHit           StepType = "policy_gate_hit"
	StepExternalEgressAttempted StepType = "external_egress_attempted"
	StepArtifactEmitted         StepType = "artifact_emitted"
	StepFailed                  StepType = "step_failed"
	StepRetried                 StepType = "step_retried"
	StepResultSuperseded        StepType = "result_superseded"

	// Semantic overlay types record reasoning rather than effects.
	StepHypothesis            StepType = "hypothesis"
	StepAlternativeConsidered StepType = "alternative_considered"
	StepDecisionRationale     StepType = "decision_rationale"
)

// AllStepTypes returns every step type in declaration order.
func AllStepTypes() []StepType {
	return []StepType{
		StepTrajectoryStarted, StepTrajectoryEnded, StepToolCalled,
		StepEntityRead, StepEntityWritten, StepPolicyGateHit,
		StepExternalEgressAttempted, StepArtifactEmitted, StepFailed,
		StepRetried, StepResultSuperseded,
		StepHypothesis, StepAlternativeConsidered, StepDecisionRationale,
	}
}

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	switch t {
	case StepTrajectoryStarted, StepTrajectoryEnded, StepToolCalled,
		StepEntityRead, StepEntityWritten, StepPolicyGateHit,
		StepExternalEgressAttempted, StepArtifactEmitted, StepFailed,
		StepRetried, StepResultSuperseded,
		StepHypothesis, StepAlternativeConsidered, StepDecisionRationale:
		return true
	}
	return false
}

// Semantic reports whether t is a reasoning overlay rather than an effect.
func (t StepType) Semantic() bool {
	switch t {
	case StepHypothesis, StepAlternativeConsidered, StepDecisionRationale:
		return true
	}
	return false
}

// RefKind says what a Ref points at.
type RefKind string

const (
	RefEntity   RefKind = "entity"
	RefArtifact RefKind = "artifact"
	RefExternal RefKind = "external"
)

// Provenance records how a reference was established.
type Provenance string

const (
	ProvenanceObserved Provenance = "observed"
	ProvenanceInferred Provenance = "inferred"
	ProvenanceAsserted Provenance = "asserted"
)

// Ref is a typed link from a step or outcome to an entity, artifact or
// external resource, e.g. {kind: entity, id: "service:payments"}.
type Ref struct {
	Kind       RefKind    `json:"kind"`
	ID         string     `json:"id"`
	Provenance Provenance `json:"provenance"`
	Confidence *float64   `json:"confidence,omitempty"` // 0..1, typically for inferred refs
}

// EntityRef is a shorthand for an observed entity reference.
func EntityRef(id string) Ref {
	return Ref{Kind: RefEntity, ID: id, Provenance: ProvenanceObserved}
}

// Causation is a hard link from a step to the record that caused it.
type Causation struct {
	Type CausationType `json:"type"`
	ID   string        `json:"id"`
}

// Step is one hash-chained entry of a trajectory.
//
// StepID = StepID(TrajectoryID, StepSeq, StepType, PrevStepHash, Payload).
// PrevStepHash is the previous step's StepID, or nil for StepSeq 0.
type Step struct {
	TrajectoryID  string         `json:"trajectory_id"`
	StepSeq       int64          `json:"step_seq"`
	StepID        string         `json:"step_id"`
	PrevStepHash  *string        `json:"prev_step_hash"`
	StepType      StepType       `json:"step_type"`
	Timestamp     time.Time      `json:"timestamp"`
	Causation     *Causation     `json:"causation,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Refs          []Ref          `json:"refs,omitempty"`
	Payload       map[string]any `json:"payload"`
}

// EntityIDs returns the IDs of entity refs on the step, in ref order.
func (s Step) EntityIDs() []string {
	var ids []string
	for _, r := range s.Refs {
		if r.Kind == RefEntity {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// OutcomeKind is the closed set of outcome classifications.
type OutcomeKind string

const (
	OutcomeSuccess           OutcomeKind = "success"
	OutcomeRollback          OutcomeKind = "rollback"
	OutcomeIncident          OutcomeKind = "incident"
	OutcomeOverride          OutcomeKind = "override"
	OutcomeRegression        OutcomeKind = "regression"
	OutcomeLatencySpike      OutcomeKind = "latency_spike"
	OutcomeHumanIntervention OutcomeKind = "human_intervention"
	OutcomeUnknown           OutcomeKind = "unknown"
)

// AllOutcomeKinds returns every outcome kind in declaration order.
func AllOutcomeKinds() []OutcomeKind {
	return []OutcomeKind{
		OutcomeSuccess, OutcomeRollback, OutcomeIncident, OutcomeOverride,
		OutcomeRegression, OutcomeLatencySpike, OutcomeHumanIntervention, OutcomeUnknown,
	}
}

// Valid reports whether k is a known outcome kind.
func (k OutcomeKind) Valid() bool {
	switch k {
	case OutcomeSuccess, OutcomeRollback, OutcomeIncident, OutcomeOverride,
		OutcomeRegression, OutcomeLatencySpike, OutcomeHumanIntervention, OutcomeUnknown:
		return true
	}
	return false
}

// MaxSeverity is the highest outcome severity.
const MaxSeverity = 5

// Outcome is an observation attached to a trajectory or a command after the fact.
// Outcomes are appended, never mutated; a trajectory may accumulate many.
type Outcome struct {
	OutcomeID    string             `json:"outcome_id,omitempty"`
	TrajectoryID string             `json:"trajectory_id,omitempty"`
	CommandID    string             `json:"command_id,omitempty"`
	Kind         OutcomeKind        `json:"kind"`
	Severity     int                `json:"severity"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	Refs         []Ref              `json:"refs,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
}
