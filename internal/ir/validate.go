package ir

import (
	"errors"
	"fmt"
	"strings"
)

// GlobalScopeKey is the scope key shared by every command in the global scope.
const GlobalScopeKey = "global"

// ValidationError is a single structural problem with a record.
// It is always the caller's fault and never retried automatically.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ValidationErrors aggregates every problem found in one record.
type ValidationErrors []*ValidationError

// Error implements the error interface.
func (es ValidationErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// IsValidationError returns true if err is or wraps a ValidationError or ValidationErrors.
func IsValidationError(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return true
	}
	var ves ValidationErrors
	return errors.As(err, &ves)
}

// collector accumulates field errors; err returns nil when nothing was added.
type collector struct {
	errs ValidationErrors
}

func (c *collector) add(field, reason string) {
	c.errs = append(c.errs, &ValidationError{Field: field, Reason: reason})
}

func (c *collector) required(field, value string) {
	if strings.TrimSpace(value) == "" {
		c.add(field, "required")
	}
}

func (c *collector) err() error {
	if len(c.errs) == 0 {
		return nil
	}
	return c.errs
}

func (c *collector) actor(prefix string, a Actor) {
	c.required(prefix+".actor_id", a.ActorID)
	switch a.ActorType {
	case ActorUser, ActorAgent, ActorSystem:
	case "":
		c.add(prefix+".actor_type", "required")
	default:
		c.add(prefix+".actor_type", fmt.Sprintf("unknown actor type %q", a.ActorType))
	}
}

// ValidateEventEnvelope checks that every required envelope field is present.
func ValidateEventEnvelope(ev EventEnvelope) error {
	var c collector
	c.required("event_id", ev.EventID)
	c.required("event_type", ev.EventType)
	if ev.Payload == nil {
		c.add("payload", "required")
	}
	if ev.OccurredAt.IsZero() {
		c.add("occurred_at", "required")
	}
	if ev.IngestedAt.IsZero() {
		c.add("ingested_at", "required")
	}
	c.required("correlation_id", ev.CorrelationID)
	if ev.CausationID != "" || ev.CausationType != "" {
		c.required("causation_id", ev.CausationID)
		if !ev.CausationType.Valid() {
			c.add("causation_type", fmt.Sprintf("unknown causation type %q", ev.CausationType))
		}
	}
	c.actor("actor", ev.Actor)
	if ev.EnvelopeVersion < 1 {
		c.add("envelope_version", "must be >= 1")
	}
	if ev.PayloadSchemaVersion < 1 {
		c.add("payload_schema_version", "must be >= 1")
	}
	return c.err()
}

// ValidateCommandEnvelope checks required fields and the dedupe scope contract.
func ValidateCommandEnvelope(cmd CommandEnvelope) error {
	var c collector
	c.required("command_id", cmd.CommandID)
	c.required("idempotency_key", cmd.IdempotencyKey)
	c.required("command_type", cmd.CommandType)
	if cmd.CommandType != "" && !strings.Contains(cmd.CommandType, ".") {
		c.add("command_type", "must be namespaced, e.g. \"task.create\"")
	}
	if cmd.Payload == nil {
		c.add("payload", "required")
	}
	c.actor("actor", cmd.Actor)
	if cmd.RequestedAt.IsZero() {
		c.add("requested_at", "required")
	}
	c.required("correlation_id", cmd.CorrelationID)
	if err := ValidateDedupeScope(cmd); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			c.errs = append(c.errs, ve)
		}
	}
	return c.err()
}

// scopeRequirements lists the fields each dedupe scope needs on the command.
// The app scope's requirement (an app name) is supplied by the ledger, not the command.
var scopeRequirements = map[DedupeScope][]string{
	ScopeActor:  {"actor.actor_id"},
	ScopeTarget: {"target_ref"},
	ScopeApp:    nil,
	ScopeGlobal: nil,
}

// ValidateDedupeScope checks that the command carries the fields its scope requires.
func ValidateDedupeScope(cmd CommandEnvelope) error {
	reqs, ok := scopeRequirements[cmd.DedupeScope]
	if !ok {
		if cmd.DedupeScope == "" {
			return &ValidationError{Field: "dedupe_scope", Reason: "required"}
		}
		return &ValidationError{Field: "dedupe_scope", Reason: fmt.Sprintf("unknown scope %q", cmd.DedupeScope)}
	}
	for _, field := range reqs {
		var value string
		switch field {
		case "actor.actor_id":
			value = cmd.Actor.ActorID
		case "target_ref":
			value = cmd.TargetRef
		}
		if strings.TrimSpace(value) == "" {
			return &ValidationError{
				Field:  field,
				Reason: fmt.Sprintf("required for dedupe scope %q", cmd.DedupeScope),
			}
		}
	}
	return nil
}

// ComputeScopeKey maps a command's dedupe scope to the literal partition key used
// for deduplication: the actor id, the target ref, the app name, or GlobalScopeKey.
func ComputeScopeKey(scope DedupeScope, cmd CommandEnvelope, appName string) (string, error) {
	switch scope {
	case ScopeActor:
		if cmd.Actor.ActorID == "" {
			return "", &ValidationError{Field: "actor.actor_id", Reason: "required for dedupe scope \"actor\""}
		}
		return "actor:" + cmd.Actor.ActorID, nil
	case ScopeTarget:
		if cmd.TargetRef == "" {
			return "", &ValidationError{Field: "target_ref", Reason: "required for dedupe scope \"target\""}
		}
		return "target:" + cmd.TargetRef, nil
	case ScopeApp:
		if appName == "" {
			return "", &ValidationError{Field: "app_name", Reason: "required for dedupe scope \"app\""}
		}
		return "app:" + appName, nil
	case ScopeGlobal:
		return GlobalScopeKey, nil
	}
	return "", &ValidationError{Field: "dedupe_scope", Reason: fmt.Sprintf("unknown scope %q", scope)}
}

// ValidateStep checks a trajectory step before its step_id is computed.
// StepID itself is not checked; it is derived, not supplied.
func ValidateStep(s Step) error {
	var c collector
	c.required("trajectory_id", s.TrajectoryID)
	if s.StepSeq < 0 {
		c.add("step_seq", "must be >= 0")
	}
	if s.StepSeq == 0 && s.PrevStepHash != nil {
		c.add("prev_step_hash", "must be null for step_seq 0")
	}
	if s.StepSeq > 0 && (s.PrevStepHash == nil || *s.PrevStepHash == "") {
		c.add("prev_step_hash", "required for step_seq > 0")
	}
	if !s.StepType.Valid() {
		c.add("step_type", fmt.Sprintf("unknown step type %q", s.StepType))
	}
	if s.Timestamp.IsZero() {
		c.add("timestamp", "required")
	}
	if s.Causation != nil {
		if !s.Causation.Type.Valid() {
			c.add("causation.type", fmt.Sprintf("unknown causation type %q", s.Causation.Type))
		}
		c.required("causation.id", s.Causation.ID)
	}
	c.refs("refs", s.Refs)
	return c.err()
}

// ValidateOutcome checks an outcome before its outcome_id is computed.
func ValidateOutcome(o Outcome) error {
	var c collector
	if o.TrajectoryID == "" && o.CommandID == "" {
		c.add("attaches_to", "trajectory_id or command_id required")
	}
	if !o.Kind.Valid() {
		c.add("kind", fmt.Sprintf("unknown outcome kind %q", o.Kind))
	}
	if o.Severity < 0 || o.Severity > MaxSeverity {
		c.add("severity", fmt.Sprintf("must be between 0 and %d", MaxSeverity))
	}
	if o.Timestamp.IsZero() {
		c.add("timestamp", "required")
	}
	c.refs("refs", o.Refs)
	return c.err()
}

func (c *collector) refs(field string, refs []Ref) {
	for i, r := range refs {
		p := fmt.Sprintf("%s[%d]", field, i)
		switch r.Kind {
		case RefEntity, RefArtifact, RefExternal:
		default:
			c.add(p+".kind", fmt.Sprintf("unknown ref kind %q", r.Kind))
		}
		c.required(p+".id", r.ID)
		switch r.Provenance {
		case ProvenanceObserved, ProvenanceInferred, ProvenanceAsserted:
		default:
			c.add(p+".provenance", fmt.Sprintf("unknown provenance %q", r.Provenance))
		}
		if r.Confidence != nil && (*r.Confidence < 0 || *r.Confidence > 1) {
			c.add(p+".confidence", "must be between 0 and 1")
		}
	}
}
