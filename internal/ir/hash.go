package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainEvent     = "ledger/event/v1"
	DomainStep      = "ledger/step/v1"
	DomainOutcome   = "ledger/outcome/v1"
	DomainReceipt   = "ledger/receipt/v1"
	DomainArtifact  = "ledger/artifact/v1"
	DomainSignature = "ledger/signature/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte (0x00) separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash canonicalizes v and hashes it under the given domain.
func ContentHash(domain string, v any) (string, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return hashWithDomain(domain, canonical), nil
}

// EventID computes the content-addressed ID of an event from its type, upstream
// source reference, payload and business timestamp. Recording time is excluded so
// that re-ingesting the same upstream record yields the same ID.
func EventID(eventType, sourceRef string, payload map[string]any, occurredAt time.Time) (string, error) {
	obj := map[string]any{
		"event_type":  eventType,
		"payload":     payloadOrEmpty(payload),
		"occurred_at": occurredAt,
	}
	if sourceRef != "" {
		obj["source_ref"] = sourceRef
	}

	id, err := ContentHash(DomainEvent, obj)
	if err != nil {
		return "", fmt.Errorf("EventID: %w", err)
	}
	return id, nil
}

// StepID computes the chained ID of a trajectory step.
// prevStepHash is nil for the first step of a trajectory. Because the previous
// step's ID is part of the input, changing any ancestor changes every descendant.
func StepID(trajectoryID string, stepSeq int64, stepType StepType, prevStepHash *string, payload map[string]any) (string, error) {
	var prev any
	if prevStepHash != nil {
		prev = *prevStepHash
	}
	obj := map[string]any{
		"trajectory_id":  trajectoryID,
		"step_seq":       stepSeq,
		"step_type":      string(stepType),
		"prev_step_hash": prev,
		"payload":        payloadOrEmpty(payload),
	}

	id, err := ContentHash(DomainStep, obj)
	if err != nil {
		return "", fmt.Errorf("StepID: %w", err)
	}
	return id, nil
}

// OutcomeID computes the content-addressed ID of an outcome from every field
// except OutcomeID itself.
func OutcomeID(o Outcome) (string, error) {
	body := o
	body.OutcomeID = ""
	body.Timestamp = body.Timestamp.UTC()

	id, err := ContentHash(DomainOutcome, body)
	if err != nil {
		return "", fmt.Errorf("OutcomeID: %w", err)
	}
	return id, nil
}

// MustEventID is like EventID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustEventID(eventType, sourceRef string, payload map[string]any, occurredAt time.Time) string {
	id, err := EventID(eventType, sourceRef, payload, occurredAt)
	if err != nil {
		panic(err)
	}
	return id
}

// MustStepID is like StepID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustStepID(trajectoryID string, stepSeq int64, stepType StepType, prevStepHash *string, payload map[string]any) string {
	id, err := StepID(trajectoryID, stepSeq, stepType, prevStepHash, payload)
	if err != nil {
		panic(err)
	}
	return id
}

// MustContentHash is like ContentHash but panics on error.
// Use only when v is built from plain strings and numbers.
func MustContentHash(domain string, v any) string {
	id, err := ContentHash(domain, v)
	if err != nil {
		panic(err)
	}
	return id
}

func payloadOrEmpty(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return p
}
