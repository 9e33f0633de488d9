package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/ledger/internal/ir"
)

// marshalRecord converts a record to one canonical JSON line (without newline).
// Uses RFC 8785 canonical JSON for deterministic serialization.
func marshalRecord(record any) ([]byte, error) {
	data, err := ir.Canonicalize(record)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	if bytes.IndexByte(data, '\n') >= 0 {
		// Canonical JSON escapes control characters, so this cannot happen
		// unless the canonicalizer is broken.
		return nil, fmt.Errorf("marshal record: canonical form contains a newline")
	}
	return data, nil
}

// marshalOutcome converts a CommandOutcome to canonical JSON TEXT for storage.
func marshalOutcome(outcome ir.CommandOutcome) (string, error) {
	data, err := ir.Canonicalize(outcome)
	if err != nil {
		return "", fmt.Errorf("marshal outcome: %w", err)
	}
	return string(data), nil
}

// unmarshalOutcome parses canonical JSON TEXT to a CommandOutcome.
// ProducedEvents is never nil on the way out.
func unmarshalOutcome(data string) (ir.CommandOutcome, error) {
	var out ir.CommandOutcome
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return ir.CommandOutcome{}, fmt.Errorf("unmarshal outcome: %w", err)
	}
	if out.ProducedEvents == nil {
		out.ProducedEvents = []string{}
	}
	return out, nil
}

// Decode parses one log line into T. Numbers inside map[string]any payloads
// decode as float64, matching how the record was canonicalized.
func Decode[T any](line []byte) (T, error) {
	var v T
	if err := json.Unmarshal(line, &v); err != nil {
		return v, err
	}
	return v, nil
}
