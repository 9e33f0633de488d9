package trajectory

import (
	"fmt"
	"time"

	"github.com/roach88/ledger/internal/ir"
)

// Builder holds the chain head of a trajectory under construction.
//
// Builder is a value: Next returns the advanced builder alongside the new
// step and leaves the receiver untouched, so a caller can branch or retry
// from any earlier head.
type Builder struct {
	TrajectoryID  string
	CorrelationID string
	NextSeq       int64
	LastHash      *string
}

// Draft is what a caller supplies for the next step.
type Draft struct {
	Type      ir.StepType
	Timestamp time.Time
	Payload   map[string]any
	Refs      []ir.Ref
	Causation *ir.Causation
}

// NewBuilder starts a trajectory at step 0.
func NewBuilder(trajectoryID, correlationID string) Builder {
	return Builder{TrajectoryID: trajectoryID, CorrelationID: correlationID}
}

// Resume positions a builder after the last of steps, which must be one
// trajectory ordered by step_seq.
func Resume(steps []ir.Step) (Builder, error) {
	if len(steps) == 0 {
		return Builder{}, fmt.Errorf("resume: %w", ErrNotFound)
	}
	if err := VerifyChain(steps); err != nil {
		return Builder{}, fmt.Errorf("resume: %w", err)
	}
	last := steps[len(steps)-1]
	head := last.StepID
	return Builder{
		TrajectoryID:  last.TrajectoryID,
		CorrelationID: last.CorrelationID,
		NextSeq:       last.StepSeq + 1,
		LastHash:      &head,
	}, nil
}

// Next builds the step at the head of the chain and returns the advanced builder.
func (b Builder) Next(d Draft) (Builder, ir.Step, error) {
	var prev *string
	if b.LastHash != nil {
		h := *b.LastHash
		prev = &h
	}
	s := ir.Step{
		TrajectoryID:  b.TrajectoryID,
		StepSeq:       b.NextSeq,
		PrevStepHash:  prev,
		StepType:      d.Type,
		Timestamp:     d.Timestamp,
		Causation:     d.Causation,
		CorrelationID: b.CorrelationID,
		Refs:          d.Refs,
		Payload:       d.Payload,
	}
	s, err := seal(s)
	if err != nil {
		return b, ir.Step{}, fmt.Errorf("build step %d: %w", b.NextSeq, err)
	}
	head := s.StepID
	next := b
	next.NextSeq++
	next.LastHash = &head
	return next, s, nil
}
