package trajectory

import (
	"fmt"

	"github.com/roach88/ledger/internal/ir"
)

// ChainError reports the first step at which a hash chain breaks.
type ChainError struct {
	TrajectoryID string
	Index        int
	StepID       string
	Reason       string
}

// Error implements the error interface.
func (e *ChainError) Error() string {
	return fmt.Sprintf("trajectory %s: chain broken at step %d (%s): %s", e.TrajectoryID, e.Index, e.StepID, e.Reason)
}

// VerifyChain checks steps ordered by step_seq: seq is contiguous from 0,
// every prev_step_hash links to the previous step_id, and every step_id
// matches its recomputed content hash. It returns a *ChainError for the
// first broken step.
func VerifyChain(steps []ir.Step) error {
	var prev *ir.Step
	for i := range steps {
		s := steps[i]
		broken := func(reason string, args ...any) error {
			return &ChainError{TrajectoryID: s.TrajectoryID, Index: i, StepID: s.StepID, Reason: fmt.Sprintf(reason, args...)}
		}

		if prev != nil && s.TrajectoryID != prev.TrajectoryID {
			return broken("trajectory_id %q differs from %q", s.TrajectoryID, prev.TrajectoryID)
		}
		if s.StepSeq != int64(i) {
			return broken("step_seq %d, want %d", s.StepSeq, i)
		}
		switch {
		case prev == nil && s.PrevStepHash != nil:
			return broken("first step has prev_step_hash")
		case prev != nil && (s.PrevStepHash == nil || *s.PrevStepHash != prev.StepID):
			return broken("prev_step_hash does not link to step %d", i-1)
		}
		want, err := ir.StepID(s.TrajectoryID, s.StepSeq, s.StepType, s.PrevStepHash, s.Payload)
		if err != nil {
			return broken("%v", err)
		}
		if want != s.StepID {
			return broken("step_id does not match content")
		}
		prev = &steps[i]
	}
	return nil
}
