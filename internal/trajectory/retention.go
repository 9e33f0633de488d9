package trajectory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/ledger/internal/ir"
)

// RetentionPolicy decides which trajectories may be pruned.
type RetentionPolicy struct {
	// MaxAgeDays flags trajectories whose last step is older than this.
	// Zero disables age-based pruning.
	MaxAgeDays int `json:"max_age_days" yaml:"max_age_days"`

	// MaxTrajectories caps how many trajectories are kept; the oldest
	// unprotected ones beyond the cap are flagged. Zero means no cap.
	MaxTrajectories int `json:"max_trajectories" yaml:"max_trajectories"`

	// OutcomeProtectionDays protects any trajectory with an outcome newer than
	// this from both age and cap pruning.
	OutcomeProtectionDays int `json:"outcome_protection_days" yaml:"outcome_protection_days"`

	// PrunableStepTypes lists the step types an age-pruned trajectory may
	// consist of. A trajectory with any other step type is kept by age.
	PrunableStepTypes []ir.StepType `json:"prunable_step_types" yaml:"prunable_step_types"`
}

// DefaultRetentionPolicy keeps 90 days, protects trajectories with outcomes
// from the last 30 days, and never ages out trajectories that crossed a policy
// gate, attempted egress or recorded a decision rationale.
func DefaultRetentionPolicy() RetentionPolicy {
	var prunable []ir.StepType
	for _, t := range ir.AllStepTypes() {
		switch t {
		case ir.StepPolicyGateHit, ir.StepExternalEgressAttempted, ir.StepDecisionRationale:
			continue
		}
		prunable = append(prunable, t)
	}
	return RetentionPolicy{
		MaxAgeDays:            90,
		OutcomeProtectionDays: 30,
		PrunableStepTypes:     prunable,
	}
}

// Validate rejects negative limits and unknown step types.
func (p RetentionPolicy) Validate() error {
	if p.MaxAgeDays < 0 || p.MaxTrajectories < 0 || p.OutcomeProtectionDays < 0 {
		return fmt.Errorf("retention policy: limits must be >= 0")
	}
	for _, t := range p.PrunableStepTypes {
		if !t.Valid() {
			return fmt.Errorf("retention policy: unknown step type %q", t)
		}
	}
	return nil
}

// PruneReason says why a trajectory was flagged.
type PruneReason string

const (
	ReasonAge PruneReason = "age"
	ReasonCap PruneReason = "cap"
)

// Candidate is a trajectory flagged for pruning.
type Candidate struct {
	TrajectoryID string      `json:"trajectory_id"`
	Reason       PruneReason `json:"reason"`
	FirstAt      time.Time   `json:"first_at"`
	LastAt       time.Time   `json:"last_at"`
}

// IdentifyPrunable walks every trajectory and returns the ones policy allows
// to prune as of now, oldest last activity first. It only reads; deleting is
// left to Prune.
func (l *Log) IdentifyPrunable(ctx context.Context, policy RetentionPolicy, now time.Time) ([]Candidate, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	steps, outcomes, err := l.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("identify prunable: %w", err)
	}
	return identifyPrunable(steps, outcomes, policy, now), nil
}

func identifyPrunable(steps []ir.Step, outcomes []ir.Outcome, policy RetentionPolicy, now time.Time) []Candidate {
	protectFrom := now.AddDate(0, 0, -policy.OutcomeProtectionDays)
	protected := make(map[string]bool)
	for _, o := range outcomes {
		if o.TrajectoryID != "" && !o.Timestamp.Before(protectFrom) {
			protected[o.TrajectoryID] = true
		}
	}

	prunable := make(map[ir.StepType]bool, len(policy.PrunableStepTypes))
	for _, t := range policy.PrunableStepTypes {
		prunable[t] = true
	}

	summaries := Summarize(steps, nil)
	all := make([]*Summary, 0, len(summaries))
	for _, s := range summaries {
		all = append(all, s)
	}
	slices.SortFunc(all, func(a, b *Summary) int {
		return cmp.Or(a.LastAt.Compare(b.LastAt), cmp.Compare(a.TrajectoryID, b.TrajectoryID))
	})

	var out []Candidate
	flagged := make(map[string]bool)
	flag := func(s *Summary, r PruneReason) {
		flagged[s.TrajectoryID] = true
		out = append(out, Candidate{TrajectoryID: s.TrajectoryID, Reason: r, FirstAt: s.StartedAt, LastAt: s.LastAt})
	}

	if policy.MaxAgeDays > 0 {
		cutoff := now.AddDate(0, 0, -policy.MaxAgeDays)
		for _, s := range all {
			if protected[s.TrajectoryID] || !s.LastAt.Before(cutoff) {
				continue
			}
			if allPrunable(s.StepTypes, prunable) {
				flag(s, ReasonAge)
			}
		}
	}

	if policy.MaxTrajectories > 0 {
		excess := len(all) - len(flagged) - policy.MaxTrajectories
		for _, s := range all {
			if excess <= 0 {
				break
			}
			if flagged[s.TrajectoryID] || protected[s.TrajectoryID] {
				continue
			}
			flag(s, ReasonCap)
			excess--
		}
	}

	slices.SortStableFunc(out, func(a, b Candidate) int {
		return cmp.Or(a.LastAt.Compare(b.LastAt), cmp.Compare(a.TrajectoryID, b.TrajectoryID))
	})
	return out
}

func allPrunable(types []ir.StepType, prunable map[ir.StepType]bool) bool {
	for _, t := range types {
		if !prunable[t] {
			return false
		}
	}
	return true
}
