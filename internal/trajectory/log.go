// Package trajectory is the hash-chained provenance log of agent and system work.
//
// Steps and outcomes live in two append-only logs. A step's step_id is
// computed on append from its content and prev_step_hash, which the caller
// supplies: the log never looks up the chain head itself, since trajectories
// are usually built incrementally by a Builder that already knows it.
package trajectory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"

	"github.com/roach88/ledger/internal/ir"
	"github.com/roach88/ledger/internal/store"
)

// ErrNotFound is returned when a trajectory has no steps.
var ErrNotFound = errors.New("trajectory not found")

var errStop = errors.New("stop")

// Log stores trajectory steps and outcomes.
// Thread-safety: Log is safe for concurrent use; appends are serialized by the
// underlying store.Log.
type Log struct {
	steps    *store.Log
	outcomes *store.Log
	logger   *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(tl *Log) {
		tl.logger = l
	}
}

// Open returns a Log over the step and outcome files.
func Open(steps, outcomes *store.Log, opts ...Option) *Log {
	l := &Log{steps: steps, outcomes: outcomes, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AppendStep validates s, computes its step_id and appends it.
// Any step_id supplied by the caller is overwritten.
func (l *Log) AppendStep(ctx context.Context, s ir.Step) (ir.Step, error) {
	if err := ctx.Err(); err != nil {
		return ir.Step{}, err
	}
	s, err := seal(s)
	if err != nil {
		return ir.Step{}, fmt.Errorf("append step: %w", err)
	}
	if err := l.steps.Append(s); err != nil {
		return ir.Step{}, fmt.Errorf("append step: %w", err)
	}
	return s, nil
}

// AppendSteps seals and appends steps in a single write. Nothing is written
// if any step is invalid.
func (l *Log) AppendSteps(ctx context.Context, steps []ir.Step) ([]ir.Step, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sealed := make([]ir.Step, len(steps))
	records := make([]any, len(steps))
	for i, s := range steps {
		s, err := seal(s)
		if err != nil {
			return nil, fmt.Errorf("append step %d: %w", i, err)
		}
		sealed[i] = s
		records[i] = s
	}
	if err := l.steps.Append(records...); err != nil {
		return nil, fmt.Errorf("append steps: %w", err)
	}
	return sealed, nil
}

func seal(s ir.Step) (ir.Step, error) {
	if err := ir.ValidateStep(s); err != nil {
		return ir.Step{}, err
	}
	if s.Payload == nil {
		s.Payload = map[string]any{}
	}
	s.Timestamp = s.Timestamp.UTC()
	id, err := ir.StepID(s.TrajectoryID, s.StepSeq, s.StepType, s.PrevStepHash, s.Payload)
	if err != nil {
		return ir.Step{}, err
	}
	s.StepID = id
	return s, nil
}

// AppendOutcome validates o, computes its outcome_id and appends it.
func (l *Log) AppendOutcome(ctx context.Context, o ir.Outcome) (ir.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return ir.Outcome{}, err
	}
	if err := ir.ValidateOutcome(o); err != nil {
		return ir.Outcome{}, fmt.Errorf("append outcome: %w", err)
	}
	o.Timestamp = o.Timestamp.UTC()
	id, err := ir.OutcomeID(o)
	if err != nil {
		return ir.Outcome{}, fmt.Errorf("append outcome: %w", err)
	}
	o.OutcomeID = id
	if err := l.outcomes.Append(o); err != nil {
		return ir.Outcome{}, fmt.Errorf("append outcome: %w", err)
	}
	return o, nil
}

// Steps streams every step in append order.
func (l *Log) Steps(ctx context.Context) iter.Seq2[ir.Step, error] {
	return scan[ir.Step](ctx, l.steps)
}

// Outcomes streams every outcome in append order.
func (l *Log) Outcomes(ctx context.Context) iter.Seq2[ir.Outcome, error] {
	return scan[ir.Outcome](ctx, l.outcomes)
}

func scan[T any](ctx context.Context, lg *store.Log) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		err := store.ScanRecords(ctx, lg, func(rec T) error {
			if !yield(rec, nil) {
				return errStop
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStop) {
			var zero T
			yield(zero, err)
		}
	}
}

// ReplaySteps streams every step like Steps, except that a line which does
// not decode is yielded as a *store.CorruptLineError and the scan continues.
// Analytics replays use it to skip damage instead of failing the rebuild.
func (l *Log) ReplaySteps(ctx context.Context) iter.Seq2[ir.Step, error] {
	return replay[ir.Step](ctx, l.steps)
}

// ReplayOutcomes is the outcome counterpart of ReplaySteps.
func (l *Log) ReplayOutcomes(ctx context.Context) iter.Seq2[ir.Outcome, error] {
	return replay[ir.Outcome](ctx, l.outcomes)
}

func replay[T any](ctx context.Context, lg *store.Log) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		err := lg.Scan(ctx, func(lineNo int, line []byte) error {
			rec, err := store.Decode[T](line)
			if err != nil {
				if !yield(zero, &store.CorruptLineError{Path: lg.Path(), Line: lineNo, Err: err}) {
					return errStop
				}
				return nil
			}
			if !yield(rec, nil) {
				return errStop
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStop) {
			yield(zero, err)
		}
	}
}

// ReadTrajectory returns the steps of one trajectory ordered by step_seq.
func (l *Log) ReadTrajectory(ctx context.Context, trajectoryID string) ([]ir.Step, error) {
	var steps []ir.Step
	for s, err := range l.Steps(ctx) {
		if err != nil {
			return nil, fmt.Errorf("read trajectory %s: %w", trajectoryID, err)
		}
		if s.TrajectoryID == trajectoryID {
			steps = append(steps, s)
		}
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("read trajectory %s: %w", trajectoryID, ErrNotFound)
	}
	slices.SortStableFunc(steps, func(a, b ir.Step) int {
		return cmp.Compare(a.StepSeq, b.StepSeq)
	})
	return steps, nil
}

// OutcomesFor returns the outcomes attached to a trajectory in append order.
func (l *Log) OutcomesFor(ctx context.Context, trajectoryID string) ([]ir.Outcome, error) {
	var out []ir.Outcome
	for o, err := range l.Outcomes(ctx) {
		if err != nil {
			return nil, fmt.Errorf("outcomes for %s: %w", trajectoryID, err)
		}
		if o.TrajectoryID == trajectoryID {
			out = append(out, o)
		}
	}
	return out, nil
}

// Verify reads one trajectory and checks its hash chain.
func (l *Log) Verify(ctx context.Context, trajectoryID string) error {
	steps, err := l.ReadTrajectory(ctx, trajectoryID)
	if err != nil {
		return err
	}
	return VerifyChain(steps)
}
