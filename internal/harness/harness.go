package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/ledger/internal/ir"
	"github.com/roach88/ledger/internal/simulation"
	"github.com/roach88/ledger/internal/store"
	"github.com/roach88/ledger/internal/testutil"
	"github.com/roach88/ledger/internal/trajectory"
)

// Harness holds the state of one scenario run.
type Harness struct {
	log    *trajectory.Log
	model  *simulation.Model
	logger *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against fresh logs in a temporary directory that is
// removed afterwards. Timestamps are derived from the scenario alone, so two
// runs of the same scenario produce byte-identical logs.
//
// Execution flow:
// 1. Create fresh trajectory logs
// 2. Append every trajectory's steps and outcomes
// 3. Rebuild the simulation model
// 4. Evaluate assertions and record their queries
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "ledger-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	steps, err := store.OpenLog(filepath.Join(dir, store.TrajectoryStepsFile), store.WithoutSync())
	if err != nil {
		return nil, err
	}
	outcomes, err := store.OpenLog(filepath.Join(dir, store.TrajectoryOutcomesFile), store.WithoutSync())
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in scenario runs
	h := &Harness{
		log:    trajectory.Open(steps, outcomes, trajectory.WithLogger(logger)),
		logger: logger,
	}

	start := testutil.Epoch
	for i, tr := range scenario.Trajectories {
		if !tr.Start.IsZero() {
			start = tr.Start
		}
		if err := h.appendTrajectory(ctx, tr, start); err != nil {
			return nil, fmt.Errorf("trajectories[%d]: %w", i, err)
		}
		start = start.Add(time.Hour)
	}

	h.model, err = simulation.Rebuild(ctx, h.log, simulation.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild simulation: %w", err)
	}

	result := NewResult()
	result.Stats = h.model.Stats()
	for _, msg := range h.evaluate(ctx, scenario.Assertions, result) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) appendTrajectory(ctx context.Context, tr TrajectorySpec, start time.Time) error {
	b := trajectory.NewBuilder(tr.ID, "scenario-"+tr.ID)
	steps := make([]ir.Step, 0, len(tr.Steps))
	at := start
	for j, spec := range tr.Steps {
		refs := make([]ir.Ref, len(spec.Refs))
		for k, id := range spec.Refs {
			refs[k] = ir.EntityRef(id)
		}
		var s ir.Step
		var err error
		b, s, err = b.Next(trajectory.Draft{
			Type:      spec.Type,
			Timestamp: at.Add(time.Duration(j) * time.Minute),
			Payload:   spec.Payload,
			Refs:      refs,
		})
		if err != nil {
			return err
		}
		steps = append(steps, s)
	}
	if _, err := h.log.AppendSteps(ctx, steps); err != nil {
		return err
	}

	last := steps[len(steps)-1].Timestamp
	for j, spec := range tr.Outcomes {
		ts := spec.At
		if ts.IsZero() {
			ts = last.Add(time.Minute)
		}
		if _, err := h.log.AppendOutcome(ctx, ir.Outcome{
			TrajectoryID: tr.ID,
			Kind:         spec.Kind,
			Severity:     spec.Severity,
			Timestamp:    ts,
		}); err != nil {
			return fmt.Errorf("outcomes[%d]: %w", j, err)
		}
	}
	return nil
}
