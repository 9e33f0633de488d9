package trajectory

import (
	"context"
	"encoding/json"
	"fmt"
)

// PruneResult counts the records removed by Prune.
type PruneResult struct {
	Steps    int `json:"steps"`
	Outcomes int `json:"outcomes"`
}

// Prune deletes every step and outcome of the given trajectories by rewriting
// both logs. Outcomes attached only to a command are kept. Each log is
// replaced atomically; a crash between the two rewrites can leave outcomes of
// a pruned trajectory, which a second Prune removes.
func (l *Log) Prune(ctx context.Context, trajectoryIDs []string) (PruneResult, error) {
	if len(trajectoryIDs) == 0 {
		return PruneResult{}, nil
	}
	drop := make(map[string]bool, len(trajectoryIDs))
	for _, id := range trajectoryIDs {
		drop[id] = true
	}
	keep := func(line []byte) (bool, error) {
		var rec struct {
			TrajectoryID string `json:"trajectory_id"`
		}
		if err := json.Unmarshal(line, &rec); err != nil {
			return false, err
		}
		return !drop[rec.TrajectoryID], nil
	}

	var res PruneResult
	var err error
	if res.Steps, err = l.steps.Rewrite(ctx, keep); err != nil {
		return PruneResult{}, fmt.Errorf("prune steps: %w", err)
	}
	if res.Outcomes, err = l.outcomes.Rewrite(ctx, keep); err != nil {
		return res, fmt.Errorf("prune outcomes: %w", err)
	}
	l.logger.Info("pruned trajectories", "trajectories", len(trajectoryIDs), "steps", res.Steps, "outcomes", res.Outcomes)
	return res, nil
}
