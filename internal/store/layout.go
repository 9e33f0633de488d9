package store

import (
	"fmt"
	"path/filepath"
)

// File names inside a data directory. Each is a separate logical log.
const (
	EventsFile             = "events.jsonl"
	CommandsFile           = "commands.jsonl"
	CommandOutcomesFile    = "command_outcomes.jsonl"
	TrajectoryStepsFile    = "trajectory_steps.jsonl"
	TrajectoryOutcomesFile = "trajectory_outcomes.jsonl"
	ArtifactsFile          = "artifacts.jsonl"
	ReceiptsFile           = "receipts.jsonl"
	IndexFile              = "claims.db"
)

// Layout names the files of one data directory.
type Layout struct {
	Dir string
}

// Path returns the absolute-or-relative path of name inside the data directory.
func (l Layout) Path(name string) string {
	return filepath.Join(l.Dir, name)
}

// Logs is the set of open logs for one data directory.
type Logs struct {
	Events             *Log
	Commands           *Log
	CommandOutcomes    *Log
	TrajectorySteps    *Log
	TrajectoryOutcomes *Log
	Artifacts          *Log
	Receipts           *Log
}

// OpenAll opens (creating as needed) every log of the layout.
func (l Layout) OpenAll(opts ...LogOption) (*Logs, error) {
	var logs Logs
	targets := []struct {
		name string
		dst  **Log
	}{
		{EventsFile, &logs.Events},
		{CommandsFile, &logs.Commands},
		{CommandOutcomesFile, &logs.CommandOutcomes},
		{TrajectoryStepsFile, &logs.TrajectorySteps},
		{TrajectoryOutcomesFile, &logs.TrajectoryOutcomes},
		{ArtifactsFile, &logs.Artifacts},
		{ReceiptsFile, &logs.Receipts},
	}
	for _, t := range targets {
		lg, err := OpenLog(l.Path(t.name), opts...)
		if err != nil {
			return nil, fmt.Errorf("open layout %s: %w", l.Dir, err)
		}
		*t.dst = lg
	}
	return &logs, nil
}
