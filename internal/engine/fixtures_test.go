package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/ledger/internal/eventstore"
	"github.com/roach88/ledger/internal/ir"
	"github.com/roach88/ledger/internal/projection"
	"github.com/roach88/ledger/internal/store"
	"github.com/roach88/ledger/internal/testutil"
)

// tasks maps task id to status ("open" or "done").
type tasks map[string]string

var tasksReducer = projection.Definition[tasks]{
	Name:    "tasks_state",
	Version: 1,
	Init:    func() tasks { return tasks{} },
	Apply: func(s tasks, ev ir.EventEnvelope) (tasks, error) {
		id, _ := ev.Payload["task_id"].(string)
		switch ev.EventType {
		case "task.created":
			s[id] = "open"
		case "task.completed":
			s[id] = "done"
		}
		return s, nil
	},
}

func taskManifest() ir.PackManifest {
	return ir.PackManifest{
		Name:         "tasks",
		Version:      "1.0.0",
		Namespace:    "task",
		CommandTypes: []string{"task.create", "task.complete", "task.touch", "task.explode"},
		EventTypes:   []string{"task.created", "task.completed"},
	}
}

func taskHandlers() map[string]Handler[tasks] {
	return map[string]Handler[tasks]{
		"task.create": func(_ context.Context, s tasks, cmd ir.CommandEnvelope) ([]ir.EventDraft, error) {
			title, _ := cmd.Payload["title"].(string)
			if title == "" {
				return nil, Invalid("title is required")
			}
			id := cmd.TargetRef
			if st, ok := s[id]; ok {
				return nil, PreconditionFailed("absent", st, fmt.Sprintf("task %s already exists", id))
			}
			return []ir.EventDraft{{
				EventType: "task.created",
				Payload:   map[string]any{"task_id": id, "title": title},
			}}, nil
		},
		"task.complete": func(_ context.Context, s tasks, cmd ir.CommandEnvelope) ([]ir.EventDraft, error) {
			id := cmd.TargetRef
			if s[id] != "open" {
				return nil, PreconditionFailed("open", s[id], fmt.Sprintf("task %s cannot be completed", id))
			}
			return []ir.EventDraft{{
				EventType: "task.completed",
				Payload:   map[string]any{"task_id": id},
			}}, nil
		},
		// touch has no observable effect.
		"task.touch": func(context.Context, tasks, ir.CommandEnvelope) ([]ir.EventDraft, error) {
			return nil, nil
		},
		// explode emits an event type the pack never declared.
		"task.explode": func(context.Context, tasks, ir.CommandEnvelope) ([]ir.EventDraft, error) {
			return []ir.EventDraft{{EventType: "task.exploded", Payload: map[string]any{}}}, nil
		},
	}
}

func taskPack(t *testing.T) Pack {
	t.Helper()
	p, err := NewPack(taskManifest(), tasksReducer, taskHandlers())
	require.NoError(t, err)
	return p
}

type testLedger struct {
	*Ledger
	events    *eventstore.Store
	eventsLog *store.Log
	outcomes  *store.Log
	commands  *store.Log
}

func createTestLedger(t *testing.T, opts ...Option) testLedger {
	t.Helper()
	dir := t.TempDir()
	logs, err := store.Layout{Dir: dir}.OpenAll(store.WithoutSync())
	require.NoError(t, err)

	events, err := eventstore.Open(context.Background(), logs.Events)
	require.NoError(t, err)

	reg := NewRegistry()
	require.NoError(t, reg.Register(taskPack(t)))

	base := []Option{
		WithClock(testutil.NewStepClock(testutil.Epoch, time.Second)),
		WithCommandLog(logs.Commands),
		WithOutcomeLog(logs.CommandOutcomes),
		WithAppName("ledger-test"),
	}
	l := NewLedger(events, reg, append(base, opts...)...)
	return testLedger{Ledger: l, events: events, eventsLog: logs.Events, outcomes: logs.CommandOutcomes, commands: logs.Commands}
}

func createTestSQLiteIndex(t *testing.T) *store.Index {
	t.Helper()
	ix, err := store.OpenIndex(filepath.Join(t.TempDir(), store.IndexFile))
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	return ix
}

func taskCommand(commandID, commandType, key, target string, payload map[string]any) ir.CommandEnvelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return ir.CommandEnvelope{
		CommandID:      commandID,
		IdempotencyKey: key,
		DedupeScope:    ir.ScopeTarget,
		TargetRef:      target,
		CommandType:    commandType,
		Payload:        payload,
		Actor:          ir.Actor{ActorID: "user-1", ActorType: ir.ActorUser},
		RequestedAt:    testutil.Epoch,
		CorrelationID:  "corr-" + key,
	}
}
