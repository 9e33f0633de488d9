package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/ledger/internal/config"
	"github.com/roach88/ledger/internal/eventstore"
	"github.com/roach88/ledger/internal/ir"
	"github.com/roach88/ledger/internal/store"
	"github.com/roach88/ledger/internal/testutil"
	"github.com/roach88/ledger/internal/trajectory"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	for _, k := range []string{config.EnvDataDir, config.EnvAppName, config.EnvIndex, config.EnvLogLevel} {
		t.Setenv(k, "")
	}
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// decode parses a JSON CLIResponse whose data is a T.
func decode[T any](t *testing.T, out string) (T, *CLIError) {
	t.Helper()
	var resp struct {
		Status string    `json:"status"`
		Data   T         `json:"data"`
		Error  *CLIError `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp.Data, resp.Error
}

type seeded struct {
	dir    string
	events []ir.EventEnvelope
}

// seedDataDir writes three events and three trajectories:
//
//	t1: payments, orders; incident outcome
//	t2: payments, orders
//	t3: billing; crosses a policy gate
func seedDataDir(t *testing.T) seeded {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	logs, err := store.Layout{Dir: dir}.OpenAll(store.WithoutSync())
	require.NoError(t, err)

	es, err := eventstore.Open(ctx, logs.Events, eventstore.WithClock(testutil.FixedClock(testutil.Epoch)))
	require.NoError(t, err)
	var events []ir.EventEnvelope
	for i, rec := range []eventstore.ConnectorRecord{
		{EventType: "mail.received", SourceRef: "gmail:1", Payload: map[string]any{"subject": "hello"}},
		{EventType: "mail.received", SourceRef: "gmail:2", Payload: map[string]any{"subject": "invoice"}},
		{EventType: "task.created", SourceRef: "tasks:1", Payload: map[string]any{"title": "pay invoice"}},
	} {
		rec.OccurredAt = testutil.Epoch.Add(time.Duration(i) * time.Minute)
		ev, appended, err := es.Ingest(ctx, rec)
		require.NoError(t, err)
		require.True(t, appended)
		events = append(events, ev)
	}

	tl := trajectory.Open(logs.TrajectorySteps, logs.TrajectoryOutcomes)
	addTrajectory(t, tl, "t1", testutil.Epoch, []ir.StepType{ir.StepTrajectoryStarted, ir.StepToolCalled, ir.StepTrajectoryEnded}, "payments", "orders")
	addTrajectory(t, tl, "t2", testutil.Epoch.Add(time.Hour), []ir.StepType{ir.StepTrajectoryStarted, ir.StepToolCalled, ir.StepTrajectoryEnded}, "payments", "orders")
	addTrajectory(t, tl, "t3", testutil.Epoch.Add(2*time.Hour), []ir.StepType{ir.StepTrajectoryStarted, ir.StepPolicyGateHit, ir.StepTrajectoryEnded}, "billing")
	_, err = tl.AppendOutcome(ctx, ir.Outcome{
		TrajectoryID: "t1",
		Kind:         ir.OutcomeIncident,
		Severity:     3,
		Timestamp:    testutil.Epoch.Add(10 * time.Minute),
	})
	require.NoError(t, err)

	return seeded{dir: dir, events: events}
}

func addTrajectory(t *testing.T, tl *trajectory.Log, id string, start time.Time, types []ir.StepType, entities ...string) {
	t.Helper()
	refs := make([]ir.Ref, len(entities))
	for i, e := range entities {
		refs[i] = ir.EntityRef(e)
	}
	b := trajectory.NewBuilder(id, "corr-"+id)
	var steps []ir.Step
	for i, typ := range types {
		d := trajectory.Draft{Type: typ, Timestamp: start.Add(time.Duration(i) * time.Minute)}
		if i == 0 {
			d.Refs = refs
		}
		var s ir.Step
		var err error
		b, s, err = b.Next(d)
		require.NoError(t, err)
		steps = append(steps, s)
	}
	_, err := tl.AppendSteps(context.Background(), steps)
	require.NoError(t, err)
}
