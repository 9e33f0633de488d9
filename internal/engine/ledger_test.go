package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledger/internal/ir"
	"github.com/roach88/ledger/internal/store"
)

func TestExecute_CreateTwice(t *testing.T) {
	ctx := context.Background()
	l := createTestLedger(t)

	payload := map[string]any{"title": "Buy milk"}
	first, err := l.Execute(ctx, taskCommand("cmd-1", "task.create", "k1", "task:1", payload))
	require.NoError(t, err)
	assert.Equal(t, ir.StatusAccepted, first.Status)
	require.Len(t, first.ProducedEvents, 1)

	second, err := l.Execute(ctx, taskCommand("cmd-2", "task.create", "k1", "task:1", payload))
	require.NoError(t, err)
	assert.Equal(t, ir.StatusAlreadyProcessed, second.Status)
	assert.Equal(t, first.ProducedEvents, second.ProducedEvents)
	assert.Equal(t, "cmd-1", second.CommandID, "duplicate reports the original attempt")

	all, err := l.events.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	ev := all[0]
	assert.Equal(t, "task.created", ev.EventType)
	assert.Equal(t, first.ProducedEvents[0], ev.EventID)
	assert.Equal(t, "cmd-1", ev.CausationID)
	assert.Equal(t, ir.CausedByCommand, ev.CausationType)
	assert.Equal(t, "corr-k1", ev.CorrelationID)
}

func TestExecute_EventEnvelopeFields(t *testing.T) {
	ctx := context.Background()
	l := createTestLedger(t)

	cmd := taskCommand("cmd-1", "task.create", "k1", "task:1", map[string]any{"title": "a"})
	out, err := l.Execute(ctx, cmd)
	require.NoError(t, err)

	ev, err := l.events.GetByID(ctx, out.ProducedEvents[0])
	require.NoError(t, err)
	assert.True(t, cmd.RequestedAt.Equal(ev.OccurredAt), "occurred_at defaults to requested_at")
	assert.Equal(t, cmd.Actor, ev.Actor)
	assert.Equal(t, 1, ev.PayloadSchemaVersion)
	assert.Equal(t, ir.EnvelopeVersion, ev.EnvelopeVersion)
	assert.Equal(t, ir.MustEventID("task.created", "", ev.Payload, ev.OccurredAt), ev.EventID)
}

func TestExecute_DifferentScopesAreIndependent(t *testing.T) {
	ctx := context.Background()
	l := createTestLedger(t)

	a, err := l.Execute(ctx, taskCommand("cmd-1", "task.create", "k1", "task:1", map[string]any{"title": "a"}))
	require.NoError(t, err)
	b, err := l.Execute(ctx, taskCommand("cmd-2", "task.create", "k1", "task:2", map[string]any{"title": "b"}))
	require.NoError(t, err)

	assert.Equal(t, ir.StatusAccepted, a.Status)
	assert.Equal(t, ir.StatusAccepted, b.Status)
	assert.NotEqual(t, a.ProducedEvents, b.ProducedEvents)
}

func TestExecute_PreconditionRejected(t *testing.T) {
	ctx := context.Background()
	l := createTestLedger(t)

	out, err := l.Execute(ctx, taskCommand("cmd-1", "task.complete", "k1", "task:9", nil))
	require.NoError(t, err, "precondition failures are outcomes, not errors")
	assert.Equal(t, ir.StatusRejected, out.Status)
	assert.Equal(t, "open", out.Expected)
	assert.Equal(t, "", out.Actual)
	assert.Contains(t, out.Reason, string(ErrCodePreconditionFailed))
	assert.Empty(t, out.ProducedEvents)
	assert.NotNil(t, out.ProducedEvents)

	// Rejection is terminal: the same key returns it verbatim even once the
	// precondition would hold.
	_, err = l.Execute(ctx, taskCommand("cmd-2", "task.create", "k2", "task:9", map[string]any{"title": "x"}))
	require.NoError(t, err)
	again, err := l.Execute(ctx, taskCommand("cmd-3", "task.complete", "k1", "task:9", nil))
	require.NoError(t, err)
	assert.Equal(t, ir.StatusRejected, again.Status)
	assert.Equal(t, "cmd-1", again.CommandID)
}

func TestExecute_CompleteAfterCreate(t *testing.T) {
	ctx := context.Background()
	l := createTestLedger(t)

	_, err := l.Execute(ctx, taskCommand("cmd-1", "task.create", "k1", "task:1", map[string]any{"title": "a"}))
	require.NoError(t, err)
	out, err := l.Execute(ctx, taskCommand("cmd-2", "task.complete", "k2", "task:1", nil))
	require.NoError(t, err)
	assert.Equal(t, ir.StatusAccepted, out.Status)
	assert.Equal(t, 2, l.events.Len())
}

func TestExecute_NoEventsIsAlreadyProcessed(t *testing.T) {
	l := createTestLedger(t)

	out, err := l.Execute(context.Background(), taskCommand("cmd-1", "task.touch", "k1", "task:1", nil))
	require.NoError(t, err)
	assert.Equal(t, ir.StatusAlreadyProcessed, out.Status)
	assert.Empty(t, out.ProducedEvents)
	assert.Equal(t, 0, l.events.Len())
}

func TestExecute_ValidationRejected(t *testing.T) {
	l := createTestLedger(t)

	cmd := taskCommand("cmd-1", "task.create", "k1", "", map[string]any{"title": "a"})
	out, err := l.Execute(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusRejected, out.Status)
	assert.Contains(t, out.Reason, "target_ref")

	// Not recorded: a corrected retry with the same key proceeds.
	cmd.TargetRef = "task:1"
	cmd.CommandID = "cmd-2"
	out, err = l.Execute(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusAccepted, out.Status)
}

func TestExecute_HandlerValidationIsTerminal(t *testing.T) {
	l := createTestLedger(t)

	out, err := l.Execute(context.Background(), taskCommand("cmd-1", "task.create", "k1", "task:1", map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, ir.StatusRejected, out.Status)
	assert.Contains(t, out.Reason, "title is required")
}

func TestExecute_UnknownCommand(t *testing.T) {
	l := createTestLedger(t)

	out, err := l.Execute(context.Background(), taskCommand("cmd-1", "note.create", "k1", "note:1", nil))
	require.NoError(t, err)
	assert.Equal(t, ir.StatusRejected, out.Status)
	assert.Contains(t, out.Reason, string(ErrCodeUnknownCommand))
}

func TestExecute_UndeclaredEventFailsAndReleases(t *testing.T) {
	ctx := context.Background()
	l := createTestLedger(t)

	out, err := l.Execute(ctx, taskCommand("cmd-1", "task.explode", "k1", "task:1", nil))
	require.NoError(t, err)
	assert.Equal(t, ir.StatusFailed, out.Status)
	assert.Contains(t, out.Reason, string(ErrCodeHandlerFailed))
	assert.Equal(t, 0, l.events.Len())

	// The claim was released, so the retry runs again instead of replaying.
	retry, err := l.Execute(ctx, taskCommand("cmd-2", "task.explode", "k1", "task:1", nil))
	require.NoError(t, err)
	assert.Equal(t, ir.StatusFailed, retry.Status)
	assert.Equal(t, "cmd-2", retry.CommandID)
}

func TestExecute_HandlerErrorFails(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("mailbox unreachable")
	m := ir.PackManifest{Name: "mail", Version: "0.1.0", Namespace: "mail", CommandTypes: []string{"mail.send"}}
	calls := 0
	p, err := NewPack(m, tasksReducer, map[string]Handler[tasks]{
		"mail.send": func(context.Context, tasks, ir.CommandEnvelope) ([]ir.EventDraft, error) {
			calls++
			return nil, boom
		},
	})
	require.NoError(t, err)

	l := createTestLedger(t)
	require.NoError(t, l.Packs().Register(p))

	for i := range 2 {
		out, err := l.Execute(ctx, taskCommand(fmt.Sprintf("cmd-%d", i), "mail.send", "k1", "mail:1", nil))
		require.NoError(t, err)
		assert.Equal(t, ir.StatusFailed, out.Status)
		assert.Contains(t, out.Reason, "mailbox unreachable")
	}
	assert.Equal(t, 2, calls)
}

func TestExecute_CorruptEventLogIsAnError(t *testing.T) {
	ctx := context.Background()
	l := createTestLedger(t)

	_, err := l.Execute(ctx, taskCommand("cmd-1", "task.create", "k1", "task:1", map[string]any{"title": "a"}))
	require.NoError(t, err)

	f, err := os.OpenFile(l.eventsLog.Path(), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	out, err := l.Execute(ctx, taskCommand("cmd-2", "task.create", "k2", "task:2", map[string]any{"title": "b"}))
	require.Error(t, err)
	assert.Empty(t, out.Status)
	assert.True(t, IsStorageError(err))
	var corrupt *store.CorruptLineError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, 2, corrupt.Line)

	var recs []OutcomeRecord
	require.NoError(t, store.ScanRecords(ctx, l.outcomes, func(r OutcomeRecord) error {
		recs = append(recs, r)
		return nil
	}))
	require.Len(t, recs, 1, "a storage failure records no outcome")
	assert.Equal(t, "cmd-1", recs[0].Outcome.CommandID)
}

func TestExecute_ConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	l := createTestLedger(t)

	const n = 16
	results := make([]ir.CommandOutcome, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := l.Execute(ctx, taskCommand(fmt.Sprintf("cmd-%d", i), "task.create", "k1", "task:1", map[string]any{"title": "Buy milk"}))
			assert.NoError(t, err)
			results[i] = out
		}()
	}
	wg.Wait()

	var accepted []ir.CommandOutcome
	for _, out := range results {
		switch out.Status {
		case ir.StatusAccepted:
			accepted = append(accepted, out)
		case ir.StatusAlreadyProcessed, ir.StatusAlreadyProcessing:
		default:
			t.Fatalf("unexpected status %s: %s", out.Status, out.Reason)
		}
	}
	require.Len(t, accepted, 1)
	for _, out := range results {
		if out.Status == ir.StatusAlreadyProcessed {
			assert.Equal(t, accepted[0].ProducedEvents, out.ProducedEvents)
		}
	}
	assert.Equal(t, 1, l.events.Len())

	after, err := l.Execute(ctx, taskCommand("cmd-late", "task.create", "k1", "task:1", map[string]any{"title": "Buy milk"}))
	require.NoError(t, err)
	assert.Equal(t, accepted[0].ProducedEvents, after.ProducedEvents)
}

func TestExecute_InFlightDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	ix := NewMemoryIndex()
	l := createTestLedger(t, WithIndex(ix))

	claim, err := ix.Claim(ctx, "k1", "target:task:1", "cmd-holder")
	require.NoError(t, err)
	require.Equal(t, store.ClaimProceed, claim.State)

	out, err := l.Execute(ctx, taskCommand("cmd-1", "task.create", "k1", "task:1", map[string]any{"title": "a"}))
	require.NoError(t, err)
	assert.Equal(t, ir.StatusAlreadyProcessing, out.Status)
	assert.Equal(t, "cmd-1", out.CommandID)
	assert.Empty(t, out.ProducedEvents)
	assert.Contains(t, out.Reason, "cmd-holder")
}

func TestExecute_SQLiteIndex(t *testing.T) {
	ctx := context.Background()
	ix := createTestSQLiteIndex(t)
	l := createTestLedger(t, WithIndex(ix))

	first, err := l.Execute(ctx, taskCommand("cmd-1", "task.create", "k1", "task:1", map[string]any{"title": "a"}))
	require.NoError(t, err)
	second, err := l.Execute(ctx, taskCommand("cmd-2", "task.create", "k1", "task:1", map[string]any{"title": "a"}))
	require.NoError(t, err)

	assert.Equal(t, ir.StatusAlreadyProcessed, second.Status)
	assert.Equal(t, first.ProducedEvents, second.ProducedEvents)

	stored, err := ix.Lookup(ctx, "k1", "target:task:1")
	require.NoError(t, err)
	assert.Equal(t, ir.StatusAccepted, stored.Status)
}

func TestExecute_AppScope(t *testing.T) {
	ctx := context.Background()
	l := createTestLedger(t)

	cmd := taskCommand("cmd-1", "task.touch", "k1", "", nil)
	cmd.DedupeScope = ir.ScopeApp
	out, err := l.Execute(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusAlreadyProcessed, out.Status)

	noApp := createTestLedger(t, WithAppName(""))
	out, err = noApp.Execute(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusRejected, out.Status)
	assert.Contains(t, out.Reason, "app_name")
}

func TestExecute_RecordsCommandsAndOutcomes(t *testing.T) {
	ctx := context.Background()
	l := createTestLedger(t)

	_, err := l.Execute(ctx, taskCommand("cmd-1", "task.create", "k1", "task:1", map[string]any{"title": "a"}))
	require.NoError(t, err)
	_, err = l.Execute(ctx, taskCommand("cmd-2", "task.create", "k1", "task:1", map[string]any{"title": "a"}))
	require.NoError(t, err)

	var cmds []string
	require.NoError(t, store.ScanRecords(ctx, l.commands, func(c ir.CommandEnvelope) error {
		cmds = append(cmds, c.CommandID)
		return nil
	}))
	assert.Equal(t, []string{"cmd-1", "cmd-2"}, cmds)

	var recs []OutcomeRecord
	require.NoError(t, store.ScanRecords(ctx, l.outcomes, func(r OutcomeRecord) error {
		recs = append(recs, r)
		return nil
	}))
	require.Len(t, recs, 1, "duplicates are not re-recorded")
	assert.Equal(t, "target:task:1", recs[0].ScopeKey)
	assert.Equal(t, "task.create", recs[0].CommandType)
	assert.Equal(t, ir.StatusAccepted, recs[0].Outcome.Status)
}

func TestLoadMemoryIndex_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	l := createTestLedger(t)

	first, err := l.Execute(ctx, taskCommand("cmd-1", "task.create", "k1", "task:1", map[string]any{"title": "a"}))
	require.NoError(t, err)
	_, err = l.Execute(ctx, taskCommand("cmd-2", "task.explode", "k2", "task:1", nil))
	require.NoError(t, err)

	ix, err := LoadMemoryIndex(ctx, l.outcomes)
	require.NoError(t, err)
	assert.Equal(t, 1, ix.Len(), "failed outcomes do not close their key")

	stored, err := ix.Lookup(ctx, "k1", "target:task:1")
	require.NoError(t, err)
	assert.Equal(t, first.ProducedEvents, stored.ProducedEvents)
	_, err = ix.Lookup(ctx, "k2", "target:task:1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	restarted := NewLedger(l.events, l.Packs(), WithIndex(ix))
	again, err := restarted.Execute(ctx, taskCommand("cmd-3", "task.create", "k1", "task:1", map[string]any{"title": "a"}))
	require.NoError(t, err)
	assert.Equal(t, ir.StatusAlreadyProcessed, again.Status)
	assert.Equal(t, first.ProducedEvents, again.ProducedEvents)
}

func TestStamp(t *testing.T) {
	l := createTestLedger(t, WithIDGenerator(NewFixedGenerator("cmd-a")))

	cmd := l.Stamp(ir.CommandEnvelope{CommandType: "task.touch"})
	assert.Equal(t, "cmd-a", cmd.CommandID)
	assert.Equal(t, "cmd-a", cmd.CorrelationID)
	assert.False(t, cmd.RequestedAt.IsZero())
	assert.NotNil(t, cmd.Payload)

	kept := l.Stamp(ir.CommandEnvelope{CommandID: "mine", CorrelationID: "c"})
	assert.Equal(t, "mine", kept.CommandID)
	assert.Equal(t, "c", kept.CorrelationID)
}
