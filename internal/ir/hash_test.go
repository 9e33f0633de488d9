package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hashTestTime = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func TestEventIDDeterminism(t *testing.T) {
	payload := map[string]any{"title": "Buy milk", "priority": 2}

	id1, err := EventID("task.created", "", payload, hashTestTime)
	require.NoError(t, err)
	id2, err := EventID("task.created", "", map[string]any{"priority": 2, "title": "Buy milk"}, hashTestTime)
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "EventID must be deterministic")
	assert.Len(t, id1, 64, "SHA-256 hex is 64 characters")
}

func TestEventIDChangesWithInput(t *testing.T) {
	payload := map[string]any{"title": "Buy milk"}
	base := MustEventID("task.created", "", payload, hashTestTime)

	tests := []struct {
		name string
		id   string
	}{
		{"event type", MustEventID("task.updated", "", payload, hashTestTime)},
		{"source ref", MustEventID("task.created", "gmail:msg-1", payload, hashTestTime)},
		{"payload", MustEventID("task.created", "", map[string]any{"title": "Buy eggs"}, hashTestTime)},
		{"occurred at", MustEventID("task.created", "", payload, hashTestTime.Add(time.Second))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, base, tt.id)
		})
	}
}

func TestEventIDTimezoneIndependent(t *testing.T) {
	payload := map[string]any{"subject": "hello"}
	zoned := hashTestTime.In(time.FixedZone("EST", -5*60*60))

	assert.Equal(t,
		MustEventID("email.ingested", "imap:1", payload, hashTestTime),
		MustEventID("email.ingested", "imap:1", payload, zoned))
}

func TestEventIDNilPayloadEqualsEmpty(t *testing.T) {
	assert.Equal(t,
		MustEventID("system.tick", "", nil, hashTestTime),
		MustEventID("system.tick", "", map[string]any{}, hashTestTime))
}

func TestStepIDChain(t *testing.T) {
	first := MustStepID("traj-1", 0, StepTrajectoryStarted, nil, map[string]any{"goal": "deploy"})
	second := MustStepID("traj-1", 1, StepToolCalled, &first, map[string]any{"tool": "kubectl"})

	otherFirst := MustStepID("traj-1", 0, StepTrajectoryStarted, nil, map[string]any{"goal": "rollback"})
	otherSecond := MustStepID("traj-1", 1, StepToolCalled, &otherFirst, map[string]any{"tool": "kubectl"})

	assert.NotEqual(t, first, otherFirst)
	assert.NotEqual(t, second, otherSecond, "changing an ancestor must change every descendant")
}

func TestStepIDChangesWithInput(t *testing.T) {
	prev := "abc"
	payload := map[string]any{"tool": "grep"}
	base := MustStepID("traj-1", 1, StepToolCalled, &prev, payload)

	other := "abd"
	assert.NotEqual(t, base, MustStepID("traj-2", 1, StepToolCalled, &prev, payload))
	assert.NotEqual(t, base, MustStepID("traj-1", 2, StepToolCalled, &prev, payload))
	assert.NotEqual(t, base, MustStepID("traj-1", 1, StepEntityRead, &prev, payload))
	assert.NotEqual(t, base, MustStepID("traj-1", 1, StepToolCalled, &other, payload))
	assert.NotEqual(t, base, MustStepID("traj-1", 1, StepToolCalled, nil, payload))
}

func TestOutcomeIDIgnoresOwnIDAndZone(t *testing.T) {
	o := Outcome{
		TrajectoryID: "traj-1",
		Kind:         OutcomeRollback,
		Severity:     3,
		Metrics:      map[string]float64{"latency_ms": 120},
		Timestamp:    hashTestTime,
	}

	id1, err := OutcomeID(o)
	require.NoError(t, err)

	o.OutcomeID = id1
	o.Timestamp = hashTestTime.In(time.FixedZone("CET", 60*60))
	id2, err := OutcomeID(o)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	o.Severity = 4
	id3, err := OutcomeID(o)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestDomainSeparationPreventsCrossTypeCollision(t *testing.T) {
	body := map[string]any{"x": 1}

	event, err := ContentHash(DomainEvent, body)
	require.NoError(t, err)
	step, err := ContentHash(DomainStep, body)
	require.NoError(t, err)
	receipt, err := ContentHash(DomainReceipt, body)
	require.NoError(t, err)

	assert.NotEqual(t, event, step)
	assert.NotEqual(t, event, receipt)
	assert.NotEqual(t, step, receipt)
}

func TestHashWithDomainNullSeparator(t *testing.T) {
	assert.NotEqual(t, hashWithDomain("ab", []byte("c")), hashWithDomain("a", []byte("bc")))

	sum := sha256.Sum256([]byte("ledger/event/v1\x00{}"))
	assert.Equal(t, hex.EncodeToString(sum[:]), hashWithDomain(DomainEvent, []byte("{}")))
}

func TestHashErrorHandling(t *testing.T) {
	_, err := EventID("x.y", "", map[string]any{"bad": make(chan int)}, hashTestTime)
	require.Error(t, err)
	assert.True(t, IsCanonicalizationError(err))

	_, err = StepID("traj", 0, StepToolCalled, nil, map[string]any{"__proto__": 1})
	require.Error(t, err)
	assert.True(t, IsCanonicalizationError(err))
}

func TestMustFunctionsPanic(t *testing.T) {
	assert.Panics(t, func() {
		MustEventID("x.y", "", map[string]any{"constructor": 1}, hashTestTime)
	})
	assert.Panics(t, func() {
		MustStepID("traj", 0, StepToolCalled, nil, map[string]any{"prototype": 1})
	})
}
