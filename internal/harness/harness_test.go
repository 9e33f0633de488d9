package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runYAML(t *testing.T, doc string) *Result {
	t.Helper()
	s, err := ParseScenario([]byte(doc))
	require.NoError(t, err)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	return result
}

const twoTrajectories = `
name: pair
description: "two trajectories touching a shared entity"
trajectories:
  - id: a
    steps:
      - type: trajectory_started
        refs: [api, db]
      - type: trajectory_ended
    outcomes:
      - kind: rollback
  - id: b
    steps:
      - type: trajectory_started
        refs: [api, cache]
      - type: entity_written
        refs: [db]
`

func TestRun_Passing(t *testing.T) {
	result := runYAML(t, twoTrajectories+`
assertions:
  - type: blast_radius
    entity: api
    include_outcomes: [rollback]
    expect: [db, cache]
  - type: edge_weight
    a: db
    b: api
    weight: 2
  - type: edge_weight
    a: cache
    b: db
    weight: 1
  - type: edge_weight
    a: cache
    b: nowhere
    weight: 0
  - type: chain_valid
    trajectory: b
`)
	assert.True(t, result.Pass, result.Errors)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 2, result.Stats.Trajectories)
	assert.Equal(t, 4, result.Stats.Steps)
	assert.Equal(t, 1, result.Stats.Outcomes)
	require.Len(t, result.Queries, 5)

	snap, ok := result.Queries[0].Result.(blastSnapshot)
	require.True(t, ok)
	require.Len(t, snap.Affected, 2)
	// db: weight 2 plus P(rollback|db) = 1/2; cache: weight 1, never rolled back.
	assert.InDelta(t, 2.5, snap.Affected[0].ImpactScore, 1e-9)
	assert.InDelta(t, 1.0, snap.Affected[1].ImpactScore, 1e-9)

	assert.Nil(t, result.Queries[3].Result)
}

func TestRun_FailingAssertions(t *testing.T) {
	result := runYAML(t, twoTrajectories+`
assertions:
  - type: blast_radius
    entity: api
    expect: [cache, db]
  - type: blast_radius
    entity: api
    contains: [queue]
  - type: blast_radius
    entity: api
    excludes: [db]
  - type: blast_radius
    entity: api
    min_confidence: 0.5
  - type: edge_weight
    a: api
    b: db
    weight: 3
  - type: similar
    entities: [api]
    expect: [b]
`)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 6)
	assert.Contains(t, result.Errors[0], "Assertion 0 failed: blast_radius")
	assert.Contains(t, result.Errors[0], "exactly [cache db]")
	assert.Contains(t, result.Errors[1], "queue present")
	assert.Contains(t, result.Errors[2], "db absent")
	assert.Contains(t, result.Errors[3], "confidence >= 0.5")
	assert.Contains(t, result.Errors[4], "weight 2")
	assert.Contains(t, result.Errors[5], "[b a]")
}

func TestRun_ExpectError(t *testing.T) {
	result := runYAML(t, twoTrajectories+`
assertions:
  - type: blast_radius
    entity: api
    depth: 2
    expect_error: "depth > 1"
  - type: chain_valid
    trajectory: missing
    expect_error: "not found"
  - type: similar
    entities: [api]
    expect_error: "anything"
  - type: blast_radius
    entity: api
    depth: 2
`)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "Assertion 2 failed")
	assert.Contains(t, result.Errors[0], "no error")
	assert.Contains(t, result.Errors[1], "Assertion 3 failed")
	assert.Contains(t, result.Errors[1], "depth > 1")

	assert.Contains(t, result.Queries[0].Error, "depth > 1")
	assert.Nil(t, result.Queries[0].Result)
}

func TestRun_Deterministic(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/payments_orders.yaml")
	require.NoError(t, err)

	first, err := Run(context.Background(), s)
	require.NoError(t, err)
	second, err := Run(context.Background(), s)
	require.NoError(t, err)

	a, err := MarshalSnapshot(s.Name, first)
	require.NoError(t, err)
	b, err := MarshalSnapshot(s.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_Cancelled(t *testing.T) {
	s, err := ParseScenario([]byte(twoTrajectories + "assertions:\n  - type: chain_valid\n    trajectory: a\n"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Run(ctx, s)
	assert.ErrorIs(t, err, context.Canceled)
}
