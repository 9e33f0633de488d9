// Package harness runs analytics scenarios against the trajectory log and the
// simulation model.
//
// A scenario writes a set of trajectories to a fresh log, rebuilds the
// simulation model from it and checks assertions over the queries the model
// answers.
//
// # Scenario Format
//
//	name: payments_blast_radius
//	description: "payments and orders change together"
//	trajectories:
//	  - id: t1
//	    steps:
//	      - type: trajectory_started
//	        refs: [payments, orders]
//	      - type: trajectory_ended
//	    outcomes:
//	      - kind: incident
//	assertions:
//	  - type: blast_radius
//	    entity: payments
//	    include_outcomes: [incident]
//	    expect: [orders]
//	  - type: edge_weight
//	    a: payments
//	    b: orders
//	    weight: 1
//
// # Assertion Types
//
//   - blast_radius: ranks co-occurring entities for one entity
//   - similar: finds trajectories sharing entities or shape
//   - edge_weight: checks the co-occurrence count of one pair
//   - chain_valid: verifies a trajectory's hash chain
//   - prunable: lists retention candidates at a given time
//
// # Deterministic Testing
//
// Step timestamps derive from the scenario alone: trajectories start an hour
// apart from 2024-01-01T00:00:00Z and steps follow one minute apart. Query
// snapshots keep only hand-checkable fields, so golden files stay readable.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/payments.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(ctx, scenario)
package harness
