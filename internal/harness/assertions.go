package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/ledger/internal/simulation"
	"github.com/roach88/ledger/internal/trajectory"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Index    int    // Position in the scenario's assertion list
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion %d failed: %s\n", e.Index, e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

type impactSnapshot struct {
	EntityRef     string   `json:"entity_ref"`
	ImpactScore   float64  `json:"impact_score"`
	Weight        int      `json:"weight"`
	TrajectoryIDs []string `json:"trajectory_ids"`
}

type blastSnapshot struct {
	EntityRef  string           `json:"entity_ref"`
	Affected   []impactSnapshot `json:"affected"`
	Confidence float64          `json:"confidence"`
}

type matchSnapshot struct {
	TrajectoryID    string   `json:"trajectory_id"`
	Score           int      `json:"score"`
	Similarity      float64  `json:"similarity"`
	MatchedEntities []string `json:"matched_entities"`
}

type similarSnapshot struct {
	EntityRefs []string        `json:"entity_refs"`
	Matches    []matchSnapshot `json:"matches"`
	Confidence float64         `json:"confidence"`
}

type candidateSnapshot struct {
	TrajectoryID string                 `json:"trajectory_id"`
	Reason       trajectory.PruneReason `json:"reason"`
}

// evaluate runs every assertion, records its query on result and returns
// the failure messages.
func (h *Harness) evaluate(ctx context.Context, assertions []Assertion, result *Result) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertBlastRadius:
			err = h.assertBlastRadius(i, a, result)
		case AssertSimilar:
			err = h.assertSimilar(i, a, result)
		case AssertEdgeWeight:
			err = h.assertEdgeWeight(i, a, result)
		case AssertChainValid:
			err = h.assertChainValid(ctx, i, a, result)
		case AssertPrunable:
			err = h.assertPrunable(ctx, i, a, result)
		default:
			err = &AssertionError{Index: i, Type: a.Type, Expected: "known assertion type", Actual: a.Type}
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

// checkError reconciles a query error with ExpectError. It returns done=true
// when there is nothing left to check.
func checkError(i int, a Assertion, err error) (done bool, failure error) {
	switch {
	case a.ExpectError != "" && err == nil:
		return true, &AssertionError{Index: i, Type: a.Type, Expected: fmt.Sprintf("error containing %q", a.ExpectError), Actual: "no error"}
	case a.ExpectError != "" && !strings.Contains(err.Error(), a.ExpectError):
		return true, &AssertionError{Index: i, Type: a.Type, Expected: fmt.Sprintf("error containing %q", a.ExpectError), Actual: err.Error()}
	case a.ExpectError != "":
		return true, nil
	case err != nil:
		return true, &AssertionError{Index: i, Type: a.Type, Expected: "no error", Actual: err.Error()}
	}
	return false, nil
}

// checkIDs applies Expect, Contains, Excludes and MinConfidence.
func checkIDs(i int, a Assertion, ids []string, confidence float64) error {
	fail := func(expected, actual string) error {
		return &AssertionError{Index: i, Type: a.Type, Expected: expected, Actual: actual}
	}
	if a.Expect != nil && !slices.Equal(a.Expect, ids) {
		return fail(fmt.Sprintf("exactly %v", a.Expect), fmt.Sprintf("%v", ids))
	}
	for _, want := range a.Contains {
		if !slices.Contains(ids, want) {
			return fail(fmt.Sprintf("%s present", want), fmt.Sprintf("%v", ids))
		}
	}
	for _, unwanted := range a.Excludes {
		if slices.Contains(ids, unwanted) {
			return fail(fmt.Sprintf("%s absent", unwanted), fmt.Sprintf("%v", ids))
		}
	}
	if confidence < a.MinConfidence {
		return fail(fmt.Sprintf("confidence >= %g", a.MinConfidence), fmt.Sprintf("%g", confidence))
	}
	return nil
}

func (h *Harness) assertBlastRadius(i int, a Assertion, result *Result) error {
	res, err := h.model.BlastRadius(a.Entity, simulation.BlastRadiusOptions{
		Depth:           a.Depth,
		MinWeight:       a.MinWeight,
		IncludeOutcomes: a.IncludeOutcomes,
	})
	if err != nil {
		result.record(i, a.Type, nil, err)
	} else {
		snap := blastSnapshot{EntityRef: res.EntityRef, Affected: []impactSnapshot{}, Confidence: res.Confidence}
		for _, imp := range res.AffectedEntities {
			snap.Affected = append(snap.Affected, impactSnapshot{
				EntityRef:     imp.EntityRef,
				ImpactScore:   imp.ImpactScore,
				Weight:        imp.Weight,
				TrajectoryIDs: imp.TrajectoryIDs,
			})
		}
		result.record(i, a.Type, snap, nil)
	}
	if done, failure := checkError(i, a, err); done {
		return failure
	}

	ids := make([]string, len(res.AffectedEntities))
	for k, imp := range res.AffectedEntities {
		ids[k] = imp.EntityRef
	}
	return checkIDs(i, a, ids, res.Confidence)
}

func (h *Harness) assertSimilar(i int, a Assertion, result *Result) error {
	res, err := h.model.SimilarTrajectories(a.Entities, simulation.SimilarOptions{
		Limit:         a.Limit,
		MinSimilarity: a.MinSimilarity,
	})
	if err != nil {
		result.record(i, a.Type, nil, err)
	} else {
		snap := similarSnapshot{EntityRefs: res.EntityRefs, Matches: []matchSnapshot{}, Confidence: res.Confidence}
		for _, m := range res.Matches {
			snap.Matches = append(snap.Matches, matchSnapshot{
				TrajectoryID:    m.TrajectoryID,
				Score:           m.Score,
				Similarity:      m.Similarity,
				MatchedEntities: m.MatchedEntities,
			})
		}
		result.record(i, a.Type, snap, nil)
	}
	if done, failure := checkError(i, a, err); done {
		return failure
	}

	ids := make([]string, len(res.Matches))
	for k, m := range res.Matches {
		ids[k] = m.TrajectoryID
	}
	return checkIDs(i, a, ids, res.Confidence)
}

func (h *Harness) assertEdgeWeight(i int, a Assertion, result *Result) error {
	edge, ok := h.model.Edge(a.A, a.B)
	if ok {
		result.record(i, a.Type, edge, nil)
	} else {
		result.record(i, a.Type, nil, nil)
	}
	if edge.Weight != a.Weight {
		return &AssertionError{
			Index:    i,
			Type:     a.Type,
			Expected: fmt.Sprintf("%s -- %s weight %d", a.A, a.B, a.Weight),
			Actual:   fmt.Sprintf("weight %d", edge.Weight),
		}
	}
	return nil
}

func (h *Harness) assertChainValid(ctx context.Context, i int, a Assertion, result *Result) error {
	err := h.log.Verify(ctx, a.Trajectory)
	result.record(i, a.Type, map[string]any{"trajectory_id": a.Trajectory}, err)
	_, failure := checkError(i, a, err)
	return failure
}

func (h *Harness) assertPrunable(ctx context.Context, i int, a Assertion, result *Result) error {
	policy := trajectory.DefaultRetentionPolicy()
	if a.Retention != nil {
		policy = *a.Retention
	}
	cands, err := h.log.IdentifyPrunable(ctx, policy, a.Now)
	if err != nil {
		result.record(i, a.Type, nil, err)
	} else {
		snap := make([]candidateSnapshot, len(cands))
		for k, c := range cands {
			snap[k] = candidateSnapshot{TrajectoryID: c.TrajectoryID, Reason: c.Reason}
		}
		result.record(i, a.Type, snap, nil)
	}
	if done, failure := checkError(i, a, err); done {
		return failure
	}

	ids := make([]string, len(cands))
	for k, c := range cands {
		ids[k] = c.TrajectoryID
	}
	return checkIDs(i, a, ids, 0)
}
