package simulation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledger/internal/ir"
)

func impactRefs(r BlastRadius) []string {
	out := make([]string, len(r.AffectedEntities))
	for i, imp := range r.AffectedEntities {
		out[i] = imp.EntityRef
	}
	return out
}

func TestBlastRadius_PaymentsOrders(t *testing.T) {
	f := newFixture(t)
	f.add(t, "t1", deployShape, "service:payments", "service:orders")
	f.add(t, "t2", deployShape, "service:payments", "service:orders")

	res, err := f.model(t).BlastRadius("service:payments", BlastRadiusOptions{})
	require.NoError(t, err)
	require.Len(t, res.AffectedEntities, 1)

	imp := res.AffectedEntities[0]
	assert.Equal(t, "service:orders", imp.EntityRef)
	assert.Greater(t, imp.ImpactScore, 0.0)
	assert.Equal(t, 2, imp.Weight)
	assert.Equal(t, []string{"t1", "t2"}, imp.TrajectoryIDs)
	assert.InDelta(t, 1.0/11, res.Confidence, 1e-9)
}

func TestBlastRadius_OutcomesShiftRanking(t *testing.T) {
	f := newFixture(t)
	f.add(t, "t1", deployShape, "api", "cache")
	f.add(t, "t2", deployShape, "api", "billing")
	f.add(t, "t3", deployShape, "billing")
	f.outcome(t, "t3", ir.OutcomeIncident)
	m := f.model(t)

	plain, err := m.BlastRadius("api", BlastRadiusOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"billing", "cache"}, impactRefs(plain))
	assert.Nil(t, plain.AffectedEntities[0].Outcomes)

	withOutcomes, err := m.BlastRadius("api", BlastRadiusOptions{
		IncludeOutcomes: []ir.OutcomeKind{ir.OutcomeIncident, ir.OutcomeRollback},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"billing", "cache"}, impactRefs(withOutcomes))
	billing := withOutcomes.AffectedEntities[0]
	assert.InDelta(t, 1.5, billing.ImpactScore, 1e-9)
	assert.InDelta(t, 0.5, billing.Outcomes[ir.OutcomeIncident], 1e-9)
	assert.Zero(t, billing.Outcomes[ir.OutcomeRollback])

	// Scores 1.5 and 1.0: variance 0.0625.
	assert.InDelta(t, 2.0/12*(1-0.0625), withOutcomes.Confidence, 1e-9)
}

func TestBlastRadius_TieBreaksByEntityRef(t *testing.T) {
	f := newFixture(t)
	f.add(t, "t1", deployShape, "hub", "zeta", "alpha", "mid")
	res, err := f.model(t).BlastRadius("hub", BlastRadiusOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, impactRefs(res))
	assert.InDelta(t, 3.0/13, res.Confidence, 1e-9)
}

func TestBlastRadius_MinWeightAndVariance(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"t1", "t2", "t3"} {
		f.add(t, id, deployShape, "core", "heavy")
	}
	f.add(t, "t4", deployShape, "core", "light")
	m := f.model(t)

	all, err := m.BlastRadius("core", BlastRadiusOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"heavy", "light"}, impactRefs(all))
	// Scores 3 and 1 have variance 1, which zeroes confidence.
	assert.Zero(t, all.Confidence)

	strong, err := m.BlastRadius("core", BlastRadiusOptions{MinWeight: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"heavy"}, impactRefs(strong))
}

func TestBlastRadius_Errors(t *testing.T) {
	f := newFixture(t)
	f.add(t, "t1", deployShape, "a", "b")
	m := f.model(t)

	_, err := m.BlastRadius("a", BlastRadiusOptions{Depth: 2})
	assert.ErrorIs(t, err, ErrDepthUnsupported)

	_, err = m.BlastRadius("a", BlastRadiusOptions{MinWeight: -1})
	assert.Error(t, err)

	_, err = m.BlastRadius("a", BlastRadiusOptions{IncludeOutcomes: []ir.OutcomeKind{"meltdown"}})
	assert.ErrorContains(t, err, "unknown outcome kind")
}

func TestBlastRadius_UnknownEntity(t *testing.T) {
	res, err := newFixture(t).model(t).BlastRadius("ghost", BlastRadiusOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.AffectedEntities)
	assert.NotNil(t, res.AffectedEntities)
	assert.Zero(t, res.Confidence)
}

func seedSimilar(t *testing.T) *Model {
	t.Helper()
	other := []ir.StepType{ir.StepTrajectoryStarted, ir.StepEntityRead, ir.StepTrajectoryEnded}
	f := newFixture(t)
	f.add(t, "t1", deployShape, "payments", "orders")
	f.add(t, "t2", deployShape, "billing")
	f.add(t, "t3", other, "search")
	f.add(t, "t4", other, "billing", "search")
	return f.model(t)
}

func matchIDs(s Similar) []string {
	out := make([]string, len(s.Matches))
	for i, m := range s.Matches {
		out[i] = m.TrajectoryID
	}
	return out
}

func TestSimilarTrajectories(t *testing.T) {
	m := seedSimilar(t)

	res, err := m.SimilarTrajectories([]string{"payments"}, SimilarOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2", "t4"}, matchIDs(res))
	assert.Equal(t, 2, res.Matches[0].Score)
	assert.Equal(t, []string{"orders", "payments"}, res.Matches[0].MatchedEntities)
	assert.InDelta(t, 1.0, res.Matches[1].Similarity, 1e-9)
	assert.InDelta(t, 0.5, res.Matches[2].Similarity, 1e-9)
	assert.InDelta(t, 3.0/13, res.Confidence, 1e-9)

	sig, _ := m.TrajectorySignature("t1")
	assert.Equal(t, sig, res.Matches[1].Signature)
}

func TestSimilarTrajectories_Options(t *testing.T) {
	m := seedSimilar(t)

	res, err := m.SimilarTrajectories([]string{"payments"}, SimilarOptions{MinSimilarity: 0.6})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, matchIDs(res))

	res, err = m.SimilarTrajectories([]string{"payments"}, SimilarOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, matchIDs(res))
	assert.InDelta(t, 1.0/11, res.Confidence, 1e-9)

	res, err = m.SimilarTrajectories([]string{"nobody"}, SimilarOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Matches)
	assert.Zero(t, res.Confidence)

	_, err = m.SimilarTrajectories(nil, SimilarOptions{MinSimilarity: 2})
	assert.Error(t, err)
	_, err = m.SimilarTrajectories(nil, SimilarOptions{Limit: -1})
	assert.Error(t, err)
}

func TestSimilarTrajectories_DedupesQuery(t *testing.T) {
	m := seedSimilar(t)
	res, err := m.SimilarTrajectories([]string{"search", "search"}, SimilarOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"search"}, res.EntityRefs)
	// search's shape is shared with billing via t4.
	assert.Equal(t, []string{"t4", "t2", "t3"}, matchIDs(res))
}
