package simulation

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/ledger/internal/ir"
)

// ErrDepthUnsupported is returned for blast-radius queries beyond direct neighbors.
var ErrDepthUnsupported = errors.New("blast radius: depth > 1 is not supported")

// DefaultSimilarLimit is the result cap of SimilarTrajectories when none is given.
const DefaultSimilarLimit = 10

// shrinkage is the pseudo-count in n/(n+shrinkage); ten results give 0.5.
const shrinkage = 10

// BlastRadiusOptions tunes BlastRadius. The zero value means depth 1 and
// min weight 1.
type BlastRadiusOptions struct {
	Depth           int              `json:"depth"`
	MinWeight       int              `json:"min_weight"`
	IncludeOutcomes []ir.OutcomeKind `json:"include_outcomes,omitempty"`
}

// Impact is one entity affected by a change to the queried entity.
type Impact struct {
	EntityRef     string                     `json:"entity_ref"`
	ImpactScore   float64                    `json:"impact_score"`
	Weight        int                        `json:"weight"`
	Outcomes      map[ir.OutcomeKind]float64 `json:"outcome_probabilities,omitempty"`
	TrajectoryIDs []string                   `json:"trajectory_ids"`
}

// BlastRadius is the result of a blast-radius query.
type BlastRadius struct {
	EntityRef        string   `json:"entity_ref"`
	AffectedEntities []Impact `json:"affected_entities"`
	Confidence       float64  `json:"confidence"`
}

// BlastRadius returns the direct co-occurrence neighbors of entity with edge
// weight at least MinWeight. Each neighbor scores its edge weight plus
// P(kind | neighbor) summed over IncludeOutcomes. Results are sorted by score
// descending, then entity ref.
func (m *Model) BlastRadius(entity string, opts BlastRadiusOptions) (BlastRadius, error) {
	if opts.Depth == 0 {
		opts.Depth = 1
	}
	if opts.Depth > 1 {
		return BlastRadius{}, ErrDepthUnsupported
	}
	if opts.Depth < 0 || opts.MinWeight < 0 {
		return BlastRadius{}, fmt.Errorf("blast radius: depth and min_weight must be >= 0")
	}
	if opts.MinWeight == 0 {
		opts.MinWeight = 1
	}
	for _, k := range opts.IncludeOutcomes {
		if !k.Valid() {
			return BlastRadius{}, fmt.Errorf("blast radius: unknown outcome kind %q", k)
		}
	}

	res := BlastRadius{EntityRef: entity, AffectedEntities: []Impact{}}
	for _, n := range m.neighbors[entity] {
		edge := m.edges[makePair(entity, n)]
		if edge.Weight < opts.MinWeight {
			continue
		}
		imp := Impact{
			EntityRef:     n,
			ImpactScore:   float64(edge.Weight),
			Weight:        edge.Weight,
			TrajectoryIDs: slices.Clone(edge.TrajectoryIDs),
		}
		if len(opts.IncludeOutcomes) > 0 {
			imp.Outcomes = make(map[ir.OutcomeKind]float64, len(opts.IncludeOutcomes))
			for _, k := range opts.IncludeOutcomes {
				p := m.OutcomeProbability(n, k)
				imp.Outcomes[k] = p
				imp.ImpactScore += p
			}
		}
		res.AffectedEntities = append(res.AffectedEntities, imp)
	}
	slices.SortFunc(res.AffectedEntities, func(a, b Impact) int {
		return cmp.Or(cmp.Compare(b.ImpactScore, a.ImpactScore), cmp.Compare(a.EntityRef, b.EntityRef))
	})

	scores := make([]float64, len(res.AffectedEntities))
	for i, imp := range res.AffectedEntities {
		scores[i] = imp.ImpactScore
	}
	res.Confidence = confidence(len(scores)) * max(1-variance(scores), 0)
	return res, nil
}

// SimilarOptions tunes SimilarTrajectories. A zero Limit means DefaultSimilarLimit.
type SimilarOptions struct {
	Limit         int     `json:"limit"`
	MinSimilarity float64 `json:"min_similarity"`
}

// Match is a trajectory similar to the queried entities.
type Match struct {
	TrajectoryID    string   `json:"trajectory_id"`
	Signature       string   `json:"signature"`
	Score           int      `json:"score"`
	Similarity      float64  `json:"similarity"`
	MatchedEntities []string `json:"matched_entities"`
}

// Similar is the result of a similar-trajectories query.
type Similar struct {
	EntityRefs []string `json:"entity_refs"`
	Matches    []Match  `json:"matches"`
	Confidence float64  `json:"confidence"`
}

// SimilarTrajectories finds trajectories analogous to work on entities.
//
// The match set is the queried entities plus every peer entity that appears
// in a trajectory sharing a signature with one of them. A trajectory scores
// the number of its entities in the match set; its similarity is that score
// over its entity count. Results are sorted by score descending, then
// trajectory_id, and cut at Limit.
func (m *Model) SimilarTrajectories(entities []string, opts SimilarOptions) (Similar, error) {
	if opts.Limit < 0 {
		return Similar{}, fmt.Errorf("similar trajectories: limit must be >= 0")
	}
	if opts.MinSimilarity < 0 || opts.MinSimilarity > 1 {
		return Similar{}, fmt.Errorf("similar trajectories: min_similarity must be between 0 and 1")
	}
	if opts.Limit == 0 {
		opts.Limit = DefaultSimilarLimit
	}

	targets := appendUnique(nil, entities...)
	matchSet := make(map[string]bool)
	for _, e := range targets {
		matchSet[e] = true
		for _, sig := range m.entitySignatures[e] {
			for _, peer := range m.signatureMembers[sig] {
				matchSet[peer] = true
			}
		}
	}

	res := Similar{EntityRefs: targets, Matches: []Match{}}
	for id, ents := range m.entities {
		if len(ents) == 0 {
			continue
		}
		var matched []string
		for _, e := range ents {
			if matchSet[e] {
				matched = append(matched, e)
			}
		}
		if len(matched) == 0 {
			continue
		}
		sim := float64(len(matched)) / float64(len(ents))
		if sim < opts.MinSimilarity {
			continue
		}
		res.Matches = append(res.Matches, Match{
			TrajectoryID:    id,
			Signature:       m.signatures[id],
			Score:           len(matched),
			Similarity:      sim,
			MatchedEntities: matched,
		})
	}
	slices.SortFunc(res.Matches, func(a, b Match) int {
		return cmp.Or(cmp.Compare(b.Score, a.Score), cmp.Compare(a.TrajectoryID, b.TrajectoryID))
	})
	if len(res.Matches) > opts.Limit {
		res.Matches = res.Matches[:opts.Limit]
	}
	res.Confidence = confidence(len(res.Matches))
	return res, nil
}

func confidence(n int) float64 {
	return float64(n) / float64(n+shrinkage)
}

// variance is the population variance; zero for fewer than two values.
func variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var v float64
	for _, x := range xs {
		v += (x - mean) * (x - mean)
	}
	return v / float64(len(xs))
}
