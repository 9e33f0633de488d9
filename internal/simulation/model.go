// Package simulation derives analytics from the trajectory log.
//
// A Model holds three projections rebuilt from zero by replaying every step
// and outcome: entity co-occurrence edges, structural signatures of step-type
// sequences, and outcome-correlation counts. A Model is never persisted as a
// source of truth and is immutable once built, so any number of queries may
// run against it concurrently.
package simulation

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/roach88/ledger/internal/ir"
	"github.com/roach88/ledger/internal/store"
)

var tracer = otel.Tracer("github.com/roach88/ledger/internal/simulation")

// Source replays the trajectory log. Lines that do not decode are yielded as
// *store.CorruptLineError and skipped; any other error aborts the rebuild.
type Source interface {
	ReplaySteps(ctx context.Context) iter.Seq2[ir.Step, error]
	ReplayOutcomes(ctx context.Context) iter.Seq2[ir.Outcome, error]
}

// Edge is an undirected co-occurrence between two entities, A < B.
type Edge struct {
	A             string   `json:"a"`
	B             string   `json:"b"`
	Weight        int      `json:"weight"`
	TrajectoryIDs []string `json:"trajectory_ids"`
}

// Stats counts what a rebuild consumed.
type Stats struct {
	Trajectories int `json:"trajectories"`
	Steps        int `json:"steps"`
	Outcomes     int `json:"outcomes"`
	Skipped      int `json:"skipped"`
}

type pair struct{ a, b string }

func makePair(x, y string) pair {
	if x > y {
		x, y = y, x
	}
	return pair{x, y}
}

// counts tallies how many trajectories of a group saw each outcome kind.
type counts struct {
	trajectories int
	kinds        map[ir.OutcomeKind]int
}

func (c *counts) probability(k ir.OutcomeKind) float64 {
	if c == nil || c.trajectories == 0 {
		return 0
	}
	return float64(c.kinds[k]) / float64(c.trajectories)
}

// Model is the rebuilt set of simulation projections.
type Model struct {
	edges     map[pair]*Edge
	neighbors map[string][]string

	// trajectory_id -> sorted entity ids, and -> signature
	entities   map[string][]string
	signatures map[string]string

	entitySignatures map[string][]string
	signatureMembers map[string][]string

	byEntity  map[string]*counts
	byPattern map[string]*counts

	stats Stats
}

type options struct {
	logger *slog.Logger
}

// Option configures Rebuild.
type Option func(*options)

// WithLogger sets the logger that reports skipped records.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Rebuild replays src from the beginning into a fresh Model.
func Rebuild(ctx context.Context, src Source, opts ...Option) (*Model, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := tracer.Start(ctx, "simulation.Rebuild")
	defer span.End()

	m, err := rebuild(ctx, src, o.logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("simulation.trajectories", m.stats.Trajectories),
		attribute.Int("simulation.steps", m.stats.Steps),
		attribute.Int("simulation.outcomes", m.stats.Outcomes),
		attribute.Int("simulation.skipped", m.stats.Skipped),
		attribute.Int("simulation.edges", len(m.edges)),
	)
	return m, nil
}

func rebuild(ctx context.Context, src Source, logger *slog.Logger) (*Model, error) {
	m := &Model{
		edges:            make(map[pair]*Edge),
		neighbors:        make(map[string][]string),
		entities:         make(map[string][]string),
		signatures:       make(map[string]string),
		entitySignatures: make(map[string][]string),
		signatureMembers: make(map[string][]string),
		byEntity:         make(map[string]*counts),
		byPattern:        make(map[string]*counts),
	}

	skip := func(what string, err error) bool {
		var ce *store.CorruptLineError
		if errors.As(err, &ce) || ir.IsValidationError(err) {
			m.stats.Skipped++
			logger.Warn("simulation: skipping malformed record", "record", what, "error", err)
			return true
		}
		return false
	}

	byTrajectory := make(map[string][]ir.Step)
	for s, err := range src.ReplaySteps(ctx) {
		if err == nil {
			err = ir.ValidateStep(s)
		}
		if err != nil {
			if skip("step", err) {
				continue
			}
			return nil, fmt.Errorf("rebuild simulation: %w", err)
		}
		m.stats.Steps++
		byTrajectory[s.TrajectoryID] = append(byTrajectory[s.TrajectoryID], s)
	}

	ids := make([]string, 0, len(byTrajectory))
	for id := range byTrajectory {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		m.addTrajectory(id, byTrajectory[id])
	}
	m.stats.Trajectories = len(ids)

	seen := make(map[string]map[ir.OutcomeKind]bool)
	for o, err := range src.ReplayOutcomes(ctx) {
		if err == nil {
			err = ir.ValidateOutcome(o)
		}
		if err != nil {
			if skip("outcome", err) {
				continue
			}
			return nil, fmt.Errorf("rebuild simulation: %w", err)
		}
		m.stats.Outcomes++
		if _, ok := m.signatures[o.TrajectoryID]; !ok {
			continue
		}
		if seen[o.TrajectoryID] == nil {
			seen[o.TrajectoryID] = make(map[ir.OutcomeKind]bool)
		}
		if seen[o.TrajectoryID][o.Kind] {
			continue
		}
		seen[o.TrajectoryID][o.Kind] = true
		for _, e := range m.entities[o.TrajectoryID] {
			m.byEntity[e].kinds[o.Kind]++
		}
		m.byPattern[m.signatures[o.TrajectoryID]].kinds[o.Kind]++
	}

	for e := range m.neighbors {
		slices.Sort(m.neighbors[e])
	}
	return m, nil
}

func (m *Model) addTrajectory(id string, steps []ir.Step) {
	slices.SortStableFunc(steps, func(a, b ir.Step) int {
		return cmp.Compare(a.StepSeq, b.StepSeq)
	})

	var entities []string
	for _, s := range steps {
		for _, e := range s.EntityIDs() {
			if !slices.Contains(entities, e) {
				entities = append(entities, e)
			}
		}
	}
	slices.Sort(entities)
	m.entities[id] = entities

	sig := Signature(steps)
	m.signatures[id] = sig
	m.signatureMembers[sig] = appendUnique(m.signatureMembers[sig], entities...)
	group(m.byPattern, sig).trajectories++

	for i, a := range entities {
		m.entitySignatures[a] = appendUnique(m.entitySignatures[a], sig)
		group(m.byEntity, a).trajectories++
		for _, b := range entities[i+1:] {
			p := makePair(a, b)
			edge, ok := m.edges[p]
			if !ok {
				edge = &Edge{A: p.a, B: p.b}
				m.edges[p] = edge
				m.neighbors[a] = append(m.neighbors[a], b)
				m.neighbors[b] = append(m.neighbors[b], a)
			}
			edge.Weight++
			edge.TrajectoryIDs = append(edge.TrajectoryIDs, id)
		}
	}
}

func group(m map[string]*counts, key string) *counts {
	c, ok := m[key]
	if !ok {
		c = &counts{kinds: make(map[ir.OutcomeKind]int)}
		m[key] = c
	}
	return c
}

func appendUnique(list []string, items ...string) []string {
	for _, it := range items {
		if !slices.Contains(list, it) {
			list = append(list, it)
		}
	}
	slices.Sort(list)
	return list
}

// Signature fingerprints the ordered step-type sequence of one trajectory.
// Semantic overlay steps are ignored and consecutive repeats collapse, so
// retries of the same tool call do not change the shape.
func Signature(steps []ir.Step) string {
	return ir.MustContentHash(ir.DomainSignature, Shape(steps))
}

// Shape is the normalized step-type sequence a Signature hashes.
func Shape(steps []ir.Step) []string {
	shape := []string{}
	for _, s := range steps {
		if s.StepType.Semantic() {
			continue
		}
		t := string(s.StepType)
		if len(shape) > 0 && shape[len(shape)-1] == t {
			continue
		}
		shape = append(shape, t)
	}
	return shape
}

// Stats reports what the rebuild consumed.
func (m *Model) Stats() Stats {
	return m.stats
}

// Edges returns every co-occurrence edge sorted by A then B.
func (m *Model) Edges() []Edge {
	out := make([]Edge, 0, len(m.edges))
	for _, e := range m.edges {
		out = append(out, cloneEdge(e))
	}
	slices.SortFunc(out, func(x, y Edge) int {
		return cmp.Or(cmp.Compare(x.A, y.A), cmp.Compare(x.B, y.B))
	})
	return out
}

// Edge returns the co-occurrence edge between two entities.
func (m *Model) Edge(a, b string) (Edge, bool) {
	e, ok := m.edges[makePair(a, b)]
	if !ok {
		return Edge{}, false
	}
	return cloneEdge(e), true
}

func cloneEdge(e *Edge) Edge {
	c := *e
	c.TrajectoryIDs = slices.Clone(e.TrajectoryIDs)
	return c
}

// TrajectorySignature returns the signature of a trajectory.
func (m *Model) TrajectorySignature(trajectoryID string) (string, bool) {
	sig, ok := m.signatures[trajectoryID]
	return sig, ok
}

// EntitiesWithSignature returns the entities seen in trajectories of a signature.
func (m *Model) EntitiesWithSignature(sig string) []string {
	return slices.Clone(m.signatureMembers[sig])
}

// OutcomeProbability is P(kind | entity): the share of trajectories touching
// entity that recorded at least one outcome of kind.
func (m *Model) OutcomeProbability(entity string, kind ir.OutcomeKind) float64 {
	return m.byEntity[entity].probability(kind)
}

// PatternProbability is P(kind | signature).
func (m *Model) PatternProbability(sig string, kind ir.OutcomeKind) float64 {
	return m.byPattern[sig].probability(kind)
}
