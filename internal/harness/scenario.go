package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/ledger/internal/ir"
	"github.com/roach88/ledger/internal/trajectory"
)

// Scenario defines an analytics scenario: a set of trajectories written to a
// fresh log, followed by assertions over the rebuilt simulation model and the
// retention planner.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Trajectories are appended in order before any assertion runs.
	Trajectories []TrajectorySpec `yaml:"trajectories"`

	// Assertions are evaluated in order against the rebuilt model.
	Assertions []Assertion `yaml:"assertions"`
}

// TrajectorySpec describes one trajectory. Steps are chained by the harness;
// the scenario never spells out hashes.
type TrajectorySpec struct {
	ID string `yaml:"id"`

	// Start is the timestamp of the first step. Defaults to one hour after the
	// previous trajectory's start, beginning at 2024-01-01T00:00:00Z.
	Start time.Time `yaml:"start,omitempty"`

	Steps    []StepSpec    `yaml:"steps"`
	Outcomes []OutcomeSpec `yaml:"outcomes,omitempty"`
}

// StepSpec is one step. Steps are one minute apart.
type StepSpec struct {
	Type ir.StepType `yaml:"type"`

	// Refs are entity IDs, recorded as observed entity refs.
	Refs []string `yaml:"refs,omitempty"`

	Payload map[string]any `yaml:"payload,omitempty"`
}

// OutcomeSpec attaches an outcome to its trajectory.
type OutcomeSpec struct {
	Kind     ir.OutcomeKind `yaml:"kind"`
	Severity int            `yaml:"severity,omitempty"`

	// At defaults to one minute after the trajectory's last step.
	At time.Time `yaml:"at,omitempty"`
}

// Assertion checks one query. Which fields apply depends on Type.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// blast_radius
	Entity          string           `yaml:"entity,omitempty"`
	Depth           int              `yaml:"depth,omitempty"`
	MinWeight       int              `yaml:"min_weight,omitempty"`
	IncludeOutcomes []ir.OutcomeKind `yaml:"include_outcomes,omitempty"`

	// similar
	Entities      []string `yaml:"entities,omitempty"`
	Limit         int      `yaml:"limit,omitempty"`
	MinSimilarity float64  `yaml:"min_similarity,omitempty"`

	// edge_weight
	A      string `yaml:"a,omitempty"`
	B      string `yaml:"b,omitempty"`
	Weight int    `yaml:"weight,omitempty"`

	// chain_valid
	Trajectory string `yaml:"trajectory,omitempty"`

	// prunable
	Now       time.Time                   `yaml:"now,omitempty"`
	Retention *trajectory.RetentionPolicy `yaml:"retention,omitempty"`

	// Expect is the exact ordered list of result IDs: entity refs for
	// blast_radius, trajectory IDs for similar and prunable.
	Expect []string `yaml:"expect,omitempty"`
	// Contains and Excludes are unordered membership checks on the same IDs.
	Contains []string `yaml:"contains,omitempty"`
	Excludes []string `yaml:"excludes,omitempty"`
	// MinConfidence bounds the query's confidence from below.
	MinConfidence float64 `yaml:"min_confidence,omitempty"`
	// ExpectError is a substring the query's error must contain.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Assertion type constants.
const (
	AssertBlastRadius = "blast_radius"
	AssertSimilar     = "similar"
	AssertEdgeWeight  = "edge_weight"
	AssertChainValid  = "chain_valid"
	AssertPrunable    = "prunable"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Trajectories) == 0 {
		return fmt.Errorf("trajectories list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	seen := make(map[string]bool)
	for i, tr := range s.Trajectories {
		if tr.ID == "" {
			return fmt.Errorf("trajectories[%d]: id is required", i)
		}
		if seen[tr.ID] {
			return fmt.Errorf("trajectories[%d]: duplicate id %q", i, tr.ID)
		}
		seen[tr.ID] = true
		if len(tr.Steps) == 0 {
			return fmt.Errorf("trajectories[%d]: steps list is required", i)
		}
		for j, st := range tr.Steps {
			if !st.Type.Valid() {
				return fmt.Errorf("trajectories[%d].steps[%d]: unknown step type %q", i, j, st.Type)
			}
		}
		for j, o := range tr.Outcomes {
			if !o.Kind.Valid() {
				return fmt.Errorf("trajectories[%d].outcomes[%d]: unknown outcome kind %q", i, j, o.Kind)
			}
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertBlastRadius:
		if a.Entity == "" {
			return fmt.Errorf("assertions[%d]: entity is required for blast_radius", index)
		}
	case AssertSimilar:
		if len(a.Entities) == 0 {
			return fmt.Errorf("assertions[%d]: entities list is required for similar", index)
		}
	case AssertEdgeWeight:
		if a.A == "" || a.B == "" {
			return fmt.Errorf("assertions[%d]: a and b are required for edge_weight", index)
		}
		if a.Weight < 0 {
			return fmt.Errorf("assertions[%d]: weight must be non-negative for edge_weight", index)
		}
	case AssertChainValid:
		if a.Trajectory == "" {
			return fmt.Errorf("assertions[%d]: trajectory is required for chain_valid", index)
		}
	case AssertPrunable:
		if a.Now.IsZero() {
			return fmt.Errorf("assertions[%d]: now is required for prunable", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
