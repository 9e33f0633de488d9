package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledger/internal/ir"
)

func TestLoadScenario(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/payments_orders.yaml")
	require.NoError(t, err)

	assert.Equal(t, "payments_orders", s.Name)
	require.Len(t, s.Trajectories, 3)
	assert.Equal(t, ir.StepTrajectoryStarted, s.Trajectories[0].Steps[0].Type)
	assert.Equal(t, []string{"payments", "orders"}, s.Trajectories[0].Steps[0].Refs)
	assert.Equal(t, "migrate", s.Trajectories[0].Steps[1].Payload["tool"])
	assert.Equal(t, ir.OutcomeIncident, s.Trajectories[0].Outcomes[0].Kind)

	require.Len(t, s.Assertions, 6)
	last := s.Assertions[5]
	require.NotNil(t, last.Retention)
	assert.Equal(t, 1, last.Retention.MaxTrajectories)
	assert.Equal(t, 2024, last.Now.Year())
}

func TestLoadScenario_Missing(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "failed to read scenario file")
}

func TestParseScenario_Invalid(t *testing.T) {
	base := "name: x\ndescription: y\n"
	traj := "trajectories:\n  - id: t1\n    steps:\n      - type: trajectory_started\n"
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"unknown field", base + "assertion: []\n", "field assertion not found"},
		{"no name", "description: y\n" + traj + "assertions:\n  - type: chain_valid\n    trajectory: t1\n", "name is required"},
		{"no trajectories", base + "assertions:\n  - type: chain_valid\n    trajectory: t1\n", "trajectories list is required"},
		{"no assertions", base + traj, "assertions list is required"},
		{"bad step type", base + "trajectories:\n  - id: t1\n    steps:\n      - type: teleport\n" +
			"assertions:\n  - type: chain_valid\n    trajectory: t1\n", "unknown step type"},
		{"duplicate id", base + traj + "  - id: t1\n    steps:\n      - type: trajectory_started\n" +
			"assertions:\n  - type: chain_valid\n    trajectory: t1\n", "duplicate id"},
		{"bad outcome", base + traj + "    outcomes:\n      - kind: meltdown\n" +
			"assertions:\n  - type: chain_valid\n    trajectory: t1\n", "unknown outcome kind"},
		{"unknown assertion", base + traj + "assertions:\n  - type: vibes\n", "unknown assertion type"},
		{"blast radius without entity", base + traj + "assertions:\n  - type: blast_radius\n", "entity is required"},
		{"similar without entities", base + traj + "assertions:\n  - type: similar\n", "entities list is required"},
		{"edge without pair", base + traj + "assertions:\n  - type: edge_weight\n    a: x\n", "a and b are required"},
		{"prunable without now", base + traj + "assertions:\n  - type: prunable\n", "now is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func writeScenario(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
