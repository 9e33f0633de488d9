package simulation

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledger/internal/store"
	"github.com/roach88/ledger/internal/testutil"
)

func TestRecordArtifact(t *testing.T) {
	f := newFixture(t)
	f.add(t, "t1", deployShape, "service:payments", "service:orders")
	m := f.model(t)

	lg, err := store.OpenLog(filepath.Join(t.TempDir(), store.ArtifactsFile), store.WithoutSync())
	require.NoError(t, err)
	ctx := context.Background()

	query := BlastRadiusOptions{Depth: 1}
	res, err := m.BlastRadius("service:payments", query)
	require.NoError(t, err)

	a1, err := RecordArtifact(ctx, lg, ArtifactBlastRadius, query, res, testutil.Epoch)
	require.NoError(t, err)
	a2, err := RecordArtifact(ctx, lg, ArtifactBlastRadius, query, res, testutil.Epoch.Add(1))
	require.NoError(t, err)
	assert.Equal(t, a1.ArtifactID, a2.ArtifactID)
	assert.Len(t, a1.ArtifactID, 64)

	other, err := RecordArtifact(ctx, lg, ArtifactSimilar, query, res, testutil.Epoch)
	require.NoError(t, err)
	assert.NotEqual(t, a1.ArtifactID, other.ArtifactID)

	var kinds []string
	require.NoError(t, store.ScanRecords(ctx, lg, func(a Artifact) error {
		kinds = append(kinds, a.Kind)
		return nil
	}))
	assert.Equal(t, []string{ArtifactBlastRadius, ArtifactBlastRadius, ArtifactSimilar}, kinds)

	_, err = RecordArtifact(ctx, lg, "", nil, nil, testutil.Epoch)
	assert.Error(t, err)
}
