package simulation

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/ledger/internal/ir"
	"github.com/roach88/ledger/internal/store"
)

// Artifact kinds written by the query commands.
const (
	ArtifactBlastRadius = "blast_radius"
	ArtifactSimilar     = "similar_trajectories"
)

// Artifact is a derived query result kept in the artifacts log.
// ArtifactID hashes kind, query and result; the same answer to the same
// question always has the same ID.
type Artifact struct {
	ArtifactID string    `json:"artifact_id"`
	Kind       string    `json:"kind"`
	Query      any       `json:"query"`
	Result     any       `json:"result"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecordArtifact appends a query result to the artifacts log.
func RecordArtifact(ctx context.Context, lg *store.Log, kind string, query, result any, at time.Time) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	if kind == "" {
		return Artifact{}, fmt.Errorf("record artifact: kind required")
	}
	id, err := ir.ContentHash(ir.DomainArtifact, map[string]any{
		"kind":   kind,
		"query":  query,
		"result": result,
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("record artifact: %w", err)
	}
	a := Artifact{ArtifactID: id, Kind: kind, Query: query, Result: result, CreatedAt: at.UTC()}
	if err := lg.Append(a); err != nil {
		return Artifact{}, fmt.Errorf("record artifact: %w", err)
	}
	return a, nil
}
