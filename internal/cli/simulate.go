package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ledger/internal/ir"
	"github.com/roach88/ledger/internal/simulation"
)

// SimulateOptions holds flags for the simulate commands.
type SimulateOptions struct {
	*RootOptions

	// blast-radius
	Depth     int
	MinWeight int
	Outcomes  []string

	// similar
	Limit         int
	MinSimilarity float64

	// Record appends the result to the artifacts log.
	Record bool
}

// SimulationOutput is a query result plus the artifact it was recorded as.
type SimulationOutput struct {
	Stats      simulation.Stats `json:"stats"`
	Result     any              `json:"result"`
	ArtifactID string           `json:"artifact_id,omitempty"`
}

// NewSimulateCommand creates the simulate command group.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Query the simulation model built from trajectories",
	}

	blast := &cobra.Command{
		Use:   "blast-radius <entity>",
		Short: "Rank entities likely affected by a change to <entity>",
		Long: `Rank the entities that co-occur with <entity> in trajectories.

Impact is the co-occurrence weight plus, for each --outcome kind, the share of
the neighbour's trajectories that recorded that outcome.

Examples:
  ledger simulate blast-radius payments
  ledger simulate blast-radius payments --outcome incident --outcome rollback
  ledger simulate blast-radius payments --min-weight 3 --record`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBlastRadius(opts, args[0], cmd)
		},
	}
	blast.Flags().IntVar(&opts.Depth, "depth", 1, "neighbourhood depth (only 1 is supported)")
	blast.Flags().IntVar(&opts.MinWeight, "min-weight", 1, "minimum co-occurrence weight")
	blast.Flags().StringSliceVar(&opts.Outcomes, "outcome", nil, "outcome kinds to weigh in (repeatable)")
	blast.Flags().BoolVar(&opts.Record, "record", false, "record the result in the artifacts log")

	similar := &cobra.Command{
		Use:   "similar <entity>...",
		Short: "Find past trajectories similar to work on the given entities",
		Args:  cobra.MinimumNArgs(1),
		Long: `Find past trajectories that touched the given entities, or entities that
appeared in trajectories of the same shape.

Examples:
  ledger simulate similar payments orders
  ledger simulate similar payments --limit 5 --min-similarity 0.5`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimilar(opts, args, cmd)
		},
	}
	similar.Flags().IntVar(&opts.Limit, "limit", simulation.DefaultSimilarLimit, "maximum matches")
	similar.Flags().Float64Var(&opts.MinSimilarity, "min-similarity", 0, "minimum similarity in [0, 1]")
	similar.Flags().BoolVar(&opts.Record, "record", false, "record the result in the artifacts log")

	cmd.AddCommand(blast, similar)
	return cmd
}

func runBlastRadius(opts *SimulateOptions, entity string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	kinds := make([]ir.OutcomeKind, len(opts.Outcomes))
	for i, k := range opts.Outcomes {
		kinds[i] = ir.OutcomeKind(k)
	}
	query := simulation.BlastRadiusOptions{Depth: opts.Depth, MinWeight: opts.MinWeight, IncludeOutcomes: kinds}

	ws, model, err := openModel(opts.RootOptions, cmd, f)
	if err != nil {
		return err
	}
	res, err := model.BlastRadius(entity, query)
	if errors.Is(err, simulation.ErrDepthUnsupported) {
		return f.Fatal(ExitCommandError, ErrCodeInvalidArgs, "unsupported --depth", err)
	}
	if err != nil {
		return f.Fatal(ExitCommandError, ErrCodeInvalidArgs, "invalid query", err)
	}

	out := SimulationOutput{Stats: model.Stats(), Result: res}
	if opts.Record {
		a, err := simulation.RecordArtifact(cmd.Context(), ws.logs.Artifacts, simulation.ArtifactBlastRadius,
			map[string]any{"entity_ref": entity, "options": query}, res, time.Now())
		if err != nil {
			return f.Fatal(ExitCommandError, ErrCodeStorage, "failed to record artifact", err)
		}
		out.ArtifactID = a.ArtifactID
	}

	if f.JSON() {
		return f.Success(out)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Blast radius of %s (confidence %.3f, %d trajectories)\n", entity, res.Confidence, out.Stats.Trajectories)
	if len(res.AffectedEntities) == 0 {
		fmt.Fprintln(w, "  no co-occurring entities")
	}
	for _, imp := range res.AffectedEntities {
		fmt.Fprintf(w, "  %-24s score %7.3f  weight %d", imp.EntityRef, imp.ImpactScore, imp.Weight)
		for _, k := range kinds {
			fmt.Fprintf(w, "  P(%s)=%.2f", k, imp.Outcomes[k])
		}
		fmt.Fprintln(w)
	}
	printArtifact(cmd, out.ArtifactID)
	return nil
}

func runSimilar(opts *SimulateOptions, entities []string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	query := simulation.SimilarOptions{Limit: opts.Limit, MinSimilarity: opts.MinSimilarity}

	ws, model, err := openModel(opts.RootOptions, cmd, f)
	if err != nil {
		return err
	}
	res, err := model.SimilarTrajectories(entities, query)
	if err != nil {
		return f.Fatal(ExitCommandError, ErrCodeInvalidArgs, "invalid query", err)
	}

	out := SimulationOutput{Stats: model.Stats(), Result: res}
	if opts.Record {
		a, err := simulation.RecordArtifact(cmd.Context(), ws.logs.Artifacts, simulation.ArtifactSimilar,
			map[string]any{"entity_refs": entities, "options": query}, res, time.Now())
		if err != nil {
			return f.Fatal(ExitCommandError, ErrCodeStorage, "failed to record artifact", err)
		}
		out.ArtifactID = a.ArtifactID
	}

	if f.JSON() {
		return f.Success(out)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Trajectories similar to %s (confidence %.3f)\n", strings.Join(res.EntityRefs, ", "), res.Confidence)
	if len(res.Matches) == 0 {
		fmt.Fprintln(w, "  no matches")
	}
	for _, m := range res.Matches {
		fmt.Fprintf(w, "  %-24s score %d  similarity %.2f  [%s]\n", m.TrajectoryID, m.Score, m.Similarity, strings.Join(m.MatchedEntities, ", "))
	}
	printArtifact(cmd, out.ArtifactID)
	return nil
}

func openModel(opts *RootOptions, cmd *cobra.Command, f *OutputFormatter) (*workspace, *simulation.Model, error) {
	ws, err := openWorkspace(opts, cmd)
	if err != nil {
		return nil, nil, err
	}
	model, err := simulation.Rebuild(cmd.Context(), ws.trajectories(), simulation.WithLogger(ws.logger))
	if err != nil {
		return nil, nil, f.Fatal(ExitCommandError, ErrCodeStorage, "failed to build simulation model", err)
	}
	if st := model.Stats(); st.Skipped > 0 {
		f.VerboseLog("skipped %d malformed record(s)", st.Skipped)
	}
	return ws, model, nil
}

func printArtifact(cmd *cobra.Command, id string) {
	if id != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "recorded artifact %s\n", id)
	}
}
