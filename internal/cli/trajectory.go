package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ledger/internal/ir"
	"github.com/roach88/ledger/internal/trajectory"
)

// TrajectoryOptions holds flags for the trajectory commands.
type TrajectoryOptions struct {
	*RootOptions

	// list
	Entity   string
	StepType string
	Command  string
	Kind     string
	Limit    int
	Cursor   string
	Desc     bool

	// prune
	Apply bool
	Now   string
}

// TrajectoryView is one trajectory with its outcomes and chain status.
type TrajectoryView struct {
	TrajectoryID string       `json:"trajectory_id"`
	Steps        []ir.Step    `json:"steps"`
	Outcomes     []ir.Outcome `json:"outcomes"`
	ChainValid   bool         `json:"chain_valid"`
	ChainError   string       `json:"chain_error,omitempty"`
}

// VerifyResult reports the chain status of each checked trajectory.
type VerifyResult struct {
	Checked int           `json:"checked"`
	Broken  []BrokenChain `json:"broken"`
}

// BrokenChain names a trajectory whose chain failed verification.
type BrokenChain struct {
	TrajectoryID string `json:"trajectory_id"`
	Error        string `json:"error"`
}

// PruneReport lists retention candidates and, with --apply, what was removed.
type PruneReport struct {
	Now        time.Time              `json:"now"`
	Candidates []trajectory.Candidate `json:"candidates"`
	Applied    bool                   `json:"applied"`
	Removed    trajectory.PruneResult `json:"removed"`
}

// NewTrajectoryCommand creates the trajectory command group.
func NewTrajectoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TrajectoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trajectory",
		Short: "Inspect, verify and prune trajectories",
	}

	show := &cobra.Command{
		Use:           "show <trajectory_id>",
		Short:         "Show a trajectory's steps, outcomes and chain status",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrajectoryShow(opts, args[0], cmd)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List trajectory summaries",
		Long: `List trajectory summaries ordered by start time.

Examples:
  ledger trajectory list --entity payments
  ledger trajectory list --step-type policy_gate_hit --desc
  ledger trajectory list --limit 10 --cursor <next_cursor>`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrajectoryList(opts, cmd)
		},
	}
	list.Flags().StringVar(&opts.Entity, "entity", "", "only trajectories referencing this entity")
	list.Flags().StringVar(&opts.StepType, "step-type", "", "only trajectories containing this step type")
	list.Flags().StringVar(&opts.Command, "command", "", "only trajectories caused by this command_id")
	list.Flags().StringVar(&opts.Kind, "kind", "", "only trajectories with an outcome of this kind")
	list.Flags().IntVar(&opts.Limit, "limit", trajectory.DefaultLimit, "page size")
	list.Flags().StringVar(&opts.Cursor, "cursor", "", "cursor from a previous page")
	list.Flags().BoolVar(&opts.Desc, "desc", false, "newest first")

	verify := &cobra.Command{
		Use:   "verify [trajectory_id...]",
		Short: "Verify hash chains",
		Long: `Verify the hash chain of the given trajectories, or of every trajectory.

Exit codes:
  0 - All chains intact
  1 - At least one chain is broken
  2 - Command error`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrajectoryVerify(opts, args, cmd)
		},
	}

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Apply the retention policy",
		Long: `List trajectories the configured retention policy allows to prune.
Nothing is deleted unless --apply is given.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrajectoryPrune(opts, cmd)
		},
	}
	prune.Flags().BoolVar(&opts.Apply, "apply", false, "delete the candidates")
	prune.Flags().StringVar(&opts.Now, "now", "", "evaluate retention as of this RFC 3339 time (default: current time)")

	cmd.AddCommand(show, list, verify, prune)
	return cmd
}

func runTrajectoryShow(opts *TrajectoryOptions, id string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	ws, err := openWorkspace(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	tl := ws.trajectories()
	ctx := cmd.Context()

	steps, err := tl.ReadTrajectory(ctx, id)
	if errors.Is(err, trajectory.ErrNotFound) {
		return f.Fatal(ExitCommandError, ErrCodeNotFound, "trajectory not found", err)
	}
	if err != nil {
		return f.Fatal(ExitCommandError, ErrCodeStorage, "failed to read trajectory", err)
	}
	outcomes, err := tl.OutcomesFor(ctx, id)
	if err != nil {
		return f.Fatal(ExitCommandError, ErrCodeStorage, "failed to read outcomes", err)
	}

	view := TrajectoryView{TrajectoryID: id, Steps: steps, Outcomes: outcomes, ChainValid: true}
	if outcomes == nil {
		view.Outcomes = []ir.Outcome{}
	}
	if err := trajectory.VerifyChain(steps); err != nil {
		view.ChainValid = false
		view.ChainError = err.Error()
	}

	if f.JSON() {
		return f.Success(view)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Trajectory %s (%d steps)\n", id, len(steps))
	for _, s := range steps {
		fmt.Fprintf(w, "  %3d  %s  %-26s %s", s.StepSeq, s.Timestamp.Format(time.RFC3339), s.StepType, shortHash(s.StepID))
		if ents := s.EntityIDs(); len(ents) > 0 {
			fmt.Fprintf(w, "  [%s]", strings.Join(ents, ", "))
		}
		fmt.Fprintln(w)
	}
	for _, o := range outcomes {
		fmt.Fprintf(w, "  outcome  %s  %s (severity %d)\n", o.Timestamp.Format(time.RFC3339), o.Kind, o.Severity)
	}
	if view.ChainValid {
		fmt.Fprintln(w, "✓ chain intact")
	} else {
		fmt.Fprintf(w, "✗ %s\n", view.ChainError)
	}
	return nil
}

func runTrajectoryList(opts *TrajectoryOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	if opts.StepType != "" && !ir.StepType(opts.StepType).Valid() {
		return f.Fail(ExitCommandError, ErrCodeInvalidArgs, fmt.Sprintf("unknown step type %q", opts.StepType), nil)
	}
	if opts.Kind != "" && !ir.OutcomeKind(opts.Kind).Valid() {
		return f.Fail(ExitCommandError, ErrCodeInvalidArgs, fmt.Sprintf("unknown outcome kind %q", opts.Kind), nil)
	}
	ws, err := openWorkspace(opts.RootOptions, cmd)
	if err != nil {
		return err
	}

	sort := trajectory.SortAsc
	if opts.Desc {
		sort = trajectory.SortDesc
	}
	page, err := ws.trajectories().ListTrajectories(cmd.Context(), trajectory.ListOptions{
		Filter: trajectory.Filter{
			EntityRef: opts.Entity,
			StepType:  ir.StepType(opts.StepType),
			CommandID: opts.Command,
			Kind:      ir.OutcomeKind(opts.Kind),
		},
		Limit:  opts.Limit,
		Sort:   sort,
		Cursor: opts.Cursor,
	})
	if errors.Is(err, trajectory.ErrInvalidCursor) {
		return f.Fatal(ExitCommandError, ErrCodeInvalidArgs, "invalid --cursor", err)
	}
	if err != nil {
		return f.Fatal(ExitCommandError, ErrCodeStorage, "failed to list trajectories", err)
	}
	if page.Items == nil {
		page.Items = []trajectory.Summary{}
	}

	if f.JSON() {
		return f.Success(page)
	}
	w := cmd.OutOrStdout()
	if len(page.Items) == 0 {
		fmt.Fprintln(w, "No trajectories found.")
		return nil
	}
	for _, s := range page.Items {
		fmt.Fprintf(w, "%s  %-24s %3d steps  entities=%s", s.StartedAt.Format(time.RFC3339), s.TrajectoryID, s.StepCount, strings.Join(s.EntityRefs, ","))
		if len(s.Outcomes) > 0 {
			fmt.Fprintf(w, "  outcomes=%s", joinKinds(s.Outcomes))
		}
		fmt.Fprintln(w)
	}
	if page.NextCursor != "" {
		fmt.Fprintf(w, "next cursor: %s\n", page.NextCursor)
	}
	return nil
}

func runTrajectoryVerify(opts *TrajectoryOptions, ids []string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	ws, err := openWorkspace(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	tl := ws.trajectories()
	ctx := cmd.Context()

	if len(ids) == 0 {
		if ids, err = allTrajectoryIDs(cmd, tl); err != nil {
			return f.Fatal(ExitCommandError, ErrCodeStorage, "failed to list trajectories", err)
		}
	}

	res := VerifyResult{Broken: []BrokenChain{}}
	for _, id := range ids {
		err := tl.Verify(ctx, id)
		var chainErr *trajectory.ChainError
		switch {
		case err == nil:
		case errors.As(err, &chainErr), errors.Is(err, trajectory.ErrNotFound):
			res.Broken = append(res.Broken, BrokenChain{TrajectoryID: id, Error: err.Error()})
		default:
			return f.Fatal(ExitCommandError, ErrCodeStorage, "failed to verify "+id, err)
		}
		res.Checked++
		f.VerboseLog("verified %s", id)
	}

	if len(res.Broken) > 0 {
		if !f.JSON() {
			for _, b := range res.Broken {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s\n", b.TrajectoryID, b.Error)
			}
		}
		return f.Fail(ExitFailure, ErrCodeChainBroken, fmt.Sprintf("%d of %d chain(s) broken", len(res.Broken), res.Checked), res)
	}
	if f.JSON() {
		return f.Success(res)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %d chain(s) intact\n", res.Checked)
	return nil
}

func runTrajectoryPrune(opts *TrajectoryOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	now := time.Now().UTC()
	if opts.Now != "" {
		t, err := time.Parse(time.RFC3339, opts.Now)
		if err != nil {
			return f.Fatal(ExitCommandError, ErrCodeInvalidArgs, "invalid --now", err)
		}
		now = t.UTC()
	}
	ws, err := openWorkspace(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	tl := ws.trajectories()

	cands, err := tl.IdentifyPrunable(cmd.Context(), ws.cfg.Retention, now)
	if err != nil {
		return f.Fatal(ExitCommandError, ErrCodeStorage, "failed to apply retention policy", err)
	}
	report := PruneReport{Now: now, Candidates: cands, Applied: opts.Apply}
	if report.Candidates == nil {
		report.Candidates = []trajectory.Candidate{}
	}

	if opts.Apply && len(cands) > 0 {
		ids := make([]string, len(cands))
		for i, c := range cands {
			ids[i] = c.TrajectoryID
		}
		if report.Removed, err = tl.Prune(cmd.Context(), ids); err != nil {
			return f.Fatal(ExitCommandError, ErrCodeStorage, "failed to prune", err)
		}
	}

	if f.JSON() {
		return f.Success(report)
	}
	w := cmd.OutOrStdout()
	if len(cands) == 0 {
		fmt.Fprintln(w, "Nothing to prune.")
		return nil
	}
	for _, c := range cands {
		fmt.Fprintf(w, "  %-24s %-4s last active %s\n", c.TrajectoryID, c.Reason, c.LastAt.Format(time.RFC3339))
	}
	if opts.Apply {
		fmt.Fprintf(w, "✓ pruned %d trajectories (%d steps, %d outcomes)\n", len(cands), report.Removed.Steps, report.Removed.Outcomes)
	} else {
		fmt.Fprintf(w, "%d trajectories prunable; re-run with --apply to delete\n", len(cands))
	}
	return nil
}

func allTrajectoryIDs(cmd *cobra.Command, tl *trajectory.Log) ([]string, error) {
	var ids []string
	opts := trajectory.ListOptions{Limit: 500}
	for {
		page, err := tl.ListTrajectories(cmd.Context(), opts)
		if err != nil {
			return nil, err
		}
		for _, s := range page.Items {
			ids = append(ids, s.TrajectoryID)
		}
		if page.NextCursor == "" {
			return ids, nil
		}
		opts.Cursor = page.NextCursor
	}
}

func joinKinds(kinds []ir.OutcomeKind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ",")
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
