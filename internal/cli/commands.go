package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ledger/internal/engine"
	"github.com/roach88/ledger/internal/ir"
	"github.com/roach88/ledger/internal/store"
)

// CommandsOptions holds flags for the commands group.
type CommandsOptions struct {
	*RootOptions
	Status string
	Limit  int
}

// NewCommandsCommand creates the commands command group.
func NewCommandsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CommandsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "commands",
		Short: "Inspect recorded command outcomes",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List command outcomes in the order they were recorded",
		Long: `List command outcomes in the order they were recorded.

Examples:
  ledger commands list
  ledger commands list --status rejected --limit 20`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommandsList(opts, cmd)
		},
	}
	list.Flags().StringVar(&opts.Status, "status", "", "only outcomes with this status")
	list.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of outcomes (0 = all)")

	lookup := &cobra.Command{
		Use:   "lookup <idempotency_key> <scope_key>",
		Short: "Show the outcome that closed an idempotency key",
		Long: `Show the terminal outcome recorded for an idempotency key in a scope,
as the configured dedupe index sees it.

Scope keys are "actor:<id>", "target:<ref>", "app:<name>" or "global".`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommandsLookup(opts, args[0], args[1], cmd)
		},
	}

	cmd.AddCommand(list, lookup)
	return cmd
}

func runCommandsList(opts *CommandsOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	if opts.Limit < 0 {
		return f.Fail(ExitCommandError, ErrCodeInvalidArgs, "--limit must be >= 0", nil)
	}
	status := ir.OutcomeStatus(opts.Status)
	switch status {
	case "", ir.StatusAccepted, ir.StatusRejected, ir.StatusAlreadyProcessed, ir.StatusAlreadyProcessing, ir.StatusFailed:
	default:
		return f.Fail(ExitCommandError, ErrCodeInvalidArgs, fmt.Sprintf("unknown status %q", opts.Status), nil)
	}
	ws, err := openWorkspace(opts.RootOptions, cmd)
	if err != nil {
		return err
	}

	recs := []engine.OutcomeRecord{}
	errDone := errors.New("done")
	err = store.ScanRecords(cmd.Context(), ws.logs.CommandOutcomes, func(rec engine.OutcomeRecord) error {
		if status != "" && rec.Outcome.Status != status {
			return nil
		}
		recs = append(recs, rec)
		if opts.Limit > 0 && len(recs) == opts.Limit {
			return errDone
		}
		return nil
	})
	if err != nil && !errors.Is(err, errDone) {
		return f.Fatal(ExitCommandError, ErrCodeStorage, "failed to read command outcomes", err)
	}

	if f.JSON() {
		return f.Success(recs)
	}
	w := cmd.OutOrStdout()
	if len(recs) == 0 {
		fmt.Fprintln(w, "No command outcomes found.")
		return nil
	}
	for _, r := range recs {
		at := "-"
		if r.Outcome.CompletedAt != nil {
			at = r.Outcome.CompletedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s  %-18s %-20s %s/%s  %s\n", at, r.Outcome.Status, r.CommandType, r.ScopeKey, r.IdempotencyKey, r.Outcome.CommandID)
	}
	return nil
}

func runCommandsLookup(opts *CommandsOptions, key, scopeKey string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	ws, err := openWorkspace(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	ix, closeIndex, err := ws.index(cmd.Context())
	if err != nil {
		return err
	}
	defer closeIndex()

	out, err := ix.Lookup(cmd.Context(), key, scopeKey)
	if errors.Is(err, store.ErrNotFound) {
		return f.Fatal(ExitCommandError, ErrCodeNotFound, "no outcome recorded", err)
	}
	if err != nil {
		return f.Fatal(ExitCommandError, ErrCodeStorage, "failed to look up outcome", err)
	}

	if f.JSON() {
		return f.Success(out)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "command_id:      %s\n", out.CommandID)
	fmt.Fprintf(w, "status:          %s\n", out.Status)
	if out.Reason != "" {
		fmt.Fprintf(w, "reason:          %s\n", out.Reason)
	}
	if out.Expected != "" || out.Actual != "" {
		fmt.Fprintf(w, "expected/actual: %s / %s\n", out.Expected, out.Actual)
	}
	fmt.Fprintf(w, "produced_events: %d\n", len(out.ProducedEvents))
	for _, id := range out.ProducedEvents {
		fmt.Fprintf(w, "  %s\n", id)
	}
	return nil
}
