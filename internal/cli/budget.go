package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ledger/internal/budget"
	"github.com/roach88/ledger/internal/store"
)

// BudgetOptions holds flags for the budget commands.
type BudgetOptions struct {
	*RootOptions
	RunID   string
	Feature string
	Tokens  int
}

// ReceiptsReport lists recorded receipts and the ids that fail verification.
type ReceiptsReport struct {
	Receipts []budget.Receipt `json:"receipts"`
	Invalid  []string         `json:"invalid"`
}

// NewBudgetCommand creates the budget command group.
func NewBudgetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BudgetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Check and audit the egress budget",
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Ask for permission to make one outbound call",
		Long: `Ask the budget gateway whether one outbound call may proceed and record
its receipt. Counters are restored from earlier receipts first, so limits hold
across invocations.

Exit codes:
  0 - Allowed
  1 - Denied
  2 - Command error`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBudgetCheck(opts, cmd)
		},
	}
	check.Flags().StringVar(&opts.RunID, "run-id", "", "run the call belongs to (default: a new run)")
	check.Flags().StringVar(&opts.Feature, "feature", "", "feature making the call")
	check.Flags().IntVar(&opts.Tokens, "tokens", 0, "tokens the call will use")

	receipts := &cobra.Command{
		Use:           "receipts",
		Short:         "List recorded receipts and verify their ids",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBudgetReceipts(opts, cmd)
		},
	}
	receipts.Flags().StringVar(&opts.RunID, "run-id", "", "only receipts of this run")

	cmd.AddCommand(check, receipts)
	return cmd
}

func runBudgetCheck(opts *BudgetOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	if opts.Tokens < 0 {
		return f.Fail(ExitCommandError, ErrCodeInvalidArgs, "--tokens must be >= 0", nil)
	}
	ws, err := openWorkspace(opts.RootOptions, cmd)
	if err != nil {
		return err
	}

	g, err := budget.NewGateway(ws.cfg.Budget, budget.WithReceiptLog(ws.logs.Receipts), budget.WithLogger(ws.logger))
	if err != nil {
		return f.Fatal(ExitCommandError, ErrCodeInvalidArgs, "invalid budget policy", err)
	}
	defer g.Close()
	if err := g.Restore(cmd.Context()); err != nil {
		return f.Fatal(ExitCommandError, ErrCodeStorage, "failed to restore budget", err)
	}

	runID := opts.RunID
	if runID == "" {
		runID = budget.NewRunID()
	}
	d, err := g.Check(cmd.Context(), budget.Request{RunID: runID, Feature: opts.Feature, Tokens: opts.Tokens})
	if err != nil {
		return f.Fatal(ExitCommandError, ErrCodeStorage, "budget check failed", err)
	}

	if !d.Allowed {
		if !f.JSON() {
			printReceipt(cmd, d.Receipt)
		}
		return f.Fail(ExitFailure, ErrCodeDenied, fmt.Sprintf("denied: %s", d.Reason), d)
	}
	if f.JSON() {
		return f.Success(d)
	}
	printReceipt(cmd, d.Receipt)
	fmt.Fprintln(cmd.OutOrStdout(), "✓ allowed")
	return nil
}

func runBudgetReceipts(opts *BudgetOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	ws, err := openWorkspace(opts.RootOptions, cmd)
	if err != nil {
		return err
	}

	report := ReceiptsReport{Receipts: []budget.Receipt{}, Invalid: []string{}}
	err = store.ScanRecords(cmd.Context(), ws.logs.Receipts, func(r budget.Receipt) error {
		if opts.RunID != "" && r.RunID != opts.RunID {
			return nil
		}
		ok, err := budget.VerifyReceipt(r)
		if err != nil {
			return err
		}
		if !ok {
			report.Invalid = append(report.Invalid, r.ReceiptID)
		}
		report.Receipts = append(report.Receipts, r)
		return nil
	})
	if err != nil {
		return f.Fatal(ExitCommandError, ErrCodeStorage, "failed to read receipts", err)
	}

	if !f.JSON() {
		for _, r := range report.Receipts {
			printReceipt(cmd, r)
		}
	}
	if len(report.Invalid) > 0 {
		return f.Fail(ExitFailure, ErrCodeReceipt, fmt.Sprintf("%d of %d receipt(s) do not match their id", len(report.Invalid), len(report.Receipts)), report)
	}
	if f.JSON() {
		return f.Success(report)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %d receipt(s) verified\n", len(report.Receipts))
	return nil
}

func printReceipt(cmd *cobra.Command, r budget.Receipt) {
	verdict := "allow"
	if !r.Allowed {
		verdict = "deny"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s  %-5s %-18s run=%s tokens=%d day_calls=%d  %s\n",
		r.IssuedAt.Format(time.RFC3339), verdict, r.Reason, r.RunID, r.Tokens, r.Usage.DayCalls, shortHash(r.ReceiptID))
}
