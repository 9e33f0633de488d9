package cli

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/ledger/internal/harness"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // scenario filter (glob pattern)
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// ScenarioSummary holds the overall result.
type ScenarioSummary struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewScenarioCommand creates the scenario command group.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Run analytics scenarios",
	}

	run := &cobra.Command{
		Use:   "run <file.yaml|dir>",
		Short: "Run scenario files and compare golden snapshots",
		Long: `Run analytics scenarios against a fresh, temporary trajectory log.

A scenario at scenarios/<file>.yaml is compared against
golden/<name>.golden next to the scenarios directory when that file exists.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  ledger scenario run ./testdata/scenarios
  ledger scenario run ./testdata/scenarios --filter "payments*"
  ledger scenario run ./testdata/scenarios/payments_orders.yaml --update`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args[0], cmd)
		},
	}
	run.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	run.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern on the file name")

	cmd.AddCommand(run)
	return cmd
}

func runScenarios(opts *ScenarioOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	if err := opts.validate(); err != nil {
		return err
	}

	files, err := harness.Discover(path)
	var nf *harness.ScenarioNotFoundError
	if errors.As(err, &nf) {
		return f.Fatal(ExitCommandError, ErrCodeNotFound, "no scenarios", err)
	}
	if err != nil {
		return f.Fatal(ExitCommandError, ErrCodeGeneric, "failed to find scenarios", err)
	}
	if files, err = filterScenarios(files, opts.Filter); err != nil {
		return f.Fatal(ExitCommandError, ErrCodeInvalidArgs, "invalid --filter", err)
	}

	summary := ScenarioSummary{Scenarios: make([]ScenarioResult, 0, len(files)), Total: len(files)}
	for _, file := range files {
		res := runScenario(opts, file, cmd)
		summary.Scenarios = append(summary.Scenarios, res)
		if res.Pass {
			summary.Passed++
		} else {
			summary.Failed++
		}
		if !f.JSON() {
			printScenario(cmd, res)
		}
	}

	if summary.Failed > 0 {
		if !f.JSON() {
			fmt.Fprintf(cmd.OutOrStdout(), "\nScenario Summary: %d passed, %d failed, %d total\n", summary.Passed, summary.Failed, summary.Total)
		}
		return f.Fail(ExitFailure, ErrCodeScenario, fmt.Sprintf("%d scenario(s) failed", summary.Failed), summary)
	}
	if f.JSON() {
		return f.Success(summary)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "\nScenario Summary: %d passed, %d failed, %d total\n", summary.Passed, summary.Failed, summary.Total)
	fmt.Fprintln(w, "✓ All scenarios passed")
	return nil
}

func filterScenarios(files []string, pattern string) ([]string, error) {
	if pattern == "" {
		return files, nil
	}
	var out []string
	for _, file := range files {
		base := filepath.Base(file)
		matched, err := filepath.Match(pattern, strings.TrimSuffix(base, filepath.Ext(base)))
		if err != nil {
			return nil, err
		}
		if matched {
			out = append(out, file)
		}
	}
	return out, nil
}

// runScenario loads, runs and, when a golden file exists or --update is set,
// snapshots one scenario.
func runScenario(opts *ScenarioOptions, file string, cmd *cobra.Command) ScenarioResult {
	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return ScenarioResult{Name: filepath.Base(file), Errors: []string{fmt.Sprintf("failed to load scenario: %v", err)}}
	}
	res := ScenarioResult{Name: scenario.Name}

	result, err := harness.Run(cmd.Context(), scenario)
	if err != nil {
		res.Errors = []string{fmt.Sprintf("execution failed: %v", err)}
		return res
	}
	res.Errors = result.Errors

	snapshot, err := harness.MarshalSnapshot(scenario.Name, result)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("failed to snapshot: %v", err))
		return res
	}
	golden := goldenFilePath(file, scenario.Name)
	if opts.Update {
		if err := writeGolden(golden, snapshot); err != nil {
			res.Errors = append(res.Errors, err.Error())
		}
	} else if want, err := os.ReadFile(golden); err == nil {
		if !bytes.Equal(want, snapshot) {
			res.Errors = append(res.Errors, fmt.Sprintf("snapshot does not match %s (run with --update to regenerate)", golden))
		}
	}

	res.Pass = len(res.Errors) == 0
	return res
}

// goldenFilePath returns golden/<name>.golden beside the scenario's directory.
func goldenFilePath(scenarioFile, name string) string {
	return filepath.Join(filepath.Dir(filepath.Dir(scenarioFile)), "golden", name+".golden")
}

func writeGolden(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create golden directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write golden file: %w", err)
	}
	return nil
}

func printScenario(cmd *cobra.Command, res ScenarioResult) {
	w := cmd.OutOrStdout()
	if res.Pass {
		fmt.Fprintf(w, "✓ %s\n", res.Name)
		return
	}
	fmt.Fprintf(w, "✗ %s\n", res.Name)
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
}
