package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/ledger/internal/compiler"
	"github.com/roach88/ledger/internal/ir"
)

// PacksValidation is the result of validating pack manifest files.
type PacksValidation struct {
	Valid  bool                       `json:"valid"`
	Packs  []ir.PackManifest          `json:"packs"`
	Errors []compiler.ValidationError `json:"errors,omitempty"`
}

// NewPacksCommand creates the packs command group.
func NewPacksCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "packs",
		Short: "Work with pack manifests",
	}

	validate := &cobra.Command{
		Use:   "validate <manifest.cue>...",
		Short: "Compile and validate pack manifests",
		Long: `Compile every pack declared under "pack" in the given CUE files and
validate them individually and against each other (duplicate names,
overlapping namespaces).

Exit codes:
  0 - All packs valid
  1 - Validation errors found
  2 - Command error (file not found, CUE syntax error)

Examples:
  ledger packs validate ./packs/tasks.cue
  ledger packs validate ./packs/*.cue --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPacksValidate(rootOpts, args, cmd)
		},
	}

	cmd.AddCommand(validate)
	return cmd
}

func runPacksValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	if err := opts.validate(); err != nil {
		return err
	}

	var specs []compiler.PackSpec
	for _, path := range paths {
		compiled, err := compiler.CompileFile(path)
		if err != nil {
			return f.Fatal(ExitCommandError, ErrCodeInvalidPack, "failed to compile "+path, err)
		}
		f.VerboseLog("compiled %d pack(s) from %s", len(compiled), path)
		specs = append(specs, compiled...)
	}

	res := PacksValidation{Valid: true, Packs: make([]ir.PackManifest, len(specs))}
	for i, s := range specs {
		res.Packs[i] = s.Manifest
	}
	if errs := compiler.Validate(specs); len(errs) > 0 {
		res.Valid = false
		res.Errors = errs
		if !f.JSON() {
			for _, e := range errs {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", e.Error())
			}
		}
		return f.Fail(ExitFailure, ErrCodeInvalidPack, fmt.Sprintf("validation failed with %d error(s)", len(errs)), res)
	}

	if f.JSON() {
		return f.Success(res)
	}
	w := cmd.OutOrStdout()
	for _, m := range res.Packs {
		fmt.Fprintf(w, "  %s %s (namespace %s): %d commands, %d events\n", m.Name, m.Version, m.Namespace, len(m.CommandTypes), len(m.EventTypes))
	}
	fmt.Fprintf(w, "✓ %d pack(s) valid\n", len(res.Packs))
	return nil
}
