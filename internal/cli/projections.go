package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/ledger/internal/projection"
)

// ProjectionResult is one rebuilt projection.
type ProjectionResult struct {
	Key       string               `json:"key"`
	Freshness projection.Freshness `json:"freshness"`
	Data      any                  `json:"data"`
}

// NewProjectionsCommand creates the projections command group.
func NewProjectionsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projections",
		Short: "Rebuild read views from the event log",
	}

	rebuild := &cobra.Command{
		Use:   "rebuild [name@version...]",
		Short: "Rebuild projections from scratch",
		Long: `Rebuild projections by replaying the full event log.

With no arguments every built-in projection is rebuilt.

Examples:
  ledger projections rebuild
  ledger projections rebuild ledger.event_types@1 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProjectionsRebuild(rootOpts, args, cmd)
		},
	}

	cmd.AddCommand(rebuild)
	return cmd
}

func runProjectionsRebuild(opts *RootOptions, args []string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)

	reg := projection.NewRegistry()
	if err := projection.RegisterBuiltins(reg); err != nil {
		return f.Fatal(ExitCommandError, ErrCodeGeneric, "failed to register projections", err)
	}
	keys := reg.Keys()
	if len(args) > 0 {
		keys = keys[:0]
		for _, arg := range args {
			k, err := parseKey(arg)
			if err != nil {
				return f.Fatal(ExitCommandError, ErrCodeInvalidArgs, "invalid projection key", err)
			}
			if _, ok := reg.Get(k); !ok {
				return f.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("unknown projection %s", k), nil)
			}
			keys = append(keys, k)
		}
	}

	ws, err := openWorkspace(opts, cmd)
	if err != nil {
		return err
	}
	es, err := ws.events(cmd.Context())
	if err != nil {
		return err
	}

	results := make([]ProjectionResult, 0, len(keys))
	for _, k := range keys {
		rn, _ := reg.Get(k)
		st, err := rn.Rebuild(cmd.Context(), es)
		if err != nil {
			return f.Fatal(ExitCommandError, ErrCodeStorage, fmt.Sprintf("failed to rebuild %s", k), err)
		}
		ws.logger.Debug("projection rebuilt", "projection", k.String(), "events", st.Freshness.EventCount)
		results = append(results, ProjectionResult{Key: k.String(), Freshness: st.Freshness, Data: st.Data})
	}

	if f.JSON() {
		return f.Success(results)
	}
	w := cmd.OutOrStdout()
	for _, r := range results {
		fmt.Fprintf(w, "✓ %s (%d events)\n", r.Key, r.Freshness.EventCount)
		data, err := json.MarshalIndent(r.Data, "  ", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  %s\n", data)
	}
	return nil
}

// parseKey parses "name@version". A bare name means version 1.
func parseKey(s string) (projection.Key, error) {
	name, ver, found := strings.Cut(s, "@")
	if name == "" {
		return projection.Key{}, fmt.Errorf("%q: name required", s)
	}
	if !found {
		return projection.Key{Name: name, Version: 1}, nil
	}
	v, err := strconv.Atoi(ver)
	if err != nil || v < 1 {
		return projection.Key{}, fmt.Errorf("%q: version must be a positive integer", s)
	}
	return projection.Key{Name: name, Version: v}, nil
}
