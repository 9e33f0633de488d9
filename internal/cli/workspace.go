package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/ledger/internal/config"
	"github.com/roach88/ledger/internal/engine"
	"github.com/roach88/ledger/internal/eventstore"
	"github.com/roach88/ledger/internal/store"
	"github.com/roach88/ledger/internal/trajectory"
)

// workspace is an opened data directory plus the settings that apply to it.
type workspace struct {
	cfg    config.Config
	logger *slog.Logger
	logs   *store.Logs
}

// openWorkspace loads configuration, applies the global flags and opens the
// data directory's logs. Logs go to stderr so JSON output stays clean.
func openWorkspace(opts *RootOptions, cmd *cobra.Command) (*workspace, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}

	level := cfg.SlogLevel()
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	logs, err := store.Layout{Dir: cfg.DataDir}.OpenAll()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open data directory", err)
	}
	logger.Debug("workspace opened", "data_dir", cfg.DataDir, "index", cfg.Index)
	return &workspace{cfg: cfg, logger: logger, logs: logs}, nil
}

func (w *workspace) events(ctx context.Context) (*eventstore.Store, error) {
	es, err := eventstore.Open(ctx, w.logs.Events, eventstore.WithLogger(w.logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open event store", err)
	}
	return es, nil
}

func (w *workspace) trajectories() *trajectory.Log {
	return trajectory.Open(w.logs.TrajectorySteps, w.logs.TrajectoryOutcomes, trajectory.WithLogger(w.logger))
}

// index opens the configured dedupe index. The returned func releases it.
func (w *workspace) index(ctx context.Context) (engine.DedupeIndex, func() error, error) {
	switch w.cfg.Index {
	case config.IndexSQLite:
		ix, err := store.OpenIndex(filepath.Join(w.cfg.DataDir, store.IndexFile), store.WithIndexLogger(w.logger))
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "failed to open claim index", err)
		}
		return ix, ix.Close, nil
	case config.IndexMemory:
		ix, err := engine.LoadMemoryIndex(ctx, w.logs.CommandOutcomes)
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "failed to load claim index", err)
		}
		return ix, func() error { return nil }, nil
	}
	return nil, nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown index backend %q", w.cfg.Index))
}
