package main

import (
	"fmt"
	"os"
	"time"

	"github.com/agentworkforce/sheetmirror/internal/config"
	"github.com/agentworkforce/sheetmirror/internal/sheetmirror"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type app struct {
	configPath string
	verbose    bool
	logger     *zap.Logger
	cfg        config.Config
	now        func() time.Time
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{now: time.Now}
	root := &cobra.Command{
		Use:   "sheetmirror",
		Short: "Local spreadsheet mirror for chat widget form submissions",
		Long: `sheetmirror keeps a local, sheet-organized copy of every form submission
and syncs it with a remote store when one is configured.

Configuration comes from --config (YAML) and SHEETMIRROR_* environment
variables; the environment wins.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.logger == nil {
				zcfg := zap.NewProductionConfig()
				if a.verbose {
					zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
				}
				logger, err := zcfg.Build()
				if err != nil {
					return fmt.Errorf("failed to initialize logger: %w", err)
				}
				a.logger = logger
			}
			cfg, err := config.Load(a.configPath, a.logger)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		a.serveCmd(),
		a.sheetsCmd(),
		a.rowsCmd(),
		a.exportCmd(),
		a.tokenCmd(),
	)
	return root
}

// openStore opens the configured local mirror. Read-only commands have
// nothing to show without a persistent state backend.
func (a *app) openStore(requirePersistent bool) (*sheetmirror.Store, error) {
	backend, err := sheetmirror.BuildStateBackendFromDSN(a.cfg.StateDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize state backend: %w", err)
	}
	if backend == nil && requirePersistent {
		return nil, fmt.Errorf("no mirror state configured: set SHEETMIRROR_STATE_BACKEND_DSN, SHEETMIRROR_BACKEND_PROFILE or stateDsn")
	}
	return sheetmirror.NewStoreWithOptions(sheetmirror.StoreOptions{
		StateBackend: backend,
		Logger:       a.logger,
		Now:          a.now,
	}), nil
}
