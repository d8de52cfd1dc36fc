package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/parallelpark/internal/config"
	"github.com/mattjoyce/parallelpark/internal/controller"
	"github.com/mattjoyce/parallelpark/internal/journal"
	"github.com/mattjoyce/parallelpark/internal/log"
)

// cli holds state shared by all commands of one invocation.
type cli struct {
	configPath string
	logLevel   string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "parallelpark",
		Short: "Run functions in child processes",
		Long: `parallelpark delegates a function call to a freshly spawned worker process
and hands back its result, or its error with a stack spanning both processes.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
	}

	root.PersistentFlags().StringVar(&c.configPath, "config", "", "Path to config file or directory (default: discovered)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(c),
		newBatchCmd(c),
		newHistoryCmd(c),
		newTasksCmd(),
		newDoctorCmd(c),
		newVersionCmd(),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadOrDefault(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	log.SetupWith(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	c.cfg = cfg
	return nil
}

// controller builds a Controller from the loaded config. The returned func
// releases the journal, if one was opened.
func (c *cli) controller(ctx context.Context) (*controller.Controller, func(), error) {
	if !c.cfg.Journal.Enabled {
		return controller.FromConfig(c.cfg, nil), func() {}, nil
	}
	j, err := journal.Open(ctx, c.cfg.Journal.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}
	closeJournal := func() {
		if err := j.Close(); err != nil {
			log.Warn("failed to close journal", "error", err)
		}
	}
	return controller.FromConfig(c.cfg, j), closeJournal, nil
}
