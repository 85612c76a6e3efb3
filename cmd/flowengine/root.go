package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/flowengine/internal/logging"
)

// cli carries the loaded configuration to every subcommand.
type cli struct {
	cfg       Config
	logOutput io.Writer
}

func newRootCmd(cfg Config) *cobra.Command {
	c := &cli{cfg: cfg, logOutput: os.Stderr}

	root := &cobra.Command{
		Use:           "flowengine",
		Short:         "Flowengine executes agent workflow graphs",
		Long:          `Flowengine runs flow definitions (LLM calls, intent routing, loops, sub-flows and tools) as DAGs, records every run and fires scheduled triggers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&c.cfg.FlowDir, "flow-dir", c.cfg.FlowDir, "directory of flow definitions")
	root.PersistentFlags().StringVar(&c.cfg.DBPath, "db", c.cfg.DBPath, "libSQL database path")
	root.PersistentFlags().StringVar(&c.cfg.LogLevel, "log-level", c.cfg.LogLevel, "log level: debug, info, warn, error")

	root.AddCommand(
		c.newRunCmd(),
		c.newValidateCmd(),
		c.newDiagramCmd(),
		c.newServeCmd(),
		c.newMCPCmd(),
		newVersionCmd(),
	)
	return root
}

func (c *cli) logger() *slog.Logger {
	return logging.New(c.logOutput, c.cfg.LogLevel)
}
