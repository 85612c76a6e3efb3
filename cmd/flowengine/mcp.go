package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rendis/flowengine/internal/engine"
	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/internal/streaming"
	flowmcp "github.com/rendis/flowengine/pkg/mcp"
)

func (c *cli) newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve flows to agents over MCP stdio",
		Long:  `Speaks the Model Context Protocol on stdin/stdout. Agents can list flows, run them, and inspect recorded runs and their events. Logs go to stderr.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger := c.logger()

			st, err := openStore(ctx, c.cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			hub := streaming.NewMemoryHub()
			eventLog := store.NewEventLog(st, logger)
			go func() {
				if err := eventLog.Follow(ctx, hub); err != nil {
					logger.Error("event log stopped", slog.String("error", err.Error()))
				}
			}()

			a, err := newApp(ctx, c.cfg, logger, appOptions{
				Recorder: store.NewRecorder(st),
				Hub:      hub,
			})
			if err != nil {
				return err
			}
			defer a.Close()

			dispatcher := engine.NewDispatcher(a.driver, c.cfg.PoolSize)
			defer dispatcher.Shutdown()

			deps := flowmcp.FlowServerDeps{
				Dispatcher: dispatcher,
				Store:      st,
				EventLog:   eventLog,
				Logger:     logger,
			}
			if a.flows != nil {
				deps.Flows = a.flows
			}
			logger.Info("mcp server ready", slog.String("flow_dir", c.cfg.FlowDir))
			return flowmcp.NewFlowServer(deps).Serve(ctx)
		},
	}
}
