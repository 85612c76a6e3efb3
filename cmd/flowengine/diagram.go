package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/flowengine/internal/diagram"
	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/pkg/schema"
)

func (c *cli) newDiagramCmd() *cobra.Command {
	var format, runID string
	cmd := &cobra.Command{
		Use:   "diagram <flow-file|flow-id>",
		Short: "Render a flow as Mermaid or ASCII, optionally overlaid with a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			logger := c.logger()
			a, err := newApp(ctx, c.cfg, logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			g, err := a.resolveFlow(ctx, args[0])
			if err != nil {
				return err
			}

			var replay *store.RunReplay
			if runID != "" {
				st, err := openStore(ctx, c.cfg.DBPath)
				if err != nil {
					return err
				}
				defer st.Close()
				replay, err = store.NewEventLog(st, logger).Replay(ctx, runID)
				if err != nil {
					return err
				}
			}

			model := diagram.Build(g, replay)
			var out string
			switch format {
			case "mermaid":
				out = diagram.RenderMermaid(model)
			case "ascii":
				out = diagram.RenderASCII(model)
			default:
				return schema.NewErrorf(schema.ErrCodeValidation, "unknown format %q, use mermaid or ascii", format)
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "mermaid", "output format: mermaid or ascii")
	cmd.Flags().StringVar(&runID, "run", "", "overlay node status from a recorded run")
	return cmd
}
