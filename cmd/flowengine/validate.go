package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/flowengine/pkg/schema"
)

func (c *cli) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <flow-file>...",
		Short: "Check flow files against the schema, graph rules and registered runners",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := c.cfg
			cfg.FlowDir = ""
			a, err := newApp(context.Background(), cfg, c.logger(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				def, err := a.loader.LoadFile(path)
				if err != nil {
					fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
					failed++
					continue
				}
				result := a.validator.Validate(def)
				for _, w := range result.Warnings {
					fmt.Fprintf(out, "WARN %s: %s %s\n", path, w.Path, w.Message)
				}
				if !result.Valid() {
					fmt.Fprintf(out, "FAIL %s:\n", path)
					for _, issue := range result.Errors {
						fmt.Fprintf(out, "  %s [%s] %s\n", issue.Path, issue.Code, issue.Message)
					}
					failed++
					continue
				}
				fmt.Fprintf(out, "OK   %s (%s, %d nodes)\n", path, def.ID, len(def.Nodes))
			}
			if failed > 0 {
				return schema.NewErrorf(schema.ErrCodeValidation, "%d of %d flow files invalid", failed, len(args))
			}
			return nil
		},
	}
}
