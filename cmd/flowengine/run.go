package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/flowengine/internal/engine"
	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/pkg/schema"
)

type runFlags struct {
	content      string
	params       []string
	attachments  []string
	user         string
	agent        string
	conversation string
	history      string
	record       bool
}

func (c *cli) newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <flow-file|flow-id>",
		Short: "Execute a flow once and print the run result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			trigger, err := f.trigger()
			if err != nil {
				return err
			}
			logger := c.logger()
			ctx := cmd.Context()

			var opts appOptions
			if f.record {
				st, err := openStore(ctx, c.cfg.DBPath)
				if err != nil {
					return err
				}
				defer st.Close()
				opts.Recorder = store.NewRecorder(st)
			}

			a, err := newApp(ctx, c.cfg, logger, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			g, err := a.resolveFlow(ctx, args[0])
			if err != nil {
				return err
			}
			if err := a.validator.ValidateTrigger(g, trigger); err != nil {
				return err
			}
			if f.history != "" {
				n, err := a.seedHistory(ctx, f.history, trigger)
				if err != nil {
					return err
				}
				logger.Debug("chat history seeded", slog.Int("records", n))
			}

			res, runErr := a.driver.Execute(ctx, g, trigger)
			if err := printResult(cmd, res); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&f.content, "content", "c", "", "trigger content (the user message)")
	cmd.Flags().StringArrayVarP(&f.params, "param", "p", nil, "trigger param as key=value; JSON values are decoded")
	cmd.Flags().StringArrayVar(&f.attachments, "attach", nil, "attachment URL (repeatable)")
	cmd.Flags().StringVar(&f.user, "user", "", "user id")
	cmd.Flags().StringVar(&f.agent, "agent", "", "agent id")
	cmd.Flags().StringVar(&f.conversation, "conversation", "", "conversation id used as the memory key")
	cmd.Flags().StringVar(&f.history, "history", "", "JSON file of prior chat records (role, content) loaded into the conversation's history")
	cmd.Flags().BoolVar(&f.record, "record", false, "record the run in the database")
	return cmd
}

func (f *runFlags) trigger() (*schema.Trigger, error) {
	params, err := parseParams(f.params)
	if err != nil {
		return nil, err
	}
	t := &schema.Trigger{
		Source:         schema.TriggerSourceChat,
		Content:        f.content,
		Params:         params,
		UserID:         f.user,
		AgentID:        f.agent,
		ConversationID: f.conversation,
	}
	for _, u := range f.attachments {
		t.Attachments = append(t.Attachments, schema.Attachment{URL: u})
	}
	return t, nil
}

// parseParams turns key=value pairs into trigger params. A value that is
// valid JSON is decoded, anything else stays a string.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "param %q: expected key=value", p)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

func printResult(cmd *cobra.Command, res *engine.RunResult) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run result: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
