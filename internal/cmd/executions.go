package cmd

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/claudecron/internal/display"
	"github.com/harrison/claudecron/internal/models"
	"github.com/harrison/claudecron/internal/scheduler"
	"github.com/harrison/claudecron/internal/store"
)

// NewExecutionsCommand creates the executions command
func NewExecutionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "executions [execution-id]",
		Short: "List executions or show one",
		Long: `Without arguments, list recent executions (newest first). With an
execution id, show the full record including captured output.

Examples:
  claudecron executions
  claudecron executions --task 0c7eadd5 --status failure
  claudecron executions 4f1f9b32-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, engine *scheduler.Engine) error {
				if len(args) == 1 {
					exec, err := engine.GetExecution(ctx, args[0])
					if err != nil {
						return err
					}
					if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
						return json.NewEncoder(cmd.OutOrStdout()).Encode(exec)
					}
					display.ExecutionDetail(cmd.OutOrStdout(), exec)
					return nil
				}

				filter := store.ExecutionFilter{
					TaskID: mustString(cmd, "task"),
					Status: models.ExecutionStatus(mustString(cmd, "status")),
					Limit:  mustInt(cmd, "limit"),
				}
				if sinceStr := mustString(cmd, "since"); sinceStr != "" {
					d, err := time.ParseDuration(sinceStr)
					if err != nil {
						return err
					}
					since := time.Now().Add(-d)
					filter.Since = &since
				}

				execs, err := engine.ListExecutions(ctx, filter)
				if err != nil {
					return err
				}
				if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
					return json.NewEncoder(cmd.OutOrStdout()).Encode(execs)
				}
				display.ExecutionList(cmd.OutOrStdout(), execs)
				return nil
			})
		},
	}

	cmd.Flags().String("task", "", "Only executions of this task id")
	cmd.Flags().String("status", "", "Only executions with this status")
	cmd.Flags().String("since", "", "Only executions started within this window (e.g. 24h)")
	cmd.Flags().Int("limit", 50, "Maximum number of executions to list")
	cmd.Flags().Bool("json", false, "Emit raw JSON")

	return cmd
}

func mustString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func mustInt(cmd *cobra.Command, name string) int {
	v, _ := cmd.Flags().GetInt(name)
	return v
}
