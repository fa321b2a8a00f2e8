package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/claudecron/internal/models"
	"github.com/harrison/claudecron/internal/scheduler"
	"github.com/harrison/claudecron/internal/store"
)

// NewHookCommand creates the hook command
func NewHookCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hook <event>",
		Short: "Inject a session lifecycle event",
		Long: `Inject a hook event into the scheduler, firing any hook-triggered
tasks that match. Event context is read as JSON from --context or, with
--stdin, from standard input.

Recognized events: SessionStart, SessionEnd, PreToolUse, PostToolUse,
UserPromptSubmit, Notification, Stop, SubagentStop, PreCompact.

Examples:
  claudecron hook SessionStart
  claudecron hook PostToolUse --context '{"tool_name": "Write", "file_path": "main.go"}'
  echo '{"tool_name": "Bash"}' | claudecron hook PreToolUse --stdin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var eventCtx map[string]interface{}

			if fromStdin, _ := cmd.Flags().GetBool("stdin"); fromStdin {
				if err := json.NewDecoder(cmd.InOrStdin()).Decode(&eventCtx); err != nil {
					return fmt.Errorf("invalid event context on stdin: %w", err)
				}
			} else if raw, _ := cmd.Flags().GetString("context"); raw != "" {
				if err := json.Unmarshal([]byte(raw), &eventCtx); err != nil {
					return fmt.Errorf("invalid event context: %w", err)
				}
			}

			return withEngine(cmd, func(ctx context.Context, engine *scheduler.Engine) error {
				event := models.HookEvent(args[0])
				if err := engine.HandleHookEvent(ctx, event, eventCtx); err != nil {
					return err
				}

				// Debounced dispatch is asynchronous: give fired tasks a
				// window to reach a terminal state before exiting.
				wait, _ := cmd.Flags().GetDuration("wait")
				fired := awaitHookExecutions(ctx, engine, wait)
				fmt.Fprintf(cmd.OutOrStdout(), "Event %s delivered, %d task(s) fired\n", event, fired)
				return nil
			})
		},
	}

	cmd.Flags().String("context", "", "Event context as a JSON object")
	cmd.Flags().Bool("stdin", false, "Read event context JSON from stdin")
	cmd.Flags().Duration("wait", 5*time.Second, "How long to wait for fired tasks to finish")

	return cmd
}

// awaitHookExecutions waits up to the deadline for hook-origin
// executions started after delivery to finish, and reports how many
// fired.
func awaitHookExecutions(ctx context.Context, engine *scheduler.Engine, wait time.Duration) int {
	deadline := time.Now().Add(wait)
	since := time.Now().Add(-time.Second)
	fired := 0

	for time.Now().Before(deadline) {
		execs, err := engine.ListExecutions(ctx, store.ExecutionFilter{Since: &since})
		if err != nil {
			return fired
		}
		fired = 0
		running := false
		for _, exec := range execs {
			fired++
			if !exec.Status.IsTerminal() {
				running = true
			}
		}
		if fired > 0 && !running {
			return fired
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fired
}
