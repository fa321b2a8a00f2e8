package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/claudecron/internal/display"
	"github.com/harrison/claudecron/internal/models"
	"github.com/harrison/claudecron/internal/scheduler"
	"github.com/harrison/claudecron/internal/store"
	"github.com/harrison/claudecron/internal/taskfile"
)

// NewTaskCommand creates the task command group
func NewTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage the task catalog",
	}

	cmd.AddCommand(newTaskListCommand())
	cmd.AddCommand(newTaskGetCommand())
	cmd.AddCommand(newTaskCreateCommand())
	cmd.AddCommand(newTaskDeleteCommand())
	cmd.AddCommand(newTaskRunCommand())
	cmd.AddCommand(newTaskImportCommand())

	return cmd
}

// withEngine runs fn against a one-shot engine over the configured
// store. The engine is never started: catalog mutations validate and
// persist without arming timers, and manual runs dispatch directly.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, engine *scheduler.Engine) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	engine := newEngine(cfg, st, nil, false)
	defer engine.Stop()

	return fn(ctx, engine)
}

func newTaskListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, engine *scheduler.Engine) error {
				var filter store.TaskFilter
				if cmd.Flags().Changed("enabled") {
					enabled, _ := cmd.Flags().GetBool("enabled")
					filter.Enabled = &enabled
				}
				tasks, err := engine.ListTasks(ctx, filter)
				if err != nil {
					return err
				}
				if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
					return json.NewEncoder(cmd.OutOrStdout()).Encode(tasks)
				}
				display.TaskList(cmd.OutOrStdout(), tasks)
				return nil
			})
		},
	}
	cmd.Flags().Bool("enabled", false, "Only tasks with the given enabled state")
	cmd.Flags().Bool("json", false, "Emit raw JSON")
	return cmd
}

func newTaskGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, engine *scheduler.Engine) error {
				task, err := engine.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
					return json.NewEncoder(cmd.OutOrStdout()).Encode(task)
				}
				display.TaskDetail(cmd.OutOrStdout(), task)

				if withStats, _ := cmd.Flags().GetBool("stats"); withStats {
					stats, err := engine.GetTaskStats(ctx, task.ID)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout())
					display.TaskStats(cmd.OutOrStdout(), stats)
				}
				return nil
			})
		},
	}
	cmd.Flags().Bool("json", false, "Emit raw JSON")
	cmd.Flags().Bool("stats", false, "Include aggregate execution stats")
	return cmd
}

func newTaskCreateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create <task.json>",
		Short: "Create a task from a JSON definition",
		Long: `Create a task from a JSON definition file. Use "-" to read the
definition from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			var task models.Task
			if err := json.Unmarshal(data, &task); err != nil {
				return fmt.Errorf("invalid task definition: %w", err)
			}
			return withEngine(cmd, func(ctx context.Context, engine *scheduler.Engine) error {
				created, err := engine.CreateTask(ctx, &task)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created task %s (%s)\n", created.Name, created.ID)
				return nil
			})
		},
	}
}

func newTaskDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task and its execution history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, engine *scheduler.Engine) error {
				if err := engine.DeleteTask(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted task %s\n", args[0])
				return nil
			})
		},
	}
}

func newTaskRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <task-id>",
		Short: "Run a task now",
		Long: `Run a task immediately with trigger "manual", wait for the terminal
state, and print the execution.

Conditions still gate the run unless --force is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, engine *scheduler.Engine) error {
				force, _ := cmd.Flags().GetBool("force")
				execID, err := engine.Execute(ctx, args[0], models.OriginManual, nil, force)
				if err != nil {
					return err
				}

				exec, err := waitTerminal(ctx, engine, execID)
				if err != nil {
					return err
				}
				display.ExecutionDetail(cmd.OutOrStdout(), exec)
				if exec.Status != models.StatusSuccess && exec.Status != models.StatusSkipped {
					return fmt.Errorf("execution finished with status %s", exec.Status)
				}
				return nil
			})
		},
	}
	cmd.Flags().Bool("force", false, "Bypass the task's conditions")
	return cmd
}

func newTaskImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <tasks.yaml>",
		Short: "Import task definitions from a YAML file",
		Long: `Import task definitions from a YAML file. The file holds a "tasks"
list (or a bare list) using the task JSON field names. All definitions
are validated before any is created; a file with one invalid task
imports nothing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := taskfile.Load(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd, func(ctx context.Context, engine *scheduler.Engine) error {
				for _, task := range tasks {
					created, err := engine.CreateTask(ctx, task)
					if err != nil {
						return fmt.Errorf("import %s: %w", task.Name, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Created task %s (%s)\n", created.Name, created.ID)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d task(s)\n", len(tasks))
				return nil
			})
		},
	}
}

// waitTerminal polls the execution until it reaches a terminal status.
func waitTerminal(ctx context.Context, engine *scheduler.Engine, execID string) (*models.Execution, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		exec, err := engine.GetExecution(ctx, execID)
		if err != nil {
			return nil, err
		}
		if exec.Status.IsTerminal() {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// readInput reads a file argument, with "-" standing for stdin.
func readInput(cmd *cobra.Command, arg string) ([]byte, error) {
	if arg == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", arg, err)
	}
	return data, nil
}
