package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/azos-dev/azos/internal/executor"
	"github.com/azos-dev/azos/internal/models"
	"github.com/azos-dev/azos/internal/scheduler"
	"github.com/azos-dev/azos/internal/store"
)

func newTaskCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create and inspect tasks",
	}
	cmd.AddCommand(
		newTaskRunCmd(a),
		newTaskListCmd(a),
		newTaskShowCmd(a),
		newTaskLogsCmd(a),
		newTaskMetricsCmd(a),
		newTaskPauseCmd(a),
		newTaskResumeCmd(a),
		newTaskCancelCmd(a),
	)
	return cmd
}

func newTaskRunCmd(a *app) *cobra.Command {
	var (
		priority    string
		kind        string
		model       string
		timeout     time.Duration
		interval    time.Duration
		deps        []string
		dryRun      bool
		interactive bool
	)

	cmd := &cobra.Command{
		Use:   "run <command>",
		Short: "Submit a task and run it to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prio, err := models.ParsePriority(priority)
			if err != nil {
				return &usageError{err}
			}
			execKind := models.ExecKind(kind)
			switch execKind {
			case models.ExecShell, models.ExecPython, models.ExecNode:
			default:
				return &usageError{fmt.Errorf("invalid kind %q, must be one of: shell, python, node", kind)}
			}

			st, err := a.store()
			if err != nil {
				return err
			}
			log, err := a.logger()
			if err != nil {
				return err
			}

			taskTimeout := timeout
			if taskTimeout == 0 {
				taskTimeout = a.cfg.Timeout
			}
			taskModel := model
			if taskModel == "" {
				taskModel = a.cfg.Model
			}

			task := &models.Task{
				ID:        uuid.NewString(),
				Command:   args[0],
				Kind:      execKind,
				Priority:  prio,
				Model:     taskModel,
				DependsOn: deps,
				Interval:  interval,
				Cost:      decimal.Zero,
			}

			if dryRun {
				for _, dep := range deps {
					if _, err := st.GetTask(cmd.Context(), dep); err != nil {
						return fmt.Errorf("dependency %s: %w", dep, err)
					}
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "dry run: would submit %s task %q (priority %s, timeout %s)\n",
					execKind, task.Command, prio, taskTimeout)
				if len(deps) > 0 {
					fmt.Fprintf(out, "dry run: after dependencies %v\n", deps)
				}
				return nil
			}

			var stdin io.Reader
			if interactive {
				stdin = cmd.InOrStdin()
			}
			if err := a.syncBudget(cmd.Context()); err != nil {
				return err
			}
			// A held queue would leave this foreground run waiting
			// forever, so refuse up front instead of gating.
			if gate := a.budgetGate(); gate != nil && !gate(cmd.Context()) {
				return fmt.Errorf("monthly budget of $%.2f exceeded; raise cost.budget or wait for the next period", a.cfg.Cost.Budget)
			}

			exec := executor.New(taskTimeout)
			runner := buildRunner(exec, st, log, cmd.OutOrStdout(), stdin)
			sched := scheduler.New(st, log, runner, scheduler.Options{
				MaxConcurrency: a.cfg.MaxConcurrency,
				TickInterval:   a.cfg.TickInterval,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := sched.Submit(ctx, task); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s submitted\n", task.ID)

			final, err := runUntilTerminal(ctx, sched, st, task.ID)
			if err != nil {
				return err
			}
			printTaskSummary(cmd, final)
			if final.Status != models.StatusCompleted {
				return fmt.Errorf("task %s %s: %s", final.ID, final.Status, final.ErrorMessage)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&priority, "priority", "p", "medium", "priority: low, medium, high, urgent")
	cmd.Flags().StringVarP(&kind, "kind", "k", "shell", "launcher: shell, python, node")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model to attribute costs to")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "execution timeout (default from config)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "re-run period for recurring tasks")
	cmd.Flags().StringSliceVar(&deps, "depends-on", nil, "task IDs that must complete first")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate without submitting or executing")
	cmd.Flags().BoolVar(&interactive, "interactive", false, "attach stdin to the task (shell tasks only)")
	return cmd
}

// runUntilTerminal ticks the scheduler until the task settles.
func runUntilTerminal(ctx context.Context, sched *scheduler.Scheduler, st *store.Store, id string) (*models.Task, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		sched.Tick(ctx)
		task, err := st.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status.IsTerminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			// Interrupted: cancel the task and report its last state.
			sched.Cancel(context.WithoutCancel(ctx), id)
			task, err := st.GetTask(context.WithoutCancel(ctx), id)
			return task, err
		case <-ticker.C:
		}
	}
}

func printTaskSummary(cmd *cobra.Command, t *models.Task) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "status:   %s\n", colorStatus(t.Status))
	if t.Duration() > 0 {
		fmt.Fprintf(out, "duration: %s\n", t.Duration().Round(timeRound))
	}
	if !t.Cost.IsZero() {
		fmt.Fprintf(out, "cost:     $%s\n", t.Cost.StringFixed(models.CostPrecision))
	}
	if t.ErrorMessage != "" {
		fmt.Fprintf(out, "error:    %s\n", t.ErrorMessage)
	}
}

func colorStatus(s models.Status) string {
	switch s {
	case models.StatusCompleted:
		return color.GreenString(string(s))
	case models.StatusFailed:
		return color.RedString(string(s))
	case models.StatusRunning:
		return color.CyanString(string(s))
	case models.StatusPaused, models.StatusCancelled:
		return color.YellowString(string(s))
	}
	return string(s)
}

func newTaskListCmd(a *app) *cobra.Command {
	var (
		status   string
		priority string
		limit    int
		offset   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.store()
			if err != nil {
				return err
			}
			filter := store.TaskFilter{Limit: limit, Offset: offset}
			if status != "" {
				parsed, err := models.ParseStatus(status)
				if err != nil {
					return &usageError{err}
				}
				filter.Status = parsed
			}
			if priority != "" {
				parsed, err := models.ParsePriority(priority)
				if err != nil {
					return &usageError{err}
				}
				filter.Priority = parsed
			}
			tasks, err := st.ListTasks(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no tasks")
				return nil
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-36s  %-9s  %-8s  %-19s  %s\n", "ID", "STATUS", "PRIORITY", "CREATED", "COMMAND")
			for _, t := range tasks {
				command := t.Command
				if len(command) > 48 {
					command = command[:45] + "..."
				}
				fmt.Fprintf(out, "%-36s  %-9s  %-8s  %-19s  %s\n",
					t.ID, t.Status, t.Priority, t.CreatedAt.Format("2006-01-02 15:04:05"), command)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "filter by status")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "filter by priority")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func newTaskShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one task in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.store()
			if err != nil {
				return err
			}
			t, err := st.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:        %s\n", t.ID)
			fmt.Fprintf(out, "command:   %s\n", t.Command)
			fmt.Fprintf(out, "kind:      %s\n", t.Kind)
			fmt.Fprintf(out, "status:    %s\n", colorStatus(t.Status))
			fmt.Fprintf(out, "priority:  %s\n", t.Priority)
			if t.Model != "" {
				fmt.Fprintf(out, "model:     %s\n", t.Model)
			}
			if t.ParentID != "" {
				fmt.Fprintf(out, "parent:    %s\n", t.ParentID)
			}
			if len(t.DependsOn) > 0 {
				fmt.Fprintf(out, "depends:   %v\n", t.DependsOn)
			}
			if t.Interval > 0 {
				fmt.Fprintf(out, "interval:  %s\n", t.Interval)
				if t.NextRunAt != nil {
					fmt.Fprintf(out, "next run:  %s\n", t.NextRunAt.Format(time.RFC3339))
				}
			}
			fmt.Fprintf(out, "tokens:    %d\n", t.ActualTokens)
			fmt.Fprintf(out, "cost:      $%s\n", t.Cost.StringFixed(models.CostPrecision))
			fmt.Fprintf(out, "created:   %s\n", t.CreatedAt.Format(time.RFC3339))
			if t.StartedAt != nil {
				fmt.Fprintf(out, "started:   %s\n", t.StartedAt.Format(time.RFC3339))
			}
			if t.CompletedAt != nil {
				fmt.Fprintf(out, "completed: %s\n", t.CompletedAt.Format(time.RFC3339))
				fmt.Fprintf(out, "duration:  %s\n", t.Duration().Round(timeRound))
			}
			if t.ErrorMessage != "" {
				fmt.Fprintf(out, "error:     %s\n", t.ErrorMessage)
			}
			return nil
		},
	}
}

func newTaskLogsCmd(a *app) *cobra.Command {
	var (
		level string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Show a task's execution logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.store()
			if err != nil {
				return err
			}
			filter := store.LogFilter{Limit: limit}
			if level != "" {
				parsed, err := models.ParseLogLevel(level)
				if err != nil {
					return &usageError{err}
				}
				filter.MinLevel = parsed
			}
			logs, err := st.ListLogs(cmd.Context(), args[0], filter)
			if err != nil {
				return err
			}
			for _, l := range logs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s [%s] %s\n",
					l.Timestamp.Format("2006-01-02 15:04:05.000"), l.Level, l.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&level, "level", "l", "", "minimum level: debug, info, warning, error, critical")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum rows (0 = all)")
	return cmd
}

func newTaskMetricsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics <id>",
		Short: "Show one task's cost and token usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.store()
			if err != nil {
				return err
			}
			t, err := st.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			records, err := st.TaskCosts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "task:     %s\n", t.ID)
			fmt.Fprintf(out, "status:   %s\n", colorStatus(t.Status))
			fmt.Fprintf(out, "cost:     $%s\n", t.Cost.StringFixed(models.CostPrecision))
			fmt.Fprintf(out, "tokens:   %d\n", t.ActualTokens)
			if t.Duration() > 0 {
				fmt.Fprintf(out, "duration: %s\n", t.Duration().Round(timeRound))
			}
			fmt.Fprintf(out, "calls:    %d\n", len(records))
			for _, r := range records {
				fmt.Fprintf(out, "  %s  %s/%s  in=%d out=%d  $%s  %dms\n",
					r.Timestamp.Format("15:04:05"), r.Provider, r.Model,
					r.InputTokens, r.OutputTokens, r.Cost.StringFixed(models.CostPrecision), r.LatencyMS)
			}
			return nil
		},
	}
}

// transitionCmd builds pause/resume/cancel, which act on the stored
// lifecycle directly. A scheduler process holding the task observes
// the change when it next persists a status.
func transitionCmd(a *app, use, short string, to models.Status) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.store()
			if err != nil {
				return err
			}
			if err := st.UpdateTaskStatus(cmd.Context(), args[0], to, ""); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s -> %s\n", args[0], to)
			return nil
		},
	}
}

func newTaskPauseCmd(a *app) *cobra.Command {
	return transitionCmd(a, "pause", "Pause a running task", models.StatusPaused)
}

func newTaskResumeCmd(a *app) *cobra.Command {
	return transitionCmd(a, "resume", "Resume a paused task", models.StatusPending)
}

func newTaskCancelCmd(a *app) *cobra.Command {
	return transitionCmd(a, "cancel", "Cancel a task", models.StatusCancelled)
}
