package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/azos-dev/azos/internal/executor"
	"github.com/azos-dev/azos/internal/filelock"
	"github.com/azos-dev/azos/internal/models"
	"github.com/azos-dev/azos/internal/scheduler"
	"github.com/azos-dev/azos/internal/store"
	"github.com/azos-dev/azos/internal/telemetry"
)

func newSchedulerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run and control the task scheduler",
	}
	cmd.AddCommand(
		newSchedulerStartCmd(a),
		newSchedulerStopCmd(a),
		newSchedulerStatusCmd(a),
		newSchedulerListCmd(a),
		newSchedulerExecuteCmd(a),
	)
	return cmd
}

func (a *app) pidPath() string {
	return filepath.Join(a.cfg.DataDir, "azos.pid")
}

func readPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// processAlive reports whether a PID exists and accepts signals.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func newSchedulerStartCmd(a *app) *cobra.Command {
	var sampleEvery time.Duration
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the scheduler loop in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.store()
			if err != nil {
				return err
			}
			log, err := a.logger()
			if err != nil {
				return err
			}

			lock, err := filelock.Acquire(a.cfg.DataDir)
			if err != nil {
				return err
			}
			defer lock.Release()

			if err := os.WriteFile(a.pidPath(), []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
				return fmt.Errorf("write pid file: %w", err)
			}
			defer os.Remove(a.pidPath())

			if err := a.syncBudget(cmd.Context()); err != nil {
				return err
			}

			exec := executor.New(a.cfg.Timeout)
			runner := buildRunner(exec, st, log, nil, nil)
			sched := scheduler.New(st, log, runner, scheduler.Options{
				MaxConcurrency: a.cfg.MaxConcurrency,
				TickInterval:   a.cfg.TickInterval,
				BudgetOK:       a.budgetGate(),
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			adopted, err := adoptStoredTasks(ctx, st, sched, log)
			if err != nil {
				return err
			}
			log.Info("scheduler started (pid %d, concurrency %d, %d tasks adopted)",
				os.Getpid(), a.cfg.MaxConcurrency, adopted)

			collector := telemetry.NewCollector(a.cfg.DataDir)
			evaluator := telemetry.NewEvaluator(collector, nil)
			go collector.Run(ctx, sampleEvery)
			go watchAlerts(ctx, evaluator, log, sampleEvery)

			llmc, err := a.llmClient()
			if err != nil {
				return err
			}
			health := telemetry.NewHealthChecker(collector, a.cfg.DataDir,
				telemetry.PingFunc(st.Ping), telemetry.PingFunc(llmc.Ping))
			go watchHealth(ctx, health, log, sampleEvery)

			sched.Run(ctx)
			log.Info("scheduler stopped")
			return nil
		},
	}
	cmd.Flags().DurationVar(&sampleEvery, "sample-interval", 15*time.Second, "telemetry sampling period")
	return cmd
}

// adoptStoredTasks re-admits work left over from a previous process:
// pending tasks requeue as-is, tasks stranded in running restart from
// their latest snapshot semantics (park to paused, then requeue), and
// tasks parked paused by a graceful shutdown requeue too. Tasks paused
// by the user stay paused.
func adoptStoredTasks(ctx context.Context, st *store.Store, sched *scheduler.Scheduler, log interface {
	Warning(format string, args ...any)
}) (int, error) {
	adopted := 0

	stranded, err := st.ListTasks(ctx, store.TaskFilter{Status: models.StatusRunning})
	if err != nil {
		return 0, err
	}
	for _, t := range stranded {
		if err := st.UpdateTaskStatus(ctx, t.ID, models.StatusPaused, ""); err != nil {
			log.Warning("task %s: park stranded task: %v", t.ID, err)
			continue
		}
		if err := st.UpdateTaskStatus(ctx, t.ID, models.StatusPending, ""); err != nil {
			log.Warning("task %s: requeue stranded task: %v", t.ID, err)
		}
	}

	parked, err := st.ListTasks(ctx, store.TaskFilter{Status: models.StatusPaused})
	if err != nil {
		return 0, err
	}
	for _, t := range parked {
		snap, err := st.LatestSnapshot(ctx, t.ID)
		if err != nil || snap.Description != scheduler.ShutdownNote {
			continue
		}
		if err := st.UpdateTaskStatus(ctx, t.ID, models.StatusPending, ""); err != nil {
			log.Warning("task %s: requeue parked task: %v", t.ID, err)
		}
	}

	pending, err := st.ListTasks(ctx, store.TaskFilter{Status: models.StatusPending})
	if err != nil {
		return 0, err
	}
	for _, t := range pending {
		// Resubmission preserves the stored row: delete then recreate
		// would lose logs and cost records, so adopt in place.
		if err := sched.Adopt(ctx, t); err != nil {
			log.Warning("task %s: adopt: %v", t.ID, err)
			continue
		}
		adopted++
	}
	return adopted, nil
}

func watchAlerts(ctx context.Context, evaluator *telemetry.Evaluator, log interface {
	Warning(format string, args ...any)
	Critical(format string, args ...any)
}, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, alert := range evaluator.Evaluate() {
				if alert.Severity == telemetry.SeverityCritical {
					log.Critical("alert %s: %s=%.2f", alert.Rule, alert.Metric, alert.Value)
				} else {
					log.Warning("alert %s: %s=%.2f", alert.Rule, alert.Metric, alert.Value)
				}
			}
		}
	}
}

// watchHealth runs the probe set on the telemetry cadence and logs any
// component that is not healthy. Healthy probes stay quiet.
func watchHealth(ctx context.Context, checker *telemetry.HealthChecker, log interface {
	Warning(format string, args ...any)
	Error(format string, args ...any)
}, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, check := range checker.CheckAll(ctx) {
				switch check.Status {
				case telemetry.Unhealthy:
					log.Error("health %s: %s", check.Name, check.Detail)
				case telemetry.Degraded:
					log.Warning("health %s: %s", check.Name, check.Detail)
				}
			}
		}
	}
}

func newSchedulerStopCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Signal a running scheduler to shut down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.loadConfig(); err != nil {
				return err
			}
			pid, err := readPid(a.pidPath())
			if os.IsNotExist(err) {
				return fmt.Errorf("no scheduler is running (no pid file at %s)", a.pidPath())
			}
			if err != nil {
				return err
			}
			if !processAlive(pid) {
				os.Remove(a.pidPath())
				return fmt.Errorf("scheduler pid %d is not running; removed stale pid file", pid)
			}
			if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
				return fmt.Errorf("signal scheduler pid %d: %w", pid, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent SIGTERM to scheduler (pid %d)\n", pid)
			return nil
		},
	}
}

func newSchedulerStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show scheduler liveness and queue depths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.store()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			pid, err := readPid(a.pidPath())
			switch {
			case os.IsNotExist(err):
				fmt.Fprintln(out, "scheduler: not running")
			case err != nil:
				return err
			case processAlive(pid):
				fmt.Fprintf(out, "scheduler: running (pid %d)\n", pid)
			default:
				fmt.Fprintf(out, "scheduler: not running (stale pid file for %d)\n", pid)
			}

			counts, err := st.CountTasksByStatus(cmd.Context())
			if err != nil {
				return err
			}
			for _, status := range []models.Status{
				models.StatusPending, models.StatusRunning, models.StatusPaused,
				models.StatusCompleted, models.StatusFailed, models.StatusCancelled,
			} {
				if counts[status] > 0 {
					fmt.Fprintf(out, "%-10s %d\n", status+":", counts[status])
				}
			}
			return nil
		},
	}
}

func newSchedulerListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued and in-flight tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.store()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			empty := true
			for _, status := range []models.Status{models.StatusRunning, models.StatusPending, models.StatusPaused} {
				tasks, err := st.ListTasks(cmd.Context(), store.TaskFilter{Status: status})
				if err != nil {
					return err
				}
				for _, t := range tasks {
					empty = false
					fmt.Fprintf(out, "%-36s  %-8s  %-8s  %s\n", t.ID, t.Status, t.Priority, t.Command)
				}
			}
			if empty {
				fmt.Fprintln(out, "queue is empty")
			}
			return nil
		},
	}
}

func newSchedulerExecuteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "execute <id>",
		Short: "Run one pending task immediately in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.store()
			if err != nil {
				return err
			}
			log, err := a.logger()
			if err != nil {
				return err
			}

			task, err := st.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if task.Status != models.StatusPending {
				return fmt.Errorf("task %s is %s, only pending tasks execute directly", task.ID, task.Status)
			}

			exec := executor.New(a.cfg.Timeout)
			runner := buildRunner(exec, st, log, cmd.OutOrStdout(), nil)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := st.UpdateTaskStatus(ctx, task.ID, models.StatusRunning, ""); err != nil {
				return err
			}
			runErr := runner(ctx, task)
			settle := context.WithoutCancel(ctx)
			if runErr != nil {
				st.UpdateTaskStatus(settle, task.ID, models.StatusFailed, runErr.Error())
			} else {
				st.UpdateTaskStatus(settle, task.ID, models.StatusCompleted, "")
			}

			final, err := st.GetTask(settle, task.ID)
			if err != nil {
				return err
			}
			printTaskSummary(cmd, final)
			if runErr != nil {
				return fmt.Errorf("task %s failed: %w", task.ID, runErr)
			}
			return nil
		},
	}
}
