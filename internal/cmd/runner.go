package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/azos-dev/azos/internal/executor"
	"github.com/azos-dev/azos/internal/logger"
	"github.com/azos-dev/azos/internal/models"
	"github.com/azos-dev/azos/internal/scheduler"
	"github.com/azos-dev/azos/internal/store"
)

const timeRound = 10 * time.Millisecond

// buildRunner wires the subprocess executor into the scheduler. Output
// lines land both in the task's rotating log file and in the
// execution_logs table, so `task logs` works after the process exits.
// When echo is non-nil, output is mirrored there as well (the
// foreground `task run` path). stdin, when non-nil, is handed to shell
// tasks for interactive runs.
func buildRunner(exec *executor.Executor, st *store.Store, log *logger.Logger, echo io.Writer, stdin io.Reader) scheduler.Runner {
	return func(ctx context.Context, task *models.Task) error {
		taskLog, err := log.TaskWriter(task.ID)
		if err != nil {
			return err
		}
		if taskLog != nil {
			defer taskLog.Close()
		}

		appendLog := func(level models.LogLevel, msg string, meta map[string]any) {
			if err := st.AppendLog(context.WithoutCancel(ctx), &models.ExecutionLog{
				TaskID:   task.ID,
				Level:    level,
				Message:  msg,
				Metadata: meta,
			}); err != nil {
				log.Warning("task %s: append log: %v", task.ID, err)
			}
		}

		// Start/end markers are debug level so a one-line command leaves
		// exactly its output at info.
		appendLog(models.LevelDebug, "execution started", map[string]any{
			"kind": string(task.Kind),
		})

		res, err := exec.Execute(ctx, executor.Request{
			Kind:   task.Kind,
			Source: task.Command,
			Stdin:  stdin,
			Stream: func(stream, line string) {
				if taskLog != nil {
					fmt.Fprintf(taskLog, "[%s] %s\n", stream, line)
				}
				if echo != nil {
					fmt.Fprintln(echo, line)
				}
				level := models.LevelInfo
				if stream == "stderr" {
					level = models.LevelWarning
				}
				appendLog(level, line, map[string]any{"stream": stream})
			},
		})
		if err != nil {
			appendLog(models.LevelError, "launch failed: "+err.Error(), nil)
			return err
		}

		meta := map[string]any{
			"exit_code":  res.ExitCode,
			"status":     string(res.Status),
			"elapsed_ms": res.Elapsed.Milliseconds(),
		}
		switch res.Status {
		case executor.RunCompleted:
			appendLog(models.LevelDebug, "execution completed", meta)
			return nil
		case executor.RunTimedOut:
			appendLog(models.LevelError, "execution timed out", meta)
			return fmt.Errorf("timed out after %s (exit code %d)", res.Elapsed.Round(timeRound), res.ExitCode)
		default:
			appendLog(models.LevelError, "execution failed", meta)
			return fmt.Errorf("exit code %d", res.ExitCode)
		}
	}
}
