// Package cmd implements the azos command line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/azos-dev/azos/internal/config"
	"github.com/azos-dev/azos/internal/cost"
	"github.com/azos-dev/azos/internal/llm"
	"github.com/azos-dev/azos/internal/logger"
	"github.com/azos-dev/azos/internal/mcp"
	"github.com/azos-dev/azos/internal/models"
	"github.com/azos-dev/azos/internal/store"
)

// usageError marks input mistakes so main can exit 1 instead of 2.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// IsUsageError reports whether err stems from bad user input.
func IsUsageError(err error) bool {
	var ue *usageError
	return errors.As(err, &ue)
}

// app carries lazily-initialized shared state across commands.
type app struct {
	cfgPath string
	cfg     *config.Config
	log     *logger.Logger
	st      *store.Store
}

func (a *app) loadConfig() error {
	if a.cfg != nil {
		return nil
	}
	cfg, err := config.LoadConfig(a.cfgPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

func (a *app) logger() (*logger.Logger, error) {
	if a.log != nil {
		return a.log, nil
	}
	if err := a.loadConfig(); err != nil {
		return nil, err
	}
	level, err := models.ParseLogLevel(levelToModel(a.cfg.LogLevel))
	if err != nil {
		return nil, err
	}
	log, err := logger.New(level, a.cfg.LogDir)
	if err != nil {
		return nil, err
	}
	a.log = log
	return log, nil
}

func (a *app) store() (*store.Store, error) {
	if a.st != nil {
		return a.st, nil
	}
	if err := a.loadConfig(); err != nil {
		return nil, err
	}
	st, err := store.Open(filepath.Join(a.cfg.DataDir, "azos.db"))
	if err != nil {
		return nil, err
	}
	a.st = st
	return st, nil
}

func (a *app) llmClient() (*llm.Client, error) {
	if err := a.loadConfig(); err != nil {
		return nil, err
	}
	lc := a.cfg.LiteLLM
	return llm.NewClient(lc.BaseURL, lc.APIKey, a.cfg.Timeout, lc.CacheSize, lc.CacheTTL, a.cfg.MaxRetries), nil
}

func (a *app) mcpClient() (*mcp.Client, error) {
	st, err := a.store()
	if err != nil {
		return nil, err
	}
	return mcp.NewClient(a.cfg.MCP.ServerURL, a.cfg.MCP.Timeout, st, a.cfg.MaxRetries), nil
}

func (a *app) costTracker() (*cost.Tracker, error) {
	st, err := a.store()
	if err != nil {
		return nil, err
	}
	return cost.NewTracker(st), nil
}

// budgetGate returns a scheduler admission check that holds the queue
// while the configured monthly budget is exceeded. Budget-read errors
// fail open so a transient store problem cannot stall dispatch.
func (a *app) budgetGate() func(ctx context.Context) bool {
	if !a.cfg.Cost.Enabled || a.cfg.Cost.Budget <= 0 {
		return nil
	}
	tracker, err := a.costTracker()
	if err != nil {
		return nil
	}
	return func(ctx context.Context) bool {
		status, err := tracker.CheckBudget(ctx)
		if err != nil {
			if a.log != nil {
				a.log.Warning("budget check: %v", err)
			}
			return true
		}
		return !status.Exceeded
	}
}

func (a *app) close() {
	if a.st != nil {
		a.st.Close()
	}
	if a.log != nil {
		a.log.Close()
	}
}

// levelToModel maps config-level spellings (upper case) onto model
// log levels (lower case).
func levelToModel(level string) string {
	switch level {
	case "DEBUG":
		return "debug"
	case "WARNING":
		return "warning"
	case "ERROR":
		return "error"
	case "CRITICAL":
		return "critical"
	default:
		return "info"
	}
}

// NewRootCmd builds the azos command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "azos",
		Short: "Durable task execution runtime",
		Long: `azos runs commands and AI-assisted tasks with durable state,
priority scheduling, dependency ordering, cost tracking, and recovery.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "config file (default "+config.DefaultPath()+")")

	root.AddCommand(
		newTaskCmd(a),
		newConfigCmd(a),
		newMetricsCmd(a),
		newLogsCmd(a),
		newSchedulerCmd(a),
		newToolCmd(a),
		newAutoRecoverCmd(a),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if IsUsageError(err) {
			return 1
		}
		return 2
	}
	return 0
}
