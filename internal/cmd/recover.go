package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/azos-dev/azos/internal/cost"
	"github.com/azos-dev/azos/internal/llm"
	"github.com/azos-dev/azos/internal/models"
	"github.com/azos-dev/azos/internal/recovery"
	"github.com/azos-dev/azos/internal/store"
)

func newAutoRecoverCmd(a *app) *cobra.Command {
	var (
		model      string
		taskID     string
		maxRetries int
		provider   string
		verbose    bool
	)
	cmd := &cobra.Command{
		Use:   "auto-recover [prompt]",
		Short: "Re-run a failed task with automatic failure recovery",
		Long: `auto-recover re-drives a failed task (or an ad-hoc prompt) through
recovery strategies: plain retries, fallback models, and a simplified
re-prompt. The attempt sequence is reported either way.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" && len(args) == 0 {
				return &usageError{errors.New("either --task-id or a prompt argument is required")}
			}

			log, err := a.logger()
			if err != nil {
				return err
			}
			client, err := a.llmClient()
			if err != nil {
				return err
			}

			var prompt string
			if len(args) == 1 {
				prompt = args[0]
			}

			var st *store.Store
			if taskID != "" {
				st, err = a.store()
				if err != nil {
					return err
				}
				task, err := st.GetTask(cmd.Context(), taskID)
				if err != nil {
					return err
				}
				if prompt == "" {
					prompt = task.Command
				}
				if model == "" {
					model = task.Model
				}
			}
			if model == "" {
				model = a.cfg.Model
			}
			if maxRetries == 0 {
				maxRetries = a.cfg.MaxRetries
			}

			rec := recovery.New(client, log, a.cfg.LiteLLM.FallbackModels, maxRetries)
			comp, tried, recErr := rec.Recover(cmd.Context(), model, prompt, llm.Options{})

			out := cmd.OutOrStdout()
			for i, att := range tried {
				outcome := "ok"
				if att.Err != nil {
					outcome = att.Err.Error()
				}
				if verbose {
					fmt.Fprintf(out, "attempt %d: %s model=%s: %s\n", i+1, att.Strategy, att.Model, outcome)
				}
				if st != nil {
					level := models.LevelInfo
					if att.Err != nil {
						level = models.LevelWarning
					}
					if err := st.AppendLog(context.WithoutCancel(cmd.Context()), &models.ExecutionLog{
						TaskID:  taskID,
						Level:   level,
						Message: fmt.Sprintf("recovery attempt %d (%s): %s", i+1, att.Strategy, outcome),
						Metadata: map[string]any{
							"strategy": string(att.Strategy),
							"model":    att.Model,
						},
					}); err != nil {
						log.Warning("task %s: append recovery log: %v", taskID, err)
					}
				}
			}
			if recErr != nil {
				fmt.Fprintf(out, "recovery failed after %d attempts\n", len(tried))
				return recErr
			}

			fmt.Fprintf(out, "recovered after %d attempt(s) with model %s\n", len(tried), comp.Model)
			fmt.Fprintln(out, comp.Text)

			if taskID != "" && a.cfg.Cost.Enabled && !comp.Cached {
				tracker, err := a.costTracker()
				if err != nil {
					return err
				}
				_, err = tracker.Track(cmd.Context(), cost.Usage{
					TaskID:       taskID,
					Model:        comp.Model,
					Provider:     provider,
					InputTokens:  comp.Usage.InputTokens,
					OutputTokens: comp.Usage.OutputTokens,
					LatencyMS:    comp.LatencyMS,
					RetryCount:   len(tried) - 1,
				})
				if errors.Is(err, store.ErrNotFound) {
					log.Warning("no pricing for %s/%s; call not charged", provider, comp.Model)
				} else if err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "model to use (default from the task, then config)")
	cmd.Flags().StringVar(&taskID, "task-id", "", "failed task to re-drive and charge")
	cmd.Flags().StringVar(&provider, "provider", "openai", "provider for pricing lookup")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "maximum attempts (default from config max_retries)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print each recovery attempt")
	return cmd
}
