package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/azos-dev/azos/internal/models"
)

func newMetricsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Cost and usage reporting",
	}
	cmd.AddCommand(
		newMetricsShowCmd(a),
		newMetricsExportCmd(a),
		newMetricsTaskCmd(a),
		newMetricsModelCmd(a),
		newMetricsAggregateCmd(a),
	)
	return cmd
}

// syncBudget pushes the configured budget into the store so checks see
// the current ceiling.
func (a *app) syncBudget(ctx context.Context) error {
	if a.cfg.Cost.Budget <= 0 {
		return nil
	}
	st, err := a.store()
	if err != nil {
		return err
	}
	return st.SetBudget(ctx, &models.Budget{
		Amount:          decimal.NewFromFloat(a.cfg.Cost.Budget),
		AlertPercentage: decimal.NewFromFloat(a.cfg.Cost.AlertPercentage),
	})
}

func newMetricsShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show today's activity and budget state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.store()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := a.syncBudget(ctx); err != nil {
				return err
			}

			summary, err := st.DailyMetrics(ctx, time.Now())
			if err != nil {
				return err
			}
			counts, err := st.CountTasksByStatus(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "day:        %s\n", summary.Day)
			fmt.Fprintf(out, "completed:  %d\n", summary.TasksCompleted)
			fmt.Fprintf(out, "failed:     %d\n", summary.TasksFailed)
			fmt.Fprintf(out, "requests:   %d\n", summary.Requests)
			fmt.Fprintf(out, "tokens:     %d\n", summary.TotalTokens)
			fmt.Fprintf(out, "cost:       $%s\n", summary.TotalCost.StringFixed(models.CostPrecision))
			fmt.Fprintf(out, "in flight:  %d running, %d pending, %d paused\n",
				counts[models.StatusRunning], counts[models.StatusPending], counts[models.StatusPaused])

			tracker, err := a.costTracker()
			if err != nil {
				return err
			}
			status, err := tracker.CheckBudget(ctx)
			if err != nil {
				return err
			}
			if !status.Configured {
				fmt.Fprintln(out, "budget:     not configured")
				return nil
			}
			fmt.Fprintf(out, "budget:     $%s spent of $%s this month\n",
				status.Spend.StringFixed(models.CostPrecision), status.Budget.String())
			switch {
			case status.Exceeded:
				fmt.Fprintln(out, color.RedString("budget exceeded"))
			case status.Alert:
				fmt.Fprintf(out, "%s\n", color.YellowString(
					"budget alert: spend has reached $%s (threshold $%s)",
					status.Spend.StringFixed(models.CostPrecision), status.Threshold.String()))
			}
			return nil
		},
	}
}

func newMetricsExportCmd(a *app) *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export cost records as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.store()
			if err != nil {
				return err
			}
			cutoff := time.Time{}
			if since > 0 {
				cutoff = time.Now().UTC().Add(-since)
			}
			records, err := st.ListCosts(cmd.Context(), cutoff, time.Time{})
			if err != nil {
				return err
			}

			type exportRecord struct {
				ID           string `json:"id"`
				TaskID       string `json:"task_id"`
				Model        string `json:"model"`
				Provider     string `json:"provider"`
				InputTokens  int64  `json:"input_tokens"`
				OutputTokens int64  `json:"output_tokens"`
				CostUSD      string `json:"cost_usd"`
				LatencyMS    int64  `json:"latency_ms"`
				Timestamp    string `json:"timestamp"`
			}
			out := make([]exportRecord, 0, len(records))
			for _, r := range records {
				out = append(out, exportRecord{
					ID:           r.ID,
					TaskID:       r.TaskID,
					Model:        r.Model,
					Provider:     r.Provider,
					InputTokens:  r.InputTokens,
					OutputTokens: r.OutputTokens,
					CostUSD:      r.Cost.StringFixed(models.CostPrecision),
					LatencyMS:    r.LatencyMS,
					Timestamp:    r.Timestamp.UTC().Format(time.RFC3339),
				})
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().DurationVar(&since, "since", 0, "only records newer than this age (0 = all)")
	return cmd
}

func newMetricsTaskCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "task <id>",
		Short: "Show cost for one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := a.costTracker()
			if err != nil {
				return err
			}
			total, err := tracker.TaskCost(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s cost: $%s\n", args[0], total.StringFixed(models.CostPrecision))
			return nil
		},
	}
}

func newMetricsModelCmd(a *app) *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Show cost per model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := a.costTracker()
			if err != nil {
				return err
			}
			cutoff := time.Time{}
			if since > 0 {
				cutoff = time.Now().UTC().Add(-since)
			}
			breakdown, err := tracker.ModelCost(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			if len(breakdown) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no cost records")
				return nil
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-24s  %-10s  %10s  %10s  %8s  %s\n",
				"MODEL", "PROVIDER", "IN TOKENS", "OUT TOKENS", "CALLS", "COST")
			for _, b := range breakdown {
				fmt.Fprintf(out, "%-24s  %-10s  %10d  %10d  %8d  $%s\n",
					b.Model, b.Provider, b.InputTokens, b.OutputTokens,
					b.RequestCount, b.TotalCost.StringFixed(models.CostPrecision))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 0, "only records newer than this age (0 = all)")
	return cmd
}

func newMetricsAggregateCmd(a *app) *cobra.Command {
	var (
		bucket string
		since  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Show cost rolled up by time bucket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b := models.CostBucket(bucket)
			switch b {
			case models.BucketHour, models.BucketDay, models.BucketWeek, models.BucketMonth, models.BucketYear:
			default:
				return &usageError{fmt.Errorf("invalid bucket %q, must be one of: hour, day, week, month, year", bucket)}
			}
			st, err := a.store()
			if err != nil {
				return err
			}
			cutoff := time.Time{}
			if since > 0 {
				cutoff = time.Now().UTC().Add(-since)
			}
			aggs, err := st.AggregateCosts(cmd.Context(), b, cutoff)
			if err != nil {
				return err
			}
			if len(aggs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no cost records")
				return nil
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-16s  %8s  %12s  %s\n", "BUCKET", "CALLS", "AVG LATENCY", "COST")
			for _, agg := range aggs {
				fmt.Fprintf(out, "%-16s  %8d  %10.0fms  $%s\n",
					agg.Bucket, agg.RequestCount, agg.AvgLatencyMS,
					agg.TotalCost.StringFixed(models.CostPrecision))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&bucket, "bucket", "b", "day", "bucket: hour, day, week, month, year")
	cmd.Flags().DurationVar(&since, "since", 0, "only records newer than this age (0 = all)")
	return cmd
}
