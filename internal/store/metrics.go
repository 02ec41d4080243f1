package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/azos-dev/azos/internal/models"
)

// DailySummary is a one-day activity rollup.
type DailySummary struct {
	Day            string
	TasksCompleted int64
	TasksFailed    int64
	TotalCost      decimal.Decimal
	TotalTokens    int64
	Requests       int64
}

// DailyMetrics summarizes activity for the UTC day containing at.
func (s *Store) DailyMetrics(ctx context.Context, at time.Time) (*DailySummary, error) {
	day := at.UTC().Truncate(24 * time.Hour)
	next := day.Add(24 * time.Hour)

	summary := &DailySummary{
		Day:       day.Format("2006-01-02"),
		TotalCost: decimal.Zero,
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM tasks
		WHERE completed_at >= ? AND completed_at < ?
		GROUP BY status`, day, next)
	if err != nil {
		return nil, fmt.Errorf("daily task counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch models.Status(status) {
		case models.StatusCompleted:
			summary.TasksCompleted = n
		case models.StatusFailed:
			summary.TasksFailed = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	records, err := s.ListCosts(ctx, day, next)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		summary.TotalCost = summary.TotalCost.Add(r.Cost)
		summary.TotalTokens += r.InputTokens + r.OutputTokens
		summary.Requests++
	}
	return summary, nil
}
