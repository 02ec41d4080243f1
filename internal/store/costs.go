package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/azos-dev/azos/internal/models"
)

// RecordCost appends one cost record and folds its amount into the
// owning task's accumulated cost and token count, atomically. Records
// are keyed by ID so a retried write is a no-op.
func (s *Store) RecordCost(ctx context.Context, r *models.CostRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO cost_records
				(id, task_id, model, provider, input_tokens, output_tokens,
				 cost_usd, latency_ms, retry_count, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.TaskID, r.Model, r.Provider, r.InputTokens, r.OutputTokens,
			r.Cost.String(), r.LatencyMS, r.RetryCount, r.Timestamp)
		if err != nil {
			return fmt.Errorf("insert cost record %s: %w", r.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil // duplicate, already accounted
		}

		var current string
		err = tx.QueryRowContext(ctx, `SELECT cost_usd FROM tasks WHERE id = ?`, r.TaskID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", r.TaskID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read task %s cost: %w", r.TaskID, err)
		}
		total, err := decimal.NewFromString(current)
		if err != nil {
			return fmt.Errorf("task %s: parse cost: %w", r.TaskID, err)
		}
		total = total.Add(r.Cost)

		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET cost_usd = ?, actual_tokens = actual_tokens + ?, updated_at = ?
			WHERE id = ?`,
			total.String(), r.InputTokens+r.OutputTokens, time.Now().UTC(), r.TaskID)
		if err != nil {
			return fmt.Errorf("update task %s cost: %w", r.TaskID, err)
		}
		return nil
	})
}

// ListCosts returns cost records in the [since, until) window, oldest
// first. A zero until means now.
func (s *Store) ListCosts(ctx context.Context, since, until time.Time) ([]*models.CostRecord, error) {
	if until.IsZero() {
		until = time.Now().UTC()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, model, provider, input_tokens, output_tokens,
			cost_usd, latency_ms, retry_count, timestamp
		FROM cost_records
		WHERE timestamp >= ? AND timestamp < ?
		ORDER BY timestamp`, since, until)
	if err != nil {
		return nil, fmt.Errorf("list cost records: %w", err)
	}
	defer rows.Close()

	var records []*models.CostRecord
	for rows.Next() {
		r, err := scanCostRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// TaskCosts returns all cost records for one task, oldest first.
func (s *Store) TaskCosts(ctx context.Context, taskID string) ([]*models.CostRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, model, provider, input_tokens, output_tokens,
			cost_usd, latency_ms, retry_count, timestamp
		FROM cost_records WHERE task_id = ? ORDER BY timestamp`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list cost records for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var records []*models.CostRecord
	for rows.Next() {
		r, err := scanCostRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// TotalCost sums all cost records since the cutoff. Summation happens
// in decimal arithmetic, not SQL, so no precision is lost.
func (s *Store) TotalCost(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	records, err := s.ListCosts(ctx, since, time.Time{})
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, r := range records {
		total = total.Add(r.Cost)
	}
	return total, nil
}

// AggregateCosts rolls cost records since the cutoff into time buckets.
func (s *Store) AggregateCosts(ctx context.Context, bucket models.CostBucket, since time.Time) ([]*models.CostAggregate, error) {
	records, err := s.ListCosts(ctx, since, time.Time{})
	if err != nil {
		return nil, err
	}

	type acc struct {
		cost    decimal.Decimal
		count   int64
		latency int64
	}
	byBucket := make(map[string]*acc)
	for _, r := range records {
		label, err := bucketLabel(bucket, r.Timestamp)
		if err != nil {
			return nil, err
		}
		a := byBucket[label]
		if a == nil {
			a = &acc{cost: decimal.Zero}
			byBucket[label] = a
		}
		a.cost = a.cost.Add(r.Cost)
		a.count++
		a.latency += r.LatencyMS
	}

	labels := make([]string, 0, len(byBucket))
	for label := range byBucket {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	out := make([]*models.CostAggregate, 0, len(labels))
	for _, label := range labels {
		a := byBucket[label]
		out = append(out, &models.CostAggregate{
			Bucket:       label,
			TotalCost:    a.cost,
			RequestCount: a.count,
			AvgLatencyMS: float64(a.latency) / float64(a.count),
		})
	}
	return out, nil
}

func bucketLabel(bucket models.CostBucket, t time.Time) (string, error) {
	t = t.UTC()
	switch bucket {
	case models.BucketHour:
		return t.Format("2006-01-02 15:00"), nil
	case models.BucketDay:
		return t.Format("2006-01-02"), nil
	case models.BucketWeek:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week), nil
	case models.BucketMonth:
		return t.Format("2006-01"), nil
	case models.BucketYear:
		return t.Format("2006"), nil
	}
	return "", fmt.Errorf("invalid cost bucket %q", bucket)
}

// ModelBreakdown summarizes spend per (model, provider) since the cutoff,
// most expensive first.
func (s *Store) ModelBreakdown(ctx context.Context, since time.Time) ([]*models.ModelCostBreakdown, error) {
	records, err := s.ListCosts(ctx, since, time.Time{})
	if err != nil {
		return nil, err
	}

	byModel := make(map[string]*models.ModelCostBreakdown)
	var order []string
	for _, r := range records {
		key := r.Model + "\x00" + r.Provider
		b := byModel[key]
		if b == nil {
			b = &models.ModelCostBreakdown{Model: r.Model, Provider: r.Provider, TotalCost: decimal.Zero}
			byModel[key] = b
			order = append(order, key)
		}
		b.TotalCost = b.TotalCost.Add(r.Cost)
		b.InputTokens += r.InputTokens
		b.OutputTokens += r.OutputTokens
		b.RequestCount++
	}

	out := make([]*models.ModelCostBreakdown, 0, len(order))
	for _, key := range order {
		out = append(out, byModel[key])
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TotalCost.GreaterThan(out[j].TotalCost)
	})
	return out, nil
}

// GetBudget returns the configured budget, or ErrNotFound if none is set.
func (s *Store) GetBudget(ctx context.Context) (*models.Budget, error) {
	var amount, pct string
	var checked sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT amount_usd, alert_percentage, last_checked_at FROM budget WHERE id = 1`).
		Scan(&amount, &pct, &checked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("budget: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read budget: %w", err)
	}

	var b models.Budget
	if b.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse budget amount: %w", err)
	}
	if b.AlertPercentage, err = decimal.NewFromString(pct); err != nil {
		return nil, fmt.Errorf("parse budget alert percentage: %w", err)
	}
	if checked.Valid {
		b.LastCheckedAt = checked.Time
	}
	return &b, nil
}

// SetBudget creates or replaces the singleton budget row.
func (s *Store) SetBudget(ctx context.Context, b *models.Budget) error {
	_, err := s.execWithRetry(ctx, `
		INSERT INTO budget (id, amount_usd, alert_percentage, last_checked_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			amount_usd = excluded.amount_usd,
			alert_percentage = excluded.alert_percentage,
			last_checked_at = excluded.last_checked_at`,
		b.Amount.String(), b.AlertPercentage.String(), nullIfZeroTime(b.LastCheckedAt))
	if err != nil {
		return fmt.Errorf("set budget: %w", err)
	}
	return nil
}

// TouchBudget records when the budget was last evaluated.
func (s *Store) TouchBudget(ctx context.Context, at time.Time) error {
	_, err := s.execWithRetry(ctx, `UPDATE budget SET last_checked_at = ? WHERE id = 1`, at)
	if err != nil {
		return fmt.Errorf("touch budget: %w", err)
	}
	return nil
}

// GetModelPricing returns the pricing row for a (model, provider) pair.
func (s *Store) GetModelPricing(ctx context.Context, model, provider string) (*models.ModelPricing, error) {
	var p models.ModelPricing
	var in, out, cache string
	err := s.db.QueryRowContext(ctx, `
		SELECT model, provider, input_per_1k, output_per_1k, cache_per_1k, updated_at
		FROM model_pricing WHERE model = ? AND provider = ?`, model, provider).
		Scan(&p.Model, &p.Provider, &in, &out, &cache, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pricing for %s/%s: %w", model, provider, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read pricing for %s/%s: %w", model, provider, err)
	}
	if p.InputPer1K, err = decimal.NewFromString(in); err != nil {
		return nil, fmt.Errorf("parse input price: %w", err)
	}
	if p.OutputPer1K, err = decimal.NewFromString(out); err != nil {
		return nil, fmt.Errorf("parse output price: %w", err)
	}
	if p.CachePer1K, err = decimal.NewFromString(cache); err != nil {
		return nil, fmt.Errorf("parse cache price: %w", err)
	}
	return &p, nil
}

// UpsertModelPricing creates or updates a pricing row.
func (s *Store) UpsertModelPricing(ctx context.Context, p *models.ModelPricing) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err := s.execWithRetry(ctx, `
		INSERT INTO model_pricing (model, provider, input_per_1k, output_per_1k, cache_per_1k, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(model, provider) DO UPDATE SET
			input_per_1k = excluded.input_per_1k,
			output_per_1k = excluded.output_per_1k,
			cache_per_1k = excluded.cache_per_1k,
			updated_at = excluded.updated_at`,
		p.Model, p.Provider, p.InputPer1K.String(), p.OutputPer1K.String(),
		p.CachePer1K.String(), p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert pricing for %s/%s: %w", p.Model, p.Provider, err)
	}
	return nil
}

func scanCostRecord(row rowScanner) (*models.CostRecord, error) {
	var r models.CostRecord
	var cost string
	err := row.Scan(&r.ID, &r.TaskID, &r.Model, &r.Provider, &r.InputTokens,
		&r.OutputTokens, &cost, &r.LatencyMS, &r.RetryCount, &r.Timestamp)
	if err != nil {
		return nil, err
	}
	if r.Cost, err = decimal.NewFromString(cost); err != nil {
		return nil, fmt.Errorf("cost record %s: parse cost: %w", r.ID, err)
	}
	return &r, nil
}

func nullIfZeroTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
