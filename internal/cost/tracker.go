// Package cost computes and records per-call spend in exact decimal
// arithmetic and watches the configured budget.
package cost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/azos-dev/azos/internal/models"
	"github.com/azos-dev/azos/internal/store"
)

// pricingTTL is how long a pricing row is served from memory before
// the store is consulted again.
const pricingTTL = 5 * time.Minute

var perThousand = decimal.NewFromInt(1000)

// Usage describes one model call to be charged.
type Usage struct {
	TaskID       string
	Model        string
	Provider     string
	InputTokens  int64
	OutputTokens int64
	LatencyMS    int64
	RetryCount   int
}

// BudgetStatus is the result of a budget check.
type BudgetStatus struct {
	Configured bool
	Spend      decimal.Decimal
	Budget     decimal.Decimal
	Threshold  decimal.Decimal
	Alert      bool // spend has reached the alert threshold
	Exceeded   bool // spend has reached the full budget
}

type cachedPricing struct {
	pricing *models.ModelPricing
	fetched time.Time
}

// Tracker records costs against the store.
type Tracker struct {
	store *store.Store

	mu      sync.Mutex
	pricing map[string]cachedPricing
	now     func() time.Time
}

// NewTracker creates a cost tracker backed by the given store.
func NewTracker(s *store.Store) *Tracker {
	return &Tracker{
		store:   s,
		pricing: make(map[string]cachedPricing),
		now:     time.Now,
	}
}

// Price computes the USD cost of a call without recording it, rounded
// half-up at six decimal places.
func Price(p *models.ModelPricing, inputTokens, outputTokens int64) decimal.Decimal {
	in := decimal.NewFromInt(inputTokens).Div(perThousand).Mul(p.InputPer1K)
	out := decimal.NewFromInt(outputTokens).Div(perThousand).Mul(p.OutputPer1K)
	return in.Add(out).Round(models.CostPrecision)
}

// Track prices a model call and appends the cost record, folding the
// amount into the owning task. Returns the stored record.
func (t *Tracker) Track(ctx context.Context, u Usage) (*models.CostRecord, error) {
	pricing, err := t.lookupPricing(ctx, u.Model, u.Provider)
	if err != nil {
		return nil, err
	}

	rec := &models.CostRecord{
		ID:           uuid.NewString(),
		TaskID:       u.TaskID,
		Model:        u.Model,
		Provider:     u.Provider,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		Cost:         Price(pricing, u.InputTokens, u.OutputTokens),
		LatencyMS:    u.LatencyMS,
		RetryCount:   u.RetryCount,
		Timestamp:    t.now().UTC(),
	}
	if err := t.store.RecordCost(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// lookupPricing serves pricing from a short-lived memory cache so the
// hot path does not hit SQLite on every call.
func (t *Tracker) lookupPricing(ctx context.Context, model, provider string) (*models.ModelPricing, error) {
	key := model + "/" + provider

	t.mu.Lock()
	if cached, ok := t.pricing[key]; ok && t.now().Sub(cached.fetched) < pricingTTL {
		t.mu.Unlock()
		return cached.pricing, nil
	}
	t.mu.Unlock()

	pricing, err := t.store.GetModelPricing(ctx, model, provider)
	if err != nil {
		return nil, fmt.Errorf("pricing lookup for %s/%s: %w", model, provider, err)
	}

	t.mu.Lock()
	t.pricing[key] = cachedPricing{pricing: pricing, fetched: t.now()}
	t.mu.Unlock()
	return pricing, nil
}

// InvalidatePricing drops the in-memory pricing cache, forcing the
// next lookup back to the store.
func (t *Tracker) InvalidatePricing() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pricing = make(map[string]cachedPricing)
}

// DailyCost returns total spend for the UTC day containing at.
func (t *Tracker) DailyCost(ctx context.Context, at time.Time) (decimal.Decimal, error) {
	day := at.UTC().Truncate(24 * time.Hour)
	records, err := t.store.ListCosts(ctx, day, day.Add(24*time.Hour))
	if err != nil {
		return decimal.Zero, err
	}
	return sumCosts(records), nil
}

// TaskCost returns total spend attributed to one task.
func (t *Tracker) TaskCost(ctx context.Context, taskID string) (decimal.Decimal, error) {
	records, err := t.store.TaskCosts(ctx, taskID)
	if err != nil {
		return decimal.Zero, err
	}
	return sumCosts(records), nil
}

// ModelCost returns spend per model since the cutoff.
func (t *Tracker) ModelCost(ctx context.Context, since time.Time) ([]*models.ModelCostBreakdown, error) {
	return t.store.ModelBreakdown(ctx, since)
}

// CheckBudget compares month-to-date spend against the configured
// budget. With no budget configured it reports Configured=false and
// never alerts.
func (t *Tracker) CheckBudget(ctx context.Context) (*BudgetStatus, error) {
	budget, err := t.store.GetBudget(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return &BudgetStatus{Spend: decimal.Zero}, nil
	}
	if err != nil {
		return nil, err
	}

	now := t.now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	spend, err := t.store.TotalCost(ctx, monthStart)
	if err != nil {
		return nil, err
	}

	threshold := budget.Threshold()
	status := &BudgetStatus{
		Configured: true,
		Spend:      spend,
		Budget:     budget.Amount,
		Threshold:  threshold,
		Alert:      spend.GreaterThanOrEqual(threshold),
		Exceeded:   spend.GreaterThanOrEqual(budget.Amount),
	}
	if err := t.store.TouchBudget(ctx, now); err != nil {
		return nil, err
	}
	return status, nil
}

func sumCosts(records []*models.CostRecord) decimal.Decimal {
	total := decimal.Zero
	for _, r := range records {
		total = total.Add(r.Cost)
	}
	return total
}
