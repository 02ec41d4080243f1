package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CostPrecision is the number of decimal places at which costs are
// stored. Rounding is half-up at this precision.
const CostPrecision = 6

// CostRecord is an append-only accounting entry for one model call.
// Records are never mutated once written.
type CostRecord struct {
	ID           string
	TaskID       string
	Model        string
	Provider     string
	InputTokens  int64
	OutputTokens int64
	Cost         decimal.Decimal // USD at CostPrecision
	LatencyMS    int64
	RetryCount   int
	Timestamp    time.Time
}

// Budget is the singleton monetary ceiling with an alert threshold.
// The alert fires when period spend reaches Amount * AlertPercentage/100.
type Budget struct {
	Amount          decimal.Decimal
	AlertPercentage decimal.Decimal
	LastCheckedAt   time.Time
}

// Threshold returns the absolute spend at which the alert fires.
func (b Budget) Threshold() decimal.Decimal {
	return b.Amount.Mul(b.AlertPercentage).Div(decimal.NewFromInt(100))
}

// ModelPricing holds per-1k-token prices for a (model, provider) pair.
type ModelPricing struct {
	Model       string
	Provider    string
	InputPer1K  decimal.Decimal
	OutputPer1K decimal.Decimal
	CachePer1K  decimal.Decimal
	UpdatedAt   time.Time
}

// CostBucket is the granularity for time-bucketed cost aggregation.
type CostBucket string

const (
	BucketHour  CostBucket = "hour"
	BucketDay   CostBucket = "day"
	BucketWeek  CostBucket = "week"
	BucketMonth CostBucket = "month"
	BucketYear  CostBucket = "year"
)

// CostAggregate is one row of a time-bucketed cost rollup.
type CostAggregate struct {
	Bucket       string // bucket label, e.g. "2026-08-29" for day buckets
	TotalCost    decimal.Decimal
	RequestCount int64
	AvgLatencyMS float64
}

// ModelCostBreakdown is a per-model cost summary.
type ModelCostBreakdown struct {
	Model        string
	Provider     string
	TotalCost    decimal.Decimal
	InputTokens  int64
	OutputTokens int64
	RequestCount int64
}
