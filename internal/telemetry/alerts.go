package telemetry

import (
	"sync"
	"time"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rule fires when a metric's latest sample crosses its threshold.
// Comparator is one of >, <, >=, <=, ==; empty means >.
type Rule struct {
	Name       string
	Metric     string
	Comparator string
	Threshold  float64
	Severity   Severity
	Cooldown   time.Duration
}

func (r Rule) breached(value float64) bool {
	switch r.Comparator {
	case "<":
		return value < r.Threshold
	case ">=":
		return value >= r.Threshold
	case "<=":
		return value <= r.Threshold
	case "==":
		return value == r.Threshold
	default:
		return value > r.Threshold
	}
}

// Alert is one rule firing.
type Alert struct {
	Rule     string
	Metric   string
	Value    float64
	Severity Severity
	FiredAt  time.Time
}

// DefaultRules returns the stock alert rules.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "high_error_rate", Metric: MetricErrorRate, Threshold: 0.1, Severity: SeverityCritical, Cooldown: 5 * time.Minute},
		{Name: "high_cpu", Metric: MetricCPUPercent, Threshold: 80, Severity: SeverityWarning, Cooldown: 5 * time.Minute},
		{Name: "high_memory", Metric: MetricMemPercent, Threshold: 90, Severity: SeverityCritical, Cooldown: 5 * time.Minute},
		{Name: "disk_pressure", Metric: MetricDiskPercent, Threshold: 90, Severity: SeverityCritical, Cooldown: 5 * time.Minute},
		{Name: "slow_requests", Metric: MetricLatencyMS, Threshold: 2000, Severity: SeverityWarning, Cooldown: 5 * time.Minute},
	}
}

// Evaluator applies alert rules to a collector, suppressing repeat
// firings within each rule's cooldown.
type Evaluator struct {
	collector *Collector
	rules     []Rule

	mu        sync.Mutex
	lastFired map[string]time.Time
	now       func() time.Time
}

// NewEvaluator creates an evaluator. A nil rules slice gets the defaults.
func NewEvaluator(c *Collector, rules []Rule) *Evaluator {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Evaluator{
		collector: c,
		rules:     rules,
		lastFired: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Evaluate returns the alerts firing right now.
func (e *Evaluator) Evaluate() []Alert {
	now := e.now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()

	var fired []Alert
	for _, rule := range e.rules {
		sample, ok := e.collector.Latest(rule.Metric)
		if !ok || !rule.breached(sample.Value) {
			continue
		}
		if last, seen := e.lastFired[rule.Name]; seen && now.Sub(last) < rule.Cooldown {
			continue
		}
		e.lastFired[rule.Name] = now
		fired = append(fired, Alert{
			Rule:     rule.Name,
			Metric:   rule.Metric,
			Value:    sample.Value,
			Severity: rule.Severity,
			FiredAt:  now,
		})
	}
	return fired
}
