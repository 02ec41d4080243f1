// Package telemetry samples system counters and application metrics
// into bounded in-memory rings, evaluates alert rules over them, and
// answers health checks.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Well-known metric names.
const (
	MetricCPUPercent  = "cpu_percent"
	MetricMemPercent  = "mem_percent"
	MetricDiskPercent = "disk_percent"
	MetricErrorRate   = "error_rate"
	MetricLatencyMS   = "latency_ms"
)

// ringSize bounds how many samples are kept per metric.
const ringSize = 360

// Sample is one metric observation.
type Sample struct {
	Value     float64
	Timestamp time.Time
}

type ring struct {
	samples []Sample
	next    int
	full    bool
}

func (r *ring) add(s Sample) {
	if r.samples == nil {
		r.samples = make([]Sample, ringSize)
	}
	r.samples[r.next] = s
	r.next = (r.next + 1) % ringSize
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns samples oldest first.
func (r *ring) snapshot() []Sample {
	if r.samples == nil {
		return nil
	}
	if !r.full {
		out := make([]Sample, r.next)
		copy(out, r.samples[:r.next])
		return out
	}
	out := make([]Sample, 0, ringSize)
	out = append(out, r.samples[r.next:]...)
	out = append(out, r.samples[:r.next]...)
	return out
}

func (r *ring) latest() (Sample, bool) {
	if r.samples == nil || (r.next == 0 && !r.full) {
		return Sample{}, false
	}
	idx := r.next - 1
	if idx < 0 {
		idx = ringSize - 1
	}
	return r.samples[idx], true
}

// Collector accumulates metric samples.
type Collector struct {
	mu      sync.Mutex
	metrics map[string]*ring
	diskDir string
	now     func() time.Time
}

// NewCollector creates a collector. diskDir is the path whose volume
// usage is sampled, usually the data directory.
func NewCollector(diskDir string) *Collector {
	return &Collector{
		metrics: make(map[string]*ring),
		diskDir: diskDir,
		now:     time.Now,
	}
}

// Record appends one application metric sample.
func (c *Collector) Record(name string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.metrics[name]
	if r == nil {
		r = &ring{}
		c.metrics[name] = r
	}
	r.add(Sample{Value: value, Timestamp: c.now().UTC()})
}

// SampleSystem reads CPU, memory, and disk usage into the rings.
func (c *Collector) SampleSystem(ctx context.Context) error {
	cpuPcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return fmt.Errorf("sample cpu: %w", err)
	}
	if len(cpuPcts) > 0 {
		c.Record(MetricCPUPercent, cpuPcts[0])
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return fmt.Errorf("sample memory: %w", err)
	}
	c.Record(MetricMemPercent, vm.UsedPercent)

	du, err := disk.UsageWithContext(ctx, c.diskDir)
	if err != nil {
		return fmt.Errorf("sample disk: %w", err)
	}
	c.Record(MetricDiskPercent, du.UsedPercent)
	return nil
}

// Latest returns the most recent sample for a metric.
func (c *Collector) Latest(name string) (Sample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.metrics[name]
	if r == nil {
		return Sample{}, false
	}
	return r.latest()
}

// History returns a metric's retained samples, oldest first.
func (c *Collector) History(name string) []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.metrics[name]
	if r == nil {
		return nil
	}
	return r.snapshot()
}

// Run samples system counters on the given period until ctx ends.
func (c *Collector) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SampleSystem(ctx)
		}
	}
}
