package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// HealthStatus is the outcome of one health check.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// HealthCheck is one named probe result.
type HealthCheck struct {
	Name    string
	Status  HealthStatus
	Detail  string
	Elapsed time.Duration
}

// Pinger answers a liveness probe. The store and the LLM client both
// satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthChecker runs the standard probe set.
type HealthChecker struct {
	collector *Collector
	diskDir   string
	database  Pinger
	llmAPI    Pinger
}

// NewHealthChecker wires the probes. database and llmAPI may be nil to
// skip those checks.
func NewHealthChecker(c *Collector, diskDir string, database, llmAPI Pinger) *HealthChecker {
	return &HealthChecker{collector: c, diskDir: diskDir, database: database, llmAPI: llmAPI}
}

// CheckAll runs every probe and returns their results in a fixed order.
func (h *HealthChecker) CheckAll(ctx context.Context) []HealthCheck {
	checks := []HealthCheck{
		h.timed("system_resources", h.checkSystemResources),
		h.timed("disk_space", h.checkDiskSpace),
		h.timed("memory", h.checkMemory),
	}
	if h.database != nil {
		checks = append(checks, h.timed("database", func(context.Context) (HealthStatus, string) {
			return pingStatus(ctx, h.database)
		}))
	}
	if h.llmAPI != nil {
		checks = append(checks, h.timed("llm_api", func(context.Context) (HealthStatus, string) {
			return pingStatus(ctx, h.llmAPI)
		}))
	}
	return checks
}

func (h *HealthChecker) timed(name string, probe func(context.Context) (HealthStatus, string)) HealthCheck {
	start := time.Now()
	status, detail := probe(context.Background())
	return HealthCheck{Name: name, Status: status, Detail: detail, Elapsed: time.Since(start)}
}

// checkSystemResources judges the most recent CPU sample.
func (h *HealthChecker) checkSystemResources(context.Context) (HealthStatus, string) {
	sample, ok := h.collector.Latest(MetricCPUPercent)
	if !ok {
		return Degraded, "no cpu samples yet"
	}
	detail := fmt.Sprintf("cpu %.1f%%", sample.Value)
	switch {
	case sample.Value > 95:
		return Unhealthy, detail
	case sample.Value > 80:
		return Degraded, detail
	}
	return Healthy, detail
}

func (h *HealthChecker) checkDiskSpace(ctx context.Context) (HealthStatus, string) {
	du, err := disk.UsageWithContext(ctx, h.diskDir)
	if err != nil {
		return Unhealthy, fmt.Sprintf("disk probe failed: %v", err)
	}
	detail := fmt.Sprintf("disk %.1f%% used, %d MB free", du.UsedPercent, du.Free/(1<<20))
	switch {
	case du.UsedPercent > 95:
		return Unhealthy, detail
	case du.UsedPercent > 85:
		return Degraded, detail
	}
	return Healthy, detail
}

func (h *HealthChecker) checkMemory(ctx context.Context) (HealthStatus, string) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Unhealthy, fmt.Sprintf("memory probe failed: %v", err)
	}
	detail := fmt.Sprintf("memory %.1f%% used", vm.UsedPercent)
	switch {
	case vm.UsedPercent > 95:
		return Unhealthy, detail
	case vm.UsedPercent > 90:
		return Degraded, detail
	}
	return Healthy, detail
}

func pingStatus(ctx context.Context, p Pinger) (HealthStatus, string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return Unhealthy, err.Error()
	}
	return Healthy, "ok"
}
