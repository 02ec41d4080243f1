package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azos-dev/azos/internal/logger"
	"github.com/azos-dev/azos/internal/models"
	"github.com/azos-dev/azos/internal/scheduler"
	"github.com/azos-dev/azos/internal/store"
	"github.com/azos-dev/azos/internal/telemetry"
)

// captureLog collects formatted log lines for assertions.
type captureLog struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureLog) add(prefix, format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, prefix+" "+fmt.Sprintf(format, args...))
}

func (c *captureLog) Warning(format string, args ...any) { c.add("WARNING", format, args...) }
func (c *captureLog) Error(format string, args ...any)   { c.add("ERROR", format, args...) }

func (c *captureLog) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func TestWatchHealthLogsFailingProbes(t *testing.T) {
	dir := t.TempDir()
	collector := telemetry.NewCollector(dir)
	checker := telemetry.NewHealthChecker(collector, dir,
		telemetry.PingFunc(func(context.Context) error { return errors.New("db locked") }),
		nil)

	log := &captureLog{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watchHealth(ctx, checker, log, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, line := range log.snapshot() {
			if line == "ERROR health database: db locked" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func newAdoptionFixture(t *testing.T) (*store.Store, *scheduler.Scheduler) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "azos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	run := func(ctx context.Context, task *models.Task) error { return nil }
	sched := scheduler.New(st, logger.Discard(), run, scheduler.Options{MaxConcurrency: 1})
	return st, sched
}

func seedTask(t *testing.T, st *store.Store, id string, statuses ...models.Status) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, st.CreateTask(ctx, &models.Task{
		ID: id, Command: "echo " + id, Kind: models.ExecShell,
		Status: models.StatusCreated, Priority: models.PriorityMedium,
		Cost: decimal.Zero, CreatedAt: now, UpdatedAt: now,
	}))
	for _, status := range statuses {
		require.NoError(t, st.UpdateTaskStatus(ctx, id, status, ""))
	}
}

func TestAdoptRequeuesShutdownParkedTasks(t *testing.T) {
	st, sched := newAdoptionFixture(t)
	ctx := context.Background()

	// Parked by a graceful shutdown: paused with the shutdown snapshot.
	seedTask(t, st, "parked", models.StatusPending, models.StatusRunning, models.StatusPaused)
	require.NoError(t, st.SaveSnapshot(ctx, &models.Snapshot{
		TaskID:      "parked",
		State:       map[string]any{"interrupted": true},
		Description: scheduler.ShutdownNote,
	}))

	// Paused by the user: no shutdown snapshot, must stay paused.
	seedTask(t, st, "held", models.StatusPending, models.StatusRunning, models.StatusPaused)
	require.NoError(t, st.SaveSnapshot(ctx, &models.Snapshot{
		TaskID:      "held",
		Description: "pause requested",
	}))

	log := &captureLog{}
	adopted, err := adoptStoredTasks(ctx, st, sched, log)
	require.NoError(t, err)
	assert.Equal(t, 1, adopted)

	parked, err := st.GetTask(ctx, "parked")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, parked.Status)

	held, err := st.GetTask(ctx, "held")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, held.Status)
}

func TestAdoptRescuesStrandedRunningTasks(t *testing.T) {
	st, sched := newAdoptionFixture(t)
	ctx := context.Background()

	seedTask(t, st, "stranded", models.StatusPending, models.StatusRunning)

	log := &captureLog{}
	adopted, err := adoptStoredTasks(ctx, st, sched, log)
	require.NoError(t, err)
	assert.Equal(t, 1, adopted)

	got, err := st.GetTask(ctx, "stranded")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}
