package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azos-dev/azos/internal/logger"
	"github.com/azos-dev/azos/internal/models"
	"github.com/azos-dev/azos/internal/store"
)

func newTestScheduler(t *testing.T, run Runner, maxConcurrency int) (*Scheduler, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "azos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	sched := New(s, logger.Discard(), run, Options{
		MaxConcurrency: maxConcurrency,
		TickInterval:   10 * time.Millisecond,
	})
	return sched, s
}

func makeTask(id, command string, priority models.Priority, deps ...string) *models.Task {
	return &models.Task{
		ID:        id,
		Command:   command,
		Kind:      models.ExecShell,
		Priority:  priority,
		DependsOn: deps,
		Cost:      decimal.Zero,
	}
}

func waitForStatus(t *testing.T, s *store.Store, id string, want models.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		task, err := s.GetTask(context.Background(), id)
		return err == nil && task.Status == want
	}, 5*time.Second, 10*time.Millisecond, "task %s never reached %s", id, want)
}

func TestSubmitAndComplete(t *testing.T) {
	run := func(ctx context.Context, task *models.Task) error { return nil }
	sched, st := newTestScheduler(t, run, 2)
	ctx := context.Background()

	require.NoError(t, sched.Submit(ctx, makeTask("a", "echo hi", models.PriorityMedium)))
	sched.Tick(ctx)
	waitForStatus(t, st, "a", models.StatusCompleted)
	assert.True(t, sched.Idle())
}

func TestBudgetGateHoldsDispatch(t *testing.T) {
	run := func(ctx context.Context, task *models.Task) error { return nil }

	s, err := store.Open(filepath.Join(t.TempDir(), "azos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	var mu sync.Mutex
	budgetOK := false
	sched := New(s, logger.Discard(), run, Options{
		MaxConcurrency: 1,
		TickInterval:   10 * time.Millisecond,
		BudgetOK: func(ctx context.Context) bool {
			mu.Lock()
			defer mu.Unlock()
			return budgetOK
		},
	})
	ctx := context.Background()

	require.NoError(t, sched.Submit(ctx, makeTask("a", "echo hi", models.PriorityMedium)))
	sched.Tick(ctx)

	task, err := s.GetTask(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, task.Status, "task admitted despite exhausted budget")

	mu.Lock()
	budgetOK = true
	mu.Unlock()
	sched.Tick(ctx)
	waitForStatus(t, s, "a", models.StatusCompleted)
}

func TestFailedRunnerMarksTaskFailed(t *testing.T) {
	run := func(ctx context.Context, task *models.Task) error {
		return errors.New("exit status 3")
	}
	sched, st := newTestScheduler(t, run, 1)
	ctx := context.Background()

	require.NoError(t, sched.Submit(ctx, makeTask("a", "false", models.PriorityMedium)))
	sched.Tick(ctx)
	waitForStatus(t, st, "a", models.StatusFailed)

	task, err := st.GetTask(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "exit status 3", task.ErrorMessage)
}

func TestPriorityOrderWithCapOne(t *testing.T) {
	var mu sync.Mutex
	var order []string
	run := func(ctx context.Context, task *models.Task) error {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return nil
	}
	sched, st := newTestScheduler(t, run, 1)
	ctx := context.Background()

	require.NoError(t, sched.Submit(ctx, makeTask("low", "l", models.PriorityLow)))
	require.NoError(t, sched.Submit(ctx, makeTask("urgent", "u", models.PriorityUrgent)))
	require.NoError(t, sched.Submit(ctx, makeTask("high", "h", models.PriorityHigh)))

	for i := 0; i < 10 && !sched.Idle(); i++ {
		sched.Tick(ctx)
		time.Sleep(20 * time.Millisecond)
	}
	waitForStatus(t, st, "low", models.StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"urgent", "high", "low"}, order)
}

func TestConcurrencyCap(t *testing.T) {
	started := make(chan string, 8)
	release := make(chan struct{})
	run := func(ctx context.Context, task *models.Task) error {
		started <- task.ID
		<-release
		return nil
	}
	sched, st := newTestScheduler(t, run, 2)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, sched.Submit(ctx, makeTask(id, "sleep", models.PriorityMedium)))
	}
	sched.Tick(ctx)

	<-started
	<-started
	assert.Equal(t, 2, sched.Status().Running)
	assert.Equal(t, 1, sched.Status().Pending)

	// Re-dispatch must not exceed the cap while both slots are busy.
	sched.Tick(ctx)
	assert.Equal(t, 2, sched.Status().Running)

	close(release)
	sched.Tick(ctx)
	<-started
	waitForStatus(t, st, "c", models.StatusCompleted)
}

func TestDependencyOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []string
	run := func(ctx context.Context, task *models.Task) error {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return nil
	}
	sched, st := newTestScheduler(t, run, 4)
	ctx := context.Background()

	require.NoError(t, sched.Submit(ctx, makeTask("first", "a", models.PriorityLow)))
	require.NoError(t, sched.Submit(ctx, makeTask("second", "b", models.PriorityUrgent, "first")))

	for i := 0; i < 10 && !sched.Idle(); i++ {
		sched.Tick(ctx)
		time.Sleep(20 * time.Millisecond)
	}
	waitForStatus(t, st, "second", models.StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestDependencyFailurePropagates(t *testing.T) {
	run := func(ctx context.Context, task *models.Task) error {
		if task.ID == "root" {
			return errors.New("boom")
		}
		return nil
	}
	sched, st := newTestScheduler(t, run, 4)
	ctx := context.Background()

	require.NoError(t, sched.Submit(ctx, makeTask("root", "a", models.PriorityMedium)))
	require.NoError(t, sched.Submit(ctx, makeTask("child", "b", models.PriorityMedium, "root")))
	require.NoError(t, sched.Submit(ctx, makeTask("grandchild", "c", models.PriorityMedium, "child")))

	for i := 0; i < 20 && !sched.Idle(); i++ {
		sched.Tick(ctx)
		time.Sleep(20 * time.Millisecond)
	}

	waitForStatus(t, st, "root", models.StatusFailed)
	waitForStatus(t, st, "child", models.StatusFailed)
	waitForStatus(t, st, "grandchild", models.StatusFailed)

	child, err := st.GetTask(ctx, "child")
	require.NoError(t, err)
	assert.Contains(t, child.ErrorMessage, "dependency root")
}

func TestSubmitUnknownDependency(t *testing.T) {
	sched, _ := newTestScheduler(t, func(context.Context, *models.Task) error { return nil }, 1)
	err := sched.Submit(context.Background(), makeTask("a", "x", models.PriorityMedium, "ghost"))
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestCancelPendingTask(t *testing.T) {
	sched, st := newTestScheduler(t, func(context.Context, *models.Task) error { return nil }, 1)
	ctx := context.Background()

	require.NoError(t, sched.Submit(ctx, makeTask("a", "x", models.PriorityMedium)))
	require.NoError(t, sched.Cancel(ctx, "a"))
	waitForStatus(t, st, "a", models.StatusCancelled)

	// A cancelled task never dispatches.
	sched.Tick(ctx)
	assert.True(t, sched.Idle())
}

func TestCancelRunningTask(t *testing.T) {
	started := make(chan struct{})
	run := func(ctx context.Context, task *models.Task) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	sched, st := newTestScheduler(t, run, 1)
	ctx := context.Background()

	require.NoError(t, sched.Submit(ctx, makeTask("a", "sleep", models.PriorityMedium)))
	sched.Tick(ctx)
	<-started

	require.NoError(t, sched.Cancel(ctx, "a"))
	waitForStatus(t, st, "a", models.StatusCancelled)
}

func TestPauseAndResume(t *testing.T) {
	var mu sync.Mutex
	runs := 0
	started := make(chan struct{}, 2)
	run := func(ctx context.Context, task *models.Task) error {
		mu.Lock()
		runs++
		first := runs == 1
		mu.Unlock()
		started <- struct{}{}
		if first {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}
	sched, st := newTestScheduler(t, run, 1)
	ctx := context.Background()

	require.NoError(t, sched.Submit(ctx, makeTask("a", "long job", models.PriorityMedium)))
	sched.Tick(ctx)
	<-started

	require.NoError(t, sched.Pause(ctx, "a"))
	waitForStatus(t, st, "a", models.StatusPaused)

	// Pause leaves a snapshot behind for the restart.
	snap, err := st.LatestSnapshot(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "pause requested", snap.Description)

	require.NoError(t, sched.Resume(ctx, "a"))
	sched.Tick(ctx)
	<-started
	waitForStatus(t, st, "a", models.StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, runs)
}

func TestPauseRequiresRunning(t *testing.T) {
	sched, _ := newTestScheduler(t, func(context.Context, *models.Task) error { return nil }, 1)
	ctx := context.Background()

	require.NoError(t, sched.Submit(ctx, makeTask("a", "x", models.PriorityMedium)))
	err := sched.Pause(ctx, "a")
	assert.ErrorIs(t, err, ErrNotRunning)

	err = sched.Pause(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestRegistryPrunedAfterChainCompletes(t *testing.T) {
	run := func(ctx context.Context, task *models.Task) error { return nil }
	sched, st := newTestScheduler(t, run, 2)
	ctx := context.Background()

	require.NoError(t, sched.Submit(ctx, makeTask("base", "a", models.PriorityMedium)))
	require.NoError(t, sched.Submit(ctx, makeTask("top", "b", models.PriorityMedium, "base")))

	for i := 0; i < 20 && !sched.Idle(); i++ {
		sched.Tick(ctx)
		time.Sleep(20 * time.Millisecond)
	}
	waitForStatus(t, st, "top", models.StatusCompleted)

	// Terminal bookkeeping is dropped once nothing awaits it, so the
	// registries stay bounded in a long-lived daemon.
	require.Eventually(t, func() bool {
		sched.mu.Lock()
		defer sched.mu.Unlock()
		return len(sched.statuses) == 0 && len(sched.deps) == 0 &&
			len(sched.dependents) == 0 && len(sched.tasks) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestShutdownParksRunningTask(t *testing.T) {
	started := make(chan struct{})
	run := func(ctx context.Context, task *models.Task) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	sched, st := newTestScheduler(t, run, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sched.Submit(ctx, makeTask("a", "long job", models.PriorityMedium)))
	sched.Tick(ctx)
	<-started

	// Scheduler shutdown is not a task failure: the task parks paused
	// with a snapshot so the next process requeues it.
	cancel()
	waitForStatus(t, st, "a", models.StatusPaused)

	snap, err := st.LatestSnapshot(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, ShutdownNote, snap.Description)
}

func TestIntervalTaskResubmitsAsClone(t *testing.T) {
	run := func(ctx context.Context, task *models.Task) error { return nil }
	sched, st := newTestScheduler(t, run, 1)
	ctx := context.Background()

	task := makeTask("tick", "poll", models.PriorityMedium)
	task.Interval = 30 * time.Millisecond
	require.NoError(t, sched.Submit(ctx, task))
	sched.Tick(ctx)
	waitForStatus(t, st, "tick", models.StatusCompleted)

	// Once the interval elapses the next tick clones a fresh run.
	require.Eventually(t, func() bool {
		sched.Tick(ctx)
		tasks, err := st.ListTasks(ctx, store.TaskFilter{})
		if err != nil {
			return false
		}
		for _, c := range tasks {
			if c.ParentID == "tick" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	// The original keeps its terminal status.
	orig, err := st.GetTask(ctx, "tick")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, orig.Status)
	assert.Nil(t, orig.NextRunAt)
}

func TestCheckAcyclic(t *testing.T) {
	deps := map[string][]string{
		"a": {"b"},
		"b": {"c"},
		"c": nil,
	}
	assert.NoError(t, checkAcyclic(deps, "a"))

	deps["c"] = []string{"a"}
	assert.Error(t, checkAcyclic(deps, "a"))
}

func TestRunLoopDrivesTasks(t *testing.T) {
	run := func(ctx context.Context, task *models.Task) error { return nil }
	sched, st := newTestScheduler(t, run, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	require.NoError(t, sched.Submit(ctx, makeTask("a", "x", models.PriorityMedium)))
	waitForStatus(t, st, "a", models.StatusCompleted)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not shut down")
	}
}
