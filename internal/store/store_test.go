package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azos-dev/azos/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "azos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestTask(command string) *models.Task {
	now := time.Now().UTC()
	return &models.Task{
		ID:        uuid.NewString(),
		Command:   command,
		Kind:      models.ExecShell,
		Status:    models.StatusCreated,
		Priority:  models.PriorityMedium,
		Cost:      decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestTaskRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("echo hello")
	task.DependsOn = []string{"a", "b"}
	task.Model = "gpt-4o-mini"
	require.NoError(t, s.CreateTask(ctx, task))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, "echo hello", got.Command)
	assert.Equal(t, models.StatusCreated, got.Status)
	assert.Equal(t, []string{"a", "b"}, got.DependsOn)
	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.True(t, got.Cost.IsZero())
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateTaskStatusLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("sleep 1")
	require.NoError(t, s.CreateTask(ctx, task))

	require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, models.StatusPending, ""))
	require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, models.StatusRunning, ""))
	require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, models.StatusCompleted, ""))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
}

func TestUpdateTaskStatusRejectsIllegalMove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("true")
	require.NoError(t, s.CreateTask(ctx, task))

	// created -> completed skips pending and running.
	err := s.UpdateTaskStatus(ctx, task.ID, models.StatusCompleted, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCreated, got.Status)
}

func TestUpdateTaskStatusTerminalIsFinal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("true")
	require.NoError(t, s.CreateTask(ctx, task))
	require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, models.StatusCancelled, ""))

	err := s.UpdateTaskStatus(ctx, task.ID, models.StatusPending, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateTaskStatusRecordsError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("false")
	require.NoError(t, s.CreateTask(ctx, task))
	require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, models.StatusPending, ""))
	require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, models.StatusRunning, ""))
	require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, models.StatusFailed, "exit status 1"))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "exit status 1", got.ErrorMessage)
}

func TestListTasksFilterAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		task := newTestTask("echo n")
		task.CreatedAt = task.CreatedAt.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.CreateTask(ctx, task))
		if i == 0 {
			require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, models.StatusPending, ""))
		}
	}

	pending, err := s.ListTasks(ctx, TaskFilter{Status: models.StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	limited, err := s.ListTasks(ctx, TaskFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestListTasksPriorityAndOffset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, prio := range []models.Priority{
		models.PriorityLow, models.PriorityUrgent, models.PriorityUrgent,
	} {
		task := newTestTask("echo n")
		task.Priority = prio
		task.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.CreateTask(ctx, task))
	}

	urgent, err := s.ListTasks(ctx, TaskFilter{Priority: models.PriorityUrgent})
	require.NoError(t, err)
	assert.Len(t, urgent, 2)

	// Newest first, so offset 1 skips the most recent row.
	page, err := s.ListTasks(ctx, TaskFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, models.PriorityUrgent, page[0].Priority)
	assert.Equal(t, models.PriorityLow, page[1].Priority)

	rest, err := s.ListTasks(ctx, TaskFilter{Offset: 2})
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func TestDeleteTaskCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("echo bye")
	require.NoError(t, s.CreateTask(ctx, task))
	require.NoError(t, s.AppendLog(ctx, &models.ExecutionLog{
		TaskID: task.ID, Level: models.LevelInfo, Message: "started",
	}))
	require.NoError(t, s.SaveSnapshot(ctx, &models.Snapshot{
		TaskID: task.ID, State: map[string]any{"step": float64(1)},
	}))

	require.NoError(t, s.DeleteTask(ctx, task.ID))

	logs, err := s.ListLogs(ctx, task.ID, LogFilter{})
	require.NoError(t, err)
	assert.Empty(t, logs)

	snaps, err := s.ListSnapshots(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestCountTasksByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, s.CreateTask(ctx, newTestTask("a")))
	}
	task := newTestTask("b")
	require.NoError(t, s.CreateTask(ctx, task))
	require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, models.StatusPending, ""))

	counts, err := s.CountTasksByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.StatusCreated])
	assert.Equal(t, 1, counts[models.StatusPending])
}

func TestLogsOrderAndLevelFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("echo x")
	require.NoError(t, s.CreateTask(ctx, task))

	base := time.Now().UTC()
	entries := []struct {
		level models.LogLevel
		msg   string
	}{
		{models.LevelDebug, "first"},
		{models.LevelError, "second"},
		{models.LevelInfo, "third"},
	}
	for i, e := range entries {
		require.NoError(t, s.AppendLog(ctx, &models.ExecutionLog{
			TaskID:    task.ID,
			Level:     e.level,
			Message:   e.msg,
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	all, err := s.ListLogs(ctx, task.ID, LogFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "first", all[0].Message)
	assert.Equal(t, "third", all[2].Message)

	errs, err := s.ListLogs(ctx, task.ID, LogFilter{MinLevel: models.LevelError})
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "second", errs[0].Message)
}

func TestLogMetadataRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("echo x")
	require.NoError(t, s.CreateTask(ctx, task))
	require.NoError(t, s.AppendLog(ctx, &models.ExecutionLog{
		TaskID:   task.ID,
		Level:    models.LevelInfo,
		Message:  "done",
		Metadata: map[string]any{"exit_code": float64(0), "stream": "stdout"},
	}))

	logs, err := s.ListLogs(ctx, task.ID, LogFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, float64(0), logs[0].Metadata["exit_code"])
	assert.Equal(t, "stdout", logs[0].Metadata["stream"])
}

func TestRecordCostFoldsIntoTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("summarize")
	require.NoError(t, s.CreateTask(ctx, task))

	rec := &models.CostRecord{
		ID:           uuid.NewString(),
		TaskID:       task.ID,
		Model:        "gpt-4o-mini",
		Provider:     "openai",
		InputTokens:  1000,
		OutputTokens: 500,
		Cost:         decimal.RequireFromString("0.0105"),
		LatencyMS:    320,
		Timestamp:    time.Now().UTC(),
	}
	require.NoError(t, s.RecordCost(ctx, rec))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, got.Cost.Equal(decimal.RequireFromString("0.0105")), "got %s", got.Cost)
	assert.Equal(t, int64(1500), got.ActualTokens)
}

func TestRecordCostIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("summarize")
	require.NoError(t, s.CreateTask(ctx, task))

	rec := &models.CostRecord{
		ID:           uuid.NewString(),
		TaskID:       task.ID,
		Model:        "gpt-4o-mini",
		Provider:     "openai",
		InputTokens:  100,
		OutputTokens: 100,
		Cost:         decimal.RequireFromString("0.002"),
		Timestamp:    time.Now().UTC(),
	}
	require.NoError(t, s.RecordCost(ctx, rec))
	require.NoError(t, s.RecordCost(ctx, rec))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, got.Cost.Equal(decimal.RequireFromString("0.002")), "got %s", got.Cost)

	total, err := s.TotalCost(ctx, time.Time{})
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.RequireFromString("0.002")))
}

func TestAggregateCostsByDay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("summarize")
	require.NoError(t, s.CreateTask(ctx, task))

	day1 := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	for i, ts := range []time.Time{day1, day1.Add(time.Hour), day2} {
		require.NoError(t, s.RecordCost(ctx, &models.CostRecord{
			ID:        uuid.NewString(),
			TaskID:    task.ID,
			Model:     "gpt-4o-mini",
			Provider:  "openai",
			Cost:      decimal.RequireFromString("0.01"),
			LatencyMS: int64(100 * (i + 1)),
			Timestamp: ts,
		}))
	}

	aggs, err := s.AggregateCosts(ctx, models.BucketDay, time.Time{})
	require.NoError(t, err)
	require.Len(t, aggs, 2)
	assert.Equal(t, "2026-08-28", aggs[0].Bucket)
	assert.True(t, aggs[0].TotalCost.Equal(decimal.RequireFromString("0.02")))
	assert.Equal(t, int64(2), aggs[0].RequestCount)
	assert.Equal(t, "2026-08-29", aggs[1].Bucket)
}

func TestModelBreakdown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("summarize")
	require.NoError(t, s.CreateTask(ctx, task))

	for _, rec := range []struct {
		model string
		cost  string
	}{
		{"gpt-4o", "0.05"},
		{"gpt-4o-mini", "0.001"},
		{"gpt-4o", "0.05"},
	} {
		require.NoError(t, s.RecordCost(ctx, &models.CostRecord{
			ID:        uuid.NewString(),
			TaskID:    task.ID,
			Model:     rec.model,
			Provider:  "openai",
			Cost:      decimal.RequireFromString(rec.cost),
			Timestamp: time.Now().UTC(),
		}))
	}

	breakdown, err := s.ModelBreakdown(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, breakdown, 2)
	assert.Equal(t, "gpt-4o", breakdown[0].Model)
	assert.True(t, breakdown[0].TotalCost.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, int64(2), breakdown[0].RequestCount)
}

func TestBudgetSingleton(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetBudget(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetBudget(ctx, &models.Budget{
		Amount:          decimal.RequireFromString("10"),
		AlertPercentage: decimal.RequireFromString("80"),
	}))
	require.NoError(t, s.SetBudget(ctx, &models.Budget{
		Amount:          decimal.RequireFromString("25"),
		AlertPercentage: decimal.RequireFromString("50"),
	}))

	b, err := s.GetBudget(ctx)
	require.NoError(t, err)
	assert.True(t, b.Amount.Equal(decimal.RequireFromString("25")))
	assert.True(t, b.Threshold().Equal(decimal.RequireFromString("12.5")))
}

func TestModelPricingUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &models.ModelPricing{
		Model:       "gpt-4o-mini",
		Provider:    "openai",
		InputPer1K:  decimal.RequireFromString("0.005"),
		OutputPer1K: decimal.RequireFromString("0.011"),
		CachePer1K:  decimal.Zero,
	}
	require.NoError(t, s.UpsertModelPricing(ctx, p))

	p.OutputPer1K = decimal.RequireFromString("0.012")
	require.NoError(t, s.UpsertModelPricing(ctx, p))

	got, err := s.GetModelPricing(ctx, "gpt-4o-mini", "openai")
	require.NoError(t, err)
	assert.True(t, got.OutputPer1K.Equal(decimal.RequireFromString("0.012")))

	_, err = s.GetModelPricing(ctx, "unknown", "openai")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("long job")
	require.NoError(t, s.CreateTask(ctx, task))

	base := time.Now().UTC()
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.SaveSnapshot(ctx, &models.Snapshot{
			TaskID:    task.ID,
			State:     map[string]any{"step": float64(i)},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	latest, err := s.LatestSnapshot(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(3), latest.State["step"])

	snaps, err := s.ListSnapshots(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, snaps, 3)
}

func TestToolInvocationAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inv := &models.ToolInvocation{
		ID:         uuid.NewString(),
		Method:     "filesystem.read",
		ParamsJSON: `{"path":"/tmp/x"}`,
		Status:     models.StatusRunning,
	}
	require.NoError(t, s.RecordToolInvocation(ctx, inv))
	require.NoError(t, s.CompleteToolInvocation(ctx, inv.ID, models.StatusCompleted, ""))

	invs, err := s.ListToolInvocations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, models.StatusCompleted, invs[0].Status)
	assert.NotNil(t, invs[0].CompletedAt)

	// Tool calls never show up as tasks.
	tasks, err := s.ListTasks(ctx, TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestDailyMetrics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	done := newTestTask("ok")
	require.NoError(t, s.CreateTask(ctx, done))
	require.NoError(t, s.UpdateTaskStatus(ctx, done.ID, models.StatusPending, ""))
	require.NoError(t, s.UpdateTaskStatus(ctx, done.ID, models.StatusRunning, ""))
	require.NoError(t, s.UpdateTaskStatus(ctx, done.ID, models.StatusCompleted, ""))

	bad := newTestTask("boom")
	require.NoError(t, s.CreateTask(ctx, bad))
	require.NoError(t, s.UpdateTaskStatus(ctx, bad.ID, models.StatusPending, ""))
	require.NoError(t, s.UpdateTaskStatus(ctx, bad.ID, models.StatusRunning, ""))
	require.NoError(t, s.UpdateTaskStatus(ctx, bad.ID, models.StatusFailed, "exit status 1"))

	require.NoError(t, s.RecordCost(ctx, &models.CostRecord{
		ID:           uuid.NewString(),
		TaskID:       done.ID,
		Model:        "gpt-4o-mini",
		Provider:     "openai",
		InputTokens:  200,
		OutputTokens: 100,
		Cost:         decimal.RequireFromString("0.003"),
		Timestamp:    time.Now().UTC(),
	}))

	m, err := s.DailyMetrics(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.TasksCompleted)
	assert.Equal(t, int64(1), m.TasksFailed)
	assert.Equal(t, int64(300), m.TotalTokens)
	assert.True(t, m.TotalCost.Equal(decimal.RequireFromString("0.003")))
}

func TestDueIntervalTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("poll")
	task.Interval = time.Minute
	past := time.Now().UTC().Add(-time.Second)
	task.NextRunAt = &past
	require.NoError(t, s.CreateTask(ctx, task))
	require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, models.StatusPending, ""))
	require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, models.StatusRunning, ""))
	require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, models.StatusCompleted, ""))

	due, err := s.DueIntervalTasks(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, task.ID, due[0].ID)

	future := time.Now().UTC().Add(time.Hour)
	due[0].NextRunAt = &future
	require.NoError(t, s.UpdateTask(ctx, due[0]))

	due, err = s.DueIntervalTasks(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, due)
}
