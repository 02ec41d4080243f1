// Package scheduler admits tasks, orders them by priority, enforces
// dependency and concurrency constraints, and drives each task to a
// terminal status in the store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/azos-dev/azos/internal/logger"
	"github.com/azos-dev/azos/internal/models"
	"github.com/azos-dev/azos/internal/store"
)

// Runner executes one task. A nil return marks the task completed; an
// error marks it failed. The context is cancelled on pause, cancel,
// and scheduler shutdown.
type Runner func(ctx context.Context, task *models.Task) error

// ErrUnknownTask is returned for operations on task IDs the scheduler
// has never seen.
var ErrUnknownTask = errors.New("unknown task")

// ErrNotRunning is returned when pausing a task that is not running.
var ErrNotRunning = errors.New("task is not running")

// ShutdownNote marks snapshots of tasks parked by a scheduler shutdown,
// distinguishing them from user-requested pauses at the next start.
const ShutdownNote = "scheduler shutdown"

// Options tune a Scheduler.
type Options struct {
	MaxConcurrency int
	TickInterval   time.Duration

	// BudgetOK, when set, gates admission. Tasks stay queued while it
	// reports false.
	BudgetOK func(ctx context.Context) bool
}

type runningTask struct {
	cancel          context.CancelFunc
	pauseRequested  bool
	cancelRequested bool
}

// Scheduler owns the pending queue and the running set.
type Scheduler struct {
	st   *store.Store
	log  *logger.Logger
	run  Runner
	opts Options

	mu         sync.Mutex
	pending    taskHeap
	tasks      map[string]*models.Task  // non-terminal tasks by ID
	statuses   map[string]models.Status // tasks still live or awaited by a dependent
	deps       map[string][]string      // dependency edges of known tasks
	dependents map[string]int           // live tasks depending on each id
	running    map[string]*runningTask
	seq        uint64

	wg sync.WaitGroup
}

// New creates a scheduler. run is invoked once per admitted task.
func New(st *store.Store, log *logger.Logger, run Runner, opts Options) *Scheduler {
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 1
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	return &Scheduler{
		st:         st,
		log:        log,
		run:        run,
		opts:       opts,
		tasks:      make(map[string]*models.Task),
		statuses:   make(map[string]models.Status),
		deps:       make(map[string][]string),
		dependents: make(map[string]int),
		running:    make(map[string]*runningTask),
	}
}

// Submit validates and persists a task and queues it for execution.
// Submission fails if a dependency is unknown or would form a cycle.
func (s *Scheduler) Submit(ctx context.Context, t *models.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	t.Status = models.StatusCreated
	if t.Priority == "" {
		t.Priority = models.PriorityMedium
	}
	if err := t.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	for _, dep := range t.DependsOn {
		if _, known := s.statuses[dep]; known {
			continue
		}
		s.mu.Unlock()
		depTask, err := s.st.GetTask(ctx, dep)
		if err != nil {
			return fmt.Errorf("dependency %s: %w", dep, ErrUnknownTask)
		}
		s.mu.Lock()
		s.statuses[dep] = depTask.Status
		s.deps[dep] = depTask.DependsOn
	}

	s.deps[t.ID] = t.DependsOn
	if err := checkAcyclic(s.deps, t.ID); err != nil {
		delete(s.deps, t.ID)
		s.mu.Unlock()
		return err
	}
	for _, dep := range t.DependsOn {
		s.dependents[dep]++
	}
	s.mu.Unlock()

	if err := s.st.CreateTask(ctx, t); err != nil {
		s.mu.Lock()
		s.releaseDepsLocked(t.ID)
		s.mu.Unlock()
		return err
	}
	if err := s.transition(ctx, t.ID, models.StatusPending, ""); err != nil {
		s.mu.Lock()
		s.releaseDepsLocked(t.ID)
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	t.Status = models.StatusPending
	s.tasks[t.ID] = t
	s.statuses[t.ID] = models.StatusPending
	s.enqueueLocked(t)
	s.mu.Unlock()

	s.log.Info("task %s submitted (priority=%s, deps=%d)", t.ID, t.Priority, len(t.DependsOn))
	return nil
}

// Adopt admits a task that is already persisted as pending, e.g. one
// left over from a previous process. The stored row is kept; only the
// in-memory registries are populated.
func (s *Scheduler) Adopt(ctx context.Context, t *models.Task) error {
	if t.Status != models.StatusPending {
		return fmt.Errorf("task %s is %s, only pending tasks adopt", t.ID, t.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, known := s.statuses[t.ID]; known {
		return nil
	}
	for _, dep := range t.DependsOn {
		if _, known := s.statuses[dep]; known {
			continue
		}
		s.mu.Unlock()
		depTask, err := s.st.GetTask(ctx, dep)
		s.mu.Lock()
		if err != nil {
			return fmt.Errorf("dependency %s: %w", dep, ErrUnknownTask)
		}
		s.statuses[dep] = depTask.Status
		s.deps[dep] = depTask.DependsOn
	}
	s.deps[t.ID] = t.DependsOn
	s.statuses[t.ID] = models.StatusPending
	s.tasks[t.ID] = t
	for _, dep := range t.DependsOn {
		s.dependents[dep]++
	}
	s.enqueueLocked(t)
	return nil
}

func (s *Scheduler) enqueueLocked(t *models.Task) {
	s.seq++
	s.pending.push(&entry{
		task:      t,
		rank:      t.Priority.Rank(),
		submitted: time.Now().UTC(),
		seq:       s.seq,
	})
}

// Run drives the dispatch loop until ctx is cancelled, then waits for
// in-flight tasks to wind down.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.resubmitDueIntervals(ctx)
			s.dispatch(ctx)
		}
	}
}

// Tick runs one dispatch round immediately. Used by tests and the
// one-shot CLI path.
func (s *Scheduler) Tick(ctx context.Context) {
	s.resubmitDueIntervals(ctx)
	s.dispatch(ctx)
}

// dispatch starts as many ready tasks as the concurrency cap allows.
func (s *Scheduler) dispatch(ctx context.Context) {
	if s.opts.BudgetOK != nil && !s.opts.BudgetOK(ctx) {
		s.log.Debug("dispatch held: budget exhausted")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var notReady []*entry
	for len(s.running) < s.opts.MaxConcurrency && s.pending.Len() > 0 {
		e := s.pending.pop()
		t := e.task

		// Tasks paused or cancelled while queued are dropped lazily.
		if s.statuses[t.ID] != models.StatusPending {
			continue
		}

		ready, failedDep := s.depState(t)
		if failedDep != "" {
			s.mu.Unlock()
			reason := fmt.Sprintf("dependency %s did not complete", failedDep)
			s.finalize(ctx, t, models.StatusFailed, reason)
			s.mu.Lock()
			continue
		}
		if !ready {
			notReady = append(notReady, e)
			continue
		}
		s.startLocked(ctx, t)
	}
	for _, e := range notReady {
		s.pending.push(e)
	}
}

// depState reports whether every dependency completed, or names the
// first dependency that ended without completing.
func (s *Scheduler) depState(t *models.Task) (ready bool, failedDep string) {
	for _, dep := range t.DependsOn {
		switch s.statuses[dep] {
		case models.StatusCompleted:
		case models.StatusFailed, models.StatusCancelled:
			return false, dep
		default:
			return false, ""
		}
	}
	return true, ""
}

// startLocked transitions a task to running and launches its runner.
// Caller holds s.mu.
func (s *Scheduler) startLocked(ctx context.Context, t *models.Task) {
	runCtx, cancel := context.WithCancel(ctx)
	s.running[t.ID] = &runningTask{cancel: cancel}
	s.statuses[t.ID] = models.StatusRunning

	s.mu.Unlock()
	err := s.transition(ctx, t.ID, models.StatusRunning, "")
	s.mu.Lock()
	if err != nil {
		delete(s.running, t.ID)
		s.statuses[t.ID] = models.StatusPending
		cancel()
		s.enqueueLocked(t)
		return
	}

	s.wg.Add(1)
	go s.execute(runCtx, ctx, t)
}

// execute runs the task and settles its terminal (or paused) status.
func (s *Scheduler) execute(runCtx, ctx context.Context, t *models.Task) {
	defer s.wg.Done()
	runErr := s.run(runCtx, t)

	// Outcome persistence must survive scheduler shutdown.
	shutdown := ctx.Err() != nil
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	rt := s.running[t.ID]
	delete(s.running, t.ID)
	paused := rt != nil && rt.pauseRequested
	cancelled := rt != nil && rt.cancelRequested
	s.mu.Unlock()

	switch {
	case paused:
		if err := s.transition(ctx, t.ID, models.StatusPaused, ""); err == nil {
			s.mu.Lock()
			s.statuses[t.ID] = models.StatusPaused
			s.mu.Unlock()
			s.log.Info("task %s paused", t.ID)
		}
	case cancelled:
		s.finalize(ctx, t, models.StatusCancelled, "")
	case runErr != nil && shutdown:
		// Interrupted by shutdown, not a failure of its own. Park it so
		// the next scheduler process can requeue it.
		if err := s.st.SaveSnapshot(ctx, &models.Snapshot{
			TaskID:      t.ID,
			State:       map[string]any{"interrupted": true},
			Description: ShutdownNote,
		}); err != nil {
			s.log.Warning("task %s: snapshot on shutdown: %v", t.ID, err)
		}
		if err := s.transition(ctx, t.ID, models.StatusPaused, ""); err == nil {
			s.mu.Lock()
			s.statuses[t.ID] = models.StatusPaused
			s.mu.Unlock()
			s.log.Info("task %s parked for restart", t.ID)
		}
	case runErr != nil:
		s.finalize(ctx, t, models.StatusFailed, runErr.Error())
	default:
		s.finalize(ctx, t, models.StatusCompleted, "")
		if t.Interval > 0 {
			s.scheduleNextRun(ctx, t)
		}
	}
}

// finalize moves a task to a terminal status and updates the registry.
func (s *Scheduler) finalize(ctx context.Context, t *models.Task, status models.Status, errorMessage string) {
	if err := s.transition(ctx, t.ID, status, errorMessage); err != nil {
		return
	}
	s.mu.Lock()
	s.statuses[t.ID] = status
	delete(s.tasks, t.ID)
	s.releaseDepsLocked(t.ID)
	s.pruneLocked(t.ID)
	s.mu.Unlock()

	switch status {
	case models.StatusCompleted:
		s.log.Info("task %s completed", t.ID)
	case models.StatusCancelled:
		s.log.Info("task %s cancelled", t.ID)
	default:
		s.log.Error("task %s failed: %s", t.ID, errorMessage)
	}
}

// releaseDepsLocked drops id's hold on its dependencies, pruning any
// that become unreferenced. Caller holds s.mu.
func (s *Scheduler) releaseDepsLocked(id string) {
	for _, dep := range s.deps[id] {
		if s.dependents[dep] > 0 {
			s.dependents[dep]--
		}
		s.pruneLocked(dep)
	}
	delete(s.deps, id)
}

// pruneLocked drops the bookkeeping for a terminal task once no live
// task awaits it, so a long-running daemon's registries stay bounded.
// A later submission naming it as a dependency reloads it from the
// store. Caller holds s.mu.
func (s *Scheduler) pruneLocked(id string) {
	if s.dependents[id] > 0 || !s.statuses[id].IsTerminal() {
		return
	}
	delete(s.statuses, id)
	delete(s.deps, id)
	delete(s.dependents, id)
}

// scheduleNextRun stamps a completed interval task with its next
// admission time. The re-run is cloned as a fresh task when due, so
// terminal statuses stay final.
func (s *Scheduler) scheduleNextRun(ctx context.Context, t *models.Task) {
	stored, err := s.st.GetTask(ctx, t.ID)
	if err != nil {
		s.log.Error("task %s: reload for interval scheduling: %v", t.ID, err)
		return
	}
	next := time.Now().UTC().Add(t.Interval)
	stored.NextRunAt = &next
	if err := s.st.UpdateTask(ctx, stored); err != nil {
		s.log.Error("task %s: record next run: %v", t.ID, err)
	}
}

// resubmitDueIntervals clones due interval tasks into fresh runs.
func (s *Scheduler) resubmitDueIntervals(ctx context.Context) {
	due, err := s.st.DueIntervalTasks(ctx, time.Now().UTC())
	if err != nil {
		s.log.Error("interval scan: %v", err)
		return
	}
	for _, orig := range due {
		clone := &models.Task{
			ID:       uuid.NewString(),
			Command:  orig.Command,
			Kind:     orig.Kind,
			Priority: orig.Priority,
			Model:    orig.Model,
			ParentID: orig.ID,
			Interval: orig.Interval,
			Cost:     decimal.Zero,
		}
		if err := s.Submit(ctx, clone); err != nil {
			s.log.Error("task %s: interval resubmit: %v", orig.ID, err)
			continue
		}
		orig.NextRunAt = nil
		if err := s.st.UpdateTask(ctx, orig); err != nil {
			s.log.Error("task %s: clear next run: %v", orig.ID, err)
		}
		s.log.Info("task %s resubmitted as %s (interval %s)", orig.ID, clone.ID, orig.Interval)
	}
}

// Pause interrupts a running task. Its subprocess context is cancelled
// and the task parks in paused until resumed or cancelled.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	s.mu.Lock()
	rt, ok := s.running[id]
	if !ok {
		status, known := s.statuses[id]
		s.mu.Unlock()
		if !known {
			return fmt.Errorf("task %s: %w", id, ErrUnknownTask)
		}
		return fmt.Errorf("task %s is %s: %w", id, status, ErrNotRunning)
	}
	rt.pauseRequested = true
	s.mu.Unlock()

	if err := s.st.SaveSnapshot(ctx, &models.Snapshot{
		TaskID:      id,
		State:       map[string]any{"interrupted": true},
		Description: "pause requested",
	}); err != nil {
		s.log.Warning("task %s: snapshot on pause: %v", id, err)
	}
	rt.cancel()
	return nil
}

// Resume puts a paused task back in the queue. The runner restarts it,
// consulting the latest snapshot if it supports partial resume.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.statuses[id] != models.StatusPaused {
		status, known := s.statuses[id]
		s.mu.Unlock()
		if !known {
			return fmt.Errorf("task %s: %w", id, ErrUnknownTask)
		}
		return fmt.Errorf("task %s is %s, only paused tasks resume", id, status)
	}
	t := s.tasks[id]
	s.mu.Unlock()

	if err := s.transition(ctx, id, models.StatusPending, ""); err != nil {
		return err
	}

	s.mu.Lock()
	s.statuses[id] = models.StatusPending
	s.enqueueLocked(t)
	s.mu.Unlock()
	s.log.Info("task %s resumed", id)
	return nil
}

// Cancel stops a pending, paused, or running task.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	if rt, ok := s.running[id]; ok {
		rt.cancelRequested = true
		s.mu.Unlock()
		rt.cancel()
		return nil
	}
	status, known := s.statuses[id]
	t := s.tasks[id]
	s.mu.Unlock()

	if !known {
		return fmt.Errorf("task %s: %w", id, ErrUnknownTask)
	}
	switch status {
	case models.StatusPending, models.StatusPaused:
		s.finalize(ctx, t, models.StatusCancelled, "")
		return nil
	}
	return fmt.Errorf("task %s is already %s", id, status)
}

// Status summarizes the scheduler's queues.
type Status struct {
	Pending int
	Running int
	Paused  int
}

// Status reports current queue depths.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Running: len(s.running)}
	for _, status := range s.statuses {
		switch status {
		case models.StatusPending:
			st.Pending++
		case models.StatusPaused:
			st.Paused++
		}
	}
	return st
}

// Idle reports whether nothing is queued or in flight.
func (s *Scheduler) Idle() bool {
	st := s.Status()
	return st.Pending == 0 && st.Running == 0
}

// transition persists a status change, retrying transient store
// failures. Lifecycle violations and missing rows are not retried. A
// transition that cannot be persisted at all is logged critical: the
// in-memory and stored views have diverged.
func (s *Scheduler) transition(ctx context.Context, id string, to models.Status, errorMessage string) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
	), 3)

	err := backoff.Retry(func() error {
		err := s.st.UpdateTaskStatus(ctx, id, to, errorMessage)
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		s.log.Critical("task %s: persist status %s: %v", id, to, err)
		return err
	}
	return nil
}
