// Package models defines the persistent entities of the task runtime:
// tasks, cost records, budgets, model pricing, execution logs, and
// state snapshots.
package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusCreated   Status = "created"
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Priority determines scheduling order. Lower rank runs first.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns the numeric scheduling rank for a priority.
// Urgent is 0 so it sorts first in the pending heap.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// ParsePriority converts a user-supplied string into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return Priority(s), nil
	}
	return "", fmt.Errorf("invalid priority %q, must be one of: low, medium, high, urgent", s)
}

// ParseStatus converts a user-supplied string into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusCreated, StatusPending, StatusRunning, StatusPaused,
		StatusCompleted, StatusFailed, StatusCancelled:
		return Status(s), nil
	}
	return "", fmt.Errorf("invalid status %q", s)
}

// IsTerminal reports whether the status is final. No transition is
// permitted out of a terminal status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// allowedTransitions enumerates the legal status graph. Every mutation
// of Task.Status must pass through CanTransition.
var allowedTransitions = map[Status][]Status{
	StatusCreated: {StatusPending, StatusCancelled},
	StatusPending: {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed, StatusPaused, StatusCancelled},
	StatusPaused:  {StatusRunning, StatusPending, StatusCancelled},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ExecKind selects the launcher used for a command task.
type ExecKind string

const (
	ExecShell  ExecKind = "shell"
	ExecPython ExecKind = "python"
	ExecNode   ExecKind = "node"
)

// Task is a unit of work accepted by the scheduler and tracked to a
// terminal status in the store.
type Task struct {
	ID              string
	Command         string
	Kind            ExecKind
	Status          Status
	Priority        Priority
	Model           string   // chosen model, empty if none
	ParentID        string   // optional parent task, forms a forest
	DependsOn       []string // task IDs that must complete first
	EstimatedTokens int64
	ActualTokens    int64
	Cost            decimal.Decimal // accumulated cost, sum of cost records
	ErrorMessage    string
	Interval        time.Duration // re-submit period, zero for one-shot
	NextRunAt       *time.Time    // earliest admission time for interval tasks
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// Validate checks that the task has the fields required for submission.
func (t *Task) Validate() error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	if t.Command == "" {
		return errors.New("task command is required")
	}
	if _, err := ParsePriority(string(t.Priority)); err != nil {
		return err
	}
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return fmt.Errorf("task %s depends on itself", t.ID)
		}
	}
	return nil
}

// Duration returns the wall-clock execution time, or zero if the task
// has not both started and finished.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}
