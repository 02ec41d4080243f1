package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/azos-dev/azos/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a status update violates the
// task lifecycle graph.
var ErrInvalidTransition = errors.New("invalid status transition")

const taskColumns = `id, command, kind, status, priority, model, parent_id,
	depends_on, estimated_tokens, actual_tokens, cost_usd, error_message,
	interval_secs, next_run_at, created_at, updated_at, started_at, completed_at`

// CreateTask inserts a new task.
func (s *Store) CreateTask(ctx context.Context, t *models.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	deps, err := json.Marshal(t.DependsOn)
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}
	if t.DependsOn == nil {
		deps = []byte("[]")
	}

	_, err = s.execWithRetry(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Command, string(t.Kind), string(t.Status), string(t.Priority),
		nullString(t.Model), nullString(t.ParentID), string(deps),
		t.EstimatedTokens, t.ActualTokens, t.Cost.String(),
		nullString(t.ErrorMessage), int64(t.Interval/time.Second),
		nullTime(t.NextRunAt), t.CreatedAt, t.UpdatedAt,
		nullTime(t.StartedAt), nullTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask fetches one task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// TaskFilter narrows ListTasks. Zero values mean no constraint.
type TaskFilter struct {
	Status   models.Status
	Priority models.Priority
	Limit    int
	Offset   int
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, string(f.Status))
	}
	if f.Priority != "" {
		where = append(where, `priority = ?`)
		args = append(args, string(f.Priority))
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		if f.Limit <= 0 {
			query += ` LIMIT -1`
		}
		query += ` OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask rewrites the mutable fields of a task.
func (s *Store) UpdateTask(ctx context.Context, t *models.Task) error {
	deps, err := json.Marshal(t.DependsOn)
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}
	if t.DependsOn == nil {
		deps = []byte("[]")
	}
	t.UpdatedAt = time.Now().UTC()

	res, err := s.execWithRetry(ctx, `
		UPDATE tasks SET command = ?, kind = ?, status = ?, priority = ?,
			model = ?, parent_id = ?, depends_on = ?, estimated_tokens = ?,
			actual_tokens = ?, cost_usd = ?, error_message = ?,
			interval_secs = ?, next_run_at = ?, updated_at = ?,
			started_at = ?, completed_at = ?
		WHERE id = ?`,
		t.Command, string(t.Kind), string(t.Status), string(t.Priority),
		nullString(t.Model), nullString(t.ParentID), string(deps),
		t.EstimatedTokens, t.ActualTokens, t.Cost.String(),
		nullString(t.ErrorMessage), int64(t.Interval/time.Second),
		nullTime(t.NextRunAt), t.UpdatedAt,
		nullTime(t.StartedAt), nullTime(t.CompletedAt), t.ID)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

// UpdateTaskStatus atomically moves a task to a new status, rejecting
// moves the lifecycle graph does not permit. Started/completed
// timestamps and the error message are maintained as side effects.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, to models.Status, errorMessage string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read task %s status: %w", id, err)
		}

		from := models.Status(current)
		if !models.CanTransition(from, to) {
			return fmt.Errorf("task %s: %s -> %s: %w", id, from, to, ErrInvalidTransition)
		}

		now := time.Now().UTC()
		query := `UPDATE tasks SET status = ?, updated_at = ?`
		args := []any{string(to), now}
		if to == models.StatusRunning && from != models.StatusPaused {
			query += `, started_at = ?`
			args = append(args, now)
		}
		if to.IsTerminal() {
			query += `, completed_at = ?`
			args = append(args, now)
		}
		if errorMessage != "" {
			query += `, error_message = ?`
			args = append(args, errorMessage)
		}
		query += ` WHERE id = ?`
		args = append(args, id)

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("update task %s status: %w", id, err)
		}
		return nil
	})
}

// DeleteTask removes a task. Logs, cost records, and snapshots cascade.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.execWithRetry(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// CountTasksByStatus returns how many tasks sit in each status.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[models.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.Status(status)] = n
	}
	return counts, rows.Err()
}

// DueIntervalTasks returns completed interval tasks whose next run time
// has arrived.
func (s *Store) DueIntervalTasks(ctx context.Context, now time.Time) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE interval_secs > 0 AND status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at`, string(models.StatusCompleted), now)
	if err != nil {
		return nil, fmt.Errorf("list due interval tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var kind, status, priority, deps, cost string
	var model, parentID, errMsg sql.NullString
	var intervalSecs int64
	var nextRun, startedAt, completedAt sql.NullTime

	err := row.Scan(&t.ID, &t.Command, &kind, &status, &priority, &model,
		&parentID, &deps, &t.EstimatedTokens, &t.ActualTokens, &cost,
		&errMsg, &intervalSecs, &nextRun, &t.CreatedAt, &t.UpdatedAt,
		&startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.Kind = models.ExecKind(kind)
	t.Status = models.Status(status)
	t.Priority = models.Priority(priority)
	t.Model = model.String
	t.ParentID = parentID.String
	t.ErrorMessage = errMsg.String
	t.Interval = time.Duration(intervalSecs) * time.Second
	t.NextRunAt = timePtr(nextRun)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)

	if err := json.Unmarshal([]byte(deps), &t.DependsOn); err != nil {
		return nil, fmt.Errorf("task %s: parse depends_on: %w", t.ID, err)
	}
	t.Cost, err = decimal.NewFromString(cost)
	if err != nil {
		return nil, fmt.Errorf("task %s: parse cost: %w", t.ID, err)
	}
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
