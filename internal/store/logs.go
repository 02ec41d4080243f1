package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/azos-dev/azos/internal/models"
)

// AppendLog writes one execution log entry for a task.
func (s *Store) AppendLog(ctx context.Context, l *models.ExecutionLog) error {
	var meta any
	if len(l.Metadata) > 0 {
		b, err := json.Marshal(l.Metadata)
		if err != nil {
			return fmt.Errorf("marshal log metadata: %w", err)
		}
		meta = string(b)
	}
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now().UTC()
	}

	res, err := s.execWithRetry(ctx, `
		INSERT INTO execution_logs (task_id, level, message, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		l.TaskID, string(l.Level), l.Message, meta, l.Timestamp)
	if err != nil {
		return fmt.Errorf("append log for task %s: %w", l.TaskID, err)
	}
	l.ID, _ = res.LastInsertId()
	return nil
}

// LogFilter narrows ListLogs. Zero values mean no constraint.
type LogFilter struct {
	MinLevel models.LogLevel
	Since    time.Time
	Limit    int
	Offset   int
}

// ListLogs returns a task's log entries in chronological order.
func (s *Store) ListLogs(ctx context.Context, taskID string, f LogFilter) ([]*models.ExecutionLog, error) {
	query := `SELECT id, task_id, level, message, metadata, timestamp
		FROM execution_logs WHERE task_id = ?`
	args := []any{taskID}
	if !f.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.Since)
	}
	query += ` ORDER BY timestamp, id`
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
		return nil, fmt.Errorf("list logs for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var logs []*models.ExecutionLog
	for rows.Next() {
		var l models.ExecutionLog
		var level string
		var meta sql.NullString
		if err := rows.Scan(&l.ID, &l.TaskID, &level, &l.Message, &meta, &l.Timestamp); err != nil {
			return nil, err
		}
		l.Level = models.LogLevel(level)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &l.Metadata); err != nil {
				return nil, fmt.Errorf("log %d: parse metadata: %w", l.ID, err)
			}
		}
		// Level filtering happens here rather than in SQL because level
		// ordering is not lexicographic.
		if f.MinLevel != "" && !l.Level.AtLeast(f.MinLevel) {
			continue
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// PurgeLogs deletes log entries older than the cutoff and returns the
// number removed.
func (s *Store) PurgeLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM execution_logs WHERE timestamp < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("purge logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
