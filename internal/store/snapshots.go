package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/azos-dev/azos/internal/models"
)

// SaveSnapshot persists a point-in-time task state for later resume.
func (s *Store) SaveSnapshot(ctx context.Context, snap *models.Snapshot) error {
	state, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("marshal snapshot state: %w", err)
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	res, err := s.execWithRetry(ctx, `
		INSERT INTO state_snapshots (task_id, state, description, commit_ref, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		snap.TaskID, string(state), nullString(snap.Description),
		nullString(snap.CommitRef), snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("save snapshot for task %s: %w", snap.TaskID, err)
	}
	snap.ID, _ = res.LastInsertId()
	return nil
}

// ListSnapshots returns a task's snapshots, newest first.
func (s *Store) ListSnapshots(ctx context.Context, taskID string) ([]*models.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, state, description, commit_ref, created_at
		FROM state_snapshots WHERE task_id = ?
		ORDER BY created_at DESC, id DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var snaps []*models.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// GetSnapshot fetches one snapshot by its row ID.
func (s *Store) GetSnapshot(ctx context.Context, id int64) (*models.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, state, description, commit_ref, created_at
		FROM state_snapshots WHERE id = ?`, id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %d: %w", id, ErrNotFound)
	}
	return snap, err
}

// LatestSnapshot returns the most recent snapshot for a task, or
// ErrNotFound if none exists.
func (s *Store) LatestSnapshot(ctx context.Context, taskID string) (*models.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, state, description, commit_ref, created_at
		FROM state_snapshots WHERE task_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, taskID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot for task %s: %w", taskID, ErrNotFound)
	}
	return snap, err
}

func scanSnapshot(row rowScanner) (*models.Snapshot, error) {
	var snap models.Snapshot
	var state string
	var desc, ref sql.NullString
	err := row.Scan(&snap.ID, &snap.TaskID, &state, &desc, &ref, &snap.CreatedAt)
	if err != nil {
		return nil, err
	}
	snap.Description = desc.String
	snap.CommitRef = ref.String
	if err := json.Unmarshal([]byte(state), &snap.State); err != nil {
		return nil, fmt.Errorf("snapshot %d: parse state: %w", snap.ID, err)
	}
	return &snap, nil
}

// RecordToolInvocation opens an audit row for one tool RPC.
func (s *Store) RecordToolInvocation(ctx context.Context, inv *models.ToolInvocation) error {
	if inv.StartedAt.IsZero() {
		inv.StartedAt = time.Now().UTC()
	}
	_, err := s.execWithRetry(ctx, `
		INSERT INTO tool_invocations (id, method, params_json, status, error_text, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.Method, inv.ParamsJSON, string(inv.Status),
		nullString(inv.ErrorText), inv.StartedAt, nullTime(inv.CompletedAt))
	if err != nil {
		return fmt.Errorf("record tool invocation %s: %w", inv.ID, err)
	}
	return nil
}

// CompleteToolInvocation closes an audit row with its outcome.
func (s *Store) CompleteToolInvocation(ctx context.Context, id string, status models.Status, errorText string) error {
	res, err := s.execWithRetry(ctx, `
		UPDATE tool_invocations SET status = ?, error_text = ?, completed_at = ?
		WHERE id = ?`,
		string(status), nullString(errorText), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("complete tool invocation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("tool invocation %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListToolInvocations returns recent tool audit rows, newest first.
func (s *Store) ListToolInvocations(ctx context.Context, limit int) ([]*models.ToolInvocation, error) {
	query := `SELECT id, method, params_json, status, error_text, started_at, completed_at
		FROM tool_invocations ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tool invocations: %w", err)
	}
	defer rows.Close()

	var invs []*models.ToolInvocation
	for rows.Next() {
		var inv models.ToolInvocation
		var status string
		var errText sql.NullString
		var completed sql.NullTime
		err := rows.Scan(&inv.ID, &inv.Method, &inv.ParamsJSON, &status,
			&errText, &inv.StartedAt, &completed)
		if err != nil {
			return nil, err
		}
		inv.Status = models.Status(status)
		inv.ErrorText = errText.String
		inv.CompletedAt = timePtr(completed)
		invs = append(invs, &inv)
	}
	return invs, rows.Err()
}
