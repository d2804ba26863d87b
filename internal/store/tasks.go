package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
)

// --- Task Operations ---

// SaveTasks replaces the persisted queue with tasks, preserving their order.
func (s *Store) SaveTasks(ctx context.Context, tasks []models.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return fmt.Errorf("clear tasks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO tasks
		(seq, id, node_id, linked_nodes, type, payload, state, attempt, max_attempts, errors, result, created_at, updated_at, started_at, completed_at, not_before)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert task: %w", err)
	}
	defer stmt.Close()

	for i, t := range tasks {
		errs, err := json.Marshal(t.Errors)
		if err != nil {
			return fmt.Errorf("marshal errors for %s: %w", t.ID, err)
		}
		var linked sql.NullString
		if len(t.LinkedNodeIDs) > 0 {
			raw, err := json.Marshal(t.LinkedNodeIDs)
			if err != nil {
				return fmt.Errorf("marshal linked nodes for %s: %w", t.ID, err)
			}
			linked = sql.NullString{String: string(raw), Valid: true}
		}
		_, err = stmt.ExecContext(ctx,
			i, t.ID, t.NodeID, linked, string(t.Type), nullableJSON(t.Payload), string(t.State),
			t.Attempt, t.MaxAttempts, string(errs), nullableJSON(t.Result),
			t.CreatedAt, t.UpdatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt), nullTime(t.NotBefore),
		)
		if err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tasks: %w", err)
	}
	return nil
}

// LoadTasks returns the persisted queue in insertion order.
func (s *Store) LoadTasks(ctx context.Context) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, node_id, linked_nodes, type, payload, state, attempt, max_attempts, errors, result,
		created_at, updated_at, started_at, completed_at, not_before FROM tasks ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		var t models.Task
		var linked, payload, errs, result sql.NullString
		var startedAt, completedAt, notBefore sql.NullTime
		if err := rows.Scan(&t.ID, &t.NodeID, &linked, &t.Type, &payload, &t.State, &t.Attempt, &t.MaxAttempts,
			&errs, &result, &t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt, &notBefore); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if linked.Valid && linked.String != "" {
			if err := json.Unmarshal([]byte(linked.String), &t.LinkedNodeIDs); err != nil {
				return nil, fmt.Errorf("decode linked nodes for %s: %w", t.ID, err)
			}
		}
		if payload.Valid {
			t.Payload = json.RawMessage(payload.String)
		}
		if result.Valid {
			t.Result = json.RawMessage(result.String)
		}
		if errs.Valid && errs.String != "" && errs.String != "null" {
			if err := json.Unmarshal([]byte(errs.String), &t.Errors); err != nil {
				return nil, fmt.Errorf("decode errors for %s: %w", t.ID, err)
			}
		}
		if startedAt.Valid {
			t.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			t.CompletedAt = &completedAt.Time
		}
		if notBefore.Valid {
			t.NotBefore = &notBefore.Time
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func nullableJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
