package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
)

// --- Snapshot Operations ---

const snapshotColumns = `id, path, content, existed, checksum, size, task_id, node_id, created_at`

// InsertSnapshot durably records snap and then evicts the oldest snapshots
// (by insertion sequence) until at most max remain. The ids of evicted
// snapshots are returned. A max of zero or less disables eviction.
func (s *Store) InsertSnapshot(ctx context.Context, snap *models.Snapshot, max int) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (`+snapshotColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.Path, snap.Content, snap.Existed, snap.Checksum, snap.Size, snap.TaskID,
		nullString(snap.NodeID), snap.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}

	var evicted []string
	if max > 0 {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&count); err != nil {
			return nil, fmt.Errorf("count snapshots: %w", err)
		}
		if over := count - max; over > 0 {
			rows, err := tx.QueryContext(ctx, `SELECT id FROM snapshots ORDER BY seq ASC LIMIT ?`, over)
			if err != nil {
				return nil, fmt.Errorf("query oldest snapshots: %w", err)
			}
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					rows.Close()
					return nil, fmt.Errorf("scan snapshot id: %w", err)
				}
				evicted = append(evicted, id)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return nil, fmt.Errorf("iterate snapshots: %w", err)
			}

			for _, id := range evicted {
				if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id); err != nil {
					return nil, fmt.Errorf("evict snapshot %s: %w", id, err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit snapshot: %w", err)
	}
	return evicted, nil
}

// GetSnapshot retrieves a snapshot by ID. A missing snapshot returns nil, nil.
func (s *Store) GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, id)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	return snap, nil
}

// DeleteSnapshot removes a snapshot. Deleting a missing snapshot is not an error.
func (s *Store) DeleteSnapshot(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns all snapshots, oldest first.
func (s *Store) ListSnapshots(ctx context.Context) ([]models.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

// CountSnapshots returns the number of stored snapshots.
func (s *Store) CountSnapshots(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}

// ClearSnapshots deletes every snapshot and returns how many were removed.
func (s *Store) ClearSnapshots(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots`)
	if err != nil {
		return 0, fmt.Errorf("clear snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*models.Snapshot, error) {
	var snap models.Snapshot
	var nodeID sql.NullString
	err := row.Scan(&snap.ID, &snap.Path, &snap.Content, &snap.Existed, &snap.Checksum, &snap.Size,
		&snap.TaskID, &nodeID, &snap.CreatedAt)
	if err != nil {
		return nil, err
	}
	if nodeID.Valid {
		snap.NodeID = nodeID.String
	}
	return &snap, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
