package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
)

// --- Duplicate Pair Operations ---

// SavePairs replaces the persisted duplicate registry with pairs.
func (s *Store) SavePairs(ctx context.Context, pairs []models.DuplicatePair) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM duplicate_pairs`); err != nil {
		return fmt.Errorf("clear pairs: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO duplicate_pairs
		(id, node_a, name_a, path_a, node_b, name_b, path_b, type, similarity, status, detected_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert pair: %w", err)
	}
	defer stmt.Close()

	for _, p := range pairs {
		_, err := stmt.ExecContext(ctx, p.ID,
			p.NodeA.NodeID, p.NodeA.Name, p.NodeA.Path,
			p.NodeB.NodeID, p.NodeB.Name, p.NodeB.Path,
			p.Type, p.Similarity, string(p.Status), p.DetectedAt, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert pair %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit pairs: %w", err)
	}
	return nil
}

// LoadPairs returns every persisted duplicate pair, oldest detection first.
func (s *Store) LoadPairs(ctx context.Context) ([]models.DuplicatePair, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, node_a, name_a, path_a, node_b, name_b, path_b,
		type, similarity, status, detected_at, updated_at FROM duplicate_pairs ORDER BY detected_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query pairs: %w", err)
	}
	defer rows.Close()

	var out []models.DuplicatePair
	for rows.Next() {
		var p models.DuplicatePair
		var nameA, pathA, nameB, pathB sql.NullString
		if err := rows.Scan(&p.ID, &p.NodeA.NodeID, &nameA, &pathA, &p.NodeB.NodeID, &nameB, &pathB,
			&p.Type, &p.Similarity, &p.Status, &p.DetectedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan pair: %w", err)
		}
		p.NodeA.Name, p.NodeA.Path = nameA.String, pathA.String
		p.NodeB.Name, p.NodeB.Path = nameB.String, pathB.String
		out = append(out, p)
	}
	return out, rows.Err()
}
