package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
)

// --- Vector Operations ---

// SaveVectors replaces the persisted index with entries.
func (s *Store) SaveVectors(ctx context.Context, entries []models.VectorEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM vectors`); err != nil {
		return fmt.Errorf("clear vectors: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO vectors (node_id, type, name, path, dim, embedding, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert vector: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.NodeID, e.Type, e.Name, e.Path, len(e.Embedding),
			float32ToBytes(e.Embedding), e.UpdatedAt); err != nil {
			return fmt.Errorf("insert vector %s: %w", e.NodeID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit vectors: %w", err)
	}
	return nil
}

// LoadVectors returns every persisted vector entry ordered by type then node.
func (s *Store) LoadVectors(ctx context.Context) ([]models.VectorEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, type, name, path, dim, embedding, updated_at FROM vectors ORDER BY type, node_id`)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	defer rows.Close()

	var out []models.VectorEntry
	for rows.Next() {
		var e models.VectorEntry
		var name, path sql.NullString
		var dim int
		var blob []byte
		if err := rows.Scan(&e.NodeID, &e.Type, &name, &path, &dim, &blob, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		e.Name = name.String
		e.Path = path.String
		e.Embedding = bytesToFloat32(blob)
		if len(e.Embedding) != dim {
			return nil, fmt.Errorf("vector %s: stored dim %d, decoded %d", e.NodeID, dim, len(e.Embedding))
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// float32ToBytes encodes a vector as little-endian float32s.
func float32ToBytes(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func bytesToFloat32(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
