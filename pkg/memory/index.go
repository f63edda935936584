package memory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/harun/recall/internal/metrics"
)

// index wraps one vec0 virtual table. Two are maintained: one over fact
// embeddings, one over thread embeddings.
type index struct {
	db    *sql.DB
	table string
	dim   int
}

func newIndex(db *sql.DB, table string, dim int) *index {
	return &index{db: db, table: table, dim: dim}
}

func (ix *index) create(tx *sql.Tx) error {
	schema := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(
			id TEXT PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		);
	`, ix.table, ix.dim)
	if _, err := tx.Exec(schema); err != nil {
		return fmt.Errorf("failed to create vector table %s: %w", ix.table, err)
	}
	return nil
}

func (ix *index) insertTx(tx *sql.Tx, id string, vec []float32) error {
	if len(vec) != ix.dim {
		return fmt.Errorf("embedding dimension mismatch: got %d want %d", len(vec), ix.dim)
	}
	data, err := encodeVector(vec)
	if err != nil {
		return err
	}
	// vec0 rejects INSERT OR REPLACE; upserts are a delete plus insert.
	if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE id = ?", ix.table), id); err != nil {
		return fmt.Errorf("failed to replace in %s: %w", ix.table, err)
	}
	if _, err := tx.Exec(
		fmt.Sprintf("INSERT INTO %s (id, embedding) VALUES (?, ?)", ix.table),
		id, data,
	); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", ix.table, err)
	}
	return nil
}

func (ix *index) removeTx(tx *sql.Tx, id string) error {
	if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE id = ?", ix.table), id); err != nil {
		return fmt.Errorf("failed to remove from %s: %w", ix.table, err)
	}
	return nil
}

// search returns the top-k nearest ids by cosine similarity, best first.
func (ix *index) search(ctx context.Context, vec []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	if len(vec) != ix.dim {
		return nil, fmt.Errorf("embedding dimension mismatch: got %d want %d", len(vec), ix.dim)
	}
	data, err := encodeVector(vec)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, vec_distance_cosine(embedding, ?) AS distance
		FROM %s
		ORDER BY distance ASC
		LIMIT ?
	`, ix.table)

	rows, err := ix.db.QueryContext(ctx, query, data, k)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexCorrupt, err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, err
		}
		// Cosine distance is in [0, 2]; similarity = 1 - distance.
		matches = append(matches, Match{ID: id, Score: 1.0 - distance})
	}
	return matches, rows.Err()
}

// count returns the number of vectors in the table.
func (ix *index) count(ctx context.Context) (int, error) {
	var n int
	err := ix.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", ix.table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIndexCorrupt, err)
	}
	return n, nil
}

// verify probes the table and compares its size against the expected row
// count. A failed probe or a mismatch means the index must be rebuilt.
func (ix *index) verify(ctx context.Context, want int) error {
	got, err := ix.count(ctx)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: %s has %d vectors, expected %d", ErrIndexCorrupt, ix.table, got, want)
	}
	return nil
}

// rebuild drops and recreates the table, then reinserts every (id, vector)
// pair yielded by source. Runs inside its own transaction.
func (ix *index) rebuild(ctx context.Context, source func(yield func(id string, vec []float32) error) error) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", ix.table)); err != nil {
		return fmt.Errorf("failed to drop %s: %w", ix.table, err)
	}
	if err := ix.create(tx); err != nil {
		return err
	}
	if err := source(func(id string, vec []float32) error {
		return ix.insertTx(tx, id, vec)
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}

	metrics.RecordIndexRebuild(ix.table)
	return nil
}
