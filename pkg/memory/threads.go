package memory

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// CreateThread creates a topical grouping. The initial thread vector is
// derived from the name and description; once members accumulate the
// gardener replaces it with a member centroid.
func (s *Store) CreateThread(ctx context.Context, name, description string) (*Thread, error) {
	if name == "" {
		return nil, fmt.Errorf("thread name is required")
	}

	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	return s.createThreadLocked(ctx, name, description)
}

func (s *Store) createThreadLocked(ctx context.Context, name, description string) (*Thread, error) {
	seed := name
	if description != "" {
		seed = name + ": " + description
	}
	hash, vec, err := s.embedForWrite(ctx, seed)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	thread := &Thread{
		ID:            uuid.NewString(),
		Name:          name,
		Description:   description,
		EmbeddingHash: hash,
		CreatedAt:     now,
		LastUpdated:   now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	defer tx.Rollback()

	if err := s.insertThreadTx(tx, thread, vec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}

	s.logger.Debug().Str("thread_id", thread.ID).Str("name", name).Msg("Thread created")
	return thread, nil
}

func (s *Store) insertThreadTx(tx *sql.Tx, thread *Thread, vec []float32) error {
	if _, err := tx.Exec(`
		INSERT INTO threads (id, name, description, embedding_hash, stale, dirty, created_at, last_updated)
		VALUES (?, ?, ?, ?, 0, 0, ?, ?)
	`, thread.ID, thread.Name, thread.Description, thread.EmbeddingHash,
		thread.CreatedAt.Unix(), thread.LastUpdated.Unix()); err != nil {
		return err
	}
	if err := s.ensureCacheTx(tx, thread.EmbeddingHash, vec); err != nil {
		return err
	}
	return s.thrIndex.insertTx(tx, thread.ID, vec)
}

// AssignToThread attaches a fact to a thread. Idempotent: re-assigning an
// existing member changes nothing.
func (s *Store) AssignToThread(ctx context.Context, memoryID, threadID string) error {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	defer tx.Rollback()

	if err := s.assignTx(tx, memoryID, threadID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	return nil
}

// assignTx enforces referential integrity inside the store: both sides must
// exist, and a membership change leaves the thread embedding stale.
func (s *Store) assignTx(tx *sql.Tx, memoryID, threadID string) error {
	var exists int
	if err := tx.QueryRow("SELECT COUNT(*) FROM memories WHERE id = ?", memoryID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrMemoryNotFound
	}
	if err := tx.QueryRow("SELECT COUNT(*) FROM threads WHERE id = ?", threadID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrThreadNotFound
	}

	res, err := tx.Exec(`
		INSERT OR IGNORE INTO thread_members (thread_id, memory_id, position)
		VALUES (?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM thread_members WHERE thread_id = ?))
	`, threadID, memoryID, threadID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Already a member; idempotent no-op.
		return nil
	}

	// Additions leave the thread visible but schedule a centroid recompute.
	_, err = tx.Exec("UPDATE threads SET dirty = 1, last_updated = ? WHERE id = ?", time.Now().Unix(), threadID)
	return err
}

// RemoveFromThread detaches a fact; the thread goes stale.
func (s *Store) RemoveFromThread(ctx context.Context, memoryID, threadID string) error {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM thread_members WHERE thread_id = ? AND memory_id = ?", threadID, memoryID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if _, err := tx.Exec("UPDATE threads SET stale = 1, dirty = 1, last_updated = ? WHERE id = ?",
			time.Now().Unix(), threadID); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
		}
	}
	return tx.Commit()
}

// GetThread returns a thread with its member ids in assignment order.
func (s *Store) GetThread(ctx context.Context, id string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, embedding_hash, stale, dirty, created_at, last_updated
		FROM threads WHERE id = ?
	`, id)
	thread, err := scanThread(row)
	if err == sql.ErrNoRows {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT memory_id FROM thread_members WHERE thread_id = ? ORDER BY position ASC", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var memID string
		if err := rows.Scan(&memID); err != nil {
			return nil, err
		}
		thread.MemoryIDs = append(thread.MemoryIDs, memID)
	}
	return thread, rows.Err()
}

func scanThread(row rowScanner) (*Thread, error) {
	var t Thread
	var stale, dirty int
	var createdAt, lastUpdated int64
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &t.EmbeddingHash, &stale, &dirty, &createdAt, &lastUpdated); err != nil {
		return nil, err
	}
	t.Stale = stale != 0
	t.Dirty = dirty != 0
	t.CreatedAt = time.Unix(createdAt, 0)
	t.LastUpdated = time.Unix(lastUpdated, 0)
	return &t, nil
}

// ListThreads returns all threads, most recently updated first.
func (s *Store) ListThreads(ctx context.Context) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, embedding_hash, stale, dirty, created_at, last_updated
		FROM threads ORDER BY last_updated DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, *t)
	}
	return threads, rows.Err()
}

// ThreadsNeedingRecompute returns threads whose embedding no longer
// reflects their membership: stale ones (hidden from retrieval) and dirty
// ones (visible but drifting).
func (s *Store) ThreadsNeedingRecompute(ctx context.Context) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, embedding_hash, stale, dirty, created_at, last_updated
		FROM threads WHERE stale = 1 OR dirty = 1 ORDER BY last_updated ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, *t)
	}
	return threads, rows.Err()
}

// MemoriesForThread returns a thread's member facts in assignment order.
func (s *Store) MemoriesForThread(ctx context.Context, threadID string) ([]AtomicMemory, error) {
	return s.queryMemories(ctx, `
		SELECT m.id, m.content, m.importance, m.tags, m.source_exchange_id, m.embedding_hash,
		       m.created_at, m.last_modified, m.access_count, m.last_accessed
		FROM memories m
		JOIN thread_members tm ON tm.memory_id = m.id
		WHERE tm.thread_id = ?
		ORDER BY tm.position ASC
	`, threadID)
}

// SearchThreads returns the k nearest non-stale threads. Stale threads are
// excluded from retrieval until the gardener recomputes them.
func (s *Store) SearchThreads(ctx context.Context, vec []float32, k int) ([]Match, error) {
	var staleCount int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM threads WHERE stale = 1").Scan(&staleCount); err != nil {
		return nil, err
	}

	// Over-fetch so stale threads left in the vector table do not crowd out
	// live ones, then filter.
	matches, err := s.thrIndex.search(ctx, vec, k+staleCount)
	if err != nil {
		return nil, err
	}
	if staleCount == 0 {
		return matches, nil
	}

	stale := make(map[string]bool, staleCount)
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM threads WHERE stale = 1")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		stale[id] = true
	}

	filtered := matches[:0]
	for _, m := range matches {
		if !stale[m.ID] {
			filtered = append(filtered, m)
		}
		if len(filtered) == k {
			break
		}
	}
	return filtered, nil
}

// threadCentroid computes the normalized mean of a thread's member vectors
// from the embedding cache. Returns nil for an empty thread.
func (s *Store) threadCentroid(ctx context.Context, threadID string) ([]float32, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.embedding
		FROM thread_members tm
		JOIN memories m ON m.id = tm.memory_id
		JOIN embedding_cache c ON c.content_hash = m.embedding_hash
		WHERE tm.thread_id = ?
	`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sum := make([]float64, s.dim)
	count := 0
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, err
		}
		if len(vec) != s.dim {
			continue
		}
		for i, v := range vec {
			sum[i] += float64(v)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}

	var norm float64
	for i := range sum {
		sum[i] /= float64(count)
		norm += sum[i] * sum[i]
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return nil, nil
	}

	centroid := make([]float32, s.dim)
	for i := range sum {
		centroid[i] = float32(sum[i] / norm)
	}
	return centroid, nil
}

// RecomputeThreadEmbedding rebuilds a stale thread's vector from its member
// centroid and clears the stale flag. An empty thread stays stale: it has no
// topical center and remains invisible to retrieval.
func (s *Store) RecomputeThreadEmbedding(ctx context.Context, threadID string) (bool, error) {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	centroid, err := s.threadCentroid(ctx, threadID)
	if err != nil {
		return false, err
	}
	if centroid == nil {
		return false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	defer tx.Rollback()

	if err := s.thrIndex.insertTx(tx, threadID, centroid); err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	// A centroid is not content-addressed; clear the hash so index rebuilds
	// recompute it instead of consulting the cache.
	if _, err := tx.Exec("UPDATE threads SET stale = 0, dirty = 0, embedding_hash = '' WHERE id = ?", threadID); err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	return true, nil
}

// PruneEmptyThreads deletes stale threads with no members. The only thread
// deletion path; facts themselves are never touched.
func (s *Store) PruneEmptyThreads(ctx context.Context) (int, error) {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id FROM threads
		WHERE stale = 1 AND id NOT IN (SELECT DISTINCT thread_id FROM thread_members)
	`)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if _, err := tx.Exec("DELETE FROM threads WHERE id = ?", id); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
		}
		if err := s.thrIndex.removeTx(tx, id); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	return len(ids), nil
}
