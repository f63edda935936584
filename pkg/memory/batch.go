package memory

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Batch is one librarian extraction cycle's worth of mutations. ApplyBatch
// commits everything or nothing; on failure the consumed buffer rows are
// retained so the next throttle window retries the same exchanges.
type Batch struct {
	NewMemories []NewMemory
	Merges      []Merge
	NewThreads  []NewThread
	Assignments []Assignment
	// ConsumedPending lists pending_exchanges row ids to delete on commit.
	ConsumedPending []string
	ExtractedAt     time.Time
}

// NewMemory pairs a fact with its precomputed vector.
type NewMemory struct {
	Memory AtomicMemory
	Vector []float32
}

// Merge folds a candidate into an existing fact's history.
type Merge struct {
	MemoryID   string
	Content    string
	Importance int
	Reason     string
}

// NewThread pairs a thread with its precomputed vector.
type NewThread struct {
	Thread Thread
	Vector []float32
}

// Assignment attaches a fact to a thread.
type Assignment struct {
	MemoryID string
	ThreadID string
}

// Empty reports whether the batch mutates nothing but the buffer.
func (b *Batch) Empty() bool {
	return len(b.NewMemories) == 0 && len(b.Merges) == 0 &&
		len(b.NewThreads) == 0 && len(b.Assignments) == 0
}

// ApplyBatch commits a librarian batch atomically. Ordering inside the
// transaction: fact creation, then merges, then threads, then assignments,
// so no assignment ever references a fact or thread the same transaction
// did not create first.
func (s *Store) ApplyBatch(ctx context.Context, batch *Batch) error {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	defer tx.Rollback()

	for i := range batch.NewMemories {
		nm := &batch.NewMemories[i]
		if err := s.insertMemoryTx(tx, &nm.Memory, nm.Vector); err != nil {
			return fmt.Errorf("%w: insert memory: %v", ErrStoreCommitFailed, err)
		}
	}

	for _, m := range batch.Merges {
		if err := s.appendHistoryTx(tx, m.MemoryID, m.Content, m.Reason); err != nil {
			return fmt.Errorf("%w: merge history: %v", ErrStoreCommitFailed, err)
		}
		if _, err := tx.Exec(
			"UPDATE memories SET importance = MAX(importance, ?), last_modified = ? WHERE id = ?",
			m.Importance, time.Now().Unix(), m.MemoryID,
		); err != nil {
			return fmt.Errorf("%w: merge update: %v", ErrStoreCommitFailed, err)
		}
	}

	for i := range batch.NewThreads {
		nt := &batch.NewThreads[i]
		if err := s.insertThreadTx(tx, &nt.Thread, nt.Vector); err != nil {
			return fmt.Errorf("%w: insert thread: %v", ErrStoreCommitFailed, err)
		}
	}

	for _, a := range batch.Assignments {
		if err := s.assignTx(tx, a.MemoryID, a.ThreadID); err != nil {
			return fmt.Errorf("%w: assign: %v", ErrStoreCommitFailed, err)
		}
	}

	for _, id := range batch.ConsumedPending {
		if _, err := tx.Exec("DELETE FROM pending_exchanges WHERE id = ?", id); err != nil {
			return fmt.Errorf("%w: consume buffer: %v", ErrStoreCommitFailed, err)
		}
	}

	extractedAt := batch.ExtractedAt
	if extractedAt.IsZero() {
		extractedAt = time.Now()
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES ('last_extraction', ?)",
		strconv.FormatInt(extractedAt.Unix(), 10),
	); err != nil {
		return fmt.Errorf("%w: record extraction run: %v", ErrStoreCommitFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	return nil
}
