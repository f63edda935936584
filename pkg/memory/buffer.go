package memory

import (
	"context"
	"fmt"
	"strconv"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// BufferExchange durably appends a conversational exchange for later
// extraction. Fire-and-forget from the chat layer's point of view: no
// extraction happens synchronously.
func (s *Store) BufferExchange(ctx context.Context, exchangeID, text string) error {
	if text == "" {
		return ErrEmptyContent
	}

	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	id, err := gonanoid.New()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO pending_exchanges (id, exchange_id, text, created_at) VALUES (?, ?, ?, ?)",
		id, exchangeID, text, time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	return nil
}

// PendingExchanges returns the buffered exchanges in insertion order. The
// autoincrement sequence is the ordering key; created_at has one-second
// resolution and cannot break ties within a second.
func (s *Store) PendingExchanges(ctx context.Context) ([]PendingExchange, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, exchange_id, text, created_at FROM pending_exchanges ORDER BY seq ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []PendingExchange
	for rows.Next() {
		var p PendingExchange
		var createdAt int64
		if err := rows.Scan(&p.ID, &p.ExchangeID, &p.Text, &createdAt); err != nil {
			return nil, err
		}
		p.CreatedAt = time.Unix(createdAt, 0)
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// LastExtractionRun returns when the librarian last committed a batch, or
// zero time if it never has. Persisted so the throttle window survives
// restarts.
func (s *Store) LastExtractionRun() (time.Time, error) {
	raw, err := s.getMetadata("last_extraction")
	if err != nil {
		return time.Time{}, err
	}
	if raw == "" {
		return time.Time{}, nil
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid last_extraction metadata: %w", err)
	}
	return time.Unix(unix, 0), nil
}
