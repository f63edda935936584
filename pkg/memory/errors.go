package memory

import "errors"

var (
	// ErrEmbeddingUnavailable is returned when the embedding provider is
	// unreachable or times out. Facts are never committed without embeddings.
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

	// ErrIndexCorrupt is returned when a vector table fails its integrity
	// check. Recoverable by rebuilding from the embedding cache.
	ErrIndexCorrupt = errors.New("vector index corrupt")

	// ErrStoreCommitFailed is returned when a transactional write failed and
	// was rolled back.
	ErrStoreCommitFailed = errors.New("store commit failed")

	// ErrMemoryNotFound is returned when a fact id does not exist.
	ErrMemoryNotFound = errors.New("memory not found")

	// ErrThreadNotFound is returned when a thread id does not exist.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrInvalidImportance is returned when importance is outside 0-100.
	ErrInvalidImportance = errors.New("invalid importance (must be 0-100)")

	// ErrEmptyContent is returned when a fact has no content.
	ErrEmptyContent = errors.New("empty memory content")
)
