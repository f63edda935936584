package memory

import "time"

const (
	// GuaranteedImportance marks facts that retrieval must always include.
	GuaranteedImportance = 100

	// DedupThreshold is the cosine similarity above which two facts are
	// considered the same fact. Coupled to the embedding model; see
	// EmbeddingModel in the metadata table.
	DedupThreshold = 0.88
)

// AtomicMemory is a single self-contained fact extracted from conversation
// or added manually.
type AtomicMemory struct {
	ID               string     `json:"id"`
	Content          string     `json:"content"`
	Importance       int        `json:"importance"` // 0-100, 100 = always include
	Tags             []string   `json:"tags,omitempty"`
	SourceExchangeID string     `json:"source_exchange_id,omitempty"`
	EmbeddingHash    string     `json:"embedding_hash"`
	CreatedAt        time.Time  `json:"created_at"`
	LastModified     time.Time  `json:"last_modified"`
	AccessCount      int        `json:"access_count"`
	LastAccessed     *time.Time `json:"last_accessed,omitempty"`
}

// Guaranteed reports whether the fact is exempt from budget competition.
func (m *AtomicMemory) Guaranteed() bool {
	return m.Importance >= GuaranteedImportance
}

// HistoryEntry records a content edit or merge. Facts are edited, never
// silently overwritten.
type HistoryEntry struct {
	ID        string    `json:"id"`
	MemoryID  string    `json:"memory_id"`
	OldContent string   `json:"old_content"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Edit reasons recorded in history entries.
const (
	ReasonEdit      = "edit"
	ReasonMerge     = "merge"
	ReasonDriftMerge = "drift-merge"
)

// Thread is a named overlapping grouping of related facts. A fact may belong
// to any number of threads.
type Thread struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	EmbeddingHash string    `json:"embedding_hash"`
	Stale         bool      `json:"stale"` // excluded from retrieval until recomputed
	Dirty         bool      `json:"dirty"` // membership grew; centroid recompute pending
	CreatedAt     time.Time `json:"created_at"`
	LastUpdated   time.Time `json:"last_updated"`
	MemoryIDs     []string  `json:"memory_ids,omitempty"`
}

// Match is a single vector search result.
type Match struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"` // cosine similarity, higher is closer
}

// PendingExchange is a buffered conversational exchange awaiting extraction.
type PendingExchange struct {
	ID         string    `json:"id"`
	ExchangeID string    `json:"exchange_id"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}

// Stats summarizes store contents for status reporting.
type Stats struct {
	Memories         int        `json:"memories"`
	GuaranteedFacts  int        `json:"guaranteed_facts"`
	Threads          int        `json:"threads"`
	StaleThreads     int        `json:"stale_threads"`
	PendingExchanges int        `json:"pending_exchanges"`
	CachedEmbeddings int        `json:"cached_embeddings"`
	LastExtraction   *time.Time `json:"last_extraction,omitempty"`
}
