package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/harun/recall/internal/metrics"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

// Store owns the fact table, thread table, embedding cache, and both vector
// indexes. One writer at a time; readers use WAL snapshots.
type Store struct {
	db       *sql.DB
	provider EmbeddingProvider
	logger   zerolog.Logger
	hot      *ristretto.Cache
	dim      int

	memIndex *index
	thrIndex *index

	// writerMu serializes all mutation: librarian batches, gardener sweeps,
	// and manual operations. Readers never take it.
	writerMu sync.Mutex

	reembedRequired bool
}

// StoreConfig holds store configuration
type StoreConfig struct {
	DBPath   string
	Provider EmbeddingProvider
	Logger   zerolog.Logger
}

// AddMemoryParams are the inputs to the manual-add path.
type AddMemoryParams struct {
	Content          string
	Importance       int
	Tags             []string
	SourceExchangeID string
}

// Open opens (or creates) the store, verifies both vector indexes, and
// rebuilds them from the embedding cache if they are missing or corrupt.
func Open(cfg StoreConfig) (*Store, error) {
	metrics.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("embedding provider is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL gives readers snapshot isolation while a writer commits.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	hot, err := newHotCache()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create hot cache: %w", err)
	}

	s := &Store{
		db:       db,
		provider: cfg.Provider,
		logger:   cfg.Logger,
		hot:      hot,
		dim:      cfg.Provider.Dimension(),
	}
	s.memIndex = newIndex(db, "memory_vectors", s.dim)
	s.thrIndex = newIndex(db, "thread_vectors", s.dim)

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := s.checkEmbeddingModel(); err != nil {
		db.Close()
		return nil, err
	}

	if err := s.verifyIndexes(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info().Str("db", cfg.DBPath).Int("dimension", s.dim).Msg("Memory store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			importance INTEGER NOT NULL CHECK (importance >= 0 AND importance <= 100),
			tags TEXT NOT NULL DEFAULT '[]',
			source_exchange_id TEXT,
			embedding_hash TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_modified INTEGER NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_memories_importance ON memories(importance);
		CREATE INDEX IF NOT EXISTS idx_memories_hash ON memories(embedding_hash);

		CREATE TABLE IF NOT EXISTS memory_history (
			id TEXT PRIMARY KEY,
			memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
			old_content TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_history_memory ON memory_history(memory_id);

		CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			embedding_hash TEXT NOT NULL DEFAULT '',
			stale INTEGER NOT NULL DEFAULT 0,
			dirty INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			last_updated INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS thread_members (
			thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			PRIMARY KEY (thread_id, memory_id)
		);
		CREATE INDEX IF NOT EXISTS idx_members_memory ON thread_members(memory_id);

		CREATE TABLE IF NOT EXISTS pending_exchanges (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			exchange_id TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			dimension INTEGER NOT NULL,
			model TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.memIndex.create(tx); err != nil {
		return err
	}
	if err := s.thrIndex.create(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// checkEmbeddingModel records the provider model on first open and flags the
// store when the model changed since the cache was populated. The dedup
// threshold is only meaningful against a single model, so a change requires
// a full re-embed before extraction resumes trusting similarity scores.
func (s *Store) checkEmbeddingModel() error {
	stored, err := s.getMetadata("embedding_model")
	if err != nil {
		return err
	}
	current := s.provider.Model()
	if stored == "" {
		return s.setMetadata("embedding_model", current)
	}
	if stored != current {
		s.reembedRequired = true
		s.logger.Warn().
			Str("cached_model", stored).
			Str("current_model", current).
			Msg("Embedding model changed; run a full re-embed to restore similarity guarantees")
	}
	return nil
}

// ReembedRequired reports whether the embedding model changed since the
// cache was built.
func (s *Store) ReembedRequired() bool {
	return s.reembedRequired
}

// verifyIndexes compares each vector table against its source table and
// rebuilds from the embedding cache on mismatch or probe failure. The fact
// index must match exactly; the thread index must cover at least every
// non-stale thread (vectors for stale threads may linger and are filtered
// at query time).
func (s *Store) verifyIndexes(ctx context.Context) error {
	var wantMem, wantThr int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&wantMem); err != nil {
		return err
	}
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM threads WHERE stale = 0").Scan(&wantThr); err != nil {
		return err
	}

	if err := s.memIndex.verify(ctx, wantMem); err != nil {
		if !errors.Is(err, ErrIndexCorrupt) {
			return err
		}
		s.logger.Warn().Err(err).Msg("Memory vector index corrupt, rebuilding from embedding cache")
		if err := s.RebuildMemoryIndex(ctx); err != nil {
			return err
		}
	}

	gotThr, err := s.thrIndex.count(ctx)
	if err != nil || gotThr < wantThr {
		if err == nil {
			err = fmt.Errorf("%w: thread_vectors has %d vectors, expected at least %d", ErrIndexCorrupt, gotThr, wantThr)
		}
		if !errors.Is(err, ErrIndexCorrupt) {
			return err
		}
		s.logger.Warn().Err(err).Msg("Thread vector index corrupt, rebuilding from embedding cache")
		if err := s.RebuildThreadIndex(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RebuildMemoryIndex reconstructs the fact vector table from the embedding
// cache. A fact whose cache row is missing is a fatal configuration error:
// the cache is the source of truth for rebuilds.
func (s *Store) RebuildMemoryIndex(ctx context.Context) error {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()
	return s.rebuildMemoryIndexLocked(ctx)
}

// rebuildMemoryIndexLocked requires writerMu held.
func (s *Store) rebuildMemoryIndexLocked(ctx context.Context) error {
	return s.memIndex.rebuild(ctx, func(yield func(id string, vec []float32) error) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT m.id, c.embedding
			FROM memories m
			LEFT JOIN embedding_cache c ON c.content_hash = m.embedding_hash
		`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			var blob []byte
			if err := rows.Scan(&id, &blob); err != nil {
				return err
			}
			if blob == nil {
				return fmt.Errorf("embedding cache missing vector for memory %s: unrecoverable", id)
			}
			vec, err := decodeVector(blob)
			if err != nil {
				return err
			}
			if err := yield(id, vec); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}

// RebuildThreadIndex reconstructs the thread vector table. Threads whose
// vector came from their description are restored from the cache; the rest
// get a fresh centroid of their members' cached vectors. Stale threads and
// empty threads are skipped (they are excluded from retrieval anyway).
func (s *Store) RebuildThreadIndex(ctx context.Context) error {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	return s.thrIndex.rebuild(ctx, func(yield func(id string, vec []float32) error) error {
		rows, err := s.db.QueryContext(ctx,
			"SELECT id, embedding_hash FROM threads WHERE stale = 0")
		if err != nil {
			return err
		}
		defer rows.Close()

		type threadRow struct{ id, hash string }
		var threads []threadRow
		for rows.Next() {
			var tr threadRow
			if err := rows.Scan(&tr.id, &tr.hash); err != nil {
				return err
			}
			threads = append(threads, tr)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, tr := range threads {
			if tr.hash != "" {
				if vec, ok := s.lookupDurable(tr.hash); ok {
					if err := yield(tr.id, vec); err != nil {
						return err
					}
					continue
				}
			}
			vec, err := s.threadCentroid(ctx, tr.id)
			if err != nil {
				return err
			}
			if vec == nil {
				continue
			}
			if err := yield(tr.id, vec); err != nil {
				return err
			}
		}
		return nil
	})
}

// embedForWrite resolves a vector for content: hot cache, durable cache,
// then the provider. The durable cache row is written later inside the
// caller's transaction via ensureCacheTx.
func (s *Store) embedForWrite(ctx context.Context, content string) (string, []float32, error) {
	hash := ContentHash(content)
	if vec, ok := s.lookupHot(hash); ok {
		metrics.RecordEmbeddingCacheHit()
		return hash, vec, nil
	}
	if vec, ok := s.lookupDurable(hash); ok {
		metrics.RecordEmbeddingCacheHit()
		s.hot.Set(hash, vec, vectorCost(vec))
		return hash, vec, nil
	}
	metrics.RecordEmbeddingCacheMiss()

	vec, err := s.provider.GenerateEmbedding(ctx, content)
	if err != nil {
		if errors.Is(err, ErrEmbeddingUnavailable) {
			return "", nil, err
		}
		return "", nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	if len(vec) != s.dim {
		return "", nil, fmt.Errorf("%w: provider returned dimension %d, want %d", ErrEmbeddingUnavailable, len(vec), s.dim)
	}
	return hash, vec, nil
}

// Embed resolves a vector for read paths (e.g. query embedding). It consults
// both cache tiers but never writes durable state.
func (s *Store) Embed(ctx context.Context, text string) ([]float32, error) {
	hash := ContentHash(text)
	if vec, ok := s.lookupHot(hash); ok {
		metrics.RecordEmbeddingCacheHit()
		return vec, nil
	}
	if vec, ok := s.lookupDurable(hash); ok {
		metrics.RecordEmbeddingCacheHit()
		s.hot.Set(hash, vec, vectorCost(vec))
		return vec, nil
	}
	metrics.RecordEmbeddingCacheMiss()

	vec, err := s.provider.GenerateEmbedding(ctx, text)
	if err != nil {
		if errors.Is(err, ErrEmbeddingUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	s.hot.Set(hash, vec, vectorCost(vec))
	return vec, nil
}

// AddMemory embeds, dedups, and commits a single fact. When the nearest
// existing fact scores at or above DedupThreshold the candidate is merged
// into its history instead, and the surviving fact is returned with
// merged=true.
func (s *Store) AddMemory(ctx context.Context, params AddMemoryParams) (*AtomicMemory, bool, error) {
	content := strings.TrimSpace(params.Content)
	if content == "" {
		return nil, false, ErrEmptyContent
	}
	if params.Importance < 0 || params.Importance > 100 {
		return nil, false, ErrInvalidImportance
	}

	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	hash, vec, err := s.embedForWrite(ctx, content)
	if err != nil {
		return nil, false, err
	}

	// Write-time dedup against the live index. A corrupt index cannot be
	// skipped past: that would insert without dedup and could leave two
	// live facts above the merge threshold.
	matches, err := s.memIndex.search(ctx, vec, 1)
	if errors.Is(err, ErrIndexCorrupt) {
		s.logger.Warn().Err(err).Msg("Memory vector index corrupt during add, rebuilding from embedding cache")
		if err := s.rebuildMemoryIndexLocked(ctx); err != nil {
			return nil, false, err
		}
		matches, err = s.memIndex.search(ctx, vec, 1)
	}
	if err != nil {
		return nil, false, err
	}
	if len(matches) > 0 && matches[0].Score >= DedupThreshold {
		merged, err := s.mergeInto(ctx, matches[0].ID, content, params.Importance, ReasonMerge)
		if err != nil {
			return nil, false, err
		}
		return merged, true, nil
	}

	now := time.Now()
	mem := &AtomicMemory{
		ID:               uuid.NewString(),
		Content:          content,
		Importance:       params.Importance,
		Tags:             params.Tags,
		SourceExchangeID: params.SourceExchangeID,
		EmbeddingHash:    hash,
		CreatedAt:        now,
		LastModified:     now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	defer tx.Rollback()

	if err := s.insertMemoryTx(tx, mem, vec); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}

	s.logger.Debug().Str("memory_id", mem.ID).Int("importance", mem.Importance).Msg("Memory added")
	return mem, false, nil
}

// insertMemoryTx writes the fact row, its cache row, and its vector in one
// transaction so the fact never becomes visible without an embedding.
func (s *Store) insertMemoryTx(tx *sql.Tx, mem *AtomicMemory, vec []float32) error {
	tags, err := json.Marshal(mem.Tags)
	if err != nil {
		return err
	}
	var source interface{}
	if mem.SourceExchangeID != "" {
		source = mem.SourceExchangeID
	}
	if _, err := tx.Exec(`
		INSERT INTO memories (id, content, importance, tags, source_exchange_id, embedding_hash, created_at, last_modified, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, mem.ID, mem.Content, mem.Importance, string(tags), source, mem.EmbeddingHash,
		mem.CreatedAt.Unix(), mem.LastModified.Unix()); err != nil {
		return err
	}
	if err := s.ensureCacheTx(tx, mem.EmbeddingHash, vec); err != nil {
		return err
	}
	return s.memIndex.insertTx(tx, mem.ID, vec)
}

// mergeInto appends the candidate content to an existing fact's history.
// The caller holds the writer lock. Importance only moves up.
func (s *Store) mergeInto(ctx context.Context, existingID, content string, importance int, reason string) (*AtomicMemory, error) {
	existing, err := s.getMemoryTxless(ctx, existingID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	defer tx.Rollback()

	if err := s.appendHistoryTx(tx, existingID, content, reason); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	now := time.Now()
	newImportance := existing.Importance
	if importance > newImportance {
		newImportance = importance
	}
	if _, err := tx.Exec(
		"UPDATE memories SET importance = ?, last_modified = ? WHERE id = ?",
		newImportance, now.Unix(), existingID,
	); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}

	existing.Importance = newImportance
	existing.LastModified = now
	s.logger.Debug().Str("memory_id", existingID).Str("reason", reason).Msg("Candidate merged into existing memory")
	return existing, nil
}

// appendHistoryTx records new content against a fact. For merges the
// incoming candidate is logged; for edits the previous content is.
func (s *Store) appendHistoryTx(tx *sql.Tx, memoryID, content, reason string) error {
	id, err := gonanoid.New()
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		"INSERT INTO memory_history (id, memory_id, old_content, reason, created_at) VALUES (?, ?, ?, ?, ?)",
		id, memoryID, content, reason, time.Now().Unix(),
	)
	return err
}

// EditMemory replaces a fact's content, preserving the old content in
// history and refreshing the embedding and vector.
func (s *Store) EditMemory(ctx context.Context, id, newContent, reason string) (*AtomicMemory, error) {
	newContent = strings.TrimSpace(newContent)
	if newContent == "" {
		return nil, ErrEmptyContent
	}
	if reason == "" {
		reason = ReasonEdit
	}

	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	mem, err := s.getMemoryTxless(ctx, id)
	if err != nil {
		return nil, err
	}

	hash, vec, err := s.embedForWrite(ctx, newContent)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	defer tx.Rollback()

	if err := s.appendHistoryTx(tx, id, mem.Content, reason); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	now := time.Now()
	if _, err := tx.Exec(
		"UPDATE memories SET content = ?, embedding_hash = ?, last_modified = ? WHERE id = ?",
		newContent, hash, now.Unix(), id,
	); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	if err := s.ensureCacheTx(tx, hash, vec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	if err := s.memIndex.insertTx(tx, id, vec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}

	mem.Content = newContent
	mem.EmbeddingHash = hash
	mem.LastModified = now
	return mem, nil
}

// DeleteMemory hard-deletes a fact. Manual-only: the pipelines never call
// this. Thread membership cascades and the affected threads go stale.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	defer tx.Rollback()

	// Mark affected threads stale before the membership rows cascade away.
	if _, err := tx.Exec(`
		UPDATE threads SET stale = 1, dirty = 1, last_updated = ?
		WHERE id IN (SELECT thread_id FROM thread_members WHERE memory_id = ?)
	`, time.Now().Unix(), id); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}

	res, err := tx.Exec("DELETE FROM memories WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrMemoryNotFound
	}
	if err := s.memIndex.removeTx(tx, id); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}

	s.logger.Info().Str("memory_id", id).Msg("Memory deleted")
	return nil
}

// MergeFacts folds the newer fact into the older one, preserving the older
// id. The newer fact's content lands in the survivor's history, its thread
// memberships transfer over, and its row and vector go away. Affected
// threads are flagged for recompute.
func (s *Store) MergeFacts(ctx context.Context, olderID, newerID, reason string) error {
	if olderID == newerID {
		return fmt.Errorf("cannot merge a fact into itself")
	}

	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	newer, err := s.getMemoryTxless(ctx, newerID)
	if err != nil {
		return err
	}
	if _, err := s.getMemoryTxless(ctx, olderID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	defer tx.Rollback()

	if err := s.appendHistoryTx(tx, olderID, newer.Content, reason); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	if _, err := tx.Exec(
		"UPDATE memories SET importance = MAX(importance, ?), access_count = access_count + ?, last_modified = ? WHERE id = ?",
		newer.Importance, newer.AccessCount, time.Now().Unix(), olderID,
	); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}

	// Transfer memberships, then flag every touched thread for recompute.
	if _, err := tx.Exec(`
		INSERT OR IGNORE INTO thread_members (thread_id, memory_id, position)
		SELECT thread_id, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM thread_members x WHERE x.thread_id = tm.thread_id)
		FROM thread_members tm WHERE tm.memory_id = ?
	`, olderID, newerID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	if _, err := tx.Exec(`
		UPDATE threads SET dirty = 1, last_updated = ?
		WHERE id IN (SELECT thread_id FROM thread_members WHERE memory_id = ?)
	`, time.Now().Unix(), newerID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}

	if _, err := tx.Exec("DELETE FROM memories WHERE id = ?", newerID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	if err := s.memIndex.removeTx(tx, newerID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}

	s.logger.Info().
		Str("survivor", olderID).
		Str("merged", newerID).
		Str("reason", reason).
		Msg("Facts merged")
	return nil
}

// GetMemory returns one fact by id.
func (s *Store) GetMemory(ctx context.Context, id string) (*AtomicMemory, error) {
	return s.getMemoryTxless(ctx, id)
}

func (s *Store) getMemoryTxless(ctx context.Context, id string) (*AtomicMemory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content, importance, tags, source_exchange_id, embedding_hash, created_at, last_modified, access_count, last_accessed
		FROM memories WHERE id = ?
	`, id)
	mem, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, ErrMemoryNotFound
	}
	return mem, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row rowScanner) (*AtomicMemory, error) {
	var mem AtomicMemory
	var tags string
	var source sql.NullString
	var createdAt, lastModified int64
	var lastAccessed sql.NullInt64
	if err := row.Scan(&mem.ID, &mem.Content, &mem.Importance, &tags, &source,
		&mem.EmbeddingHash, &createdAt, &lastModified, &mem.AccessCount, &lastAccessed); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &mem.Tags); err != nil {
		mem.Tags = nil
	}
	if source.Valid {
		mem.SourceExchangeID = source.String
	}
	mem.CreatedAt = time.Unix(createdAt, 0)
	mem.LastModified = time.Unix(lastModified, 0)
	if lastAccessed.Valid {
		t := time.Unix(lastAccessed.Int64, 0)
		mem.LastAccessed = &t
	}
	return &mem, nil
}

// ListMemories returns every live fact, oldest first.
func (s *Store) ListMemories(ctx context.Context) ([]AtomicMemory, error) {
	return s.queryMemories(ctx, `
		SELECT id, content, importance, tags, source_exchange_id, embedding_hash, created_at, last_modified, access_count, last_accessed
		FROM memories ORDER BY created_at ASC
	`)
}

// GuaranteedMemories returns all facts with importance 100.
func (s *Store) GuaranteedMemories(ctx context.Context) ([]AtomicMemory, error) {
	return s.queryMemories(ctx, `
		SELECT id, content, importance, tags, source_exchange_id, embedding_hash, created_at, last_modified, access_count, last_accessed
		FROM memories WHERE importance >= 100 ORDER BY created_at ASC
	`)
}

func (s *Store) queryMemories(ctx context.Context, query string, args ...interface{}) ([]AtomicMemory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memories []AtomicMemory
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, *mem)
	}
	return memories, rows.Err()
}

// History returns a fact's edit log, oldest first.
func (s *Store) History(ctx context.Context, memoryID string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, memory_id, old_content, reason, created_at
		FROM memory_history WHERE memory_id = ? ORDER BY created_at ASC, id ASC
	`, memoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.MemoryID, &e.OldContent, &e.Reason, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SearchMemories returns the k nearest facts to the query vector.
func (s *Store) SearchMemories(ctx context.Context, vec []float32, k int) ([]Match, error) {
	return s.memIndex.search(ctx, vec, k)
}

// AccessStat is one fact's retrieval activity since the last flush.
type AccessStat struct {
	Count int
	Last  time.Time
}

// UpdateAccessStats folds retrieval access counts into the fact table.
// Called by the gardener, not by the retrieval hot path.
func (s *Store) UpdateAccessStats(ctx context.Context, stats map[string]AccessStat) error {
	if len(stats) == 0 {
		return nil
	}

	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	defer tx.Rollback()

	for id, stat := range stats {
		if _, err := tx.Exec(
			"UPDATE memories SET access_count = access_count + ?, last_accessed = ? WHERE id = ?",
			stat.Count, stat.Last.Unix(), id,
		); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	return nil
}

// SetImportance rescores a fact. Used by the gardener's recalibration and
// the manual pin path.
func (s *Store) SetImportance(ctx context.Context, id string, importance int) error {
	if importance < 0 || importance > 100 {
		return ErrInvalidImportance
	}

	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE memories SET importance = ?, last_modified = ? WHERE id = ?",
		importance, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrMemoryNotFound
	}
	return nil
}

// ReembedAll regenerates every fact embedding with the current provider,
// rewrites the cache, rebuilds the fact index, and marks every thread stale
// so the gardener recomputes centroids. Used after an embedding model change.
func (s *Store) ReembedAll(ctx context.Context) error {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	memories, err := s.ListMemories(ctx)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	defer tx.Rollback()

	// The vec tables are declared at the dimension they were created with,
	// so a model change to a new dimension needs fresh tables before any
	// insert. Thread vectors are not reinserted here; every thread is
	// marked stale below and recomputed by the maintenance sweep.
	for _, ix := range []*index{s.memIndex, s.thrIndex} {
		if _, err := tx.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", ix.table)); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
		}
		if err := ix.create(tx); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
		}
	}

	const batchSize = 64
	for start := 0; start < len(memories); start += batchSize {
		end := start + batchSize
		if end > len(memories) {
			end = len(memories)
		}
		texts := make([]string, 0, end-start)
		for _, m := range memories[start:end] {
			texts = append(texts, m.Content)
		}
		vecs, err := s.provider.GenerateEmbeddings(ctx, texts)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
		}
		for i, m := range memories[start:end] {
			hash := ContentHash(m.Content)
			if err := s.ensureCacheTx(tx, hash, vecs[i]); err != nil {
				return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
			}
			if _, err := tx.Exec("UPDATE memories SET embedding_hash = ? WHERE id = ?", hash, m.ID); err != nil {
				return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
			}
			if err := s.memIndex.insertTx(tx, m.ID, vecs[i]); err != nil {
				return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
			}
		}
	}

	if _, err := tx.Exec("UPDATE threads SET stale = 1"); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES ('embedding_model', ?)",
		s.provider.Model()); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCommitFailed, err)
	}

	s.reembedRequired = false
	s.logger.Info().Int("memories", len(memories)).Str("model", s.provider.Model()).Msg("Store re-embedded")
	return nil
}

// Stats reports store counts for status output and gauges.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM memories", &st.Memories},
		{"SELECT COUNT(*) FROM memories WHERE importance >= 100", &st.GuaranteedFacts},
		{"SELECT COUNT(*) FROM threads", &st.Threads},
		{"SELECT COUNT(*) FROM threads WHERE stale = 1", &st.StaleThreads},
		{"SELECT COUNT(*) FROM pending_exchanges", &st.PendingExchanges},
		{"SELECT COUNT(*) FROM embedding_cache", &st.CachedEmbeddings},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, err
		}
	}

	if raw, err := s.getMetadata("last_extraction"); err == nil && raw != "" {
		var unix int64
		if _, err := fmt.Sscanf(raw, "%d", &unix); err == nil {
			t := time.Unix(unix, 0)
			st.LastExtraction = &t
		}
	}

	metrics.SetStoreCounts(st.Memories, st.Threads)
	metrics.SetBufferDepth(st.PendingExchanges)
	return &st, nil
}

func (s *Store) getMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *Store) setMetadata(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)", key, value)
	return err
}

// Close closes the store.
func (s *Store) Close() error {
	s.hot.Close()
	return s.db.Close()
}
