package memory

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// ContentHash returns the content-address key used by the embedding cache.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func newHotCache() (*ristretto.Cache, error) {
	return ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     64 << 20, // 64 MB of embeddings
		BufferItems: 64,
	})
}

func encodeVector(vec []float32) (string, error) {
	data, err := json.Marshal(vec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal embedding: %w", err)
	}
	return string(data), nil
}

func decodeVector(data []byte) ([]float32, error) {
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}
	return vec, nil
}

// vectorCost approximates memory cost for the hot cache.
func vectorCost(vec []float32) int64 {
	return int64(len(vec) * 4)
}

// lookupHot checks the in-process cache.
func (s *Store) lookupHot(hash string) ([]float32, bool) {
	v, ok := s.hot.Get(hash)
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float32)
	return vec, ok
}

// lookupDurable checks the content-addressed cache table.
func (s *Store) lookupDurable(hash string) ([]float32, bool) {
	var blob []byte
	err := s.db.QueryRow("SELECT embedding FROM embedding_cache WHERE content_hash = ?", hash).Scan(&blob)
	if err != nil {
		return nil, false
	}
	vec, err := decodeVector(blob)
	if err != nil {
		return nil, false
	}
	return vec, true
}

// ensureCacheTx writes a cache row inside a write transaction and populates
// the hot cache.
func (s *Store) ensureCacheTx(tx *sql.Tx, hash string, vec []float32) error {
	data, err := encodeVector(vec)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		"INSERT OR REPLACE INTO embedding_cache (content_hash, embedding, dimension, model, created_at) VALUES (?, ?, ?, ?, ?)",
		hash, data, len(vec), s.provider.Model(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to cache embedding: %w", err)
	}
	s.hot.Set(hash, vec, vectorCost(vec))
	return nil
}
