package gardener

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/recall/pkg/memory"
)

type stubSource struct {
	stats map[string]memory.AccessStat
}

func (s *stubSource) Drain() map[string]memory.AccessStat {
	out := s.stats
	s.stats = nil
	return out
}

func newTestGardener(t *testing.T, source AccessSource) (*Gardener, *memory.Store, *memory.MockProvider) {
	t.Helper()

	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	provider := memory.NewMockProvider(16)
	store, err := memory.Open(memory.StoreConfig{
		DBPath:   filepath.Join(t.TempDir(), "recall.db"),
		Provider: provider,
		Logger:   logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return New(store, source, logger, Config{}), store, provider
}

func unitVector(dim, axis int) []float32 {
	v := make([]float32, dim)
	v[axis] = 1
	return v
}

func nearVector(base, ortho []float32, similarity float64) []float32 {
	out := make([]float32, len(base))
	o := math.Sqrt(1 - similarity*similarity)
	for i := range base {
		out[i] = float32(similarity)*base[i] + float32(o)*ortho[i]
	}
	return out
}

// Drifted duplicates merge with the older id surviving and the newer content
// preserved in history.
func TestRun_MergesDriftedDuplicates(t *testing.T) {
	g, store, provider := newTestGardener(t, nil)
	ctx := context.Background()

	base := unitVector(16, 0)
	ortho := unitVector(16, 1)
	// Below threshold at write time, above it now. Registering the drifted
	// vectors up front simulates the post-drift state: write-time dedup is
	// bypassed by pinning distinct-enough content, then re-registering.
	provider.Register("User works at Acme", base)
	provider.Register("User is an engineer at Acme", unitVector(16, 2))

	older, _, err := store.AddMemory(ctx, memory.AddMemoryParams{Content: "User works at Acme", Importance: 50})
	require.NoError(t, err)
	newer, _, err := store.AddMemory(ctx, memory.AddMemoryParams{Content: "User is an engineer at Acme", Importance: 60})
	require.NoError(t, err)

	// The model's view of the newer fact drifts toward the older one.
	provider.Register("User is an engineer at Acme", nearVector(base, ortho, 0.93))
	require.NoError(t, store.ReembedAll(ctx))

	require.NoError(t, g.Run(ctx))

	facts, err := store.ListMemories(ctx)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, older.ID, facts[0].ID, "older id survives")
	assert.Equal(t, 60, facts[0].Importance)

	history, err := store.History(ctx, older.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "User is an engineer at Acme", history[0].OldContent)
	assert.Equal(t, memory.ReasonDriftMerge, history[0].Reason)

	_, err = store.GetMemory(ctx, newer.ID)
	assert.ErrorIs(t, err, memory.ErrMemoryNotFound)
}

func TestRun_FlushesAccessStats(t *testing.T) {
	ctx := context.Background()
	source := &stubSource{}
	g, store, _ := newTestGardener(t, source)

	mem, _, err := store.AddMemory(ctx, memory.AddMemoryParams{Content: "a fact", Importance: 50})
	require.NoError(t, err)

	source.stats = map[string]memory.AccessStat{
		mem.ID: {Count: 4, Last: time.Now()},
	}
	require.NoError(t, g.Run(ctx))

	got, err := store.GetMemory(ctx, mem.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.AccessCount)
	assert.Greater(t, got.Importance, 50, "recent frequent access boosts importance")
}

func TestRun_RecomputesAndPrunesThreads(t *testing.T) {
	g, store, _ := newTestGardener(t, nil)
	ctx := context.Background()

	mem, _, err := store.AddMemory(ctx, memory.AddMemoryParams{Content: "a fact"})
	require.NoError(t, err)

	grown, err := store.CreateThread(ctx, "Grown", "")
	require.NoError(t, err)
	require.NoError(t, store.AssignToThread(ctx, mem.ID, grown.ID))

	abandoned, err := store.CreateThread(ctx, "Abandoned", "")
	require.NoError(t, err)
	require.NoError(t, store.AssignToThread(ctx, mem.ID, abandoned.ID))
	require.NoError(t, store.RemoveFromThread(ctx, mem.ID, abandoned.ID))

	require.NoError(t, g.Run(ctx))

	got, err := store.GetThread(ctx, grown.ID)
	require.NoError(t, err)
	assert.False(t, got.Dirty)
	assert.False(t, got.Stale)

	_, err = store.GetThread(ctx, abandoned.ID)
	assert.ErrorIs(t, err, memory.ErrThreadNotFound)
}

func TestNextImportance(t *testing.T) {
	now := time.Now()
	halfLife := DefaultRecencyHalfLife
	recent := now.Add(-time.Hour)
	ancient := now.Add(-365 * 24 * time.Hour)

	tests := []struct {
		name string
		fact memory.AtomicMemory
		want func(t *testing.T, got int)
	}{
		{
			name: "fresh frequently accessed fact drifts up",
			fact: memory.AtomicMemory{Importance: 50, AccessCount: 8, LastAccessed: &recent, CreatedAt: ancient},
			want: func(t *testing.T, got int) { assert.Greater(t, got, 50) },
		},
		{
			name: "old never accessed fact drifts down",
			fact: memory.AtomicMemory{Importance: 50, AccessCount: 0, CreatedAt: ancient},
			want: func(t *testing.T, got int) { assert.Less(t, got, 50) },
		},
		{
			name: "never drops below zero",
			fact: memory.AtomicMemory{Importance: 0, AccessCount: 0, CreatedAt: ancient},
			want: func(t *testing.T, got int) { assert.Equal(t, 0, got) },
		},
		{
			name: "never exceeds 99",
			fact: memory.AtomicMemory{Importance: 99, AccessCount: 10, LastAccessed: &recent, CreatedAt: ancient},
			want: func(t *testing.T, got int) { assert.Equal(t, 99, got) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.want(t, nextImportance(tt.fact, now, halfLife))
		})
	}
}

func TestRun_NeverTouchesGuaranteedFacts(t *testing.T) {
	g, store, _ := newTestGardener(t, nil)
	ctx := context.Background()

	pinned, _, err := store.AddMemory(ctx, memory.AddMemoryParams{Content: "User is allergic to penicillin", Importance: 100})
	require.NoError(t, err)

	require.NoError(t, g.Run(ctx))

	got, err := store.GetMemory(ctx, pinned.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Importance)
}
