package retrieval

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/recall/pkg/memory"
	"github.com/harun/recall/pkg/tokenizer"
)

type stubRewriter struct {
	rewritten string
	err       error
	calls     int
}

func (s *stubRewriter) Rewrite(ctx context.Context, query string) (string, error) {
	s.calls++
	return s.rewritten, s.err
}

func newTestEngine(t *testing.T, rewriter QueryRewriter) (*Engine, *memory.Store, *memory.MockProvider) {
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

	// The zero-value tokenizer counts bytes/4, which keeps budget arithmetic
	// deterministic without loading the BPE vocabulary.
	e := New(store, &tokenizer.Tokenizer{}, rewriter, logger, Config{})
	return e, store, provider
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

func TestRetrieve_EmptyStore(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)

	block, err := e.Retrieve(context.Background(), "anything", 1000)
	require.NoError(t, err)
	assert.True(t, block.Empty())
	assert.Zero(t, block.TotalTokens)
}

// Budget zero returns exactly the guaranteed facts and nothing else.
func TestRetrieve_BudgetZero(t *testing.T) {
	e, store, _ := newTestEngine(t, nil)
	ctx := context.Background()

	pinned, _, err := store.AddMemory(ctx, memory.AddMemoryParams{Content: "User is allergic to penicillin", Importance: 100})
	require.NoError(t, err)
	_, _, err = store.AddMemory(ctx, memory.AddMemoryParams{Content: "User prefers window seats", Importance: 60})
	require.NoError(t, err)

	block, err := e.Retrieve(ctx, "tell me about the user", 0)
	require.NoError(t, err)
	require.Len(t, block.Guaranteed, 1)
	assert.Equal(t, pinned.ID, block.Guaranteed[0].ID)
	assert.Empty(t, block.Threads)
	assert.Empty(t, block.Bonus)
}

// Guarantee beats budget: over-budget guaranteed facts all go out with zero
// additional facts.
func TestRetrieve_GuaranteedExceedBudget(t *testing.T) {
	e, store, _ := newTestEngine(t, nil)
	ctx := context.Background()

	_, _, err := store.AddMemory(ctx, memory.AddMemoryParams{Content: "User is allergic to penicillin and to shellfish", Importance: 100})
	require.NoError(t, err)
	_, _, err = store.AddMemory(ctx, memory.AddMemoryParams{Content: "User takes blood thinners every morning", Importance: 100})
	require.NoError(t, err)
	_, _, err = store.AddMemory(ctx, memory.AddMemoryParams{Content: "User likes jazz", Importance: 50})
	require.NoError(t, err)

	block, err := e.Retrieve(ctx, "health", 5)
	require.NoError(t, err)
	assert.Len(t, block.Guaranteed, 2)
	assert.Empty(t, block.Threads)
	assert.Empty(t, block.Bonus)
	assert.Greater(t, block.TotalTokens, 5)
}

func TestRetrieve_IncludesWholeThread(t *testing.T) {
	e, store, provider := newTestEngine(t, nil)
	ctx := context.Background()

	base := unitVector(16, 0)
	provider.Register("what does the user do for work", base)
	provider.Register("User works at Acme Corp", nearVector(base, unitVector(16, 1), 0.9))
	provider.Register("User leads the platform team", nearVector(base, unitVector(16, 2), 0.9))

	a, _, err := store.AddMemory(ctx, memory.AddMemoryParams{Content: "User works at Acme Corp", Importance: 60})
	require.NoError(t, err)
	b, _, err := store.AddMemory(ctx, memory.AddMemoryParams{Content: "User leads the platform team", Importance: 55})
	require.NoError(t, err)

	thread, err := store.CreateThread(ctx, "Work", "")
	require.NoError(t, err)
	require.NoError(t, store.AssignToThread(ctx, a.ID, thread.ID))
	require.NoError(t, store.AssignToThread(ctx, b.ID, thread.ID))
	_, err = store.RecomputeThreadEmbedding(ctx, thread.ID)
	require.NoError(t, err)

	block, err := e.Retrieve(ctx, "what does the user do for work", 1000)
	require.NoError(t, err)
	require.Len(t, block.Threads, 1)
	assert.Equal(t, "Work", block.Threads[0].ThreadName)
	assert.Len(t, block.Threads[0].Facts, 2, "threads are included whole")
	assert.Empty(t, block.Bonus, "thread members are not repeated as bonus facts")
}

// A thread that does not fit is skipped entirely; the remainder is filled
// with individual facts instead.
func TestRetrieve_BudgetRespected(t *testing.T) {
	e, store, provider := newTestEngine(t, nil)
	ctx := context.Background()

	base := unitVector(16, 0)
	provider.Register("work query", base)
	provider.Register("User works at Acme Corp", nearVector(base, unitVector(16, 1), 0.9))
	provider.Register("User leads the platform team", nearVector(base, unitVector(16, 2), 0.85))

	a, _, err := store.AddMemory(ctx, memory.AddMemoryParams{Content: "User works at Acme Corp", Importance: 60})
	require.NoError(t, err)
	b, _, err := store.AddMemory(ctx, memory.AddMemoryParams{Content: "User leads the platform team", Importance: 55})
	require.NoError(t, err)

	thread, err := store.CreateThread(ctx, "Work", "")
	require.NoError(t, err)
	require.NoError(t, store.AssignToThread(ctx, a.ID, thread.ID))
	require.NoError(t, store.AssignToThread(ctx, b.ID, thread.ID))
	_, err = store.RecomputeThreadEmbedding(ctx, thread.ID)
	require.NoError(t, err)

	// "User works at Acme Corp" is 23 bytes, 6 heuristic tokens. The whole
	// thread costs 13, over this budget, so only the single closest fact fits.
	block, err := e.Retrieve(ctx, "work query", 7)
	require.NoError(t, err)
	assert.Empty(t, block.Threads)
	require.Len(t, block.Bonus, 1)
	assert.Equal(t, a.ID, block.Bonus[0].ID)
	assert.LessOrEqual(t, block.TotalTokens, 7)
}

func TestRetrieve_BonusExcludesIncludedFacts(t *testing.T) {
	e, store, provider := newTestEngine(t, nil)
	ctx := context.Background()

	base := unitVector(16, 0)
	provider.Register("the query", base)
	provider.Register("threaded fact", nearVector(base, unitVector(16, 1), 0.9))
	provider.Register("loose fact", nearVector(base, unitVector(16, 2), 0.8))

	threaded, _, err := store.AddMemory(ctx, memory.AddMemoryParams{Content: "threaded fact"})
	require.NoError(t, err)
	loose, _, err := store.AddMemory(ctx, memory.AddMemoryParams{Content: "loose fact"})
	require.NoError(t, err)

	thread, err := store.CreateThread(ctx, "Topic", "")
	require.NoError(t, err)
	require.NoError(t, store.AssignToThread(ctx, threaded.ID, thread.ID))
	_, err = store.RecomputeThreadEmbedding(ctx, thread.ID)
	require.NoError(t, err)

	block, err := e.Retrieve(ctx, "the query", 1000)
	require.NoError(t, err)
	require.Len(t, block.Threads, 1)
	require.Len(t, block.Bonus, 1)
	assert.Equal(t, loose.ID, block.Bonus[0].ID)
}

func TestRetrieve_RewriterFailureFallsBack(t *testing.T) {
	rewriter := &stubRewriter{err: errors.New("model unavailable")}
	e, store, provider := newTestEngine(t, rewriter)
	ctx := context.Background()

	base := unitVector(16, 0)
	provider.Register("raw query", base)
	provider.Register("a fact", nearVector(base, unitVector(16, 1), 0.9))

	_, _, err := store.AddMemory(ctx, memory.AddMemoryParams{Content: "a fact"})
	require.NoError(t, err)

	block, err := e.Retrieve(ctx, "raw query", 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, rewriter.calls)
	assert.Len(t, block.Bonus, 1, "raw query still retrieves")
}

func TestRetrieve_UsesRewrittenQuery(t *testing.T) {
	rewriter := &stubRewriter{rewritten: "rewritten query"}
	e, store, provider := newTestEngine(t, rewriter)
	ctx := context.Background()

	base := unitVector(16, 0)
	provider.Register("rewritten query", base)
	provider.Register("a fact", nearVector(base, unitVector(16, 1), 0.9))

	_, _, err := store.AddMemory(ctx, memory.AddMemoryParams{Content: "a fact"})
	require.NoError(t, err)

	block, err := e.Retrieve(ctx, "um, so, what was that thing again?", 1000)
	require.NoError(t, err)
	assert.Len(t, block.Bonus, 1)
}

func TestRetrieve_RecordsAccess(t *testing.T) {
	e, store, _ := newTestEngine(t, nil)
	ctx := context.Background()

	pinned, _, err := store.AddMemory(ctx, memory.AddMemoryParams{Content: "pinned fact", Importance: 100})
	require.NoError(t, err)

	_, err = e.Retrieve(ctx, "anything", 100)
	require.NoError(t, err)
	_, err = e.Retrieve(ctx, "anything else", 100)
	require.NoError(t, err)

	stats := e.Recorder().Drain()
	require.Contains(t, stats, pinned.ID)
	assert.Equal(t, 2, stats[pinned.ID].Count)

	// Drain resets.
	assert.Empty(t, e.Recorder().Drain())
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	now := time.Now()

	r.Record("m1", now.Add(-time.Minute))
	r.Record("m1", now)
	r.Record("m2", now)

	stats := r.Drain()
	require.Len(t, stats, 2)
	assert.Equal(t, 2, stats["m1"].Count)
	assert.Equal(t, now, stats["m1"].Last, "latest access wins")
}
