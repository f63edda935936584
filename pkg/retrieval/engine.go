// Package retrieval assembles memory context for a query under a token
// budget. Guaranteed facts come first and beat the budget; whole threads are
// included greedily by similarity and recency; leftover budget is filled
// with individual bonus facts. Retrieval is read-only and never blocks on
// the extraction or maintenance pipelines.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/recall/internal/metrics"
	"github.com/harun/recall/pkg/memory"
	"github.com/harun/recall/pkg/tokenizer"
)

// ErrRetrievalUnavailable means the query could not be embedded and no
// fallback exists. The caller decides whether to proceed without memory
// context.
var ErrRetrievalUnavailable = errors.New("retrieval unavailable")

// ThreadGroup is one included thread with its member facts.
type ThreadGroup struct {
	ThreadID   string                `json:"thread_id"`
	ThreadName string                `json:"thread_name"`
	Facts      []memory.AtomicMemory `json:"facts"`
}

// ContextBlock is the retrieval result. Consumers serialize it into whatever
// prompt format they need.
type ContextBlock struct {
	Guaranteed  []memory.AtomicMemory `json:"guaranteed"`
	Threads     []ThreadGroup         `json:"threads"`
	Bonus       []memory.AtomicMemory `json:"bonus"`
	TotalTokens int                   `json:"total_tokens"`
}

// Empty reports whether the block carries no facts at all.
func (b *ContextBlock) Empty() bool {
	return len(b.Guaranteed) == 0 && len(b.Threads) == 0 && len(b.Bonus) == 0
}

// Config tunes candidate fan-out and recency weighting. Zero values fall
// back to defaults.
type Config struct {
	// ThreadCandidates is how many threads the index search considers.
	ThreadCandidates int
	// BonusCandidates is how many individual facts the index search
	// considers for remainder filling.
	BonusCandidates int
	// RecencyWeight scales the recency bonus added to thread similarity.
	RecencyWeight float64
	// RecencyHalfLife controls how fast the recency bonus fades.
	RecencyHalfLife time.Duration
}

const (
	defaultThreadCandidates = 8
	defaultBonusCandidates  = 16
	defaultRecencyWeight    = 0.1
	defaultRecencyHalfLife  = 7 * 24 * time.Hour
)

// Engine answers retrieve calls against one store.
type Engine struct {
	store    *memory.Store
	tok      *tokenizer.Tokenizer
	rewriter QueryRewriter
	recorder *Recorder
	logger   zerolog.Logger
	cfg      Config
	now      func() time.Time
}

// New creates a retrieval engine. rewriter may be nil; the raw query is used
// directly.
func New(store *memory.Store, tok *tokenizer.Tokenizer, rewriter QueryRewriter, logger zerolog.Logger, cfg Config) *Engine {
	if cfg.ThreadCandidates <= 0 {
		cfg.ThreadCandidates = defaultThreadCandidates
	}
	if cfg.BonusCandidates <= 0 {
		cfg.BonusCandidates = defaultBonusCandidates
	}
	if cfg.RecencyWeight <= 0 {
		cfg.RecencyWeight = defaultRecencyWeight
	}
	if cfg.RecencyHalfLife <= 0 {
		cfg.RecencyHalfLife = defaultRecencyHalfLife
	}
	return &Engine{
		store:    store,
		tok:      tok,
		rewriter: rewriter,
		recorder: NewRecorder(),
		logger:   logger.With().Str("component", "retrieval").Logger(),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Recorder exposes the engine's access recorder for the maintenance sweep.
func (e *Engine) Recorder() *Recorder {
	return e.recorder
}

// Retrieve assembles a context block for the query within tokenBudget.
// Guaranteed facts are exempt from the budget: when they alone exceed it,
// they are all returned and nothing else is. On context deadline the block
// assembled so far is returned; retrieval is read-only, partial is safe.
func (e *Engine) Retrieve(ctx context.Context, query string, tokenBudget int) (*ContextBlock, error) {
	start := e.now()
	block, err := e.retrieve(ctx, query, tokenBudget)
	if err != nil {
		metrics.RecordRetrieval(e.now().Sub(start), 0, false)
		return nil, err
	}

	e.recordAccess(block)
	metrics.RecordRetrieval(e.now().Sub(start), block.TotalTokens, true)
	return block, nil
}

func (e *Engine) retrieve(ctx context.Context, query string, tokenBudget int) (*ContextBlock, error) {
	block := &ContextBlock{}
	included := make(map[string]bool)

	guaranteed, err := e.store.GuaranteedMemories(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrievalUnavailable, err)
	}
	for _, fact := range guaranteed {
		block.Guaranteed = append(block.Guaranteed, fact)
		block.TotalTokens += e.tok.CountTokens(fact.Content)
		included[fact.ID] = true
	}

	// Guarantee beats budget: over-budget guaranteed facts still all go out,
	// with zero additional facts.
	remaining := tokenBudget - block.TotalTokens
	if remaining <= 0 {
		return block, nil
	}

	rewritten := e.rewriteQuery(ctx, query)
	qvec, err := e.store.Embed(ctx, rewritten)
	if err != nil {
		return nil, fmt.Errorf("%w: query embedding: %v", ErrRetrievalUnavailable, err)
	}

	if ctx.Err() != nil {
		return block, nil
	}
	remaining, err = e.fillThreads(ctx, block, qvec, remaining, included)
	if err != nil {
		return nil, err
	}

	if ctx.Err() != nil {
		return block, nil
	}
	if err := e.fillBonus(ctx, block, qvec, remaining, included); err != nil {
		return nil, err
	}
	return block, nil
}

func (e *Engine) rewriteQuery(ctx context.Context, query string) string {
	if e.rewriter == nil {
		return query
	}
	rewritten, err := e.rewriter.Rewrite(ctx, query)
	if err != nil || rewritten == "" {
		e.logger.Warn().Err(err).Msg("Query rewrite failed, using raw query")
		return query
	}
	return rewritten
}

// threadCandidate carries a thread with its combined similarity and recency
// score.
type threadCandidate struct {
	thread memory.Thread
	score  float64
}

// fillThreads greedily includes whole threads in combined score order while
// their unincluded member facts fit the remaining budget.
func (e *Engine) fillThreads(ctx context.Context, block *ContextBlock, qvec []float32, remaining int, included map[string]bool) (int, error) {
	matches, err := e.store.SearchThreads(ctx, qvec, e.cfg.ThreadCandidates)
	if err != nil {
		return remaining, fmt.Errorf("%w: thread search: %v", ErrRetrievalUnavailable, err)
	}

	now := e.now()
	candidates := make([]threadCandidate, 0, len(matches))
	for _, m := range matches {
		thread, err := e.store.GetThread(ctx, m.ID)
		if err != nil {
			if errors.Is(err, memory.ErrThreadNotFound) {
				continue
			}
			return remaining, fmt.Errorf("%w: %v", ErrRetrievalUnavailable, err)
		}
		age := now.Sub(thread.LastUpdated)
		if age < 0 {
			age = 0
		}
		bonus := e.cfg.RecencyWeight * math.Exp(-float64(age)/float64(e.cfg.RecencyHalfLife))
		candidates = append(candidates, threadCandidate{thread: *thread, score: m.Score + bonus})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].thread.LastUpdated.After(candidates[j].thread.LastUpdated)
	})

	for _, cand := range candidates {
		facts, err := e.store.MemoriesForThread(ctx, cand.thread.ID)
		if err != nil {
			return remaining, fmt.Errorf("%w: %v", ErrRetrievalUnavailable, err)
		}

		group := ThreadGroup{ThreadID: cand.thread.ID, ThreadName: cand.thread.Name}
		cost := 0
		for _, fact := range facts {
			if included[fact.ID] {
				continue
			}
			group.Facts = append(group.Facts, fact)
			cost += e.tok.CountTokens(fact.Content)
		}
		if len(group.Facts) == 0 || cost > remaining {
			continue
		}

		for _, fact := range group.Facts {
			included[fact.ID] = true
		}
		block.Threads = append(block.Threads, group)
		block.TotalTokens += cost
		remaining -= cost
	}
	return remaining, nil
}

// fillBonus fills the remainder with individual facts by query similarity.
func (e *Engine) fillBonus(ctx context.Context, block *ContextBlock, qvec []float32, remaining int, included map[string]bool) error {
	if remaining <= 0 {
		return nil
	}
	matches, err := e.store.SearchMemories(ctx, qvec, e.cfg.BonusCandidates)
	if err != nil {
		return fmt.Errorf("%w: fact search: %v", ErrRetrievalUnavailable, err)
	}

	for _, m := range matches {
		if included[m.ID] {
			continue
		}
		fact, err := e.store.GetMemory(ctx, m.ID)
		if err != nil {
			if errors.Is(err, memory.ErrMemoryNotFound) {
				continue
			}
			return fmt.Errorf("%w: %v", ErrRetrievalUnavailable, err)
		}
		cost := e.tok.CountTokens(fact.Content)
		if cost > remaining {
			continue
		}
		block.Bonus = append(block.Bonus, *fact)
		block.TotalTokens += cost
		remaining -= cost
		included[fact.ID] = true
	}
	return nil
}

func (e *Engine) recordAccess(block *ContextBlock) {
	at := e.now()
	for _, fact := range block.Guaranteed {
		e.recorder.Record(fact.ID, at)
	}
	for _, group := range block.Threads {
		for _, fact := range group.Facts {
			e.recorder.Record(fact.ID, at)
		}
	}
	for _, fact := range block.Bonus {
		e.recorder.Record(fact.ID, at)
	}
}
