// Package gardener is the maintenance pipeline. It runs on a long period,
// independent of extraction throttling, and keeps the store healthy: merging
// near-duplicates that drifted past write-time dedup, recalibrating
// importance from access patterns, recomputing flagged thread embeddings,
// and pruning abandoned threads. It never deletes a fact outright.
package gardener

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/recall/internal/metrics"
	"github.com/harun/recall/pkg/memory"
)

// AccessSource hands over accumulated retrieval access counts. Drain resets
// the source; stats are folded into the store once per sweep.
type AccessSource interface {
	Drain() map[string]memory.AccessStat
}

// Config tunes the sweep. Zero values fall back to defaults.
type Config struct {
	// RecencyHalfLife controls how fast access recency stops boosting
	// importance.
	RecencyHalfLife time.Duration
}

// DefaultRecencyHalfLife matches roughly a month of conversational use.
const DefaultRecencyHalfLife = 30 * 24 * time.Hour

// Gardener runs maintenance sweeps over a store.
type Gardener struct {
	store    *memory.Store
	source   AccessSource
	logger   zerolog.Logger
	halfLife time.Duration
	now      func() time.Time
}

// New creates a gardener. source may be nil when no retrieval engine feeds
// access stats.
func New(store *memory.Store, source AccessSource, logger zerolog.Logger, cfg Config) *Gardener {
	if cfg.RecencyHalfLife <= 0 {
		cfg.RecencyHalfLife = DefaultRecencyHalfLife
	}
	return &Gardener{
		store:    store,
		source:   source,
		logger:   logger.With().Str("component", "gardener").Logger(),
		halfLife: cfg.RecencyHalfLife,
		now:      time.Now,
	}
}

// Run executes one full sweep. Steps run in dependency order: access stats
// land before recalibration reads them, drift merges flag threads before the
// recompute pass picks them up.
func (g *Gardener) Run(ctx context.Context) error {
	start := g.now()

	if err := g.flushAccessStats(ctx); err != nil {
		return err
	}
	merges, err := g.mergeDrifted(ctx)
	if err != nil {
		return err
	}
	rescored, err := g.recalibrate(ctx)
	if err != nil {
		return err
	}
	recomputed, err := g.recomputeThreads(ctx)
	if err != nil {
		return err
	}
	pruned, err := g.store.PruneEmptyThreads(ctx)
	if err != nil {
		return err
	}

	if stats, err := g.store.Stats(ctx); err == nil {
		metrics.SetStoreCounts(stats.Memories, stats.Threads)
	}

	g.logger.Info().
		Int("drift_merges", merges).
		Int("rescored", rescored).
		Int("threads_recomputed", recomputed).
		Int("threads_pruned", pruned).
		Dur("elapsed", g.now().Sub(start)).
		Msg("Maintenance sweep finished")
	return nil
}

func (g *Gardener) flushAccessStats(ctx context.Context) error {
	if g.source == nil {
		return nil
	}
	stats := g.source.Drain()
	if len(stats) == 0 {
		return nil
	}
	return g.store.UpdateAccessStats(ctx, stats)
}

// mergeDrifted finds live fact pairs whose similarity crossed the dedup
// threshold after both were written, and merges the newer into the older.
func (g *Gardener) mergeDrifted(ctx context.Context) (int, error) {
	facts, err := g.store.ListMemories(ctx)
	if err != nil {
		return 0, err
	}
	byID := make(map[string]memory.AtomicMemory, len(facts))
	for _, f := range facts {
		byID[f.ID] = f
	}

	gone := make(map[string]bool)
	merges := 0
	for _, fact := range facts {
		if gone[fact.ID] {
			continue
		}
		vec, err := g.store.Embed(ctx, fact.Content)
		if err != nil {
			return merges, err
		}
		matches, err := g.store.SearchMemories(ctx, vec, 2)
		if err != nil {
			return merges, err
		}
		for _, m := range matches {
			if m.ID == fact.ID || gone[m.ID] || m.Score < memory.DedupThreshold {
				continue
			}
			other, ok := byID[m.ID]
			if !ok {
				continue
			}
			older, newer := fact, other
			if other.CreatedAt.Before(fact.CreatedAt) {
				older, newer = other, fact
			}
			if err := g.store.MergeFacts(ctx, older.ID, newer.ID, memory.ReasonDriftMerge); err != nil {
				return merges, err
			}
			gone[newer.ID] = true
			metrics.RecordDriftMerge()
			merges++
			break
		}
	}
	return merges, nil
}

// recalibrate nudges each fact's importance toward its observed usefulness.
// Guaranteed facts are untouchable and nothing is ever deleted here.
func (g *Gardener) recalibrate(ctx context.Context) (int, error) {
	facts, err := g.store.ListMemories(ctx)
	if err != nil {
		return 0, err
	}

	rescored := 0
	now := g.now()
	for _, fact := range facts {
		if fact.Guaranteed() {
			continue
		}
		next := nextImportance(fact, now, g.halfLife)
		if next == fact.Importance {
			continue
		}
		if err := g.store.SetImportance(ctx, fact.ID, next); err != nil {
			return rescored, err
		}
		rescored++
	}
	return rescored, nil
}

// nextImportance applies recency-weighted access frequency. A fact accessed
// often and recently drifts up; a fact never accessed slowly drifts down as
// it ages. Scores stay inside [0, 99]: extraction importance 100 is reserved
// for user-pinned facts and never produced here.
func nextImportance(fact memory.AtomicMemory, now time.Time, halfLife time.Duration) int {
	ref := fact.CreatedAt
	if fact.LastAccessed != nil {
		ref = *fact.LastAccessed
	}
	age := now.Sub(ref)
	if age < 0 {
		age = 0
	}
	recency := math.Exp(-float64(age) / float64(halfLife))

	score := float64(fact.Importance)
	if fact.AccessCount > 0 {
		boost := recency * math.Min(float64(fact.AccessCount), 10)
		score += boost
	} else {
		score -= 2 * (1 - recency)
	}

	next := int(math.Round(score))
	if next < 0 {
		next = 0
	}
	if next > 99 {
		next = 99
	}
	return next
}

func (g *Gardener) recomputeThreads(ctx context.Context) (int, error) {
	threads, err := g.store.ThreadsNeedingRecompute(ctx)
	if err != nil {
		return 0, err
	}
	// Oldest flags first so a long backlog converges in sweep order.
	sort.Slice(threads, func(i, j int) bool {
		return threads[i].LastUpdated.Before(threads[j].LastUpdated)
	})

	recomputed := 0
	for _, thr := range threads {
		ok, err := g.store.RecomputeThreadEmbedding(ctx, thr.ID)
		if err != nil {
			return recomputed, err
		}
		if ok {
			recomputed++
		}
	}
	return recomputed, nil
}
