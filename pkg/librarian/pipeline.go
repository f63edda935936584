package librarian

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harun/recall/internal/metrics"
	"github.com/harun/recall/pkg/memory"
)

// State names the pipeline's position in its extraction cycle.
type State string

const (
	StateIdle          State = "idle"
	StateBuffering     State = "buffering"
	StateExtracting    State = "extracting"
	StateDeduplicating State = "deduplicating"
	StateAssigning     State = "assigning"
	StateCommitting    State = "committing"
)

const (
	// DefaultThrottle is the minimum gap between extraction runs.
	DefaultThrottle = 20 * time.Minute

	// DefaultRelevanceFloor is the minimum thread similarity for assignment.
	DefaultRelevanceFloor = 0.55

	// maxThreadAssignments caps how many threads one fact joins per batch.
	maxThreadAssignments = 4
)

// Config tunes the pipeline. Zero values fall back to defaults.
type Config struct {
	Throttle       time.Duration
	RelevanceFloor float64

	// ExtractionTimeout bounds the extraction call itself. Zero means the
	// caller's context deadline applies unchanged.
	ExtractionTimeout time.Duration
}

// Pipeline is the extraction state machine. One instance owns the buffer
// drain; runs are strictly sequential.
type Pipeline struct {
	store     *memory.Store
	extractor FactExtractor
	logger    zerolog.Logger

	throttle       time.Duration
	relevanceFloor float64
	extractTimeout time.Duration
	now            func() time.Time

	mu          sync.Mutex
	state       State
	running     bool
	lastAttempt time.Time
}

// New creates a pipeline over the given store and extraction collaborator.
func New(store *memory.Store, extractor FactExtractor, logger zerolog.Logger, cfg Config) *Pipeline {
	if cfg.Throttle <= 0 {
		cfg.Throttle = DefaultThrottle
	}
	if cfg.RelevanceFloor <= 0 {
		cfg.RelevanceFloor = DefaultRelevanceFloor
	}
	return &Pipeline{
		store:          store,
		extractor:      extractor,
		logger:         logger.With().Str("component", "librarian").Logger(),
		throttle:       cfg.Throttle,
		relevanceFloor: cfg.RelevanceFloor,
		extractTimeout: cfg.ExtractionTimeout,
		now:            time.Now,
		state:          StateIdle,
	}
}

// State returns the pipeline's current phase.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// BufferExchange durably appends one conversational exchange. Extraction
// never happens synchronously here.
func (p *Pipeline) BufferExchange(ctx context.Context, exchangeID, text string) error {
	p.setState(StateBuffering)
	defer p.setState(StateIdle)
	if err := p.store.BufferExchange(ctx, exchangeID, text); err != nil {
		return err
	}
	pending, err := p.store.PendingExchanges(ctx)
	if err == nil {
		metrics.SetBufferDepth(len(pending))
	}
	return nil
}

// RunIfDue runs one extraction cycle if the throttle window has elapsed and
// the buffer is non-empty. Returns whether a cycle ran.
func (p *Pipeline) RunIfDue(ctx context.Context) (bool, error) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return false, nil
	}
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	last, err := p.store.LastExtractionRun()
	if err != nil {
		return false, err
	}
	// A failed cycle leaves last_extraction untouched, so the gate also
	// considers the last attempt. Otherwise a provider outage would mean
	// one extraction call per daemon poll instead of one per window.
	p.mu.Lock()
	if p.lastAttempt.After(last) {
		last = p.lastAttempt
	}
	p.mu.Unlock()
	if !last.IsZero() && p.now().Sub(last) < p.throttle {
		return false, nil
	}

	pending, err := p.store.PendingExchanges(ctx)
	if err != nil {
		return false, err
	}
	if len(pending) == 0 {
		return false, nil
	}

	start := p.now()
	p.mu.Lock()
	p.lastAttempt = start
	p.mu.Unlock()
	created, merged, err := p.runCycle(ctx, pending)
	metrics.RecordExtractionBatch(p.now().Sub(start), created, merged, err == nil)
	if err != nil {
		// The buffer is the retry queue; nothing was committed.
		p.logger.Error().Err(err).Int("pending", len(pending)).Msg("Extraction cycle failed, buffer retained")
		return false, err
	}

	metrics.SetBufferDepth(0)
	p.logger.Info().
		Int("exchanges", len(pending)).
		Int("created", created).
		Int("merged", merged).
		Msg("Extraction cycle committed")
	return true, nil
}

// runCycle walks Extracting, Deduplicating, Assigning, Committing. Any error
// aborts before commit so the store is never partially mutated.
func (p *Pipeline) runCycle(ctx context.Context, pending []memory.PendingExchange) (created, merged int, err error) {
	defer p.setState(StateIdle)

	p.setState(StateExtracting)
	extractCtx := ctx
	if p.extractTimeout > 0 {
		var cancel context.CancelFunc
		extractCtx, cancel = context.WithTimeout(ctx, p.extractTimeout)
		defer cancel()
	}
	candidates, err := p.extractor.Extract(extractCtx, pending)
	if err != nil {
		return 0, 0, err
	}

	batch := &memory.Batch{ExtractedAt: p.now()}
	for _, ex := range pending {
		batch.ConsumedPending = append(batch.ConsumedPending, ex.ID)
	}

	p.setState(StateDeduplicating)
	fresh, err := p.dedup(ctx, candidates, batch, pending)
	if err != nil {
		return 0, 0, err
	}

	p.setState(StateAssigning)
	if err := p.assign(ctx, fresh, batch); err != nil {
		return 0, 0, err
	}

	p.setState(StateCommitting)
	if err := p.store.ApplyBatch(ctx, batch); err != nil {
		return 0, 0, err
	}
	return len(batch.NewMemories), len(batch.Merges), nil
}

// dedup embeds each candidate and folds near-duplicates into existing facts.
// Candidates are also compared against facts created earlier in the same
// batch, which the store's index cannot see yet.
func (p *Pipeline) dedup(ctx context.Context, candidates []Candidate, batch *memory.Batch, pending []memory.PendingExchange) ([]memory.NewMemory, error) {
	sourceID := ""
	if len(pending) > 0 {
		sourceID = pending[len(pending)-1].ExchangeID
	}

	var fresh []memory.NewMemory
	for _, cand := range candidates {
		if cand.Content == "" {
			continue
		}

		vec, err := p.store.Embed(ctx, cand.Content)
		if err != nil {
			return nil, err
		}

		matches, err := p.store.SearchMemories(ctx, vec, 1)
		if err != nil {
			return nil, err
		}
		if len(matches) > 0 && matches[0].Score >= memory.DedupThreshold {
			batch.Merges = append(batch.Merges, memory.Merge{
				MemoryID:   matches[0].ID,
				Content:    cand.Content,
				Importance: cand.Importance,
				Reason:     memory.ReasonMerge,
			})
			continue
		}

		if prior := bestInBatch(fresh, vec); prior != nil {
			batch.Merges = append(batch.Merges, memory.Merge{
				MemoryID:   prior.Memory.ID,
				Content:    cand.Content,
				Importance: cand.Importance,
				Reason:     memory.ReasonMerge,
			})
			continue
		}

		now := p.now()
		fresh = append(fresh, memory.NewMemory{
			Memory: memory.AtomicMemory{
				ID:               uuid.NewString(),
				Content:          cand.Content,
				Importance:       cand.Importance,
				Tags:             cand.Tags,
				SourceExchangeID: sourceID,
				EmbeddingHash:    memory.ContentHash(cand.Content),
				CreatedAt:        now,
				LastModified:     now,
			},
			Vector: vec,
		})
	}

	batch.NewMemories = fresh
	return fresh, nil
}

// bestInBatch returns the earlier in-batch fact that dedups vec, or nil.
func bestInBatch(fresh []memory.NewMemory, vec []float32) *memory.NewMemory {
	for i := range fresh {
		if cosineSimilarity(fresh[i].Vector, vec) >= memory.DedupThreshold {
			return &fresh[i]
		}
	}
	return nil
}

// assign attaches each surviving fact to its best-matching threads, creating
// a new thread when nothing clears the relevance floor. Threads created in
// this batch participate in matching for later facts.
func (p *Pipeline) assign(ctx context.Context, fresh []memory.NewMemory, batch *memory.Batch) error {
	for _, nm := range fresh {
		matches, err := p.store.SearchThreads(ctx, nm.Vector, maxThreadAssignments)
		if err != nil {
			return err
		}

		assigned := 0
		for _, m := range matches {
			if m.Score < p.relevanceFloor {
				break
			}
			batch.Assignments = append(batch.Assignments, memory.Assignment{
				MemoryID: nm.Memory.ID,
				ThreadID: m.ID,
			})
			assigned++
		}
		for i := range batch.NewThreads {
			if assigned >= maxThreadAssignments {
				break
			}
			nt := &batch.NewThreads[i]
			if cosineSimilarity(nt.Vector, nm.Vector) >= p.relevanceFloor {
				batch.Assignments = append(batch.Assignments, memory.Assignment{
					MemoryID: nm.Memory.ID,
					ThreadID: nt.Thread.ID,
				})
				assigned++
			}
		}
		if assigned > 0 {
			continue
		}

		name := threadName(nm.Memory)
		seed := name
		vec, err := p.store.Embed(ctx, seed)
		if err != nil {
			return err
		}
		thread := memory.Thread{
			ID:            uuid.NewString(),
			Name:          name,
			EmbeddingHash: memory.ContentHash(seed),
			CreatedAt:     p.now(),
			LastUpdated:   p.now(),
		}
		batch.NewThreads = append(batch.NewThreads, memory.NewThread{Thread: thread, Vector: vec})
		batch.Assignments = append(batch.Assignments, memory.Assignment{
			MemoryID: nm.Memory.ID,
			ThreadID: thread.ID,
		})
	}
	return nil
}

// threadName derives a thread name from a fact's first tag, falling back to
// a content prefix.
func threadName(mem memory.AtomicMemory) string {
	if len(mem.Tags) > 0 && mem.Tags[0] != "" {
		tag := mem.Tags[0]
		return strings.ToUpper(tag[:1]) + tag[1:]
	}
	words := strings.Fields(mem.Content)
	if len(words) > 5 {
		words = words[:5]
	}
	return strings.Join(words, " ")
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
