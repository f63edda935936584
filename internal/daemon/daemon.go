// Package daemon wires the store and the two background pipelines into one
// long-running process: the librarian drains the exchange buffer on its
// throttle window, the gardener sweeps on a cron schedule, and an optional
// Prometheus listener exposes engine metrics.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/harun/recall/internal/config"
	"github.com/harun/recall/internal/logger"
	"github.com/harun/recall/internal/metrics"
	"github.com/harun/recall/pkg/gardener"
	"github.com/harun/recall/pkg/librarian"
	"github.com/harun/recall/pkg/memory"
	"github.com/harun/recall/pkg/retrieval"
	"github.com/harun/recall/pkg/tokenizer"
)

// librarianPollInterval is how often the daemon checks whether the throttle
// window has elapsed. The pipeline itself enforces the window.
const librarianPollInterval = time.Minute

// Daemon owns the running engine.
type Daemon struct {
	cfg *config.Config
	log *logger.Logger

	store     *memory.Store
	pipeline  *librarian.Pipeline
	gardener  *gardener.Gardener
	engine    *retrieval.Engine
	scheduler *cron.Cron
	metricsHT *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New builds the daemon from configuration. The store opens here, so index
// verification and model-change detection happen before Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	metrics.EnsureRegistered()

	provider := memory.NewOpenAIProvider(cfg.Embedding.APIKey, cfg.Embedding.Model,
		time.Duration(cfg.Embedding.TimeoutMS)*time.Millisecond)
	store, err := memory.Open(memory.StoreConfig{
		DBPath:   cfg.DBPath(),
		Provider: provider,
		Logger:   *log.Zerolog(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}

	extractor, err := newExtractor(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	pipeline := librarian.New(store, extractor, *log.Zerolog(), librarian.Config{
		Throttle:          time.Duration(cfg.Extraction.ThrottleMinutes) * time.Minute,
		RelevanceFloor:    cfg.Extraction.RelevanceFloor,
		ExtractionTimeout: time.Duration(cfg.Extraction.TimeoutMS) * time.Millisecond,
	})

	tok, err := tokenizer.New()
	if err != nil {
		log.Zerolog().Warn().Err(err).Msg("Tokenizer encoding unavailable, using byte heuristic")
	}

	var rewriter retrieval.QueryRewriter
	if cfg.Rewrite.Enabled {
		rewriter = retrieval.NewOpenAIRewriter(cfg.Rewrite.APIKey, cfg.Rewrite.Model)
	}
	engine := retrieval.New(store, tok, rewriter, *log.Zerolog(), retrieval.Config{
		ThreadCandidates: cfg.Retrieval.ThreadCandidates,
		BonusCandidates:  cfg.Retrieval.BonusCandidates,
		RecencyWeight:    cfg.Retrieval.RecencyWeight,
	})

	gdn := gardener.New(store, engine.Recorder(), *log.Zerolog(), gardener.Config{
		RecencyHalfLife: time.Duration(cfg.Gardener.RecencyHalfLifeDays) * 24 * time.Hour,
	})

	return &Daemon{
		cfg:      cfg,
		log:      log,
		store:    store,
		pipeline: pipeline,
		gardener: gdn,
		engine:   engine,
	}, nil
}

func newExtractor(cfg *config.Config) (librarian.FactExtractor, error) {
	switch cfg.Extraction.Provider {
	case "openai":
		return librarian.NewOpenAIExtractor(cfg.Extraction.APIKey, cfg.Extraction.Model), nil
	case "anthropic":
		return librarian.NewAnthropicExtractor(cfg.Extraction.APIKey, cfg.Extraction.Model), nil
	default:
		return nil, fmt.Errorf("unknown extraction provider %q", cfg.Extraction.Provider)
	}
}

// Store exposes the open store for ingestion and manual operations.
func (d *Daemon) Store() *memory.Store {
	return d.store
}

// Engine exposes the retrieval engine.
func (d *Daemon) Engine() *retrieval.Engine {
	return d.engine
}

// Pipeline exposes the librarian for exchange ingestion.
func (d *Daemon) Pipeline() *librarian.Pipeline {
	return d.pipeline
}

// Start launches the background loops. It returns immediately; Stop shuts
// everything down.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("daemon already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.wg.Add(1)
	go d.librarianLoop(ctx)

	d.scheduler = cron.New()
	if _, err := d.scheduler.AddFunc(d.cfg.Gardener.Schedule, func() {
		sweepCtx, done := context.WithTimeout(ctx, 10*time.Minute)
		defer done()
		if err := d.gardener.Run(sweepCtx); err != nil {
			d.log.Zerolog().Error().Err(err).Msg("Maintenance sweep failed")
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("invalid gardener schedule: %w", err)
	}
	d.scheduler.Start()

	if d.cfg.Metrics.Enabled {
		d.metricsHT = &http.Server{Addr: d.cfg.Metrics.Addr, Handler: metrics.Handler()}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.log.Zerolog().Info().Str("addr", d.cfg.Metrics.Addr).Msg("Metrics listener started")
			if err := d.metricsHT.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.log.Zerolog().Error().Err(err).Msg("Metrics listener failed")
			}
		}()
	}

	d.wg.Add(1)
	go d.watchConfig(ctx)

	d.running = true
	d.log.Zerolog().Info().
		Str("db", d.cfg.DBPath()).
		Str("gardener_schedule", d.cfg.Gardener.Schedule).
		Int("throttle_minutes", d.cfg.Extraction.ThrottleMinutes).
		Msg("Daemon started")
	return nil
}

func (d *Daemon) librarianLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(librarianPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, done := context.WithTimeout(ctx, 5*time.Minute)
			if _, err := d.pipeline.RunIfDue(runCtx); err != nil {
				d.log.Zerolog().Error().Err(err).Msg("Extraction run failed")
			}
			done()
		}
	}
}

// watchConfig logs config file changes. Pipeline tuning is read at startup,
// so a change is surfaced as a restart hint rather than applied live.
func (d *Daemon) watchConfig(ctx context.Context) {
	defer d.wg.Done()

	loader := config.NewLoader("")
	watcher := config.NewWatcher(loader, *d.log.Zerolog(), func(cfg *config.Config) {
		d.log.Zerolog().Warn().Msg("Config changed on disk, restart to apply pipeline settings")
	})
	if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		d.log.Zerolog().Warn().Err(err).Msg("Config watcher stopped")
	}
}

// Stop shuts down the loops, flushes pending access stats through a final
// sweep step, and closes the store.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}

	d.cancel()
	if d.scheduler != nil {
		<-d.scheduler.Stop().Done()
	}
	if d.metricsHT != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		d.metricsHT.Shutdown(shutdownCtx)
		done()
	}
	d.wg.Wait()

	// Access stats accumulated since the last sweep would otherwise be lost.
	flushCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
	if err := d.store.UpdateAccessStats(flushCtx, d.engine.Recorder().Drain()); err != nil {
		d.log.Zerolog().Warn().Err(err).Msg("Failed to flush access stats on shutdown")
	}
	done()

	err := d.store.Close()
	d.running = false
	d.log.Zerolog().Info().Msg("Daemon stopped")
	return err
}
