package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type engineMetrics struct {
	retrievalTotal    *prometheus.CounterVec
	retrievalDuration prometheus.Histogram
	retrievalTokens   prometheus.Histogram

	extractionTotal    *prometheus.CounterVec
	extractionDuration prometheus.Histogram
	factsCreatedTotal  prometheus.Counter
	factsMergedTotal   *prometheus.CounterVec

	embeddingCacheTotal *prometheus.CounterVec
	indexRebuildTotal   *prometheus.CounterVec

	memoriesTotal prometheus.Gauge
	threadsTotal  prometheus.Gauge
	bufferDepth   prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *engineMetrics
)

func getMetrics() *engineMetrics {
	metricsOnce.Do(func() {
		m := &engineMetrics{
			retrievalTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "retrieval_total",
					Help: "Total retrieval calls by status.",
				},
				[]string{"status"},
			),
			retrievalDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "retrieval_duration_seconds",
					Help:    "Retrieval call duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			retrievalTokens: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "retrieval_context_tokens",
					Help:    "Tokens in returned context blocks.",
					Buckets: prometheus.ExponentialBuckets(16, 2, 12),
				},
			),
			extractionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "extraction_batches_total",
					Help: "Total extraction batches by status.",
				},
				[]string{"status"},
			),
			extractionDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "extraction_batch_duration_seconds",
					Help:    "Extraction batch duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			factsCreatedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "facts_created_total",
					Help: "Total atomic facts committed.",
				},
			),
			factsMergedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "facts_merged_total",
					Help: "Total dedup merges by origin (write-time or gardener drift sweep).",
				},
				[]string{"origin"},
			),
			embeddingCacheTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "embedding_cache_total",
					Help: "Embedding cache lookups by outcome.",
				},
				[]string{"outcome"},
			),
			indexRebuildTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "index_rebuild_total",
					Help: "Vector index rebuilds by table.",
				},
				[]string{"table"},
			),
			memoriesTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "memories_total",
					Help: "Live atomic facts in the store.",
				},
			),
			threadsTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "threads_total",
					Help: "Threads in the store.",
				},
			),
			bufferDepth: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "pending_exchanges",
					Help: "Buffered exchanges awaiting extraction.",
				},
			),
		}

		prometheus.MustRegister(
			m.retrievalTotal,
			m.retrievalDuration,
			m.retrievalTokens,
			m.extractionTotal,
			m.extractionDuration,
			m.factsCreatedTotal,
			m.factsMergedTotal,
			m.embeddingCacheTotal,
			m.indexRebuildTotal,
			m.memoriesTotal,
			m.threadsTotal,
			m.bufferDepth,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func Handler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordRetrieval(duration time.Duration, tokens int, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.retrievalTotal.WithLabelValues(status).Inc()
	m.retrievalDuration.Observe(duration.Seconds())
	if success {
		m.retrievalTokens.Observe(float64(tokens))
	}
}

func RecordExtractionBatch(duration time.Duration, created, merged int, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.extractionTotal.WithLabelValues(status).Inc()
	m.extractionDuration.Observe(duration.Seconds())
	if success {
		m.factsCreatedTotal.Add(float64(created))
		m.factsMergedTotal.WithLabelValues("write").Add(float64(merged))
	}
}

func RecordDriftMerge() {
	getMetrics().factsMergedTotal.WithLabelValues("drift").Inc()
}

func RecordEmbeddingCacheHit() {
	getMetrics().embeddingCacheTotal.WithLabelValues("hit").Inc()
}

func RecordEmbeddingCacheMiss() {
	getMetrics().embeddingCacheTotal.WithLabelValues("miss").Inc()
}

func RecordIndexRebuild(table string) {
	getMetrics().indexRebuildTotal.WithLabelValues(table).Inc()
}

func SetStoreCounts(memories, threads int) {
	m := getMetrics()
	m.memoriesTotal.Set(float64(memories))
	m.threadsTotal.Set(float64(threads))
}

func SetBufferDepth(depth int) {
	getMetrics().bufferDepth.Set(float64(depth))
}
