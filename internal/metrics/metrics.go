// Package metrics defines the Prometheus instrumentation for the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Chat pipeline metrics
	ChatRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecite_chat_requests_total",
			Help: "Total chat requests by outcome",
		},
		[]string{"outcome"},
	)

	ChatPhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagecite_chat_phase_duration_seconds",
			Help:    "Duration of each chat pipeline phase",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"phase"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagecite_active_streams",
			Help: "Number of SSE answer streams currently open",
		},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecite_embedding_requests_total",
			Help: "Embedding provider calls by provider and status",
		},
		[]string{"provider", "status"},
	)

	EmbeddingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagecite_embedding_duration_seconds",
			Help:    "Embedding provider call duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	EmbeddingCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecite_embedding_cache_hits_total",
			Help: "Embedding cache hits by level",
		},
		[]string{"level"},
	)

	EmbeddingCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagecite_embedding_cache_misses_total",
			Help: "Embedding lookups that reached the provider",
		},
	)

	EmbeddingCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagecite_embedding_cache_entries",
			Help: "Live entries in the in-process embedding cache",
		},
	)

	// Retrieval metrics
	RetrievalChunks = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pagecite_retrieval_chunks",
			Help:    "Chunks returned per retrieval",
			Buckets: []float64{1, 5, 10, 20, 40, 80, 120, 200},
		},
	)

	RetrievalDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pagecite_retrieval_duration_seconds",
			Help:    "Chunk retrieval duration including the embedding lookup",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Generation metrics
	GenerationRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecite_generation_requests_total",
			Help: "LLM generation calls by provider, model and status",
		},
		[]string{"provider", "model", "status"},
	)

	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagecite_generation_duration_seconds",
			Help:    "Full generation duration including streaming",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
		},
		[]string{"provider"},
	)

	// Registry metrics
	RegistryDocuments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagecite_registry_documents",
			Help: "Documents in the current registry snapshot",
		},
	)

	RegistryRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecite_registry_refreshes_total",
			Help: "Registry refresh attempts by status",
		},
		[]string{"status"},
	)

	// Ingestion metrics
	IngestJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecite_ingest_jobs_total",
			Help: "Ingestion jobs by terminal status",
		},
		[]string{"status"},
	)

	IngestStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagecite_ingest_stage_duration_seconds",
			Help:    "Duration of each ingestion stage",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecite_http_requests_total",
			Help: "HTTP requests by method, route and status code",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagecite_http_request_duration_seconds",
			Help:    "HTTP request duration by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Infrastructure metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pagecite_circuit_breaker_state",
			Help: "Breaker position per provider (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	ConversationLogQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagecite_conversation_log_queue_depth",
			Help: "Conversation records waiting for the async writer",
		},
	)

	ConversationLogWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecite_conversation_log_writes_total",
			Help: "Conversation log batch writes by result",
		},
		[]string{"result"},
	)
)

// RecordChatRequest counts one finished chat request.
func RecordChatRequest(outcome string, durationSeconds float64) {
	ChatRequests.WithLabelValues(outcome).Inc()
	ChatPhaseDuration.WithLabelValues("total").Observe(durationSeconds)
}

// RecordChatPhase observes one pipeline phase.
func RecordChatPhase(phase string, durationSeconds float64) {
	ChatPhaseDuration.WithLabelValues(phase).Observe(durationSeconds)
}

// RecordEmbedding counts an embedding provider call.
func RecordEmbedding(provider, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(provider, status).Inc()
	if durationSeconds > 0 {
		EmbeddingDuration.WithLabelValues(provider).Observe(durationSeconds)
	}
}

// RecordEmbeddingCacheHit counts a hit at the given cache level.
func RecordEmbeddingCacheHit(level string) {
	EmbeddingCacheHits.WithLabelValues(level).Inc()
}

// RecordGeneration counts an LLM generation call.
func RecordGeneration(provider, model, status string, durationSeconds float64) {
	GenerationRequests.WithLabelValues(provider, model, status).Inc()
	if durationSeconds > 0 {
		GenerationDuration.WithLabelValues(provider).Observe(durationSeconds)
	}
}

// RecordRetrieval observes one retrieval pass.
func RecordRetrieval(chunks int, durationSeconds float64) {
	RetrievalChunks.Observe(float64(chunks))
	RetrievalDuration.Observe(durationSeconds)
}

// RecordRegistryRefresh records a snapshot rebuild.
func RecordRegistryRefresh(status string, documents int) {
	RegistryRefreshes.WithLabelValues(status).Inc()
	if status == "ok" {
		RegistryDocuments.Set(float64(documents))
	}
}

// RecordIngestStage observes one ingestion stage.
func RecordIngestStage(stage string, durationSeconds float64) {
	IngestStageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordIngestJob counts a finished ingestion job.
func RecordIngestJob(status string) {
	IngestJobs.WithLabelValues(status).Inc()
}

// RecordHTTPRequest counts one served request.
func RecordHTTPRequest(method, route, status string, durationSeconds float64) {
	HTTPRequests.WithLabelValues(method, route, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(durationSeconds)
}

// SetCircuitBreakerState mirrors a breaker transition into the gauge.
func SetCircuitBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}
