// File path: internal/common/telemetry/telemetry.go
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ingestBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bundleindex",
		Name:      "ingest_batches_total",
		Help:      "Batches written per sink (catalog, vector).",
	}, []string{"sink"})

	ingestDocs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bundleindex",
		Name:      "ingest_documents_total",
		Help:      "Documents written per sink.",
	}, []string{"sink"})

	stageRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bundleindex",
		Name:      "pipeline_stage_runs_total",
		Help:      "Pipeline stage executions by stage and outcome.",
	}, []string{"stage", "outcome"})

	searchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bundleindex",
		Name:      "vector_search_duration_seconds",
		Help:      "Latency of vector store queries.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"table", "outcome"})

	embedBatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bundleindex",
		Name:      "embedding_batch_failures_total",
		Help:      "Embedding batches that fell back to placeholder vectors.",
	})
)

// RecordIngestBatch notes a persisted batch of documents for a sink.
func RecordIngestBatch(sink string, docs int) {
	ingestBatches.WithLabelValues(sink).Inc()
	ingestDocs.WithLabelValues(sink).Add(float64(docs))
}

// RecordStageRun notes a completed pipeline stage execution.
func RecordStageRun(stage, outcome string) {
	stageRuns.WithLabelValues(stage, outcome).Inc()
}

// RecordVectorSearch notes the duration of one vector store query.
func RecordVectorSearch(table string, ok bool, elapsed time.Duration) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	searchDuration.WithLabelValues(table, outcome).Observe(elapsed.Seconds())
}

// RecordEmbedBatchFailure notes an embedding batch that produced placeholders.
func RecordEmbedBatchFailure() {
	embedBatchFailures.Inc()
}
