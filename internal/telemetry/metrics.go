package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline counters exposed on /metrics.
var (
	SnapshotsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskwatch_snapshots_created_total",
		Help: "Snapshots recorded after a content fingerprint changed.",
	})
	FetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskwatch_fetch_failures_total",
		Help: "Source fetches that failed with an error.",
	})
	ChangesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskwatch_changes_detected_total",
		Help: "New change rows created by the detector.",
	})
	ChunksEmbedded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskwatch_chunks_embedded_total",
		Help: "Vector chunks upserted into the index.",
	})
	InsightsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskwatch_insights_created_total",
		Help: "Insights persisted after full analysis.",
	})
	InsightsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskwatch_insights_skipped_total",
		Help: "Changes gated out by triage as not relevant.",
	})
	InsightFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskwatch_insight_failures_total",
		Help: "Changes whose insight generation failed definitively.",
	})
	LLMRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskwatch_llm_retries_total",
		Help: "Retried LLM/embedding calls after transient failures.",
	})
	LLMLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "riskwatch_llm_call_seconds",
		Help:    "Latency of LLM completion calls by stage.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
)
