// Package metrics exposes the Prometheus collectors the ops surface
// publishes on /metrics: ingestion throughput, detector/enrichment
// latency, scheduler tick outcomes, and webhook dispatch results.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the custom prometheus registry this module publishes to,
// rather than the global default registry, so /metrics only ever reports
// this domain's series.
var Registry = prometheus.NewRegistry()

var (
	// IngestionRowsTotal counts rows processed per source and outcome
	// ("matched", "unmatched", "error").
	IngestionRowsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "solearb",
			Subsystem: "ingestion",
			Name:      "rows_total",
			Help:      "Price rows processed by ingestion workers",
		},
		[]string{"source", "outcome"},
	)

	// IngestionFetchDuration tracks pull-worker fetch latency.
	IngestionFetchDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "solearb",
			Subsystem: "ingestion",
			Name:      "fetch_duration_seconds",
			Help:      "Pull worker fetch call duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	// IngestionRetriesTotal counts retry attempts per source, broken down
	// by the failure classification that triggered the retry.
	IngestionRetriesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "solearb",
			Subsystem: "ingestion",
			Name:      "retries_total",
			Help:      "Ingestion fetch retry attempts",
		},
		[]string{"source", "kind"},
	)

	// DetectorOpportunitiesFound tracks how many raw opportunities a
	// Detect pass produces.
	DetectorOpportunitiesFound = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "solearb",
			Subsystem: "opportunities",
			Name:      "detected_count",
			Help:      "Opportunities found per Detect pass",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	// EnrichmentDuration tracks Enricher.Enhance/Top latency.
	EnrichmentDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "solearb",
			Subsystem: "enrichment",
			Name:      "duration_seconds",
			Help:      "Time spent scoring opportunities",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// EnrichmentCacheHitsTotal counts demand/risk cache hits vs misses.
	EnrichmentCacheHitsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "solearb",
			Subsystem: "enrichment",
			Name:      "cache_hits_total",
			Help:      "Enricher component-score cache lookups",
		},
		[]string{"result"},
	)

	// SchedulerTickDuration tracks the Alert Scheduler's per-tick wall time.
	SchedulerTickDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "solearb",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Alert scheduler tick duration",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// SchedulerAlertsDueTotal counts alerts selected as due per tick.
	SchedulerAlertsDueTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: "solearb",
			Subsystem: "scheduler",
			Name:      "alerts_due_total",
			Help:      "Alerts selected as due across all ticks",
		},
	)

	// SchedulerDroppedTotal counts alerts dropped under worker-pool
	// back-pressure.
	SchedulerDroppedTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: "solearb",
			Subsystem: "scheduler",
			Name:      "dropped_total",
			Help:      "Alert scans dropped under back-pressure",
		},
	)

	// WebhookDispatchTotal counts dispatch outcomes ("success",
	// "permanent_failure", "exhausted_retries").
	WebhookDispatchTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "solearb",
			Subsystem: "webhook",
			Name:      "dispatch_total",
			Help:      "Webhook dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)

	// WebhookDispatchDuration tracks end-to-end dispatch latency including
	// retries.
	WebhookDispatchDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "solearb",
			Subsystem: "webhook",
			Name:      "dispatch_duration_seconds",
			Help:      "Webhook dispatch duration including retries",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 45},
		},
	)
)

// Init registers the standard Go runtime and process collectors alongside
// this package's domain-specific ones.
func Init() {
	Registry.MustRegister(prometheus.NewGoCollector())
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
}
