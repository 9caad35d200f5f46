package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 30, 120},
		},
		[]string{"method", "path"},
	)

	// Generation metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowchat_runs_started_total",
			Help: "Total generation runs started",
		},
		[]string{"kind"}, // "generate" or "summarize"
	)

	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowchat_runs_finished_total",
			Help: "Total generation runs finished",
		},
		[]string{"kind", "outcome"},
	)

	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowchat_tool_calls_total",
			Help: "Total tool invocations",
		},
		[]string{"tool", "outcome"},
	)

	// Memory metrics
	MemoryUpserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowchat_memory_upserts_total",
			Help: "Total memory upserts",
		},
		[]string{"result"}, // "inserted" or "merged"
	)

	EmbeddingsBackfilled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowchat_embeddings_backfilled_total",
			Help: "Total message embeddings written by the backfill",
		},
	)
)
