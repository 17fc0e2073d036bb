package security

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_service_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_service_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// ResidentSessions tracks the current working-set size.
	ResidentSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_service_resident_sessions",
		Help: "Sessions currently resident in the working set",
	})

	// SessionLoads counts sessions restored from the durable store.
	SessionLoads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_service_session_loads_total",
		Help: "Sessions restored from the durable store",
	})

	// Hibernations counts sessions flushed and evicted from the working set.
	Hibernations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_service_hibernations_total",
		Help: "Sessions flushed and evicted from the working set",
	})

	// MessagesProcessed counts messages successfully applied to session state.
	MessagesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_service_messages_processed_total",
		Help: "Messages applied to session state",
	})

	// DiaryEntriesWritten counts immutable diary entries persisted.
	DiaryEntriesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_service_diary_entries_total",
		Help: "Diary entries persisted",
	})

	// StoreLatency records the latency of durable store operations.
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_service_store_latency_seconds",
			Help:    "Durable store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	generationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_service_generation_duration_seconds",
			Help:    "External generation call duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"stage"},
	)

	generationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_service_generation_failures_total",
			Help: "Failed or timed-out external generation calls",
		},
		[]string{"stage"},
	)
)

// ObserveGeneration records the latency and outcome of one generation call.
func ObserveGeneration(stage string, started time.Time, err error) {
	generationDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
	if err != nil {
		generationFailures.WithLabelValues(stage).Inc()
	}
}
