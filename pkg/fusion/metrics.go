package fusion

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	batchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trust",
		Subsystem: "engine",
		Name:      "batches_total",
		Help:      "Feature batches processed, by outcome",
	}, []string{"result"})

	actionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trust",
		Subsystem: "engine",
		Name:      "actions_total",
		Help:      "Decisions emitted, by action",
	}, []string{"action"})

	trustScores = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "trust",
		Subsystem: "engine",
		Name:      "score",
		Help:      "Distribution of fused trust scores",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	})

	driftFlagsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trust",
		Subsystem: "engine",
		Name:      "drift_flags_total",
		Help:      "Rising edges of the drift flag across sessions",
	})

	schemaErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trust",
		Subsystem: "engine",
		Name:      "schema_errors_total",
		Help:      "Batch fragments rejected by the normalizer, by modality",
	}, []string{"modality"})

	baselineMissesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trust",
		Subsystem: "engine",
		Name:      "baseline_misses_total",
		Help:      "Scores skipped for missing baselines, by modality",
	}, []string{"modality"})

	outOfOrderTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trust",
		Subsystem: "engine",
		Name:      "out_of_order_total",
		Help:      "Batches rejected for non-monotonic timestamps",
	})

	alertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trust",
		Subsystem: "engine",
		Name:      "alerts_total",
		Help:      "Security alerts raised, by rule",
	}, []string{"rule"})

	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trust",
		Subsystem: "engine",
		Name:      "active_sessions",
		Help:      "Live session states held by the store",
	})
)

func init() {
	prometheus.MustRegister(
		batchesTotal,
		actionsTotal,
		trustScores,
		driftFlagsTotal,
		schemaErrorsTotal,
		baselineMissesTotal,
		outOfOrderTotal,
		alertsTotal,
		activeSessions,
	)
}
