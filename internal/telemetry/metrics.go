package telemetry

import "github.com/prometheus/client_golang/prometheus"

var DecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cdndefense",
		Subsystem: "decision",
		Name:      "total",
		Help:      "Total number of defense decisions by action.",
	},
	[]string{"tenant", "action"},
)

var ThreatScore = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "cdndefense",
		Subsystem: "decision",
		Name:      "threat_score",
		Help:      "Distribution of computed threat scores.",
		Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	},
	[]string{"tenant"},
)

var RateLimitBreachesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cdndefense",
		Subsystem: "ratelimit",
		Name:      "breaches_total",
		Help:      "Total number of rate limit breaches by subject kind.",
	},
	[]string{"tenant", "subject_kind"},
)

var AnomalyFlagsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cdndefense",
		Subsystem: "anomaly",
		Name:      "flags_total",
		Help:      "Total number of anomaly flags raised, by kind.",
	},
	[]string{"tenant", "kind"},
)

var ChallengesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cdndefense",
		Subsystem: "challenge",
		Name:      "total",
		Help:      "Total number of JS challenges by outcome.",
	},
	[]string{"tenant", "outcome"},
)

var BotDetectionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cdndefense",
		Subsystem: "bot",
		Name:      "detections_total",
		Help:      "Total number of requests flagged as bot traffic.",
	},
	[]string{"tenant"},
)

var SyncLagSeconds = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "cdndefense",
		Subsystem: "sync",
		Name:      "lag_seconds",
		Help:      "Seconds since this node last applied a config-store event.",
	},
	[]string{"node_id"},
)

var WatchHealthy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "cdndefense",
		Subsystem: "sync",
		Name:      "watch_healthy",
		Help:      "1 if the node's prefix watch is healthy, 0 if degraded.",
	},
	[]string{"node_id"},
)

var AuditWriteFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cdndefense",
		Subsystem: "audit",
		Name:      "write_failures_total",
		Help:      "Total number of audit entries that failed to write.",
	},
	[]string{"tenant"},
)

// All returns all cdn-defense-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		DecisionsTotal,
		ThreatScore,
		RateLimitBreachesTotal,
		AnomalyFlagsTotal,
		ChallengesTotal,
		BotDetectionsTotal,
		SyncLagSeconds,
		WatchHealthy,
		AuditWriteFailuresTotal,
	}
}
