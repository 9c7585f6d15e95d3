package telemetry

import "github.com/prometheus/client_golang/prometheus"

// HTTPRequestDuration tracks reference-transport HTTP request latency.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fragtale",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// PublishedEventsTotal counts events admitted by the ingest pipeline.
var PublishedEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fragtale",
		Subsystem: "ingest",
		Name:      "published_events_total",
		Help:      "Total number of events published, per topic.",
	},
	[]string{"topic"},
)

// DeliveredEventsTotal counts events delivered to consumers.
var DeliveredEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fragtale",
		Subsystem: "delivery",
		Name:      "delivered_events_total",
		Help:      "Total number of events delivered, per topic and consumer.",
	},
	[]string{"topic", "consumer_id"},
)

// ClockOffsetSeconds reports the last observed NTP offset sample.
var ClockOffsetSeconds = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fragtale",
		Subsystem: "time",
		Name:      "clock_offset_seconds",
		Help:      "Last observed offset between the local wall clock and the configured NTP source.",
	},
)

// ClockUntrusted is 1 when the publish gate is closed, 0 when open.
var ClockUntrusted = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fragtale",
		Subsystem: "time",
		Name:      "clock_untrusted",
		Help:      "1 if the NTP-gated publish admission is currently closed.",
	},
)

// PendingSetSize reports the size of a consumer's in-flight pending set.
var PendingSetSize = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "fragtale",
		Subsystem: "delivery",
		Name:      "pending_set_size",
		Help:      "Number of unacked in-flight events per consumer.",
	},
	[]string{"topic", "consumer_id"},
)

// ShardSealLatency records how long a level-1/2/3 BDT seal operation took.
var ShardSealLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fragtale",
		Subsystem: "integrity",
		Name:      "shard_seal_latency_seconds",
		Help:      "Latency of sealing a BDT node, per level.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"level"},
)

// InstanceIDInUse is 1 once this node holds a claimed instance_id.
var InstanceIDInUse = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fragtale",
		Subsystem: "instance",
		Name:      "instance_id_in_use",
		Help:      "1 if this node currently holds a claimed instance_id lease.",
	},
)

// IntegrityRolloverPermitted is 1 once this node has observed that all
// shards older than the new generation's reach are sealed.
var IntegrityRolloverPermitted = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fragtale",
		Subsystem: "integrity",
		Name:      "rollover_permitted",
		Help:      "1 once rollover to the next secret generation is permitted.",
	},
)

// All returns all Fragtale-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		PublishedEventsTotal,
		DeliveredEventsTotal,
		ClockOffsetSeconds,
		ClockUntrusted,
		PendingSetSize,
		ShardSealLatency,
		InstanceIDInUse,
		IntegrityRolloverPermitted,
	}
}
