package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MetricEventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "failmon", Name: "events_ingested_total", Help: "Number of failed-login events accepted"},
		[]string{"host_id"},
	)
	MetricEventsDeduped = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "failmon", Name: "events_deduped_total", Help: "Number of duplicate events dropped at persistence"},
	)
	MetricEventsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "failmon", Name: "events_rejected_total", Help: "Number of events dropped before persistence"},
		[]string{"reason"},
	)
	MetricBlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "failmon", Name: "blocks_total", Help: "Number of IP blocks"},
		[]string{"scope", "created_by"},
	)
	MetricUnblocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "failmon", Name: "unblocks_total", Help: "Number of IP unblocks"},
		[]string{"source"},
	)
	MetricFeedDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "failmon", Name: "feed_subscribers_dropped_total", Help: "Live-feed subscribers dropped for falling behind"},
	)
	MetricHttpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "failmon",
			Name:      "http_duration_seconds",
			Help:      "Latency of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)
	MetricRedisDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "failmon",
			Name:      "redis_op_duration_seconds",
			Help:      "Latency of Redis operations in seconds",
			Buckets:   []float64{.001, .002, .005, .01, .02, .05, .1},
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(MetricEventsIngested)
	prometheus.MustRegister(MetricEventsDeduped)
	prometheus.MustRegister(MetricEventsRejected)
	prometheus.MustRegister(MetricBlocksTotal)
	prometheus.MustRegister(MetricUnblocksTotal)
	prometheus.MustRegister(MetricFeedDropped)
	prometheus.MustRegister(MetricHttpDuration)
	prometheus.MustRegister(MetricRedisDuration)
}
