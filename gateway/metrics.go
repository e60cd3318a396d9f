package gateway

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricsShardStates = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "sharder_shard_states",
	Help: "Number of shards in each state",
}, []string{"state"})

var metricsTotalShards = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "sharder_total_shards",
	Help: "Shard count of the bot",
})

var metricsRunningShards = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "sharder_running_shards",
	Help: "Shards run by this process that have connected and not yet exited",
})

var metricsDispatchedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sharder_dispatched_events_total",
	Help: "Dispatch events received from the gateway",
}, []string{"event"})

var metricsReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sharder_reconnects_total",
	Help: "Reconnects requested by shards",
}, []string{"reason"})

var metricsHeartbeatLatency = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "sharder_heartbeat_latency_seconds",
	Help: "Time between the last heartbeat and its acknowledgement",
}, []string{"shard"})

var metricsIdentifyWait = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "sharder_identify_wait_seconds",
	Help:    "Time spent waiting on the identify ratelimit",
	Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
})

var metricsShardFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sharder_shard_failures_total",
	Help: "Shard run loops that ended with an error",
})

func observeLatency(shardId int, latency time.Duration) {
	metricsHeartbeatLatency.WithLabelValues(strconv.Itoa(shardId)).Set(latency.Seconds())
}
