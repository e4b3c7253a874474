// Package metrics exposes prometheus instrumentation for the sharding
// runtime: shard counts per region, handoff durations, buffer drops, and
// durable-write latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ShardsPerRegion tracks the number of shards each Region hosts locally;
	// the Region increments it when it starts a local shard and decrements
	// it when it hands one off.
	ShardsPerRegion = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "shardkit",
		Subsystem: "coordinator",
		Name:      "shards_per_region",
		Help:      "Number of shards currently allocated to a region.",
	}, []string{"region"})

	// HandoffDuration observes the wall-clock time from BeginHandOff to
	// ShardStopped for a shard.
	HandoffDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "shardkit",
		Subsystem: "coordinator",
		Name:      "handoff_duration_seconds",
		Help:      "Duration of a shard handoff from BeginHandOff to ShardStopped.",
		Buckets:   prometheus.DefBuckets,
	})

	// BufferDrops counts messages dropped from a Region's per-shard buffer,
	// labeled by drop reason ("overflow-head", "overflow-tail").
	BufferDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardkit",
		Subsystem: "region",
		Name:      "buffer_drops_total",
		Help:      "Messages dropped from the per-shard resolution buffer.",
	}, []string{"reason"})

	// DurableWriteLatency is a histogram of durable-store write latency,
	// labeled by backend ("eventsourced", "ddata"). No store in this module
	// records into it, so the series stays empty.
	DurableWriteLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "shardkit",
		Subsystem: "durable",
		Name:      "write_latency_seconds",
		Help:      "Latency of a durable state write.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"backend"})

	// RebalanceShardsMoved counts completed shard migrations, whether started
	// by a rebalance tick or by a graceful-shutdown request.
	RebalanceShardsMoved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shardkit",
		Subsystem: "coordinator",
		Name:      "rebalance_shards_moved_total",
		Help:      "Total number of shards moved by rebalance ticks and graceful shutdowns.",
	})
)
