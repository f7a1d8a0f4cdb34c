package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_capacity_bytes",
		Help: "Total bytes materialized for key and value regions",
	})

	KVCacheRegions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_regions",
		Help: "Number of live key/value regions",
	})

	KVCacheNumBlocks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_num_blocks",
		Help: "Addressable blocks per region",
	})

	KVAllocationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_allocation_failures_total",
		Help: "Block store constructions aborted by a failed region allocation",
	})

	KVCopyCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_copy_calls_total",
		Help: "Copy plans submitted",
	})

	KVBlockCopies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_block_copies_total",
		Help: "Source to destination block copies applied (all layers counted once)",
	})

	KVCopyBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_copy_bytes_total",
		Help: "Bytes moved by block copies across key and value regions",
	})

	KVCopyRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kv_copy_rejected_total",
		Help: "Copy plans rejected, by reason",
	}, []string{"reason"})

	KVCopyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kv_copy_duration_seconds",
		Help:    "Duration of CopyBlocks calls",
		Buckets: []float64{1e-6, 1e-5, 1e-4, 1e-3, 5e-3, 1e-2, 5e-2, 0.1, 0.5, 1},
	})

	KVPlacementBoundBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kv_placement_bound_bytes_total",
		Help: "Bytes successfully bound to a NUMA node",
	}, []string{"node"})

	KVPlacementFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kv_placement_failures_total",
		Help: "NUMA bind requests that failed",
	}, []string{"node"})
)

// RecordKVCacheStats publishes the static shape of a freshly built store.
func RecordKVCacheStats(capacityBytes int64, regions, numBlocks int) {
	KVCacheCapacityBytes.Set(float64(capacityBytes))
	KVCacheRegions.Set(float64(regions))
	KVCacheNumBlocks.Set(float64(numBlocks))
}

// RecordKVCacheFreed zeroes the store gauges.
func RecordKVCacheFreed() {
	KVCacheCapacityBytes.Set(0)
	KVCacheRegions.Set(0)
	KVCacheNumBlocks.Set(0)
}

func RecordAllocationFailure() {
	KVAllocationFailures.Inc()
}

// RecordCopy records one CopyBlocks call that applied the given number of
// block copies and moved the given number of bytes.
func RecordCopy(blockCopies int, bytes int64, d time.Duration) {
	KVCopyCalls.Inc()
	KVBlockCopies.Add(float64(blockCopies))
	KVCopyBytes.Add(float64(bytes))
	KVCopyDuration.Observe(d.Seconds())
}

func RecordCopyRejected(reason string) {
	KVCopyRejected.WithLabelValues(reason).Inc()
}

func RecordPlacement(node int, bytes int, err error) {
	label := strconv.Itoa(node)
	if err != nil {
		KVPlacementFailures.WithLabelValues(label).Inc()
		return
	}
	KVPlacementBoundBytes.WithLabelValues(label).Add(float64(bytes))
}
