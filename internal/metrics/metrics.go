package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	ForwardTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forward_tokens_total",
		Help: "The total number of tokens pushed through the forward pass",
	})

	ForwardDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "forward_duration_seconds",
		Help: "Duration of single-token forward passes",
	})

	ForwardDegradedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forward_degraded_total",
		Help: "Forward passes that used at least one fallback substitution",
	})

	ForwardErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forward_errors_total",
		Help: "Forward pass failures by error type",
	}, []string{"type"})

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_capacity_bytes",
		Help: "Total bytes reserved for the key/value cache",
	})

	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_used_bytes",
		Help: "Bytes of the key/value cache written so far",
	})

	KVCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_hits_total",
		Help: "Reads of committed key/value rows during attention",
	})

	KVCacheOutOfBounds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_oob_total",
		Help: "Count of KV cache out-of-bounds accesses detected",
	})

	ParallelDispatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parallel_dispatches_total",
		Help: "parallel_for dispatches issued to the worker pool",
	})

	ParallelItemsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parallel_items_total",
		Help: "Total work items executed across all dispatches",
	})

	ParallelWorkerBusy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "parallel_worker_work_cycles",
		Help: "Cumulative work poll cycles per worker",
	}, []string{"worker"})

	ParallelWorkerIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "parallel_worker_idle_cycles",
		Help: "Cumulative idle poll cycles per worker",
	}, []string{"worker"})

	BarrierWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "barrier_waits_total",
		Help: "Arrivals at the layer-boundary spinning barrier",
	})

	SampledTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sampled_tokens_total",
		Help: "Tokens drawn by the sampler",
	})
)

// RecordForward counts one successful forward pass.
func RecordForward(seconds float64, degraded bool) {
	totalTokens.Add(1)
	ForwardTokensTotal.Inc()
	ForwardDuration.Observe(seconds)
	if degraded {
		ForwardDegradedTotal.Inc()
	}
}

// RecordForwardError counts a failed forward pass by taxonomy bucket.
func RecordForwardError(errType string) {
	ForwardErrorsTotal.WithLabelValues(errType).Inc()
}

// RecordKVCacheStats publishes capacity and used bytes after an
// allocation or write.
func RecordKVCacheStats(capacityBytes, usedBytes int64) {
	KVCacheCapacityBytes.Set(float64(capacityBytes))
	KVCacheUsedBytes.Set(float64(usedBytes))
}

// RecordKVCacheOutOfBounds counts a rejected cache access.
func RecordKVCacheOutOfBounds() {
	KVCacheOutOfBounds.Inc()
}

// RecordDispatch counts one parallel_for call over n items.
func RecordDispatch(items int) {
	ParallelDispatchesTotal.Inc()
	ParallelItemsTotal.Add(float64(items))
}

// RecordWorker mirrors a worker's cycle counters into the gauges.
func RecordWorker(worker string, workCycles, idleCycles uint64) {
	ParallelWorkerBusy.WithLabelValues(worker).Set(float64(workCycles))
	ParallelWorkerIdle.WithLabelValues(worker).Set(float64(idleCycles))
}

// TotalTokens reports the process-lifetime token count.
func TotalTokens() int64 {
	return totalTokens.Load()
}
