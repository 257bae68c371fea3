// =============================================================================
// FLUSH METRICS - BATCH DELIVERY INSTRUMENTATION
// =============================================================================
//
// WHAT ARE FLUSH METRICS?
// Flush metrics track the delivery side of the buffer: batches leaving for
// the conductor and what came back.
//
//   KEY QUESTIONS:
//   - How long does a flush round-trip take? (latency histogram)
//   - What fraction of batches fail? (batches_total by status)
//   - How full are the batches we send? (batch size histogram)
//   - Is the conductor reachable at all? (conductor_errors_total)
//
//   ALERTING EXAMPLES:
//   Rule: "Alert if batch failure rate > 5% for 5 minutes"
//   PromQL: rate(bufferd_flush_batches_total{status="failure"}[5m]) /
//           rate(bufferd_flush_batches_total[5m]) > 0.05
//
//   Rule: "Alert if p99 flush latency exceeds 5s"
//   PromQL: histogram_quantile(0.99,
//             rate(bufferd_flush_latency_seconds_bucket[5m])) > 5
//
// =============================================================================

package metrics

import "github.com/prometheus/client_golang/prometheus"

// FlushMetrics tracks batch delivery to the conductor.
type FlushMetrics struct {
	// Latency is the flush round-trip duration in seconds
	Latency prometheus.Histogram

	// BatchSize is the number of operations per flushed batch
	BatchSize prometheus.Histogram

	// Batches counts flushed batches by outcome
	// Labels: status (success, partial, failure)
	Batches *prometheus.CounterVec

	// ConductorErrors counts transport-level failures reaching the conductor
	// (connection refused, timeout, non-2xx), as opposed to batches the
	// conductor received and rejected
	ConductorErrors prometheus.Counter

	// DrainedOperations counts operations written to the shutdown snapshot
	DrainedOperations prometheus.Counter

	// RestoredOperations counts operations loaded back from a snapshot
	RestoredOperations prometheus.Counter
}

// newFlushMetrics creates and registers flush subsystem metrics.
func newFlushMetrics(r *Registry) *FlushMetrics {
	return &FlushMetrics{
		Latency: r.newHistogram(prometheus.HistogramOpts{
			Subsystem: "flush",
			Name:      "latency_seconds",
			Help:      "Duration of one batch flush round-trip to the conductor",
		}),

		BatchSize: r.newHistogram(prometheus.HistogramOpts{
			Subsystem: "flush",
			Name:      "batch_size_operations",
			Help:      "Operations per flushed batch",
			// Batch sizes are bounded by config (default 50, recovery 200)
			Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500},
		}),

		Batches: r.newCounterVec(prometheus.CounterOpts{
			Subsystem: "flush",
			Name:      "batches_total",
			Help:      "Flushed batches by outcome",
		}, []string{"status"}),

		ConductorErrors: r.newCounter(prometheus.CounterOpts{
			Subsystem: "flush",
			Name:      "conductor_errors_total",
			Help:      "Transport-level failures reaching the conductor",
		}),

		DrainedOperations: r.newCounter(prometheus.CounterOpts{
			Subsystem: "flush",
			Name:      "drained_operations_total",
			Help:      "Operations persisted to the shutdown snapshot",
		}),

		RestoredOperations: r.newCounter(prometheus.CounterOpts{
			Subsystem: "flush",
			Name:      "restored_operations_total",
			Help:      "Operations restored from a snapshot at startup",
		}),
	}
}

// Batch outcome label values.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailure = "failure"
)

// ObserveFlush records one completed flush attempt.
func (m *FlushMetrics) ObserveFlush(status string, batchSize int, seconds float64) {
	if m == nil {
		return
	}
	m.Latency.Observe(seconds)
	m.BatchSize.Observe(float64(batchSize))
	m.Batches.WithLabelValues(status).Inc()
}
