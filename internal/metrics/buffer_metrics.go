// =============================================================================
// BUFFER METRICS - QUEUE STATE INSTRUMENTATION
// =============================================================================
//
// WHAT ARE BUFFER METRICS?
// Buffer metrics track the state of the write buffer between producers and
// the conductor:
//   - How many operations are waiting, per lane?
//   - How close are we to the admission ceiling (backpressure)?
//   - How many writes were rejected, deduplicated, committed, dropped?
//
// WHY THESE METRICS MATTER:
//
//   ┌─────────────────────────────────────────────────────────────────────────┐
//   │                     BUFFER METRICS USAGE                                │
//   │                                                                         │
//   │   CAPACITY PLANNING                                                     │
//   │   ─────────────────                                                     │
//   │   Q: "Is the queue ceiling big enough for peak traffic?"                │
//   │   A: Watch backpressure_percent over a week; sustained > 80 means       │
//   │      the ceiling (or the conductor) needs attention                     │
//   │                                                                         │
//   │   ALERTING                                                              │
//   │   ────────                                                              │
//   │   Rule: "Alert if writes are being rejected"                            │
//   │   PromQL: rate(bufferd_buffer_ops_rejected_total[5m]) > 0               │
//   │                                                                         │
//   │   DEBUGGING                                                             │
//   │   ─────────                                                             │
//   │   Q: "Why is the retry lane growing?"                                   │
//   │   A: bufferd_buffer_queued_operations{lane="retry"} alongside           │
//   │      bufferd_flush_batches_total{status="failure"}                      │
//   │                                                                         │
//   └─────────────────────────────────────────────────────────────────────────┘
//
// GAUGE vs COUNTER SPLIT:
// Lane depths, in-flight batches, and backpressure are point-in-time state
// (gauges, sampled from engine stats). Everything the engine counts
// monotonically (committed, failed, deduplicated, rejected) is exposed as a
// counter so PromQL rate() works.
//
// =============================================================================

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ethosengine/elohim-sub011/internal/buffer"
)

// BufferMetrics tracks queue state and admission outcomes.
type BufferMetrics struct {
	// QueuedOperations is the live queue depth per lane
	// Labels: lane (retry, high, normal, bulk)
	QueuedOperations *prometheus.GaugeVec

	// InFlightBatches is the number of batches handed out and not yet resolved
	InFlightBatches prometheus.Gauge

	// BackpressurePercent is the occupancy signal (0-100)
	BackpressurePercent prometheus.Gauge

	// OpsCommitted counts operations acknowledged by the conductor
	OpsCommitted prometheus.Counter

	// OpsFailed counts operations dropped after exhausting retries
	OpsFailed prometheus.Counter

	// OpsDeduplicated counts operations replaced by a newer write for the
	// same dedup key
	OpsDeduplicated prometheus.Counter

	// OpsRejected counts writes refused at the admission ceiling
	OpsRejected prometheus.Counter

	// BatchesFlushed counts batches handed to the flush protocol
	BatchesFlushed prometheus.Counter

	// Counters are monotonic but engine stats arrive as totals, so we track
	// the last seen totals and add only the delta. Snapshots are delivered
	// outside the engine lock and may arrive concurrently.
	mu   sync.Mutex
	last buffer.Stats
}

// newBufferMetrics creates and registers buffer subsystem metrics.
func newBufferMetrics(r *Registry) *BufferMetrics {
	return &BufferMetrics{
		QueuedOperations: r.newGaugeVec(prometheus.GaugeOpts{
			Subsystem: "buffer",
			Name:      "queued_operations",
			Help:      "Live operations waiting in the buffer, by lane",
		}, []string{"lane"}),

		InFlightBatches: r.newGauge(prometheus.GaugeOpts{
			Subsystem: "buffer",
			Name:      "in_flight_batches",
			Help:      "Batches handed out for flushing and not yet resolved",
		}),

		BackpressurePercent: r.newGauge(prometheus.GaugeOpts{
			Subsystem: "buffer",
			Name:      "backpressure_percent",
			Help:      "Queue occupancy signal from 0 (empty) to 100 (at ceiling)",
		}),

		OpsCommitted: r.newCounter(prometheus.CounterOpts{
			Subsystem: "buffer",
			Name:      "ops_committed_total",
			Help:      "Operations acknowledged by the conductor",
		}),

		OpsFailed: r.newCounter(prometheus.CounterOpts{
			Subsystem: "buffer",
			Name:      "ops_failed_total",
			Help:      "Operations dropped after exhausting the retry ceiling",
		}),

		OpsDeduplicated: r.newCounter(prometheus.CounterOpts{
			Subsystem: "buffer",
			Name:      "ops_deduplicated_total",
			Help:      "Operations superseded by a newer write for the same dedup key",
		}),

		OpsRejected: r.newCounter(prometheus.CounterOpts{
			Subsystem: "buffer",
			Name:      "ops_rejected_total",
			Help:      "Writes refused because the buffer was at its admission ceiling",
		}),

		BatchesFlushed: r.newCounter(prometheus.CounterOpts{
			Subsystem: "buffer",
			Name:      "batches_flushed_total",
			Help:      "Batches formed and handed to the flush protocol",
		}),
	}
}

// Update applies an engine stats snapshot to the metrics.
//
// Wire it as the engine's stats listener:
//
//	buffer.New(cfg, buffer.WithStatsListener(reg.Buffer.Update))
func (m *BufferMetrics) Update(s buffer.Stats) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.QueuedOperations.WithLabelValues("retry").Set(float64(s.RetryCount))
	m.QueuedOperations.WithLabelValues("high").Set(float64(s.HighCount))
	m.QueuedOperations.WithLabelValues("normal").Set(float64(s.NormalCount))
	m.QueuedOperations.WithLabelValues("bulk").Set(float64(s.BulkCount))
	m.InFlightBatches.Set(float64(s.InFlightBatches))
	m.BackpressurePercent.Set(float64(s.Backpressure))

	// ResetStats rewinds totals to zero; treat a rewind as a fresh baseline
	// rather than a negative delta.
	addDelta := func(c prometheus.Counter, now, prev uint64) {
		if now > prev {
			c.Add(float64(now - prev))
		}
	}
	addDelta(m.OpsCommitted, s.OpsCommitted, m.last.OpsCommitted)
	addDelta(m.OpsFailed, s.OpsFailed, m.last.OpsFailed)
	addDelta(m.OpsDeduplicated, s.OpsDeduplicated, m.last.OpsDeduplicated)
	addDelta(m.OpsRejected, s.OpsRejected, m.last.OpsRejected)
	addDelta(m.BatchesFlushed, s.BatchesFlushed, m.last.BatchesFlushed)
	m.last = s
}
