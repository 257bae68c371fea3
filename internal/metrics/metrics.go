// =============================================================================
// OBSERVABILITY WITH PROMETHEUS - CORE METRICS INFRASTRUCTURE
// =============================================================================
//
// WHAT IS OBSERVABILITY?
// Observability is the ability to understand a system's internal state by
// examining its external outputs. For a write buffer sitting between
// producers and a slow backend, the questions that matter are:
//
//   - How deep are the lanes right now? (gauge)
//   - How close are we to the admission ceiling? (backpressure gauge)
//   - How many operations were committed / failed / deduplicated? (counters)
//   - How long do batch flushes take? (histogram)
//
// WHAT IS PROMETHEUS?
// Prometheus is a time-series database and monitoring system. It:
//   1. SCRAPES metrics from your application's /metrics endpoint
//   2. STORES them in a time-series database
//   3. Allows QUERYING via PromQL
//   4. Triggers ALERTS based on conditions
//
// PULL vs PUSH MODEL:
//
//   PUSH MODEL (StatsD, Graphite):
//   ┌─────────┐  push   ┌─────────────┐
//   │   App   │────────►│  Collector  │
//   └─────────┘         └─────────────┘
//   - App decides when to send
//   - Network spikes possible
//   - Hard to know if app is dead
//
//   PULL MODEL (Prometheus):
//   ┌─────────┐  scrape ┌─────────────┐
//   │   App   │◄────────│ Prometheus  │
//   │ /metrics│         │   Server    │
//   └─────────┘         └─────────────┘
//   - Prometheus controls pace
//   - Constant network load
//   - Missing scrape = app might be down
//   - Simpler application code
//
// METRIC TYPES IN PROMETHEUS:
//
//   ┌─────────────────────────────────────────────────────────────────────────┐
//   │                      PROMETHEUS METRIC TYPES                            │
//   │                                                                         │
//   │   COUNTER                                                               │
//   │   ────────                                                              │
//   │   - Only goes up (or resets to 0 on restart)                            │
//   │   - Use for: operations committed, failures, rejections                 │
//   │   - Example: bufferd_buffer_ops_committed_total                         │
//   │                                                                         │
//   │   GAUGE                                                                 │
//   │   ─────                                                                 │
//   │   - Can go up or down                                                   │
//   │   - Use for: current values, queue depth, backpressure                  │
//   │   - Example: bufferd_buffer_backpressure_percent                        │
//   │                                                                         │
//   │   HISTOGRAM                                                             │
//   │   ─────────                                                             │
//   │   - Samples observations into configurable buckets                      │
//   │   - Use for: latencies, batch sizes                                     │
//   │   - Creates 3 metrics: _bucket, _sum, _count                            │
//   │   - Example: bufferd_flush_latency_seconds                              │
//   │                                                                         │
//   └─────────────────────────────────────────────────────────────────────────┘
//
// LABELS (DIMENSIONS):
// Labels add dimensions to metrics. Be CAREFUL with cardinality!
//
//   GOOD LABELS (bounded cardinality):
//   - lane (exactly four: retry, high, normal, bulk)
//   - status (success, failure)
//
//   BAD LABELS (unbounded cardinality):
//   - op_id (millions - NEVER!)
//   - batch_id (unbounded)
//   - dedup_key (unbounded)
//
// NAMING CONVENTIONS:
// We follow Prometheus naming conventions:
//
//   {namespace}_{subsystem}_{name}_{unit}
//
//   - namespace: bufferd (the application)
//   - subsystem: buffer, flush
//   - name: descriptive name
//   - unit: seconds, percent, total (for counters)
//
//   Examples:
//   - bufferd_buffer_queued_operations
//   - bufferd_buffer_ops_committed_total
//   - bufferd_flush_latency_seconds
//
// =============================================================================

package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =============================================================================
// METRICS REGISTRY
// =============================================================================
//
// The Registry is a container for all metrics. Prometheus client uses a global
// default registry, but we create our own for:
//   - Testing isolation (each test gets fresh registry)
//   - Custom collectors (Go runtime stats, process stats)
//
// =============================================================================

// Registry holds all bufferd metrics and the Prometheus registry.
//
// WHY WRAP prometheus.Registry?
//   - Provides single initialization point
//   - Groups related metrics by subsystem
//   - Simplifies access from the flusher and API
//   - Allows metrics to be disabled via config
type Registry struct {
	// promRegistry is the underlying Prometheus registry
	promRegistry *prometheus.Registry

	// config holds metrics configuration
	config Config

	// logger for metrics operations
	logger *slog.Logger

	// enabled tracks if metrics collection is enabled
	enabled bool

	// Subsystem metrics - grouped for clarity
	Buffer *BufferMetrics
	Flush  *FlushMetrics
}

// Config holds metrics configuration.
type Config struct {
	// Enabled turns metrics collection on/off
	// When disabled, all metric operations are no-ops
	Enabled bool

	// Namespace is the prefix for all metrics (default: "bufferd")
	Namespace string

	// IncludeGoCollector adds Go runtime metrics (goroutines, GC, memory)
	IncludeGoCollector bool

	// IncludeProcessCollector adds process metrics (CPU, memory, file descriptors)
	IncludeProcessCollector bool

	// HistogramBuckets for flush latency measurements (in seconds)
	HistogramBuckets []float64
}

// DefaultConfig returns sensible defaults for metrics configuration.
//
// BUCKET DESIGN:
// A batch flush is one HTTP round-trip to the conductor plus its processing
// time, so the interesting range is milliseconds to several seconds.
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		Namespace:               "bufferd",
		IncludeGoCollector:      true,
		IncludeProcessCollector: true,
		HistogramBuckets: []float64{
			0.005, // 5ms - local conductor, tiny batch
			0.01,  // 10ms
			0.025, // 25ms
			0.05,  // 50ms
			0.1,   // 100ms
			0.25,  // 250ms
			0.5,   // 500ms
			1,     // 1s
			2.5,   // 2.5s
			5,     // 5s
			10,    // 10s - slow conductor / large batch
		},
	}
}

// NewRegistry creates a new metrics registry.
func NewRegistry(config Config) *Registry {
	logger := slog.Default().With("component", "metrics")

	r := &Registry{
		promRegistry: prometheus.NewRegistry(),
		config:       config,
		logger:       logger,
		enabled:      config.Enabled,
	}

	if !config.Enabled {
		logger.Info("metrics collection disabled")
		return r
	}

	// Register standard collectors
	//
	// GO COLLECTOR:
	// Exposes Go runtime metrics:
	//   - go_goroutines: Number of goroutines
	//   - go_gc_duration_seconds: GC pause duration
	//   - go_memstats_*: Memory statistics
	if config.IncludeGoCollector {
		r.promRegistry.MustRegister(collectors.NewGoCollector())
	}

	// PROCESS COLLECTOR:
	// Exposes process metrics:
	//   - process_cpu_seconds_total: CPU usage
	//   - process_resident_memory_bytes: Memory usage
	//   - process_open_fds: Open file descriptors
	if config.IncludeProcessCollector {
		r.promRegistry.MustRegister(collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		))
	}

	// Initialize subsystem metrics
	r.Buffer = newBufferMetrics(r)
	r.Flush = newFlushMetrics(r)

	logger.Info("metrics registry initialized", "namespace", config.Namespace)

	return r
}

// =============================================================================
// HTTP HANDLER
// =============================================================================
//
// The /metrics endpoint serves metrics in Prometheus exposition format.
// Prometheus scrapes this endpoint at regular intervals (default: 15s).
//
// EXPOSITION FORMAT:
//
//   # HELP bufferd_buffer_ops_committed_total Operations acknowledged by the conductor
//   # TYPE bufferd_buffer_ops_committed_total counter
//   bufferd_buffer_ops_committed_total 12345
//
// =============================================================================

// Handler returns an HTTP handler for the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	if !r.enabled {
		// Return empty handler if metrics disabled
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("# Metrics disabled\n"))
		})
	}

	return promhttp.HandlerFor(r.promRegistry, promhttp.HandlerOpts{
		// EnableOpenMetrics enables the OpenMetrics format
		EnableOpenMetrics: true,

		// ErrorLog logs errors during metric collection
		ErrorLog: &promLogger{logger: r.logger},

		// Registry is the source of metrics
		Registry: r.promRegistry,
	})
}

// promLogger adapts slog to Prometheus error logging interface.
type promLogger struct {
	logger *slog.Logger
}

func (l *promLogger) Println(v ...interface{}) {
	l.logger.Error("prometheus handler error", "error", v)
}

// =============================================================================
// UTILITY METHODS
// =============================================================================

// Enabled returns true if metrics collection is enabled.
func (r *Registry) Enabled() bool {
	return r.enabled
}

// Namespace returns the configured namespace.
func (r *Registry) Namespace() string {
	return r.config.Namespace
}

// PrometheusRegistry returns the underlying Prometheus registry.
// Use sparingly - prefer using the subsystem metrics.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.promRegistry
}

// =============================================================================
// METRIC REGISTRATION HELPERS
// =============================================================================
//
// These helpers create metrics with consistent naming and labels.
// They handle:
//   - Namespacing (bufferd_)
//   - Subsystem prefixing (buffer_, flush_)
//   - Registration with the registry
//   - Error handling (panic on duplicate registration)
//

// newCounter creates and registers a new counter metric.
func (r *Registry) newCounter(opts prometheus.CounterOpts) prometheus.Counter {
	opts.Namespace = r.config.Namespace
	counter := prometheus.NewCounter(opts)
	r.promRegistry.MustRegister(counter)
	return counter
}

// newCounterVec creates and registers a new counter vector (with labels).
func (r *Registry) newCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
	opts.Namespace = r.config.Namespace
	counterVec := prometheus.NewCounterVec(opts, labelNames)
	r.promRegistry.MustRegister(counterVec)
	return counterVec
}

// newGauge creates and registers a new gauge metric.
func (r *Registry) newGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	opts.Namespace = r.config.Namespace
	gauge := prometheus.NewGauge(opts)
	r.promRegistry.MustRegister(gauge)
	return gauge
}

// newGaugeVec creates and registers a new gauge vector (with labels).
func (r *Registry) newGaugeVec(opts prometheus.GaugeOpts, labelNames []string) *prometheus.GaugeVec {
	opts.Namespace = r.config.Namespace
	gaugeVec := prometheus.NewGaugeVec(opts, labelNames)
	r.promRegistry.MustRegister(gaugeVec)
	return gaugeVec
}

// newHistogram creates and registers a new histogram metric.
//
// BUCKET SELECTION IS CRITICAL:
//   - Too few buckets = inaccurate percentiles
//   - Too many buckets = higher cardinality
//   - Buckets should be dense around expected values
func (r *Registry) newHistogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	opts.Namespace = r.config.Namespace
	if opts.Buckets == nil {
		opts.Buckets = r.config.HistogramBuckets
	}
	histogram := prometheus.NewHistogram(opts)
	r.promRegistry.MustRegister(histogram)
	return histogram
}

// =============================================================================
// TIMING HELPERS
// =============================================================================
//
// USAGE PATTERN:
//
//	timer := metrics.NewTimer(reg.Flush.Latency)
//	defer timer.ObserveDuration()
//	// ... flush the batch ...
//

// Timer measures the duration of an operation.
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

// NewTimer creates a new timer that will observe the given histogram/summary.
func NewTimer(observer prometheus.Observer) *Timer {
	return &Timer{
		start:    time.Now(),
		observer: observer,
	}
}

// ObserveDuration records the elapsed time since the timer was created.
// Typically called with defer.
func (t *Timer) ObserveDuration() time.Duration {
	elapsed := time.Since(t.start)
	if t.observer != nil {
		t.observer.Observe(elapsed.Seconds())
	}
	return elapsed
}
