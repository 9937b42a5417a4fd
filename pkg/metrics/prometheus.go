// Package metrics provides Prometheus metrics for the resonance sync service
// and its clients.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	defaultRefreshInterval = 10 * time.Second
)

// Manager owns every metric family of the process.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	refreshInterval  time.Duration
	customLabels     map[string]string
	metricPrefix     string
	registry         prometheus.Registerer

	// Clock sync
	calibrations        *prometheus.CounterVec
	probeFailures       prometheus.Counter
	clockOffset         prometheus.Gauge
	clockRTT            prometheus.Gauge
	calibrationDuration prometheus.Histogram

	// Drift and scheduling
	barDrift          prometheus.Histogram
	driftCorrections  *prometheus.CounterVec
	scheduledStarts   prometheus.Counter
	activeVoices      prometheus.Gauge
	coordinatorStates *prometheus.CounterVec

	// Relay
	relayPublished   *prometheus.CounterVec
	relayDropped     prometheus.Counter
	relayDuplicates  prometheus.Counter
	relaySubscribers prometheus.Gauge

	// Sessions
	sessionsCreated prometheus.Counter
	sessionsJoined  prometheus.Counter
	sessionsLeft    prometheus.Counter
	sessionsTotal   prometheus.Gauge
	storeLatency    *prometheus.HistogramVec

	// Diagnostics pipeline
	diagnosticsReceived prometheus.Counter
	queueSize           prometheus.Gauge
	queueCapacity       prometheus.Gauge
	queueEnqueueErrors  prometheus.Counter
	workerCount         prometheus.Gauge
	workerLatency       prometheus.Histogram
	workerErrors        prometheus.Counter

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	errorsByComponent *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a metrics manager and registers its families.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "resonance",
		subsystem:        "sync",
		histogramBuckets: prometheus.DefBuckets,
		enabled:          true,
		refreshInterval:  defaultRefreshInterval,
		customLabels:     make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

// RefreshInterval is how often gauge updaters should sample.
func (m *Manager) RefreshInterval() time.Duration { return m.refreshInterval }

// Enabled reports whether recorders have any effect.
func (m *Manager) Enabled() bool { return m.enabled }

func (m *Manager) name(n string) string { return m.metricPrefix + n }

func (m *Manager) labels() prometheus.Labels {
	if len(m.customLabels) == 0 {
		return nil
	}
	return prometheus.Labels(m.customLabels)
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.labels(),
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.labels(),
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.labels(),
	})
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, Buckets: buckets, ConstLabels: m.labels(),
	})
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every family
	msBuckets := []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000}
	driftBuckets := []float64{-50, -20, -10, -5, -2, -1, 0, 1, 2, 5, 10, 20, 50}

	m.calibrations = m.counterVec("calibrations_total", "Clock calibrations by result", "kind", "result")
	m.probeFailures = m.counter("probe_failures_total", "Time reference probes that failed or timed out")
	m.clockOffset = m.gauge("clock_offset_milliseconds", "Current estimated offset to the time reference")
	m.clockRTT = m.gauge("clock_rtt_milliseconds", "Median round-trip time of the last calibration")
	m.calibrationDuration = m.histogram("calibration_duration_milliseconds", "Wall time spent in one calibration", []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000})

	m.barDrift = m.histogram("bar_drift_milliseconds", "Measured drift against the nearest bar boundary", driftBuckets)
	m.driftCorrections = m.counterVec("drift_corrections_total", "Detune corrections applied", "source")
	m.scheduledStarts = m.counter("scheduled_starts_total", "Audio graphs scheduled on a bar boundary")
	m.activeVoices = m.gauge("active_voices", "Oscillator voices in the current graph")
	m.coordinatorStates = m.counterVec("coordinator_transitions_total", "Coordinator state transitions", "to")

	m.relayPublished = m.counterVec("relay_published_total", "Relay messages published", "type")
	m.relayDropped = m.counter("relay_dropped_total", "Relay deliveries dropped on full subscriber buffers")
	m.relayDuplicates = m.counter("relay_duplicates_total", "Duplicate or own bar marks ignored")
	m.relaySubscribers = m.gauge("relay_subscribers", "Live relay subscriptions")

	m.sessionsCreated = m.counter("sessions_created_total", "Sessions created")
	m.sessionsJoined = m.counter("sessions_joined_total", "Session joins")
	m.sessionsLeft = m.counter("sessions_left_total", "Session leaves")
	m.sessionsTotal = m.gauge("sessions", "Sessions held by the store")
	m.storeLatency = promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name("store_latency_milliseconds"),
		Help: "Session store operation latency", Buckets: msBuckets, ConstLabels: m.labels(),
	}, []string{"op"})

	m.diagnosticsReceived = m.counter("diagnostics_received_total", "Diagnostic reports accepted")
	m.queueSize = m.gauge("diagnostics_queue_size", "Reports waiting in the diagnostics queue")
	m.queueCapacity = m.gauge("diagnostics_queue_capacity", "Capacity of the diagnostics queue")
	m.queueEnqueueErrors = m.counter("diagnostics_enqueue_errors_total", "Reports dropped because the queue was full")
	m.workerCount = m.gauge("diagnostics_workers", "Diagnostics workers running")
	m.workerLatency = m.histogram("diagnostics_write_latency_milliseconds", "Latency writing one report to the sink", msBuckets)
	m.workerErrors = m.counter("diagnostics_write_errors_total", "Reports the sink failed to write")

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests", "endpoint", "method", "status_code")
	m.httpRequestDuration = promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name("http_request_duration_seconds"),
		Help: "HTTP request duration in seconds", Buckets: m.histogramBuckets, ConstLabels: m.labels(),
	}, []string{"endpoint", "method", "status_code"})

	m.errorsByComponent = m.counterVec("errors_total", "Errors by component and type", "component", "error_type")

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "System memory usage in bytes")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
	m.systemGCPauseTime = m.histogram("system_gc_pause_time_milliseconds", "GC pause time in milliseconds",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000})
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

// RecordCalibration records one calibration run. kind is "initial" or "recalibrate".
func RecordCalibration(kind string, ok bool, offset, rtt, took time.Duration) {
	if !globalManager.enabled {
		return
	}
	if !ok {
		globalManager.calibrations.WithLabelValues(kind, "failed").Inc()
		return
	}
	globalManager.calibrations.WithLabelValues(kind, "ok").Inc()
	globalManager.clockOffset.Set(ms(offset))
	globalManager.clockRTT.Set(ms(rtt))
	globalManager.calibrationDuration.Observe(ms(took))
}

// RecordProbeFailure increments the failed probe counter.
func RecordProbeFailure() {
	if globalManager.enabled {
		globalManager.probeFailures.Inc()
	}
}

// RecordBarDrift observes a drift measurement in milliseconds.
func RecordBarDrift(driftMs float64) {
	if globalManager.enabled {
		globalManager.barDrift.Observe(driftMs)
	}
}

// RecordDriftCorrection counts a correction. source is "self" or "peer".
func RecordDriftCorrection(source string) {
	if globalManager.enabled {
		globalManager.driftCorrections.WithLabelValues(source).Inc()
	}
}

// RecordScheduledStart counts a scheduled graph and sets the voice gauge.
func RecordScheduledStart(voices int) {
	if !globalManager.enabled {
		return
	}
	globalManager.scheduledStarts.Inc()
	globalManager.activeVoices.Set(float64(voices))
}

// UpdateActiveVoices sets the voice gauge.
func UpdateActiveVoices(voices int) {
	if globalManager.enabled {
		globalManager.activeVoices.Set(float64(voices))
	}
}

// RecordStateTransition counts a coordinator transition.
func RecordStateTransition(to string) {
	if globalManager.enabled {
		globalManager.coordinatorStates.WithLabelValues(to).Inc()
	}
}

// RecordRelayPublished counts a published relay message.
func RecordRelayPublished(msgType string) {
	if globalManager.enabled {
		globalManager.relayPublished.WithLabelValues(msgType).Inc()
	}
}

// RecordRelayDropped counts a dropped delivery.
func RecordRelayDropped() {
	if globalManager.enabled {
		globalManager.relayDropped.Inc()
	}
}

// RecordRelayDuplicate counts an ignored bar mark.
func RecordRelayDuplicate() {
	if globalManager.enabled {
		globalManager.relayDuplicates.Inc()
	}
}

// UpdateRelaySubscribers sets the subscription gauge.
func UpdateRelaySubscribers(n int) {
	if globalManager.enabled {
		globalManager.relaySubscribers.Set(float64(n))
	}
}

// RecordSessionCreated increments the created counter.
func RecordSessionCreated() {
	if globalManager.enabled {
		globalManager.sessionsCreated.Inc()
	}
}

// RecordSessionJoined increments the join counter.
func RecordSessionJoined() {
	if globalManager.enabled {
		globalManager.sessionsJoined.Inc()
	}
}

// RecordSessionLeft increments the leave counter.
func RecordSessionLeft() {
	if globalManager.enabled {
		globalManager.sessionsLeft.Inc()
	}
}

// UpdateSessionsTotal sets the stored sessions gauge.
func UpdateSessionsTotal(n int) {
	if globalManager.enabled {
		globalManager.sessionsTotal.Set(float64(n))
	}
}

// RecordStoreLatency observes a store operation.
func RecordStoreLatency(op string, d time.Duration) {
	if globalManager.enabled {
		globalManager.storeLatency.WithLabelValues(op).Observe(ms(d))
	}
}

// RecordDiagnosticsReceived counts an accepted report.
func RecordDiagnosticsReceived() {
	if globalManager.enabled {
		globalManager.diagnosticsReceived.Inc()
	}
}

// UpdateQueueSize sets the diagnostics queue depth.
func UpdateQueueSize(size int) {
	if globalManager.enabled {
		globalManager.queueSize.Set(float64(size))
	}
}

// UpdateQueueCapacity sets the diagnostics queue capacity.
func UpdateQueueCapacity(capacity int) {
	if globalManager.enabled {
		globalManager.queueCapacity.Set(float64(capacity))
	}
}

// RecordQueueEnqueueError counts a report dropped on a full queue.
func RecordQueueEnqueueError() {
	if globalManager.enabled {
		globalManager.queueEnqueueErrors.Inc()
	}
}

// UpdateWorkerCount sets the diagnostics worker gauge.
func UpdateWorkerCount(count int) {
	if globalManager.enabled {
		globalManager.workerCount.Set(float64(count))
	}
}

// RecordWorkerProcessingLatency observes a sink write.
func RecordWorkerProcessingLatency(d time.Duration) {
	if globalManager.enabled {
		globalManager.workerLatency.Observe(ms(d))
	}
}

// RecordWorkerError counts a failed sink write.
func RecordWorkerError() {
	if globalManager.enabled {
		globalManager.workerErrors.Inc()
	}
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	if globalManager.enabled {
		globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
	}
}

// RecordHTTPRequestDuration records HTTP request duration in seconds.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	if globalManager.enabled {
		globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
	}
}

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	if globalManager.enabled {
		globalManager.errorsByComponent.WithLabelValues(component, errorType).Inc()
	}
}

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	if globalManager.enabled {
		globalManager.systemMemoryUsage.Set(float64(bytes))
	}
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	if globalManager.enabled {
		globalManager.systemGoroutineCount.Set(float64(count))
	}
}

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) {
	if globalManager.enabled {
		globalManager.systemGCPauseTime.Observe(pauseMs)
	}
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}

// Default returns the process-wide manager.
func Default() *Manager { return globalManager }
