package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for SPARK runtime metrics
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	requestsTotal  *prometheus.CounterVec
	coldSwitches   prometheus.Counter
	warmSwitches   prometheus.Counter
	modelsLoaded   prometheus.Counter
	modelsEvicted  prometheus.Counter
	switchHitTotal prometheus.Counter

	// Histograms
	requestDuration    *prometheus.HistogramVec
	modelSwitchLatency *prometheus.HistogramVec
	vsockLatency       *prometheus.HistogramVec

	// Gauges
	uptime          prometheus.GaugeFunc
	poolSize        *prometheus.GaugeVec
	poolUtilization prometheus.Gauge
	activeRequests  prometheus.Gauge
	modelsResident  prometheus.Gauge

	// Admission control
	admissionTotal *prometheus.CounterVec
	shedTotal      *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
	queueWaitMs    *prometheus.GaugeVec

	// Circuit breaker
	circuitBreakerState      *prometheus.GaugeVec
	circuitBreakerTripsTotal *prometheus.CounterVec
}

// Default histogram buckets for request duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of inference requests",
			},
			[]string{"model", "status"},
		),

		coldSwitches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cold_switches_total",
				Help:      "Total number of requests requiring a cold model switch",
			},
		),

		warmSwitches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "warm_switches_total",
				Help:      "Total number of requests served by an already-resident model",
			},
		),

		modelsLoaded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "models_loaded_total",
				Help:      "Total models loaded into the pool",
			},
		),

		modelsEvicted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "models_evicted_total",
				Help:      "Total models evicted from the pool",
			},
		),

		switchHitTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "switch_preloaded_total",
				Help:      "Total switch_to calls served without a load (already warm)",
			},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_milliseconds",
				Help:      "Duration of inference requests in milliseconds",
				Buckets:   buckets,
			},
			[]string{"model", "cold_switch"},
		),

		modelSwitchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "model_switch_duration_milliseconds",
				Help:      "Duration of a pool switch_to call (load or activation) in milliseconds",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
			},
			[]string{"model", "preloaded"},
		),

		vsockLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "vsock_latency_milliseconds",
				Help:      "Latency of vsock operations against a remote backend, in milliseconds",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 25, 50, 100},
			},
			[]string{"operation"}, // connect, send, receive
		),

		poolSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_entries",
				Help:      "Current model pool entry count by state",
			},
			[]string{"state"}, // loading, warm, ready, evicting
		),

		poolUtilization: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_utilization_ratio",
				Help:      "Resident memory used / max_memory_bytes",
			},
		),

		activeRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_requests",
				Help:      "Number of requests currently being generated",
			},
		),

		modelsResident: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "models_resident",
				Help:      "Total number of models currently resident in the pool",
			},
		),

		admissionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_total",
				Help:      "Admission decisions by result and reason",
			},
			[]string{"model", "result", "reason"},
		),

		shedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "shed_total",
				Help:      "Load shedding events",
			},
			[]string{"model", "reason"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current admission queue depth by priority class",
			},
			[]string{"priority"},
		),

		queueWaitMs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_wait_milliseconds",
				Help:      "Last observed queue wait in milliseconds by priority class",
			},
			[]string{"priority"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"model"},
		),

		circuitBreakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total circuit breaker state transitions",
			},
			[]string{"model", "to_state"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the SPARK daemon started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.requestsTotal,
		pm.coldSwitches,
		pm.warmSwitches,
		pm.modelsLoaded,
		pm.modelsEvicted,
		pm.switchHitTotal,
		pm.requestDuration,
		pm.modelSwitchLatency,
		pm.vsockLatency,
		pm.uptime,
		pm.poolSize,
		pm.poolUtilization,
		pm.activeRequests,
		pm.modelsResident,
		pm.admissionTotal,
		pm.shedTotal,
		pm.queueDepth,
		pm.queueWaitMs,
		pm.circuitBreakerState,
		pm.circuitBreakerTripsTotal,
	)

	promMetrics = pm
}

// RecordPrometheusRequest records a terminal request frame in Prometheus collectors
func RecordPrometheusRequest(modelID string, durationMs int64, coldSwitch bool, success bool, cancelled bool) {
	if promMetrics == nil {
		return
	}

	status := "success"
	switch {
	case cancelled:
		status = "cancelled"
	case !success:
		status = "failed"
	}
	promMetrics.requestsTotal.WithLabelValues(modelID, status).Inc()

	if coldSwitch {
		promMetrics.coldSwitches.Inc()
	} else {
		promMetrics.warmSwitches.Inc()
	}

	coldLabel := "false"
	if coldSwitch {
		coldLabel = "true"
	}
	promMetrics.requestDuration.WithLabelValues(modelID, coldLabel).Observe(float64(durationMs))
}

// RecordPrometheusModelLoaded records a model load into the pool
func RecordPrometheusModelLoaded() {
	if promMetrics == nil {
		return
	}
	promMetrics.modelsLoaded.Inc()
}

// RecordPrometheusModelEvicted records a model eviction from the pool
func RecordPrometheusModelEvicted() {
	if promMetrics == nil {
		return
	}
	promMetrics.modelsEvicted.Inc()
}

// RecordPrometheusSwitch records a pool switch_to call
func RecordPrometheusSwitch(wasPreloaded bool, latencyMs float64) {
	if promMetrics == nil {
		return
	}
	if wasPreloaded {
		promMetrics.switchHitTotal.Inc()
	}
	preloadedLabel := "false"
	if wasPreloaded {
		preloadedLabel = "true"
	}
	promMetrics.modelSwitchLatency.WithLabelValues("", preloadedLabel).Observe(latencyMs)
}

// RecordModelSwitchLatency records the latency of a specific model's switch_to call.
func RecordModelSwitchLatency(modelID string, wasPreloaded bool, latencyMs float64) {
	if promMetrics == nil {
		return
	}
	preloadedLabel := "false"
	if wasPreloaded {
		preloadedLabel = "true"
	}
	promMetrics.modelSwitchLatency.WithLabelValues(modelID, preloadedLabel).Observe(latencyMs)
}

// RecordVsockLatency records vsock operation latency against a remote backend.
func RecordVsockLatency(operation string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.vsockLatency.WithLabelValues(operation).Observe(durationMs)
}

// SetPoolSize sets the current pool entry gauge for a given entry state.
func SetPoolSize(state string, count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolSize.WithLabelValues(state).Set(float64(count))
}

// SetPoolUtilization sets the resident-memory utilization ratio gauge.
func SetPoolUtilization(ratio float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolUtilization.Set(ratio)
}

// IncActiveRequests increments the active requests counter
func IncActiveRequests() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRequests.Inc()
}

// DecActiveRequests decrements the active requests counter
func DecActiveRequests() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRequests.Dec()
}

// SetModelsResident sets the total number of models currently resident in the pool.
func SetModelsResident(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.modelsResident.Set(float64(count))
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors)
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}

// RecordAdmissionResult records request admission/rejection decisions.
func RecordAdmissionResult(modelID, result, reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.admissionTotal.WithLabelValues(modelID, result, reason).Inc()
}

// RecordShed records load-shedding events for a model.
func RecordShed(modelID, reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.shedTotal.WithLabelValues(modelID, reason).Inc()
}

// SetQueueDepth sets the queue depth gauge for a priority class.
func SetQueueDepth(priority string, depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDepth.WithLabelValues(priority).Set(float64(depth))
}

// SetQueueWaitMs sets the latest queue wait duration gauge for a priority class.
func SetQueueWaitMs(priority string, waitMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueWaitMs.WithLabelValues(priority).Set(float64(waitMs))
}

// SetCircuitBreakerState sets the circuit breaker state gauge for a model.
// state: 0=closed, 1=open, 2=half_open
func SetCircuitBreakerState(modelID string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerState.WithLabelValues(modelID).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker state transition.
func RecordCircuitBreakerTrip(modelID, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerTripsTotal.WithLabelValues(modelID, toState).Inc()
}
