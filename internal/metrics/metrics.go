// Package metrics collects and exposes SPARK runtime observability data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (per-model counters + time series),
//     exposed as JSON by JSONHandler and TimeSeriesHandler.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems (Grafana, Alertmanager, etc.), exposed by
//     PrometheusHandler.
//
// The daemon starts no HTTP server, so none of these handlers is served
// by it; `sparkctl status` reads the IPC health report instead.
//
// # Concurrency — hot path
//
// RecordRequestWithDetails is called from the streaming engine on every
// terminal frame and must be as fast as possible. It uses atomic increments
// for global counters and dispatches a lightweight event onto a buffered
// channel (tsChan) for the time-series worker to process asynchronously.
// This avoids holding any lock on the hot path.
//
// The per-model ModelMetrics struct also uses atomic operations
// exclusively; the sync.Map that stores the per-model entries is
// read-heavy and write-once-per-new-model, which is the ideal use case
// for sync.Map.
//
// # Invariants
//
//   - TotalRequests == SuccessRequests + FailedRequests (maintained
//     by RecordRequest and RecordRequestWithDetails).
//   - ColdSwitches + WarmSwitches == TotalRequests.
//   - The time-series ring buffer holds at most timeSeriesBucketCount buckets
//     (24 * 60 = 1440 for the last 24 hours at 1-minute granularity).
//   - tsChan capacity is 8192 events; events dropped when full are counted
//     in tsDroppedEvents for observability.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 24 * 60
)

// TimeSeriesBucket stores metrics for a single time bucket
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Requests     int64
	Errors       int64
	TotalLatency int64
	Count        int64 // for calculating avg
}

// Metrics collects and exposes SPARK runtime metrics
type Metrics struct {
	// Request metrics
	TotalRequests   atomic.Int64
	SuccessRequests atomic.Int64
	FailedRequests  atomic.Int64
	ColdSwitches    atomic.Int64
	WarmSwitches    atomic.Int64
	CancelledTotal  atomic.Int64

	// Latency metrics (in milliseconds)
	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	// Model-switch metrics
	SwitchesTotal  atomic.Int64
	ModelsLoaded   atomic.Int64
	ModelsEvicted  atomic.Int64

	// Per-model metrics
	modelMetrics sync.Map // modelID -> *ModelMetrics

	// Time-series data (minute buckets for last 24 hours)
	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

// timeSeriesEvent is sent over a channel to avoid write-lock contention on the hot path
type timeSeriesEvent struct {
	durationMs int64
	isError    bool
}

// ModelMetrics tracks metrics for a single model id
type ModelMetrics struct {
	Requests   atomic.Int64
	Successes  atomic.Int64
	Failures   atomic.Int64
	ColdSwitch atomic.Int64
	WarmSwitch atomic.Int64
	TotalMs    atomic.Int64
	MinMs      atomic.Int64
	MaxMs      atomic.Int64
}

// Global metrics instance
var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1)) // Max int64
	global.tsChan = make(chan timeSeriesEvent, 8192)
	global.initTimeSeries()
	go global.processTimeSeriesLoop()
}

// initTimeSeries initializes minute-level buckets for the last 24 hours.
func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)
	m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
	for i := 0; i < timeSeriesBucketCount; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
		}
	}
}

// Global returns the global metrics instance
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized
func StartTime() time.Time {
	return global.startTime
}

// RecordRequest records a request result
func (m *Metrics) RecordRequest(modelID string, durationMs int64, coldSwitch bool, success bool) {
	m.RecordRequestWithDetails(modelID, durationMs, coldSwitch, success, false)
}

// RecordRequestWithDetails records a request terminal frame with per-model labels for Prometheus.
func (m *Metrics) RecordRequestWithDetails(modelID string, durationMs int64, coldSwitch bool, success bool, cancelled bool) {
	m.TotalRequests.Add(1)

	if success {
		m.SuccessRequests.Add(1)
	} else {
		m.FailedRequests.Add(1)
	}
	if cancelled {
		m.CancelledTotal.Add(1)
	}

	if coldSwitch {
		m.ColdSwitches.Add(1)
	} else {
		m.WarmSwitches.Add(1)
	}

	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	// Per-model metrics
	mm := m.getModelMetrics(modelID)
	mm.Requests.Add(1)
	if success {
		mm.Successes.Add(1)
	} else {
		mm.Failures.Add(1)
	}
	if coldSwitch {
		mm.ColdSwitch.Add(1)
	} else {
		mm.WarmSwitch.Add(1)
	}
	mm.TotalMs.Add(durationMs)
	updateMin(&mm.MinMs, durationMs)
	updateMax(&mm.MaxMs, durationMs)

	// Time series recording
	m.recordTimeSeries(durationMs, !success)

	// Prometheus bridge
	RecordPrometheusRequest(modelID, durationMs, coldSwitch, success, cancelled)
}

// recordTimeSeries enqueues a time-series event for async processing,
// avoiding a write-lock on the hot request path.
func (m *Metrics) recordTimeSeries(durationMs int64, isError bool) {
	select {
	case m.tsChan <- timeSeriesEvent{durationMs: durationMs, isError: isError}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

// processTimeSeriesLoop drains tsChan and applies events under a write lock.
func (m *Metrics) processTimeSeriesLoop() {
	for evt := range m.tsChan {
		m.applyTimeSeriesEvent(evt.durationMs, evt.isError)
	}
}

// applyTimeSeriesEvent updates the time-series buckets (must be called from a single goroutine).
func (m *Metrics) applyTimeSeriesEvent(durationMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)

	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		bucketsDiff := int(now.Sub(lastBucket.Timestamp) / timeSeriesBucketDuration)

		if bucketsDiff > 0 {
			if bucketsDiff >= timeSeriesBucketCount {
				m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
				for i := 0; i < timeSeriesBucketCount; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
					}
				}
			} else {
				m.timeSeries = m.timeSeries[bucketsDiff:]
				for i := 0; i < bucketsDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * timeSeriesBucketDuration),
					})
				}
			}
		}
	}

	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Requests++
		bucket.TotalLatency += durationMs
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

// RecordModelLoaded records a model being loaded into the pool
func (m *Metrics) RecordModelLoaded() {
	m.ModelsLoaded.Add(1)
	RecordPrometheusModelLoaded()
}

// RecordModelEvicted records a model being evicted from the pool
func (m *Metrics) RecordModelEvicted() {
	m.ModelsEvicted.Add(1)
	RecordPrometheusModelEvicted()
}

// RecordSwitch records a pool switch_to call (hit or miss)
func (m *Metrics) RecordSwitch(wasPreloaded bool, latencyMs float64) {
	m.SwitchesTotal.Add(1)
	RecordPrometheusSwitch(wasPreloaded, latencyMs)
}

func (m *Metrics) getModelMetrics(modelID string) *ModelMetrics {
	if v, ok := m.modelMetrics.Load(modelID); ok {
		return v.(*ModelMetrics)
	}

	mm := &ModelMetrics{}
	mm.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.modelMetrics.LoadOrStore(modelID, mm)
	return actual.(*ModelMetrics)
}

// GetModelMetrics returns the metrics for a specific model (or nil if none recorded yet)
func (m *Metrics) GetModelMetrics(modelID string) *ModelMetrics {
	if v, ok := m.modelMetrics.Load(modelID); ok {
		return v.(*ModelMetrics)
	}
	return nil
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalRequests.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"requests": map[string]interface{}{
			"total":     total,
			"success":   m.SuccessRequests.Load(),
			"failed":    m.FailedRequests.Load(),
			"cancelled": m.CancelledTotal.Load(),
			"cold":      m.ColdSwitches.Load(),
			"warm":      m.WarmSwitches.Load(),
			"cold_pct":  coldSwitchPercentage(m.ColdSwitches.Load(), total),
		},
		"latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"pool": map[string]interface{}{
			"loaded":  m.ModelsLoaded.Load(),
			"evicted": m.ModelsEvicted.Load(),
			"switches": m.SwitchesTotal.Load(),
		},
		"ts_dropped_events": m.tsDroppedEvents.Load(),
	}
}

// ModelStats returns per-model metrics
func (m *Metrics) ModelStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.modelMetrics.Range(func(key, value interface{}) bool {
		modelID := key.(string)
		mm := value.(*ModelMetrics)

		total := mm.Requests.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(mm.TotalMs.Load()) / float64(total)
		}

		minMs := mm.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[modelID] = map[string]interface{}{
			"requests":    total,
			"successes":   mm.Successes.Load(),
			"failures":    mm.Failures.Load(),
			"cold_switch": mm.ColdSwitch.Load(),
			"warm_switch": mm.WarmSwitch.Load(),
			"avg_ms":      avgMs,
			"min_ms":      minMs,
			"max_ms":      mm.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["models"] = m.ModelStats()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeries returns minute-level time-series data for the last 24 hours.
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgDuration := float64(0)
		if bucket.Count > 0 {
			avgDuration = float64(bucket.TotalLatency) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"requests":     bucket.Requests,
			"errors":       bucket.Errors,
			"avg_duration": avgDuration,
		}
	}
	return result
}

// TimeSeriesHandler returns an HTTP handler for time-series metrics
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

// Helper functions

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func coldSwitchPercentage(cold, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(cold) / float64(total) * 100
}
