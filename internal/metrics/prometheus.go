// Package metrics provides Prometheus collectors for the hostsweep pipeline.
// Every collector lives on a private registry so tests and embedded uses do
// not collide with the global default registry. All recording methods are
// safe to call on a nil *PrometheusMetrics, which disables collection.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "hostsweep"

	subsystemPipeline = "pipeline"
	subsystemStage    = "stage"
	subsystemWhois    = "whois"
	subsystemDatabase = "database"
	subsystemSystem   = "system"
)

// Host outcomes, used as the "outcome" label.
const (
	OutcomeSuccess = "success"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// PrometheusMetrics holds all Prometheus metric collectors.
type PrometheusMetrics struct {
	hostsTotal     *prometheus.CounterVec
	runsTotal      *prometheus.CounterVec
	batchesTotal   *prometheus.CounterVec
	activeBatches  prometheus.Gauge
	runDuration    prometheus.Histogram
	invalidTargets prometheus.Counter

	stageDuration     *prometheus.HistogramVec
	stageDegradations *prometheus.CounterVec

	whoisCacheHits    prometheus.Counter
	whoisCacheMisses  prometheus.Counter
	whoisCacheEntries prometheus.Gauge

	dbTxDuration *prometheus.HistogramVec
	dbErrors     *prometheus.CounterVec

	uptime prometheus.GaugeFunc

	startTime time.Time
	registry  *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors.
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initPipelineMetrics()
	pm.initStageMetrics()
	pm.initWhoisMetrics()
	pm.initDatabaseMetrics()
	pm.initSystemMetrics()

	pm.registerMetrics()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

func (pm *PrometheusMetrics) initPipelineMetrics() {
	pm.hostsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemPipeline,
			Name:      "hosts_total",
			Help:      "Hosts processed by outcome",
		},
		[]string{"outcome"},
	)

	pm.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemPipeline,
			Name:      "runs_total",
			Help:      "Pipeline runs by profile and status",
		},
		[]string{"profile", "status"},
	)

	pm.batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemPipeline,
			Name:      "batches_total",
			Help:      "Batches processed by status",
		},
		[]string{"status"},
	)

	pm.activeBatches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemPipeline,
			Name:      "active_batches",
			Help:      "Number of batches currently holding a scheduler slot",
		},
	)

	pm.runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemPipeline,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of pipeline runs",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		},
	)

	pm.invalidTargets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemPipeline,
			Name:      "invalid_inputs_total",
			Help:      "Input entries dropped because they were not dotted-quad IPv4",
		},
	)
}

func (pm *PrometheusMetrics) initStageMetrics() {
	pm.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemStage,
			Name:      "duration_seconds",
			Help:      "Duration of per-host stages",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 15, 30},
		},
		[]string{"stage"},
	)

	pm.stageDegradations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemStage,
			Name:      "degradations_total",
			Help:      "Stages that fell back to their default value, by stage and reason",
		},
		[]string{"stage", "reason"},
	)
}

func (pm *PrometheusMetrics) initWhoisMetrics() {
	pm.whoisCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemWhois,
		Name:      "cache_hits_total",
		Help:      "WHOIS lookups answered from the run cache",
	})
	pm.whoisCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemWhois,
		Name:      "cache_misses_total",
		Help:      "WHOIS lookups that went to the network",
	})
	pm.whoisCacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemWhois,
		Name:      "cache_entries",
		Help:      "Entries currently held in the WHOIS cache",
	})
}

func (pm *PrometheusMetrics) initDatabaseMetrics() {
	pm.dbTxDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "transaction_duration_seconds",
			Help:      "Duration of database transactions",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"operation", "status"},
	)

	pm.dbErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "errors_total",
			Help:      "Database errors by operation and error code",
		},
		[]string{"operation", "code"},
	)
}

func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Seconds since the metrics instance was created",
		},
		func() float64 { return time.Since(pm.startTime).Seconds() },
	)
}

func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.hostsTotal,
		pm.runsTotal,
		pm.batchesTotal,
		pm.activeBatches,
		pm.runDuration,
		pm.invalidTargets,
		pm.stageDuration,
		pm.stageDegradations,
		pm.whoisCacheHits,
		pm.whoisCacheMisses,
		pm.whoisCacheEntries,
		pm.dbTxDuration,
		pm.dbErrors,
		pm.uptime,
	)
}

// GetRegistry returns the Prometheus registry for HTTP handler.
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	if pm == nil {
		return nil
	}
	return pm.registry
}

// Handler serves the private registry in the Prometheus exposition format.
func (pm *PrometheusMetrics) Handler() http.Handler {
	if pm == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

// IncrementHosts counts count hosts with the given outcome.
func (pm *PrometheusMetrics) IncrementHosts(outcome string, count int) {
	if pm == nil || count <= 0 {
		return
	}
	pm.hostsTotal.WithLabelValues(outcome).Add(float64(count))
}

// RecordRun records a finished run.
func (pm *PrometheusMetrics) RecordRun(profile, status string, duration time.Duration) {
	if pm == nil {
		return
	}
	pm.runsTotal.WithLabelValues(profile, status).Inc()
	pm.runDuration.Observe(duration.Seconds())
}

// IncrementInvalidInputs counts entries dropped during normalisation.
func (pm *PrometheusMetrics) IncrementInvalidInputs(count int) {
	if pm == nil || count <= 0 {
		return
	}
	pm.invalidTargets.Add(float64(count))
}

// IncrementBatches counts a batch by status (complete or error).
func (pm *PrometheusMetrics) IncrementBatches(status string) {
	if pm == nil {
		return
	}
	pm.batchesTotal.WithLabelValues(status).Inc()
}

// BatchStarted and BatchFinished bracket a batch holding a scheduler slot.
func (pm *PrometheusMetrics) BatchStarted() {
	if pm == nil {
		return
	}
	pm.activeBatches.Inc()
}

// BatchFinished releases the active batch gauge.
func (pm *PrometheusMetrics) BatchFinished() {
	if pm == nil {
		return
	}
	pm.activeBatches.Dec()
}

// RecordStageDuration observes how long a per-host stage took.
func (pm *PrometheusMetrics) RecordStageDuration(stage string, duration time.Duration) {
	if pm == nil {
		return
	}
	pm.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// IncrementStageDegradations counts a stage that fell back to its default.
func (pm *PrometheusMetrics) IncrementStageDegradations(stage, reason string) {
	if pm == nil {
		return
	}
	pm.stageDegradations.WithLabelValues(stage, reason).Inc()
}

// RecordWhoisCache records a cache hit or miss.
func (pm *PrometheusMetrics) RecordWhoisCache(hit bool) {
	if pm == nil {
		return
	}
	if hit {
		pm.whoisCacheHits.Inc()
		return
	}
	pm.whoisCacheMisses.Inc()
}

// SetWhoisCacheEntries sets the cache size gauge.
func (pm *PrometheusMetrics) SetWhoisCacheEntries(n int) {
	if pm == nil {
		return
	}
	pm.whoisCacheEntries.Set(float64(n))
}

// RecordTransaction observes a database transaction.
func (pm *PrometheusMetrics) RecordTransaction(operation string, duration time.Duration, success bool) {
	if pm == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	pm.dbTxDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
}

// IncrementDatabaseErrors counts a database error by code.
func (pm *PrometheusMetrics) IncrementDatabaseErrors(operation, code string) {
	if pm == nil {
		return
	}
	pm.dbErrors.WithLabelValues(operation, code).Inc()
}

// GetUptime returns the time since the instance was created.
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	if pm == nil {
		return 0
	}
	return time.Since(pm.startTime)
}

var (
	globalMetrics *PrometheusMetrics
	metricsOnce   sync.Once
)

// GetGlobalMetrics returns the process-wide metrics instance.
func GetGlobalMetrics() *PrometheusMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewPrometheusMetrics()
	})
	return globalMetrics
}
