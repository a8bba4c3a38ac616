package metrics

import (
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpLabels   = []string{"method", "route", "status"}
	routeLabels  = []string{"method", "route"}
	checkLabels  = []string{"check_name"}
	sizeBuckets  = prometheus.ExponentialBuckets(100, 10, 7)
	lockBuckets  = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1}
	httpBuckets  = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
	probeBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1}
)

// Metrics holds the Prometheus metrics of the service, all registered on a
// private registry served by the metrics server.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry

	// Application
	AppInfo                *prometheus.GaugeVec
	AppUptimeSeconds       prometheus.Counter
	AppStartTimeSeconds    prometheus.Gauge
	AppGoGoroutines        prometheus.Gauge
	AppGoThreads           prometheus.Gauge
	AppGoGCDurationSeconds prometheus.Summary

	// HTTP, labelled by chi route pattern rather than raw path
	HTTPRequestsTotal          *prometheus.CounterVec
	HTTPRequestDurationSeconds *prometheus.HistogramVec
	HTTPRequestSizeBytes       *prometheus.HistogramVec
	HTTPResponseSizeBytes      *prometheus.HistogramVec
	HTTPRequestsInFlight       *prometheus.GaugeVec

	// Probes
	HealthCheckStatus               *prometheus.GaugeVec
	HealthCheckDurationSeconds      *prometheus.HistogramVec
	HealthCheckLastSuccessTimestamp *prometheus.GaugeVec
	HealthCheckFailuresTotal        *prometheus.CounterVec

	// Locking API
	LockOperationsTotal          *prometheus.CounterVec
	LockOperationDurationSeconds *prometheus.HistogramVec

	// Repositories
	RepositoriesServed     prometheus.Gauge
	RepositoryRescansTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the service metrics. buildInfo supplies
// the version, commit and date labels of app_info.
func NewMetrics(namespace string, buildInfo map[string]string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(registry)

	m := &Metrics{
		namespace: namespace,
		registry:  registry,

		AppInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "app_info",
			Help: "Build information of the lock service",
		}, []string{"version", "commit", "build_date", "go_version"}),
		AppUptimeSeconds: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "app_uptime_seconds",
			Help: "Seconds the lock service has been running",
		}),
		AppStartTimeSeconds: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "app_start_time_seconds",
			Help: "Unix timestamp of service start",
		}),
		AppGoGoroutines: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "app_go_goroutines",
			Help: "Goroutines at the last collection",
		}),
		AppGoThreads: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "app_go_threads",
			Help: "OS threads created by the runtime",
		}),
		AppGoGCDurationSeconds: f.NewSummary(prometheus.SummaryOpts{
			Namespace: namespace, Name: "app_go_gc_duration_seconds",
			Help: "Most recent GC pause at each collection",
		}),

		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, httpLabels),
		HTTPRequestDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help: "HTTP request latency", Buckets: httpBuckets,
		}, httpLabels),
		HTTPRequestSizeBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_size_bytes",
			Help: "HTTP request body size", Buckets: sizeBuckets,
		}, routeLabels),
		HTTPResponseSizeBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_response_size_bytes",
			Help: "HTTP response body size", Buckets: sizeBuckets,
		}, routeLabels),
		HTTPRequestsInFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "http_requests_in_flight",
			Help: "HTTP requests currently being served",
		}, []string{"method"}),

		HealthCheckStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "health_check_status",
			Help: "Probe outcome, 1 for the current status label",
		}, []string{"check_name", "status"}),
		HealthCheckDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "health_check_duration_seconds",
			Help: "Probe latency", Buckets: probeBuckets,
		}, checkLabels),
		HealthCheckLastSuccessTimestamp: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "health_check_last_success_timestamp",
			Help: "Unix timestamp of the last passing probe",
		}, checkLabels),
		HealthCheckFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "health_check_failures_total",
			Help: "Failed probes",
		}, checkLabels),

		LockOperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "lock_operations_total",
			Help: "Git LFS lock operations by operation and outcome",
		}, []string{"operation", "status"}),
		LockOperationDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "lock_operation_duration_seconds",
			Help: "Git LFS lock operation latency", Buckets: lockBuckets,
		}, []string{"operation"}),

		RepositoriesServed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "repositories_served",
			Help: "Git repositories with a locking API",
		}),
		RepositoryRescansTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "repository_rescans_total",
			Help: "Repository rediscovery runs by outcome",
		}, []string{"status"}),
	}

	m.AppInfo.WithLabelValues(buildInfo["version"], buildInfo["commit"], buildInfo["date"], runtime.Version()).Set(1)
	m.AppStartTimeSeconds.SetToCurrentTime()

	return m
}

// Registry returns the registry every metric is registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// UpdateRuntimeMetrics samples goroutines, threads and the latest GC pause.
func (m *Metrics) UpdateRuntimeMetrics() {
	m.AppGoGoroutines.Set(float64(runtime.NumGoroutine()))
	m.AppGoThreads.Set(float64(pprof.Lookup("threadcreate").Count()))

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	if memStats.NumGC > 0 {
		m.AppGoGCDurationSeconds.Observe(float64(memStats.PauseNs[(memStats.NumGC+255)%256]) / 1e9)
	}
}

// ObserveLockOperation records the outcome and duration of one lock
// operation.
func (m *Metrics) ObserveLockOperation(operation, status string, start time.Time) {
	m.LockOperationsTotal.WithLabelValues(operation, status).Inc()
	m.LockOperationDurationSeconds.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// ObserveHealthCheck records one probe answer. Exactly one of the "ok" and
// "error" status series is 1 afterwards.
func (m *Metrics) ObserveHealthCheck(check string, healthy bool, start time.Time) {
	m.HealthCheckDurationSeconds.WithLabelValues(check).Observe(time.Since(start).Seconds())

	okValue, errValue := 0.0, 1.0
	if healthy {
		okValue, errValue = 1, 0
		m.HealthCheckLastSuccessTimestamp.WithLabelValues(check).SetToCurrentTime()
	} else {
		m.HealthCheckFailuresTotal.WithLabelValues(check).Inc()
	}
	m.HealthCheckStatus.WithLabelValues(check, "ok").Set(okValue)
	m.HealthCheckStatus.WithLabelValues(check, "error").Set(errValue)
}
