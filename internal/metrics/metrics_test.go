package metrics

import (
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(namespace string) *Metrics {
	return NewMetrics(namespace, map[string]string{
		"version": "1.0.0",
		"commit":  "abc123",
		"date":    "2024-01-08",
	})
}

func TestNewMetrics(t *testing.T) {
	m := newTestMetrics("test")

	if m.namespace != "test" {
		t.Errorf("namespace = %s, want test", m.namespace)
	}
	if m.registry == nil {
		t.Fatal("registry is nil")
	}

	if startTime := testutil.ToFloat64(m.AppStartTimeSeconds); startTime == 0 {
		t.Error("app_start_time_seconds is 0")
	}
	if info := testutil.ToFloat64(m.AppInfo.WithLabelValues("1.0.0", "abc123", "2024-01-08", runtime.Version())); info != 1 {
		t.Errorf("app_info = %f, want 1", info)
	}
}

func TestMetricsRegistry(t *testing.T) {
	m := newTestMetrics("lfs")

	// Vectors only appear once a label set is used.
	m.LockOperationsTotal.WithLabelValues("create", "success").Inc()
	m.LockOperationDurationSeconds.WithLabelValues("create").Observe(0.01)
	m.RepositoryRescansTotal.WithLabelValues("success").Inc()

	metricFamilies, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	found := make(map[string]bool)
	for _, mf := range metricFamilies {
		found[mf.GetName()] = true
	}

	for _, expected := range []string{
		"lfs_app_info",
		"lfs_app_uptime_seconds",
		"lfs_app_start_time_seconds",
		"lfs_lock_operations_total",
		"lfs_lock_operation_duration_seconds",
		"lfs_repositories_served",
		"lfs_repository_rescans_total",
		"go_goroutines",
		"process_start_time_seconds",
	} {
		if !found[expected] {
			t.Errorf("Expected metric %s not found", expected)
		}
	}
}

func TestHTTPMetrics(t *testing.T) {
	m := newTestMetrics("test")

	m.HTTPRequestsTotal.WithLabelValues("GET", "/{repo}/info/lfs/locks", "200").Inc()
	m.HTTPRequestsTotal.WithLabelValues("POST", "/{repo}/info/lfs/locks", "201").Inc()
	m.HTTPRequestsInFlight.WithLabelValues("GET").Inc()

	if count := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/{repo}/info/lfs/locks", "200")); count != 1 {
		t.Errorf("http_requests_total = %f, want 1", count)
	}
	if count := testutil.CollectAndCount(m.HTTPRequestsTotal); count != 2 {
		t.Errorf("http_requests_total series = %d, want 2", count)
	}
	if inFlight := testutil.ToFloat64(m.HTTPRequestsInFlight.WithLabelValues("GET")); inFlight != 1 {
		t.Errorf("http_requests_in_flight = %f, want 1", inFlight)
	}
}

func TestHealthCheckMetrics(t *testing.T) {
	m := newTestMetrics("test")

	m.HealthCheckStatus.WithLabelValues("store-storage", "ok").Set(1)
	m.HealthCheckFailuresTotal.WithLabelValues("store-storage").Inc()

	if status := testutil.ToFloat64(m.HealthCheckStatus.WithLabelValues("store-storage", "ok")); status != 1 {
		t.Errorf("health_check_status = %f, want 1", status)
	}
	if failures := testutil.ToFloat64(m.HealthCheckFailuresTotal.WithLabelValues("store-storage")); failures != 1 {
		t.Errorf("health_check_failures_total = %f, want 1", failures)
	}
}

func TestObserveLockOperation(t *testing.T) {
	m := newTestMetrics("test")

	start := time.Now().Add(-20 * time.Millisecond)
	m.ObserveLockOperation("create", "success", start)
	m.ObserveLockOperation("create", "lock_exists", start)
	m.ObserveLockOperation("create", "lock_exists", start)

	if v := testutil.ToFloat64(m.LockOperationsTotal.WithLabelValues("create", "success")); v != 1 {
		t.Errorf("lock_operations_total{create,success} = %f, want 1", v)
	}
	if v := testutil.ToFloat64(m.LockOperationsTotal.WithLabelValues("create", "lock_exists")); v != 2 {
		t.Errorf("lock_operations_total{create,lock_exists} = %f, want 2", v)
	}
	if count := testutil.CollectAndCount(m.LockOperationDurationSeconds); count != 1 {
		t.Errorf("lock_operation_duration_seconds series = %d, want 1", count)
	}
}

func TestObserveHealthCheck(t *testing.T) {
	m := newTestMetrics("test")
	start := time.Now()

	m.ObserveHealthCheck("readyz", true, start)
	if v := testutil.ToFloat64(m.HealthCheckStatus.WithLabelValues("readyz", "ok")); v != 1 {
		t.Errorf("health_check_status{readyz,ok} = %f, want 1", v)
	}
	if v := testutil.ToFloat64(m.HealthCheckLastSuccessTimestamp.WithLabelValues("readyz")); v == 0 {
		t.Error("health_check_last_success_timestamp not set")
	}

	m.ObserveHealthCheck("readyz", false, start)
	if v := testutil.ToFloat64(m.HealthCheckStatus.WithLabelValues("readyz", "ok")); v != 0 {
		t.Errorf("health_check_status{readyz,ok} = %f, want 0", v)
	}
	if v := testutil.ToFloat64(m.HealthCheckStatus.WithLabelValues("readyz", "error")); v != 1 {
		t.Errorf("health_check_status{readyz,error} = %f, want 1", v)
	}
	if v := testutil.ToFloat64(m.HealthCheckFailuresTotal.WithLabelValues("readyz")); v != 1 {
		t.Errorf("health_check_failures_total{readyz} = %f, want 1", v)
	}
}

func TestUpdateRuntimeMetrics(t *testing.T) {
	m := newTestMetrics("test")

	m.UpdateRuntimeMetrics()

	if goroutines := testutil.ToFloat64(m.AppGoGoroutines); goroutines == 0 {
		t.Error("app_go_goroutines is 0")
	}
	if threads := testutil.ToFloat64(m.AppGoThreads); threads < 1 {
		t.Errorf("app_go_threads = %f, want at least 1", threads)
	}
}

func TestAppUptimeMetric(t *testing.T) {
	m := newTestMetrics("test")

	if uptime := testutil.ToFloat64(m.AppUptimeSeconds); uptime != 0 {
		t.Errorf("Initial uptime = %f, want 0", uptime)
	}

	m.AppUptimeSeconds.Add(10)

	if uptime := testutil.ToFloat64(m.AppUptimeSeconds); uptime != 10 {
		t.Errorf("After add uptime = %f, want 10", uptime)
	}
}

func TestMetricsCollectorRegistration(t *testing.T) {
	m1 := newTestMetrics("test1")
	m2 := newTestMetrics("test2")

	if m1.Registry() == m2.Registry() {
		t.Error("Metrics instances share the same registry")
	}
}

func TestHistogramBuckets(t *testing.T) {
	m := newTestMetrics("test")

	m.HTTPRequestDurationSeconds.WithLabelValues("GET", "/test", "200").Observe(0.001)
	m.LockOperationDurationSeconds.WithLabelValues("verify").Observe(0.1)

	metricFamilies, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	histograms := map[string]bool{
		"test_http_request_duration_seconds":   false,
		"test_lock_operation_duration_seconds": false,
	}
	for _, mf := range metricFamilies {
		if _, ok := histograms[mf.GetName()]; ok {
			histograms[mf.GetName()] = true
			if mf.GetType().String() != "HISTOGRAM" {
				t.Errorf("%s type = %v, want HISTOGRAM", mf.GetName(), mf.GetType())
			}
		}
	}

	for name, found := range histograms {
		if !found {
			t.Errorf("%s histogram not found", name)
		}
	}
}
