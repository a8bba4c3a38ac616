package store

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/n3tuk/lfs-lock-service/internal/model"
)

// StoreMetrics holds Prometheus metrics for the lock store.
type StoreMetrics struct {
	// Backend metrics
	ClusterMembers    prometheus.Gauge
	ClusterPartitions prometheus.Gauge
	ClusterBackups    prometheus.Gauge
	Scopes            prometheus.Gauge

	// Per repository lock counts
	Locks *prometheus.GaugeVec

	// Operation metrics
	OperationsTotal      *prometheus.CounterVec
	OperationDuration    *prometheus.HistogramVec
	OperationErrorsTotal *prometheus.CounterVec
}

// NewStoreMetrics creates the store metrics for backend and registers them.
func NewStoreMetrics(namespace, backend string, registry *prometheus.Registry) *StoreMetrics {
	labels := prometheus.Labels{"backend": backend}

	m := &StoreMetrics{
		ClusterMembers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "store_cluster_members",
				Help:        "Number of members in the storage cluster",
				ConstLabels: labels,
			},
		),
		ClusterPartitions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "store_cluster_partitions",
				Help:        "Number of partitions in the storage cluster",
				ConstLabels: labels,
			},
		),
		ClusterBackups: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "store_cluster_backups",
				Help:        "Number of backup replicas in the storage cluster",
				ConstLabels: labels,
			},
		),
		Scopes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "store_scopes",
				Help:        "Number of repository scopes opened in the store",
				ConstLabels: labels,
			},
		),
		Locks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "store_locks",
				Help:        "Number of active locks per repository",
				ConstLabels: labels,
			},
			[]string{"repository"},
		),
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "store_operations_total",
				Help:        "Total number of lock store operations",
				ConstLabels: labels,
			},
			[]string{"operation", "status"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "store_operation_duration_seconds",
				Help:        "Lock store operation duration in seconds",
				Buckets:     []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
				ConstLabels: labels,
			},
			[]string{"operation"},
		),
		OperationErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "store_operation_errors_total",
				Help:        "Total number of failed lock store operations",
				ConstLabels: labels,
			},
			[]string{"operation", "error_type"},
		),
	}

	registry.MustRegister(
		m.ClusterMembers,
		m.ClusterPartitions,
		m.ClusterBackups,
		m.Scopes,
		m.Locks,
		m.OperationsTotal,
		m.OperationDuration,
		m.OperationErrorsTotal,
	)

	return m
}

// RecordOperation records an operation metric.
func (m *StoreMetrics) RecordOperation(operation, status string, duration time.Duration) {
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordError records an operation error.
func (m *StoreMetrics) RecordError(operation, errorType string) {
	m.OperationErrorsTotal.WithLabelValues(operation, errorType).Inc()
}

// observe records the outcome of one store call. Conflicts and misses are
// expected outcomes and are not counted as errors.
func (m *StoreMetrics) observe(operation string, start time.Time, err error) {
	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrKeyExists):
		status = "exists"
	case errors.Is(err, ErrKeyNotFound):
		status = "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = "error"
		m.RecordError(operation, "timeout")
	default:
		status = "error"
		m.RecordError(operation, "backend")
	}
	m.RecordOperation(operation, status, time.Since(start))
}

// Instrument wraps s so every call is recorded in m.
func Instrument(s Store, m *StoreMetrics) Store {
	if m == nil {
		return s
	}
	return &instrumentedStore{next: s, metrics: m}
}

type instrumentedStore struct {
	next    Store
	metrics *StoreMetrics
}

func (s *instrumentedStore) Create(ctx context.Context, rec *model.Record) error {
	start := time.Now()
	err := s.next.Create(ctx, rec)
	s.metrics.observe("create", start, err)
	return err
}

func (s *instrumentedStore) Get(ctx context.Context, id string) (*model.Record, error) {
	start := time.Now()
	rec, err := s.next.Get(ctx, id)
	s.metrics.observe("get", start, err)
	return rec, err
}

func (s *instrumentedStore) Delete(ctx context.Context, id string) error {
	start := time.Now()
	err := s.next.Delete(ctx, id)
	s.metrics.observe("delete", start, err)
	return err
}

func (s *instrumentedStore) List(ctx context.Context) iter.Seq2[*model.Record, error] {
	return func(yield func(*model.Record, error) bool) {
		start := time.Now()
		var listErr error
		for rec, err := range s.next.List(ctx) {
			if err != nil {
				listErr = err
			}
			if !yield(rec, err) {
				break
			}
		}
		s.metrics.observe("list", start, listErr)
	}
}

func (s *instrumentedStore) Count(ctx context.Context) (int64, error) {
	start := time.Now()
	n, err := s.next.Count(ctx)
	s.metrics.observe("count", start, err)
	return n, err
}

// ScopeSource lists the stores whose lock counts are reported, keyed by
// repository name.
type ScopeSource interface {
	Stores() map[string]Store
}

// StatsCollector refreshes the backend and lock count gauges.
type StatsCollector struct {
	logger   *zap.Logger
	provider Provider
	source   ScopeSource
	metrics  *StoreMetrics
}

// NewStatsCollector creates a collector. Scheduling Collect is left to the
// caller.
func NewStatsCollector(logger *zap.Logger, provider Provider, source ScopeSource, metrics *StoreMetrics) *StatsCollector {
	return &StatsCollector{
		logger:   logger,
		provider: provider,
		source:   source,
		metrics:  metrics,
	}
}

// Collect reads the backend statistics and the number of locks in every
// repository and updates the gauges.
func (c *StatsCollector) Collect(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stats, err := c.provider.Stats(ctx)
	if err != nil {
		c.logger.Error("Failed to collect store stats", zap.Error(err))
	} else {
		c.metrics.ClusterMembers.Set(float64(stats.ClusterMembers))
		c.metrics.ClusterPartitions.Set(float64(stats.PartitionCount))
		c.metrics.ClusterBackups.Set(float64(stats.BackupCount))
		c.metrics.Scopes.Set(float64(stats.Scopes))
	}

	var total int64
	for repo, s := range c.source.Stores() {
		n, err := s.Count(ctx)
		if err != nil {
			c.logger.Warn("Failed to count locks", zap.String("repository", repo), zap.Error(err))
			continue
		}
		c.metrics.Locks.WithLabelValues(repo).Set(float64(n))
		total += n
	}

	c.logger.Debug("Collected store metrics", zap.Int64("locks", total))
}
