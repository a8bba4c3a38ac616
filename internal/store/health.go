package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/n3tuk/lfs-lock-service/internal/health"
	"github.com/n3tuk/lfs-lock-service/internal/model"
)

const (
	pingTimeout    = 2 * time.Second
	statsTimeout   = 5 * time.Second
	roundTripLimit = 3 * time.Second
)

// probeResult stamps a check result with the time elapsed since start.
func probeResult(name string, start time.Time, status health.Status, format string, args ...any) health.CheckResult {
	return health.CheckResult{
		Name:      name,
		Status:    status,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
}

// ConnectionHealthChecker pings the lock backend.
type ConnectionHealthChecker struct {
	logger   *zap.Logger
	provider Provider
}

func NewConnectionHealthChecker(logger *zap.Logger, provider Provider) *ConnectionHealthChecker {
	return &ConnectionHealthChecker{logger: logger, provider: provider}
}

func (c *ConnectionHealthChecker) Name() string { return "store-connection" }

func (c *ConnectionHealthChecker) Check(ctx context.Context) health.CheckResult {
	start := time.Now()
	backend := c.provider.Backend()

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := c.provider.Ping(pingCtx); err != nil {
		c.logger.Warn("Lock backend unreachable", zap.String("backend", backend), zap.Error(err))
		return probeResult(c.Name(), start, health.StatusError, "%s store unreachable: %v", backend, err)
	}
	return probeResult(c.Name(), start, health.StatusOK, "%s store reachable", backend)
}

// ClusterHealthChecker reports NotReady while a clustered backend has fewer
// members than its quorum. Single node deployments always pass.
type ClusterHealthChecker struct {
	logger     *zap.Logger
	provider   Provider
	quorum     int
	singleNode bool
}

func NewClusterHealthChecker(logger *zap.Logger, provider Provider, quorum int, singleNode bool) *ClusterHealthChecker {
	return &ClusterHealthChecker{
		logger:     logger,
		provider:   provider,
		quorum:     quorum,
		singleNode: singleNode,
	}
}

func (c *ClusterHealthChecker) Name() string { return "store-cluster" }

func (c *ClusterHealthChecker) Check(ctx context.Context) health.CheckResult {
	start := time.Now()
	if c.singleNode {
		return probeResult(c.Name(), start, health.StatusOK, "Single node, no quorum required")
	}

	statsCtx, cancel := context.WithTimeout(ctx, statsTimeout)
	defer cancel()

	stats, err := c.provider.Stats(statsCtx)
	if err != nil {
		c.logger.Warn("Unable to read cluster membership", zap.Error(err))
		return probeResult(c.Name(), start, health.StatusError, "cluster stats unavailable: %v", err)
	}

	members := stats.ClusterMembers
	if members < c.quorum {
		c.logger.Warn("Cluster below quorum", zap.Int("members", members), zap.Int("quorum", c.quorum))
		return probeResult(c.Name(), start, health.StatusNotReady, "%d of %d required members joined", members, c.quorum)
	}
	return probeResult(c.Name(), start, health.StatusOK, "%d members joined, quorum %d", members, c.quorum)
}

// StorageHealthChecker creates, reads back and deletes a probe lock in the
// reserved health scope.
type StorageHealthChecker struct {
	logger   *zap.Logger
	provider Provider
}

func NewStorageHealthChecker(logger *zap.Logger, provider Provider) *StorageHealthChecker {
	return &StorageHealthChecker{logger: logger, provider: provider}
}

func (s *StorageHealthChecker) Name() string { return "store-storage" }

func (s *StorageHealthChecker) Check(ctx context.Context) health.CheckResult {
	start := time.Now()
	if err := s.roundTrip(ctx); err != nil {
		s.logger.Warn("Probe lock round trip failed", zap.Error(err))
		return probeResult(s.Name(), start, health.StatusError, "%v", err)
	}
	return probeResult(s.Name(), start, health.StatusOK, "Probe lock round trip succeeded")
}

func (s *StorageHealthChecker) roundTrip(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, roundTripLimit)
	defer cancel()

	st, err := s.provider.Open(ctx, HealthScope)
	if err != nil {
		return fmt.Errorf("open health scope: %w", err)
	}

	probe := model.NewRecord(fmt.Sprintf("health-check-%d", time.Now().UnixNano()), "", "", time.Now())
	if err := st.Create(ctx, probe); err != nil {
		return fmt.Errorf("write probe lock: %w", err)
	}
	defer func() {
		if err := st.Delete(context.Background(), probe.ID); err != nil {
			s.logger.Warn("Failed to clean up probe lock", zap.String("id", probe.ID), zap.Error(err))
		}
	}()

	got, err := st.Get(ctx, probe.ID)
	if err != nil {
		return fmt.Errorf("read probe lock: %w", err)
	}
	if got.Path != probe.Path {
		return errors.New("probe lock read back a different path")
	}
	return nil
}
