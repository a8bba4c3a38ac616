package health

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// RepositoryCounter reports how many repositories are being served.
type RepositoryCounter interface {
	Names() []string
}

// RepositoriesChecker checks that at least one repository was discovered
// below the repositories root.
type RepositoriesChecker struct {
	logger  *zap.Logger
	counter RepositoryCounter
}

// NewRepositoriesChecker creates a new repositories health checker.
func NewRepositoriesChecker(logger *zap.Logger, counter RepositoryCounter) *RepositoriesChecker {
	return &RepositoriesChecker{
		logger:  logger,
		counter: counter,
	}
}

// Name returns the name of the health check.
func (c *RepositoriesChecker) Name() string {
	return "repositories"
}

// Check performs the health check.
func (c *RepositoriesChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusOK,
		Timestamp: start,
	}

	n := len(c.counter.Names())
	result.Message = fmt.Sprintf("Serving %d repositories", n)
	if n == 0 {
		result.Status = StatusNotReady
		result.Message = "No repositories discovered"
		c.logger.Warn("No repositories being served")
	}

	result.Duration = time.Since(start)
	return result
}

// ServerChecker checks if the servers are running.
type ServerChecker struct {
	running atomic.Bool
}

// NewServerChecker creates a new server health checker.
func NewServerChecker() *ServerChecker {
	return &ServerChecker{}
}

// Name returns the name of the health check.
func (s *ServerChecker) Name() string {
	return "servers"
}

// SetRunning marks the servers as running.
func (s *ServerChecker) SetRunning(running bool) {
	s.running.Store(running)
}

// Check performs the health check.
func (s *ServerChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:      s.Name(),
		Status:    StatusOK,
		Message:   "All servers running",
		Timestamp: time.Now(),
	}

	if !s.running.Load() {
		result.Status = StatusStarting
		result.Message = "Servers starting"
	}

	return result
}

// ReadinessChecker checks if the service is ready to handle lock requests.
type ReadinessChecker struct {
	shuttingDown atomic.Bool
	running      atomic.Bool
}

// NewReadinessChecker creates a new readiness health checker.
func NewReadinessChecker() *ReadinessChecker {
	return &ReadinessChecker{}
}

// Name returns the name of the health check.
func (r *ReadinessChecker) Name() string {
	return "readiness"
}

// SetRunning marks the servers as running.
func (r *ReadinessChecker) SetRunning(running bool) {
	r.running.Store(running)
}

// SetShuttingDown marks the service as shutting down.
func (r *ReadinessChecker) SetShuttingDown(shutDown bool) {
	r.shuttingDown.Store(shutDown)
}

// Check performs the health check.
func (r *ReadinessChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:      r.Name(),
		Status:    StatusOK,
		Message:   "Service ready",
		Timestamp: time.Now(),
	}

	switch {
	case r.shuttingDown.Load():
		result.Status = StatusNotReady
		result.Message = "Service shutting down"
	case !r.running.Load():
		result.Status = StatusNotReady
		result.Message = "Service not ready"
	}

	return result
}
