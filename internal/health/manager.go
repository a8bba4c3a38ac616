package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager runs the registered checkers with a per-check timeout and caches
// their results for a short while, so frequent probes do not hammer the
// lock store.
type Manager struct {
	logger        *zap.Logger
	cacheDuration time.Duration
	checkTimeout  time.Duration

	mu        sync.RWMutex
	checkers  map[string]Checker
	server    *ServerChecker
	readiness *ReadinessChecker

	cacheMu sync.Mutex
	cache   map[string]CheckResult
}

// NewManager creates a new health check manager. A zero cacheDuration
// disables caching.
func NewManager(logger *zap.Logger, cacheDuration, checkTimeout time.Duration) *Manager {
	return &Manager{
		logger:        logger,
		cacheDuration: cacheDuration,
		checkTimeout:  checkTimeout,
		checkers:      make(map[string]Checker),
		cache:         make(map[string]CheckResult),
	}
}

// RegisterChecker adds checker, replacing any checker of the same name.
func (m *Manager) RegisterChecker(checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkers[checker.Name()] = checker
	switch c := checker.(type) {
	case *ServerChecker:
		m.server = c
	case *ReadinessChecker:
		m.readiness = c
	}
}

// SetServersRunning marks the servers as running.
func (m *Manager) SetServersRunning(running bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.server != nil {
		m.server.SetRunning(running)
	}
	if m.readiness != nil {
		m.readiness.SetRunning(running)
	}
}

// SetShuttingDown marks the service as shutting down.
func (m *Manager) SetShuttingDown(shutDown bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.readiness != nil {
		m.readiness.SetShuttingDown(shutDown)
	}
}

// CheckAll runs every registered checker concurrently and returns the
// results ordered by checker name.
func (m *Manager) CheckAll(ctx context.Context) []CheckResult {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = m.runCheck(ctx, c)
		}()
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

// runCheck runs a single checker unless a fresh cached result exists. A
// panicking checker reports an error instead of taking the probe down.
func (m *Manager) runCheck(ctx context.Context, checker Checker) (result CheckResult) {
	name := checker.Name()
	if cached, ok := m.cached(name); ok {
		return cached
	}

	defer func() {
		if r := recover(); r != nil {
			result = CheckResult{
				Name:      name,
				Status:    StatusError,
				Message:   fmt.Sprintf("check panicked: %v", r),
				Timestamp: time.Now(),
			}
		}
		if result.Status != StatusOK {
			m.logger.Warn("Health check not passing",
				zap.String("check", name),
				zap.String("status", string(result.Status)),
				zap.String("message", result.Message),
			)
		}
		m.store(name, result)
	}()

	checkCtx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	defer cancel()

	return checker.Check(checkCtx)
}

func (m *Manager) cached(name string) (CheckResult, bool) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	result, ok := m.cache[name]
	if !ok || time.Since(result.Timestamp) >= m.cacheDuration {
		return CheckResult{}, false
	}
	return result, true
}

func (m *Manager) store(name string, result CheckResult) {
	if m.cacheDuration <= 0 {
		return
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now()
	}

	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.cache[name] = result
}

// GetStartupStatus reports the worst status of all registered checks.
func (m *Manager) GetStartupStatus(ctx context.Context) StartupResponse {
	results := m.CheckAll(ctx)

	response := StartupResponse{
		Status:    StatusOK,
		Timestamp: time.Now(),
		Checks:    make(map[string]Status, len(results)),
	}
	for _, result := range results {
		response.Checks[result.Name] = result.Status
		response.Status = response.Status.Worse(result.Status)
		if result.Status != StatusOK && result.Message != "" {
			if response.Messages == nil {
				response.Messages = make(map[string]string)
			}
			response.Messages[result.Name] = result.Message
		}
	}

	return response
}

// GetLivenessStatus only confirms the process can still serve a request.
func (m *Manager) GetLivenessStatus() LivenessResponse {
	return LivenessResponse{
		Status:    StatusOK,
		Timestamp: time.Now(),
	}
}

// GetReadinessStatus reports the readiness checker alone. Without one the
// service is always ready.
func (m *Manager) GetReadinessStatus(ctx context.Context) ReadinessResponse {
	m.mu.RLock()
	readiness := m.readiness
	m.mu.RUnlock()

	if readiness == nil {
		return ReadinessResponse{Status: StatusOK, Timestamp: time.Now(), Ready: true}
	}

	result := m.runCheck(ctx, readiness)
	return ReadinessResponse{
		Status:    result.Status,
		Timestamp: result.Timestamp,
		Ready:     result.Status == StatusOK,
		Message:   result.Message,
	}
}
