package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	apperrors "github.com/3leaps/parsekit/internal/errors"
)

// Check results.
const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusDegraded  = "degraded"
	statusTimeout   = "timeout"
	statusAlive     = "alive"
)

// DefaultCheckTimeout bounds each registered check.
const DefaultCheckTimeout = 2 * time.Second

// HealthChecker reports the health of one dependency.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthCheckerFunc adapts a function to HealthChecker.
type HealthCheckerFunc func(ctx context.Context) error

// CheckHealth calls f.
func (f HealthCheckerFunc) CheckHealth(ctx context.Context) error {
	return f(ctx)
}

// HealthResponse is the body of a successful health probe.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// HealthManager runs registered checks for the health endpoints.
type HealthManager struct {
	version   string
	startedAt time.Time
	timeout   time.Duration

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// NewHealthManager creates a manager with no checks.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:   version,
		startedAt: time.Now(),
		timeout:   DefaultCheckTimeout,
		checkers:  make(map[string]HealthChecker),
	}
}

// RegisterChecker adds or replaces the check called name.
func (m *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
}

// HealthHandler runs every check. Unhealthy results produce a 503 error
// envelope whose details carry the per-check results.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	results := m.runChecks(r.Context())
	status := m.determineOverallStatus(results)

	if status == statusUnhealthy {
		respondWithError(w, r, apperrors.NewServiceUnavailableError("one or more health checks failed").
			WithDetails(map[string]any{"checks": results}))
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Version:   m.version,
		Uptime:    time.Since(m.startedAt).Round(time.Second).String(),
		Checks:    results,
		Timestamp: time.Now().UTC(),
	})
}

// LivenessHandler reports that the process is serving requests.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    statusAlive,
		Version:   m.version,
		Timestamp: time.Now().UTC(),
	})
}

// ReadinessHandler is HealthHandler.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m.HealthHandler(w, r)
}

// StartupHandler reports healthy once the manager exists.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    statusHealthy,
		Version:   m.version,
		Uptime:    time.Since(m.startedAt).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
	})
}

func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	checkers := make([]HealthChecker, len(names))
	for i, name := range names {
		checkers[i] = m.checkers[name]
	}
	m.mu.RUnlock()

	results := make(map[string]string, len(names))
	for i, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err := checkers[i].CheckHealth(checkCtx)
		cancel()

		switch {
		case err == nil:
			results[name] = statusHealthy
		case errors.Is(err, context.DeadlineExceeded):
			results[name] = statusTimeout
		default:
			results[name] = statusUnhealthy
		}
	}
	return results
}

func (m *HealthManager) determineOverallStatus(results map[string]string) string {
	status := statusHealthy
	for _, r := range results {
		switch r {
		case statusUnhealthy:
			return statusUnhealthy
		case statusTimeout:
			status = statusDegraded
		}
	}
	return status
}

var globalHealthManager *HealthManager

// InitHealthManager sets the process-wide manager used by the package-level
// handlers.
func InitHealthManager(version string) *HealthManager {
	globalHealthManager = NewHealthManager(version)
	return globalHealthManager
}

// GetHealthManager returns the process-wide manager, or nil.
func GetHealthManager() *HealthManager {
	return globalHealthManager
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	withManager(w, r, (*HealthManager).HealthHandler)
}

func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	withManager(w, r, (*HealthManager).LivenessHandler)
}

func ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	withManager(w, r, (*HealthManager).ReadinessHandler)
}

func StartupHandler(w http.ResponseWriter, r *http.Request) {
	withManager(w, r, (*HealthManager).StartupHandler)
}

func withManager(w http.ResponseWriter, r *http.Request, fn func(*HealthManager, http.ResponseWriter, *http.Request)) {
	m := globalHealthManager
	if m == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailableError("health manager not initialized"))
		return
	}
	fn(m, w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
