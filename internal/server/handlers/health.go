// Package handlers implements the HTTP surface: task submission and
// lookup, emergency stop, the bot fleet view, health and version.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/freqops/freqops/internal/errors"
)

// Overall and per-check health states.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	statusTimeout   = "timeout"
)

const checkTimeout = 5 * time.Second

// Checker probes one dependency.
type Checker interface {
	CheckHealth(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

// HealthResponse is the healthy-side response body.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks"`
}

// HealthManager runs registered checkers and renders readiness.
type HealthManager struct {
	version string

	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewHealthManager creates a manager reporting the given version.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{version: version, checkers: make(map[string]Checker)}
}

// RegisterChecker adds a named dependency probe.
func (m *HealthManager) RegisterChecker(name string, c Checker) {
	m.mu.Lock()
	m.checkers[name] = c
	m.mu.Unlock()
}

func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	checkers := make(map[string]Checker, len(m.checkers))
	for name, c := range m.checkers {
		checkers[name] = c
	}
	m.mu.RUnlock()

	results := make(map[string]string, len(checkers))
	for name, c := range checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.CheckHealth(cctx)
		cancel()
		switch {
		case err == nil:
			results[name] = StatusHealthy
		case errors.Is(err, context.DeadlineExceeded):
			results[name] = statusTimeout
		default:
			results[name] = StatusUnhealthy
		}
	}
	return results
}

func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	status := StatusHealthy
	for _, s := range checks {
		switch s {
		case StatusUnhealthy:
			return StatusUnhealthy
		case statusTimeout:
			status = StatusDegraded
		}
	}
	return status
}

// HealthHandler serves the full readiness view. Any unhealthy dependency
// yields 503 with the per-check breakdown in the error details.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	overall := m.determineOverallStatus(checks)

	if overall == StatusUnhealthy {
		details := make(map[string]any, 1)
		details["checks"] = checks
		envelope := apperrors.NewErrorEnvelope(
			apperrors.CodeServiceUnavailable,
			"one or more dependencies are unhealthy",
		).WithDetails(details)
		apperrors.WriteEnvelope(w, r, http.StatusServiceUnavailable, envelope)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  overall,
		Version: m.version,
		Checks:  checks,
	})
}

// LivenessHandler only proves the process is serving.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": StatusHealthy})
}

// ReadinessHandler is HealthHandler under its conventional probe path.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m.HealthHandler(w, r)
}

var globalHealthManager *HealthManager

// InitHealthManager installs the process-wide manager.
func InitHealthManager(version string) {
	globalHealthManager = NewHealthManager(version)
}

// GetHealthManager returns the process-wide manager, nil before init.
func GetHealthManager() *HealthManager {
	return globalHealthManager
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
