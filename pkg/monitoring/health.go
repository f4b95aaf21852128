package monitoring

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// Health status values
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// LoadStatus is the last known outcome of a category's load.
type LoadStatus struct {
	Category  string    `json:"category"`
	State     string    `json:"state"`
	Indexed   int64     `json:"indexed"`
	Rejected  int64     `json:"rejected"`
	Dropped   int64     `json:"dropped"`
	ErrorCode string    `json:"error_code,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Finished  time.Time `json:"finished"`
	Duration  string    `json:"duration"`
}

// ServiceHealth is the JSON body served by the health endpoint.
type ServiceHealth struct {
	Service       string                `json:"service"`
	Version       string                `json:"version"`
	Status        string                `json:"status"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	StartTime     time.Time             `json:"start_time"`
	Loads         map[string]LoadStatus `json:"loads"`
	Goroutines    int                   `json:"goroutines"`
}

// HealthChecker tracks load outcomes per category
type HealthChecker struct {
	serviceName string
	version     string
	startTime   time.Time
	mu          sync.RWMutex
	loads       map[string]LoadStatus
}

// NewHealthChecker creates a new health checker instance
func NewHealthChecker(serviceName, version string) *HealthChecker {
	return &HealthChecker{
		serviceName: serviceName,
		version:     version,
		startTime:   time.Now(),
		loads:       make(map[string]LoadStatus),
	}
}

// UpdateLoad stores the latest outcome for status.Category
func (h *HealthChecker) UpdateLoad(status LoadStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loads[status.Category] = status
}

// GetHealth returns the current health status. The service is degraded when
// some categories failed their last load and unhealthy when all of them did.
func (h *HealthChecker) GetHealth() ServiceHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	loads := make(map[string]LoadStatus, len(h.loads))
	failed := 0
	for k, v := range h.loads {
		loads[k] = v
		if v.ErrorCode != "" {
			failed++
		}
	}

	status := StatusHealthy
	switch {
	case failed > 0 && failed == len(loads):
		status = StatusUnhealthy
	case failed > 0:
		status = StatusDegraded
	}

	return ServiceHealth{
		Service:       h.serviceName,
		Version:       h.version,
		Status:        status,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		StartTime:     h.startTime,
		Loads:         loads,
		Goroutines:    runtime.NumGoroutine(),
	}
}

// HealthHandler returns an HTTP handler for health checks
func (h *HealthChecker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := h.GetHealth()

		w.Header().Set("Content-Type", "application/json")
		if health.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		if err := json.NewEncoder(w).Encode(health); err != nil {
			http.Error(w, fmt.Sprintf("Failed to encode health response: %v", err), http.StatusInternalServerError)
		}
	}
}

// LivenessHandler returns a simple liveness check
func (h *HealthChecker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := map[string]interface{}{
			"alive":  true,
			"uptime": time.Since(h.startTime).String(),
		}
		if err := json.NewEncoder(w).Encode(response); err != nil {
			http.Error(w, fmt.Sprintf("Failed to encode liveness response: %v", err), http.StatusInternalServerError)
		}
	}
}
