package monitoring

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp int64                  `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckResult represents the result of an individual health check
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthChecker manages and executes health checks
type HealthChecker struct {
	service string
	version string
	checks  map[string]HealthCheck
}

// HealthCheck is a function that performs a health check
type HealthCheck func() CheckResult

// NewHealthChecker creates a new health checker instance
func NewHealthChecker(service, version string) *HealthChecker {
	return &HealthChecker{
		service: service,
		version: version,
		checks:  make(map[string]HealthCheck),
	}
}

// AddCheck adds a health check to the checker
func (hc *HealthChecker) AddCheck(name string, check HealthCheck) {
	hc.checks[name] = check
}

// CheckHealth runs all health checks and returns the overall status
func (hc *HealthChecker) CheckHealth() HealthStatus {
	status := HealthStatus{
		Service:   hc.service,
		Version:   hc.version,
		Timestamp: time.Now().Unix(),
		Checks:    make(map[string]CheckResult),
	}

	anyUnhealthy := false
	anyDegraded := false
	for name, check := range hc.checks {
		result := check()
		status.Checks[name] = result
		switch result.Status {
		case StatusHealthy:
		case StatusDegraded:
			anyDegraded = true
		case StatusUnhealthy:
			anyUnhealthy = true
		default:
			anyUnhealthy = true
		}
	}

	switch {
	case anyUnhealthy:
		status.Status = StatusUnhealthy
	case anyDegraded:
		status.Status = StatusDegraded
	default:
		status.Status = StatusHealthy
	}

	return status
}

// Handler returns a middleware handler for the health check endpoint
func (hc *HealthChecker) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := hc.CheckHealth()
		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, health)
	}
}

// Common Health Check Functions

// SessionPool is the surface a browser pool exposes for health probing.
type SessionPool interface {
	// Size returns configured capacity and currently live sessions.
	Size() (capacity, live int)
	// LastLaunchError reports the most recent failed browser launch, or nil.
	LastLaunchError() error
}

// BrowserPoolHealthCheck creates a health check for the headless browser pool.
// Sessions are launched on demand, so an idle pool is healthy; a pool whose
// launches are failing is not.
func BrowserPoolHealthCheck(pool SessionPool) HealthCheck {
	return func() CheckResult {
		start := time.Now()

		if pool == nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "browser pool is nil",
				Latency: time.Since(start).String(),
			}
		}

		capacity, live := pool.Size()
		if err := pool.LastLaunchError(); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("browser launch failing: %v", err),
				Latency: time.Since(start).String(),
			}
		}

		return CheckResult{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("%d/%d browser sessions live", live, capacity),
			Latency: time.Since(start).String(),
		}
	}
}

// OutputDirHealthCheck creates a health check verifying the artifact output
// directory exists and is writable.
func OutputDirHealthCheck(dir string) HealthCheck {
	return func() CheckResult {
		start := time.Now()

		if dir == "" {
			return CheckResult{
				Status:  StatusDegraded,
				Message: "no default output directory configured",
				Latency: time.Since(start).String(),
			}
		}

		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("output directory unavailable: %v", err),
				Latency: time.Since(start).String(),
			}
		}

		probe := filepath.Join(dir, ".health")
		if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("output directory not writable: %v", err),
				Latency: time.Since(start).String(),
			}
		}
		_ = os.Remove(probe)

		return CheckResult{
			Status:  StatusHealthy,
			Message: "output directory writable",
			Latency: time.Since(start).String(),
		}
	}
}

