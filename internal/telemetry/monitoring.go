package telemetry

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a self-check result of this process
type HealthCheck struct {
	Name        string            `json:"name"`
	Status      HealthStatus      `json:"status"`
	Message     string            `json:"message,omitempty"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration"`
	Details     map[string]string `json:"details,omitempty"`
}

// CheckFunc performs one named self-check.
type CheckFunc func(ctx context.Context) HealthCheck

// SelfChecks holds the checks behind the admin /health endpoint.
type SelfChecks struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewSelfChecks creates an empty check set.
func NewSelfChecks() *SelfChecks {
	return &SelfChecks{checks: make(map[string]CheckFunc)}
}

// Register adds or replaces a check.
func (s *SelfChecks) Register(name string, fn CheckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = fn
}

// Run executes every check in name order and folds them into an overall status.
func (s *SelfChecks) Run(ctx context.Context) (HealthStatus, []HealthCheck) {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	fns := make(map[string]CheckFunc, len(s.checks))
	for k, v := range s.checks {
		fns[k] = v
	}
	s.mu.RUnlock()
	sort.Strings(names)

	overall := HealthStatusHealthy
	checks := make([]HealthCheck, 0, len(names))
	for _, name := range names {
		start := time.Now()
		check := fns[name](ctx)
		check.Name = name
		check.Duration = time.Since(start)
		check.LastChecked = time.Now()
		checks = append(checks, check)

		switch check.Status {
		case HealthStatusUnhealthy:
			overall = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if overall == HealthStatusHealthy {
				overall = HealthStatusDegraded
			}
		}
	}
	return overall, checks
}

// GoroutineCheck flags runaway goroutine counts.
func GoroutineCheck(ctx context.Context) HealthCheck {
	count := runtime.NumGoroutine()
	status := HealthStatusHealthy
	message := fmt.Sprintf("Goroutines: %d", count)

	if count > 1000 {
		status = HealthStatusDegraded
		message = fmt.Sprintf("High goroutine count: %d", count)
	}
	if count > 5000 {
		status = HealthStatusUnhealthy
		message = fmt.Sprintf("Critical goroutine count: %d", count)
	}

	return HealthCheck{
		Status:  status,
		Message: message,
		Details: map[string]string{"count": fmt.Sprintf("%d", count)},
	}
}

// PingCheck turns a dependency ping into a self-check.
func PingCheck(ping func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) HealthCheck {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := ping(ctx); err != nil {
			return HealthCheck{Status: HealthStatusUnhealthy, Message: err.Error()}
		}
		return HealthCheck{Status: HealthStatusHealthy, Message: "reachable"}
	}
}
