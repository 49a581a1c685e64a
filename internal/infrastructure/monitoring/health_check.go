package monitoring

import (
	"context"
	"sync"
	"time"

	"vocetra/internal/core/ports"
)

type HealthCheck struct {
	Name    string
	Check   func(ctx context.Context) (bool, error)
	Timeout time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

type HealthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) (bool, error), timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check, Timeout: timeout})
}

// AddWorkerPoolCheck flags the service unhealthy when no media worker is
// online: every join would fail with a capacity error.
func (h *HealthChecker) AddWorkerPoolCheck(pool ports.WorkerPool, timeout time.Duration) {
	h.AddCheck("workers", func(ctx context.Context) (bool, error) {
		for _, s := range pool.Stats() {
			if s.Online {
				return true, nil
			}
		}
		return false, nil
	}, timeout)
}

func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]string),
	}

	for _, check := range h.checks {
		checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
		healthy, err := check.Check(checkCtx)
		cancel()

		switch {
		case err != nil:
			status.Status = "unhealthy"
			status.Checks[check.Name] = err.Error()
		case !healthy:
			status.Status = "unhealthy"
			status.Checks[check.Name] = "check failed"
		default:
			status.Checks[check.Name] = "healthy"
		}
	}
	return status
}
