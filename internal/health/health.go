// Package health reports whether the long-running watch mode is keeping up.
// Runs must be recent and the forward spool must stay within its budget.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/logwatch/internal/metrics"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Status      Status                 `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheck represents a health check function
type HealthCheck func(ctx context.Context) ComponentHealth

// Checker manages health checks for all components
type Checker struct {
	mu         sync.RWMutex
	components map[string]HealthCheck
	lastStatus map[string]ComponentHealth
	timeout    time.Duration
	metrics    *metrics.Collector
}

// NewChecker creates a new health checker. Results are mirrored to m when
// it is not nil.
func NewChecker(timeout time.Duration, m *metrics.Collector) *Checker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &Checker{
		components: make(map[string]HealthCheck),
		lastStatus: make(map[string]ComponentHealth),
		timeout:    timeout,
		metrics:    m,
	}
}

// Register registers a health check for a component
func (c *Checker) Register(name string, check HealthCheck) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = check
}

// Unregister removes a health check
func (c *Checker) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.components, name)
	delete(c.lastStatus, name)
}

// Check runs all health checks concurrently
func (c *Checker) Check(ctx context.Context) map[string]ComponentHealth {
	c.mu.RLock()
	components := make(map[string]HealthCheck, len(c.components))
	for k, v := range c.components {
		components[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]ComponentHealth, len(components))
	var (
		wg      sync.WaitGroup
		resultM sync.Mutex
	)

	for name, check := range components {
		wg.Add(1)
		go func(n string, chk HealthCheck) {
			defer wg.Done()
			result := c.run(ctx, n, chk)

			resultM.Lock()
			results[n] = result
			resultM.Unlock()
		}(name, check)
	}

	wg.Wait()
	return results
}

// CheckComponent runs a single component's health check
func (c *Checker) CheckComponent(ctx context.Context, name string) (ComponentHealth, bool) {
	c.mu.RLock()
	check, exists := c.components[name]
	c.mu.RUnlock()

	if !exists {
		return ComponentHealth{}, false
	}
	return c.run(ctx, name, check), true
}

func (c *Checker) run(ctx context.Context, name string, check HealthCheck) ComponentHealth {
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result := check(checkCtx)
	result.LastChecked = time.Now()

	c.mu.Lock()
	c.lastStatus[name] = result
	c.mu.Unlock()

	c.metrics.SetHealth(name, result.Status != StatusUnhealthy)
	return result
}

// GetLastStatus returns the last known status of all components
func (c *Checker) GetLastStatus() map[string]ComponentHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := make(map[string]ComponentHealth, len(c.lastStatus))
	for k, v := range c.lastStatus {
		status[k] = v
	}
	return status
}

// OverallStatus runs all checks and returns the combined status
func (c *Checker) OverallStatus(ctx context.Context) Status {
	return overall(c.Check(ctx))
}

func overall(results map[string]ComponentHealth) Status {
	status := StatusHealthy
	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

// HealthResponse represents the HTTP response for health checks
type HealthResponse struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func statusCode(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	// degraded still serves
	return http.StatusOK
}

// HTTPHandler reports every component
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := c.Check(r.Context())
		status := overall(results)
		writeJSON(w, statusCode(status), HealthResponse{
			Status:     status,
			Components: results,
			Timestamp:  time.Now(),
		})
	}
}

// LivenessHandler returns a simple liveness probe handler
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadinessHandler returns a readiness probe handler
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := c.OverallStatus(r.Context())
		writeJSON(w, statusCode(status), map[string]interface{}{
			"status":    status,
			"timestamp": time.Now(),
		})
	}
}

// CheckFunc creates a health check from a simple boolean function
func CheckFunc(check func() (bool, string)) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		healthy, message := check()
		status := StatusHealthy
		if !healthy {
			status = StatusUnhealthy
		}
		return ComponentHealth{
			Status:  status,
			Message: message,
		}
	}
}

// RunTracker records the outcome of the latest watch mode run
type RunTracker struct {
	mu   sync.Mutex
	last time.Time
	err  error
	runs int
}

// Record stores the outcome of a run that finished at t
func (r *RunTracker) Record(t time.Time, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = t
	r.err = err
	r.runs++
}

// Last returns the finish time of the latest run, the number of runs so far
// and the error of the latest run
func (r *RunTracker) Last() (time.Time, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.runs, r.err
}

// RunCheck is unhealthy when the latest run failed and degraded when no run
// finished within maxAge
func RunCheck(tracker *RunTracker, maxAge time.Duration, now func() time.Time) HealthCheck {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) ComponentHealth {
		last, runs, err := tracker.Last()
		meta := map[string]interface{}{"runs": runs}

		switch {
		case runs == 0:
			return ComponentHealth{Status: StatusDegraded, Message: "no run finished yet", Metadata: meta}
		case err != nil:
			return ComponentHealth{Status: StatusUnhealthy, Message: err.Error(), Metadata: meta}
		}

		age := now().Sub(last)
		meta["age_seconds"] = age.Seconds()
		if maxAge > 0 && age > maxAge {
			return ComponentHealth{
				Status:   StatusDegraded,
				Message:  fmt.Sprintf("last run finished %s ago", age.Round(time.Second)),
				Metadata: meta,
			}
		}
		return ComponentHealth{Status: StatusHealthy, Message: "runs are current", Metadata: meta}
	}
}

// SpoolCheck is degraded while anything is spooled and unhealthy once the
// spool exceeds maxSize, after which messages get evicted
func SpoolCheck(dir string, maxSize int64) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return ComponentHealth{Status: StatusHealthy, Message: "spool is empty"}
			}
			return ComponentHealth{Status: StatusUnhealthy, Message: err.Error()}
		}

		var size int64
		var chunks int
		for _, e := range entries {
			if e.IsDir() || !strings.HasPrefix(e.Name(), "spool.") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			size += info.Size()
			chunks++
		}

		meta := map[string]interface{}{
			"dir":    filepath.Clean(dir),
			"bytes":  size,
			"chunks": chunks,
		}
		switch {
		case maxSize > 0 && size > maxSize:
			return ComponentHealth{Status: StatusUnhealthy, Message: "spool exceeds its size budget", Metadata: meta}
		case chunks > 0:
			return ComponentHealth{Status: StatusDegraded, Message: fmt.Sprintf("%d chunks spooled", chunks), Metadata: meta}
		}
		return ComponentHealth{Status: StatusHealthy, Message: "spool is empty", Metadata: meta}
	}
}
