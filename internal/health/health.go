// Package health provides the coordinator's probe endpoints.
//
//   - /health/live: the process answers
//   - /health/ready: the bootstrap listener accepts ranks
//   - /health/detailed: every component check with its message
//
// Detailed results look like:
//
//	{
//	  "status": "degraded",
//	  "checks": {
//	    "coordinator": {"status": "healthy"},
//	    "diagnostics": {"status": "healthy"},
//	    "sessions": {"status": "degraded", "message": "1 of 3 sessions failed"}
//	  }
//	}
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/hcclrt/internal/bootstrap"
)

// Status represents the overall health status.
type Status string

const (
	// StatusHealthy indicates all checks passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates some checks failed but ranks can still bootstrap.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates ranks cannot bootstrap.
	StatusUnhealthy Status = "unhealthy"
)

const defaultCacheTTL = 5 * time.Second

// Check represents a single health check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthStatus represents the complete health status of the coordinator.
type HealthStatus struct {
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Status    Status           `json:"status"`
}

// CoordinatorProbe is the live bootstrap coordinator.
type CoordinatorProbe interface {
	Running() bool
	Sessions() []bootstrap.SessionInfo
}

// Pinger is a dependency that can be probed, such as the diagnostics store.
type Pinger interface {
	Ping() error
}

// Checker performs health checks on the coordinator.
type Checker struct {
	cacheExpiry  time.Time
	coord        CoordinatorProbe
	diag         Pinger
	cachedStatus *HealthStatus
	cacheTTL     time.Duration
	mu           sync.RWMutex
}

// NewChecker creates a checker. diag may be nil when no diagnostics store
// is configured.
func NewChecker(coord CoordinatorProbe, diag Pinger) *Checker {
	return &Checker{
		coord:    coord,
		diag:     diag,
		cacheTTL: defaultCacheTTL,
	}
}

// Check runs every check and returns the overall status. Results are cached
// for a few seconds.
func (c *Checker) Check(ctx context.Context) *HealthStatus {
	c.mu.RLock()
	if c.cachedStatus != nil && time.Now().Before(c.cacheExpiry) {
		status := c.cachedStatus
		c.mu.RUnlock()
		return status
	}
	c.mu.RUnlock()

	probes := map[string]func(context.Context) Check{
		"coordinator": c.CheckCoordinator,
		"sessions":    c.CheckSessions,
	}
	if c.diag != nil {
		probes["diagnostics"] = c.CheckDiagnostics
	}

	var (
		g        errgroup.Group
		checksMu sync.Mutex
	)
	checks := make(map[string]Check, len(probes))

	for name, probe := range probes {
		g.Go(func() error {
			check := probe(ctx)

			checksMu.Lock()
			checks[name] = check
			checksMu.Unlock()

			return nil
		})
	}
	_ = g.Wait()

	healthStatus := &HealthStatus{
		Status:    overallStatus(checks),
		Checks:    checks,
		Timestamp: time.Now(),
	}

	c.mu.Lock()
	c.cachedStatus = healthStatus
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
	c.mu.Unlock()

	return healthStatus
}

// CheckCoordinator checks that the bootstrap listener is up.
func (c *Checker) CheckCoordinator(_ context.Context) Check {
	if c.coord == nil {
		return Check{Status: StatusUnhealthy, Message: "coordinator not initialized"}
	}

	if !c.coord.Running() {
		return Check{Status: StatusUnhealthy, Message: "coordinator listener stopped"}
	}

	return Check{Status: StatusHealthy}
}

// CheckSessions reports failed bootstrap sessions as degraded.
func (c *Checker) CheckSessions(_ context.Context) Check {
	if c.coord == nil {
		return Check{Status: StatusUnhealthy, Message: "coordinator not initialized"}
	}

	infos := c.coord.Sessions()

	failed := 0
	for _, si := range infos {
		if si.State == bootstrap.StateFailed.String() {
			failed++
		}
	}

	if failed > 0 {
		return Check{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d of %d sessions failed", failed, len(infos)),
		}
	}

	return Check{Status: StatusHealthy, Message: fmt.Sprintf("%d sessions", len(infos))}
}

// CheckDiagnostics checks that the diagnostics store answers reads. A broken
// store loses history but does not stop bootstrap.
func (c *Checker) CheckDiagnostics(_ context.Context) Check {
	if err := c.diag.Ping(); err != nil {
		return Check{Status: StatusDegraded, Message: "diagnostics store check failed: " + err.Error()}
	}

	return Check{Status: StatusHealthy}
}

// IsReady reports whether ranks can connect.
func (c *Checker) IsReady(_ context.Context) bool {
	return c.coord != nil && c.coord.Running()
}

// IsLive reports whether the process is alive.
func (c *Checker) IsLive(_ context.Context) bool {
	return true
}

func overallStatus(checks map[string]Check) Status {
	status := StatusHealthy

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}

	return status
}

// Handler serves the probe endpoints.
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// LivenessHandler handles liveness probes.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if h.checker.IsLive(r.Context()) {
		writeStatus(w, http.StatusOK, "ok")
	} else {
		writeStatus(w, http.StatusServiceUnavailable, "not ok")
	}
}

// ReadinessHandler handles readiness probes.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.checker.IsReady(r.Context()) {
		writeStatus(w, http.StatusOK, "ready")
	} else {
		writeStatus(w, http.StatusServiceUnavailable, "not ready")
	}
}

// DetailedHandler returns every check. Degraded answers 200.
func (h *Handler) DetailedHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())

	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
