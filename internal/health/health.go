// Package health runs liveness and readiness checks and serves them over
// gin.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avacord/internal/observability"
)

// DefaultCheckTimeout bounds one readiness evaluation.
const DefaultCheckTimeout = 5 * time.Second

// Status is a check outcome.
type Status string

// Check outcomes.
const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Result is the outcome of one check.
type Result struct {
	Status   Status `json:"status"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// CheckFunc evaluates one dependency.
type CheckFunc func(ctx context.Context) Result

// Report is a readiness evaluation.
type Report struct {
	Status    Status            `json:"status"`
	Version   string            `json:"version,omitempty"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]Result `json:"checks,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Checker holds the registered readiness checks.
type Checker struct {
	version string
	start   time.Time
	timeout time.Duration
	logger  observability.Logger
	metrics *Metrics

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// Option configures a Checker.
type Option func(*Checker)

// WithTimeout bounds every readiness evaluation.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		c.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Checker) {
		c.logger = logger
	}
}

// WithMetrics records check outcomes.
func WithMetrics(m *Metrics) Option {
	return func(c *Checker) {
		c.metrics = m
	}
}

// NewChecker creates a checker reporting the version.
func NewChecker(version string, opts ...Option) *Checker {
	c := &Checker{
		version: version,
		start:   time.Now(),
		timeout: DefaultCheckTimeout,
		logger:  observability.NopLogger(),
		checks:  make(map[string]CheckFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds or replaces a named check.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Unregister removes a check.
func (c *Checker) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checks, name)
}

// Names returns the registered check names in order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Readiness runs every check concurrently. One unhealthy check makes the
// report unhealthy, one degraded check makes it degraded.
func (c *Checker) Readiness(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()

	report := Report{
		Status:    StatusHealthy,
		Version:   c.version,
		Uptime:    time.Since(c.start).Round(time.Second).String(),
		Checks:    make(map[string]Result, len(checks)),
		Timestamp: time.Now().UTC(),
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check CheckFunc) {
			defer wg.Done()

			start := time.Now()
			result := check(ctx)
			result.Duration = time.Since(start).String()
			c.metrics.recordCheck(name, result.Status)

			if result.Status != StatusHealthy {
				c.logger.Warn("readiness check not healthy",
					observability.String("check", name),
					observability.String("status", string(result.Status)),
					observability.String("message", result.Message),
				)
			}

			mu.Lock()
			defer mu.Unlock()
			report.Checks[name] = result
			report.Status = worse(report.Status, result.Status)
		}(name, check)
	}
	wg.Wait()

	c.metrics.recordEvaluation("readiness", report.Status)
	return report
}

func worse(a, b Status) Status {
	rank := func(s Status) int {
		switch s {
		case StatusHealthy:
			return 0
		case StatusDegraded:
			return 1
		default:
			return 2
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// LivenessHandler answers while the process runs.
func (c *Checker) LivenessHandler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		c.metrics.recordEvaluation("liveness", StatusHealthy)
		ctx.JSON(http.StatusOK, gin.H{
			"status": StatusHealthy,
			"uptime": time.Since(c.start).Round(time.Second).String(),
		})
	}
}

// ReadinessHandler answers 503 while any check is unhealthy.
func (c *Checker) ReadinessHandler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		report := c.Readiness(ctx.Request.Context())
		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		ctx.JSON(code, report)
	}
}

// RegisterRoutes mounts /healthz, /livez and /readyz.
func (c *Checker) RegisterRoutes(r gin.IRoutes) {
	r.GET("/healthz", c.LivenessHandler())
	r.GET("/livez", c.LivenessHandler())
	r.GET("/readyz", c.ReadinessHandler())
}
