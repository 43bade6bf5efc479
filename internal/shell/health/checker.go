// Package health evaluates the health of a deployed application: its primary
// endpoint and every declared dependency. The checker reports status, it
// never errors; an unreachable target is simply an unhealthy one.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/floraldo/hive-sub000/internal/core/domain"
)

// checkEndpoint names the primary endpoint probe in the per-check map.
const checkEndpoint = "endpoint"

// checkSmoke names the smoke test probe in the per-check map.
const checkSmoke = "smoke_test"

// =============================================================================
// Checker
// =============================================================================

// Checker probes an application's health endpoint and its dependencies.
type Checker struct {
	httpClient *http.Client
	dial       func(ctx context.Context, network, addr string) (net.Conn, error)
	logger     *slog.Logger
	timeout    time.Duration
}

// Option configures a Checker.
type Option func(*Checker)

// WithTimeout bounds each individual probe.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) { c.timeout = d }
}

// WithHTTPClient substitutes the HTTP client used for probes.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Checker) { c.httpClient = hc }
}

// NewChecker creates a health checker. Each probe is bounded by a 5 second
// timeout unless overridden.
func NewChecker(logger *slog.Logger, opts ...Option) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Checker{
		logger:  logger.With("component", "health"),
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	if c.dial == nil {
		d := &net.Dialer{}
		c.dial = d.DialContext
	}
	return c
}

// CheckHealth evaluates the task's endpoint and dependencies. All checks must
// pass for the result to be healthy. An empty endpoint with no dependencies
// is vacuously healthy.
func (c *Checker) CheckHealth(ctx context.Context, task domain.DeploymentTask) domain.HealthStatus {
	checks := map[string]bool{}
	var failed []string

	if task.HealthEndpoint != "" {
		ok := c.probeHTTP(ctx, task.HealthEndpoint, "")
		checks[checkEndpoint] = ok
		if !ok {
			failed = append(failed, checkEndpoint)
		}
	}

	for _, dep := range task.HealthDependencies {
		var ok bool
		switch {
		case dep.URL != "":
			ok = c.probeHTTP(ctx, dep.URL, "")
		case dep.Address != "":
			ok = c.probeTCP(ctx, dep.Address)
		}
		checks[dep.Name] = ok
		if !ok {
			failed = append(failed, dep.Name)
		}
	}

	status := domain.HealthStatus{
		Healthy: len(failed) == 0,
		Checks:  checks,
	}
	if status.Healthy {
		status.Message = fmt.Sprintf("all %d checks passed", len(checks))
	} else {
		status.Message = fmt.Sprintf("checks failed: %s", strings.Join(failed, ", "))
	}

	c.logger.Debug("health evaluated",
		"task_id", task.ID,
		"healthy", status.Healthy,
		"checks", len(checks),
	)
	return status
}

// RunSmokeTest exercises the health endpoint as a post-deployment smoke
// probe. Tasks without an endpoint pass trivially.
func (c *Checker) RunSmokeTest(ctx context.Context, task domain.DeploymentTask) domain.HealthStatus {
	if task.HealthEndpoint == "" {
		return domain.HealthStatus{
			Healthy: true,
			Message: "no endpoint configured, smoke test skipped",
			Checks:  map[string]bool{},
		}
	}

	ok := c.probeHTTP(ctx, task.HealthEndpoint, "smoke")
	status := domain.HealthStatus{
		Healthy: ok,
		Checks:  map[string]bool{checkSmoke: ok},
	}
	if ok {
		status.Message = "smoke test passed"
	} else {
		status.Message = "smoke test failed"
	}
	return status
}

// =============================================================================
// Probes
// =============================================================================

// probeHTTP reports whether a GET on the URL returns a 2xx status within the
// probe timeout.
func (c *Checker) probeHTTP(ctx context.Context, url, probe string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.logger.Debug("invalid probe url", "url", url, "error", err)
		return false
	}
	if probe != "" {
		req.Header.Set("X-Health-Probe", probe)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("http probe failed", "url", url, "error", err)
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// probeTCP reports whether the address accepts a connection within the probe
// timeout.
func (c *Checker) probeTCP(ctx context.Context, addr string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dial(ctx, "tcp", addr)
	if err != nil {
		c.logger.Debug("tcp probe failed", "addr", addr, "error", err)
		return false
	}
	conn.Close()
	return true
}
