// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package health aggregates per-dependency probes into one report for
// the /health endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// Status of a single dependency or of the service as a whole.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the outcome of one probe.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration"`
}

// CheckFunc probes one dependency. It must respect ctx and return
// quickly; slow dependencies should answer degraded, not hang.
type CheckFunc func(ctx context.Context) Check

// Report is the aggregated health view. Overall status is the worst of
// the individual services: any unhealthy makes the report unhealthy,
// otherwise any degraded makes it degraded.
type Report struct {
	Status   Status           `json:"status"`
	Services map[string]Check `json:"services"`
}

// Checker runs registered probes and folds them into a Report.
type Checker struct {
	mu     sync.Mutex
	names  []string
	checks map[string]CheckFunc
}

// NewChecker returns an empty checker.
func NewChecker() *Checker {
	return &Checker{checks: make(map[string]CheckFunc)}
}

// Register adds a named probe. Re-registering a name replaces the
// previous probe.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.checks[name]; !ok {
		c.names = append(c.names, name)
	}
	c.checks[name] = fn
}

// Check runs every probe in registration order and aggregates the
// results.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.Lock()
	names := make([]string, len(c.names))
	copy(names, c.names)
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.Unlock()

	report := Report{
		Status:   StatusHealthy,
		Services: make(map[string]Check, len(names)),
	}
	for _, name := range names {
		start := time.Now()
		check := checks[name](ctx)
		check.Name = name
		check.LastChecked = start
		check.Duration = time.Since(start)
		report.Services[name] = check

		switch check.Status {
		case StatusUnhealthy:
			report.Status = StatusUnhealthy
		case StatusDegraded:
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}

// Healthy builds a passing check result.
func Healthy(msg string) Check {
	return Check{Status: StatusHealthy, Message: msg}
}

// Degraded builds a degraded check result.
func Degraded(msg string) Check {
	return Check{Status: StatusDegraded, Message: msg}
}

// Unhealthy builds a failing check result.
func Unhealthy(msg string) Check {
	return Check{Status: StatusUnhealthy, Message: msg}
}
