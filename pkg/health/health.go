// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-diskvault.
//
// go-diskvault is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package health aggregates component health checks for the admin endpoint.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusHealthy indicates the component is operating normally.
	StatusHealthy Status = "healthy"

	// StatusUnhealthy indicates the component is not functioning.
	StatusUnhealthy Status = "unhealthy"

	// StatusDegraded indicates reduced capacity, e.g. a disabled optional
	// subsystem.
	StatusDegraded Status = "degraded"
)

// CheckResult is the result of a single health check.
type CheckResult struct {
	// Name identifies the checked component.
	Name string `json:"name"`

	// Status is the component's health status.
	Status Status `json:"status"`

	// Message provides additional context about the status.
	Message string `json:"message,omitempty"`

	// Latency is how long the check took.
	Latency time.Duration `json:"latency"`
}

// CheckFunc performs one health check. It should return quickly.
type CheckFunc func(ctx context.Context) CheckResult

// Report is the aggregated result of all registered checks.
type Report struct {
	// Status is the worst status across all checks.
	Status Status `json:"status"`

	// Checks are the individual results, sorted by name.
	Checks []CheckResult `json:"checks,omitempty"`
}

// Checker runs registered component checks and aggregates their status.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewChecker creates an empty health checker.
func NewChecker() *Checker {
	return &Checker{checks: make(map[string]CheckFunc)}
}

// RegisterCheck adds a named health check, replacing any existing check of
// the same name.
func (c *Checker) RegisterCheck(name string, check CheckFunc) {
	if check == nil {
		return
	}
	c.mu.Lock()
	c.checks[name] = check
	c.mu.Unlock()
}

// Check runs all registered checks. The overall status is the worst
// individual status; no checks at all is healthy.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checks[name] = fn
	}
	c.mu.RUnlock()

	report := Report{Status: StatusHealthy}
	for name, fn := range checks {
		start := time.Now()
		result := fn(ctx)
		result.Name = name
		result.Latency = time.Since(start)
		report.Checks = append(report.Checks, result)

		switch result.Status {
		case StatusUnhealthy:
			report.Status = StatusUnhealthy
		case StatusDegraded:
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
	}
	sort.Slice(report.Checks, func(i, j int) bool {
		return report.Checks[i].Name < report.Checks[j].Name
	})
	return report
}

// Healthy is a convenience CheckResult for a passing check.
func Healthy(message string) CheckResult {
	return CheckResult{Status: StatusHealthy, Message: message}
}

// Unhealthy is a convenience CheckResult for a failing check.
func Unhealthy(err error) CheckResult {
	return CheckResult{Status: StatusUnhealthy, Message: fmt.Sprintf("%v", err)}
}
