// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package diag is a small health-check registry: named components
// register a check function, and Report runs them all to produce a
// single aggregate health payload, served by syncd's HTTP /healthz
// handler.
package diag

import (
	"context"
	"sync"
)

// Check is a named health probe. It should be cheap and side-effect
// free; Diagnostics may call it on every Report.
type Check func(ctx context.Context) error

// Diagnostics is a concurrency-safe registry of named Checks.
type Diagnostics struct {
	mu     sync.Mutex
	checks map[string]Check
}

// New returns an empty Diagnostics registry.
func New() *Diagnostics {
	return &Diagnostics{checks: make(map[string]Check)}
}

// Register adds a named Check. Registering the same name twice replaces
// the previous Check, which keeps re-registration idempotent across a
// Coordinator restart.
func (d *Diagnostics) Register(name string, check Check) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checks[name] = check
}

// Unregister removes a named Check, if present.
func (d *Diagnostics) Unregister(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.checks, name)
}

// Result is one named Check's outcome.
type Result struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Report is the aggregate outcome of every registered Check.
type Report struct {
	Healthy bool     `json:"healthy"`
	Results []Result `json:"results"`
}

// Report runs every registered Check and aggregates the results. Checks
// run sequentially and in registration order is not guaranteed; callers
// needing a stable order should sort Report.Results themselves.
func (d *Diagnostics) Report(ctx context.Context) Report {
	d.mu.Lock()
	checks := make(map[string]Check, len(d.checks))
	for name, check := range d.checks {
		checks[name] = check
	}
	d.mu.Unlock()

	report := Report{Healthy: true, Results: make([]Result, 0, len(checks))}
	for name, check := range checks {
		if err := check(ctx); err != nil {
			report.Healthy = false
			report.Results = append(report.Results, Result{Name: name, OK: false, Error: err.Error()})
			continue
		}
		report.Results = append(report.Results, Result{Name: name, OK: true})
	}
	return report
}
