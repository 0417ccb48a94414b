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

package syncengine

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultDebounceMs is the default auto-sync debounce window.
const DefaultDebounceMs = 3000

// config holds the Coordinator construction options.
type config struct {
	debounceMs          int
	timeProvider        func() int64
	logger              log.FieldLogger
	defaultCtx          Context
	initialSyncPageSize int
	concurrentPull      bool
}

// Option configures a Coordinator at construction time.
type Option func(*config)

// WithDebounce overrides the auto-sync debounce window.
func WithDebounce(d time.Duration) Option {
	return func(c *config) { c.debounceMs = int(d.Milliseconds()) }
}

// WithTimeProvider overrides the clock used to stamp cycleStart.
// Production callers should supply one that returns server time to
// avoid clock skew.
func WithTimeProvider(fn func() int64) Option {
	return func(c *config) { c.timeProvider = fn }
}

// WithLogger overrides the Coordinator's logger. The default is silent.
func WithLogger(l log.FieldLogger) Option {
	return func(c *config) { c.logger = l }
}

// WithDefaultContext sets the Context merged under any per-call override
// passed to SyncNow.
func WithDefaultContext(ctx Context) Option {
	return func(c *config) { c.defaultCtx = ctx }
}

// WithInitialSyncPageSize overrides the page size used only for a
// table's first sync (lastPulledAt == nil). Zero (the default) keeps
// the regular PageSize.
func WithInitialSyncPageSize(n int) Option {
	return func(c *config) { c.initialSyncPageSize = n }
}

// WithConcurrentPull runs each registered table's Pull concurrently
// within the Pull phase of a cycle (they only read, so this is safe);
// Push still always runs sequentially per table.
func WithConcurrentPull(enabled bool) Option {
	return func(c *config) { c.concurrentPull = enabled }
}

func defaultConfig() *config {
	return &config{
		debounceMs: DefaultDebounceMs,
		timeProvider: func() int64 {
			return time.Now().UnixMilli()
		},
		logger: silentLogger(),
	}
}
