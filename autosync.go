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
	"sync"
	"time"
)

// debouncer coalesces multiple Trigger calls into a single firing of
// onTrigger after delay of quiet, grounded in the reference daemon's
// event-driven debounce pattern (cmd/bd/daemon_event_loop.go's
// Debouncer: NewDebouncer(interval, fn), Trigger(), CancelAndWait()).
type debouncer struct {
	delay     time.Duration
	onTrigger func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	wg      sync.WaitGroup
}

func newDebouncer(delay time.Duration, onTrigger func()) *debouncer {
	return &debouncer{delay: delay, onTrigger: onTrigger}
}

// Trigger (re)starts the debounce window. If a firing is already
// pending, its deadline is pushed out by delay.
func (d *debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.wg.Add(1)
	d.timer = time.AfterFunc(d.delay, func() {
		defer d.wg.Done()
		d.onTrigger()
	})
}

// CancelAndWait stops any pending firing and waits for an in-flight one
// to finish, then disables further triggers. Used by Coordinator.Stop.
func (d *debouncer) CancelAndWait() {
	d.mu.Lock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// autoSyncController wraps the local database's change observable and a
// debouncer. Each observed change is routed
// through the Reentrancy Guard: a genuine external change schedules a
// debounced sync; a sync-originated change is dropped.
type autoSyncController struct {
	local   LocalDB
	guard   *Guard
	debounce *debouncer
	tables  []string

	onExternalChange func(running bool)

	mu      sync.Mutex
	cancel  func()
	running bool
}

func newAutoSyncController(
	local LocalDB, guard *Guard, tables []string, debounceMs int, onDebounced func(), onExternalChange func(running bool),
) *autoSyncController {
	return &autoSyncController{
		local:            local,
		guard:            guard,
		debounce:         newDebouncer(time.Duration(debounceMs)*time.Millisecond, onDebounced),
		tables:           tables,
		onExternalChange: onExternalChange,
	}
}

// Start subscribes to the local database's change observable.
func (a *autoSyncController) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return
	}
	ch, cancel := a.local.ObserveTableChanges(a.tables)
	a.cancel = cancel
	a.running = true
	go func() {
		for range ch {
			if !a.guard.CheckAndDecrement() {
				continue // sync-originated change; suppress.
			}
			a.onExternalChange(true)
			a.debounce.Trigger()
		}
	}()
}

// Stop tears down the subscription and the debounce timer.
func (a *autoSyncController) Stop() {
	a.mu.Lock()
	running := a.running
	cancel := a.cancel
	a.running = false
	a.cancel = nil
	a.mu.Unlock()
	if running && cancel != nil {
		cancel()
	}
	a.debounce.CancelAndWait()
}
