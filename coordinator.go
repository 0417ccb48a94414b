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
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// State is a snapshot of the Coordinator's progress.
type State struct {
	Running          bool
	InProgress       []string
	LastSyncAt       int64
	RegisteredTables []string
	Errors           int
}

// Coordinator orchestrates every registered Descriptor into a single
// atomic cycle, runs compensation cycles until quiescent, and
// multiplexes local-change and remote-change triggers through a
// debounced scheduler.
type Coordinator struct {
	local  LocalDB
	remote RemoteGateway
	guard  *Guard
	bus    *eventBus
	cfg    *config

	descriptors []*Descriptor
	engines     map[string]*Engine    // keyed by LocalTable
	accessors   map[string]*Accessor  // keyed by LocalTable

	mu               sync.Mutex
	isSyncing        bool
	hasPendingChange bool
	waiters          []chan error
	inProgress       map[string]bool
	lastSyncAt       int64
	errorsCount      int

	remoteSubsMu               sync.Mutex
	remoteSubs                 map[string]func()
	remoteSubscriptionsEnabled bool

	auto            *autoSyncController
	autoSyncStarted bool
}

// NewCoordinator validates and registers descriptors (immutable after
// this call) and returns a Coordinator ready for Start.
func NewCoordinator(local LocalDB, remote RemoteGateway, descriptors []*Descriptor, opts ...Option) (*Coordinator, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	guard := NewGuard()
	c := &Coordinator{
		local:       local,
		remote:      remote,
		guard:       guard,
		bus:         newEventBus(cfg.logger),
		cfg:         cfg,
		descriptors: make([]*Descriptor, 0, len(descriptors)),
		engines:     make(map[string]*Engine, len(descriptors)),
		accessors:   make(map[string]*Accessor, len(descriptors)),
		inProgress:  make(map[string]bool),
		remoteSubs:  make(map[string]func()),
	}

	seen := make(map[string]bool, len(descriptors))
	for _, d := range descriptors {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if seen[d.LocalTable] {
			return nil, errors.Wrapf(ErrConfiguration, "duplicate descriptor for table %s", d.LocalTable)
		}
		seen[d.LocalTable] = true

		accessor := NewAccessor(d, local, guard)
		engine := NewEngine(d, remote, accessor, cfg.logger, cfg.initialSyncPageSize, func(localID string) {
			c.bus.Emit(Event{Kind: EventConflict, Label: d.label(), Detail: localID})
		})

		c.descriptors = append(c.descriptors, d)
		c.accessors[d.LocalTable] = accessor
		c.engines[d.LocalTable] = engine
	}

	tables := c.tableNames()
	c.auto = newAutoSyncController(local, guard, tables, cfg.debounceMs,
		func() { c.triggerSyncNow() },
		func(running bool) { c.markPendingIfRunning() },
	)

	return c, nil
}

func (c *Coordinator) tableNames() []string {
	names := make([]string, len(c.descriptors))
	for i, d := range c.descriptors {
		names[i] = d.LocalTable
	}
	return names
}

// On registers a listener for kind and returns a function that removes
// it.
func (c *Coordinator) On(kind EventKind, listener Listener) func() {
	return c.bus.On(kind, listener)
}

// Start enables auto-sync: the coordinator will subscribe to the local
// database's change observable and schedule debounced cycles.
func (c *Coordinator) Start() {
	c.auto.Start()
}

// Stop disables auto-sync, tears down all subscriptions, and clears the
// debounce timer. An in-flight cycle is not interrupted; it runs to
// completion, after which no further cycles are scheduled.
func (c *Coordinator) Stop() {
	c.auto.Stop()
	c.DisableRemoteSubscriptions()
}

// State returns a snapshot of the coordinator's current progress.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	inProgress := make([]string, 0, len(c.inProgress))
	for label, on := range c.inProgress {
		if on {
			inProgress = append(inProgress, label)
		}
	}
	return State{
		Running:          c.isSyncing,
		InProgress:       inProgress,
		LastSyncAt:       c.lastSyncAt,
		RegisteredTables: c.tableNames(),
		Errors:           c.errorsCount,
	}
}

// triggerSyncNow is the debounced-trigger path used by auto-sync and
// remote subscriptions: it fires-and-forgets a SyncNow using the
// configured default Context, logging (but not propagating) any error.
func (c *Coordinator) triggerSyncNow() {
	if err := c.SyncNow(context.Background(), Context{}); err != nil {
		c.cfg.logger.WithError(err).Warn("debounced sync failed")
	}
}

// markPendingIfRunning sets hasPendingChange when a change is observed
// while a cycle is already running.
func (c *Coordinator) markPendingIfRunning() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isSyncing {
		c.hasPendingChange = true
	}
}

// SyncNow runs (or joins) a sync cycle and returns its error, if any.
// Concurrent callers coalesce: if a cycle is already running, the caller
// is enqueued as a waiter and hasPendingChange is set so that a
// compensation cycle runs immediately after the current one completes.
func (c *Coordinator) SyncNow(ctx context.Context, override Context) error {
	c.mu.Lock()
	if c.isSyncing {
		c.hasPendingChange = true
		waiter := make(chan error, 1)
		c.waiters = append(c.waiters, waiter)
		c.mu.Unlock()
		select {
		case err := <-waiter:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.isSyncing = true
	c.mu.Unlock()

	sctx := c.cfg.defaultCtx.merge(override)

	// This goroutine is now the "runner": it loops through compensation
	// cycles until quiescent, then drains every waiter that accumulated
	// across the whole chain in one pass. A waiter that joined mid-chain
	// is only told "done" once a cycle has actually observed no pending
	// change left to compensate for — resolving it the moment any one
	// cycle in the chain succeeds would race ahead of the very change
	// that caused it to join.
	for {
		err := c.runCycle(ctx, sctx)
		if err != nil {
			c.mu.Lock()
			c.errorsCount++
			c.isSyncing = false
			waiters := c.waiters
			c.waiters = nil
			c.mu.Unlock()
			c.bus.Emit(Event{Kind: EventError, Detail: err})
			for _, w := range waiters {
				w <- err
			}
			return err
		}
		cyclesTotal.Inc()

		c.mu.Lock()
		if c.hasPendingChange {
			c.hasPendingChange = false
			c.mu.Unlock()
			compensationCyclesTotal.Inc()
			continue
		}
		c.isSyncing = false
		waiters := c.waiters
		c.waiters = nil
		c.mu.Unlock()

		for _, w := range waiters {
			w <- nil
		}
		return nil
	}
}

// runCycle runs one cycle: Pull for every registered table, apply the
// aggregate patch atomically, then Push any table with local changes,
// with its subscription paused around the push.
func (c *Coordinator) runCycle(ctx context.Context, sctx Context) error {
	cycleStart := c.cfg.timeProvider()

	patch, err := c.pullAll(ctx, sctx, cycleStart)
	if err != nil {
		return err
	}

	changes, err := c.local.ApplySyncPatch(ctx, patch, cycleStart)
	if err != nil {
		return errors.Wrap(err, "applying sync patch")
	}

	c.mu.Lock()
	c.lastSyncAt = cycleStart
	c.mu.Unlock()
	c.bus.Emit(Event{Kind: EventState, Detail: c.State()})

	for _, d := range c.descriptors {
		delta := changes[d.LocalTable]
		if delta.Empty() {
			continue
		}
		if err := c.pushOne(ctx, d, delta, sctx); err != nil {
			return err
		}
	}

	return nil
}

// pullAll runs Pull for every registered table. When WithConcurrentPull
// is set, the individual pulls run concurrently (they only read); the
// cycle as a whole still always finishes the entire Pull phase before
// Push begins. The first Pull error aborts the remaining tables
// in the same cycle, since the patch would otherwise be inconsistent.
func (c *Coordinator) pullAll(ctx context.Context, sctx Context, cycleStart int64) (map[string]Patch, error) {
	patch := make(map[string]Patch, len(c.descriptors))
	var mu sync.Mutex

	setInProgress := func(label string, on bool) {
		c.mu.Lock()
		c.inProgress[label] = on
		c.mu.Unlock()
	}

	pullOne := func(d *Descriptor) error {
		setInProgress(d.label(), true)
		defer setInProgress(d.label(), false)

		lastPulledAt, ok, err := c.local.LastPulledAt(ctx, d.LocalTable)
		if err != nil {
			return errors.Wrapf(err, "reading watermark for %s", d.LocalTable)
		}
		var lpa *int64
		if ok {
			lpa = &lastPulledAt
		}

		p, err := c.engines[d.LocalTable].Pull(ctx, lpa, sctx)
		if err != nil {
			return err
		}
		mu.Lock()
		patch[d.LocalTable] = p
		mu.Unlock()
		c.bus.Emit(Event{Kind: EventPulled, Label: d.label(), Detail: p})
		return nil
	}

	if !c.cfg.concurrentPull {
		for _, d := range c.descriptors {
			if err := pullOne(d); err != nil {
				return nil, err
			}
		}
		return patch, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	_ = gctx
	for _, d := range c.descriptors {
		d := d
		g.Go(func() error { return pullOne(d) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return patch, nil
}

// pushOne pushes a single table's local delta, pausing and resuming its
// realtime subscription around the push so the gateway's own echo of the
// push does not retrigger a cycle.
func (c *Coordinator) pushOne(ctx context.Context, d *Descriptor, delta LocalDelta, sctx Context) error {
	subsEnabled := c.remoteSubscriptionsEnabled
	if subsEnabled {
		c.unsubscribeTable(d.LocalTable)
	}
	defer func() {
		if subsEnabled {
			_ = c.subscribeTable(ctx, d, sctx)
		}
	}()

	setInProgress := func(on bool) {
		c.mu.Lock()
		c.inProgress[d.label()] = on
		c.mu.Unlock()
	}
	setInProgress(true)
	defer setInProgress(false)

	if err := c.engines[d.LocalTable].Push(ctx, delta, sctx); err != nil {
		return err
	}
	c.bus.Emit(Event{Kind: EventPushed, Label: d.label(), Detail: delta})
	return nil
}
