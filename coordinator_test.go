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
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synctable/syncengine/internal/fixture"
)

func invalidDescriptor() *Descriptor {
	return &Descriptor{LocalTable: "tasks"} // missing everything else
}

func TestNewCoordinatorValidatesDescriptors(t *testing.T) {
	_, err := NewCoordinator(fixture.NewLocalDB(), fixture.NewRemote(), []*Descriptor{invalidDescriptor()})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestNewCoordinatorRejectsDuplicateTable(t *testing.T) {
	d1 := taskDescriptor()
	d2 := taskDescriptor()
	_, err := NewCoordinator(fixture.NewLocalDB(), fixture.NewRemote(), []*Descriptor{d1, d2})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestCoordinatorStateReflectsRegisteredTables(t *testing.T) {
	c, err := NewCoordinator(fixture.NewLocalDB(), fixture.NewRemote(), []*Descriptor{taskDescriptor()})
	require.NoError(t, err)
	state := c.State()
	assert.Equal(t, []string{"tasks"}, state.RegisteredTables)
	assert.False(t, state.Running)
	assert.Zero(t, state.Errors)
}

// TestCoordinatorSyncNowPullOnlyCycleDoesNotPush is spec.md S1 at the
// coordinator level: rows materialized purely from a Pull patch are
// excluded from the delta ApplySyncPatch reports back (spec.md I5), so
// a pull-only cycle performs no remote writes.
func TestCoordinatorSyncNowPullOnlyCycleDoesNotPush(t *testing.T) {
	local := fixture.NewLocalDB()
	remote := fixture.NewRemote()
	remote.Seed("tasks", RemoteRow{"id": "R1", "title": "A", "updated_at": "2025-01-01T00:00:00Z", "is_deleted": false})

	c, err := NewCoordinator(local, remote, []*Descriptor{taskDescriptor()})
	require.NoError(t, err)

	var pushed int32
	c.On(EventPushed, func(Event) { atomic.AddInt32(&pushed, 1) })

	err = c.SyncNow(context.Background(), Context{})
	require.NoError(t, err)

	raw, ok := local.Row("tasks", "tasks:R1")
	require.True(t, ok)
	assert.Equal(t, "A", raw["title"])
	assert.Equal(t, "R1", raw["remote_id"])
	assert.EqualValues(t, 0, atomic.LoadInt32(&pushed))
}

// TestCoordinatorSyncNowPushesExternalLocalChange covers spec.md S2 at
// the coordinator level: a genuine local write (outside of a patch) is
// reported by ApplySyncPatch's delta and pushed in the same cycle.
func TestCoordinatorSyncNowPushesExternalLocalChange(t *testing.T) {
	local := fixture.NewLocalDB()
	remote := fixture.NewRemote()

	c, err := NewCoordinator(local, remote, []*Descriptor{taskDescriptor()})
	require.NoError(t, err)

	require.NoError(t, local.AtomicWrite(context.Background(), func(tx LocalTx) error {
		return tx.Upsert("tasks", "L1", LocalRaw{"title": "B", "remote_id": "", "updated_at": int64(1000)})
	}))

	err = c.SyncNow(context.Background(), Context{})
	require.NoError(t, err)

	rows, err := remote.SelectPage(context.Background(), "tasks", RemoteFilter{}, 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "B", rows[0]["title"])
}

func TestCoordinatorEmitsPulledAndPushedEvents(t *testing.T) {
	local := fixture.NewLocalDB()
	remote := fixture.NewRemote()

	c, err := NewCoordinator(local, remote, []*Descriptor{taskDescriptor()})
	require.NoError(t, err)

	var pulled, pushed, state int32
	c.On(EventPulled, func(Event) { atomic.AddInt32(&pulled, 1) })
	c.On(EventPushed, func(Event) { atomic.AddInt32(&pushed, 1) })
	c.On(EventState, func(Event) { atomic.AddInt32(&state, 1) })

	require.NoError(t, local.AtomicWrite(context.Background(), func(tx LocalTx) error {
		return tx.Upsert("tasks", "L1", LocalRaw{"title": "B", "remote_id": "", "updated_at": int64(1000)})
	}))

	require.NoError(t, c.SyncNow(context.Background(), Context{}))

	assert.EqualValues(t, 1, atomic.LoadInt32(&pulled))
	assert.EqualValues(t, 1, atomic.LoadInt32(&pushed))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&state), int32(1))
}

// TestCoordinatorSyncNowPropagatesError covers spec.md §7: a remote
// transport error aborts the cycle and is returned to the caller.
func TestCoordinatorSyncNowPropagatesError(t *testing.T) {
	local := fixture.NewLocalDB()
	remote := &failingGateway{RemoteGateway: fixture.NewRemote()}

	c, err := NewCoordinator(local, remote, []*Descriptor{taskDescriptor()})
	require.NoError(t, err)

	err = c.SyncNow(context.Background(), Context{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemoteTransport)
	assert.Equal(t, 1, c.State().Errors)
}

// TestCoordinatorGuardBalancedAfterCycle is spec.md P7: the Reentrancy
// Guard's counter returns to its starting value after every settled
// cycle, including one that both pulls a created row and pushes a
// local change. The push's write-back is a suppressed write that raises
// the guard; the running auto-sync consumer lowers it again when it
// observes that write's change notice.
func TestCoordinatorGuardBalancedAfterCycle(t *testing.T) {
	local := fixture.NewLocalDB()
	remote := fixture.NewRemote()
	remote.Seed("tasks", RemoteRow{"id": "R1", "title": "A", "updated_at": "2025-01-01T00:00:00Z", "is_deleted": false})

	c, err := NewCoordinator(local, remote, []*Descriptor{taskDescriptor()})
	require.NoError(t, err)

	require.NoError(t, local.AtomicWrite(context.Background(), func(tx LocalTx) error {
		return tx.Upsert("tasks", "L1", LocalRaw{"title": "B", "remote_id": "", "updated_at": int64(1000)})
	}))

	c.Start()
	defer c.Stop()

	require.NoError(t, c.SyncNow(context.Background(), Context{}))
	assert.Eventually(t, func() bool { return c.guard.Depth() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// TestCoordinatorCompensationCycleRunsUntilQuiescent is spec.md P1: a
// genuine external change observed while a cycle is running causes
// exactly one additional compensation cycle, not an unbounded chain.
func TestCoordinatorCompensationCycleRunsUntilQuiescent(t *testing.T) {
	local := fixture.NewLocalDB()
	inner := fixture.NewRemote()
	gate := &pausingGateway{RemoteGateway: inner, started: make(chan struct{}, 4), proceed: make(chan struct{})}

	c, err := NewCoordinator(local, gate, []*Descriptor{taskDescriptor()})
	require.NoError(t, err)

	var pulledCycles int32
	c.On(EventPulled, func(Event) { atomic.AddInt32(&pulledCycles, 1) })

	done := make(chan error, 1)
	go func() { done <- c.SyncNow(context.Background(), Context{}) }()

	// Wait for the first cycle's Pull to actually begin: isSyncing is
	// already true by this point.
	<-gate.started
	assert.True(t, c.State().Running)
	c.markPendingIfRunning()
	close(gate.proceed)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("SyncNow did not complete")
	}

	assert.EqualValues(t, 2, atomic.LoadInt32(&pulledCycles), "exactly one compensation cycle should have run")
	assert.False(t, c.State().Running)
}

// TestCoordinatorConcurrentSyncNowCallersCoalesce covers spec.md §4.5's
// waiter fan-out: a caller that joins while a cycle is already running
// does not start a second independent cycle, and is only resolved once
// the whole chain reaches quiescence.
func TestCoordinatorConcurrentSyncNowCallersCoalesce(t *testing.T) {
	local := fixture.NewLocalDB()
	inner := fixture.NewRemote()
	gate := &pausingGateway{RemoteGateway: inner, started: make(chan struct{}, 4), proceed: make(chan struct{})}

	c, err := NewCoordinator(local, gate, []*Descriptor{taskDescriptor()})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); errs[0] = c.SyncNow(context.Background(), Context{}) }()

	<-gate.started
	go func() { defer wg.Done(); errs[1] = c.SyncNow(context.Background(), Context{}) }()
	// Give the second caller a moment to enqueue as a waiter.
	time.Sleep(20 * time.Millisecond)
	close(gate.proceed)

	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
}

func TestCoordinatorEnableRemoteSubscriptionsPausesAroundPush(t *testing.T) {
	local := fixture.NewLocalDB()
	inner := fixture.NewRemote()
	counting := &subscribeCountingGateway{RemoteGateway: inner}

	c, err := NewCoordinator(local, counting, []*Descriptor{taskDescriptor()})
	require.NoError(t, err)

	require.NoError(t, c.EnableRemoteSubscriptions(context.Background(), Context{}))
	assert.EqualValues(t, 1, atomic.LoadInt32(&counting.calls))

	require.NoError(t, local.AtomicWrite(context.Background(), func(tx LocalTx) error {
		return tx.Upsert("tasks", "L1", LocalRaw{"title": "B", "remote_id": "", "updated_at": int64(1000)})
	}))
	require.NoError(t, c.SyncNow(context.Background(), Context{}))

	// Once for Enable, once more when pushOne tears down and reopens
	// the subscription around the push.
	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&counting.calls)), 2)

	c.DisableRemoteSubscriptions()
}

// failingGateway always fails SelectPage, simulating a remote
// transport error.
type failingGateway struct {
	RemoteGateway
}

func (g *failingGateway) SelectPage(ctx context.Context, table string, filter RemoteFilter, from, limit int) ([]RemoteRow, error) {
	return nil, errBoom
}

var errBoom = stderrors.New("boom")

// pausingGateway blocks the first SelectPage call until proceed is
// closed, signaling started first so the test can observe the window
// during which a cycle is genuinely in flight.
type pausingGateway struct {
	RemoteGateway
	once    sync.Once
	started chan struct{}
	proceed chan struct{}
}

func (g *pausingGateway) SelectPage(ctx context.Context, table string, filter RemoteFilter, from, limit int) ([]RemoteRow, error) {
	g.once.Do(func() {
		g.started <- struct{}{}
		<-g.proceed
	})
	return g.RemoteGateway.SelectPage(ctx, table, filter, from, limit)
}

type subscribeCountingGateway struct {
	RemoteGateway
	calls int32
}

func (g *subscribeCountingGateway) Subscribe(ctx context.Context, table string, filter *RemoteFilter) (<-chan RemoteChange, func(), error) {
	atomic.AddInt32(&g.calls, 1)
	return g.RemoteGateway.Subscribe(ctx, table, filter)
}
