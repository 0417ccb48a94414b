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

// This file targets spec.md §8's properties P1-P8 directly, one test
// per property (beyond the incidental coverage they already get inside
// engine_pull_test.go, engine_push_test.go, and coordinator_test.go).
package syncengine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synctable/syncengine/internal/fields"
	"github.com/synctable/syncengine/internal/fixture"
)

// TestPropertyP1BoundedCompensationUnderRepeatedExternalChanges: three
// genuine external changes observed while one cycle is running coalesce
// into exactly one compensation cycle, never an unbounded chain, within
// the "1 + number of compensation-inducing changes" bound.
func TestPropertyP1BoundedCompensationUnderRepeatedExternalChanges(t *testing.T) {
	local := fixture.NewLocalDB()
	inner := fixture.NewRemote()
	gate := &pausingGateway{RemoteGateway: inner, started: make(chan struct{}, 4), proceed: make(chan struct{})}

	c, err := NewCoordinator(local, gate, []*Descriptor{taskDescriptor()})
	require.NoError(t, err)

	var pulledCycles int32
	c.On(EventPulled, func(Event) { atomic.AddInt32(&pulledCycles, 1) })

	done := make(chan error, 1)
	go func() { done <- c.SyncNow(context.Background(), Context{}) }()

	<-gate.started
	// Three external changes arrive while the first cycle is in flight;
	// they must coalesce into a single pending flag, not three queued
	// compensation cycles.
	c.markPendingIfRunning()
	c.markPendingIfRunning()
	c.markPendingIfRunning()
	close(gate.proceed)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("SyncNow did not complete")
	}

	assert.EqualValues(t, 2, atomic.LoadInt32(&pulledCycles),
		"three coalesced external changes still bound to exactly one compensation cycle")
}

// TestPropertyP2Idempotence: running an unchanged Pull/Push pair twice
// in a row, with no intervening local or remote writes, produces no
// further changes the second time.
func TestPropertyP2Idempotence(t *testing.T) {
	local := fixture.NewLocalDB()
	remote := fixture.NewRemote()
	remote.Seed("tasks", RemoteRow{"id": "R1", "title": "A", "updated_at": fields.MillisToISO(1000), "is_deleted": false})

	e := newTestEngine(taskDescriptor(), local, remote)

	first, err := e.Pull(context.Background(), nil, Context{})
	require.NoError(t, err)
	require.Len(t, first.Created, 1)
	local.Seed("tasks", first.Created[0]["id"].(string), LocalRaw(first.Created[0]))
	lastPulledAt := int64(1000)

	for i := 0; i < 3; i++ {
		patch, err := e.Pull(context.Background(), &lastPulledAt, Context{})
		require.NoError(t, err)
		assert.True(t, patch.Empty(), "iteration %d must be a no-op", i)

		require.NoError(t, e.Push(context.Background(), LocalDelta{}, Context{}))
	}

	row, ok := remote.Row("tasks", "R1")
	require.True(t, ok)
	assert.Equal(t, "A", row["title"])
}

// TestPropertyP3PushNoOpOnEmptyDelta: pushing an empty LocalDelta never
// touches the remote gateway, regardless of what it contains.
func TestPropertyP3PushNoOpOnEmptyDelta(t *testing.T) {
	local := fixture.NewLocalDB()
	remote := &failingGateway{RemoteGateway: fixture.NewRemote()}

	e := newTestEngine(taskDescriptor(), local, remote)
	err := e.Push(context.Background(), LocalDelta{}, Context{})
	assert.NoError(t, err, "an empty delta must not even attempt a remote call")
}

// TestPropertyP4RemoteWinsExactTimestampTie: spec.md §4.4 step 4 breaks
// a tie (remote.updated_at == local.updated_at) in the remote's favor,
// on both the pull and the push side, which is what prevents two
// out-of-sync devices converging on the same timestamp from looping
// forever.
func TestPropertyP4RemoteWinsExactTimestampTie(t *testing.T) {
	t.Run("push side", func(t *testing.T) {
		local := fixture.NewLocalDB()
		local.Seed("tasks", "L1", LocalRaw{"title": "local", "remote_id": "R1", "updated_at": int64(1000)})
		remote := fixture.NewRemote()
		remote.Seed("tasks", RemoteRow{"id": "R1", "title": "remote", "updated_at": fields.MillisToISO(1000), "is_deleted": false})

		var conflicted []string
		accessor := NewAccessor(taskDescriptor(), local, NewGuard())
		e := NewEngine(taskDescriptor(), remote, accessor, nil, 0, func(id string) { conflicted = append(conflicted, id) })

		require.NoError(t, e.Push(context.Background(), LocalDelta{Updated: []string{"L1"}}, Context{}))
		row, ok := remote.Row("tasks", "R1")
		require.True(t, ok)
		assert.Equal(t, "remote", row["title"], "a tie must not overwrite the remote row")
		assert.Equal(t, []string{"L1"}, conflicted)
	})

	t.Run("pull side", func(t *testing.T) {
		local := fixture.NewLocalDB()
		local.Seed("tasks", "L1", LocalRaw{"title": "local", "remote_id": "R1", "updated_at": int64(1000)})
		remote := fixture.NewRemote()
		remote.Seed("tasks", RemoteRow{"id": "R1", "title": "remote", "updated_at": fields.MillisToISO(1000), "is_deleted": false})

		e := newTestEngine(taskDescriptor(), local, remote)
		patch, err := e.Pull(context.Background(), nil, Context{})
		require.NoError(t, err)
		assert.True(t, patch.Empty(), "a tie is not strictly newer, so pull must not reapply it")
	})
}

// TestPropertyP5UniqueKeyReconciliationNeverDuplicates drives the same
// unsynced local row through both Pull-side and Push-side resolution
// paths and checks that neither ever produces two remote rows sharing
// a unique key.
func TestPropertyP5UniqueKeyReconciliationNeverDuplicates(t *testing.T) {
	local := fixture.NewLocalDB()
	local.Seed("tasks", "L1", LocalRaw{"title": "Alpha", "remote_id": "", "updated_at": int64(1000)})
	remote := fixture.NewRemote()
	remote.Seed("tasks", RemoteRow{"id": "R1", "title": "Alpha", "updated_at": fields.MillisToISO(1500), "is_deleted": false})

	e := newTestEngine(taskDescriptor(), local, remote)

	patch, err := e.Pull(context.Background(), nil, Context{})
	require.NoError(t, err)
	require.Len(t, patch.Updated, 1, "reconciled via unique key, not inserted as new")
	local.Seed("tasks", "L1", LocalRaw(patch.Updated[0]))

	require.NoError(t, e.Push(context.Background(), LocalDelta{Updated: []string{"L1"}}, Context{}))

	rows, err := remote.SelectPage(context.Background(), "tasks", RemoteFilter{}, 0, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "still exactly one remote row for this unique key")
}

// TestPropertyP6SoftDeleteNeverPhysicallyRemovesRemoteRow asserts the
// invariant across an arbitrary number of push cycles: a soft-deleted
// remote row keeps existing (is_deleted=true), it is never dropped from
// the remote table.
func TestPropertyP6SoftDeleteNeverPhysicallyRemovesRemoteRow(t *testing.T) {
	local := fixture.NewLocalDB()
	local.Seed("tasks", "L1", LocalRaw{"title": "Alpha", "remote_id": "R1", "updated_at": int64(1000)})
	remote := fixture.NewRemote()
	remote.Seed("tasks", RemoteRow{"id": "R1", "title": "Alpha", "updated_at": fields.MillisToISO(500), "is_deleted": false})

	e := newTestEngine(taskDescriptor(), local, remote)

	for i := 0; i < 3; i++ {
		require.NoError(t, e.Push(context.Background(), LocalDelta{Deleted: []string{"L1"}}, Context{}))
		row, ok := remote.Row("tasks", "R1")
		require.True(t, ok, "iteration %d: remote row must still exist", i)
		assert.Equal(t, true, row["is_deleted"])
	}
}

// TestPropertyP7GuardBalancesUnderConcurrentSuppressedWrites is P7 at
// the Guard level: an arbitrary mix of successful and failing
// suppressed writes, issued concurrently, always nets back to zero once
// every resulting change notification has been observed.
func TestPropertyP7GuardBalancesUnderConcurrentSuppressedWrites(t *testing.T) {
	guard := NewGuard()
	const n = 100

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			if i%3 == 0 {
				_ = RunSuppressedErr(guard, func() error { return assert.AnError })
			} else {
				_ = RunSuppressedErr(guard, func() error { return nil })
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, n, guard.Depth(), "every raise is still owed exactly one decrement")
	for i := 0; i < n; i++ {
		guard.CheckAndDecrement()
	}
	assert.Equal(t, 0, guard.Depth())
}

// TestPropertyP8ScopeContainmentAcrossUsers covers both halves of a
// pull: it never materializes another user's row locally, and the
// unique index it uses to reconcile remote rows with local ones is
// built only from the caller's own scope, so it can never resolve a
// target belonging to someone else.
func TestPropertyP8ScopeContainmentAcrossUsers(t *testing.T) {
	desc := taskDescriptor()
	desc.Scope = &ScopeSpec{UserField: "user_id"}

	local := fixture.NewLocalDB()
	local.Seed("tasks", "mine", LocalRaw{"title": "Alpha", "remote_id": "", "updated_at": int64(1000), "user_id": "U1"})
	local.Seed("tasks", "theirs", LocalRaw{"title": "Alpha", "remote_id": "", "updated_at": int64(1000), "user_id": "U2"})

	remote := fixture.NewRemote()
	remote.Seed("tasks", RemoteRow{"id": "R-other", "title": "Other", "user_id": "U2", "updated_at": fields.MillisToISO(1000), "is_deleted": false})

	e := newTestEngine(desc, local, remote)

	patch, err := e.Pull(context.Background(), nil, Context{UserID: "U1"})
	require.NoError(t, err)
	assert.Empty(t, patch.Created, "another user's remote row must not be materialized locally")

	accessor := NewAccessor(desc, local, NewGuard())
	index, err := accessor.BuildUniqueIndex(context.Background(), Context{UserID: "U1"})
	require.NoError(t, err)
	_, found := index[mustSerializeTitle(t, "Alpha")]
	require.True(t, found)
	assert.Equal(t, "mine", index[mustSerializeTitle(t, "Alpha")].ID(),
		"the scoped index must resolve to the caller's own row, not another user's")
}

func mustSerializeTitle(t *testing.T, title string) string {
	t.Helper()
	key, err := fields.SerializeKey([]any{title})
	require.NoError(t, err)
	return key
}
