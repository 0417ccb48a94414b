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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synctable/syncengine/internal/fields"
	"github.com/synctable/syncengine/internal/fixture"
)

// TestEnginePushLocalCreateFirstPush is spec.md S2: a brand new local
// row with no remote_id is inserted remotely, and the local row's
// remote_id/updated_at are written back from the inserted row.
func TestEnginePushLocalCreateFirstPush(t *testing.T) {
	local := fixture.NewLocalDB()
	local.Seed("tasks", "L1", LocalRaw{"title": "B", "remote_id": "", "updated_at": int64(1000)})
	remote := fixture.NewRemote()

	e := newTestEngine(taskDescriptor(), local, remote)
	err := e.Push(context.Background(), LocalDelta{Created: []string{"L1"}}, Context{})
	require.NoError(t, err)

	rows, err := remote.SelectPage(context.Background(), "tasks", RemoteFilter{}, 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "B", rows[0]["title"])

	raw, ok := local.Row("tasks", "L1")
	require.True(t, ok)
	assert.Equal(t, rows[0]["id"], raw["remote_id"])
	assert.NotEqual(t, int64(1000), raw["updated_at"])
}

// TestEnginePushConflictRemoteWins is spec.md S3: remote is strictly
// newer, so the push is skipped (last-write-wins resolves via Pull, not
// Push; the remote row itself must remain unchanged).
func TestEnginePushConflictRemoteWins(t *testing.T) {
	local := fixture.NewLocalDB()
	local.Seed("tasks", "L1", LocalRaw{"title": "local", "remote_id": "R1", "updated_at": int64(1000)})

	remote := fixture.NewRemote()
	remote.Seed("tasks", RemoteRow{"id": "R1", "title": "remote", "updated_at": fields.MillisToISO(2000), "is_deleted": false})

	var conflicted []string
	accessor := NewAccessor(taskDescriptor(), local, NewGuard())
	e := NewEngine(taskDescriptor(), remote, accessor, nil, 0, func(id string) {
		conflicted = append(conflicted, id)
	})

	err := e.Push(context.Background(), LocalDelta{Updated: []string{"L1"}}, Context{})
	require.NoError(t, err)

	row, ok := remote.Row("tasks", "R1")
	require.True(t, ok)
	assert.Equal(t, "remote", row["title"], "remote row must not be overwritten by the losing side")
	assert.Equal(t, []string{"L1"}, conflicted)
}

// TestEnginePushUniqueKeyRecovery is spec.md S4: an unsynced local row
// resolves its remote target via a configured unique key instead of
// inserting a duplicate.
func TestEnginePushUniqueKeyRecovery(t *testing.T) {
	local := fixture.NewLocalDB()
	local.Seed("tasks", "L1", LocalRaw{"title": "Alpha", "remote_id": "", "updated_at": int64(1000)})

	remote := fixture.NewRemote()
	remote.Seed("tasks", RemoteRow{"id": "R1", "title": "Alpha", "updated_at": fields.MillisToISO(500), "is_deleted": false})

	e := newTestEngine(taskDescriptor(), local, remote)
	err := e.Push(context.Background(), LocalDelta{Created: []string{"L1"}}, Context{})
	require.NoError(t, err)

	rows, err := remote.SelectPage(context.Background(), "tasks", RemoteFilter{}, 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1, "no duplicate remote row should be created")

	raw, ok := local.Row("tasks", "L1")
	require.True(t, ok)
	assert.Equal(t, "R1", raw["remote_id"])
}

// TestEnginePushSoftDeleteRoundTrip is spec.md S5/P6 (push direction): a
// local delete becomes a remote soft delete, never a physical removal.
func TestEnginePushSoftDeleteRoundTrip(t *testing.T) {
	local := fixture.NewLocalDB()
	local.Seed("tasks", "L1", LocalRaw{"title": "Alpha", "remote_id": "R1", "updated_at": int64(3000)})

	remote := fixture.NewRemote()
	remote.Seed("tasks", RemoteRow{"id": "R1", "title": "Alpha", "updated_at": fields.MillisToISO(1000), "is_deleted": false})

	e := newTestEngine(taskDescriptor(), local, remote)
	err := e.Push(context.Background(), LocalDelta{Deleted: []string{"L1"}}, Context{})
	require.NoError(t, err)

	row, ok := remote.Row("tasks", "R1")
	require.True(t, ok, "the remote row must still exist")
	assert.Equal(t, true, row["is_deleted"])
}

// TestEnginePushDeleteWithNoRemoteIDIsNoOp covers spec.md §4.4 Phase A:
// a row that never reached the remote has nothing to soft-delete.
func TestEnginePushDeleteWithNoRemoteIDIsNoOp(t *testing.T) {
	local := fixture.NewLocalDB()
	local.Seed("tasks", "L1", LocalRaw{"title": "Alpha", "remote_id": "", "updated_at": int64(1000)})
	remote := fixture.NewRemote()

	e := newTestEngine(taskDescriptor(), local, remote)
	err := e.Push(context.Background(), LocalDelta{Deleted: []string{"L1"}}, Context{})
	require.NoError(t, err)
}

// TestEnginePushIdempotenceUnderUnchangedLocalState is spec.md P3:
// pushing an empty delta performs no remote writes.
func TestEnginePushIdempotenceUnderUnchangedLocalState(t *testing.T) {
	local := fixture.NewLocalDB()
	remote := fixture.NewRemote()
	remote.Seed("tasks", RemoteRow{"id": "R1", "title": "Alpha", "updated_at": fields.MillisToISO(1000), "is_deleted": false})

	e := newTestEngine(taskDescriptor(), local, remote)
	err := e.Push(context.Background(), LocalDelta{}, Context{})
	require.NoError(t, err)

	row, _ := remote.Row("tasks", "R1")
	assert.Equal(t, "Alpha", row["title"])
}

// TestEnginePushShouldSyncLocalFilter covers spec.md §4.4 step 1: a
// record for which ShouldSyncLocal returns false is skipped entirely.
func TestEnginePushShouldSyncLocalFilter(t *testing.T) {
	desc := taskDescriptor()
	desc.ShouldSyncLocal = func(rec LocalRecord, ctx Context) bool {
		v, _ := rec.Field("title")
		return v != "skip-me"
	}

	local := fixture.NewLocalDB()
	local.Seed("tasks", "L1", LocalRaw{"title": "skip-me", "remote_id": "", "updated_at": int64(1000)})
	remote := fixture.NewRemote()

	e := newTestEngine(desc, local, remote)
	err := e.Push(context.Background(), LocalDelta{Created: []string{"L1"}}, Context{})
	require.NoError(t, err)

	rows, err := remote.SelectPage(context.Background(), "tasks", RemoteFilter{}, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

// TestEnginePushInjectsScopeUserField covers spec.md §4.4 step 2: a
// missing scope field is injected from ctx.UserID.
func TestEnginePushInjectsScopeUserField(t *testing.T) {
	desc := taskDescriptor()
	desc.Scope = &ScopeSpec{UserField: "user_id"}

	local := fixture.NewLocalDB()
	local.Seed("tasks", "L1", LocalRaw{"title": "Alpha", "remote_id": "", "updated_at": int64(1000)})
	remote := fixture.NewRemote()

	e := newTestEngine(desc, local, remote)
	err := e.Push(context.Background(), LocalDelta{Created: []string{"L1"}}, Context{UserID: "U1"})
	require.NoError(t, err)

	rows, err := remote.SelectPage(context.Background(), "tasks", RemoteFilter{}, 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "U1", rows[0]["user_id"])
}

// TestEnginePushDeletesBeforeUpserts exercises Phase A of spec.md
// §4.4: a deleted local row's remote counterpart is soft-deleted, not
// physically removed, using the row's last-known remote_id, and that
// happens before any upsert in the same delta. L2 shares L1's unique
// key; because R1 is already soft-deleted when L2 is pushed, L2 is
// inserted as a new remote row instead of being matched to R1.
func TestEnginePushDeletesBeforeUpserts(t *testing.T) {
	local := fixture.NewLocalDB()
	local.Seed("tasks", "L1", LocalRaw{"title": "Alpha", "remote_id": "R1", "updated_at": int64(3000)})
	local.Seed("tasks", "L2", LocalRaw{"title": "Alpha", "remote_id": "", "updated_at": int64(4000)})
	remote := fixture.NewRemote()
	remote.Seed("tasks", RemoteRow{"id": "R1", "title": "Alpha", "updated_at": fields.MillisToISO(1000), "is_deleted": false})

	e := newTestEngine(taskDescriptor(), local, remote)

	err := e.Push(context.Background(), LocalDelta{Created: []string{"L2"}, Deleted: []string{"L1"}}, Context{})
	require.NoError(t, err)

	row, ok := remote.Row("tasks", "R1")
	require.True(t, ok)
	assert.Equal(t, true, row["is_deleted"])

	rows, err := remote.SelectPage(context.Background(), "tasks", RemoteFilter{}, 0, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 2, "L2 must be inserted, not matched to the soft-deleted R1")
}
