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

	"github.com/synctable/syncengine/internal/fixture"
)

func testDescriptor() *Descriptor {
	return &Descriptor{
		LocalTable:  "tasks",
		RemoteTable: "tasks",
		Keys: KeySpec{
			RemotePK:           "id",
			LocalRemoteIDField: "remote_id",
			UniqueKey: []UniqueKeySpec{
				{LocalPath: "title", RemotePath: "title"},
			},
		},
		Timestamps: TimestampSpec{LocalField: "updated_at", RemoteField: "updated_at"},
		RemoteToLocal: func(row RemoteRow, ctx Context) (LocalRaw, error) {
			return LocalRaw{"title": row["title"]}, nil
		},
		LocalToRemote: func(record LocalRecord, ctx Context) (map[string]any, error) {
			title, _ := record.Field("title")
			return map[string]any{"title": title}, nil
		},
	}
}

func TestAccessorFindByRemoteIDNone(t *testing.T) {
	local := fixture.NewLocalDB()
	a := NewAccessor(testDescriptor(), local, NewGuard())
	rec, ok, err := a.FindByRemoteID(context.Background(), "R1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, rec)
}

func TestAccessorFindByRemoteIDEmptyStringNeverMatches(t *testing.T) {
	local := fixture.NewLocalDB()
	local.Seed("tasks", "L1", LocalRaw{"remote_id": ""})
	a := NewAccessor(testDescriptor(), local, NewGuard())
	_, ok, err := a.FindByRemoteID(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAccessorFindByRemoteIDMatch(t *testing.T) {
	local := fixture.NewLocalDB()
	local.Seed("tasks", "L1", LocalRaw{"remote_id": "R1", "title": "Alpha"})
	a := NewAccessor(testDescriptor(), local, NewGuard())
	rec, ok, err := a.FindByRemoteID(context.Background(), "R1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "L1", rec.ID())
}

func TestAccessorFieldNameStyleFallback(t *testing.T) {
	local := fixture.NewLocalDB()
	a := NewAccessor(testDescriptor(), local, NewGuard())

	rec := &fakeRecord{raw: LocalRaw{"remote_id": "R1"}}
	v, ok := a.Field(rec, "remoteId")
	require.True(t, ok)
	assert.Equal(t, "R1", v)

	rec2 := &fakeRecord{raw: LocalRaw{"remoteId": "R2"}}
	v, ok = a.Field(rec2, "remote_id")
	require.True(t, ok)
	assert.Equal(t, "R2", v)
}

func TestAccessorTimestampCoercion(t *testing.T) {
	local := fixture.NewLocalDB()
	a := NewAccessor(testDescriptor(), local, NewGuard())

	rec := &fakeRecord{raw: LocalRaw{"updated_at": int64(1000)}}
	assert.Equal(t, int64(1000), a.Timestamp(rec))

	rec2 := &fakeRecord{raw: LocalRaw{}}
	assert.Equal(t, int64(0), a.Timestamp(rec2))
}

func TestAccessorSoftDeletedDefaultField(t *testing.T) {
	local := fixture.NewLocalDB()
	a := NewAccessor(testDescriptor(), local, NewGuard())

	assert.True(t, a.SoftDeleted(&fakeRecord{raw: LocalRaw{"is_deleted": true}}))
	assert.False(t, a.SoftDeleted(&fakeRecord{raw: LocalRaw{"is_deleted": false}}))
	assert.False(t, a.SoftDeleted(&fakeRecord{raw: LocalRaw{}}))
}

func TestAccessorBuildUniqueIndex(t *testing.T) {
	local := fixture.NewLocalDB()
	local.Seed("tasks", "L1", LocalRaw{"title": "Alpha"})
	local.Seed("tasks", "L2", LocalRaw{"title": "Beta"})
	local.Seed("tasks", "L3", LocalRaw{"title": "Gamma", "is_deleted": true})

	a := NewAccessor(testDescriptor(), local, NewGuard())
	index, err := a.BuildUniqueIndex(context.Background(), Context{})
	require.NoError(t, err)
	assert.Len(t, index, 2)
}

// TestAccessorBuildUniqueIndexDuplicateIsDataIntegrityError covers
// spec.md I2: at most one live local row per unique key.
func TestAccessorBuildUniqueIndexDuplicateIsDataIntegrityError(t *testing.T) {
	local := fixture.NewLocalDB()
	local.Seed("tasks", "L1", LocalRaw{"title": "Alpha"})
	local.Seed("tasks", "L2", LocalRaw{"title": "Alpha"})

	a := NewAccessor(testDescriptor(), local, NewGuard())
	_, err := a.BuildUniqueIndex(context.Background(), Context{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDataIntegrity)
}

func TestAccessorBuildUniqueIndexMissingPathIsConfigurationError(t *testing.T) {
	local := fixture.NewLocalDB()
	local.Seed("tasks", "L1", LocalRaw{})

	a := NewAccessor(testDescriptor(), local, NewGuard())
	_, err := a.BuildUniqueIndex(context.Background(), Context{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestAccessorBuildUniqueIndexScopesByUser(t *testing.T) {
	local := fixture.NewLocalDB()
	desc := testDescriptor()
	desc.Scope = &ScopeSpec{UserField: "user_id"}
	local.Seed("tasks", "L1", LocalRaw{"title": "Alpha", "user_id": "U1"})
	local.Seed("tasks", "L2", LocalRaw{"title": "Beta", "user_id": "U2"})

	a := NewAccessor(desc, local, NewGuard())
	index, err := a.BuildUniqueIndex(context.Background(), Context{UserID: "U1"})
	require.NoError(t, err)
	assert.Len(t, index, 1)
}

func TestAccessorSuppressedWriteRaisesGuard(t *testing.T) {
	local := fixture.NewLocalDB()
	guard := NewGuard()
	a := NewAccessor(testDescriptor(), local, guard)

	err := a.SuppressedWrite(context.Background(), func(tx LocalTx) error {
		return tx.Upsert("tasks", "L1", LocalRaw{"title": "Alpha"})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, guard.Depth())
}

type fakeRecord struct {
	raw LocalRaw
}

func (r *fakeRecord) ID() string { return "fake" }
func (r *fakeRecord) Field(name string) (any, bool) {
	v, ok := r.raw[name]
	return v, ok
}
