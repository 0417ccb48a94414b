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

import "context"

// Context carries the per-cycle sync scope, merged from a per-engine
// default and a per-call override.
type Context struct {
	UserID string
}

// merge returns a Context where any field set on override replaces the
// corresponding field of c.
func (c Context) merge(override Context) Context {
	ret := c
	if override.UserID != "" {
		ret.UserID = override.UserID
	}
	return ret
}

// LocalRaw is the set of field values the engine wants written into a
// local row. Values are opaque to the engine apart from the reserved
// fields documented on LocalRecord.
type LocalRaw map[string]any

// LocalRecord is a read-only view of a row already present in the local
// database. The engine only interprets four aspects of it: a stable id,
// the configured timestamp field, the remote-id field, and the
// soft-delete field; everything else is opaque and round-tripped through
// RemoteToLocal/LocalToRemote.
type LocalRecord interface {
	// ID returns the stable local identifier of the row.
	ID() string
	// Field returns the raw value stored under name, or (nil, false) if
	// absent. Implementations are not required to perform the
	// snake_case/camelCase fallback themselves; Accessor does that.
	Field(name string) (any, bool)
}

// RemoteRow is an opaque, JSON-shaped remote record. Values may be
// nested; some may be JSON-text-encoded strings that must be parsed
// before a dotted unique-key path can traverse into them.
type RemoteRow map[string]any

// RemoteFilter is the predicate applied to a paged remote query or a
// realtime subscription.
type RemoteFilter struct {
	// ScopeField/ScopeValue render an equality filter when ScopeField is
	// non-empty.
	ScopeField string
	ScopeValue string

	// TimestampField/Since render a "TimestampField >= Since" filter
	// when Since is non-nil. Since is an ISO-8601 string; the comparison
	// is deliberately inclusive.
	TimestampField string
	Since          *string
}

// RemoteChange is an opaque payload delivered by a realtime subscription
// on insert/update/delete.
type RemoteChange struct {
	Table string
	Row   RemoteRow
}

// ChangeNotice is an opaque payload delivered by LocalDB.ObserveTableChanges,
// at-least-once, one per atomic write batch.
type ChangeNotice struct {
	Tables []string
}

// Patch is ready for atomic application to a local table: the output of
// Engine.Pull.
type Patch struct {
	Created []LocalRaw
	Updated []LocalRaw
	Deleted []string
}

// Empty reports whether the patch carries no change at all.
func (p Patch) Empty() bool {
	return len(p.Created) == 0 && len(p.Updated) == 0 && len(p.Deleted) == 0
}

// LocalDelta describes local mutations observed since the last call to
// LocalDB.ApplySyncPatch: the local database's own view of its unsynced
// changes, and the input to Engine.Push.
type LocalDelta struct {
	Created []string
	Updated []string
	Deleted []string
}

// Empty reports whether the delta carries no change at all.
func (t LocalDelta) Empty() bool {
	return len(t.Created) == 0 && len(t.Updated) == 0 && len(t.Deleted) == 0
}

// LocalDB is the narrow interface consumed from the local reactive
// database.
type LocalDB interface {
	// ObserveTableChanges returns an at-least-once stream of change
	// notices (one per atomic write batch) for the given tables, and a
	// cancel function to stop observing.
	ObserveTableChanges(tables []string) (<-chan ChangeNotice, func())

	// AtomicWrite runs fn inside an exclusive write scope; every
	// mutation performed inside fn is observed as exactly one change
	// event.
	AtomicWrite(ctx context.Context, fn func(tx LocalTx) error) error

	// FindByField returns the sole record whose field equals value, or
	// ok=false if none exists.
	FindByField(ctx context.Context, table, field string, value any) (rec LocalRecord, ok bool, err error)

	// QueryWithScope returns all live rows in table, optionally
	// restricted by an equality filter (e.g. the scope user field).
	QueryWithScope(ctx context.Context, table string, filters map[string]any) ([]LocalRecord, error)

	// FindByID returns the record with the given local id, or ok=false.
	FindByID(ctx context.Context, table, id string) (rec LocalRecord, ok bool, err error)

	// ApplySyncPatch applies patch (keyed by local table name) inside an
	// atomic write and reports back the local mutations observed since
	// the previous such call, per table (this is how Push learns what to
	// push). newLastPulledAt is persisted by the local database as the
	// cycle's watermark.
	ApplySyncPatch(ctx context.Context, patch map[string]Patch, newLastPulledAt int64) (map[string]LocalDelta, error)

	// LastPulledAt returns the watermark persisted by the most recent
	// ApplySyncPatch call for table, or (0, false) if the table has
	// never been synced.
	LastPulledAt(ctx context.Context, table string) (ms int64, ok bool, err error)
}

// LocalTx is the write scope passed to LocalDB.AtomicWrite's callback.
// The engine never mutates local rows outside of one of these.
type LocalTx interface {
	Upsert(table string, id string, values LocalRaw) error
	Delete(table string, id string) error
}

// RemoteGateway is the narrow interface consumed from the remote data
// gateway.
type RemoteGateway interface {
	// SelectPage returns up to limit rows starting at offset from,
	// filtered by filter, for table.
	SelectPage(ctx context.Context, table string, filter RemoteFilter, from, limit int) ([]RemoteRow, error)

	// SelectByPK returns the single row with primary key pk, or
	// ok=false.
	SelectByPK(ctx context.Context, table, pkColumn string, pk any) (row RemoteRow, ok bool, err error)

	// SelectByUniqueKey returns the single live (non-soft-deleted) row
	// whose columns match eq, or ok=false. Keys in eq may use the
	// gateway's JSON-path syntax (see internal/remote/jsonpath).
	SelectByUniqueKey(ctx context.Context, table string, eq map[string]any, softDeleteField string) (row RemoteRow, ok bool, err error)

	// Update sets the named columns on the row with primary key pk and
	// returns the row as it exists after the update.
	Update(ctx context.Context, table, pkColumn string, pk any, set map[string]any) (RemoteRow, error)

	// Insert creates a new row and returns it with its assigned primary
	// key.
	Insert(ctx context.Context, table string, values map[string]any) (RemoteRow, error)

	// SoftDelete sets softDeleteField to true and timestampField to now
	// on the row with primary key pk.
	SoftDelete(ctx context.Context, table, pkColumn string, pk any, softDeleteField, timestampField string) error

	// Subscribe opens a realtime subscription on table, optionally
	// restricted by filter, emitting RemoteChange on insert/update/delete.
	// The returned cancel function tears the subscription down.
	Subscribe(ctx context.Context, table string, filter *RemoteFilter) (<-chan RemoteChange, func(), error)

	// ServerNow returns the remote server's current time, used as the
	// TimeProvider in production to avoid clock skew.
	ServerNow(ctx context.Context) (int64, error)
}
