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

// Package fixture provides in-memory syncengine.LocalDB and
// syncengine.RemoteGateway implementations, adapted from the role
// internal/sinktest/all.Fixture plays in the reference implementation:
// a complete, disposable set of backing services a test can spin up in
// a single call, with no real database involved.
package fixture

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/synctable/syncengine"
)

// LocalDB is an in-memory syncengine.LocalDB, suitable for unit and
// property tests that don't need to exercise an actual sqlite file
// (see internal/localdb/sqlitedb for that).
type LocalDB struct {
	mu         sync.Mutex
	rows       map[string]map[string]syncengine.LocalRaw // table -> id -> row
	watermarks map[string]int64
	dirty      map[string][]dirtyEntry // table -> ordered log
	listeners  map[int]*localListener
	nextID     int
}

type dirtyEntry struct {
	id     string
	op     string
	source string
}

type localListener struct {
	tables map[string]bool
	ch     chan syncengine.ChangeNotice
}

// NewLocalDB returns an empty in-memory LocalDB.
func NewLocalDB() *LocalDB {
	return &LocalDB{
		rows:       make(map[string]map[string]syncengine.LocalRaw),
		watermarks: make(map[string]int64),
		dirty:      make(map[string][]dirtyEntry),
		listeners:  make(map[int]*localListener),
	}
}

var _ syncengine.LocalDB = (*LocalDB)(nil)

type record struct {
	id  string
	raw syncengine.LocalRaw
}

var _ syncengine.LocalRecord = (*record)(nil)

func (r *record) ID() string { return r.id }
func (r *record) Field(name string) (any, bool) {
	v, ok := r.raw[name]
	return v, ok
}

// AllFields implements the optional localRawFielder extension consumed
// by cmd/syncd's generic descriptor builder.
func (r *record) AllFields() map[string]any {
	return r.raw
}

func cloneRaw(raw syncengine.LocalRaw) syncengine.LocalRaw {
	out := make(syncengine.LocalRaw, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	return out
}

// Seed inserts a row directly, bypassing AtomicWrite and dirty
// tracking, for setting up a test's starting state.
func (db *LocalDB) Seed(table, id string, raw syncengine.LocalRaw) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.rows[table] == nil {
		db.rows[table] = make(map[string]syncengine.LocalRaw)
	}
	copied := cloneRaw(raw)
	copied["id"] = id
	db.rows[table][id] = copied
}

// Row returns a copy of a row's raw fields, for test assertions.
func (db *LocalDB) Row(table, id string) (syncengine.LocalRaw, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	raw, ok := db.rows[table][id]
	if !ok {
		return nil, false
	}
	return cloneRaw(raw), true
}

// FindByField implements syncengine.LocalDB.
func (db *LocalDB) FindByField(ctx context.Context, table, field string, value any) (syncengine.LocalRecord, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for id, raw := range db.rows[table] {
		if isDeleted(raw) {
			continue
		}
		if v, ok := raw[field]; ok && v == value {
			return &record{id: id, raw: cloneRaw(raw)}, true, nil
		}
	}
	return nil, false, nil
}

func isDeleted(raw syncengine.LocalRaw) bool {
	for _, key := range []string{"isDeleted", "is_deleted"} {
		if v, ok := raw[key].(bool); ok && v {
			return true
		}
	}
	return false
}

// QueryWithScope implements syncengine.LocalDB.
func (db *LocalDB) QueryWithScope(ctx context.Context, table string, filters map[string]any) ([]syncengine.LocalRecord, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var result []syncengine.LocalRecord
	for id, raw := range db.rows[table] {
		if isDeleted(raw) {
			continue
		}
		matched := true
		for field, value := range filters {
			if v, ok := raw[field]; !ok || v != value {
				matched = false
				break
			}
		}
		if matched {
			result = append(result, &record{id: id, raw: cloneRaw(raw)})
		}
	}
	return result, nil
}

// FindByID implements syncengine.LocalDB.
func (db *LocalDB) FindByID(ctx context.Context, table, id string) (syncengine.LocalRecord, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	raw, ok := db.rows[table][id]
	if !ok {
		return nil, false, nil
	}
	return &record{id: id, raw: cloneRaw(raw)}, true, nil
}

// LastPulledAt implements syncengine.LocalDB.
func (db *LocalDB) LastPulledAt(ctx context.Context, table string) (int64, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	ms, ok := db.watermarks[table]
	return ms, ok, nil
}

// tx is the syncengine.LocalTx given to AtomicWrite/ApplySyncPatch
// callers, recording every touched row so the caller can log it to the
// dirty log under the right source tag.
type tx struct {
	db      *LocalDB
	touched map[string]map[string]bool
}

var _ syncengine.LocalTx = (*tx)(nil)

func (t *tx) Upsert(table string, id string, values syncengine.LocalRaw) error {
	if t.db.rows[table] == nil {
		t.db.rows[table] = make(map[string]syncengine.LocalRaw)
	}
	existing := t.db.rows[table][id]
	if existing == nil {
		existing = syncengine.LocalRaw{}
	} else {
		existing = cloneRaw(existing)
	}
	for k, v := range values {
		existing[k] = v
	}
	existing["id"] = id
	t.db.rows[table][id] = existing
	t.mark(table, id)
	return nil
}

func (t *tx) Delete(table string, id string) error {
	delete(t.db.rows[table], id)
	t.mark(table, id)
	return nil
}

func (t *tx) mark(table, id string) {
	if t.touched == nil {
		t.touched = make(map[string]map[string]bool)
	}
	if t.touched[table] == nil {
		t.touched[table] = make(map[string]bool)
	}
	t.touched[table][id] = true
}

// AtomicWrite implements syncengine.LocalDB.
func (db *LocalDB) AtomicWrite(ctx context.Context, fn func(syncengine.LocalTx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	t := &tx{db: db}
	if err := fn(t); err != nil {
		return err
	}
	db.logDirtyLocked(t, "user")
	db.notifyLocked(t.touched)
	return nil
}

func (db *LocalDB) logDirtyLocked(t *tx, source string) {
	for table, ids := range t.touched {
		for id := range ids {
			op := "write"
			if _, ok := db.rows[table][id]; !ok {
				op = "delete"
			}
			db.dirty[table] = append(db.dirty[table], dirtyEntry{id: id, op: op, source: source})
		}
	}
}

// ApplySyncPatch implements syncengine.LocalDB: it applies patch tagged
// as the "patch" source so those rows are excluded from the delta it
// then reads back for every table in patch.
func (db *LocalDB) ApplySyncPatch(ctx context.Context, patch map[string]syncengine.Patch, newLastPulledAt int64) (map[string]syncengine.LocalDelta, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	t := &tx{db: db}
	for table, p := range patch {
		for _, raw := range p.Created {
			id, _ := raw["id"].(string)
			if err := t.Upsert(table, id, raw); err != nil {
				return nil, err
			}
		}
		for _, raw := range p.Updated {
			id, _ := raw["id"].(string)
			if err := t.Upsert(table, id, raw); err != nil {
				return nil, err
			}
		}
		for _, id := range p.Deleted {
			if err := t.Delete(table, id); err != nil {
				return nil, err
			}
		}
		db.watermarks[table] = newLastPulledAt
	}
	db.logDirtyLocked(t, "patch")

	deltas := make(map[string]syncengine.LocalDelta, len(patch))
	for table := range patch {
		deltas[table] = db.collectDeltaLocked(table, t.touched[table])
	}
	return deltas, nil
}

func (db *LocalDB) collectDeltaLocked(table string, excludeIDs map[string]bool) syncengine.LocalDelta {
	var delta syncengine.LocalDelta
	seen := make(map[string]bool)
	for _, entry := range db.dirty[table] {
		if excludeIDs != nil && excludeIDs[entry.id] {
			continue
		}
		if seen[entry.id] {
			continue
		}
		seen[entry.id] = true
		if entry.op == "delete" {
			delta.Deleted = append(delta.Deleted, entry.id)
		} else {
			delta.Updated = append(delta.Updated, entry.id)
		}
	}
	db.dirty[table] = nil
	return delta
}

// ObserveTableChanges implements syncengine.LocalDB.
func (db *LocalDB) ObserveTableChanges(tables []string) (<-chan syncengine.ChangeNotice, func()) {
	wanted := make(map[string]bool, len(tables))
	for _, t := range tables {
		wanted[t] = true
	}
	ch := make(chan syncengine.ChangeNotice, 16)

	db.mu.Lock()
	id := db.nextID
	db.nextID++
	db.listeners[id] = &localListener{tables: wanted, ch: ch}
	db.mu.Unlock()

	cancel := func() {
		db.mu.Lock()
		delete(db.listeners, id)
		db.mu.Unlock()
		close(ch)
	}
	return ch, cancel
}

func (db *LocalDB) notifyLocked(touched map[string]map[string]bool) {
	if len(touched) == 0 {
		return
	}
	var tables []string
	for t := range touched {
		tables = append(tables, t)
	}
	for _, l := range db.listeners {
		var matched []string
		for _, t := range tables {
			if l.tables[t] {
				matched = append(matched, t)
			}
		}
		if len(matched) == 0 {
			continue
		}
		select {
		case l.ch <- syncengine.ChangeNotice{Tables: matched}:
		default:
		}
	}
}

// NewID returns a fresh random local id, for tests that need to create
// rows outside of a Patch.
func NewID() string {
	return uuid.NewString()
}
