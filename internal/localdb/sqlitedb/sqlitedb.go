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

// Package sqlitedb implements syncengine.LocalDB on top of
// modernc.org/sqlite, the reactive-local-database role an embedding
// application owns. Rows are stored as a row id plus
// a JSON payload blob, matching the loosely-typed LocalRaw/LocalRecord
// contract; an append-only dirty log drives both change notification
// and the unsynced-delta bookkeeping ApplySyncPatch reports back to the
// engine.
package sqlitedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/synctable/syncengine"
)

// DB adapts a sqlite database file to syncengine.LocalDB.
type DB struct {
	conn *sql.DB

	mu          sync.Mutex
	tables      map[string]bool
	listeners   map[int]*listener
	nextID      int
	watchCancel func()
}

type listener struct {
	tables map[string]bool
	ch     chan syncengine.ChangeNotice
}

// Open opens (creating if necessary) a sqlite database at path and
// prepares its bookkeeping tables. Pass ":memory:" for an ephemeral
// database, chiefly useful in tests.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening sqlite database")
	}
	conn.SetMaxOpenConns(1) // sqlite tolerates one writer; keep it simple.

	db := &DB{conn: conn, tables: make(map[string]bool), listeners: make(map[int]*listener)}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the underlying connection and stops the file watcher,
// if one was started with WatchFile.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.watchCancel != nil {
		db.watchCancel()
	}
	db.mu.Unlock()
	return db.conn.Close()
}

func (db *DB) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS _sync_watermark (
			table_name TEXT PRIMARY KEY,
			last_pulled_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS _sync_dirty (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name TEXT NOT NULL,
			row_id TEXT NOT NULL,
			op TEXT NOT NULL,
			source TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS _sync_cursor (
			table_name TEXT PRIMARY KEY,
			last_seq INTEGER NOT NULL
		)`,
	}
	for _, s := range statements {
		if _, err := db.conn.Exec(s); err != nil {
			return errors.Wrapf(err, "running migration: %s", s)
		}
	}
	return nil
}

// EnsureTable creates the backing table for a synced local table if it
// does not already exist. Applications call this once per Descriptor
// at startup, before handing the DB to a Coordinator.
func (db *DB) EnsureTable(table string) error {
	stmt := `CREATE TABLE IF NOT EXISTS "` + table + `" (
		id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		updated_at INTEGER NOT NULL DEFAULT 0,
		is_deleted INTEGER NOT NULL DEFAULT 0
	)`
	if _, err := db.conn.Exec(stmt); err != nil {
		return errors.Wrapf(err, "creating table %s", table)
	}
	db.mu.Lock()
	db.tables[table] = true
	db.mu.Unlock()
	return nil
}

// record is the syncengine.LocalRecord implementation backing rows read
// out of a sqlitedb table.
type record struct {
	id      string
	payload map[string]any
}

var _ syncengine.LocalRecord = (*record)(nil)

func (r *record) ID() string { return r.id }

func (r *record) Field(name string) (any, bool) {
	v, ok := r.payload[name]
	return v, ok
}

// AllFields implements the optional localRawFielder extension consumed
// by cmd/syncd's generic descriptor builder.
func (r *record) AllFields() map[string]any {
	return r.payload
}

func decodeRow(id, payload string) (*record, error) {
	m := make(map[string]any)
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, errors.Wrapf(err, "decoding payload for row %s", id)
		}
	}
	return &record{id: id, payload: m}, nil
}

// FindByField implements syncengine.LocalDB.
func (db *DB) FindByField(ctx context.Context, table, field string, value any) (syncengine.LocalRecord, bool, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, payload FROM "`+table+`" WHERE is_deleted = 0 AND json_extract(payload, '$.'||?) = ?`,
		field, value)
	if err != nil {
		return nil, false, errors.Wrapf(err, "finding %s by %s", table, field)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	var id, payload string
	if err := rows.Scan(&id, &payload); err != nil {
		return nil, false, err
	}
	rec, err := decodeRow(id, payload)
	return rec, true, err
}

// QueryWithScope implements syncengine.LocalDB.
func (db *DB) QueryWithScope(ctx context.Context, table string, filters map[string]any) ([]syncengine.LocalRecord, error) {
	query := `SELECT id, payload FROM "` + table + `" WHERE is_deleted = 0`
	var args []any
	for field, value := range filters {
		query += ` AND json_extract(payload, '$.'||?) = ?`
		args = append(args, field, value)
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "querying %s", table)
	}
	defer rows.Close()

	var result []syncengine.LocalRecord
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		rec, err := decodeRow(id, payload)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// FindByID implements syncengine.LocalDB.
func (db *DB) FindByID(ctx context.Context, table, id string) (syncengine.LocalRecord, bool, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT payload FROM "`+table+`" WHERE id = ?`, id)
	var payload string
	switch err := row.Scan(&payload); err {
	case sql.ErrNoRows:
		return nil, false, nil
	case nil:
		rec, err := decodeRow(id, payload)
		return rec, true, err
	default:
		return nil, false, errors.Wrapf(err, "finding %s by id", table)
	}
}

// LastPulledAt implements syncengine.LocalDB.
func (db *DB) LastPulledAt(ctx context.Context, table string) (int64, bool, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT last_pulled_at FROM _sync_watermark WHERE table_name = ?`, table)
	var ms int64
	switch err := row.Scan(&ms); err {
	case sql.ErrNoRows:
		return 0, false, nil
	case nil:
		return ms, true, nil
	default:
		return 0, false, errors.Wrap(err, "reading watermark")
	}
}

// tx is the syncengine.LocalTx passed to AtomicWrite and
// ApplySyncPatch's callbacks; every Upsert/Delete it performs is logged
// to _sync_dirty tagged with source, so ApplySyncPatch can later tell
// apart patch-applied writes from genuinely new local writes.
type tx struct {
	sqlTx  *sql.Tx
	source string
	touched map[string]map[string]bool // table -> id -> true, this transaction
}

var _ syncengine.LocalTx = (*tx)(nil)

func (t *tx) Upsert(table string, id string, values syncengine.LocalRaw) error {
	existing := make(map[string]any)
	row := t.sqlTx.QueryRow(`SELECT payload FROM "`+table+`" WHERE id = ?`, id)
	var payload string
	if err := row.Scan(&payload); err == nil {
		_ = json.Unmarshal([]byte(payload), &existing)
	} else if err != sql.ErrNoRows {
		return errors.Wrapf(err, "reading existing row %s in %s", id, table)
	}
	for k, v := range values {
		existing[k] = v
	}
	encoded, err := json.Marshal(existing)
	if err != nil {
		return errors.Wrap(err, "encoding payload")
	}

	var updatedAt int64
	if v, ok := existing["updatedAt"]; ok {
		updatedAt, _ = toMillis(v)
	} else if v, ok := existing["updated_at"]; ok {
		updatedAt, _ = toMillis(v)
	}
	isDeleted := 0
	if v, ok := existing["isDeleted"].(bool); ok && v {
		isDeleted = 1
	}
	if v, ok := existing["is_deleted"].(bool); ok && v {
		isDeleted = 1
	}

	_, err = t.sqlTx.Exec(
		`INSERT INTO "`+table+`" (id, payload, updated_at, is_deleted) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at, is_deleted = excluded.is_deleted`,
		id, string(encoded), updatedAt, isDeleted,
	)
	if err != nil {
		return errors.Wrapf(err, "upserting row %s in %s", id, table)
	}
	t.mark(table, id)
	return nil
}

func (t *tx) Delete(table string, id string) error {
	if _, err := t.sqlTx.Exec(`DELETE FROM "`+table+`" WHERE id = ?`, id); err != nil {
		return errors.Wrapf(err, "deleting row %s in %s", id, table)
	}
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

func toMillis(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// AtomicWrite implements syncengine.LocalDB: it runs fn inside a sqlite
// transaction tagged as a user write, logs every touched row to
// _sync_dirty, commits, and then fans the resulting ChangeNotice out to
// every interested listener.
func (db *DB) AtomicWrite(ctx context.Context, fn func(syncengine.LocalTx) error) error {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	t := &tx{sqlTx: sqlTx, source: "user"}
	if err := fn(t); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := db.logDirty(sqlTx, t); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return errors.Wrap(err, "committing transaction")
	}
	db.notify(t.touched)
	return nil
}

func (db *DB) logDirty(sqlTx *sql.Tx, t *tx) error {
	for table, ids := range t.touched {
		for id := range ids {
			// A touched row that no longer exists was deleted in this
			// transaction; every other touched row is logged as a write.
			op := "write"
			var one int
			if err := sqlTx.QueryRow(`SELECT 1 FROM "`+table+`" WHERE id = ?`, id).Scan(&one); err == sql.ErrNoRows {
				op = "delete"
			} else if err != nil {
				return errors.Wrap(err, "checking dirty row")
			}
			if _, err := sqlTx.Exec(
				`INSERT INTO _sync_dirty (table_name, row_id, op, source) VALUES (?, ?, ?, ?)`,
				table, id, op, t.source,
			); err != nil {
				return errors.Wrap(err, "logging dirty row")
			}
		}
	}
	return nil
}

// ApplySyncPatch implements syncengine.LocalDB: patch is
// applied inside one atomic write tagged as a patch application (so its
// own rows are not reported back as a delta to push), the watermark is
// advanced, and then every row dirtied since the previous call — by
// genuine local writes, not this patch — is read back out per table.
func (db *DB) ApplySyncPatch(ctx context.Context, patch map[string]syncengine.Patch, newLastPulledAt int64) (map[string]syncengine.LocalDelta, error) {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "beginning transaction")
	}
	t := &tx{sqlTx: sqlTx, source: "patch"}

	for table, p := range patch {
		for _, raw := range p.Created {
			id, _ := raw["id"].(string)
			if err := t.Upsert(table, id, raw); err != nil {
				sqlTx.Rollback()
				return nil, err
			}
		}
		for _, raw := range p.Updated {
			id, _ := raw["id"].(string)
			if err := t.Upsert(table, id, raw); err != nil {
				sqlTx.Rollback()
				return nil, err
			}
		}
		for _, id := range p.Deleted {
			if err := t.Delete(table, id); err != nil {
				sqlTx.Rollback()
				return nil, err
			}
		}

		if _, err := sqlTx.Exec(
			`INSERT INTO _sync_watermark (table_name, last_pulled_at) VALUES (?, ?)
			 ON CONFLICT(table_name) DO UPDATE SET last_pulled_at = excluded.last_pulled_at`,
			table, newLastPulledAt,
		); err != nil {
			sqlTx.Rollback()
			return nil, errors.Wrap(err, "advancing watermark")
		}
	}

	if err := db.logDirty(sqlTx, t); err != nil {
		sqlTx.Rollback()
		return nil, err
	}

	deltas := make(map[string]syncengine.LocalDelta, len(patch))
	for table := range patch {
		delta, err := db.collectDelta(sqlTx, table, t.touched[table])
		if err != nil {
			sqlTx.Rollback()
			return nil, err
		}
		deltas[table] = delta
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, errors.Wrap(err, "committing patch")
	}
	return deltas, nil
}

// collectDelta reads every row dirtied in table since the table's
// cursor, excluding ids this very patch just wrote (excludeIDs), and
// advances the cursor.
func (db *DB) collectDelta(sqlTx *sql.Tx, table string, excludeIDs map[string]bool) (syncengine.LocalDelta, error) {
	var cursor int64
	row := sqlTx.QueryRow(`SELECT last_seq FROM _sync_cursor WHERE table_name = ?`, table)
	if err := row.Scan(&cursor); err != nil && err != sql.ErrNoRows {
		return syncengine.LocalDelta{}, errors.Wrap(err, "reading dirty cursor")
	}

	rows, err := sqlTx.Query(
		`SELECT seq, row_id, op FROM _sync_dirty WHERE table_name = ? AND seq > ? ORDER BY seq`,
		table, cursor,
	)
	if err != nil {
		return syncengine.LocalDelta{}, errors.Wrap(err, "reading dirty log")
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var delta syncengine.LocalDelta
	var maxSeq int64
	for rows.Next() {
		var seq int64
		var id, op string
		if err := rows.Scan(&seq, &id, &op); err != nil {
			return syncengine.LocalDelta{}, err
		}
		if seq > maxSeq {
			maxSeq = seq
		}
		if excludeIDs != nil && excludeIDs[id] {
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		if op == "delete" {
			delta.Deleted = append(delta.Deleted, id)
		} else {
			delta.Updated = append(delta.Updated, id)
		}
	}
	if err := rows.Err(); err != nil {
		return syncengine.LocalDelta{}, err
	}

	if maxSeq > cursor {
		if _, err := sqlTx.Exec(
			`INSERT INTO _sync_cursor (table_name, last_seq) VALUES (?, ?)
			 ON CONFLICT(table_name) DO UPDATE SET last_seq = excluded.last_seq`,
			table, maxSeq,
		); err != nil {
			return syncengine.LocalDelta{}, errors.Wrap(err, "advancing dirty cursor")
		}
	}
	return delta, nil
}

// ObserveTableChanges implements syncengine.LocalDB: an in-process
// fan-out of every AtomicWrite (and, if WatchFile was called, every
// externally-detected write) touching one of tables.
func (db *DB) ObserveTableChanges(tables []string) (<-chan syncengine.ChangeNotice, func()) {
	wanted := make(map[string]bool, len(tables))
	for _, t := range tables {
		wanted[t] = true
	}
	ch := make(chan syncengine.ChangeNotice, 16)

	db.mu.Lock()
	id := db.nextID
	db.nextID++
	db.listeners[id] = &listener{tables: wanted, ch: ch}
	db.mu.Unlock()

	cancel := func() {
		db.mu.Lock()
		delete(db.listeners, id)
		db.mu.Unlock()
		close(ch)
	}
	return ch, cancel
}

func (db *DB) notify(touched map[string]map[string]bool) {
	if len(touched) == 0 {
		return
	}
	var tables []string
	for t := range touched {
		tables = append(tables, t)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
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
			// Listener is behind; auto-sync's debounce collapses bursts
			// anyway, so a dropped notice here just means one fewer
			// redundant trigger.
		}
	}
}
