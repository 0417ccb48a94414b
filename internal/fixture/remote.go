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

package fixture

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/synctable/syncengine"
	"github.com/synctable/syncengine/internal/fields"
)

// Remote is an in-memory syncengine.RemoteGateway, standing in for a
// real gateway (internal/remote/pqremote, internal/remote/myremote) in
// tests. It keeps rows as plain maps, keyed by an autogenerated "id"
// primary key column, and supports realtime subscriptions via
// in-process fan-out instead of LISTEN/NOTIFY.
type Remote struct {
	mu        sync.Mutex
	rows      map[string]map[string]syncengine.RemoteRow // table -> id -> row
	subs      map[string][]chan syncengine.RemoteChange
	clockNext int64 // monotonically increasing fake server clock, in millis
}

// NewRemote returns an empty in-memory Remote.
func NewRemote() *Remote {
	return &Remote{
		rows: make(map[string]map[string]syncengine.RemoteRow),
		subs: make(map[string][]chan syncengine.RemoteChange),
	}
}

var _ syncengine.RemoteGateway = (*Remote)(nil)

func cloneRow(row syncengine.RemoteRow) syncengine.RemoteRow {
	out := make(syncengine.RemoteRow, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// Seed inserts a row directly, for setting up a test's starting remote
// state. It does not notify subscribers.
func (r *Remote) Seed(table string, row syncengine.RemoteRow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rows[table] == nil {
		r.rows[table] = make(map[string]syncengine.RemoteRow)
	}
	id := fmt.Sprint(row["id"])
	if id == "" || id == "<nil>" {
		id = uuid.NewString()
		row = cloneRow(row)
		row["id"] = id
	}
	r.rows[table][id] = cloneRow(row)
}

// Row returns a copy of a remote row, for test assertions.
func (r *Remote) Row(table, id string) (syncengine.RemoteRow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[table][id]
	if !ok {
		return nil, false
	}
	return cloneRow(row), true
}

// SelectPage implements syncengine.RemoteGateway.
func (r *Remote) SelectPage(ctx context.Context, table string, filter syncengine.RemoteFilter, from, limit int) ([]syncengine.RemoteRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []syncengine.RemoteRow
	for _, row := range r.rows[table] {
		if filter.ScopeField != "" {
			if v, ok := row[filter.ScopeField]; !ok || fmt.Sprint(v) != filter.ScopeValue {
				continue
			}
		}
		if filter.Since != nil {
			raw, _ := fields.Lookup(row, filter.TimestampField)
			var ms int64
			if s, ok := raw.(string); ok {
				ms = fields.ISOToMillis(s)
			} else {
				ms = fields.ToMillis(raw)
			}
			if ms < fields.ISOToMillis(*filter.Since) {
				continue
			}
		}
		matched = append(matched, cloneRow(row))
	}

	if filter.TimestampField != "" {
		sort.Slice(matched, func(i, j int) bool {
			return rowMillis(matched[i], filter.TimestampField) < rowMillis(matched[j], filter.TimestampField)
		})
	} else {
		sort.Slice(matched, func(i, j int) bool {
			return fmt.Sprint(matched[i]["id"]) < fmt.Sprint(matched[j]["id"])
		})
	}

	if from >= len(matched) {
		return nil, nil
	}
	end := from + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[from:end], nil
}

func rowMillis(row syncengine.RemoteRow, field string) int64 {
	raw, _ := fields.Lookup(row, field)
	if s, ok := raw.(string); ok {
		return fields.ISOToMillis(s)
	}
	return fields.ToMillis(raw)
}

// SelectByPK implements syncengine.RemoteGateway.
func (r *Remote) SelectByPK(ctx context.Context, table, pkColumn string, pk any) (syncengine.RemoteRow, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows[table] {
		if v, ok := row[pkColumn]; ok && fmt.Sprint(v) == fmt.Sprint(pk) {
			return cloneRow(row), true, nil
		}
	}
	return nil, false, nil
}

// SelectByUniqueKey implements syncengine.RemoteGateway, treating eq's
// keys as dotted JSON-paths the way a real JSON-column gateway would.
func (r *Remote) SelectByUniqueKey(ctx context.Context, table string, eq map[string]any, softDeleteField string) (syncengine.RemoteRow, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows[table] {
		if softDeleteField != "" && fields.IsSoftDeleted(row, softDeleteField) {
			continue
		}
		matched := true
		for path, want := range eq {
			got, ok := fields.ExtractUniqueValue(row, path)
			if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
				matched = false
				break
			}
		}
		if matched {
			return cloneRow(row), true, nil
		}
	}
	return nil, false, nil
}

func (r *Remote) nextClock() int64 {
	now := time.Now().UnixMilli()
	if now <= r.clockNext {
		now = r.clockNext + 1
	}
	r.clockNext = now
	return now
}

// Update implements syncengine.RemoteGateway.
func (r *Remote) Update(ctx context.Context, table, pkColumn string, pk any, set map[string]any) (syncengine.RemoteRow, error) {
	r.mu.Lock()
	var id string
	for rowID, row := range r.rows[table] {
		if v, ok := row[pkColumn]; ok && fmt.Sprint(v) == fmt.Sprint(pk) {
			id = rowID
			break
		}
	}
	if id == "" {
		r.mu.Unlock()
		return nil, errors.Errorf("fixture: no row in %s with %s = %v", table, pkColumn, pk)
	}
	row := cloneRow(r.rows[table][id])
	for k, v := range set {
		row[k] = v
	}
	r.rows[table][id] = row
	result := cloneRow(row)
	r.mu.Unlock()

	r.publish(table, result)
	return result, nil
}

// Insert implements syncengine.RemoteGateway.
func (r *Remote) Insert(ctx context.Context, table string, values map[string]any) (syncengine.RemoteRow, error) {
	r.mu.Lock()
	if r.rows[table] == nil {
		r.rows[table] = make(map[string]syncengine.RemoteRow)
	}
	id := uuid.NewString()
	row := cloneRow(values)
	row["id"] = id
	r.rows[table][id] = row
	result := cloneRow(row)
	r.mu.Unlock()

	r.publish(table, result)
	return result, nil
}

// SoftDelete implements syncengine.RemoteGateway.
func (r *Remote) SoftDelete(ctx context.Context, table, pkColumn string, pk any, softDeleteField, timestampField string) error {
	r.mu.Lock()
	var id string
	for rowID, row := range r.rows[table] {
		if v, ok := row[pkColumn]; ok && fmt.Sprint(v) == fmt.Sprint(pk) {
			id = rowID
			break
		}
	}
	if id == "" {
		r.mu.Unlock()
		return errors.Errorf("fixture: no row in %s with %s = %v", table, pkColumn, pk)
	}
	row := cloneRow(r.rows[table][id])
	row[softDeleteField] = true
	row[timestampField] = fields.MillisToISO(r.nextClock())
	r.rows[table][id] = row
	result := cloneRow(row)
	r.mu.Unlock()

	r.publish(table, result)
	return nil
}

// ServerNow implements syncengine.RemoteGateway.
func (r *Remote) ServerNow(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextClock(), nil
}

// Subscribe implements syncengine.RemoteGateway via in-process fan-out
// of every Update/Insert/SoftDelete on table.
func (r *Remote) Subscribe(ctx context.Context, table string, filter *syncengine.RemoteFilter) (<-chan syncengine.RemoteChange, func(), error) {
	ch := make(chan syncengine.RemoteChange, 16)
	r.mu.Lock()
	r.subs[table] = append(r.subs[table], ch)
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		subs := r.subs[table]
		for i, c := range subs {
			if c == ch {
				r.subs[table] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel, nil
}

func (r *Remote) publish(table string, row syncengine.RemoteRow) {
	r.mu.Lock()
	subs := append([]chan syncengine.RemoteChange{}, r.subs[table]...)
	r.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- syncengine.RemoteChange{Table: table, Row: row}:
		default:
		}
	}
}
