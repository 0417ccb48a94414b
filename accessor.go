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
	"fmt"

	"github.com/pkg/errors"
	"github.com/synctable/syncengine/internal/fields"
)

// Accessor is the Local Data Accessor: field reads tolerant of
// snake_case/camelCase, unique-key index construction, and the
// soft-delete predicate, layered over a Descriptor and a LocalDB.
type Accessor struct {
	desc  *Descriptor
	local LocalDB
	guard *Guard
}

// NewAccessor returns an Accessor for desc backed by local, routing
// suppressed writes through guard.
func NewAccessor(desc *Descriptor, local LocalDB, guard *Guard) *Accessor {
	return &Accessor{desc: desc, local: local, guard: guard}
}

// FindByRemoteID returns the sole local record whose LocalRemoteIDField
// equals remoteID, or ok=false if none exists.
func (a *Accessor) FindByRemoteID(ctx context.Context, remoteID string) (LocalRecord, bool, error) {
	if remoteID == "" {
		return nil, false, nil
	}
	return a.local.FindByField(ctx, a.desc.LocalTable, a.desc.Keys.LocalRemoteIDField, remoteID)
}

// UniqueIndex maps a serialized unique key to the local record that
// produced it, built once per pull from all live (non-soft-deleted) rows
// in the table, optionally scoped to a single user.
type UniqueIndex map[string]LocalRecord

// BuildUniqueIndex queries all live local rows (scoped by
// Descriptor.Scope when ctx carries a UserID), extracts each row's
// unique key, and returns a map from serialized key to record. It
// returns ErrConfiguration if any configured local path is missing from
// a row, and ErrDataIntegrity if two live rows serialize to the same key.
func (a *Accessor) BuildUniqueIndex(ctx context.Context, sctx Context) (UniqueIndex, error) {
	filters := map[string]any{}
	if a.desc.Scope != nil && sctx.UserID != "" {
		filters[a.desc.Scope.UserField] = sctx.UserID
	}

	records, err := a.local.QueryWithScope(ctx, a.desc.LocalTable, filters)
	if err != nil {
		return nil, errors.Wrapf(err, "querying %s for unique index", a.desc.LocalTable)
	}

	index := make(UniqueIndex, len(records))
	for _, rec := range records {
		if a.SoftDeleted(rec) {
			continue
		}
		key, err := a.localUniqueKey(rec)
		if err != nil {
			return nil, err
		}
		if key == "" {
			continue
		}
		if existing, found := index[key]; found {
			return nil, errors.Wrapf(ErrDataIntegrity,
				"table %s: local rows %s and %s share unique key %s",
				a.desc.LocalTable, existing.ID(), rec.ID(), key)
		}
		index[key] = rec
	}
	return index, nil
}

// localUniqueKey extracts and serializes the configured unique key from
// a local record. An empty string (with nil error) means the Descriptor
// has no unique key configured.
func (a *Accessor) localUniqueKey(rec LocalRecord) (string, error) {
	if len(a.desc.Keys.UniqueKey) == 0 {
		return "", nil
	}
	values := make([]any, len(a.desc.Keys.UniqueKey))
	for i, spec := range a.desc.Keys.UniqueKey {
		v, ok := a.Field(rec, spec.LocalPath)
		if !ok {
			return "", errors.Wrapf(ErrConfiguration,
				"table %s: local row %s missing unique-key path %s",
				a.desc.LocalTable, rec.ID(), spec.LocalPath)
		}
		values[i] = v
	}
	key, err := fields.SerializeKey(values)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return key, nil
}

// remoteUniqueKey extracts and serializes the configured unique key from
// a remote row. Missing fields yield ok=false rather than an error: a
// remote row that has not yet been assigned a JSON sub-field is simply
// unmatched, not malformed (pull treats it as "no unique key on this
// row").
func (a *Accessor) remoteUniqueKey(row RemoteRow) (key string, ok bool) {
	if len(a.desc.Keys.UniqueKey) == 0 {
		return "", false
	}
	values := make([]any, len(a.desc.Keys.UniqueKey))
	for i, spec := range a.desc.Keys.UniqueKey {
		v, found := fields.ExtractUniqueValue(row, spec.RemotePath)
		if !found {
			return "", false
		}
		values[i] = v
	}
	serialized, err := fields.SerializeKey(values)
	if err != nil {
		return "", false
	}
	return serialized, true
}

// Field reads name off a LocalRecord, trying the exact name, then its
// camelCase form, then its snake_case form.
func (a *Accessor) Field(rec LocalRecord, name string) (any, bool) {
	if v, ok := rec.Field(name); ok {
		return v, true
	}
	if camel := fields.ToCamel(name); camel != name {
		if v, ok := rec.Field(camel); ok {
			return v, true
		}
	}
	if snake := fields.ToSnake(name); snake != name {
		if v, ok := rec.Field(snake); ok {
			return v, true
		}
	}
	return nil, false
}

// Timestamp reads the configured local timestamp field off rec, coerced
// to integer milliseconds.
func (a *Accessor) Timestamp(rec LocalRecord) int64 {
	v, _ := a.Field(rec, a.desc.Timestamps.LocalField)
	return fields.ToMillis(v)
}

// RemoteID reads the configured local remote-id field off rec as a
// string, or "" if absent or not a string.
func (a *Accessor) RemoteID(rec LocalRecord) string {
	v, ok := a.Field(rec, a.desc.Keys.LocalRemoteIDField)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// SoftDeleted reports whether rec's configured soft-delete field is
// boolean true.
func (a *Accessor) SoftDeleted(rec LocalRecord) bool {
	v, ok := a.Field(rec, a.desc.softDeleteField())
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// SuppressedWrite routes an AtomicWrite through the Reentrancy Guard.
func (a *Accessor) SuppressedWrite(ctx context.Context, fn func(tx LocalTx) error) error {
	return RunSuppressedErr(a.guard, func() error {
		return a.local.AtomicWrite(ctx, fn)
	})
}

// synthesizeLocalID deterministically derives a local id for a newly
// pulled remote row that has no local match: "<table>:<remoteId>".
func synthesizeLocalID(table, remoteID string) string {
	return fmt.Sprintf("%s:%s", table, remoteID)
}
