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

package main

import (
	"github.com/synctable/syncengine"
	"github.com/synctable/syncengine/internal/fields"
)

// buildDescriptor turns one TableConfig into a syncengine.Descriptor
// with a generic, field-preserving RemoteToLocal/LocalToRemote pair: the
// harness has no business logic of its own, so every remote column not
// otherwise reserved is copied straight into the local row under the
// same name, and vice versa. A real integration would replace these two
// functions with ones that reshape payloads for its own schema; the
// harness exists to exercise the engine end to end, not to model a
// specific application's tables.
func buildDescriptor(t TableConfig) *syncengine.Descriptor {
	softDelete := t.SoftDeleteField
	if softDelete == "" {
		softDelete = syncengine.DefaultSoftDeleteField
	}

	d := &syncengine.Descriptor{
		LocalTable:      t.LocalTable,
		RemoteTable:     t.RemoteTable,
		SoftDeleteField: softDelete,
		Keys: syncengine.KeySpec{
			RemotePK:          t.RemotePK,
			LocalRemoteIDField: t.LocalRemoteIDField,
		},
		Timestamps: syncengine.TimestampSpec{
			LocalField:  t.LocalTimestampField,
			RemoteField: t.RemoteTimestampField,
		},
	}
	if t.ScopeUserField != "" {
		d.Scope = &syncengine.ScopeSpec{UserField: t.ScopeUserField}
	}

	reserved := map[string]bool{
		t.RemotePK:             true,
		t.RemoteTimestampField: true,
		softDelete:             true,
	}
	d.RemoteToLocal = func(row syncengine.RemoteRow, _ syncengine.Context) (syncengine.LocalRaw, error) {
		out := make(syncengine.LocalRaw, len(row))
		for name, value := range row {
			if reserved[name] {
				continue
			}
			out[name] = value
		}
		return out, nil
	}

	skipLocal := map[string]bool{
		"id":                   true,
		t.LocalRemoteIDField:   true,
		t.LocalTimestampField:  true,
	}
	d.LocalToRemote = func(rec syncengine.LocalRecord, _ syncengine.Context) (map[string]any, error) {
		out := make(map[string]any)
		if lr, ok := rec.(localRawFielder); ok {
			for name, v := range lr.AllFields() {
				if skipLocal[name] {
					continue
				}
				out[name] = v
			}
		}
		if ts, ok := rec.Field(t.LocalTimestampField); ok {
			out[t.RemoteTimestampField] = fields.MillisToISO(fields.ToMillis(ts))
		}
		return out, nil
	}

	return d
}

// localRawFielder is an optional extension LocalRecord implementations
// may satisfy to let buildDescriptor's generic LocalToRemote enumerate
// every field rather than naming each one, since the harness has no
// fixed schema. internal/fixture.record and internal/localdb/sqlitedb's
// record both implement it.
type localRawFielder interface {
	AllFields() map[string]any
}
