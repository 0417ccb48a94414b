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

// Package syncengine implements a bidirectional synchronization engine
// that keeps an offline-first local reactive database consistent with a
// remote relational data source, per logical table, per user scope.
package syncengine

import "github.com/pkg/errors"

// UniqueKeySpec names a logical field, on both sides of the sync, that
// can be used to reconcile a local row with a remote row before the
// remote id is known. Path may be a flat field name or a dotted path
// into a JSON column (e.g. "meta.slug").
type UniqueKeySpec struct {
	LocalPath  string
	RemotePath string
}

// KeySpec describes how rows on the two sides of the sync are matched.
type KeySpec struct {
	// RemotePK is the remote table's primary key column.
	RemotePK string
	// LocalRemoteIDField is the local field that stores the matching
	// remote primary key value once a row has been reconciled.
	LocalRemoteIDField string
	// UniqueKey bootstraps RemoteID when it is not yet known. May be
	// empty, a single spec, or several (all must match).
	UniqueKey []UniqueKeySpec
}

// TimestampSpec names the fields that carry each side's last-modified
// time. Local is stored as integer milliseconds; remote as an ISO-8601
// string.
type TimestampSpec struct {
	LocalField  string
	RemoteField string
}

// ScopeSpec restricts all queries and change streams to a single user's
// rows when a user id is present in the Context.
type ScopeSpec struct {
	UserField string
}

// DefaultSoftDeleteField is used when a Descriptor does not set one.
const DefaultSoftDeleteField = "is_deleted"

// Descriptor is the static, per-table configuration that drives the Sync
// Engine. One Descriptor is registered per participating local table.
// Descriptors never mutate after registration (see NewCoordinator).
type Descriptor struct {
	// LocalTable and RemoteTable identify the two sides of the sync.
	LocalTable  string
	RemoteTable string

	Keys       KeySpec
	Timestamps TimestampSpec
	Scope      *ScopeSpec

	// SoftDeleteField defaults to DefaultSoftDeleteField when empty.
	SoftDeleteField string

	// Label is a human-readable diagnostic name; defaults to LocalTable.
	Label string

	// RemoteToLocal maps an incoming remote row to the local field
	// values that should be written. Pure; must not perform I/O.
	RemoteToLocal func(row RemoteRow, ctx Context) (LocalRaw, error)

	// LocalToRemote maps a local record to the payload pushed to the
	// remote table. Pure; must not perform I/O.
	LocalToRemote func(record LocalRecord, ctx Context) (map[string]any, error)

	// ShouldSyncLocal optionally filters which local records are pushed
	// at all. A nil function means "always push".
	ShouldSyncLocal func(record LocalRecord, ctx Context) bool
}

// softDeleteField returns the configured soft-delete column, or the
// default.
func (d *Descriptor) softDeleteField() string {
	if d.SoftDeleteField == "" {
		return DefaultSoftDeleteField
	}
	return d.SoftDeleteField
}

// label returns the configured diagnostic label, or LocalTable.
func (d *Descriptor) label() string {
	if d.Label == "" {
		return d.LocalTable
	}
	return d.Label
}

// validate checks the required fields of a Descriptor. Missing required
// descriptor fields are a configuration error: fatal, reported before
// any table is ever pulled or pushed.
func (d *Descriptor) validate() error {
	if d.LocalTable == "" {
		return errors.WithStack(errors.Wrap(ErrConfiguration, "descriptor missing LocalTable"))
	}
	if d.RemoteTable == "" {
		return errors.WithStack(errors.Wrapf(ErrConfiguration, "descriptor %s missing RemoteTable", d.LocalTable))
	}
	if d.Keys.RemotePK == "" {
		return errors.WithStack(errors.Wrapf(ErrConfiguration, "descriptor %s missing Keys.RemotePK", d.LocalTable))
	}
	if d.Keys.LocalRemoteIDField == "" {
		return errors.WithStack(errors.Wrapf(ErrConfiguration, "descriptor %s missing Keys.LocalRemoteIDField", d.LocalTable))
	}
	if d.Timestamps.LocalField == "" || d.Timestamps.RemoteField == "" {
		return errors.WithStack(errors.Wrapf(ErrConfiguration, "descriptor %s missing Timestamps", d.LocalTable))
	}
	if d.RemoteToLocal == nil {
		return errors.WithStack(errors.Wrapf(ErrConfiguration, "descriptor %s missing RemoteToLocal", d.LocalTable))
	}
	if d.LocalToRemote == nil {
		return errors.WithStack(errors.Wrapf(ErrConfiguration, "descriptor %s missing LocalToRemote", d.LocalTable))
	}
	return nil
}
