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
	"time"

	"github.com/pkg/errors"
	"github.com/synctable/syncengine/internal/fields"
)

// Pull fetches the remote delta since lastPulledAt (nil meaning "first
// sync") and matches it to local rows, returning a Patch ready for
// atomic application to the local table.
func (e *Engine) Pull(ctx context.Context, lastPulledAt *int64, sctx Context) (Patch, error) {
	start := time.Now()
	defer func() { e.metrics.pullDuration.Observe(time.Since(start).Seconds()) }()

	filter := RemoteFilter{}
	if e.desc.Scope != nil && sctx.UserID != "" {
		filter.ScopeField = e.desc.Scope.UserField
		filter.ScopeValue = sctx.UserID
	}
	if lastPulledAt != nil {
		iso := fields.MillisToISO(*lastPulledAt)
		filter.TimestampField = e.desc.Timestamps.RemoteField
		filter.Since = &iso
	}

	pageSize := PageSize
	if lastPulledAt == nil && e.initialPageSize > 0 {
		pageSize = e.initialPageSize
	}

	var patch Patch
	var index UniqueIndex
	indexBuilt := false
	seenRemoteKeys := make(map[string]string) // serialized unique key -> remote id, within this pull

	from := 0
	for {
		rows, err := e.remote.SelectPage(ctx, e.desc.RemoteTable, filter, from, pageSize)
		if err != nil {
			e.metrics.pullErrors.Inc()
			return Patch{}, errors.Wrapf(ErrRemoteTransport, "paging %s: %v", e.desc.RemoteTable, err)
		}

		for _, row := range rows {
			remoteID := str(row[e.desc.Keys.RemotePK])
			isDeleted := fields.IsSoftDeleted(row, e.desc.softDeleteField())

			localMatch, found, err := e.accessor.FindByRemoteID(ctx, remoteID)
			if err != nil {
				return Patch{}, errors.Wrapf(err, "matching remote id %s in %s", remoteID, e.desc.LocalTable)
			}

			if !found && len(e.desc.Keys.UniqueKey) > 0 {
				if !indexBuilt {
					index, err = e.accessor.BuildUniqueIndex(ctx, sctx)
					if err != nil {
						return Patch{}, err
					}
					indexBuilt = true
				}
				if key, ok := e.accessor.remoteUniqueKey(row); ok {
					if prevID, dup := seenRemoteKeys[key]; dup && prevID != remoteID {
						return Patch{}, errors.Wrapf(ErrDataIntegrity,
							"table %s: remote rows %s and %s share unique key %s",
							e.desc.RemoteTable, prevID, remoteID, key)
					}
					seenRemoteKeys[key] = remoteID
					if rec, ok := index[key]; ok {
						localMatch = rec
						found = true
					}
				}
			}

			if isDeleted {
				if found {
					patch.Deleted = append(patch.Deleted, localMatch.ID())
				}
				continue
			}

			mapped, err := e.desc.RemoteToLocal(row, sctx)
			if err != nil {
				return Patch{}, errors.Wrapf(err, "mapping remote row %s in %s", remoteID, e.desc.RemoteTable)
			}
			if mapped == nil {
				mapped = LocalRaw{}
			}
			if _, ok := mapped[e.desc.Keys.LocalRemoteIDField]; !ok {
				mapped[e.desc.Keys.LocalRemoteIDField] = remoteID
			}
			remoteRaw, _ := fields.Lookup(row, e.desc.Timestamps.RemoteField)
			var remoteUpdated int64
			if s, ok := remoteRaw.(string); ok {
				remoteUpdated = fields.ISOToMillis(s)
			} else {
				remoteUpdated = fields.ToMillis(remoteRaw)
			}
			if _, ok := mapped[e.desc.Timestamps.LocalField]; !ok {
				mapped[e.desc.Timestamps.LocalField] = remoteUpdated
			}

			if found {
				localUpdated := e.accessor.Timestamp(localMatch)
				if remoteUpdated > localUpdated {
					mapped["id"] = localMatch.ID()
					patch.Updated = append(patch.Updated, mapped)
				}
				// remoteUpdated <= localUpdated: remote caught up to
				// local, or this is a redelivery; skip to avoid churn.
			} else {
				mapped["id"] = synthesizeLocalID(e.desc.LocalTable, remoteID)
				patch.Created = append(patch.Created, mapped)
			}
		}

		if len(rows) < pageSize {
			break
		}
		from += pageSize
	}

	e.logger.WithFields(logFields{
		"created": len(patch.Created),
		"updated": len(patch.Updated),
		"deleted": len(patch.Deleted),
	}).Debug("pulled")
	return patch, nil
}
