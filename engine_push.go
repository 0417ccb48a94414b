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

// Push reconciles the local database's unsynced changes (as reported by
// LocalDB.ApplySyncPatch) back to the remote table.
//
// Deletes are processed before upserts: reversing the order would
// re-create a row under the same unique key before its predecessor was
// soft-deleted, causing a remote duplicate.
func (e *Engine) Push(ctx context.Context, delta LocalDelta, sctx Context) error {
	start := time.Now()
	defer func() { e.metrics.pushDuration.Observe(time.Since(start).Seconds()) }()

	if err := e.pushDeletes(ctx, delta.Deleted); err != nil {
		e.metrics.pushErrors.Inc()
		return err
	}
	upserts := append(append([]string{}, delta.Created...), delta.Updated...)
	if err := e.pushUpserts(ctx, upserts, sctx); err != nil {
		e.metrics.pushErrors.Inc()
		return err
	}
	return nil
}

// pushDeletes is Phase A: soft-deleting the remote rows behind every
// locally-deleted id.
func (e *Engine) pushDeletes(ctx context.Context, deletedIDs []string) error {
	for _, id := range deletedIDs {
		rec, found, err := e.accessor.local.FindByID(ctx, e.desc.LocalTable, id)
		if err != nil {
			return errors.Wrapf(err, "loading deleted row %s in %s", id, e.desc.LocalTable)
		}
		if !found {
			continue
		}
		remoteID := e.accessor.RemoteID(rec)
		if remoteID == "" {
			// The row never reached the remote; nothing to do.
			continue
		}
		if err := e.remote.SoftDelete(ctx, e.desc.RemoteTable, e.desc.Keys.RemotePK, remoteID,
			e.desc.softDeleteField(), e.desc.Timestamps.RemoteField); err != nil {
			return errors.Wrapf(ErrRemoteTransport, "soft-deleting %s in %s: %v", remoteID, e.desc.RemoteTable, err)
		}
	}
	return nil
}

// pushUpserts is Phase B: resolving and upserting a remote row for
// every created or updated local id.
func (e *Engine) pushUpserts(ctx context.Context, ids []string, sctx Context) error {
	for _, id := range ids {
		if err := e.pushOne(ctx, id, sctx); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) pushOne(ctx context.Context, id string, sctx Context) error {
	rec, found, err := e.accessor.local.FindByID(ctx, e.desc.LocalTable, id)
	if err != nil {
		return errors.Wrapf(err, "loading upserted row %s in %s", id, e.desc.LocalTable)
	}
	if !found {
		return nil
	}
	if e.desc.ShouldSyncLocal != nil && !e.desc.ShouldSyncLocal(rec, sctx) {
		return nil
	}

	payload, err := e.desc.LocalToRemote(rec, sctx)
	if err != nil {
		return errors.Wrapf(err, "mapping local row %s in %s", id, e.desc.LocalTable)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if e.desc.Scope != nil && sctx.UserID != "" {
		if _, ok := payload[e.desc.Scope.UserField]; !ok {
			payload[e.desc.Scope.UserField] = sctx.UserID
		}
	}

	targetID, err := e.resolveTarget(ctx, rec, payload)
	if err != nil {
		return err
	}

	localUpdated := e.accessor.Timestamp(rec)

	var resultRow RemoteRow
	var resultID string
	if targetID != "" {
		existing, ok, err := e.remote.SelectByPK(ctx, e.desc.RemoteTable, e.desc.Keys.RemotePK, targetID)
		if err != nil {
			return errors.Wrapf(ErrRemoteTransport, "loading target %s in %s: %v", targetID, e.desc.RemoteTable, err)
		}
		var remoteUpdated int64
		if ok {
			raw, _ := fields.Lookup(existing, e.desc.Timestamps.RemoteField)
			if s, ok := raw.(string); ok {
				remoteUpdated = fields.ISOToMillis(s)
			} else {
				remoteUpdated = fields.ToMillis(raw)
			}
		}
		if ok && remoteUpdated >= localUpdated {
			// Remote is at least as new: last-write-wins says remote
			// wins on ties, which breaks symmetric cycles.
			if e.onConflict != nil {
				e.onConflict(rec.ID())
			}
			return nil
		}
		resultRow, err = e.remote.Update(ctx, e.desc.RemoteTable, e.desc.Keys.RemotePK, targetID, payload)
		if err != nil {
			return errors.Wrapf(ErrRemoteTransport, "updating %s in %s: %v", targetID, e.desc.RemoteTable, err)
		}
		resultID = targetID
	} else {
		resultRow, err = e.remote.Insert(ctx, e.desc.RemoteTable, payload)
		if err != nil {
			return errors.Wrapf(ErrRemoteTransport, "inserting into %s: %v", e.desc.RemoteTable, err)
		}
		resultID = str(resultRow[e.desc.Keys.RemotePK])
	}

	return e.writeBack(ctx, rec, resultID, resultRow, localUpdated)
}

// resolveTarget returns a non-empty remote id when one can be
// determined from either the local remote-id field or a configured
// unique key, or "" when none can be (meaning this upsert will be an
// insert).
func (e *Engine) resolveTarget(ctx context.Context, rec LocalRecord, payload map[string]any) (string, error) {
	if remoteID := e.accessor.RemoteID(rec); remoteID != "" {
		return remoteID, nil
	}
	if len(e.desc.Keys.UniqueKey) == 0 {
		return "", nil
	}

	eq := make(map[string]any, len(e.desc.Keys.UniqueKey))
	for _, spec := range e.desc.Keys.UniqueKey {
		v, ok := e.accessor.Field(rec, spec.LocalPath)
		if !ok {
			return "", errors.Wrapf(ErrConfiguration,
				"table %s: local row %s missing unique-key path %s",
				e.desc.LocalTable, rec.ID(), spec.LocalPath)
		}
		eq[spec.RemotePath] = v
	}

	row, ok, err := e.remote.SelectByUniqueKey(ctx, e.desc.RemoteTable, eq, e.desc.softDeleteField())
	if err != nil {
		return "", errors.Wrapf(ErrRemoteTransport, "unique-key lookup in %s: %v", e.desc.RemoteTable, err)
	}
	if !ok {
		return "", nil
	}
	return str(row[e.desc.Keys.RemotePK]), nil
}

// writeBack rewrites the local remote-id and timestamp fields only if
// the remote id changed or the remote timestamp is strictly newer, so a
// push does not dirty the row again and provoke another cycle.
func (e *Engine) writeBack(
	ctx context.Context, rec LocalRecord, remoteID string, remoteRow RemoteRow, localUpdated int64,
) error {
	raw, _ := fields.Lookup(remoteRow, e.desc.Timestamps.RemoteField)
	var remoteUpdated int64
	if s, ok := raw.(string); ok {
		remoteUpdated = fields.ISOToMillis(s)
	} else {
		remoteUpdated = fields.ToMillis(raw)
	}

	idChanged := e.accessor.RemoteID(rec) != remoteID
	if !idChanged && remoteUpdated <= localUpdated {
		return nil
	}

	return e.accessor.SuppressedWrite(ctx, func(tx LocalTx) error {
		return tx.Upsert(e.desc.LocalTable, rec.ID(), LocalRaw{
			e.desc.Keys.LocalRemoteIDField: remoteID,
			e.desc.Timestamps.LocalField:   remoteUpdated,
		})
	})
}
