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

	"github.com/pkg/errors"
)

// EnableRemoteSubscriptions opens a realtime subscription for every
// registered table. It is
// opt-in and independent of auto-sync: each subscription event routes
// through the same debounced trigger path as a local change.
func (c *Coordinator) EnableRemoteSubscriptions(ctx context.Context, sctx Context) error {
	c.remoteSubsMu.Lock()
	if c.remoteSubscriptionsEnabled {
		c.remoteSubsMu.Unlock()
		return nil
	}
	c.remoteSubscriptionsEnabled = true
	c.remoteSubsMu.Unlock()

	for _, d := range c.descriptors {
		if err := c.subscribeTable(ctx, d, sctx); err != nil {
			c.cfg.logger.WithError(err).Warnf("could not open remote subscription for %s", d.label())
		}
	}
	return nil
}

// DisableRemoteSubscriptions tears down every open realtime
// subscription.
func (c *Coordinator) DisableRemoteSubscriptions() {
	c.remoteSubsMu.Lock()
	c.remoteSubscriptionsEnabled = false
	subs := c.remoteSubs
	c.remoteSubs = make(map[string]func())
	c.remoteSubsMu.Unlock()

	for _, cancel := range subs {
		cancel()
	}
}

// subscribeTable opens a single table's realtime subscription, filtered
// by scope, and routes every event through the debounced auto-sync
// trigger path. A subscription error is logged and the
// subscription left closed; the coordinator does not automatically
// re-open it.
func (c *Coordinator) subscribeTable(ctx context.Context, d *Descriptor, sctx Context) error {
	var filter *RemoteFilter
	if d.Scope != nil && sctx.UserID != "" {
		filter = &RemoteFilter{ScopeField: d.Scope.UserField, ScopeValue: sctx.UserID}
	}

	ch, cancel, err := c.remote.Subscribe(ctx, d.RemoteTable, filter)
	if err != nil {
		return errors.Wrapf(ErrSubscription, "subscribing to %s: %v", d.RemoteTable, err)
	}

	c.remoteSubsMu.Lock()
	c.remoteSubs[d.LocalTable] = cancel
	c.remoteSubsMu.Unlock()

	go func() {
		for change := range ch {
			c.bus.Emit(Event{Kind: EventRemoteChanged, Label: d.label(), Detail: change})
			c.markPendingIfRunning()
			c.auto.debounce.Trigger()
		}
	}()
	return nil
}

// unsubscribeTable tears down a single table's realtime subscription.
// Used around Push so the gateway's own echo of the push does not
// retrigger a cycle.
func (c *Coordinator) unsubscribeTable(table string) {
	c.remoteSubsMu.Lock()
	cancel, ok := c.remoteSubs[table]
	if ok {
		delete(c.remoteSubs, table)
	}
	c.remoteSubsMu.Unlock()
	if ok {
		cancel()
	}
}
