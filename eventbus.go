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
	"sync"

	log "github.com/sirupsen/logrus"
)

// EventKind names the events emitted by a Coordinator.
type EventKind string

// The event kinds a Coordinator emits.
const (
	EventPulled        EventKind = "pulled"
	EventPushed        EventKind = "pushed"
	EventConflict      EventKind = "conflict"
	EventError         EventKind = "error"
	EventState         EventKind = "state"
	EventRemoteChanged EventKind = "remoteChanged"
)

// Event carries a label naming the affected table (or "" for
// coordinator-wide events like EventState) and a kind-specific detail
// payload.
type Event struct {
	Kind  EventKind
	Label string
	Detail any
}

// Listener receives Events published to a single EventKind.
type Listener func(Event)

// eventBus is a typed publish/subscribe fan-out. Each
// listener's error (panic) is caught and reported but must not prevent
// other listeners from running, and must not propagate to the emitting
// call site. Listeners for a given event run in FIFO order; no ordering
// is promised across different event kinds.
type eventBus struct {
	mu        sync.RWMutex
	listeners map[EventKind][]Listener
	logger    log.FieldLogger
}

func newEventBus(logger log.FieldLogger) *eventBus {
	return &eventBus{
		listeners: make(map[EventKind][]Listener),
		logger:    logger,
	}
}

// On registers listener for kind and returns a function that removes it.
func (b *eventBus) On(kind EventKind, listener Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[kind] = append(b.listeners[kind], listener)
	idx := len(b.listeners[kind]) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		cur := b.listeners[kind]
		if idx < len(cur) {
			cur[idx] = nil
		}
	}
}

// Emit publishes an event to every listener of its kind, in
// registration order. A listener that panics is recovered and logged;
// the remaining listeners still run.
func (b *eventBus) Emit(evt Event) {
	b.mu.RLock()
	listeners := append([]Listener(nil), b.listeners[evt.Kind]...)
	b.mu.RUnlock()

	for _, l := range listeners {
		if l == nil {
			continue
		}
		b.runListener(l, evt)
	}
}

func (b *eventBus) runListener(l Listener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logFields{
				"kind":  evt.Kind,
				"label": evt.Label,
				"panic": r,
			}).Error("event listener panicked")
		}
	}()
	l(evt)
}
