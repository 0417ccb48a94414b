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
	"fmt"

	log "github.com/sirupsen/logrus"
)

// PageSize is the fixed page size used when paging the remote table
// during Pull.
const PageSize = 1000

// logFields is a convenience alias for logrus.Fields, used throughout
// the engine and coordinator.
type logFields = log.Fields

// silentLogger returns a logrus logger configured to discard all
// output, the default for a Coordinator's Logger option.
func silentLogger() *log.Logger {
	l := log.New()
	l.Out = discardWriter{}
	return l
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// Engine is the per-table Sync Engine: Pull fetches a remote delta and
// matches it to local rows; Push reconciles the local database's
// unsynced changes back to the remote table.
type Engine struct {
	desc     *Descriptor
	remote   RemoteGateway
	accessor *Accessor
	logger   log.FieldLogger
	metrics  *engineMetrics

	// initialPageSize overrides PageSize for a first sync
	// (lastPulledAt == nil) when non-zero, set via the coordinator's
	// InitialSyncPageSize option.
	initialPageSize int

	// onConflict, when non-nil, is called by Push whenever Phase B skips
	// an upsert because the remote row is already at least as new as the
	// local one (last-write-wins resolving a tie in the remote's favor).
	onConflict func(localID string)
}

// NewEngine returns an Engine for desc, backed by remote and accessor.
// desc must already have passed Descriptor.validate.
func NewEngine(desc *Descriptor, remote RemoteGateway, accessor *Accessor, logger log.FieldLogger, initialPageSize int, onConflict func(localID string)) *Engine {
	if logger == nil {
		logger = silentLogger()
	}
	return &Engine{
		desc:            desc,
		remote:          remote,
		accessor:        accessor,
		logger:          logger.WithField("table", desc.label()),
		metrics:         newEngineMetrics(desc.label()),
		initialPageSize: initialPageSize,
		onConflict:      onConflict,
	}
}

// str renders a remote primary-key value as a string.
func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
