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

	"github.com/synctable/syncengine/internal/diag"
)

// RegisterDiagnostics adds a health check named "sync" to d, reporting
// unhealthy while the coordinator has recorded at least one cycle error
// and has not yet completed any successful cycle; once one cycle has
// succeeded, later errors do not make the check fail. This gives operators a /healthz-style
// signal independent of the event bus.
func (c *Coordinator) RegisterDiagnostics(d *diag.Diagnostics) {
	d.Register("sync", func(ctx context.Context) error {
		state := c.State()
		if state.Errors > 0 && state.LastSyncAt == 0 {
			return errors.Errorf("no successful sync cycle yet, %d error(s) recorded", state.Errors)
		}
		return nil
	})
}
