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

import "github.com/google/wire"

// Set is used by Wire to build a Coordinator from its dependencies,
// mirroring internal/source/logical.Set in the reference implementation.
var Set = wire.NewSet(
	ProvideCoordinator,
)

// Registry is the immutable list of Descriptors a deployment registers
// at startup. It is its own type so that Wire can inject it
// independently of the Coordinator's other dependencies.
type Registry []*Descriptor

// ProvideCoordinator is called by Wire to construct a Coordinator from
// an already-resolved LocalDB, RemoteGateway, Registry, and option set.
func ProvideCoordinator(local LocalDB, remote RemoteGateway, registry Registry, opts []Option) (*Coordinator, error) {
	return NewCoordinator(local, remote, registry, opts...)
}
