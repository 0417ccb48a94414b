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

import "github.com/pkg/errors"

// Sentinel error kinds. Wrap these with errors.Wrap /
// errors.Wrapf and unwrap with errors.Is / errors.As at the call site.
var (
	// ErrConfiguration covers missing required descriptor fields and
	// missing local paths during unique-key extraction. Fatal for the
	// affected table's cycle.
	ErrConfiguration = errors.New("sync configuration error")

	// ErrRemoteTransport covers query/update/insert failures against the
	// remote gateway. Fatal for the current cycle.
	ErrRemoteTransport = errors.New("remote transport error")

	// ErrDataIntegrity covers duplicate unique keys discovered during
	// local index build or during a pull.
	ErrDataIntegrity = errors.New("data integrity violation")

	// ErrSubscription covers realtime subscription failures. Logged; the
	// coordinator does not automatically re-open the subscription.
	ErrSubscription = errors.New("subscription error")
)
