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

// Package retry wraps a syncengine.RemoteGateway with one bounded retry
// on a retryable transport error: a fixed number of attempts separated
// by a short sleep, gated on a retryable-error predicate. This does not
// retry a whole sync cycle — the no-retry-within-a-cycle rule covers the
// cycle as a whole, not a single flaky remote round-trip.
package retry

import (
	"context"
	"database/sql/driver"
	"io"
	"net"
	"time"

	"github.com/synctable/syncengine"
)

// MaxAttempts bounds every wrapped call to at most this many tries.
const MaxAttempts = 2

// Backoff is the fixed pause between attempts.
const Backoff = 200 * time.Millisecond

// Retryable reports whether err looks like a transient transport error
// worth one retry: a driver-reported bad connection, an unexpected EOF,
// or a net.Error that reports a timeout. Other network errors, such as
// a reset connection, are not retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if err == driver.ErrBadConn || err == io.ErrUnexpectedEOF {
		return true
	}
	var netErr net.Error
	if as(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// as is a small local shim so this package doesn't need to import
// errors.As just for one call site.
func as(err error, target *net.Error) bool {
	for err != nil {
		if n, ok := err.(net.Error); ok {
			*target = n
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func withRetry[T any](fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(Backoff)
		}
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !Retryable(err) {
			return zero, err
		}
	}
	return zero, lastErr
}

// WithGateway returns a syncengine.RemoteGateway that retries each call
// up to MaxAttempts times when the underlying error is Retryable.
func WithGateway(delegate syncengine.RemoteGateway) syncengine.RemoteGateway {
	return &gateway{delegate: delegate}
}

type gateway struct {
	delegate syncengine.RemoteGateway
}

var _ syncengine.RemoteGateway = (*gateway)(nil)

func (g *gateway) SelectPage(ctx context.Context, table string, filter syncengine.RemoteFilter, from, limit int) ([]syncengine.RemoteRow, error) {
	return withRetry(func() ([]syncengine.RemoteRow, error) {
		return g.delegate.SelectPage(ctx, table, filter, from, limit)
	})
}

func (g *gateway) SelectByPK(ctx context.Context, table, pkColumn string, pk any) (syncengine.RemoteRow, bool, error) {
	type result struct {
		row syncengine.RemoteRow
		ok  bool
	}
	r, err := withRetry(func() (result, error) {
		row, ok, err := g.delegate.SelectByPK(ctx, table, pkColumn, pk)
		return result{row, ok}, err
	})
	return r.row, r.ok, err
}

func (g *gateway) SelectByUniqueKey(ctx context.Context, table string, eq map[string]any, softDeleteField string) (syncengine.RemoteRow, bool, error) {
	type result struct {
		row syncengine.RemoteRow
		ok  bool
	}
	r, err := withRetry(func() (result, error) {
		row, ok, err := g.delegate.SelectByUniqueKey(ctx, table, eq, softDeleteField)
		return result{row, ok}, err
	})
	return r.row, r.ok, err
}

func (g *gateway) Update(ctx context.Context, table, pkColumn string, pk any, set map[string]any) (syncengine.RemoteRow, error) {
	return withRetry(func() (syncengine.RemoteRow, error) {
		return g.delegate.Update(ctx, table, pkColumn, pk, set)
	})
}

func (g *gateway) Insert(ctx context.Context, table string, values map[string]any) (syncengine.RemoteRow, error) {
	return withRetry(func() (syncengine.RemoteRow, error) {
		return g.delegate.Insert(ctx, table, values)
	})
}

func (g *gateway) SoftDelete(ctx context.Context, table, pkColumn string, pk any, softDeleteField, timestampField string) error {
	_, err := withRetry(func() (struct{}, error) {
		return struct{}{}, g.delegate.SoftDelete(ctx, table, pkColumn, pk, softDeleteField, timestampField)
	})
	return err
}

func (g *gateway) Subscribe(ctx context.Context, table string, filter *syncengine.RemoteFilter) (<-chan syncengine.RemoteChange, func(), error) {
	// Subscriptions are long-lived; retrying the initial dial once is
	// reasonable, retrying mid-stream is not, so this delegates directly.
	return g.delegate.Subscribe(ctx, table, filter)
}

func (g *gateway) ServerNow(ctx context.Context) (int64, error) {
	return withRetry(func() (int64, error) {
		return g.delegate.ServerNow(ctx)
	})
}
