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

// Package chaos wraps a syncengine.RemoteGateway with probability-driven
// error injection, for exercising the retry and compensation paths of a
// Coordinator under transient remote failures.
package chaos

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/synctable/syncengine"
)

// ErrChaos is the error injected by WithGateway.
var ErrChaos = errors.New("chaos")

// WithGateway returns a syncengine.RemoteGateway wrapping delegate that
// fails each call with probability prob (0 <= prob <= 1). A prob of
// zero returns delegate unchanged.
func WithGateway(delegate syncengine.RemoteGateway, prob float32) syncengine.RemoteGateway {
	if prob <= 0 {
		return delegate
	}
	return &gateway{delegate: delegate, prob: prob}
}

type gateway struct {
	delegate syncengine.RemoteGateway
	prob     float32
}

var _ syncengine.RemoteGateway = (*gateway)(nil)

func (g *gateway) roll(op string) error {
	if rand.Float32() < g.prob {
		return errors.WithMessage(ErrChaos, op)
	}
	return nil
}

func (g *gateway) SelectPage(ctx context.Context, table string, filter syncengine.RemoteFilter, from, limit int) ([]syncengine.RemoteRow, error) {
	if err := g.roll("SelectPage"); err != nil {
		return nil, err
	}
	return g.delegate.SelectPage(ctx, table, filter, from, limit)
}

func (g *gateway) SelectByPK(ctx context.Context, table, pkColumn string, pk any) (syncengine.RemoteRow, bool, error) {
	if err := g.roll("SelectByPK"); err != nil {
		return nil, false, err
	}
	return g.delegate.SelectByPK(ctx, table, pkColumn, pk)
}

func (g *gateway) SelectByUniqueKey(ctx context.Context, table string, eq map[string]any, softDeleteField string) (syncengine.RemoteRow, bool, error) {
	if err := g.roll("SelectByUniqueKey"); err != nil {
		return nil, false, err
	}
	return g.delegate.SelectByUniqueKey(ctx, table, eq, softDeleteField)
}

func (g *gateway) Update(ctx context.Context, table, pkColumn string, pk any, set map[string]any) (syncengine.RemoteRow, error) {
	if err := g.roll("Update"); err != nil {
		return nil, err
	}
	return g.delegate.Update(ctx, table, pkColumn, pk, set)
}

func (g *gateway) Insert(ctx context.Context, table string, values map[string]any) (syncengine.RemoteRow, error) {
	if err := g.roll("Insert"); err != nil {
		return nil, err
	}
	return g.delegate.Insert(ctx, table, values)
}

func (g *gateway) SoftDelete(ctx context.Context, table, pkColumn string, pk any, softDeleteField, timestampField string) error {
	if err := g.roll("SoftDelete"); err != nil {
		return err
	}
	return g.delegate.SoftDelete(ctx, table, pkColumn, pk, softDeleteField, timestampField)
}

func (g *gateway) Subscribe(ctx context.Context, table string, filter *syncengine.RemoteFilter) (<-chan syncengine.RemoteChange, func(), error) {
	if err := g.roll("Subscribe"); err != nil {
		return nil, nil, err
	}
	return g.delegate.Subscribe(ctx, table, filter)
}

func (g *gateway) ServerNow(ctx context.Context) (int64, error) {
	if err := g.roll("ServerNow"); err != nil {
		return 0, err
	}
	return g.delegate.ServerNow(ctx)
}
