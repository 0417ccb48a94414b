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

//go:build !wireinject
// +build !wireinject

package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/synctable/syncengine"
	"github.com/synctable/syncengine/internal/chaos"
	"github.com/synctable/syncengine/internal/diag"
	"github.com/synctable/syncengine/internal/localdb/sqlitedb"
	"github.com/synctable/syncengine/internal/remote/myremote"
	"github.com/synctable/syncengine/internal/remote/pgremote"
	"github.com/synctable/syncengine/internal/remote/pqremote"
	"github.com/synctable/syncengine/internal/retry"
)

// app bundles the wired components a running syncd process needs, hand
// assembled the way internal/sinktest/base/wire_gen.go wires a Fixture
// from its providers — this file plays the role of a checked-in
// wire_gen.go for the one concrete binary this module ships, without
// requiring the wire code generator to have actually run.
type app struct {
	coordinator *syncengine.Coordinator
	diagnostics *diag.Diagnostics
	closeLocal  func() error
}

// newApp wires a Coordinator and its supporting local database and
// remote gateway from cfg.
func newApp(ctx context.Context, cfg *Config, logger log.FieldLogger) (*app, error) {
	local, err := sqlitedb.Open(cfg.LocalDBPath)
	if err != nil {
		return nil, errors.Wrap(err, "opening local database")
	}

	remote, timeProvider, err := newRemoteGateway(ctx, cfg, logger)
	if err != nil {
		local.Close()
		return nil, err
	}

	var gw syncengine.RemoteGateway = remote
	gw = retry.WithGateway(gw)
	if cfg.ChaosProbability > 0 {
		gw = chaos.WithGateway(gw, cfg.ChaosProbability)
	}

	descriptors := make([]*syncengine.Descriptor, len(cfg.Tables))
	for i, t := range cfg.Tables {
		descriptors[i] = buildDescriptor(t)
	}

	opts := []syncengine.Option{
		syncengine.WithLogger(logger),
		syncengine.WithDebounce(time.Duration(cfg.DebounceMs) * time.Millisecond),
		syncengine.WithConcurrentPull(cfg.ConcurrentPull),
		syncengine.WithInitialSyncPageSize(cfg.InitialSyncPageSize),
	}
	if timeProvider != nil {
		opts = append(opts, syncengine.WithTimeProvider(timeProvider))
	}

	coordinator, err := syncengine.NewCoordinator(local, gw, descriptors, opts...)
	if err != nil {
		local.Close()
		return nil, errors.Wrap(err, "constructing coordinator")
	}

	diagnostics := diag.New()
	coordinator.RegisterDiagnostics(diagnostics)

	return &app{
		coordinator: coordinator,
		diagnostics: diagnostics,
		closeLocal:  local.Close,
	}, nil
}

// newRemoteGateway opens the concrete RemoteGateway selected by
// cfg.RemoteDriver, plus (where the driver can supply one cheaply) a
// TimeProvider sourced from the remote server's own clock, to avoid
// local clock skew in production.
func newRemoteGateway(ctx context.Context, cfg *Config, logger log.FieldLogger) (syncengine.RemoteGateway, func() int64, error) {
	switch cfg.RemoteDriver {
	case "pg":
		pool, err := pgxpool.New(ctx, cfg.RemoteConnString)
		if err != nil {
			return nil, nil, errors.Wrap(err, "opening pgx pool")
		}
		gw := pgremote.New(pool)
		return gw, serverNowProvider(gw, logger), nil

	case "pq":
		db, err := sql.Open("postgres", cfg.RemoteConnString)
		if err != nil {
			return nil, nil, errors.Wrap(err, "opening lib/pq database")
		}
		gw := pqremote.New(db, cfg.RemoteConnString)
		return gw, serverNowProvider(gw, logger), nil

	case "my":
		gw, err := myremote.Open(ctx, cfg.RemoteConnString)
		if err != nil {
			return nil, nil, errors.Wrap(err, "opening mysql gateway")
		}
		return gw, serverNowProvider(gw, logger), nil

	default:
		return nil, nil, errors.Errorf("unknown remoteDriver %q", cfg.RemoteDriver)
	}
}

// serverNowProvider adapts RemoteGateway.ServerNow into the
// syncengine.Option TimeProvider shape. A ServerNow failure falls back
// to the local wall clock rather than aborting the cycle over a single
// bad clock read.
func serverNowProvider(gw syncengine.RemoteGateway, logger log.FieldLogger) func() int64 {
	return func() int64 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ms, err := gw.ServerNow(ctx)
		if err != nil {
			logger.WithError(err).Warn("reading remote server time, falling back to local clock")
			return time.Now().UnixMilli()
		}
		return ms
	}
}
