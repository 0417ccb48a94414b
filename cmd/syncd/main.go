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

// Command syncd runs the bidirectional table sync engine against a
// real remote gateway and a SQLite-backed local store, in the manner
// the reference implementation ships a cmd/ binary atop its library
// packages.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/synctable/syncengine"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := log.StandardLogger()
	if err := run(logger); err != nil {
		logger.WithError(err).Fatal("syncd exiting")
	}
}

func run(logger *log.Logger) error {
	var configFile string
	pflag.StringVar(&configFile, "config", "", "path to an optional config file (yaml/json/toml, read via viper)")

	cfg, err := LoadConfig(configFile)
	if err != nil {
		return errors.Wrap(err, "loading config")
	}
	cfg.Bind(pflag.CommandLine)
	pflag.Parse()

	if err := cfg.Preflight(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer application.closeLocal()

	application.coordinator.On(syncengine.EventError, func(ev syncengine.Event) {
		logger.WithField("detail", ev.Detail).Warn("sync cycle error")
	})
	application.coordinator.On(syncengine.EventConflict, func(ev syncengine.Event) {
		logger.WithFields(log.Fields{"table": ev.Label, "detail": ev.Detail}).Info("last-write-wins conflict")
	})

	application.coordinator.Start()
	defer application.coordinator.Stop()

	if err := application.coordinator.EnableRemoteSubscriptions(ctx, syncengine.Context{}); err != nil {
		logger.WithError(err).Warn("could not enable remote subscriptions, falling back to debounced polling only")
	}

	server := &http.Server{Addr: cfg.BindAddr, Handler: newMux(application.diagnostics)}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("healthz server stopped")
		}
	}()

	logger.WithField("bindAddr", cfg.BindAddr).Info("syncd running")
	<-ctx.Done()
	logger.Info("syncd shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
