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

package main

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// TableConfig describes one table registration for the CLI harness. It
// is deliberately narrower than syncengine.Descriptor: the harness only
// ever does a generic field-preserving copy between the two sides (see
// descriptor.go), so there is no RemoteToLocal/LocalToRemote to bind
// from a config file.
type TableConfig struct {
	LocalTable           string `mapstructure:"localTable"`
	RemoteTable          string `mapstructure:"remoteTable"`
	RemotePK             string `mapstructure:"remotePK"`
	LocalRemoteIDField   string `mapstructure:"localRemoteIDField"`
	LocalTimestampField  string `mapstructure:"localTimestampField"`
	RemoteTimestampField string `mapstructure:"remoteTimestampField"`
	SoftDeleteField      string `mapstructure:"softDeleteField"`
	ScopeUserField       string `mapstructure:"scopeUserField"`
}

// Config is the user-visible configuration for running the syncd
// harness, bound the way internal/source/server.Config binds its flags
// in the reference implementation: defaults set in LoadConfig and used by
// Bind as flag defaults, invariants checked in Preflight.
type Config struct {
	RemoteDriver     string
	RemoteConnString string
	LocalDBPath      string

	BindAddr string

	DebounceMs          int
	InitialSyncPageSize int
	ConcurrentPull      bool
	ChaosProbability    float32

	Tables []TableConfig
}

// Bind registers flags on flags, mirroring internal/source/server.Config.Bind.
// Every flag's default is the value already present on c, so a prior
// LoadConfig (viper) pass is never clobbered by pflag's own zero-value
// defaults — pflag's *Var functions write their default argument into
// the bound variable immediately, so that default must be c's current
// value, not a literal.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.RemoteDriver, "remoteDriver", c.RemoteDriver,
		"remote gateway driver: pg (pgx/pgxpool), pq (database/sql+lib/pq), or my (database/sql+mysql)")
	flags.StringVar(&c.RemoteConnString, "remoteConnString", c.RemoteConnString,
		"connection string for the remote gateway")
	flags.StringVar(&c.LocalDBPath, "localDBPath", c.LocalDBPath,
		"path to the local SQLite database file")
	flags.StringVar(&c.BindAddr, "bindAddr", c.BindAddr,
		"network address the /healthz endpoint binds to")
	flags.IntVar(&c.DebounceMs, "debounceMs", c.DebounceMs,
		"auto-sync debounce window, in milliseconds")
	flags.IntVar(&c.InitialSyncPageSize, "initialSyncPageSize", c.InitialSyncPageSize,
		"page size for a table's first sync; 0 keeps the regular page size")
	flags.BoolVar(&c.ConcurrentPull, "concurrentPull", c.ConcurrentPull,
		"run each registered table's Pull concurrently within a cycle")
	flags.Float32Var(&c.ChaosProbability, "chaosProbability", c.ChaosProbability,
		"probability (0-1) of injecting a transient error on each remote call; 0 disables chaos")
}

// Preflight validates c, the way internal/source/server.Config.Preflight
// validates BindAddr and the TLS flag pairing.
func (c *Config) Preflight() error {
	switch c.RemoteDriver {
	case "pg", "pq", "my":
	default:
		return errors.Errorf("remoteDriver must be one of pg, pq, my; got %q", c.RemoteDriver)
	}
	if strings.TrimSpace(c.RemoteConnString) == "" {
		return errors.New("remoteConnString unset")
	}
	if strings.TrimSpace(c.LocalDBPath) == "" {
		return errors.New("localDBPath unset")
	}
	if c.BindAddr == "" {
		return errors.New("bindAddr unset")
	}
	if c.ChaosProbability < 0 || c.ChaosProbability > 1 {
		return errors.New("chaosProbability must be between 0 and 1")
	}
	if len(c.Tables) == 0 {
		return errors.New("at least one table must be registered")
	}
	for i, t := range c.Tables {
		if t.LocalTable == "" || t.RemoteTable == "" || t.RemotePK == "" ||
			t.LocalRemoteIDField == "" || t.LocalTimestampField == "" || t.RemoteTimestampField == "" {
			return errors.Errorf("table[%d]: localTable, remoteTable, remotePK, localRemoteIDField, "+
				"localTimestampField and remoteTimestampField are all required", i)
		}
	}
	return nil
}

// LoadConfig reads table registrations and defaults from an optional
// config file plus SYNCD_-prefixed environment overrides via viper,
// layered underneath pflag-bound CLI flags. Flags bound afterward
// by pflag still take precedence over anything viper loaded, since
// Bind uses the values loaded here as each flag's default and a flag
// given on the command line overwrites it.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SYNCD")
	v.AutomaticEnv()
	v.SetDefault("remoteDriver", "pg")
	v.SetDefault("localDBPath", "./syncd.sqlite")
	v.SetDefault("bindAddr", ":8085")
	v.SetDefault("debounceMs", 3000)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	return cfg, nil
}
