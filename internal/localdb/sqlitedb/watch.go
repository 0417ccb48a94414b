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

package sqlitedb

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/pkg/errors"
)

// WatchFile starts an fsnotify watch on the sqlite file's directory so
// that writes made by another process (a migration tool, a second
// instance of the embedding application) still surface through
// ObserveTableChanges, not just writes made via AtomicWrite. Every write
// event on the database file conservatively marks all of tables dirty,
// since the watcher cannot tell which rows changed.
//
// This is a fallback, not the primary notification path: AtomicWrite's
// in-process fan-out is exact and synchronous, WatchFile only catches
// what that path misses.
func (db *DB) WatchFile(path string, tables []string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating file watcher")
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return errors.Wrapf(err, "watching %s", dir)
	}

	base := filepath.Base(path)
	done := make(chan struct{})
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				touched := make(map[string]map[string]bool, len(tables))
				for _, t := range tables {
					touched[t] = map[string]bool{}
				}
				db.notify(touched)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("sqlitedb: file watcher error")
			}
		}
	}()

	db.mu.Lock()
	prevCancel := db.watchCancel
	db.watchCancel = func() {
		close(done)
		if prevCancel != nil {
			prevCancel()
		}
	}
	db.mu.Unlock()
	return nil
}
