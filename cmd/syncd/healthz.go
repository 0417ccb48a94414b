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
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/synctable/syncengine/internal/diag"
)

// healthzHandler serves d.Report as JSON, returning 503 when unhealthy.
func healthzHandler(d *diag.Diagnostics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := d.Report(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !report.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	}
}

func newMux(d *diag.Diagnostics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", healthzHandler(d))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
