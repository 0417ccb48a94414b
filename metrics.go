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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// latencyBuckets mirrors the teacher's metrics.LatencyBuckets: a
// histogram bucket set suited to sub-second-to-multi-second database
// round trips.
var latencyBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30,
}

var (
	pullDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_pull_duration_seconds",
		Help:    "the length of time it took to pull a remote delta for a table",
		Buckets: latencyBuckets,
	}, []string{"table"})
	pullErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_pull_errors_total",
		Help: "the number of times an error was encountered while pulling a table",
	}, []string{"table"})

	pushDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_push_duration_seconds",
		Help:    "the length of time it took to push local changes for a table",
		Buckets: latencyBuckets,
	}, []string{"table"})
	pushErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_push_errors_total",
		Help: "the number of times an error was encountered while pushing a table",
	}, []string{"table"})

	cyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_cycles_total",
		Help: "the number of sync cycles run by the coordinator",
	})
	compensationCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_compensation_cycles_total",
		Help: "the number of compensation cycles run because changes arrived mid-cycle",
	})
)

// engineMetrics binds the package-level vectors to a single table's
// label, so Engine call sites never repeat the table label by hand.
type engineMetrics struct {
	pullDuration prometheus.Observer
	pullErrors   prometheus.Counter
	pushDuration prometheus.Observer
	pushErrors   prometheus.Counter
}

func newEngineMetrics(label string) *engineMetrics {
	return &engineMetrics{
		pullDuration: pullDurations.WithLabelValues(label),
		pullErrors:   pullErrorsTotal.WithLabelValues(label),
		pushDuration: pushDurations.WithLabelValues(label),
		pushErrors:   pushErrorsTotal.WithLabelValues(label),
	}
}
