// Copyright 2025 The Flexygen Authors
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

package flexygen

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for Prometheus scraping. Only the session layer touches these;
// the generation library stays metrics-free and reports counts through its
// Result instead.
var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flexygen_runs_total",
			Help: "Total generation runs by session and status",
		},
		[]string{"session", "status"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flexygen_run_duration_seconds",
			Help:    "Generation run latency by session",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"session"},
	)

	stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flexygen_decode_steps_total",
			Help: "Total decode steps by session",
		},
		[]string{"session"},
	)

	splicesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flexygen_splices_total",
			Help: "Total row-level splice insertions by session",
		},
		[]string{"session"},
	)

	splicedTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flexygen_spliced_tokens_total",
			Help: "Total trigger-inserted tokens by session",
		},
		[]string{"session"},
	)

	rowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flexygen_rows_total",
			Help: "Finished rows by session and finish reason",
		},
		[]string{"session", "reason"},
	)

	triggerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flexygen_trigger_failures_total",
			Help: "Trigger errors and panics by session and trigger name",
		},
		[]string{"session", "trigger"},
	)

	spliceFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flexygen_splice_failures_total",
			Help: "Splice payloads dropped for tokenization errors, by session",
		},
		[]string{"session"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flexygen_queue_depth",
			Help: "Runs waiting for an execution slot",
		},
		[]string{"session"},
	)
)
