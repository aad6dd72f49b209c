// Copyright 2025 The llmlimiter Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes prometheus instruments for limiter decisions and
// waits, plus host CPU/memory gauges sampled in the background. Nothing here
// is registered automatically; call MustRegister with the registry the
// embedding application scrapes.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "llmlimiter"

// Decision label values for AcquireTotal.
const (
	DecisionAllowed        = "allowed"
	DecisionBlocked        = "blocked"
	DecisionQuotaExhausted = "quota_exhausted"
	DecisionError          = "error"
)

var (
	// AcquireTotal counts Acquire outcomes. Blocked attempts that later
	// succeed count once as blocked and once as allowed.
	AcquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquire_total",
			Help:      "Acquire decisions by provider, model and outcome.",
		},
		[]string{"provider", "model", "decision"},
	)

	// WaitSeconds observes how long callers slept before admission.
	WaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wait_seconds",
			Help:      "Time spent waiting for capacity before a call was admitted.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"provider", "model", "reason"},
	)

	// LimitUtilization reports used/effective per limit type, 0..1+.
	LimitUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "limit_utilization",
			Help:      "Current utilization of each enforced limit.",
		},
		[]string{"provider", "model", "limit"},
	)

	// ConcurrencyInUse reports slots currently held.
	ConcurrencyInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "concurrency_in_use",
			Help:      "Concurrency slots currently held.",
		},
		[]string{"provider", "model"},
	)

	// QuotaRemaining reports tokens left in the current fixed period.
	QuotaRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quota_remaining_tokens",
			Help:      "Tokens remaining in the current quota period.",
		},
		[]string{"provider", "model"},
	)

	hostCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "host_cpu_percent",
		Help:      "Host CPU usage sampled by the limiter process.",
	})

	hostMemoryPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "host_memory_percent",
		Help:      "Host memory usage sampled by the limiter process.",
	})
)

var registerOnce sync.Once

// MustRegister installs every instrument on r, once. Passing nil uses the
// prometheus default registerer.
func MustRegister(r prometheus.Registerer) {
	registerOnce.Do(func() {
		if r == nil {
			r = prometheus.DefaultRegisterer
		}
		r.MustRegister(
			AcquireTotal,
			WaitSeconds,
			LimitUtilization,
			ConcurrencyInUse,
			QuotaRemaining,
			hostCPUPercent,
			hostMemoryPercent,
		)
	})
}
