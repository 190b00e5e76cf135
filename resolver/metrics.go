// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package resolver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	sourceBootstrap = "bootstrap"
	sourceWatch     = "watch"

	reasonBootstrap = "bootstrap"
	reasonWatchInit = "watch_init"
)

// Metrics holds the Prometheus collectors updated by resolvers. A single
// Metrics may be shared by any number of resolvers; series are labeled by
// service name. A nil *Metrics is valid and records nothing.
type Metrics struct {
	updates        *prometheus.CounterVec
	endpoints      *prometheus.GaugeVec
	watchErrors    *prometheus.CounterVec
	invalidRecords *prometheus.CounterVec
	startFailures  *prometheus.CounterVec
}

// NewMetrics creates the resolver collectors and registers them with reg.
// It panics if registration fails, like [promauto].
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		updates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "healthresolver_updates_total",
			Help: "Endpoint sets delivered to listeners",
		}, []string{"service", "source"}),
		endpoints: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "healthresolver_endpoints",
			Help: "Number of endpoints in the last delivered set",
		}, []string{"service"}),
		watchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "healthresolver_watch_errors_total",
			Help: "Errors reported by registry watches",
		}, []string{"service"}),
		invalidRecords: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "healthresolver_invalid_records_total",
			Help: "Health records skipped because they could not be mapped",
		}, []string{"service"}),
		startFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "healthresolver_start_failures_total",
			Help: "Failed resolver starts",
		}, []string{"service", "reason"}),
	}
}

func (m *Metrics) delivered(service, source string, count int) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(service, source).Inc()
	m.endpoints.WithLabelValues(service).Set(float64(count))
}

func (m *Metrics) watchError(service string) {
	if m == nil {
		return
	}
	m.watchErrors.WithLabelValues(service).Inc()
}

func (m *Metrics) invalid(service string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.invalidRecords.WithLabelValues(service).Add(float64(count))
}

func (m *Metrics) startFailed(service, reason string) {
	if m == nil {
		return
	}
	m.startFailures.WithLabelValues(service, reason).Inc()
}
