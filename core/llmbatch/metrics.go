// Copyright 2024 The llmbatch Authors.
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

package llmbatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "llmbatch"

// Metrics holds the Prometheus collectors for the limiter and dispatcher.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	admissionWait prometheus.Histogram
	bucketLevel   prometheus.Gauge
	bucketClamps  prometheus.Counter
	attempts      *prometheus.CounterVec
	items         *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors. A nil registerer falls
// back to the default one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		admissionWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "admission_wait_seconds",
			Help:      "Time spent suspended in the limiter before admission.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		bucketLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "token_bucket_level",
			Help:      "Live token budget of the current run's limiter.",
		}),
		bucketClamps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "token_bucket_clamps_total",
			Help:      "Times the token bucket was clamped from negative to zero.",
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "attempts_total",
			Help:      "Invocation attempts by outcome.",
		}, []string{"outcome"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "items_total",
			Help:      "Work items by terminal state.",
		}, []string{"state"}),
	}
	reg.MustRegister(m.admissionWait, m.bucketLevel, m.bucketClamps, m.attempts, m.items)
	return m
}

func (m *Metrics) ObserveAdmissionWait(d time.Duration) {
	if m == nil {
		return
	}
	m.admissionWait.Observe(d.Seconds())
}

func (m *Metrics) SetBucketLevel(level float64) {
	if m == nil {
		return
	}
	m.bucketLevel.Set(level)
}

func (m *Metrics) IncBucketClamp() {
	if m == nil {
		return
	}
	m.bucketClamps.Inc()
}

func (m *Metrics) IncAttempt(outcome AttemptOutcome) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(outcome.String()).Inc()
}

func (m *Metrics) IncItem(state ItemState) {
	if m == nil {
		return
	}
	m.items.WithLabelValues(state.String()).Inc()
}
