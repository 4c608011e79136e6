// metrics.go - Prometheus instrumentation
// Copyright (C) 2026  Mixcore Contributors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package metrics exposes the Prometheus instrumentation spec.md's
// distillation excludes as an outer-surface concern but which a complete
// server still carries, grounded on the teacher's use of
// github.com/prometheus/client_golang for production observability.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge this module's queue and mix-pool
// machinery updates. Callers construct one Metrics per process and pass
// it to each queue/pool they instantiate; a nil *Metrics is valid and
// every method becomes a no-op, so instrumentation is always optional.
type Metrics struct {
	QueueDepth      *prometheus.GaugeVec
	DeliveryAttempt *prometheus.CounterVec
	MixBatchSize    prometheus.Histogram
}

// New constructs and registers a fresh Metrics against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mixcore",
			Name:      "queue_depth",
			Help:      "Number of complete messages currently held in a queue.",
		}, []string{"queue"}),
		DeliveryAttempt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mixcore",
			Name:      "delivery_attempts_total",
			Help:      "Delivery attempts, labeled by outcome.",
		}, []string{"outcome"}),
		MixBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mixcore",
			Name:      "mix_batch_size",
			Help:      "Size of mix-pool batches released for delivery.",
			Buckets:   prometheus.LinearBuckets(0, 10, 20),
		}),
	}
	reg.MustRegister(m.QueueDepth, m.DeliveryAttempt, m.MixBatchSize)
	return m
}

// SetQueueDepth records the current depth of the named queue.
func (m *Metrics) SetQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// ObserveDeliveryAttempt records one delivery attempt's outcome
// ("success", "retry", or "drop").
func (m *Metrics) ObserveDeliveryAttempt(outcome string) {
	if m == nil {
		return
	}
	m.DeliveryAttempt.WithLabelValues(outcome).Inc()
}

// ObserveMixBatch records the size of a released mix-pool batch.
func (m *Metrics) ObserveMixBatch(size int) {
	if m == nil {
		return
	}
	m.MixBatchSize.Observe(float64(size))
}
