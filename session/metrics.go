// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "uplink"

// Metrics holds the Prometheus collectors for one Supervisor. A nil
// *Metrics records nothing.
type Metrics struct {
	state           *prometheus.GaugeVec
	connectAttempts *prometheus.CounterVec
	connectionsLost prometheus.Counter
	pendingCalls    prometheus.Gauge
	calls           *prometheus.CounterVec
	callDuration    prometheus.Histogram
	flushes         prometheus.Counter
	flushedMessages prometheus.Counter
	droppedBatches  prometheus.Counter
	delivered       prometheus.Counter
	mailboxDropped  prometheus.Counter
	listenerPanics  *prometheus.CounterVec
}

// NewMetrics creates the session collectors and registers them with
// registerer. A nil registerer leaves them unregistered, which is
// useful in tests that read values directly.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "connection",
			Name:      "state",
			Help:      "1 for the current connection state, 0 for the others.",
		}, []string{"state"}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "connection",
			Name:      "attempts_total",
			Help:      "Connect attempts by result.",
		}, []string{"result"}),
		connectionsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "connection",
			Name:      "lost_total",
			Help:      "Established connections that dropped unexpectedly.",
		}),
		pendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "calls",
			Name:      "pending",
			Help:      "Calls dispatched and not yet resolved.",
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "calls",
			Name:      "total",
			Help:      "Resolved calls by outcome.",
		}, []string{"outcome"}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "calls",
			Name:      "duration_seconds",
			Help:      "Time from dispatch to resolution.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "bundler",
			Name:      "flushes_total",
			Help:      "Non-empty batches written.",
		}),
		flushedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "bundler",
			Name:      "messages_total",
			Help:      "Control messages written in batches.",
		}),
		droppedBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "bundler",
			Name:      "dropped_batches_total",
			Help:      "Batches discarded because the write failed.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "fanout",
			Name:      "delivered_total",
			Help:      "Messages handed to subscriber mailboxes.",
		}),
		mailboxDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "fanout",
			Name:      "dropped_total",
			Help:      "Messages evicted from full subscriber mailboxes.",
		}),
		listenerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "listener",
			Name:      "panics_total",
			Help:      "Recovered panics in listener callbacks by kind.",
		}, []string{"kind"}),
	}
	if registerer != nil {
		registerer.MustRegister(
			m.state, m.connectAttempts, m.connectionsLost,
			m.pendingCalls, m.calls, m.callDuration,
			m.flushes, m.flushedMessages, m.droppedBatches,
			m.delivered, m.mailboxDropped, m.listenerPanics,
		)
	}
	return m
}

func (m *Metrics) setState(current State) {
	if m == nil {
		return
	}
	for _, state := range States() {
		value := 0.0
		if state == current {
			value = 1
		}
		m.state.WithLabelValues(state.String()).Set(value)
	}
}

func (m *Metrics) connectAttempt(result string) {
	if m != nil {
		m.connectAttempts.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) connectionLost() {
	if m != nil {
		m.connectionsLost.Inc()
	}
}

func (m *Metrics) callStarted() {
	if m != nil {
		m.pendingCalls.Inc()
	}
}

func (m *Metrics) callResolved(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.pendingCalls.Dec()
	m.calls.WithLabelValues(outcome).Inc()
	m.callDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) flushed(messages int) {
	if m != nil {
		m.flushes.Inc()
		m.flushedMessages.Add(float64(messages))
	}
}

func (m *Metrics) batchDropped() {
	if m != nil {
		m.droppedBatches.Inc()
	}
}

func (m *Metrics) messageDelivered() {
	if m != nil {
		m.delivered.Inc()
	}
}

func (m *Metrics) mailboxOverflow() {
	if m != nil {
		m.mailboxDropped.Inc()
	}
}

func (m *Metrics) listenerPanic(kind string) {
	if m != nil {
		m.listenerPanics.WithLabelValues(kind).Inc()
	}
}
