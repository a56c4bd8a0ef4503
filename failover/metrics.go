// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package failover

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts prompts and their outcomes. A nil *Metrics records
// nothing.
type Metrics struct {
	prompts   prometheus.Counter
	decisions *prometheus.CounterVec
	notices   prometheus.Counter
}

// NewMetrics creates the failover collectors and registers them with
// registerer when it is non-nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		prompts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uplink",
			Subsystem: "failover",
			Name:      "prompts_total",
			Help:      "Lost connections handed to the failover policy.",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uplink",
			Subsystem: "failover",
			Name:      "decisions_total",
			Help:      "Failover decisions by outcome.",
		}, []string{"decision"}),
		notices: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uplink",
			Subsystem: "failover",
			Name:      "notices_total",
			Help:      "Terminal connect failures reported to the operator.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(m.prompts, m.decisions, m.notices)
	}
	return m
}

func (m *Metrics) prompted() {
	if m != nil {
		m.prompts.Inc()
	}
}

func (m *Metrics) decided(decision Decision) {
	if m != nil {
		m.decisions.WithLabelValues(decision.String()).Inc()
	}
}

func (m *Metrics) noticed() {
	if m != nil {
		m.notices.Inc()
	}
}
