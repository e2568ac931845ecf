/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package relayd

import "github.com/prometheus/client_golang/prometheus"

// PrometheusObservability is the Prometheus-backed Observability
// collaborator. Core only builds the collectors and registers them
// against reg; binding an HTTP listener for /metrics is left to the
// caller, same as Listener is left to the caller for the wire
// transport.
type PrometheusObservability struct {
	connectionsOpened   prometheus.Counter
	connectionsClosed   prometheus.Counter
	connectionsRejected *prometheus.CounterVec
	messagesReceived    *prometheus.CounterVec
	messagesDropped     *prometheus.CounterVec
	sessionsActive      prometheus.Gauge
}

// NewPrometheusObservability builds and registers relayd's collectors
// against reg. Pass prometheus.NewRegistry() for an isolated registry,
// or prometheus.DefaultRegisterer to join the process-wide one.
func NewPrometheusObservability(reg prometheus.Registerer) *PrometheusObservability {
	m := &PrometheusObservability{
		connectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayd_connections_opened_total",
			Help: "Total TCP/TLS connections accepted.",
		}),
		connectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayd_connections_closed_total",
			Help: "Total sessions that have terminated.",
		}),
		connectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayd_connections_rejected_total",
			Help: "Connections rejected before registration, by reason.",
		}, []string{"reason"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayd_messages_received_total",
			Help: "Inbound commands dispatched, by command name.",
		}, []string{"command"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayd_messages_dropped_total",
			Help: "Inbound lines dropped before dispatch, by reason.",
		}, []string{"reason"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relayd_sessions_active",
			Help: "Sessions currently open.",
		}),
	}
	reg.MustRegister(
		m.connectionsOpened,
		m.connectionsClosed,
		m.connectionsRejected,
		m.messagesReceived,
		m.messagesDropped,
		m.sessionsActive,
	)
	return m
}

func (m *PrometheusObservability) ConnectionOpened() {
	m.connectionsOpened.Inc()
	m.sessionsActive.Inc()
}

func (m *PrometheusObservability) ConnectionClosed() {
	m.connectionsClosed.Inc()
	m.sessionsActive.Dec()
}

func (m *PrometheusObservability) ConnectionRejected(reason string) {
	m.connectionsRejected.WithLabelValues(reason).Inc()
}

func (m *PrometheusObservability) MessageReceived(command string) {
	m.messagesReceived.WithLabelValues(command).Inc()
}

func (m *PrometheusObservability) MessageDropped(reason string) {
	m.messagesDropped.WithLabelValues(reason).Inc()
}

var _ Observability = (*PrometheusObservability)(nil)
