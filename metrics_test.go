/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package relayd

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewPrometheusObservabilityRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusObservability(reg)

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.ConnectionRejected("rate_limited")
	m.MessageReceived("PRIVMSG")
	m.MessageDropped("flood")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	want := map[string]bool{
		"relayd_connections_opened_total":   false,
		"relayd_connections_closed_total":   false,
		"relayd_connections_rejected_total": false,
		"relayd_messages_received_total":    false,
		"relayd_messages_dropped_total":     false,
		"relayd_sessions_active":            false,
	}
	for _, mf := range families {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("expected metric %s to be registered", name)
		}
	}
}

func TestPrometheusObservabilitySessionsActiveTracksOpenMinusClosed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusObservability(reg)

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "relayd_sessions_active" {
			continue
		}
		if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 1 {
			t.Errorf("sessions_active = %v, want 1", got)
		}
	}
}
