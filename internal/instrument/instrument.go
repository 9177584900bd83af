// instrument.go - Prometheus instrumentation.
// Copyright (C) 2024  The Denaria Authors.
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

// Package instrument exposes the server metrics.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	packetsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "denaria_packets_received_total",
			Help: "Number of datagrams received",
		},
	)
	packetsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "denaria_packets_sent_total",
			Help: "Number of datagrams sent",
		},
	)
	packetsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "denaria_packets_dropped_total",
			Help: "Number of datagrams dropped",
		},
	)
	bytesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "denaria_bytes_received_total",
			Help: "Number of bytes received",
		},
	)
	bytesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "denaria_bytes_sent_total",
			Help: "Number of bytes sent",
		},
	)
	handshakesStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "denaria_handshakes_started_total",
			Help: "Number of connection handshakes started",
		},
	)
	authSuccesses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "denaria_auth_successes_total",
			Help: "Number of successful session ticket validations",
		},
	)
	authFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "denaria_auth_failures_total",
			Help: "Number of failed session ticket validations",
		},
	)
	clientsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "denaria_clients_connected",
			Help: "Number of connected clients",
		},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "denaria_sessions_active",
			Help: "Number of active sessions",
		},
	)
)

func init() {
	prometheus.MustRegister(packetsReceived)
	prometheus.MustRegister(packetsSent)
	prometheus.MustRegister(packetsDropped)
	prometheus.MustRegister(bytesReceived)
	prometheus.MustRegister(bytesSent)
	prometheus.MustRegister(handshakesStarted)
	prometheus.MustRegister(authSuccesses)
	prometheus.MustRegister(authFailures)
	prometheus.MustRegister(clientsConnected)
	prometheus.MustRegister(sessionsActive)
}

// StartMetricsEndpoint exposes the metrics via HTTP on addr.
func StartMetricsEndpoint(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		_ = http.ListenAndServe(addr, nil)
	}()
}

// PacketsReceived increments the received datagram counter.
func PacketsReceived(bytes int) {
	packetsReceived.Inc()
	bytesReceived.Add(float64(bytes))
}

// PacketsSent increments the sent datagram counter.
func PacketsSent(bytes int) {
	packetsSent.Inc()
	bytesSent.Add(float64(bytes))
}

// PacketsDropped increments the dropped datagram counter.
func PacketsDropped() {
	packetsDropped.Inc()
}

// HandshakesStarted increments the handshake counter.
func HandshakesStarted() {
	handshakesStarted.Inc()
}

// AuthSuccesses increments the successful validation counter.
func AuthSuccesses() {
	authSuccesses.Inc()
}

// AuthFailures increments the failed validation counter.
func AuthFailures() {
	authFailures.Inc()
}

// ClientConnected adjusts the connected client gauge.
func ClientConnected() {
	clientsConnected.Inc()
}

// ClientDisconnected adjusts the connected client gauge.
func ClientDisconnected() {
	clientsConnected.Dec()
}

// SessionCreated adjusts the active session gauge.
func SessionCreated() {
	sessionsActive.Inc()
}
