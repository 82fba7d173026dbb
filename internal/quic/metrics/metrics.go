// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package metrics defines the Prometheus metric types this endpoint
// exports and convenience methods for recording connection-level events.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsSent counts packets the sent-packet manager records as sent,
	// by encryption level, whether or not the datagram write succeeds.
	PacketsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quic_packets_sent_total",
			Help: "Total packets sent, by encryption level.",
		}, []string{"level"})

	// PacketsReceived counts packets that decrypted successfully, by
	// encryption level.
	PacketsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quic_packets_received_total",
			Help: "Total packets received, by encryption level.",
		}, []string{"level"})

	// PacketsLost counts packets declared lost by the sent-packet
	// manager's loss detection.
	PacketsLost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quic_packets_lost_total",
			Help: "Total packets declared lost, by encryption level.",
		}, []string{"level"})

	// RetransmissionTimeouts counts retransmission-timeout events; it
	// carries no labels.
	RetransmissionTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quic_retransmission_timeouts_total",
			Help: "Total retransmission-timeout alarms that fired.",
		},
	)

	// ConnectionsClosed counts connection teardowns, labeled by the
	// transport error code and whether the peer or local side initiated
	// it.
	ConnectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quic_connections_closed_total",
			Help: "Total connections torn down, by error code and initiator.",
		}, []string{"code", "initiator"})

	// MigrationsCompleted counts effective-peer-migration events that
	// finished path validation and switched the send address.
	MigrationsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quic_migrations_completed_total",
			Help: "Total completed effective peer address migrations.",
		},
	)

	// RTTHistogram tracks smoothed RTT samples fed to the loss detector.
	RTTHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "quic_smoothed_rtt_seconds",
			Help: "Smoothed RTT distribution, sampled on every ACK.",
			Buckets: []float64{
				0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
			},
		},
	)

	// BytesInFlight tracks the congestion-controlled bytes outstanding
	// across all connections: raised when a retransmittable packet is
	// sent, lowered when it is acked or declared lost.
	BytesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quic_bytes_in_flight",
			Help: "Bytes currently in flight across active connections.",
		},
	)
)

// ObserveClose records a connection teardown's error code and initiator.
func ObserveClose(code string, fromPeer bool) {
	initiator := "local"
	if fromPeer {
		initiator = "peer"
	}
	ConnectionsClosed.WithLabelValues(code, initiator).Inc()
}
