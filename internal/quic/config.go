// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "time"

// AckDecimationMode selects the policy maybeQueueAck uses to decide when an
// accumulation of received, retransmittable packets is worth acknowledging
// immediately versus coalescing behind a timer.
type AckDecimationMode int

const (
	// AckTCP acknowledges every two retransmittable packets, or on the
	// delayed-ack timer; the conservative, RFC6298-flavored policy.
	AckTCP AckDecimationMode = iota
	// AckDecimation acknowledges every tenth retransmittable packet once
	// the largest received packet number reaches
	// defaultMinReceivedBeforeAckDecimation, or on an RTT-scaled timer.
	AckDecimation
	// AckDecimationWithReordering behaves like AckDecimation but also
	// forces an immediate ack whenever a newly received packet arrives
	// out of order relative to what was last acknowledged.
	AckDecimationWithReordering
)

func (m AckDecimationMode) String() string {
	switch m {
	case AckTCP:
		return "tcp_acking"
	case AckDecimation:
		return "ack_decimation"
	case AckDecimationWithReordering:
		return "ack_decimation_with_reordering"
	default:
		return "unknown_ack_mode"
	}
}

// Config collects every connection-behavior toggle this package exposes,
// each field documented with its effect so that callers configure
// behavior declaratively rather than through scattered constants.
type Config struct {
	// AckMode selects the delayed-ack policy used by maybeQueueAck.
	AckMode AckDecimationMode

	// AckDecimationDelayShort, when true, uses a decimation_delay of
	// 0.125 instead of the default 0.25 when computing the ack alarm's
	// RTT-scaled deadline in decimation modes.
	AckDecimationDelayShort bool

	// UnlimitedAckDecimation disables the
	// defaultMinReceivedBeforeAckDecimation warm-up: decimation behavior
	// applies from the very first received packet.
	UnlimitedAckDecimation bool

	// FastAckAfterQuiescence shortens the next ack delay to 1ms when the
	// gap since the previously received packet exceeded the smoothed
	// RTT, on the theory that a connection coming out of quiescence
	// wants prompt feedback.
	FastAckAfterQuiescence bool

	// AckReorderedPackets changes step 2 of maybeQueueAck: a missing
	// packet only forces an immediate ack if its number is below the
	// largest acknowledged number reported in the last sent ack, rather
	// than unconditionally.
	AckReorderedPackets bool

	// CloseConnectionAfterFiveRTOs closes the connection with
	// ErrTooManyRTOs once five consecutive retransmission timeouts have
	// fired without a single new acknowledgement.
	CloseConnectionAfterFiveRTOs bool

	// NoStopWaitingFrames records whether the legacy STOP_WAITING frame
	// is omitted, as for transport versions newer than 43. The
	// connection core does not read it: it never sends STOP_WAITING
	// whatever the setting, and always processes a received one.
	NoStopWaitingFrames bool

	// SupportsReleaseTime records whether the Writer this connection
	// writes through understands a future release time for pacing
	// offload. The connection core does not read it and has no
	// release-time offload path.
	SupportsReleaseTime bool

	// SilentClose, when true, tears an idle-timed-out connection down
	// without sending a CONNECTION_CLOSE.
	SilentClose bool

	// MaxTrackedPackets bounds, per packet-number space, the distance from
	// the least unacked sent packet up to the largest acked one; an ACK
	// that leaves it larger closes the connection with
	// ErrTooManyOutstandingSentPackets.
	MaxTrackedPackets uint64

	// MaxUndecryptablePackets bounds the buffer of ciphertexts that
	// failed to decrypt under any installed key, held until the next
	// key installation (or discarded at forward-secure).
	MaxUndecryptablePackets int

	// MaxPacketGap drops an incoming packet whose number is more than
	// this far ahead of the largest number already received at its
	// encryption level.
	MaxPacketGap uint64

	// HandshakeTimeout bounds how long the connection may spend before
	// the handshake completes.
	HandshakeTimeout time.Duration

	// IdleTimeout is the configured idle timeout before the client/server
	// skew (client -1s, server +3s; see EffectiveIdleTimeout) is applied.
	IdleTimeout time.Duration

	// DelayedAckTime is the deadline used by AckTCP mode, and the floor
	// for the RTT-scaled deadline in decimation modes.
	DelayedAckTime time.Duration

	// ReleaseTimeIntoFuture is the horizon for trusting the writer's
	// pacing offload. The connection core does not read it.
	ReleaseTimeIntoFuture time.Duration

	// PingTimeout is the period of a client's keepalive ping alarm,
	// armed at handshake confirmation (see onPingAlarm).
	PingTimeout time.Duration
}

const (
	defaultMinReceivedBeforeAckDecimation = 100
	defaultAckDecimationThreshold         = 10
	defaultTCPAckThreshold                = 2
	defaultAckFrequencyAfterFirstFlight   = 20
	defaultAckDecimationDelay             = 0.25
	defaultShortAckDecimationDelay        = 0.125
	defaultMaxPacketGap                   = 5000
	defaultMaxTrackedPackets              = 10000
	defaultMaxUndecryptablePackets        = 10
	defaultAckRangeCap                    = 255
	maxConsecutiveRTOsBeforeClose         = 5

	serverIdleTimeoutSkew = 3 * time.Second
	clientIdleTimeoutSkew = -1 * time.Second
)

// DefaultConfig returns a Config populated with conservative defaults,
// before any per-connection negotiation overrides them.
func DefaultConfig() Config {
	return Config{
		AckMode:               AckTCP,
		MaxTrackedPackets:     defaultMaxTrackedPackets,
		MaxUndecryptablePackets: defaultMaxUndecryptablePackets,
		MaxPacketGap:          defaultMaxPacketGap,
		HandshakeTimeout:      10 * time.Second,
		IdleTimeout:           30 * time.Second,
		DelayedAckTime:        25 * time.Millisecond,
		ReleaseTimeIntoFuture: 10 * time.Millisecond,
		PingTimeout:           15 * time.Second,
	}
}

// EffectiveIdleTimeout applies the client/server skew: clients time out
// one second earlier than the configured value,
// servers three seconds later, so that under normal operation the client
// notices an idle connection first and the server does not erroneously
// time out a connection the client still considers live.
func (c *Config) EffectiveIdleTimeout(side connSide) time.Duration {
	if side == serverSide {
		return c.IdleTimeout + serverIdleTimeoutSkew
	}
	return c.IdleTimeout + clientIdleTimeoutSkew
}

func (m AckDecimationMode) decimationDelay(shortDelay bool) float64 {
	if shortDelay {
		return defaultShortAckDecimationDelay
	}
	return defaultAckDecimationDelay
}
