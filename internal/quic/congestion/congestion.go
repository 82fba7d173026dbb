// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package congestion defines the contract the connection core consumes
// from a congestion-control algorithm and ships one concrete, swappable
// default implementation. The specific algorithm is an explicit
// external collaborator: the core only ever calls through the
// Controller interface, never assumes Reno internals, so a host
// process can supply BBR or CUBIC instead without touching the
// connection state machine.
package congestion

import "time"

// AckedPacket and LostPacket describe one packet's fate for
// OnCongestionEvent, carrying just what a congestion controller needs:
// size and send time, not the full sent-packet bookkeeping the
// connection core retains.
type AckedPacket struct {
	Number   int64
	Size     int
	SentTime time.Time
}

type LostPacket struct {
	Number int64
	Size   int
}

// Controller is the congestion-control interface the connection core
// consumes; it never reaches into algorithm internals directly.
type Controller interface {
	// OnPacketSent records that a packet of size bytes, in flight or
	// not, was sent at t.
	OnPacketSent(t time.Time, number int64, size int, isRetransmittable bool)

	// OnCongestionEvent reports newly acked and lost packets from one
	// ACK frame's processing. rttUpdated indicates a new RTT sample was
	// taken this event; priorInFlight is the bytes in flight
	// immediately before this event was applied.
	OnCongestionEvent(rttUpdated bool, priorInFlight int, acked []AckedPacket, lost []LostPacket)

	// TimeUntilSend returns how long the caller must wait before
	// sending, given bytesInFlight currently outstanding. Zero means
	// send now; CongestionBlocked means the window is full.
	TimeUntilSend(now time.Time, bytesInFlight int) time.Duration

	// CanSend reports whether a packet of the given size may be sent
	// right now without blocking on the congestion window.
	CanSend(bytesInFlight, size int) bool

	// BandwidthEstimate returns the controller's current estimate of
	// available bandwidth in bytes/second; zero if unknown.
	BandwidthEstimate() float64

	// PacingRate returns the rate, in bytes/second, at which the
	// caller should release paced packets; zero disables pacing.
	PacingRate() float64

	// OnApplicationLimited tells the controller that the connection had
	// no more data to send even though the window was not exhausted,
	// so the window should not be treated as fully probed.
	OnApplicationLimited()

	// SetUnderutilized is the same application-limited signal, phrased
	// as a level rather than an edge-triggered event.
	SetUnderutilized(bool)

	// CongestionWindow returns the current window size in bytes, for
	// diagnostics and metrics.
	CongestionWindow() int
}

// CongestionBlocked is the sentinel TimeUntilSend returns when no amount
// of waiting will currently permit sending: anti-amplification or a
// fully-utilized congestion window, as opposed to pacing, which returns
// a finite delay.
const CongestionBlocked = time.Duration(1<<63 - 1)
