// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package congestion

import "time"

const (
	defaultInitialWindow = 10 * maxDatagramSize
	minWindow            = 2 * maxDatagramSize
	maxDatagramSize      = 1452
	lossReductionFactor  = 0.5
)

// Reno is a classic additive-increase/multiplicative-decrease congestion
// controller: the default the connection core ships with when the host
// process does not supply its own algorithm (e.g. BBR, CUBIC). It is
// intentionally simple; the point of the Controller interface is that
// this implementation is replaceable, not canonical.
type Reno struct {
	window           int
	slowStartThresh  int
	bytesAcked       int // bytes acked since the window was last grown in congestion avoidance
	underutilized    bool
	lastSendTime     time.Time
	pacingRateBps    float64
}

// NewReno returns a Reno controller starting in slow start with the
// default initial window.
func NewReno() *Reno {
	return &Reno{
		window:          defaultInitialWindow,
		slowStartThresh: 1 << 30,
	}
}

func (r *Reno) inSlowStart() bool { return r.window < r.slowStartThresh }

func (r *Reno) OnPacketSent(t time.Time, number int64, size int, isRetransmittable bool) {
	r.lastSendTime = t
}

func (r *Reno) OnCongestionEvent(rttUpdated bool, priorInFlight int, acked []AckedPacket, lost []LostPacket) {
	for _, l := range lost {
		r.onPacketLost(l)
	}
	for _, a := range acked {
		r.onPacketAcked(a)
	}
}

func (r *Reno) onPacketLost(l LostPacket) {
	r.slowStartThresh = int(float64(r.window) * lossReductionFactor)
	if r.slowStartThresh < minWindow {
		r.slowStartThresh = minWindow
	}
	r.window = r.slowStartThresh
	r.bytesAcked = 0
}

func (r *Reno) onPacketAcked(a AckedPacket) {
	if r.underutilized {
		return
	}
	if r.inSlowStart() {
		r.window += a.Size
		return
	}
	// Congestion avoidance: grow by one MSS per window's worth of acked
	// bytes (standard Reno additive increase).
	r.bytesAcked += a.Size
	if r.bytesAcked >= r.window {
		r.bytesAcked -= r.window
		r.window += maxDatagramSize
	}
}

func (r *Reno) TimeUntilSend(now time.Time, bytesInFlight int) time.Duration {
	if bytesInFlight >= r.window {
		return CongestionBlocked
	}
	return 0
}

func (r *Reno) CanSend(bytesInFlight, size int) bool {
	return bytesInFlight+size <= r.window
}

func (r *Reno) BandwidthEstimate() float64 { return r.pacingRateBps }

func (r *Reno) PacingRate() float64 {
	// Reno has no native pacing model; report the rate last set by
	// SetPacingRateHint, or 0 (pacing disabled) if none was set.
	return r.pacingRateBps
}

// SetPacingRateHint sets the rate PacingRate and BandwidthEstimate
// report, since Reno itself has no RTT estimate of its own. Nothing in
// the connection core calls it, so both report 0 unless a caller does.
func (r *Reno) SetPacingRateHint(bytesPerSecond float64) { r.pacingRateBps = bytesPerSecond }

func (r *Reno) OnApplicationLimited() { r.underutilized = true }

func (r *Reno) SetUnderutilized(v bool) { r.underutilized = v }

func (r *Reno) CongestionWindow() int { return r.window }
