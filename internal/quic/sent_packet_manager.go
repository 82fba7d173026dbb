// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"time"

	"github.com/klzgrad/naiveproxy-sub047/internal/quic/congestion"
	"github.com/klzgrad/naiveproxy-sub047/internal/quic/metrics"
)

// ccLimit reports whether the congestion/pacing/anti-amplification
// state currently permits sending a retransmittable packet: ccOK,
// ccPacing (blocked only until a future release time), or ccBlocked.
type ccLimit int

const (
	ccOK ccLimit = iota
	ccPacing
	ccBlocked
)

// rttStats holds the RTT estimator state: min, smoothed, latest, and
// mean deviation, updated the standard RFC 6298 / QUIC way.
type rttStats struct {
	minRTT       time.Duration
	smoothedRTT  time.Duration
	latestRTT    time.Duration
	meanDeviation time.Duration
}

func (r *rttStats) update(latest, ackDelay time.Duration) {
	r.latestRTT = latest
	if r.minRTT == 0 || latest < r.minRTT {
		r.minRTT = latest
	}
	adjusted := latest
	if adjusted > r.minRTT && adjusted-ackDelay >= r.minRTT {
		adjusted -= ackDelay
	}
	if r.smoothedRTT == 0 {
		r.smoothedRTT = adjusted
		r.meanDeviation = adjusted / 2
		return
	}
	delta := r.smoothedRTT - adjusted
	if delta < 0 {
		delta = -delta
	}
	r.meanDeviation = (3*r.meanDeviation + delta) / 4
	r.smoothedRTT = (7*r.smoothedRTT + adjusted) / 8
}

// ptoDelay is the probe-timeout interval, smoothedRTT + 4*meanDeviation,
// floored so a connection with no samples yet still eventually probes.
func (r *rttStats) ptoDelay() time.Duration {
	if r.smoothedRTT == 0 {
		return 999 * time.Millisecond
	}
	d := r.smoothedRTT + 4*r.meanDeviation
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// unackedEntry is one packet tracked by the sentPacketManager for a
// single numberSpace.
type unackedEntry struct {
	packet *sentPacket
}

// spaceState is the per-numberSpace bookkeeping: unacked packets are
// packet-number-scoped, so each encryption level gets its own map and
// least/largest bounds, even though RTT and congestion state (below) are
// shared across the whole connection.
type spaceState struct {
	unacked     map[packetNumber]*sentPacket
	leastUnacked packetNumber
	largestSent  packetNumber
	largestAcked packetNumber

	consecutivePTOCount int
	ptoExpired          bool
	lossTime            time.Time
	nextPacketNumber    packetNumber
}

func newSpaceState() *spaceState {
	return &spaceState{
		unacked:      make(map[packetNumber]*sentPacket),
		leastUnacked: 0,
		largestSent:  invalidPacketNumber,
		largestAcked: invalidPacketNumber,
	}
}

// sentPacketManager owns the unacked-packet map (one per numberSpace),
// the RTT estimator, and delegates loss/congestion decisions to a
// congestion.Controller. Pacing and PTO/RTO scheduling live here too,
// since both need the RTT estimate and in-flight byte count this type
// already tracks.
type sentPacketManager struct {
	spaces [numEncLevels]*spaceState
	rtt    rttStats
	cc     congestion.Controller

	bytesInFlight int
	maxDatagramSize int

	consecutiveRTOs int
	rtoExpired      bool

	unencryptedNeutered bool
}

func newSentPacketManager(cc congestion.Controller) *sentPacketManager {
	m := &sentPacketManager{cc: cc, maxDatagramSize: 1452}
	for i := range m.spaces {
		m.spaces[i] = newSpaceState()
	}
	return m
}

// nextNumber returns the next packet number to use in space and
// reserves it.
func (m *sentPacketManager) nextNumber(space encLevel) packetNumber {
	s := m.spaces[space]
	n := s.nextPacketNumber
	s.nextPacketNumber++
	return n
}

// sendLimit reports whether sending is currently permitted and, if
// blocked, the time at which it next might be.
func (m *sentPacketManager) sendLimit(now time.Time) (ccLimit, time.Time) {
	for _, s := range m.spaces {
		if s.ptoExpired || s.consecutivePTOCount > 0 {
			return ccOK, time.Time{}
		}
	}
	d := m.cc.TimeUntilSend(now, m.bytesInFlight)
	if d == congestion.CongestionBlocked {
		return ccBlocked, time.Time{}
	}
	if d <= 0 {
		return ccOK, time.Time{}
	}
	return ccPacing, now.Add(d)
}

func (m *sentPacketManager) maxSendSize() int { return m.maxDatagramSize }

// onPacketSent records a freshly serialized packet as in flight (if
// retransmittable) and feeds the congestion controller. It returns
// whether the retransmission alarm should be (re)armed.
func (m *sentPacketManager) onPacketSent(now time.Time, space encLevel, p *sentPacket) (shouldRearmRetx bool) {
	s := m.spaces[space]
	s.unacked[p.Number] = p
	if p.Number > s.largestSent || s.largestSent == invalidPacketNumber {
		s.largestSent = p.Number
	}
	if p.Retransmittable {
		p.InFlight = true
		m.bytesInFlight += p.Size
		metrics.BytesInFlight.Add(float64(p.Size))
	}
	metrics.PacketsSent.WithLabelValues(space.String()).Inc()
	m.cc.OnPacketSent(now, int64(p.Number), p.Size, p.Retransmittable)
	return p.Retransmittable
}

// ackResult is returned by onAckFrameEnd, summarizing what the ack
// processing found, for the controller to act on.
type ackResult struct {
	AckedNewPacket bool
	Acked          []*sentPacket
	Lost           []*sentPacket
}

// onAckRange processes one [start,end] range from an incoming ACK
// frame's range list against space's unacked map, collecting newly
// acknowledged packets. Ranges may arrive in any order the framer
// chooses to replay them in; onAckFrameEnd does loss detection once all
// ranges have been applied.
func (m *sentPacketManager) onAckRange(space encLevel, start, end packetNumber, res *ackResult) {
	s := m.spaces[space]
	for n := start; n <= end; n++ {
		p, ok := s.unacked[n]
		if !ok {
			continue
		}
		delete(s.unacked, n)
		if p.Retransmittable && p.InFlight {
			m.bytesInFlight -= p.Size
			metrics.BytesInFlight.Sub(float64(p.Size))
		}
		res.Acked = append(res.Acked, p)
		res.AckedNewPacket = true
	}
}

// onAckFrameStart validates largestAcked against what this space has
// sent/previously observed and
// records it.
func (m *sentPacketManager) onAckFrameStart(space encLevel, largestAcked packetNumber) *TransportError {
	s := m.spaces[space]
	if s.largestSent != invalidPacketNumber && largestAcked > s.largestSent {
		return newError(ErrInvalidAckDataTooHigh, SendClosePacket, "largest_acked exceeds largest_sent")
	}
	if s.largestAcked != invalidPacketNumber && largestAcked < s.largestAcked {
		return newError(ErrInvalidAckDataTooLow, SendClosePacket, "largest_acked below previously observed")
	}
	s.largestAcked = largestAcked
	return nil
}

// onAckFrameEnd finalizes ack processing for one frame: runs loss
// detection (any unacked packet at least reorderThreshold numbers below
// the largest acked is declared lost),
// feeds the congestion controller, updates the RTT estimator from the
// largest newly-acked packet if it was the one with the highest number,
// and resets the consecutive-PTO counter.
func (m *sentPacketManager) onAckFrameEnd(now time.Time, space encLevel, ackDelay time.Duration, res *ackResult) {
	s := m.spaces[space]
	s.consecutivePTOCount = 0
	m.consecutiveRTOs = 0

	rttUpdated := false
	for _, p := range res.Acked {
		if p.Number == s.largestAcked {
			sample := now.Sub(p.SentTime)
			m.rtt.update(sample, ackDelay)
			metrics.RTTHistogram.Observe(m.rtt.smoothedRTT.Seconds())
			rttUpdated = true
		}
	}

	// Packets reorderThreshold or more numbers behind the largest acked
	// are lost; there is no time threshold.
	const reorderThreshold = 3
	priorInFlight := m.bytesInFlight
	for _, p := range res.Acked {
		if p.Retransmittable && p.InFlight {
			priorInFlight += p.Size
		}
	}
	for n, p := range s.unacked {
		if n > s.largestAcked {
			continue
		}
		if s.largestAcked-n >= reorderThreshold {
			delete(s.unacked, n)
			if p.Retransmittable && p.InFlight {
				m.bytesInFlight -= p.Size
				metrics.BytesInFlight.Sub(float64(p.Size))
			}
			metrics.PacketsLost.WithLabelValues(space.String()).Inc()
			res.Lost = append(res.Lost, p)
		}
	}
	acked := make([]congestion.AckedPacket, len(res.Acked))
	for i, p := range res.Acked {
		acked[i] = congestion.AckedPacket{Number: int64(p.Number), Size: p.Size, SentTime: p.SentTime}
	}
	lost := make([]congestion.LostPacket, len(res.Lost))
	for i, p := range res.Lost {
		lost[i] = congestion.LostPacket{Number: int64(p.Number), Size: p.Size}
	}
	if len(acked) > 0 || len(lost) > 0 {
		m.cc.OnCongestionEvent(rttUpdated, priorInFlight, acked, lost)
	}

	// Advance leastUnacked to the smallest remaining unacked number.
	s.leastUnacked = s.largestAcked + 1
	for n := range s.unacked {
		if n < s.leastUnacked {
			s.leastUnacked = n
		}
	}
}

// onRetransmissionTimeout runs PTO logic for every space with in-flight
// data: bumps the consecutive-PTO counter and marks the space as having
// an expired PTO, which the controller turns into a probe packet
// (tail-loss probe) on the next send. Returns whether, across all
// spaces, CloseConnectionAfterFiveRTOs should now close the connection.
func (m *sentPacketManager) onRetransmissionTimeout(cfg *Config) (tooManyRTOs bool) {
	any := false
	for _, s := range m.spaces {
		if len(s.unacked) == 0 {
			continue
		}
		any = true
		s.consecutivePTOCount++
		s.ptoExpired = true
	}
	if any {
		m.consecutiveRTOs++
		metrics.RetransmissionTimeouts.Inc()
	}
	if cfg.CloseConnectionAfterFiveRTOs && m.consecutiveRTOs >= maxConsecutiveRTOsBeforeClose {
		return true
	}
	return false
}

// clearPTO clears the expired-PTO flag for space once a probe has been
// sent in response to it.
func (m *sentPacketManager) clearPTO(space encLevel) {
	m.spaces[space].ptoExpired = false
}

// ptoExpiredAt reports whether space currently has an expired PTO
// awaiting a probe packet.
func (m *sentPacketManager) ptoExpiredAt(space encLevel) bool {
	return m.spaces[space].ptoExpired
}

// getRetransmissionTime returns the earliest time any space's
// loss-detection or PTO timer should next fire, or the zero Time if
// nothing is outstanding.
func (m *sentPacketManager) getRetransmissionTime(now time.Time) time.Time {
	var earliest time.Time
	hasInFlight := false
	for _, s := range m.spaces {
		for _, p := range s.unacked {
			if p.Retransmittable {
				hasInFlight = true
			}
		}
	}
	if !hasInFlight {
		return time.Time{}
	}
	pto := now.Add(m.rtt.ptoDelay())
	if earliest.IsZero() || pto.Before(earliest) {
		earliest = pto
	}
	return earliest
}

// neuterUnencryptedPackets marks previously sent Initial/Handshake
// packets as no longer retransmittable once forward-secure keys
// install (and stops counting them toward in-flight bytes), since they
// can never be meaningfully retransmitted once the peer has moved past
// that encryption level.
func (m *sentPacketManager) neuterUnencryptedPackets() {
	if m.unencryptedNeutered {
		return
	}
	m.unencryptedNeutered = true
	for _, space := range []encLevel{encInitial, encHandshake} {
		s := m.spaces[space]
		for n, p := range s.unacked {
			if p.Retransmittable && p.InFlight {
				m.bytesInFlight -= p.Size
				metrics.BytesInFlight.Sub(float64(p.Size))
			}
			p.Retransmittable = false
			p.InFlight = false
			delete(s.unacked, n)
		}
	}
}

// hasInFlightRetransmittable reports whether any space currently has a
// retransmittable packet outstanding — used by the scoped flusher to
// decide whether to report application-limited.
func (m *sentPacketManager) hasInFlightRetransmittable() bool {
	for _, s := range m.spaces {
		for _, p := range s.unacked {
			if p.Retransmittable {
				return true
			}
		}
	}
	return false
}
