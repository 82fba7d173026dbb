// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "time"

// receivedPacketManager records which packet numbers have arrived and
// produces ACK frames describing them. One instance exists per
// numberSpace (encryption level), since packet numbers and ack state are
// scoped per-space.
type receivedPacketManager struct {
	ranges        ackRangeSet
	leastUnacked  packetNumber // peer's reported least unacked, from STOP_WAITING
	dirty         bool         // true when ranges changed since the last sentAck
	hadNewMissing bool         // set by record when a new gap appears below largestSeen
	lastAckSent   ackRange     // largest range reported in the most recently sent ack, for reordering checks
}

func newReceivedPacketManager() *receivedPacketManager {
	return &receivedPacketManager{leastUnacked: 0}
}

// record adds n to the received set and reports whether it was missing
// (a gap that is now filled, or a packet below the current largest that
// had not yet arrived).
func (m *receivedPacketManager) record(n packetNumber, now time.Time) (wasMissing bool) {
	priorLargest := m.ranges.largestSeen()
	wasMissing = m.ranges.add(n, now)
	m.dirty = true
	if n < priorLargest && priorLargest != invalidPacketNumber {
		m.hadNewMissing = true
	} else if priorLargest != invalidPacketNumber && n > priorLargest+1 {
		// A gap opened up between priorLargest and n.
		m.hadNewMissing = true
	}
	return wasMissing
}

// received reports whether n has already been recorded, so a caller can
// reject a duplicate before it reaches frame dispatch.
func (m *receivedPacketManager) received(n packetNumber) bool {
	return m.ranges.contains(n)
}

// isAwaiting reports whether n has not yet been received and is not
// known to be permanently skipped (i.e., n is above leastUnacked and not
// recorded).
func (m *receivedPacketManager) isAwaiting(n packetNumber) bool {
	return n >= m.leastUnacked && !m.ranges.contains(n)
}

// isMissing reports whether n is below the largest observed packet but
// was never received: a gap in the sequence.
func (m *receivedPacketManager) isMissing(n packetNumber) bool {
	largest := m.ranges.largestSeen()
	return largest != invalidPacketNumber && n < largest && !m.ranges.contains(n)
}

// hasNewMissingPackets reports whether record observed a new gap since
// the last call to sentAck, per step 4. Calling sentAck clears the
// flag; getUpdatedAckFrame leaves it alone.
func (m *receivedPacketManager) hasNewMissingPackets() bool { return m.hadNewMissing }

// largestSeen exposes the AckRangeSet's largest observed packet number.
func (m *receivedPacketManager) largestSeen() packetNumber { return m.ranges.largestSeen() }

// getUpdatedAckFrame builds the ACK frame describing the current
// received state, computing ack_delay as now minus the largest
// observed's receive time. It does not mark the ack as sent;
// callers do that via sentAck once the frame is actually placed in a
// packet, preserving the invariant that an emitted ACK reflects the
// manager's state at serialization time, not scheduling time.
func (m *receivedPacketManager) getUpdatedAckFrame(now time.Time) (ackFrame, bool) {
	if len(m.ranges.ranges) == 0 {
		return ackFrame{}, false
	}
	delay := now.Sub(m.ranges.largestSeenTime)
	if delay < 0 {
		delay = 0
	}
	return ackFrame{
		Ranges:    m.ranges.toWireRanges(),
		DelayTime: uint64(delay / time.Microsecond),
	}, true
}

// sentAck clears the dirty/new-missing bookkeeping once an ack frame has
// actually been placed in an outgoing packet, and remembers the range
// reported for future reordering comparisons.
func (m *receivedPacketManager) sentAck() {
	m.dirty = false
	m.hadNewMissing = false
	if len(m.ranges.ranges) > 0 {
		m.lastAckSent = m.ranges.ranges[len(m.ranges.ranges)-1]
	}
}

// dontWaitForPacketsBefore implements STOP_WAITING: the peer will never
// again send a packet numbered below n, so ranges entirely below it can
// be pruned and n becomes the new floor for isAwaiting.
func (m *receivedPacketManager) dontWaitForPacketsBefore(n packetNumber) {
	if n <= m.leastUnacked {
		return
	}
	m.leastUnacked = n
	m.ranges.removeBelow(n)
}
