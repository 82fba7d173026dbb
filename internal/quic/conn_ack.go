// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "time"

// maybeQueueAck decides whether receiving an ack-eliciting packet
// numbered pnum in space should trigger an immediate ACK or merely arm
// the ack alarm, following the policy named by c.config.AckMode:
//
//  1. A packet that was missing (it fills a gap below the largest
//     observed) always forces an immediate ack, unless AckReorderedPackets is set,
//     in which case it only does so if pnum is below the largest
//     number reported in the last sent ack.
//  2. In AckTCP mode, every defaultTCPAckThreshold ack-eliciting packets
//     received forces an immediate ack.
//  3. In the two decimation modes, once the largest received packet
//     number reaches defaultMinReceivedBeforeAckDecimation (skipped
//     entirely if UnlimitedAckDecimation), every
//     defaultAckDecimationThreshold-th packet forces an immediate ack.
//  4. Otherwise the ack alarm is armed (or re-armed earlier) for
//     now + decimation_delay*srtt, floored by DelayedAckTime, and
//     shortened to 1ms if FastAckAfterQuiescence applies.
func (c *Conn) maybeQueueAck(now time.Time, level encLevel, pnum packetNumber, wasMissing bool, ackEliciting bool) {
	if !ackEliciting {
		return
	}
	rpm := c.acks[level]
	c.retransmittableSinceLastAck[level]++

	immediate := false
	if wasMissing {
		if c.config.AckReorderedPackets {
			if rpm.lastAckSent.Largest != 0 && pnum < rpm.lastAckSent.Largest {
				immediate = true
			}
		} else {
			immediate = true
		}
	}
	if !immediate {
		switch c.config.AckMode {
		case AckTCP:
			if c.retransmittableSinceLastAck[level] >= defaultTCPAckThreshold {
				immediate = true
			}
		default:
			received := rpm.ranges.numRanges() > 0
			warm := c.config.UnlimitedAckDecimation || (received && int64(rpm.largestSeen()) >= defaultMinReceivedBeforeAckDecimation)
			if warm && c.retransmittableSinceLastAck[level] >= defaultAckDecimationThreshold {
				immediate = true
			}
		}
	}

	if immediate {
		c.ackQueued[level] = true
		c.sendAck(level)
		return
	}

	delay := c.config.DelayedAckTime
	if c.config.AckMode != AckTCP {
		frac := c.config.AckMode.decimationDelay(c.config.AckDecimationDelayShort)
		scaled := time.Duration(float64(c.loss.rtt.smoothedRTT) * frac)
		if scaled > delay {
			delay = scaled
		}
	}
	if c.config.FastAckAfterQuiescence {
		gap := now.Sub(c.lastReceivedPacketTime)
		if c.loss.rtt.smoothedRTT != 0 && gap > c.loss.rtt.smoothedRTT {
			delay = time.Millisecond
		}
	}
	c.alarms.setIfEarlier(alarmAck, now.Add(delay))
}

// onAckAlarm fires once the delayed-ack timer expires: send whatever
// acks are outstanding across every encryption level, via the scoped
// flusher's ackIfQueued mode.
func (c *Conn) onAckAlarm(now time.Time) {
	for space, rpm := range c.acks {
		if rpm != nil && rpm.dirty {
			c.ackQueued[space] = true
		}
	}
	c.startFlusher(ackIfQueued).release()
}

// sendAck builds and transmits an ACK-only packet for space right now,
// bypassing the generator's usual "only send what's due" gating; used
// both by the ack alarm and by the scoped flusher's ackAlways/ackIfQueued
// modes.
func (c *Conn) sendAck(space encLevel) {
	rpm := c.acks[space]
	if rpm == nil || !rpm.dirty || !c.wkeys[space].isSet() {
		c.ackQueued[space] = false
		return
	}
	now := c.clock.Now()
	maxSize := c.loss.maxSendSize()
	c.w.reset(maxSize)
	pnum := c.loss.nextNumber(space)
	h := packetHeader{
		Type:      levelToPacketType(space),
		Level:     space,
		Number:    pnum,
		DstConnID: c.peerConnID,
		SrcConnID: c.localConnID,
	}
	if !c.w.startPacket(h) {
		return
	}
	payloadStart := len(c.w.b)
	ack, ok := rpm.getUpdatedAckFrame(now)
	if !ok {
		c.w.b = c.w.b[:0]
		return
	}
	ack.appendTo(&c.w)
	buf := c.w.finishPacket(payloadStart, c.wkeys[space])
	sent := &sentPacket{Number: pnum, SentTime: now, Size: len(buf), Retransmittable: false}
	c.loss.onPacketSent(now, space, sent)
	if err := c.listener.sendDatagram(buf, c.effectivePeerAddr); err == nil {
		rpm.sentAck()
		c.ackQueued[space] = false
		c.retransmittableSinceLastAck[space] = 0
		c.stats.PacketsSent++
	}
}
