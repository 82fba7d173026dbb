// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "time"

// minimumClientInitialDatagramSize is the padding floor RFC 9000 Section
// 14.1 imposes on client Initial packets, so a single-RTT amplification
// attack can't hide behind a tiny client-chosen datagram.
const minimumClientInitialDatagramSize = 1200

// QueueControlFrame enqueues f to be sent at level the next time the
// generator runs, reporting whether the congestion controller currently
// permits sending it. A PING is always allowed and flushed immediately
// regardless of the congestion window, matching every other frame type
// being subject to the same congestion gate the generator itself
// enforces. It is safe to call from any goroutine.
func (c *Conn) QueueControlFrame(level encLevel, f frame) bool {
	var allowed bool
	c.runOnLoop(func(now time.Time, c *Conn) {
		defer c.startFlusher(ackIfPending).release()
		if _, isPing := f.(pingFrame); !isPing {
			if limit, _ := c.loss.sendLimit(now); limit == ccBlocked {
				return
			}
		}
		allowed = true
		c.pendingFrames[level] = append(c.pendingFrames[level], f)
	})
	return allowed
}

// maybeSend is the send alarm's callback: speculatively build and
// write datagrams until sending is blocked by congestion control, pacing,
// or anti-amplification, or until a pass produces no packet at all.
func (c *Conn) maybeSend(now time.Time) (next time.Time) {
	c.loss.cc.SetUnderutilized(false)
	for {
		limit, when := c.loss.sendLimit(now)
		if limit == ccBlocked {
			return when
		}
		n := c.buildDatagram(now, limit)
		if n == 0 {
			if limit == ccOK {
				c.loss.cc.SetUnderutilized(true)
			}
			return when
		}
	}
}

// flushGeneratorAndWrite is called by the outermost packetFlusher's
// release: one pass, not a loop, since the caller already knows it has
// something worth flushing right now.
func (c *Conn) flushGeneratorAndWrite() {
	limit, next := c.loss.sendLimit(c.clock.Now())
	if limit == ccBlocked {
		c.alarms.set(alarmSend, next)
		return
	}
	c.buildDatagram(c.clock.Now(), limit)
}

// buildDatagram constructs and sends at most one coalesced datagram,
// speculatively writing a packet for every encryption level with
// installed write keys: abandon a packet that ends up with nothing but
// an unwanted ACK in it, since constructing the frame is cheap but
// sending an empty datagram is not. Returns the number of bytes written.
func (c *Conn) buildDatagram(now time.Time, limit ccLimit) int {
	if c.writerBlocked {
		// The head of the queued-packets FIFO must reach the wire
		// before any newly serialized packet; don't generate more
		// until OnWriterUnblocked has drained the backlog.
		return 0
	}
	maxSize := c.loss.maxSendSize()
	if mtu := c.currentMTUBudget(); mtu < maxSize {
		maxSize = mtu
	}
	c.w.reset(maxSize)

	pad := false
	var sentInitial *sentPacket
	for level := encLevel(0); level < numEncLevels; level++ {
		if level == encZeroRTT {
			continue // 0-RTT is an explicit Non-goal; never selected
		}
		keys := c.wkeys[level]
		if !keys.isSet() {
			continue
		}
		pnum := c.loss.nextNumber(level)
		headerStart := len(c.w.b)
		h := packetHeader{
			Type:      levelToPacketType(level),
			Level:     level,
			Number:    pnum,
			DstConnID: c.peerConnID,
			SrcConnID: c.localConnID,
		}
		if !c.w.startPacket(h) {
			continue
		}
		payloadStart := len(c.w.b)
		ackEliciting := c.appendFrames(now, level, pnum, limit)
		if !ackEliciting && (len(c.w.b) == payloadStart || (limit == ccOK && !c.ackQueued[level])) {
			// Nothing to send at this level, or only an ACK that is not
			// due yet; unwind the header we speculatively wrote.
			c.w.b = c.w.b[:headerStart]
			continue
		}
		buf := c.w.finishPacket(payloadStart, keys)
		sent := &sentPacket{
			Number:          pnum,
			SentTime:        now,
			Size:            len(buf) - headerStart,
			Type:            c.sendTransmissionType,
			Level:           level,
			Retransmittable: ackEliciting,
		}
		shouldRearm := c.loss.onPacketSent(now, level, sent)
		if shouldRearm {
			c.setRetransmissionAlarm()
		}
		c.stats.PacketsSent++
		if level == encInitial {
			sentInitial = sent
			if c.side == clientSide || ackEliciting {
				pad = true
			}
		}
	}

	buf := c.w.datagram()
	if len(buf) == 0 {
		return 0
	}
	if pad && sentInitial != nil {
		for len(buf) < minimumClientInitialDatagramSize {
			buf = append(buf, 0)
			sentInitial.Size++
		}
	}
	if err := c.listener.sendDatagram(buf, c.effectivePeerAddr); err != nil {
		c.writerBlocked = true
		c.stats.WriteBlockedCount++
		c.queuedPackets = append(c.queuedPackets, queuedPacket{
			data: append([]byte(nil), buf...),
			peer: c.effectivePeerAddr,
		})
		c.visitor.OnWriteBlocked()
		return 0
	}
	c.lastSendForTimeout = now
	return len(buf)
}

// onWriterUnblocked replays the write-blocked FIFO in order, then invites
// the session to write more once the backlog has fully drained. A
// send failure partway through the replay stops it in place: the queue
// keeps the unreplayed tail in its original order rather than
// reordering around the failure.
func (c *Conn) onWriterUnblocked(now time.Time) {
	for len(c.queuedPackets) > 0 {
		p := c.queuedPackets[0]
		if err := c.listener.sendDatagram(p.data, p.peer); err != nil {
			return
		}
		c.queuedPackets = c.queuedPackets[1:]
		c.lastSendForTimeout = now
	}
	c.writerBlocked = false
	c.visitor.OnCanWrite()
	c.flushGeneratorAndWrite()
}

func levelToPacketType(level encLevel) packetType {
	switch level {
	case encInitial:
		return packetTypeInitial
	case encHandshake:
		return packetTypeHandshake
	default:
		return packetType1RTT
	}
}

// currentMTUBudget returns the datagram size ceiling for the packet about
// to be built: longTermMTU normally, or mtuTarget while an MTU discovery
// probe is outstanding.
func (c *Conn) currentMTUBudget() int {
	if c.mtuProbeSent {
		return c.mtuTarget
	}
	return c.longTermMTU
}

// appendFrames fills one packet at level with whatever is due to be
// sent: a speculative ACK frame first (so it's never truncated by later
// frames), then queued control frames, then a bare PING if this is a PTO
// probe and nothing else ack-eliciting got written. Returns whether the
// resulting packet is ack-eliciting.
func (c *Conn) appendFrames(now time.Time, level encLevel, pnum packetNumber, limit ccLimit) (ackEliciting bool) {
	rpm := c.acks[level]
	wroteAck := false
	if ack, ok := rpm.getUpdatedAckFrame(now); ok {
		ack.appendTo(&c.w)
		wroteAck = true
	}
	if limit != ccOK {
		if wroteAck {
			rpm.sentAck()
		}
		return false
	}

	for _, f := range c.pendingFrames[level] {
		f.appendTo(&c.w)
		ackEliciting = true
	}
	c.pendingFrames[level] = nil

	if !ackEliciting && c.loss.ptoExpiredAt(level) {
		pingFrame{}.appendTo(&c.w)
		ackEliciting = true
		c.loss.clearPTO(level)
	}

	if wroteAck {
		if ackEliciting || c.ackQueued[level] {
			rpm.sentAck()
		}
		// Otherwise leave the ack pending; the caller unwinds this
		// packet's bytes since nothing but the ACK was written.
	}
	return ackEliciting
}
