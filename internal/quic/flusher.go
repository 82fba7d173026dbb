// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

// ackSendMode selects what a packetFlusher does with a pending ACK frame
// on construction.
type ackSendMode int

const (
	ackAlways ackSendMode = iota
	ackIfQueued
	ackIfPending
	ackNone
)

// packetFlusher is a scoped, guaranteed-release wrapper realized in Go
// as a value whose release method every caller defers immediately after
// construction. Nested flushers coalesce: only the outermost one
// actually flushes and re-arms timers, tracked via Conn.flusherDepth.
type packetFlusher struct {
	c         *Conn
	outermost bool
}

// startFlusher begins a flusher scope. Call its release method (typically
// via defer) on every exit path, including error returns. The connection
// must be on the same loop that owns the flusher for the entirety of the
// scope, since the loop is the connection's single logical task.
func (c *Conn) startFlusher(mode ackSendMode) *packetFlusher {
	f := &packetFlusher{c: c}
	c.flusherDepth++
	f.outermost = c.flusherDepth == 1
	if f.outermost {
		c.maybeSendAckNow(mode)
	}
	return f
}

// release ends the flusher scope. On the outermost release it flushes
// the generator, writes whatever remains queued, resets the
// transmission type, reports application-limited when nothing is
// outstanding, and arms the retransmission alarm if a handler deferred
// doing so (Conn.retransmissionAlarmDeferred).
func (f *packetFlusher) release() {
	f.c.flusherDepth--
	if !f.outermost {
		return
	}
	c := f.c
	c.flushGeneratorAndWrite()
	c.sendTransmissionType = notRetransmission
	if !c.loss.hasInFlightRetransmittable() {
		c.loss.cc.OnApplicationLimited()
	}
	if c.retransmissionAlarmDeferred {
		c.retransmissionAlarmDeferred = false
		c.setRetransmissionAlarm()
	}
}

// maybeSendAckNow is called on flusher construction: if mode calls for
// it and the received manager currently has ack content, build and
// enqueue an ACK frame immediately rather than waiting for the ack
// alarm, so it bundles with whatever the caller is about to send.
func (c *Conn) maybeSendAckNow(mode ackSendMode) {
	if mode == ackNone {
		return
	}
	for space := encLevel(0); space < numEncLevels; space++ {
		rpm := c.acks[space]
		if rpm == nil {
			continue
		}
		switch mode {
		case ackAlways:
			c.sendAck(space)
		case ackIfQueued:
			if c.ackQueued[space] {
				c.sendAck(space)
			}
		case ackIfPending:
			if rpm.dirty {
				c.sendAck(space)
			}
		}
	}
}
