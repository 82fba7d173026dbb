// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"time"

	"github.com/klzgrad/naiveproxy-sub047/internal/quic/metrics"
)

// closeWith tears the connection down: it is idempotent, since
// both a local failure and a peer's CONNECTION_CLOSE can race to call it.
// Per behavior it either serializes and sends a CONNECTION_CLOSE frame
// (SendClosePacket/SendClosePacketNoAck), retaining the bytes as the
// termination packet so a stray packet arriving during the draining
// period can be answered with the same bytes again rather than re-running
// the state machine, or tears down silently (Silent, or any close
// reported fromPeer, since responding to a peer-initiated close with
// another CONNECTION_CLOSE would just bounce forever).
func (c *Conn) closeWith(now time.Time, fromPeer bool, err *TransportError) {
	if !c.connected {
		return
	}
	c.connected = false
	err.FromPeer = fromPeer || err.FromPeer
	c.alarms.cancelAll()

	behavior := err.Behavior
	if fromPeer {
		behavior = Silent
	}
	if behavior != Silent {
		c.terminationPacket = c.buildClosePacket(now, err)
		if c.terminationPacket != nil {
			c.listener.sendDatagram(c.terminationPacket, c.effectivePeerAddr)
		}
	}

	logEntry := c.logger.WithField("error_code", err.Code.String())
	if fromPeer {
		logEntry.Warn("connection closed by peer")
	} else {
		logEntry.Warn("connection closed")
	}

	metrics.ObserveClose(err.Code.String(), fromPeer)
	c.visitor.OnConnectionClosed(err)
	c.exited = true
}

// buildClosePacket serializes a single CONNECTION_CLOSE packet at the
// highest encryption level with installed write keys, since RFC 9000
// Section 10.2.1 has the sender announce closure at its most advanced
// level so the peer is most likely to be able to read it.
func (c *Conn) buildClosePacket(now time.Time, err *TransportError) []byte {
	level := c.highestWriteLevel()
	if level < 0 {
		return nil
	}
	c.w.reset(c.longTermMTU)
	pnum := c.loss.nextNumber(level)
	h := packetHeader{
		Type:      levelToPacketType(level),
		Level:     level,
		Number:    pnum,
		DstConnID: c.peerConnID,
		SrcConnID: c.localConnID,
	}
	if !c.w.startPacket(h) {
		return nil
	}
	payloadStart := len(c.w.b)
	connectionCloseFrame{Code: err.Code, Reason: err.Details}.appendTo(&c.w)
	return c.w.finishPacket(payloadStart, c.wkeys[level])
}

func (c *Conn) highestWriteLevel() encLevel {
	for level := encAppData; level >= encInitial; level-- {
		if level != encZeroRTT && c.wkeys[level].isSet() {
			return level
		}
	}
	return -1
}

// Close requests an application-initiated graceful shutdown with
// ErrNone, the "no error" code a well-behaved peer uses to mean "I'm
// done, not that anything went wrong."
func (c *Conn) Close() {
	c.runOnLoop(func(now time.Time, c *Conn) {
		c.closeWith(now, false, newError(ErrNone, SendClosePacket, ""))
	})
}

// TerminationPacket returns the CONNECTION_CLOSE datagram this
// connection last sent while closing, or nil if it closed silently or
// has not closed yet. A listener retains this across the draining period
// so a retransmitted packet from a peer that hasn't yet seen the close
// can be answered without resurrecting connection state.
func (c *Conn) TerminationPacket() []byte {
	var out []byte
	c.runOnLoop(func(now time.Time, c *Conn) {
		out = c.terminationPacket
	})
	return out
}
