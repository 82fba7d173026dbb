// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "time"

// handleAlarms dispatches every alarm whose deadline has passed as of
// now. Firing order follows alarmID's declaration order, which puts ack
// before retransmission before timeout so that a quiescent connection's
// ack timer never masks a simultaneous idle timeout.
func (c *Conn) handleAlarms(now time.Time) {
	for _, id := range c.alarms.firedSince(now) {
		switch id {
		case alarmAck:
			c.onAckAlarm(now)
		case alarmRetransmission:
			c.onRetransmissionAlarm(now)
		case alarmSend:
			if next := c.maybeSend(now); !next.IsZero() {
				c.alarms.set(alarmSend, next)
			}
		case alarmTimeout:
			c.onTimeoutAlarm(now)
		case alarmPing:
			c.onPingAlarm(now)
		case alarmMTUDiscovery:
			c.onMTUDiscoveryAlarm(now)
		case alarmRetransmittableOnWire:
			c.onRetransmittableOnWireAlarm(now)
		case alarmPathDegrading:
			c.onPathDegradingAlarm(now)
		}
	}
}

// onRetransmissionAlarm handles a PTO/RTO alarm firing: mark every
// space with in-flight data as having an expired PTO, which the next
// generator pass turns into a probe, then close the connection if too
// many consecutive timeouts have now elapsed.
func (c *Conn) onRetransmissionAlarm(now time.Time) {
	tooMany := c.loss.onRetransmissionTimeout(&c.config)
	if tooMany {
		c.closeWith(now, false, newError(ErrTooManyRTOs, Silent, "five consecutive retransmission timeouts"))
		return
	}
	defer c.startFlusher(ackNone).release()
	c.setRetransmissionAlarm()
}

// setRetransmissionAlarm (re)computes the retransmission alarm's
// deadline from the sent-packet manager's current state, or cancels it
// if nothing is outstanding.
// Called with the flusher held open, or else deferred via
// retransmissionAlarmDeferred for the flusher to pick up on release.
func (c *Conn) setRetransmissionAlarm() {
	if c.flusherDepth == 0 {
		c.retransmissionAlarmDeferred = true
		return
	}
	t := c.loss.getRetransmissionTime(c.clock.Now())
	if t.IsZero() {
		c.alarms.cancel(alarmRetransmission)
		return
	}
	c.alarms.set(alarmRetransmission, t)
}

// onTimeoutAlarm implements the network idle timeout and handshake
// timeout checks: if neither deadline has actually been
// reached yet (the alarm fired early because it had been armed for the
// earlier of the two and the other one got pushed out since), just
// re-arm for whichever is now soonest.
func (c *Conn) onTimeoutAlarm(now time.Time) {
	idleDeadline := c.lastReceivedTime.Add(c.config.EffectiveIdleTimeout(c.side))
	if !now.Before(idleDeadline) {
		behavior := SendClosePacket
		if c.config.SilentClose {
			behavior = Silent
		}
		c.closeWith(now, false, newError(ErrNetworkIdleTimeout, behavior, "idle timeout"))
		return
	}
	if !c.handshakeComplete {
		handshakeDeadline := c.createdTime.Add(c.config.HandshakeTimeout)
		if !now.Before(handshakeDeadline) {
			c.closeWith(now, false, newError(ErrHandshakeTimeout, SendClosePacket, "handshake timeout"))
			return
		}
	}
	c.setTimeoutAlarm()
}

// setTimeoutAlarm arms alarmTimeout for the earlier of the idle timeout
// and (pre-handshake) the handshake timeout.
func (c *Conn) setTimeoutAlarm() {
	deadline := c.lastReceivedTime.Add(c.config.EffectiveIdleTimeout(c.side))
	if !c.handshakeComplete {
		hd := c.createdTime.Add(c.config.HandshakeTimeout)
		if hd.Before(deadline) {
			deadline = hd
		}
	}
	c.alarms.set(alarmTimeout, deadline)
}

// onPingAlarm asks the Visitor to send a keepalive PING on a client-side
// connection whose Visitor reports HasPendingHandshake, then re-arms
// itself PingTimeout later. Open streams are not consulted, and other
// traffic does not push the alarm back.
func (c *Conn) onPingAlarm(now time.Time) {
	if c.side == clientSide && c.visitor.HasPendingHandshake() {
		c.visitor.SendPing()
	}
	c.alarms.set(alarmPing, now.Add(c.config.PingTimeout))
}

// onMTUDiscoveryAlarm sends one MTU probe packet padded to mtuTarget;
// losing it simply ends the probe rather than retrying endlessly.
func (c *Conn) onMTUDiscoveryAlarm(now time.Time) {
	if c.mtuProbeSent || !c.handshakeComplete {
		return
	}
	c.mtuProbeSent = true
	c.sendTransmissionType = mtuProbeTransmission
	defer c.startFlusher(ackIfPending).release()
	c.QueueControlFrame(encAppData, pingFrame{})
}

// onRetransmittableOnWireAlarm sends a PING to keep NAT/firewall state
// alive when only non-ack-eliciting packets have gone out recently.
func (c *Conn) onRetransmittableOnWireAlarm(now time.Time) {
	defer c.startFlusher(ackNone).release()
	c.QueueControlFrame(encAppData, pingFrame{})
}

// onPathDegradingAlarm flags the connection as path-degrading once no
// packet has been acknowledged for long enough relative to the PTO
// estimate, notifying the Visitor exactly once per degradation episode.
func (c *Conn) onPathDegradingAlarm(now time.Time) {
	if c.pathDegrading {
		return
	}
	c.pathDegrading = true
	c.visitor.OnPathDegrading()
}
