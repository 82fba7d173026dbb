// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"net/netip"
	"time"

	"github.com/klzgrad/naiveproxy-sub047/internal/quic/metrics"
)

// processDatagramLocked handles one received UDP datagram on the loop
// goroutine: it may contain several coalesced packets, each parsed and
// processed independently, mirroring how buildDatagram writes several
// coalesced packets out.
func (c *Conn) processDatagramLocked(now time.Time, d *datagram) {
	c.stats.PacketsReceived++
	buf := d.b
	for len(buf) > 0 {
		n, rest := c.processOnePacket(now, d.peer, buf)
		if n == 0 {
			break // undecryptable or malformed trailing bytes; stop
		}
		buf = rest
	}
	c.lastReceivedTime = now
	c.lastReceivedPacketTime = now
	c.setTimeoutAlarm()
}

// processOnePacket parses and handles a single packet from the front of
// buf, returning the number of bytes consumed (0 if the packet could not
// be decrypted or parsed, in which case the remainder of the datagram is
// abandoned). A duplicate packet, or one more than MaxPacketGap ahead of
// the largest received at its level, is skipped by its length field.
func (c *Conn) processOnePacket(now time.Time, peer netip.AddrPort, buf []byte) (consumed int, rest []byte) {
	if len(buf) == 0 {
		return 0, nil
	}
	typ := packetType((buf[0] >> 0) & 0x03)
	if typ == packetTypeVersionNegotiation {
		c.onVersionNegotiationPacket(now, buf[1:])
		return len(buf), nil
	}
	level := encLevel((buf[0] >> 4) & 0x0f)
	if level >= numEncLevels {
		return 0, nil
	}
	body := buf[1:]
	pnumVal, body, err := consumeVarint(body)
	if err != nil {
		return 0, nil
	}
	pnum := packetNumber(pnumVal)
	dstLen, body, err := consumeByteLen(body)
	if err != nil {
		return 0, nil
	}
	dst := body[:dstLen]
	body = body[dstLen:]
	if typ.isLongHeader() {
		srcLen, b2, err := consumeByteLen(body)
		if err != nil {
			return 0, nil
		}
		body = b2[srcLen:]
	}
	_ = dst

	if len(body) < 2 {
		return 0, nil
	}
	length := int(body[0])<<8 | int(body[1])
	body = body[2:]
	if length > len(body) {
		return 0, nil
	}
	ciphertext := body[:length]
	n := len(buf) - len(body) + length

	if c.acks[level].received(pnum) {
		// Already-received packet number: RFC 9000 processing of a
		// duplicate is a no-op beyond accounting for it.
		c.stats.PacketsDropped++
		return n, buf[n:]
	}
	if largest := c.acks[level].largestSeen(); largest != invalidPacketNumber && pnum > largest && !near(largest, pnum, c.config.MaxPacketGap) {
		c.stats.PacketsDropped++
		return n, buf[n:]
	}

	keys := c.rkeys[level]
	plaintext, ok := keys.open(ciphertext)
	if !ok {
		c.bufferUndecryptable(now, peer, buf)
		return 0, nil
	}

	c.onPacketDecrypted(now, level, pnum, plaintext)
	if c.connected && c.packetContent != secondFrameIsPadding {
		// Connectivity probes (padded PINGs) never start a migration.
		c.observeEffectivePeer(now, peer)
	}
	return n, buf[n:]
}

func consumeByteLen(b []byte) (n int, rest []byte, err error) {
	if len(b) == 0 {
		return 0, nil, errVarintRange
	}
	n = int(b[0])
	if len(b) < 1+n {
		return 0, nil, errVarintRange
	}
	return n, b[1:], nil
}

// onPacketDecrypted processes one packet's worth of plaintext frames:
// records the packet number as received, walks the probe-content
// classifier, dispatches each frame, and schedules an ack.
func (c *Conn) onPacketDecrypted(now time.Time, level encLevel, pnum packetNumber, plaintext []byte) {
	metrics.PacketsReceived.WithLabelValues(level.String()).Inc()
	rpm := c.acks[level]
	wasMissing := rpm.record(pnum, now)

	c.packetContent = noFramesReceived
	ackEliciting := false
	progressed := false

	b := plaintext
	for len(b) > 0 {
		ft := frameType(b[0])
		consumed, err := c.dispatchFrame(now, level, b)
		if err != nil {
			c.closeWith(now, false, err)
			return
		}
		if consumed == 0 {
			break
		}
		b = b[consumed:]
		c.advanceProbeState(ft)
		if ft != frameTypePadding && ft != frameTypeAck {
			ackEliciting = true
		}
		if ft != frameTypeAck && ft != frameTypePadding && ft != frameTypePathChallenge && ft != frameTypePathResponse {
			progressed = true
		}
	}

	if progressed {
		c.visitor.OnForwardProgressConfirmed()
	}
	if c.packetContent == secondFrameIsPadding {
		c.visitor.OnConnectivityProbeReceived(c.localAddr, c.effectivePeerAddr)
	}

	defer c.startFlusher(ackNone).release()
	c.maybeQueueAck(now, level, pnum, wasMissing, ackEliciting)
}

// advanceProbeState walks the connectivity-probe classifier's four
// states (no frames received -> first frame is PING -> second frame is
// PADDING -> not a padded PING), used to recognize a bare PING-then-PADDING
// datagram as a connectivity probe rather than ordinary traffic.
func (c *Conn) advanceProbeState(ft frameType) {
	switch c.packetContent {
	case noFramesReceived:
		if ft == frameTypePing {
			c.packetContent = firstFrameIsPing
		} else {
			c.packetContent = notPaddedPing
		}
	case firstFrameIsPing:
		if ft == frameTypePadding {
			c.packetContent = secondFrameIsPadding
		} else {
			c.packetContent = notPaddedPing
		}
	case secondFrameIsPadding:
		if ft != frameTypePadding {
			c.packetContent = notPaddedPing
		}
	}
}

// dispatchFrame parses exactly one frame from the front of b and applies
// its effect, returning the number of bytes it consumed.
func (c *Conn) dispatchFrame(now time.Time, level encLevel, b []byte) (consumed int, err *TransportError) {
	ft := frameType(b[0])
	switch ft {
	case frameTypePadding:
		n := 0
		for n < len(b) && b[n] == 0 {
			n++
		}
		return n, nil

	case frameTypePing:
		return 1, nil

	case frameTypeAck:
		return c.handleAckFrame(now, level, b)

	case frameTypeCrypto:
		return c.handleCryptoFrame(b)

	case frameTypeStream, frameTypeStream | 0x01, frameTypeStream | 0x02, frameTypeStream | 0x03,
		frameTypeStream | 0x04, frameTypeStream | 0x05, frameTypeStream | 0x06, frameTypeStream | 0x07:
		return c.handleStreamFrame(b)

	case frameTypeRstStream:
		return c.handleRstStreamFrame(b)

	case frameTypeConnectionClose, frameTypeApplicationClose:
		return c.handleConnectionCloseFrame(now, b)

	case frameTypePathChallenge:
		return c.handlePathChallengeFrame(now, b)

	case frameTypePathResponse:
		return c.handlePathResponseFrame(b)

	case frameTypeStopWaiting:
		return c.handleStopWaitingFrame(level, b)

	default:
		return c.handleOpaqueFrame(b)
	}
}

func (c *Conn) handleAckFrame(now time.Time, level encLevel, b []byte) (int, *TransportError) {
	orig := len(b)
	b = b[1:]
	largest, b, err := consumeVarint(b)
	if err != nil {
		return 0, newError(ErrInvalidPacketHeader, SendClosePacket, "truncated ack frame")
	}
	delay, b, err := consumeVarint(b)
	if err != nil {
		return 0, newError(ErrInvalidPacketHeader, SendClosePacket, "truncated ack frame")
	}
	count, b, err := consumeVarint(b)
	if err != nil {
		return 0, newError(ErrInvalidPacketHeader, SendClosePacket, "truncated ack frame")
	}
	firstRange, b, err := consumeVarint(b)
	if err != nil {
		return 0, newError(ErrInvalidPacketHeader, SendClosePacket, "truncated ack frame")
	}

	if tErr := c.loss.onAckFrameStart(level, packetNumber(largest)); tErr != nil {
		return 0, tErr
	}
	var res ackResult
	smallest := packetNumber(largest) - packetNumber(firstRange)
	c.loss.onAckRange(level, smallest, packetNumber(largest), &res)

	upper := smallest
	for i := uint64(0); i < count; i++ {
		gap, b2, err := consumeVarint(b)
		if err != nil {
			return 0, newError(ErrInvalidPacketHeader, SendClosePacket, "truncated ack frame")
		}
		b = b2
		rangeLen, b3, err := consumeVarint(b)
		if err != nil {
			return 0, newError(ErrInvalidPacketHeader, SendClosePacket, "truncated ack frame")
		}
		b = b3
		upper = upper - packetNumber(gap) - 2
		lower := upper - packetNumber(rangeLen)
		c.loss.onAckRange(level, lower, upper, &res)
		upper = lower
	}

	ackDelay := time.Duration(delay) * time.Microsecond
	c.loss.onAckFrameEnd(now, level, ackDelay, &res)
	if s := c.loss.spaces[level]; s.largestAcked > s.leastUnacked && uint64(s.largestAcked-s.leastUnacked) > c.config.MaxTrackedPackets {
		return 0, newError(ErrTooManyOutstandingSentPackets, SendClosePacket, "too many outstanding sent packets")
	}
	if len(res.Acked) > 0 {
		c.loss.neuterUnencryptedPackets()
		if !c.handshakeComplete && level == encAppData {
			c.markHandshakeConfirmed(now)
		}
	}
	for _, p := range res.Lost {
		c.stats.PacketsLost++
		c.requeueLostFrames(level, p)
	}
	c.stats.PacketsRetransmitted += uint64(len(res.Lost))
	c.setRetransmissionAlarm()

	return orig - len(b), nil
}

// requeueLostFrames re-enqueues the retransmittable frames from a
// declared-lost packet, excluding ACK frames: their own loss never
// triggers retransmission, since a fresher ACK frame will be sent on its
// own schedule regardless.
func (c *Conn) requeueLostFrames(level encLevel, p *sentPacket) {
	for _, f := range p.Frames {
		if _, isAck := f.(ackFrame); isAck {
			continue
		}
		c.pendingFrames[level] = append(c.pendingFrames[level], f)
	}
}

func (c *Conn) handleCryptoFrame(b []byte) (int, *TransportError) {
	orig := len(b)
	b = b[1:]
	off, b, err := consumeVarint(b)
	if err != nil {
		return 0, newError(ErrInvalidPacketHeader, SendClosePacket, "truncated crypto frame")
	}
	length, b, err := consumeVarint(b)
	if err != nil || uint64(len(b)) < length {
		return 0, newError(ErrInvalidPacketHeader, SendClosePacket, "truncated crypto frame")
	}
	_ = off
	b = b[length:]
	return orig - len(b), nil
}

func (c *Conn) handleStreamFrame(b []byte) (int, *TransportError) {
	orig := len(b)
	typ := b[0]
	b = b[1:]
	id, b, err := consumeVarint(b)
	if err != nil {
		return 0, newError(ErrInvalidPacketHeader, SendClosePacket, "truncated stream frame")
	}
	var off uint64
	if typ&0x02 != 0 {
		off, b, err = consumeVarint(b)
		if err != nil {
			return 0, newError(ErrInvalidPacketHeader, SendClosePacket, "truncated stream frame")
		}
	}
	var length uint64
	if typ&0x04 != 0 {
		length, b, err = consumeVarint(b)
		if err != nil || uint64(len(b)) < length {
			return 0, newError(ErrInvalidPacketHeader, SendClosePacket, "truncated stream frame")
		}
	} else {
		length = uint64(len(b))
	}
	data := b[:length]
	b = b[length:]
	fin := typ&0x01 != 0
	c.visitor.OnStreamFrame(int64(id), int64(off), data, fin)
	return orig - len(b), nil
}

func (c *Conn) handleRstStreamFrame(b []byte) (int, *TransportError) {
	orig := len(b)
	b = b[1:]
	id, b, err := consumeVarint(b)
	if err != nil {
		return 0, newError(ErrInvalidPacketHeader, SendClosePacket, "truncated rst_stream frame")
	}
	code, b, err := consumeVarint(b)
	if err != nil {
		return 0, newError(ErrInvalidPacketHeader, SendClosePacket, "truncated rst_stream frame")
	}
	finalSize, b, err := consumeVarint(b)
	if err != nil {
		return 0, newError(ErrInvalidPacketHeader, SendClosePacket, "truncated rst_stream frame")
	}
	c.visitor.OnRSTStream(int64(id), code, int64(finalSize))
	return orig - len(b), nil
}

func (c *Conn) handleConnectionCloseFrame(now time.Time, b []byte) (int, *TransportError) {
	orig := len(b)
	application := frameType(b[0]) == frameTypeApplicationClose
	b = b[1:]
	if !application {
		_, b2, err := consumeVarint(b)
		if err != nil {
			return 0, newError(ErrInvalidPacketHeader, SendClosePacket, "truncated connection_close frame")
		}
		b = b2
	}
	code, b, err := consumeVarint(b)
	if err != nil {
		return 0, newError(ErrInvalidPacketHeader, SendClosePacket, "truncated connection_close frame")
	}
	length, b, err := consumeVarint(b)
	if err != nil || uint64(len(b)) < length {
		return 0, newError(ErrInvalidPacketHeader, SendClosePacket, "truncated connection_close frame")
	}
	reason := string(b[:length])
	b = b[length:]

	terr := &TransportError{Code: TransportErrorCode(code), Details: reason, Behavior: Silent, FromPeer: true}
	c.closeWith(now, true, terr)
	return orig - len(b), nil
}

func (c *Conn) handlePathChallengeFrame(now time.Time, b []byte) (int, *TransportError) {
	if len(b) < 9 {
		return 0, newError(ErrInvalidPacketHeader, SendClosePacket, "truncated path_challenge frame")
	}
	var data [8]byte
	copy(data[:], b[1:9])
	c.respondToPathChallenge(now, data)
	return 9, nil
}

func (c *Conn) handlePathResponseFrame(b []byte) (int, *TransportError) {
	if len(b) < 9 {
		return 0, newError(ErrInvalidPacketHeader, SendClosePacket, "truncated path_response frame")
	}
	var data [8]byte
	copy(data[:], b[1:9])
	c.onPathResponse(data)
	return 9, nil
}

func (c *Conn) handleStopWaitingFrame(level encLevel, b []byte) (int, *TransportError) {
	orig := len(b)
	b = b[1:]
	n, b, err := consumeVarint(b)
	if err != nil {
		return 0, newError(ErrInvalidStopWaitingData, SendClosePacket, "truncated stop_waiting frame")
	}
	c.acks[level].dontWaitForPacketsBefore(packetNumber(n))
	return orig - len(b), nil
}

// handleOpaqueFrame consumes one of the control frames this core does
// not itself interpret (GOAWAY, WINDOW_UPDATE, BLOCKED, MAX_STREAM_ID,
// STREAM_ID_BLOCKED, NEW_CONNECTION_ID, STOP_SENDING), each encoded here
// as a type byte followed by a fixed count of varints. Only WINDOW_UPDATE,
// BLOCKED and GOAWAY are handed to the Visitor; the others are consumed
// and dropped.
func (c *Conn) handleOpaqueFrame(b []byte) (int, *TransportError) {
	ft := frameType(b[0])
	argCount, ok := opaqueFrameArgCount(ft)
	if !ok {
		return 0, newError(ErrInvalidPacketHeader, SendClosePacket, "unknown frame type")
	}
	orig := len(b)
	rest := b[1:]
	args := make([]uint64, 0, argCount)
	for i := 0; i < argCount; i++ {
		v, r, err := consumeVarint(rest)
		if err != nil {
			return 0, newError(ErrInvalidPacketHeader, SendClosePacket, "truncated control frame")
		}
		args = append(args, v)
		rest = r
	}
	switch ft {
	case frameTypeWindowUpdate:
		c.visitor.OnWindowUpdate(int64(args[0]), int64(args[1]))
	case frameTypeBlocked:
		c.visitor.OnBlocked(int64(args[0]))
	case frameTypeGoaway:
		c.visitor.OnGoAway(int64(args[0]), args[1], "")
	}
	return orig - len(rest), nil
}

func opaqueFrameArgCount(ft frameType) (int, bool) {
	switch ft {
	case frameTypeMaxStreamID, frameTypeBlocked, frameTypeStreamIDBlocked:
		return 1, true
	case frameTypeWindowUpdate:
		return 2, true
	case frameTypeGoaway:
		return 2, true
	case frameTypeStopSending:
		return 2, true
	case frameTypeNewConnectionID:
		return 2, true
	default:
		return 0, false
	}
}

// bufferUndecryptable stashes a ciphertext that failed to open under
// every installed key, to be retried once a later key installs. Once
// forward-secure (encAppData) keys are installed, nothing will ever
// decrypt under an earlier level again, so entries are dropped instead
// of buffered and the backlog stays drained. Oldest entries are
// otherwise dropped once MaxUndecryptablePackets is exceeded.
func (c *Conn) bufferUndecryptable(now time.Time, peer netip.AddrPort, b []byte) {
	if c.rkeys[encAppData].isSet() {
		c.stats.PacketsDropped++
		return
	}
	if c.config.MaxUndecryptablePackets <= 0 {
		return
	}
	cp := append([]byte(nil), b...)
	c.undecryptable = append(c.undecryptable, undecryptablePacket{peer: peer, data: cp, recvTime: now})
	for len(c.undecryptable) > c.config.MaxUndecryptablePackets {
		c.undecryptable = c.undecryptable[1:]
	}
}

// retryUndecryptable is called right after a new read key installs: any
// buffered ciphertext might now decrypt.
func (c *Conn) retryUndecryptable(now time.Time) {
	pending := c.undecryptable
	c.undecryptable = nil
	for _, u := range pending {
		d := &datagram{peer: u.peer, b: u.data, recvTime: u.recvTime}
		c.processDatagramLocked(now, d)
	}
}

// markHandshakeConfirmed transitions handshakeComplete once the first
// 1-RTT ack arrives, neutering Initial/Handshake retransmissions and
// starting the ping/idle keepalive timers proper.
func (c *Conn) markHandshakeConfirmed(now time.Time) {
	c.handshakeComplete = true
	c.loss.neuterUnencryptedPackets()
	c.visitor.OnForwardProgressConfirmed()
	c.onSuccessfulVersionNegotiation()
	if c.side == clientSide {
		c.alarms.set(alarmPing, now.Add(c.config.PingTimeout))
	}
}
