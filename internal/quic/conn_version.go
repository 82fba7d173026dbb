// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "time"

// onVersionNegotiationPacket implements the client side of the
// version-negotiation state machine: start -> in_progress ->
// negotiated. body is the list of versions the server supports, each a
// 4-byte big-endian value per RFC 9000 Section 17.2.1 (encoded here as
// varints for consistency with the rest of this package's simplified
// wire format). A server never processes this packet type itself.
func (c *Conn) onVersionNegotiationPacket(now time.Time, body []byte) {
	if c.side != clientSide || c.versionState == versionNegotiated {
		return
	}
	var offered []uint32
	for len(body) > 0 {
		v, rest, err := consumeVarint(body)
		if err != nil {
			return
		}
		offered = append(offered, uint32(v))
		body = rest
	}
	for _, v := range offered {
		if v == c.version {
			// Server claims to support the version we already sent;
			// nothing to negotiate (a stray or spoofed packet).
			return
		}
	}
	chosen, ok := c.pickSupportedVersion(offered)
	if !ok {
		c.closeWith(now, false, newError(ErrInvalidVersion, Silent, "no mutually supported version"))
		return
	}
	c.versionState = versionInProgress
	c.version = chosen
	c.restartHandshakeForNewVersion(now)
}

// pickSupportedVersion returns the first version in this connection's
// configured preference order that also appears in offered.
func (c *Conn) pickSupportedVersion(offered []uint32) (uint32, bool) {
	for _, mine := range c.supportedVersions {
		for _, theirs := range offered {
			if mine == theirs {
				return mine, true
			}
		}
	}
	return 0, false
}

// restartHandshakeForNewVersion discards every Initial-space packet
// number, unacked packet and queued Initial frame, since packet numbers
// and framing are scoped to a single version's wire format, then asks
// the Visitor (OnCanWrite) to write again under the newly chosen
// version. The discarded packets are not retransmitted by the core.
func (c *Conn) restartHandshakeForNewVersion(now time.Time) {
	c.loss.spaces[encInitial] = newSpaceState()
	c.acks[encInitial] = newReceivedPacketManager()
	c.pendingFrames[encInitial] = nil
	defer c.startFlusher(ackNone).release()
	c.sendTransmissionType = allUnackedRetransmission
	c.visitor.OnCanWrite()
}

// onSuccessfulVersionNegotiation is called once the handshake actually
// completes under a renegotiated version, finalizing the state machine
// and telling the Visitor which version won.
func (c *Conn) onSuccessfulVersionNegotiation() {
	if c.versionState == versionInProgress {
		c.versionState = versionNegotiated
		c.visitor.OnSuccessfulVersionNegotiation(c.version)
	}
}
