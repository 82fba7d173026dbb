// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"net/netip"
	"time"
)

// respondToPathChallenge implements the connectivity-probe reply: a
// PATH_CHALLENGE is echoed in a PATH_RESPONSE sent to the current
// effective peer address (not necessarily the address the challenge
// arrived from), and
// RFC 9000 Section 8.2.2 requires that response go out even if
// congestion control or pacing would otherwise defer it, since path
// validation traffic is deliberately exempt from those limits.
func (c *Conn) respondToPathChallenge(now time.Time, data [8]byte) {
	level := encAppData
	if !c.wkeys[level].isSet() {
		return
	}
	maxSize := c.loss.maxSendSize()
	c.w.reset(maxSize)
	pnum := c.loss.nextNumber(level)
	h := packetHeader{
		Type:      packetType1RTT,
		Level:     level,
		Number:    pnum,
		DstConnID: c.peerConnID,
	}
	if !c.w.startPacket(h) {
		return
	}
	payloadStart := len(c.w.b)
	pathResponseFrame{Data: data}.appendTo(&c.w)
	buf := c.w.finishPacket(payloadStart, c.wkeys[level])
	sent := &sentPacket{Number: pnum, SentTime: now, Size: len(buf), Type: probingRetransmission}
	c.loss.onPacketSent(now, level, sent)
	c.listener.sendDatagram(buf, c.effectivePeerAddr)
}

// onPathResponse validates a received PATH_RESPONSE against the
// challenge this connection most recently sent. A mismatched or
// unexpected response is simply ignored, per RFC 9000 Section 8.2.3: it
// is not a protocol error, since PATH_RESPONSE frames for stale or
// spoofed challenges are expected background noise.
func (c *Conn) onPathResponse(data [8]byte) {
	if !c.pendingChallengeSet || data != c.pendingChallenge {
		return
	}
	c.pendingChallengeSet = false
	if c.migration.state == migrationInProgress && c.migration.candidateAddr == c.pendingChallengeAddr {
		c.completeMigration()
	}
}

// sendPathChallenge issues a new PATH_CHALLENGE to peer, remembering the
// nonce so a matching PATH_RESPONSE can be recognized.
func (c *Conn) sendPathChallenge(peer netip.AddrPort) error {
	data, err := newPathChallengeData()
	if err != nil {
		return err
	}
	c.pendingChallenge = data
	c.pendingChallengeAddr = peer
	c.pendingChallengeSet = true
	c.QueueControlFrame(encAppData, pathChallengeFrame{Data: data})
	return nil
}
