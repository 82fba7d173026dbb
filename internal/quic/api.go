// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
)

// NewClientConn creates a client-side connection dialing peer. The TLS
// handshake itself is an explicit external collaborator: callers
// drive it by calling InstallKeys as each encryption level's keys
// become available and ConfirmHandshake once it finishes.
func NewClientConn(now time.Time, peer netip.AddrPort, listener connListener, visitor Visitor, config Config, clock Clock, logger logrus.FieldLogger) (*Conn, error) {
	return newConn(now, clientSide, nil, peer, listener, visitor, config, clock, logger, nil)
}

// NewServerConn creates a server-side connection for a client whose
// first Initial packet carried peerInitialConnID and arrived from peer.
func NewServerConn(now time.Time, peerInitialConnID []byte, peer netip.AddrPort, listener connListener, visitor Visitor, config Config, clock Clock, logger logrus.FieldLogger) (*Conn, error) {
	return newConn(now, serverSide, peerInitialConnID, peer, listener, visitor, config, clock, logger, nil)
}

// ProcessUDP delivers one received UDP datagram to the connection's loop.
// self and peer are the local and remote addresses the datagram arrived
// on/from; only peer is consulted (by observeEffectivePeer), self is
// carried on the datagram but not read.
func (c *Conn) ProcessUDP(now time.Time, self, peer netip.AddrPort, b []byte) {
	c.sendMsg(&datagram{self: self, peer: peer, b: b, recvTime: now})
}

// InstallKeys installs both read and write keys for level, as an
// external TLS handshaker completes each encryption-level transition.
// Installing a new read key retries any ciphertexts buffered because
// they failed to decrypt under a previously installed level.
func (c *Conn) InstallKeys(level encLevel, rkeys, wkeys packetKeys) {
	c.runOnLoop(func(now time.Time, c *Conn) {
		defer c.startFlusher(ackNone).release()
		c.rkeys[level] = rkeys
		c.wkeys[level] = wkeys
		if level > c.highestLevel {
			c.highestLevel = level
		}
		c.retryUndecryptable(now)
	})
}

// OnWriterUnblocked is invoked externally when the underlying socket
// becomes writable again after a previous datagram write returned an
// error. It replays every packet queued while the writer was blocked,
// in FIFO order, then invites the session to write more once the
// backlog has fully drained.
func (c *Conn) OnWriterUnblocked() {
	c.runOnLoop(func(now time.Time, c *Conn) {
		defer c.startFlusher(ackNone).release()
		c.onWriterUnblocked(now)
	})
}

// ConfirmHandshake tells the connection the TLS handshake has finished,
// letting 1-RTT keepalive and idle-timeout behavior take over from the
// handshake timeout.
func (c *Conn) ConfirmHandshake() {
	c.runOnLoop(func(now time.Time, c *Conn) {
		c.markHandshakeConfirmed(now)
	})
}

// Stats returns a snapshot of this connection's counters.
func (c *Conn) Stats() ConnectionStats {
	var out ConnectionStats
	c.runOnLoop(func(now time.Time, c *Conn) {
		out = c.stats
		out.BytesInFlight = c.loss.bytesInFlight
		out.SmoothedRTT = c.loss.rtt.smoothedRTT
		out.MinRTT = c.loss.rtt.minRTT
	})
	return out
}

// errEmptyWrite is returned by SendStreamData when called with no
// payload and no fin: there would be nothing for the resulting STREAM
// frame to carry.
var errEmptyWrite = newError(ErrEmptyWrite, Silent, "")

// SendStreamData queues a STREAM frame carrying data for stream id at
// offset off, fin marking the final frame of the stream. It reports how
// much of data was consumed and whether fin was consumed with it; since
// this package queues the whole frame in one piece rather than
// fragmenting across packets, it consumes everything offered, or
// nothing (0, false) when the congestion controller currently blocks
// sending and the frame is not queued. Stream buffering, flow control, and
// retransmission-on-loss bookkeeping beyond the single frame queued here
// are the session/application layer's responsibility.
func (c *Conn) SendStreamData(id, off int64, data []byte, fin bool) (bytesConsumed int64, finConsumed bool, err *TransportError) {
	if len(data) == 0 && !fin {
		return 0, false, errEmptyWrite
	}
	if !c.QueueControlFrame(encAppData, streamFrame{ID: id, Off: off, Data: append([]byte(nil), data...), Fin: fin}) {
		return 0, false, nil
	}
	return int64(len(data)), fin, nil
}

// SendCryptoData queues a CRYPTO frame carrying handshake bytes at
// level.
func (c *Conn) SendCryptoData(level encLevel, off int64, data []byte) {
	c.QueueControlFrame(level, cryptoFrame{Off: off, Data: append([]byte(nil), data...)})
}

// PeerAddr reports the connection's current effective peer address.
func (c *Conn) PeerAddr() netip.AddrPort {
	var out netip.AddrPort
	c.runOnLoop(func(now time.Time, c *Conn) { out = c.effectivePeerAddr })
	return out
}

func (c *Conn) Side() connSide { return c.side }

// LocalConnID returns the connection ID this connection chose for
// itself, the destination ID the peer must address packets to.
func (c *Conn) LocalConnID() []byte { return c.localConnID }
