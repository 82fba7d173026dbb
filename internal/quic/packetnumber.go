// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

// packetNumber is a monotonically increasing 62-bit integer, scoped to one
// (connection, encryption level) pair. invalidPacketNumber is never a
// legal value sent on the wire.
type packetNumber int64

const invalidPacketNumber packetNumber = -1

// connSide distinguishes the client and server perspectives of a
// connection; several behaviors (idle timeout skew, who may initiate
// migration, who owns least-significant connection ID choice) depend on
// it.
type connSide int

const (
	clientSide connSide = iota
	serverSide
)

func (s connSide) String() string {
	if s == serverSide {
		return "server"
	}
	return "client"
}

// encLevel names one of the four QUIC encryption levels. zeroRTT is
// carried as a named constant for completeness of the wire-level type,
// but 0-RTT key derivation and replay protection are explicit Non-goals:
// no code path in this package ever selects it.
type encLevel int

const (
	encInitial encLevel = iota
	encZeroRTT
	encHandshake
	encAppData
	numEncLevels
)

func (e encLevel) String() string {
	switch e {
	case encInitial:
		return "initial"
	case encZeroRTT:
		return "zero_rtt"
	case encHandshake:
		return "handshake"
	case encAppData:
		return "forward_secure"
	default:
		return "unknown_level"
	}
}

// near reports whether b is within maxGap of a and not behind it. It
// rejects deltas beyond maxGap using only unsigned, checked arithmetic
// so a wrapped or adversarial packet number can never be mistaken for
// being "near" another.
func near(a, b packetNumber, maxGap uint64) bool {
	if b < a {
		return false
	}
	delta := uint64(b - a)
	return delta <= maxGap
}
