// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "time"

// transmissionType classifies why a packet was sent.
type transmissionType int

const (
	notRetransmission transmissionType = iota
	initialTransmission
	lossRetransmission
	tlpRetransmission
	rtoRetransmission
	probingRetransmission
	mtuProbeTransmission
	allUnackedRetransmission // version-negotiation retransmit-everything
)

func (t transmissionType) String() string {
	switch t {
	case initialTransmission:
		return "initial"
	case lossRetransmission:
		return "loss_retransmission"
	case tlpRetransmission:
		return "tlp"
	case rtoRetransmission:
		return "rto"
	case probingRetransmission:
		return "probing"
	case mtuProbeTransmission:
		return "mtu_probe"
	case allUnackedRetransmission:
		return "all_unacked"
	default:
		return "not_retransmission"
	}
}

func (t transmissionType) isRetransmission() bool { return t != notRetransmission }

// frame is anything the packet generator can append to a packet being
// serialized. Concrete frame types live in frame.go.
type frame interface {
	appendTo(w *packetWriter)
}

// sentPacket is the generator's record of one transmitted packet,
// retained in the sent-packet manager's unacked map until it is
// acknowledged or declared lost.
type sentPacket struct {
	Number          packetNumber
	SentTime        time.Time
	Size            int
	Type            transmissionType
	Level           encLevel
	Frames          []frame
	OriginalNumber  packetNumber // isRetransmission reports whether this differs from invalidPacketNumber
	Retransmittable bool
	InFlight        bool
}

func (p *sentPacket) isRetransmission() bool { return p.OriginalNumber != invalidPacketNumber }

// packetWriter accumulates frames for one packet under construction and,
// on finish, seals it with the level's write keys. Bit-exact header
// layout is not this package's concern; the header here is a
// minimal, internally consistent encoding sufficient for this endpoint
// to talk to itself and for tests to assert on framing decisions.
type packetWriter struct {
	b        []byte
	maxSize  int
	overhead int // header + AEAD overhead budgeted for this packet
	lenPos   int // position of the current packet's 2-byte length field
}

// packetHeader describes the header fields used to budget and encode a
// packet's non-payload bytes.
type packetHeader struct {
	Type      packetType
	Level     encLevel
	Number    packetNumber
	DstConnID []byte
	SrcConnID []byte // only present on long headers
}

type packetType int

const (
	packetTypeInitial packetType = iota
	packetTypeHandshake
	packetType1RTT
	packetTypeVersionNegotiation
)

func (t packetType) isLongHeader() bool { return t != packetType1RTT }

// headerLen includes a fixed 2-byte length field (covering the payload
// and AEAD trailer that follow) on every packet, long or short header:
// RFC 9000 only requires it on long-header packets since 1-RTT packets
// extend to the end of the datagram, but this package needs it
// universally so that decoding a coalesced datagram can find each
// packet's boundary without first decrypting it.
func headerLen(h packetHeader) int {
	n := 1 /*type byte*/ + varintLen(uint64(h.Number)) + 1 + len(h.DstConnID) + 2 /*length*/
	if h.Type.isLongHeader() {
		n += 1 + len(h.SrcConnID)
	}
	return n
}

// reset prepares the writer for a new packet with the given maximum
// datagram size remaining.
func (w *packetWriter) reset(maxSize int) {
	w.b = w.b[:0]
	w.maxSize = maxSize
}

// startPacket writes h's header and reserves room for AEAD overhead,
// returning false if there is no space left for any payload at all.
func (w *packetWriter) startPacket(h packetHeader) bool {
	w.overhead = headerLen(h) + aeadOverhead
	if w.overhead >= w.maxSize-len(w.b) {
		return false
	}
	w.b = append(w.b, byte(h.Type)|byte(h.Level)<<4)
	w.b = appendVarint(w.b, uint64(h.Number))
	w.b = append(w.b, byte(len(h.DstConnID)))
	w.b = append(w.b, h.DstConnID...)
	if h.Type.isLongHeader() {
		w.b = append(w.b, byte(len(h.SrcConnID)))
		w.b = append(w.b, h.SrcConnID...)
	}
	w.lenPos = len(w.b)
	w.b = append(w.b, 0, 0) // patched by finishPacket once the payload length is known
	return true
}

// remaining reports how many more payload bytes may be appended before
// hitting maxSize, after accounting for AEAD overhead.
func (w *packetWriter) remaining() int {
	n := w.maxSize - len(w.b) - aeadOverhead
	if n < 0 {
		return 0
	}
	return n
}

// finishPacket seals the accumulated payload with keys, backpatches the
// 2-byte length field startPacket reserved so a decoder can find this
// packet's end inside a coalesced datagram without decrypting it, and
// returns the completed datagram bytes. The caller is responsible for
// recording a sentPacket separately (the writer itself does not know
// about retransmittability or frame bookkeeping beyond raw bytes).
func (w *packetWriter) finishPacket(payloadStart int, keys packetKeys) []byte {
	header := append([]byte(nil), w.b[:payloadStart]...)
	sealed := keys.seal(header, w.b[payloadStart:])
	w.b = sealed
	length := len(w.b) - payloadStart
	w.b[w.lenPos] = byte(length >> 8)
	w.b[w.lenPos+1] = byte(length)
	return w.b
}

// datagram returns the bytes accumulated so far.
func (w *packetWriter) datagram() []byte { return w.b }
