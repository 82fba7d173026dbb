// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"errors"
	"fmt"
)

// frameType identifies the frame types this package implements. The
// numeric values follow RFC 9000 where a frame has a direct IETF
// equivalent; legacy-only frames (STOP_WAITING) use
// values from the pre-IETF wire format this IMPLEMENTATION's transport
// version also has to speak.
type frameType byte

const (
	frameTypePadding         frameType = 0x00
	frameTypePing            frameType = 0x01
	frameTypeAck             frameType = 0x02
	frameTypeRstStream       frameType = 0x04
	frameTypeStopSending     frameType = 0x05
	frameTypeCrypto          frameType = 0x06
	frameTypeNewConnectionID frameType = 0x18
	frameTypeConnectionClose frameType = 0x1c
	frameTypeApplicationClose frameType = 0x1d
	frameTypePathChallenge   frameType = 0x1a
	frameTypePathResponse    frameType = 0x1b
	frameTypeStream          frameType = 0x08 // low 3 bits carry OFF/LEN/FIN
	frameTypeStopWaiting     frameType = 0x1e // legacy, only sent pre transport-version-44
	frameTypeMaxStreamID     frameType = 0x20
	frameTypeWindowUpdate    frameType = 0x21
	frameTypeBlocked         frameType = 0x22
	frameTypeGoaway          frameType = 0x23
	frameTypeStreamIDBlocked frameType = 0x24

	// frameTypeInvalid is never a legal wire value; it is returned by
	// parse helpers on failure.
	frameTypeInvalid frameType = 0xff
)

func (t frameType) String() string {
	switch t {
	case frameTypePadding:
		return "PADDING"
	case frameTypePing:
		return "PING"
	case frameTypeAck:
		return "ACK"
	case frameTypeRstStream:
		return "RST_STREAM"
	case frameTypeStopSending:
		return "STOP_SENDING"
	case frameTypeCrypto:
		return "CRYPTO"
	case frameTypeNewConnectionID:
		return "NEW_CONNECTION_ID"
	case frameTypeConnectionClose:
		return "CONNECTION_CLOSE"
	case frameTypeApplicationClose:
		return "APPLICATION_CLOSE"
	case frameTypePathChallenge:
		return "PATH_CHALLENGE"
	case frameTypePathResponse:
		return "PATH_RESPONSE"
	case frameTypeStream:
		return "STREAM"
	default:
		return fmt.Sprintf("frame(0x%02x)", byte(t))
	}
}

var errFrameParse = errors.New("quic: frame parse error")

// ackRange is one inclusive [Smallest, Largest] interval carried in an
// ACK frame's range list, ordered largest-first on the wire as RFC 9000
// requires.
type ackRange struct {
	Smallest packetNumber
	Largest  packetNumber
}

// streamFrame carries a contiguous slice of one stream's byte sequence,
// corresponding 1:1 to what send_stream_data consumed.
type streamFrame struct {
	ID   int64
	Off  int64
	Data []byte
	Fin  bool
}

func (f streamFrame) appendTo(w *packetWriter) {
	typ := byte(frameTypeStream) | 0x04 /*LEN*/
	if f.Off != 0 {
		typ |= 0x02 // OFF
	}
	if f.Fin {
		typ |= 0x01 // FIN
	}
	w.b = append(w.b, typ)
	w.b = appendVarint(w.b, uint64(f.ID))
	if f.Off != 0 {
		w.b = appendVarint(w.b, uint64(f.Off))
	}
	w.b = appendVarint(w.b, uint64(len(f.Data)))
	w.b = append(w.b, f.Data...)
}

// cryptoFrame carries a slice of the handshake's CRYPTO stream, used to
// convey TLS handshake bytes before any application stream exists.
type cryptoFrame struct {
	Off  int64
	Data []byte
}

func (f cryptoFrame) appendTo(w *packetWriter) {
	w.b = append(w.b, byte(frameTypeCrypto))
	w.b = appendVarint(w.b, uint64(f.Off))
	w.b = appendVarint(w.b, uint64(len(f.Data)))
	w.b = append(w.b, f.Data...)
}

// ackFrame is the range-form ACK frame: ranges are ordered largest-first,
// matching AckRangeSet's iteration order.
type ackFrame struct {
	Ranges    []ackRange
	DelayTime uint64 // ack delay in microseconds; no exponent scaling is applied
}

func (f ackFrame) appendTo(w *packetWriter) {
	w.b = append(w.b, byte(frameTypeAck))
	largest := f.Ranges[0].Largest
	w.b = appendVarint(w.b, uint64(largest))
	w.b = appendVarint(w.b, f.DelayTime)
	w.b = appendVarint(w.b, uint64(len(f.Ranges)-1))
	w.b = appendVarint(w.b, uint64(f.Ranges[0].Largest-f.Ranges[0].Smallest))
	for i := 1; i < len(f.Ranges); i++ {
		gap := uint64(f.Ranges[i-1].Smallest - f.Ranges[i].Largest - 2)
		w.b = appendVarint(w.b, gap)
		w.b = appendVarint(w.b, uint64(f.Ranges[i].Largest-f.Ranges[i].Smallest))
	}
}

// connectionCloseFrame reports why the sender is tearing the connection
// down. application reports whether this is an APPLICATION_CLOSE
// (application-layer error code space) versus a transport CONNECTION_CLOSE.
type connectionCloseFrame struct {
	Code        TransportErrorCode
	FrameType   frameType // frame in progress when the error occurred, 0 if none
	Reason      string
	Application bool
}

func (f connectionCloseFrame) appendTo(w *packetWriter) {
	if f.Application {
		w.b = append(w.b, byte(frameTypeApplicationClose))
	} else {
		w.b = append(w.b, byte(frameTypeConnectionClose))
		w.b = appendVarint(w.b, uint64(f.FrameType))
	}
	w.b = appendVarint(w.b, uint64(f.Code))
	w.b = appendVarint(w.b, uint64(len(f.Reason)))
	w.b = append(w.b, f.Reason...)
}

// pingFrame carries no data; it exists solely to elicit an
// acknowledgement, whether as a keepalive or a PTO probe.
type pingFrame struct{}

func (pingFrame) appendTo(w *packetWriter) { w.b = append(w.b, byte(frameTypePing)) }

// paddingFrame pads a datagram to a minimum size; it consists of run of
// zero bytes and is the only frame type with no type byte cost beyond
// the zero itself.
type paddingFrame struct{ Length int }

func (f paddingFrame) appendTo(w *packetWriter) {
	for i := 0; i < f.Length; i++ {
		w.b = append(w.b, 0)
	}
}

// pathChallengeFrame/pathResponseFrame implement path validation: a
// PATH_CHALLENGE must be echoed back verbatim in a PATH_RESPONSE from the
// address it arrived on.
type pathChallengeFrame struct{ Data [8]byte }

func (f pathChallengeFrame) appendTo(w *packetWriter) {
	w.b = append(w.b, byte(frameTypePathChallenge))
	w.b = append(w.b, f.Data[:]...)
}

type pathResponseFrame struct{ Data [8]byte }

func (f pathResponseFrame) appendTo(w *packetWriter) {
	w.b = append(w.b, byte(frameTypePathResponse))
	w.b = append(w.b, f.Data[:]...)
}

// rstStreamFrame abruptly terminates a stream in one direction.
type rstStreamFrame struct {
	ID        int64
	Code      uint64
	FinalSize int64
}

func (f rstStreamFrame) appendTo(w *packetWriter) {
	w.b = append(w.b, byte(frameTypeRstStream))
	w.b = appendVarint(w.b, uint64(f.ID))
	w.b = appendVarint(w.b, f.Code)
	w.b = appendVarint(w.b, uint64(f.FinalSize))
}

// stopWaitingFrame is the legacy frame telling the peer the sender's
// least unacked packet number. The connection core never sends one,
// whatever NoStopWaitingFrames says; it only processes received ones.
type stopWaitingFrame struct{ LeastUnacked packetNumber }

func (f stopWaitingFrame) appendTo(w *packetWriter) {
	w.b = append(w.b, byte(frameTypeStopWaiting))
	w.b = appendVarint(w.b, uint64(f.LeastUnacked))
}

// opaqueControlFrame carries any of the remaining control frames
// (GOAWAY, WINDOW_UPDATE, BLOCKED, MAX_STREAM_ID, STREAM_ID_BLOCKED,
// NEW_CONNECTION_ID, STOP_SENDING) whose fields this core does not itself
// interpret: it records the frame type and a varint-encoded payload,
// since their semantics belong to the session/flow-control layer this
// package treats as an external collaborator. On receipt only
// WINDOW_UPDATE, BLOCKED and GOAWAY values reach the Visitor (see
// handleOpaqueFrame); the rest are consumed and dropped.
type opaqueControlFrame struct {
	Type frameType
	Args []uint64
}

func (f opaqueControlFrame) appendTo(w *packetWriter) {
	w.b = append(w.b, byte(f.Type))
	for _, a := range f.Args {
		w.b = appendVarint(w.b, a)
	}
}

// parseFrame decodes exactly one frame from the front of b, returning the
// frame value and the number of bytes consumed. It exists alongside the
// connection's own dispatchFrame (which applies a frame's effect rather
// than reconstructing it) so tests can decode packets sent by a Conn and
// assert on their contents.
func parseFrame(b []byte) (f frame, n int, err error) {
	if len(b) == 0 {
		return nil, 0, errFrameParse
	}
	ft := frameType(b[0])
	if ft == frameTypeStream || (ft&0xf8) == frameTypeStream {
		return parseStreamFrame(b)
	}
	switch ft {
	case frameTypePadding:
		n := 0
		for n < len(b) && b[n] == 0 {
			n++
		}
		return paddingFrame{Length: n}, n, nil

	case frameTypePing:
		return pingFrame{}, 1, nil

	case frameTypeAck:
		return parseAckFrame(b)

	case frameTypeCrypto:
		return parseCryptoFrame(b)

	case frameTypeRstStream:
		return parseRstStreamFrame(b)

	case frameTypeConnectionClose, frameTypeApplicationClose:
		return parseConnectionCloseFrame(b)

	case frameTypePathChallenge:
		if len(b) < 9 {
			return nil, 0, errFrameParse
		}
		var data [8]byte
		copy(data[:], b[1:9])
		return pathChallengeFrame{Data: data}, 9, nil

	case frameTypePathResponse:
		if len(b) < 9 {
			return nil, 0, errFrameParse
		}
		var data [8]byte
		copy(data[:], b[1:9])
		return pathResponseFrame{Data: data}, 9, nil

	case frameTypeStopWaiting:
		orig := len(b)
		rest := b[1:]
		v, rest, err := consumeVarint(rest)
		if err != nil {
			return nil, 0, errFrameParse
		}
		return stopWaitingFrame{LeastUnacked: packetNumber(v)}, orig - len(rest), nil

	default:
		argCount, ok := opaqueFrameArgCount(ft)
		if !ok {
			return nil, 0, errFrameParse
		}
		orig := len(b)
		rest := b[1:]
		args := make([]uint64, 0, argCount)
		for i := 0; i < argCount; i++ {
			v, r, err := consumeVarint(rest)
			if err != nil {
				return nil, 0, errFrameParse
			}
			args = append(args, v)
			rest = r
		}
		return opaqueControlFrame{Type: ft, Args: args}, orig - len(rest), nil
	}
}

func parseStreamFrame(b []byte) (frame, int, error) {
	orig := len(b)
	typ := b[0]
	rest := b[1:]
	id, rest, err := consumeVarint(rest)
	if err != nil {
		return nil, 0, errFrameParse
	}
	var off uint64
	if typ&0x02 != 0 {
		off, rest, err = consumeVarint(rest)
		if err != nil {
			return nil, 0, errFrameParse
		}
	}
	var length uint64
	if typ&0x04 != 0 {
		length, rest, err = consumeVarint(rest)
		if err != nil || uint64(len(rest)) < length {
			return nil, 0, errFrameParse
		}
	} else {
		length = uint64(len(rest))
	}
	data := append([]byte(nil), rest[:length]...)
	rest = rest[length:]
	return streamFrame{ID: int64(id), Off: int64(off), Data: data, Fin: typ&0x01 != 0}, orig - len(rest), nil
}

func parseCryptoFrame(b []byte) (frame, int, error) {
	orig := len(b)
	rest := b[1:]
	off, rest, err := consumeVarint(rest)
	if err != nil {
		return nil, 0, errFrameParse
	}
	length, rest, err := consumeVarint(rest)
	if err != nil || uint64(len(rest)) < length {
		return nil, 0, errFrameParse
	}
	data := append([]byte(nil), rest[:length]...)
	rest = rest[length:]
	return cryptoFrame{Off: int64(off), Data: data}, orig - len(rest), nil
}

func parseRstStreamFrame(b []byte) (frame, int, error) {
	orig := len(b)
	rest := b[1:]
	id, rest, err := consumeVarint(rest)
	if err != nil {
		return nil, 0, errFrameParse
	}
	code, rest, err := consumeVarint(rest)
	if err != nil {
		return nil, 0, errFrameParse
	}
	finalSize, rest, err := consumeVarint(rest)
	if err != nil {
		return nil, 0, errFrameParse
	}
	return rstStreamFrame{ID: int64(id), Code: code, FinalSize: int64(finalSize)}, orig - len(rest), nil
}

func parseConnectionCloseFrame(b []byte) (frame, int, error) {
	orig := len(b)
	application := frameType(b[0]) == frameTypeApplicationClose
	rest := b[1:]
	var ft frameType
	if !application {
		v, r, err := consumeVarint(rest)
		if err != nil {
			return nil, 0, errFrameParse
		}
		ft = frameType(v)
		rest = r
	}
	code, rest, err := consumeVarint(rest)
	if err != nil {
		return nil, 0, errFrameParse
	}
	length, rest, err := consumeVarint(rest)
	if err != nil || uint64(len(rest)) < length {
		return nil, 0, errFrameParse
	}
	reason := string(rest[:length])
	rest = rest[length:]
	return connectionCloseFrame{Code: TransportErrorCode(code), FrameType: ft, Reason: reason, Application: application}, orig - len(rest), nil
}

func parseAckFrame(b []byte) (frame, int, error) {
	orig := len(b)
	rest := b[1:]
	largest, rest, err := consumeVarint(rest)
	if err != nil {
		return nil, 0, errFrameParse
	}
	delay, rest, err := consumeVarint(rest)
	if err != nil {
		return nil, 0, errFrameParse
	}
	count, rest, err := consumeVarint(rest)
	if err != nil {
		return nil, 0, errFrameParse
	}
	firstRange, rest, err := consumeVarint(rest)
	if err != nil {
		return nil, 0, errFrameParse
	}
	smallest := packetNumber(largest) - packetNumber(firstRange)
	ranges := []ackRange{{Smallest: smallest, Largest: packetNumber(largest)}}
	upper := smallest
	for i := uint64(0); i < count; i++ {
		gap, r, err := consumeVarint(rest)
		if err != nil {
			return nil, 0, errFrameParse
		}
		rest = r
		rangeLen, r2, err := consumeVarint(rest)
		if err != nil {
			return nil, 0, errFrameParse
		}
		rest = r2
		upper = upper - packetNumber(gap) - 2
		lower := upper - packetNumber(rangeLen)
		ranges = append(ranges, ackRange{Smallest: lower, Largest: upper})
		upper = lower
	}
	return ackFrame{Ranges: ranges, DelayTime: delay}, orig - len(rest), nil
}
