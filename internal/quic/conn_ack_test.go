// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"testing"
)

func TestConnAckTCPThresholdSendsEveryOtherPacket(t *testing.T) {
	tc := newTestConn(t, clientSide)

	tc.writeFrames(encAppData, pingFrame{})
	// One ack-eliciting packet received: below the AckTCP threshold of
	// two, so no ack is sent immediately.
	if f, _ := tc.readFrame(); f != nil {
		t.Fatalf("after one ack-eliciting packet, got frame %#v, want none yet", f)
	}

	tc.writeFrames(encAppData, pingFrame{})
	// The second ack-eliciting packet crosses the threshold.
	f, ptype := tc.readFrame()
	if f == nil {
		t.Fatal("after a second ack-eliciting packet, got no frame, want an ACK")
	}
	if _, ok := f.(ackFrame); !ok {
		t.Fatalf("got %T frame, want ackFrame", f)
	}
	if ptype != packetType1RTT {
		t.Errorf("ack sent in packet type %v, want 1-RTT", ptype)
	}
}

func TestConnAckDelayedUntilAlarm(t *testing.T) {
	tc := newTestConn(t, clientSide)

	tc.writeFrames(encAppData, pingFrame{})
	if f, _ := tc.readFrame(); f != nil {
		t.Fatalf("got frame %#v immediately, want none (below ack threshold)", f)
	}

	tc.advance(tc.conn.config.DelayedAckTime)
	tc.advanceToTimer()

	f, _ := tc.readFrame()
	if f == nil {
		t.Fatal("after the delayed-ack alarm fired, got no frame, want an ACK")
	}
	if af, ok := f.(ackFrame); !ok {
		t.Fatalf("got %T frame, want ackFrame", f)
	} else if len(af.Ranges) == 0 {
		t.Error("ackFrame has no ranges")
	}
}

func TestConnAckImmediateOnMissingPacketFilled(t *testing.T) {
	tc := newTestConn(t, clientSide)

	// Packet 0 arrives: below the AckTCP threshold, no ack yet.
	tc.writeFrames(encAppData, pingFrame{})
	if f, _ := tc.readFrame(); f != nil {
		t.Fatalf("after packet 0, got frame %#v, want none yet", f)
	}

	// Packet 1 is skipped; packet 2 arrives next, crossing the
	// every-other-packet threshold and triggering (and resetting) the
	// ack counter. Drain that ack before the real assertion below.
	tc.peerNextPacketNum[encAppData] = 2
	tc.writeFrames(encAppData, pingFrame{})
	if f, _ := tc.readFrame(); f == nil {
		t.Fatal("after packet 2 crossed the ack threshold, got no frame, want an ACK")
	}

	// Packet 1 finally arrives, filling the gap below the largest
	// observed (2). AckTCP mode acks a newly-filled gap immediately,
	// regardless of the every-other-packet counter.
	tc.peerNextPacketNum[encAppData] = 1
	tc.writeFrames(encAppData, pingFrame{})

	f, _ := tc.readFrame()
	if f == nil {
		t.Fatal("after the missing packet arrived, got no frame, want an immediate ACK")
	}
	if _, ok := f.(ackFrame); !ok {
		t.Fatalf("got %T frame, want ackFrame", f)
	}
}
