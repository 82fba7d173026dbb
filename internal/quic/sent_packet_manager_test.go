// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"testing"
	"time"

	"github.com/klzgrad/naiveproxy-sub047/internal/quic/congestion"
)

func newTestSentPacketManager() *sentPacketManager {
	return newSentPacketManager(congestion.NewReno())
}

func sendTestPacket(m *sentPacketManager, now time.Time, space encLevel, retransmittable bool) *sentPacket {
	p := &sentPacket{
		Number:          m.nextNumber(space),
		SentTime:        now,
		Size:            100,
		Level:           space,
		Retransmittable: retransmittable,
		OriginalNumber:  invalidPacketNumber,
	}
	m.onPacketSent(now, space, p)
	return p
}

func TestSentPacketManagerAckAdvancesBytesInFlight(t *testing.T) {
	m := newTestSentPacketManager()
	now := time.Now()
	p0 := sendTestPacket(m, now, encAppData, true)
	p1 := sendTestPacket(m, now, encAppData, true)
	if m.bytesInFlight != 200 {
		t.Fatalf("bytesInFlight = %v, want 200", m.bytesInFlight)
	}

	if err := m.onAckFrameStart(encAppData, p1.Number); err != nil {
		t.Fatalf("onAckFrameStart: %v", err)
	}
	var res ackResult
	m.onAckRange(encAppData, p0.Number, p1.Number, &res)
	m.onAckFrameEnd(now.Add(10*time.Millisecond), encAppData, 0, &res)

	if m.bytesInFlight != 0 {
		t.Errorf("bytesInFlight after acking both packets = %v, want 0", m.bytesInFlight)
	}
	if len(res.Acked) != 2 {
		t.Errorf("len(res.Acked) = %v, want 2", len(res.Acked))
	}
	if !res.AckedNewPacket {
		t.Error("AckedNewPacket = false, want true")
	}
}

func TestSentPacketManagerRTTUpdatedFromLargestAcked(t *testing.T) {
	m := newTestSentPacketManager()
	t0 := time.Now()
	p := sendTestPacket(m, t0, encAppData, true)

	ackTime := t0.Add(50 * time.Millisecond)
	if err := m.onAckFrameStart(encAppData, p.Number); err != nil {
		t.Fatalf("onAckFrameStart: %v", err)
	}
	var res ackResult
	m.onAckRange(encAppData, p.Number, p.Number, &res)
	m.onAckFrameEnd(ackTime, encAppData, 0, &res)

	if m.rtt.latestRTT != 50*time.Millisecond {
		t.Errorf("latestRTT = %v, want 50ms", m.rtt.latestRTT)
	}
	if m.rtt.smoothedRTT != 50*time.Millisecond {
		t.Errorf("smoothedRTT on first sample = %v, want 50ms", m.rtt.smoothedRTT)
	}
}

func TestSentPacketManagerAckFrameStartRejectsTooHigh(t *testing.T) {
	m := newTestSentPacketManager()
	now := time.Now()
	sendTestPacket(m, now, encAppData, true)

	err := m.onAckFrameStart(encAppData, packetNumber(1000))
	if err == nil {
		t.Fatal("onAckFrameStart with largestAcked beyond largestSent: got nil error, want ErrInvalidAckDataTooHigh")
	}
	if err.Code != ErrInvalidAckDataTooHigh {
		t.Errorf("error code = %v, want ErrInvalidAckDataTooHigh", err.Code)
	}
}

func TestSentPacketManagerAckFrameStartRejectsRegression(t *testing.T) {
	m := newTestSentPacketManager()
	now := time.Now()
	sendTestPacket(m, now, encAppData, true)
	p1 := sendTestPacket(m, now, encAppData, true)

	if err := m.onAckFrameStart(encAppData, p1.Number); err != nil {
		t.Fatalf("onAckFrameStart: %v", err)
	}
	err := m.onAckFrameStart(encAppData, packetNumber(0))
	if err == nil {
		t.Fatal("onAckFrameStart regressing largestAcked: got nil error, want ErrInvalidAckDataTooLow")
	}
	if err.Code != ErrInvalidAckDataTooLow {
		t.Errorf("error code = %v, want ErrInvalidAckDataTooLow", err.Code)
	}
}

func TestSentPacketManagerRetransmissionTimeoutMarksAllSpaces(t *testing.T) {
	m := newTestSentPacketManager()
	now := time.Now()
	sendTestPacket(m, now, encInitial, true)
	sendTestPacket(m, now, encAppData, true)

	cfg := DefaultConfig()
	tooMany := m.onRetransmissionTimeout(&cfg)
	if tooMany {
		t.Error("onRetransmissionTimeout after one RTO: tooMany = true, want false")
	}
	if !m.ptoExpiredAt(encInitial) || !m.ptoExpiredAt(encAppData) {
		t.Error("onRetransmissionTimeout did not mark every space with in-flight data as PTO-expired")
	}
}

func TestSentPacketManagerCloseAfterFiveRTOs(t *testing.T) {
	m := newTestSentPacketManager()
	now := time.Now()
	sendTestPacket(m, now, encAppData, true)

	cfg := DefaultConfig()
	cfg.CloseConnectionAfterFiveRTOs = true
	var tooMany bool
	for i := 0; i < maxConsecutiveRTOsBeforeClose; i++ {
		tooMany = m.onRetransmissionTimeout(&cfg)
	}
	if !tooMany {
		t.Errorf("after %d consecutive RTOs with CloseConnectionAfterFiveRTOs set, tooMany = false, want true", maxConsecutiveRTOsBeforeClose)
	}
}

func TestSentPacketManagerNeuterUnencryptedPackets(t *testing.T) {
	m := newTestSentPacketManager()
	now := time.Now()
	sendTestPacket(m, now, encInitial, true)
	if m.bytesInFlight == 0 {
		t.Fatal("setup: expected nonzero bytesInFlight after sending an Initial packet")
	}

	m.neuterUnencryptedPackets()

	if m.bytesInFlight != 0 {
		t.Errorf("bytesInFlight after neuterUnencryptedPackets = %v, want 0", m.bytesInFlight)
	}
	if len(m.spaces[encInitial].unacked) != 0 {
		t.Error("neuterUnencryptedPackets left packets in the Initial space's unacked map")
	}
	// Idempotent: calling it again must not panic or double-subtract.
	m.neuterUnencryptedPackets()
}
