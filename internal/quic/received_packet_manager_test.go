// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"testing"
	"time"
)

func TestReceivedPacketManagerRecordTracksMissing(t *testing.T) {
	m := newReceivedPacketManager()
	now := time.Now()

	m.record(0, now)
	m.record(1, now)
	if m.hasNewMissingPackets() {
		t.Error("hasNewMissingPackets after two contiguous records = true, want false")
	}

	// A gap: 2 never arrives, 3 does.
	m.record(3, now)
	if !m.hasNewMissingPackets() {
		t.Error("hasNewMissingPackets after a gap opened = false, want true")
	}
	if !m.isMissing(2) {
		t.Error("isMissing(2) = false, want true (gap below largest seen)")
	}
	if m.isMissing(3) {
		t.Error("isMissing(3) = true, want false (already received)")
	}
}

func TestReceivedPacketManagerGetUpdatedAckFrame(t *testing.T) {
	m := newReceivedPacketManager()
	now := time.Now()

	if _, ok := m.getUpdatedAckFrame(now); ok {
		t.Error("getUpdatedAckFrame on an empty manager: ok = true, want false")
	}

	m.record(0, now)
	m.record(1, now.Add(5*time.Millisecond))
	af, ok := m.getUpdatedAckFrame(now.Add(10 * time.Millisecond))
	if !ok {
		t.Fatal("getUpdatedAckFrame after recording packets: ok = false, want true")
	}
	if len(af.Ranges) != 1 || af.Ranges[0].Smallest != 0 || af.Ranges[0].Largest != 1 {
		t.Errorf("Ranges = %+v, want a single [0,1] range", af.Ranges)
	}
	wantDelay := uint64(5 * time.Millisecond / time.Microsecond)
	if af.DelayTime != wantDelay {
		t.Errorf("DelayTime = %v, want %v", af.DelayTime, wantDelay)
	}
}

func TestReceivedPacketManagerSentAckClearsDirty(t *testing.T) {
	m := newReceivedPacketManager()
	now := time.Now()
	m.record(0, now)
	m.record(2, now) // gap at 1

	if !m.dirty || !m.hasNewMissingPackets() {
		t.Fatal("setup: expected dirty and new-missing both set after recording a gap")
	}
	m.sentAck()
	if m.dirty {
		t.Error("sentAck did not clear dirty")
	}
	if m.hasNewMissingPackets() {
		t.Error("sentAck did not clear hasNewMissingPackets")
	}
	if m.lastAckSent.Largest != 2 {
		t.Errorf("lastAckSent.Largest = %v, want 2", m.lastAckSent.Largest)
	}
}

func TestReceivedPacketManagerDontWaitForPacketsBefore(t *testing.T) {
	m := newReceivedPacketManager()
	now := time.Now()
	for _, n := range []packetNumber{0, 1, 2, 10} {
		m.record(n, now)
	}

	m.dontWaitForPacketsBefore(5)
	if m.isAwaiting(2) {
		t.Error("isAwaiting(2) after dontWaitForPacketsBefore(5) = true, want false (pruned below floor)")
	}
	if !m.isAwaiting(6) {
		t.Error("isAwaiting(6) after dontWaitForPacketsBefore(5) = false, want true (not yet received, above floor)")
	}
	// Regressing the floor must be a no-op.
	m.dontWaitForPacketsBefore(1)
	if m.leastUnacked != 5 {
		t.Errorf("leastUnacked after a regressing dontWaitForPacketsBefore call = %v, want 5 unchanged", m.leastUnacked)
	}
}

func TestReceivedPacketManagerIsAwaiting(t *testing.T) {
	m := newReceivedPacketManager()
	now := time.Now()
	m.record(3, now)

	if m.isAwaiting(3) {
		t.Error("isAwaiting(3) = true, want false (already received)")
	}
	if !m.isAwaiting(4) {
		t.Error("isAwaiting(4) = false, want true (not yet received)")
	}
}
