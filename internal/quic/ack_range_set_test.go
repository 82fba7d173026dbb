// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"testing"
	"time"
)

func TestAckRangeSetAddContiguous(t *testing.T) {
	var s ackRangeSet
	now := time.Now()
	for _, n := range []packetNumber{1, 2, 3, 4} {
		if missing := s.add(n, now); missing {
			t.Errorf("add(%v): wasMissing = true, want false for new largest", n)
		}
	}
	if got, want := s.numRanges(), 1; got != want {
		t.Errorf("numRanges() = %v, want %v", got, want)
	}
	if got, want := s.largestSeen(), packetNumber(4); got != want {
		t.Errorf("largestSeen() = %v, want %v", got, want)
	}
	for _, n := range []packetNumber{1, 2, 3, 4} {
		if !s.contains(n) {
			t.Errorf("contains(%v) = false, want true", n)
		}
	}
	if s.contains(5) {
		t.Error("contains(5) = true, want false")
	}
}

func TestAckRangeSetAddOutOfOrder(t *testing.T) {
	var s ackRangeSet
	now := time.Now()
	order := []packetNumber{5, 1, 3, 2, 4}
	wantMissing := map[packetNumber]bool{
		5: false, // first packet ever seen
		1: true,
		3: true,
		2: true,
		4: true, // fills the last gap, merging everything into one range
	}
	for _, n := range order {
		if got := s.add(n, now); got != wantMissing[n] {
			t.Errorf("add(%v) = %v, want %v", n, got, wantMissing[n])
		}
	}
	if got, want := s.numRanges(), 1; got != want {
		t.Errorf("numRanges() = %v, want %v (all packets 1-5 should have merged)", got, want)
	}
	if got, want := s.largestSeen(), packetNumber(5); got != want {
		t.Errorf("largestSeen() = %v, want %v", got, want)
	}
}

func TestAckRangeSetDuplicateIsNotMissing(t *testing.T) {
	var s ackRangeSet
	now := time.Now()
	s.add(10, now)
	if missing := s.add(10, now); missing {
		t.Error("add(10) twice: second call reported wasMissing = true, want false (already recorded)")
	}
}

func TestAckRangeSetRemoveBelow(t *testing.T) {
	var s ackRangeSet
	now := time.Now()
	for _, n := range []packetNumber{1, 2, 3, 10, 11, 20} {
		s.add(n, now)
	}
	s.removeBelow(11)
	if s.contains(1) || s.contains(10) {
		t.Error("removeBelow(11): packets below 11 still present")
	}
	if !s.contains(11) || !s.contains(20) {
		t.Error("removeBelow(11): packets at or above 11 were incorrectly removed")
	}
}

func TestAckRangeSetToWireRangesIsLargestFirst(t *testing.T) {
	var s ackRangeSet
	now := time.Now()
	for _, n := range []packetNumber{1, 2, 10, 20, 21} {
		s.add(n, now)
	}
	wire := s.toWireRanges()
	if len(wire) != 3 {
		t.Fatalf("toWireRanges() returned %d ranges, want 3", len(wire))
	}
	for i := 1; i < len(wire); i++ {
		if wire[i].Largest >= wire[i-1].Smallest {
			t.Errorf("toWireRanges() not in descending order: %+v", wire)
		}
	}
	if wire[0].Smallest != 20 || wire[0].Largest != 21 {
		t.Errorf("toWireRanges()[0] = %+v, want the highest range [20,21]", wire[0])
	}
}

func TestAckRangeSetCapEvictsOldest(t *testing.T) {
	var s ackRangeSet
	now := time.Now()
	// Every other packet number, so no range ever merges and each add
	// grows the range count by one until the cap forces an eviction.
	for i := 0; i < ackRangeSetCap+5; i++ {
		s.add(packetNumber(i*2), now)
	}
	if got := s.numRanges(); got > ackRangeSetCap {
		t.Errorf("numRanges() = %v, want <= %v", got, ackRangeSetCap)
	}
}
