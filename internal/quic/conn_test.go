// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestConnTestConn(t *testing.T) {
	tc := newTestConn(t, serverSide)
	if got, want := tc.timeUntilEvent(), tc.conn.config.HandshakeTimeout; got != want {
		t.Errorf("new conn timeout=%v, want %v (handshake timeout)", got, want)
	}

	var ranAt time.Time
	tc.conn.runOnLoop(func(now time.Time, c *Conn) {
		ranAt = now
	})
	if !ranAt.Equal(tc.now) {
		t.Errorf("func ran on loop at %v, want %v", ranAt, tc.now)
	}
	tc.wait()

	nextTime := tc.now.Add(tc.conn.config.HandshakeTimeout / 2)
	tc.advanceTo(nextTime)
	tc.conn.runOnLoop(func(now time.Time, c *Conn) {
		ranAt = now
	})
	if !ranAt.Equal(nextTime) {
		t.Errorf("func ran on loop at %v, want %v", ranAt, nextTime)
	}
	tc.wait()

	tc.advanceToTimer()
	if !tc.conn.exited {
		t.Errorf("after advancing to handshake timeout, exited = false, want true")
	}
}

type testDatagram struct {
	packets    []*testPacket
	paddedSize int
}

func (d testDatagram) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "datagram with %v packets", len(d.packets))
	if d.paddedSize > 0 {
		fmt.Fprintf(&b, " (padded to %v bytes)", d.paddedSize)
	}
	b.WriteString(":")
	for _, p := range d.packets {
		b.WriteString("\n")
		b.WriteString(p.String())
	}
	return b.String()
}

type testPacket struct {
	ptype     packetType
	level     encLevel
	num       packetNumber
	dstConnID []byte
	srcConnID []byte
	frames    []frame
}

func (p testPacket) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "  %v %v", p.ptype, p.num)
	if p.srcConnID != nil {
		fmt.Fprintf(&b, " src={%x}", p.srcConnID)
	}
	if p.dstConnID != nil {
		fmt.Fprintf(&b, " dst={%x}", p.dstConnID)
	}
	for _, f := range p.frames {
		fmt.Fprintf(&b, "\n    %#v", f)
	}
	return b.String()
}

// A testConn is a Conn whose external interactions (sending and
// receiving packets, setting timers) can be manipulated in tests.
type testConn struct {
	t              *testing.T
	conn           *Conn
	now            time.Time
	timer          time.Time
	timerLastFired time.Time
	idlec          chan struct{} // only accessed on the conn's loop

	// Read and write keys mirror the conn's own, letting the test build
	// packets the conn can open and open packets the conn sends without
	// reaching into connection-private state to copy them out.
	rkeys keySet // keys for packets sent to the conn
	wkeys keySet // keys for packets sent by the conn

	// Information about the conn's (fake) peer.
	peerConnID        []byte
	peerNextPacketNum [numEncLevels]packetNumber

	// Datagrams, packets, and frames sent by the conn but not yet
	// processed by the test.
	sentDatagrams       [][]byte
	sentPackets         []*testPacket
	sentFrames          []frame
	sentFramePacketType packetType

	ignoreFrames map[frameType]bool
}

// newTestConn creates a Conn for testing. The Conn's event loop is
// controlled by the test, letting test code access Conn state directly by
// first ensuring the loop goroutine is idle.
func newTestConn(t *testing.T, side connSide) *testConn {
	t.Helper()
	tc := &testConn{
		t:          t,
		now:        time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		peerConnID: []byte{0xa0, 0xa1, 0xa2, 0xa3, 0xa4, 0xa5},
		ignoreFrames: map[frameType]bool{
			frameTypePadding: true,
		},
	}
	t.Cleanup(tc.cleanup)

	var initialConnID []byte
	if side == serverSide {
		var err error
		initialConnID, err = newRandomConnID()
		if err != nil {
			tc.t.Fatal(err)
		}
	}

	conn, err := newConn(
		tc.now,
		side,
		initialConnID,
		netip.MustParseAddrPort("127.0.0.1:443"),
		(*testConnListener)(tc),
		NoopVisitor{},
		DefaultConfig(),
		testClock{tc},
		nil,
		(*testConnHooks)(tc))
	if err != nil {
		tc.t.Fatal(err)
	}
	tc.conn = conn

	tc.rkeys = conn.rkeys
	tc.wkeys = conn.wkeys

	tc.wait()
	return tc
}

type testClock struct{ tc *testConn }

func (c testClock) Now() time.Time { return c.tc.now }

// advance causes time to pass.
func (tc *testConn) advance(d time.Duration) {
	tc.t.Helper()
	tc.advanceTo(tc.now.Add(d))
}

// advanceTo sets the current time.
func (tc *testConn) advanceTo(now time.Time) {
	tc.t.Helper()
	if tc.now.After(now) {
		tc.t.Fatalf("time moved backwards: %v -> %v", tc.now, now)
	}
	tc.now = now
	if tc.timer.After(tc.now) {
		return
	}
	tc.conn.sendMsg(timerEvent{})
	tc.wait()
}

// advanceToTimer sets the current time to the time of the Conn's next
// timer event.
func (tc *testConn) advanceToTimer() {
	if tc.timer.IsZero() {
		tc.t.Fatalf("advancing to timer, but timer is not set")
	}
	tc.advanceTo(tc.timer)
}

const infiniteDuration = time.Duration(math.MaxInt64)

// timeUntilEvent returns the amount of time until the next connection
// event.
func (tc *testConn) timeUntilEvent() time.Duration {
	if tc.timer.IsZero() {
		return infiniteDuration
	}
	if tc.timer.Before(tc.now) {
		return 0
	}
	return tc.timer.Sub(tc.now)
}

// wait blocks until the conn becomes idle: blocked waiting for a packet
// to arrive or a timer to expire. Tests shouldn't need to call wait
// directly; testConn methods that wake the loop call it for them.
func (tc *testConn) wait() {
	tc.t.Helper()
	idlec := make(chan struct{})
	fail := false
	tc.conn.sendMsg(func(now time.Time, c *Conn) {
		if tc.idlec != nil {
			tc.t.Errorf("testConn.wait called concurrently")
			fail = true
			close(idlec)
		} else {
			tc.idlec = idlec
		}
	})
	select {
	case <-idlec:
	case <-tc.conn.donec:
	}
	if fail {
		panic(fail)
	}
}

func (tc *testConn) cleanup() {
	if tc.conn == nil {
		return
	}
	tc.conn.exit()
}

// write sends the Conn a datagram.
func (tc *testConn) write(d *testDatagram) {
	tc.t.Helper()
	var buf []byte
	for _, p := range d.packets {
		if p.num >= tc.peerNextPacketNum[p.level] {
			tc.peerNextPacketNum[p.level] = p.num + 1
		}
		buf = append(buf, tc.encodeTestPacket(p)...)
	}
	for len(buf) < d.paddedSize {
		buf = append(buf, 0)
	}
	tc.conn.sendMsg(&datagram{b: buf})
	tc.wait()
}

// writeFrames sends the Conn a datagram containing the given frames at
// level.
func (tc *testConn) writeFrames(level encLevel, frames ...frame) {
	tc.t.Helper()
	d := &testDatagram{
		packets: []*testPacket{{
			ptype:     levelToPacketType(level),
			level:     level,
			num:       tc.peerNextPacketNum[level],
			frames:    frames,
			dstConnID: tc.conn.localConnID,
			srcConnID: tc.peerConnID,
		}},
	}
	if level == encInitial && tc.conn.side == serverSide {
		d.paddedSize = minimumClientInitialDatagramSize
	}
	tc.write(d)
}

// ignoreFrame hides frames of the given type sent by the Conn.
func (tc *testConn) ignoreFrame(ft frameType) {
	tc.ignoreFrames[ft] = true
}

// readDatagram reads the next datagram sent by the Conn. It returns nil
// if the Conn has no more datagrams to send at this time.
func (tc *testConn) readDatagram() *testDatagram {
	tc.t.Helper()
	tc.wait()
	tc.sentPackets = nil
	tc.sentFrames = nil
	if len(tc.sentDatagrams) == 0 {
		return nil
	}
	buf := tc.sentDatagrams[0]
	tc.sentDatagrams = tc.sentDatagrams[1:]
	return tc.parseTestDatagram(buf)
}

// readPacket reads the next packet sent by the Conn. It returns nil if
// the Conn has no more packets to send at this time.
func (tc *testConn) readPacket() *testPacket {
	tc.t.Helper()
	for len(tc.sentPackets) == 0 {
		d := tc.readDatagram()
		if d == nil {
			return nil
		}
		tc.sentPackets = d.packets
	}
	p := tc.sentPackets[0]
	tc.sentPackets = tc.sentPackets[1:]
	return p
}

// readFrame reads the next frame sent by the Conn. It returns nil if the
// Conn has no more frames to send at this time.
func (tc *testConn) readFrame() (frame, packetType) {
	tc.t.Helper()
	for len(tc.sentFrames) == 0 {
		p := tc.readPacket()
		if p == nil {
			return nil, packetType(-1)
		}
		tc.sentFramePacketType = p.ptype
		tc.sentFrames = p.frames
	}
	f := tc.sentFrames[0]
	tc.sentFrames = tc.sentFrames[1:]
	return f, tc.sentFramePacketType
}

// wantDatagram indicates that we expect the Conn to send a datagram.
func (tc *testConn) wantDatagram(expectation string, want *testDatagram) {
	tc.t.Helper()
	got := tc.readDatagram()
	if !reflect.DeepEqual(got, want) {
		tc.t.Fatalf("%v:\ngot datagram:  %v\nwant datagram: %v", expectation, got, want)
	}
}

// wantPacket indicates that we expect the Conn to send a packet.
func (tc *testConn) wantPacket(expectation string, want *testPacket) {
	tc.t.Helper()
	got := tc.readPacket()
	if !reflect.DeepEqual(got, want) {
		tc.t.Fatalf("%v:\ngot packet:  %v\nwant packet: %v", expectation, got, want)
	}
}

// wantFrame indicates that we expect the Conn to send a frame.
func (tc *testConn) wantFrame(expectation string, wantType packetType, want frame) {
	tc.t.Helper()
	got, gotType := tc.readFrame()
	if got == nil {
		tc.t.Fatalf("%v:\nconnection is idle\nwant %v frame: %#v", expectation, wantType, want)
	}
	if gotType != wantType {
		tc.t.Fatalf("%v:\ngot %v packet, want %v", expectation, wantType, want)
	}
	if !reflect.DeepEqual(got, want) {
		tc.t.Fatalf("%v:\ngot frame:  %#v\nwant frame: %#v", expectation, got, want)
	}
}

// wantIdle indicates that we expect the Conn to not send any more
// frames.
func (tc *testConn) wantIdle(expectation string) {
	tc.t.Helper()
	switch {
	case len(tc.sentFrames) > 0:
		tc.t.Fatalf("expect: %v\nunexpectedly got: %#v", expectation, tc.sentFrames[0])
	case len(tc.sentPackets) > 0:
		tc.t.Fatalf("expect: %v\nunexpectedly got: %v", expectation, tc.sentPackets[0])
	}
	if f, _ := tc.readFrame(); f != nil {
		tc.t.Fatalf("expect: %v\nunexpectedly got: %#v", expectation, f)
	}
}

func (tc *testConn) encodeTestPacket(p *testPacket) []byte {
	tc.t.Helper()
	var w packetWriter
	w.reset(2048)
	h := packetHeader{
		Type:      p.ptype,
		Level:     p.level,
		Number:    p.num,
		DstConnID: p.dstConnID,
		SrcConnID: p.srcConnID,
	}
	if !w.startPacket(h) {
		tc.t.Fatalf("packet does not fit in test datagram budget")
	}
	payloadStart := len(w.b)
	for _, f := range p.frames {
		f.appendTo(&w)
	}
	keys := tc.rkeys[p.level]
	if !keys.isSet() {
		tc.t.Fatalf("sending packet with no %v keys available", p.level)
	}
	return w.finishPacket(payloadStart, keys)
}

func (tc *testConn) parseTestDatagram(buf []byte) *testDatagram {
	tc.t.Helper()
	bufSize := len(buf)
	d := &testDatagram{}
	for len(buf) > 0 {
		if buf[0] == 0 {
			d.paddedSize = bufSize
			break
		}
		p, n := tc.parseTestPacket(buf)
		if n < 0 {
			tc.t.Fatalf("packet parse error")
		}
		d.packets = append(d.packets, p)
		buf = buf[n:]
	}
	return d
}

func (tc *testConn) parseTestPacket(buf []byte) (*testPacket, int) {
	tc.t.Helper()
	ptype := packetType(buf[0] & 0x03)
	level := encLevel((buf[0] >> 4) & 0x0f)
	body := buf[1:]
	pnumVal, body, err := consumeVarint(body)
	if err != nil {
		return nil, -1
	}
	dstLen, body, err := consumeByteLen(body)
	if err != nil {
		return nil, -1
	}
	dst := body[:dstLen]
	body = body[dstLen:]
	var src []byte
	if ptype.isLongHeader() {
		srcLen, b2, err := consumeByteLen(body)
		if err != nil {
			return nil, -1
		}
		src = b2[:srcLen]
		body = b2[srcLen:]
	}
	if len(body) < 2 {
		return nil, -1
	}
	length := int(body[0])<<8 | int(body[1])
	body = body[2:]
	if length > len(body) {
		return nil, -1
	}
	ciphertext := body[:length]
	n := len(buf) - len(body) + length

	keys := tc.wkeys[level]
	if !keys.isSet() {
		tc.t.Fatalf("no keys for level %v, packet type %v", level, ptype)
	}
	plaintext, ok := keys.open(ciphertext)
	if !ok {
		tc.t.Fatalf("packet failed to decrypt with test-held keys")
	}
	frames, err := tc.parseTestFrames(plaintext)
	if err != nil {
		tc.t.Fatal(err)
	}
	return &testPacket{
		ptype:     ptype,
		level:     level,
		num:       packetNumber(pnumVal),
		dstConnID: dst,
		srcConnID: src,
		frames:    frames,
	}, n
}

func (tc *testConn) parseTestFrames(payload []byte) ([]frame, error) {
	tc.t.Helper()
	var frames []frame
	for len(payload) > 0 {
		f, n, err := parseFrame(payload)
		if err != nil {
			return nil, errors.New("error parsing frames")
		}
		if !tc.ignoreFrames[frameType(payload[0])] {
			frames = append(frames, f)
		}
		payload = payload[n:]
	}
	return frames, nil
}

// testConnHooks implements connTestHooks.
type testConnHooks testConn

// nextMessage is called by the Conn's event loop to request its next
// event.
func (tc *testConnHooks) nextMessage(msgc chan any, timer time.Time) (now time.Time, m any) {
	tc.timer = timer
	if !timer.IsZero() && !timer.After(tc.now) {
		if timer.Equal(tc.timerLastFired) {
			// If the connection timer fires at time T, the Conn should take
			// some action to advance the timer into the future. If the Conn
			// reschedules the timer for the same time, it isn't making
			// progress and we have a bug.
			tc.t.Errorf("connection timer spinning; now=%v timer=%v", tc.now, timer)
		} else {
			tc.timerLastFired = timer
			return tc.now, timerEvent{}
		}
	}
	select {
	case m := <-msgc:
		return tc.now, m
	default:
	}
	if tc.idlec != nil {
		idlec := tc.idlec
		tc.idlec = nil
		close(idlec)
	}
	m = <-msgc
	return tc.now, m
}

// testConnListener implements connListener.
type testConnListener testConn

func (tc *testConnListener) sendDatagram(p []byte, addr netip.AddrPort) error {
	tc.sentDatagrams = append(tc.sentDatagrams, append([]byte(nil), p...))
	return nil
}
