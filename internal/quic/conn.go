// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/klzgrad/naiveproxy-sub047/internal/quic/congestion"
)

// versionNegotiationState tracks the client-side state machine:
// start -> in_progress -> negotiated.
type versionNegotiationState int

const (
	versionStart versionNegotiationState = iota
	versionInProgress
	versionNegotiated
)

// migrationState is the small effective-peer-migration sub-state machine,
// tracked only on the server.
type migrationState int

const (
	migrationInactive migrationState = iota
	migrationInProgress
)

type effectivePeerMigration struct {
	state             migrationState
	highestSentBefore packetNumber
	candidateAddr     netip.AddrPort
	candidateRecorded bool
}

// packetContentState classifies an incoming packet as it is processed,
// walking noFramesReceived -> firstFrameIsPing -> secondFrameIsPadding
// (a full connectivity probe) and landing on notPaddedPing the moment
// any other frame type appears. It resets at each packet boundary.
type packetContentState int

const (
	noFramesReceived packetContentState = iota
	firstFrameIsPing
	secondFrameIsPadding // a full connectivity probe: PING then PADDING
	notPaddedPing
)

// undecryptablePacket is a received ciphertext buffered because it did
// not decrypt under any currently installed key.
type undecryptablePacket struct {
	self, peer netip.AddrPort
	data       []byte
	recvTime   time.Time
}

// queuedPacket is a serialized, encrypted packet awaiting write because
// the writer was blocked.
type queuedPacket struct {
	data []byte
	peer netip.AddrPort
}

// ConnectionStats is the read-only counters bundle a Conn exposes
// through Stats. The metrics package keeps its own Prometheus
// collectors and does not read it.
type ConnectionStats struct {
	PacketsSent          uint64
	PacketsReceived      uint64
	PacketsDropped       uint64
	PacketsLost          uint64
	PacketsRetransmitted uint64
	WriteBlockedCount    uint64
	BytesInFlight        int
	SmoothedRTT          time.Duration
	MinRTT               time.Duration
}

// Conn is a single QUIC connection, run as one logical task on one loop
// goroutine. External API calls, alarm fires, and incoming datagrams
// are all delivered as values over msgc; nothing outside the loop
// goroutine ever reads or writes connection state directly, so nothing
// below the loop needs a mutex.
type Conn struct {
	side    connSide
	config  Config
	clock   Clock
	logger  logrus.FieldLogger

	listener connListener
	visitor  Visitor

	localConnID []byte
	peerConnID  []byte

	localAddr         netip.AddrPort
	peerAddr          netip.AddrPort
	effectivePeerAddr netip.AddrPort

	highestLevel      encLevel
	handshakeComplete bool
	connected         bool

	createdTime            time.Time
	lastReceivedTime       time.Time
	lastReceivedPacketTime time.Time // for fast_ack_after_quiescence
	lastSendForTimeout     time.Time

	rkeys keySet
	wkeys keySet

	acks [numEncLevels]*receivedPacketManager
	loss *sentPacketManager

	alarms *alarmSet

	ackQueued                   [numEncLevels]bool
	retransmittableSinceLastAck [numEncLevels]int
	largestAckedInSentAck       [numEncLevels]packetNumber

	version           uint32
	versionState      versionNegotiationState
	supportedVersions []uint32

	migration effectivePeerMigration

	pendingChallenge     [8]byte
	pendingChallengeAddr netip.AddrPort
	pendingChallengeSet  bool

	packetContent packetContentState

	undecryptable []undecryptablePacket

	mtuTarget    int
	mtuProbeSent bool
	longTermMTU  int

	flusherDepth                int
	sendTransmissionType        transmissionType
	retransmissionAlarmDeferred bool

	writerBlocked bool
	queuedPackets []queuedPacket
	pendingFrames [numEncLevels][]frame

	terminationPacket []byte

	pathDegrading bool

	stats ConnectionStats

	w packetWriter

	exited bool
	donec  chan struct{}
	msgc   chan any

	testSendPingSpace encLevel
	testHooks         connTestHooks
}

// connTestHooks lets tests observe and control the loop deterministically.
type connTestHooks interface {
	nextMessage(msgc chan any, timer time.Time) (now time.Time, m any)
}

type realHooks struct{ clock Clock }

func (h realHooks) nextMessage(msgc chan any, timer time.Time) (time.Time, any) {
	if timer.IsZero() {
		return h.clock.Now(), <-msgc
	}
	d := time.Until(timer)
	if d <= 0 {
		select {
		case m := <-msgc:
			return h.clock.Now(), m
		default:
			return h.clock.Now(), timerEvent{}
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case m := <-msgc:
		return h.clock.Now(), m
	case <-t.C:
		return h.clock.Now(), timerEvent{}
	}
}

// timerEvent is sent (by realHooks, or synthesized by tests) to wake the
// loop when an alarm's deadline has passed.
type timerEvent struct{}

// datagram is a received UDP datagram, delivered to the loop via msgc.
type datagram struct {
	self, peer netip.AddrPort
	b          []byte
	recvTime   time.Time
}

// newConn constructs a Conn and starts its loop goroutine. side, the
// connection ID the client's first Initial packet carried (server only;
// it becomes peerConnID, while the local connection ID is always chosen
// at random inside here), the peer's address, and the listener/visitor
// collaborators are supplied by the caller (a listener, for servers, or
// client bootstrap code). hooks overrides how the loop waits for its next
// event; passing nil selects realHooks, driven by clock and real timers.
// Tests pass their own hooks so the loop's event ordering is deterministic
// from the moment the goroutine starts, rather than racing to swap hooks
// in after the fact.
func newConn(now time.Time, side connSide, peerInitialConnID []byte, peer netip.AddrPort, listener connListener, visitor Visitor, config Config, clock Clock, logger logrus.FieldLogger, hooks connTestHooks) (*Conn, error) {
	localConnID, err := newRandomConnID()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &Conn{
		side:        side,
		config:      config,
		clock:       clock,
		logger:      logger.WithFields(logrus.Fields{"side": side.String()}),
		listener:    listener,
		visitor:     visitor,
		localConnID: localConnID,
		peerConnID:  peerInitialConnID,
		peerAddr:    peer,
		connected:   true,
		createdTime: now,
		lastReceivedTime: now,
		alarms:      newAlarmSet(),
		loss:        newSentPacketManager(congestion.NewReno()),
		version:     1,
		longTermMTU: 1452,
		mtuTarget:   1452,
		donec:       make(chan struct{}),
		msgc:        make(chan any, 16),
		testSendPingSpace: encAppData,
	}
	c.effectivePeerAddr = peer
	for lvl := encLevel(0); lvl < numEncLevels; lvl++ {
		c.acks[lvl] = newReceivedPacketManager()
		c.largestAckedInSentAck[lvl] = invalidPacketNumber
	}
	c.rkeys = installMockKeys(otherSide(side), 1)
	c.wkeys = installMockKeys(side, 0)
	c.highestLevel = encInitial
	if hooks != nil {
		c.testHooks = hooks
	} else {
		c.testHooks = realHooks{clock: clock}
	}
	c.setTimeoutAlarm()

	go c.loop()
	return c, nil
}

func otherSide(s connSide) connSide {
	if s == clientSide {
		return serverSide
	}
	return clientSide
}

// sendMsg enqueues m for the loop goroutine to process; it never blocks
// connection state, only the sender.
func (c *Conn) sendMsg(m any) {
	select {
	case c.msgc <- m:
	case <-c.donec:
	}
}

// runOnLoop runs f on the loop goroutine and blocks the caller until it
// has run, letting tests (and synchronous external callers) observe
// connection state safely despite the single-task concurrency model.
func (c *Conn) runOnLoop(f func(now time.Time, c *Conn)) {
	donec := make(chan struct{})
	c.sendMsg(func(now time.Time, c *Conn) {
		f(now, c)
		close(donec)
	})
	<-donec
}

// loop is the connection's one logical task: every external event
// arrives here serialized through msgc, so nothing below this point in
// the call graph needs a mutex.
func (c *Conn) loop() {
	defer close(c.donec)
	for {
		var timer time.Time
		if t, ok := c.alarms.nextDeadline(); ok {
			timer = t
		}
		now, m := c.testHooks.nextMessage(c.msgc, timer)
		if m == nil {
			return
		}
		c.handleMessage(now, m)
		if c.exited {
			return
		}
	}
}

func (c *Conn) handleMessage(now time.Time, m any) {
	switch v := m.(type) {
	case timerEvent:
		c.handleAlarms(now)
	case *datagram:
		c.processDatagramLocked(now, v)
	case func(now time.Time, c *Conn):
		v(now, c)
	}
}

// exit tears the loop down immediately without running close_with's
// protocol-level teardown; used by callers (e.g. test cleanup, or a
// listener discarding an abandoned connection) that don't need a
// CONNECTION_CLOSE sent.
func (c *Conn) exit() {
	c.sendMsg(func(now time.Time, c *Conn) {
		c.exited = true
	})
	<-c.donec
}
