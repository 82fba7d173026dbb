// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"net/netip"
	"time"
)

// Visitor is the session/application-layer callback bundle. The
// application/session layer is an explicit external collaborator: this
// package only ever calls these methods, never assumes anything about
// stream buffering or HTTP semantics.
type Visitor interface {
	OnStreamFrame(id int64, offset int64, data []byte, fin bool)
	OnRSTStream(id int64, code uint64, finalSize int64)
	OnWindowUpdate(id int64, offset int64)
	OnBlocked(id int64)
	OnGoAway(lastGoodStreamID int64, code uint64, reason string)
	OnConnectionClosed(err *TransportError)
	OnWriteBlocked()
	OnCanWrite()
	HasPendingHandshake() bool
	OnSuccessfulVersionNegotiation(version uint32)
	OnPathDegrading()
	OnConnectivityProbeReceived(local, remote netip.AddrPort)
	OnForwardProgressConfirmed()
	SendPing()
}

// NoopVisitor implements Visitor with methods that do nothing, letting
// callers embed it and override only the handlers they care about.
type NoopVisitor struct{}

func (NoopVisitor) OnStreamFrame(id int64, offset int64, data []byte, fin bool) {}
func (NoopVisitor) OnRSTStream(id int64, code uint64, finalSize int64)          {}
func (NoopVisitor) OnWindowUpdate(id int64, offset int64)                       {}
func (NoopVisitor) OnBlocked(id int64)                                          {}
func (NoopVisitor) OnGoAway(lastGoodStreamID int64, code uint64, reason string) {}
func (NoopVisitor) OnConnectionClosed(err *TransportError)                      {}
func (NoopVisitor) OnWriteBlocked()                                             {}
func (NoopVisitor) OnCanWrite()                                                 {}
func (NoopVisitor) HasPendingHandshake() bool                                   { return false }
func (NoopVisitor) OnSuccessfulVersionNegotiation(version uint32)               {}
func (NoopVisitor) OnPathDegrading()                                            {}
func (NoopVisitor) OnConnectivityProbeReceived(local, remote netip.AddrPort)    {}
func (NoopVisitor) OnForwardProgressConfirmed()                                {}
func (NoopVisitor) SendPing()                                                   {}

// WriteResult is the three-valued outcome of Writer.WritePacket: ok,
// blocked, or a specific error code (e.g. msg_too_big).
type WriteResult int

const (
	WriteOK WriteResult = iota
	WriteBlocked
	WriteErrorMsgTooBig
	WriteErrorOther
)

// Writer describes a full UDP socket write path. The connection core
// does not use it: a Conn sends through the narrower connListener, and
// endpoint.go's udpListener writes to a net.PacketConn directly.
type Writer interface {
	WritePacket(b []byte, self, peer netip.AddrPort, releaseTime time.Time) WriteResult
	IsWriteBlocked() bool
	IsBatchMode() bool
	Flush() error
	MaxPacketSize(peer netip.AddrPort) int
	SupportsReleaseTime() bool
}

// connListener is the narrower send-side hook the connection core
// actually calls on every flush: a thin wrapper letting tests intercept
// every outgoing datagram without needing a full Writer.
type connListener interface {
	sendDatagram(b []byte, peer netip.AddrPort) error
}

// AlarmFactory abstracts where deadlines come from; in this
// implementation alarms are driven by the connection's own event loop
// rather than independent OS timers firing into connection state,
// so the "factory" is just the loop's own timer computation
// (alarmSet.nextDeadline) plus a single time.Timer the loop blocks on.
// Conn does not consult an AlarmFactory; nothing in this package
// implements or accepts one.
type AlarmFactory interface {
	// ArmTimer schedules a single wake-up of the connection's loop at
	// t; the loop recomputes alarmSet.nextDeadline() itself on each
	// iteration, so ArmTimer only needs to guarantee a wake-up at or
	// before t.
	ArmTimer(t time.Time, wake func())
}
