// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/sirupsen/logrus"
)

// peekDestConnID extracts the destination connection ID from the front
// of a received datagram without decrypting anything, so an Endpoint
// can demultiplex a packet to the right Conn before that Conn's keys
// are even in scope.
func peekDestConnID(buf []byte) ([]byte, bool) {
	if len(buf) == 0 {
		return nil, false
	}
	typ := packetType((buf[0] >> 0) & 0x03)
	if typ == packetTypeVersionNegotiation {
		return nil, false
	}
	body := buf[1:]
	_, body, err := consumeVarint(body)
	if err != nil {
		return nil, false
	}
	dstLen, body, err := consumeByteLen(body)
	if err != nil || len(body) < dstLen {
		return nil, false
	}
	return body[:dstLen], true
}

// udpListener adapts a single Conn's connListener hook onto a shared
// net.PacketConn, so every Conn created by an Endpoint writes through
// the same underlying socket.
type udpListener struct {
	pc net.PacketConn
}

func (l udpListener) sendDatagram(b []byte, peer netip.AddrPort) error {
	_, err := l.pc.WriteTo(b, net.UDPAddrFromAddrPort(peer))
	return err
}

// Endpoint owns one UDP socket and demultiplexes datagrams to Conns by
// destination connection ID, handing unrecognized destination IDs to
// Accept as candidate new server-side connections.
type Endpoint struct {
	pc     net.PacketConn
	config Config
	clock  Clock
	logger logrus.FieldLogger

	mu    sync.Mutex
	conns map[string]*Conn
	acc   chan *Conn
	done  chan struct{}
}

// NewEndpoint binds a UDP socket at addr and returns an Endpoint ready
// to Serve it. config and logger are shared by every Conn the endpoint
// accepts or dials; pass a nil logger to use logrus's standard logger.
func NewEndpoint(addr string, config Config, logger logrus.FieldLogger) (*Endpoint, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("quic: listen %s: %w", addr, err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Endpoint{
		pc:     pc,
		config: config,
		clock:  SystemClock(),
		logger: logger,
		conns:  make(map[string]*Conn),
		acc:    make(chan *Conn, 16),
		done:   make(chan struct{}),
	}, nil
}

// LocalAddr returns the bound UDP address.
func (e *Endpoint) LocalAddr() net.Addr { return e.pc.LocalAddr() }

// Accept blocks until a new server-side connection's first Initial
// packet has arrived, or the endpoint is closed.
func (e *Endpoint) Accept() (*Conn, bool) {
	c, ok := <-e.acc
	return c, ok
}

// Dial opens a client-side connection to peer, registering it with
// this endpoint so replies are routed back to it.
func (e *Endpoint) Dial(peer netip.AddrPort, visitor Visitor) (*Conn, error) {
	c, err := NewClientConn(e.clock.Now(), peer, udpListener{e.pc}, visitor, e.config, e.clock, e.logger)
	if err != nil {
		return nil, err
	}
	e.register(c)
	return c, nil
}

func (e *Endpoint) register(c *Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns[hex.EncodeToString(c.LocalConnID())] = c
}

// Serve reads datagrams off the socket until it is closed, dispatching
// each to its Conn (creating a new server-side one when a destination
// ID is unrecognized) and delivering new connections to Accept.
func (e *Endpoint) Serve(visitorFactory func(peerInitialConnID []byte, peer netip.AddrPort) Visitor) error {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := e.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-e.done:
				return nil
			default:
			}
			return err
		}
		now := e.clock.Now()
		peer := addr.(*net.UDPAddr).AddrPort()
		b := append([]byte(nil), buf[:n]...)

		dst, ok := peekDestConnID(b)
		if !ok {
			continue
		}
		key := hex.EncodeToString(dst)
		e.mu.Lock()
		c, known := e.conns[key]
		e.mu.Unlock()
		if !known {
			c, err = NewServerConn(now, dst, peer, udpListener{e.pc}, visitorFactory(dst, peer), e.config, e.clock, e.logger)
			if err != nil {
				e.logger.WithError(err).Warn("quic: failed to accept connection")
				continue
			}
			e.register(c)
			select {
			case e.acc <- c:
			default:
				e.logger.Warn("quic: accept backlog full, dropping new connection")
			}
		}
		c.ProcessUDP(now, netip.AddrPort{}, peer, b)
	}
}

// Close shuts down the socket and every connection this endpoint is
// still tracking.
func (e *Endpoint) Close() error {
	close(e.done)
	e.mu.Lock()
	conns := make([]*Conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	close(e.acc)
	return e.pc.Close()
}
