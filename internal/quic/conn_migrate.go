// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"net/netip"
	"time"

	"github.com/klzgrad/naiveproxy-sub047/internal/quic/metrics"
)

// observeEffectivePeer implements effective peer migration detection: a
// server that receives a non-probing packet from an address
// other than the one it currently sends to has an effective peer address
// change candidate. It does not switch its send address until the new
// path is validated by a round-trip PATH_CHALLENGE/PATH_RESPONSE, so an
// off-path attacker spoofing the source address of a single packet can't
// redirect traffic.
func (c *Conn) observeEffectivePeer(now time.Time, peer netip.AddrPort) {
	if c.side != serverSide {
		return
	}
	if peer == c.effectivePeerAddr {
		return
	}
	if c.migration.state == migrationInProgress && peer == c.migration.candidateAddr {
		return // already validating this candidate
	}
	c.migration.state = migrationInProgress
	c.migration.candidateAddr = peer
	c.migration.highestSentBefore = c.loss.spaces[encAppData].largestSent
	c.migration.candidateRecorded = true
	c.sendPathChallenge(peer)
}

// completeMigration adopts the validated candidate address as the new
// effective peer address, reports the connection as application-limited
// to the congestion controller, and notifies the Visitor. The congestion
// window and the RTT estimator are not reset: the new path starts from
// the old path's state.
func (c *Conn) completeMigration() {
	c.effectivePeerAddr = c.migration.candidateAddr
	c.migration.state = migrationInactive
	c.migration.candidateRecorded = false
	c.loss.cc.OnApplicationLimited() // conservative: treat the new path as freshly idle
	metrics.MigrationsCompleted.Inc()
	c.visitor.OnForwardProgressConfirmed()
}

// MigrateTo is the client-initiated counterpart to server-side passive
// migration detection: it begins validating a new local path to peer
// before any traffic moves, so a client that observes its own interface
// change (e.g. Wi-Fi to cellular) can proactively probe the new route.
func (c *Conn) MigrateTo(peer netip.AddrPort) {
	c.runOnLoop(func(now time.Time, c *Conn) {
		if c.side != clientSide {
			return
		}
		c.migration.state = migrationInProgress
		c.migration.candidateAddr = peer
		c.migration.highestSentBefore = c.loss.spaces[encAppData].largestSent
		c.sendPathChallenge(peer)
	})
}
