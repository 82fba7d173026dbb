// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "crypto/rand"

// connIDLength is the length in bytes of connection IDs this endpoint
// generates for itself. The peer's connection IDs may be a different
// length; we never choose that.
const connIDLength = 8

// newRandomConnID returns a fresh, cryptographically random connection
// ID. Connection IDs are routing information, not secrets, but they must
// still be unpredictable enough that an off-path attacker cannot guess
// one and inject packets, so this stays on crypto/rand rather than
// math/rand: no example in this codebase's dependency set offers a CSPRNG
// wrapper worth adopting over the standard library here.
func newRandomConnID() ([]byte, error) {
	b := make([]byte, connIDLength)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// newPathChallengeData returns the 8 random bytes carried in a
// PATH_CHALLENGE frame.
func newPathChallengeData() ([8]byte, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return b, err
	}
	return b, nil
}
