// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

// AEAD primitives, HPACK/QPACK codecs, and the TLS handshake that
// derives these keys are all explicit external collaborators: this
// file defines only the narrow interface the framer needs to seal and
// open packets, plus a non-secret mock: a fixed-size trailer appended
// in place of a real authentication tag, with no confidentiality or
// integrity guarantee. newConn installs these mock keys (installMockKeys)
// for every connection, so the mock is the only keying this package
// uses, in tests and outside them.

// aeadOverhead is the size of the trailer appended by sealMock; a real
// AEAD (installed by the TLS handshaker this package treats as
// external) would use its own tag size instead.
const aeadOverhead = 16

// packetKeys bundles the read and write AEAD state for one encryption
// level. isSet reports whether the keys have been installed yet; a
// zero-value packetKeys is never usable.
type packetKeys struct {
	level encLevel
	set   bool
	// secret disambiguates otherwise-identical mock seals between
	// peers and directions so a test can detect cross-talk.
	secret byte
}

func (k packetKeys) isSet() bool { return k.set }

// seal appends a deterministic, non-secret trailer to plaintext, so
// packets round-trip through encode/decode without a real AEAD;
// packetKeys has no other kind of key.
func (k packetKeys) seal(dst, plaintext []byte) []byte {
	dst = append(dst, plaintext...)
	for i := 0; i < aeadOverhead; i++ {
		dst = append(dst, k.secret)
	}
	return dst
}

// open strips and validates the mock trailer, returning the plaintext.
// It reports ok=false if the ciphertext is too short or the trailer does
// not match, modeling authentication failure the same way a real AEAD's
// tag mismatch would: the caller treats this exactly like any other
// undecryptable packet.
func (k packetKeys) open(ciphertext []byte) (plaintext []byte, ok bool) {
	if !k.set || len(ciphertext) < aeadOverhead {
		return nil, false
	}
	n := len(ciphertext) - aeadOverhead
	for i := n; i < len(ciphertext); i++ {
		if ciphertext[i] != k.secret {
			return nil, false
		}
	}
	return ciphertext[:n], true
}

// keySet holds the per-level keys for one connection, indexed by
// encLevel, for one direction (read or write).
type keySet [numEncLevels]packetKeys

// installMockKeys seeds a keySet with distinguishable per-level mock
// secrets, standing in for what a real TLS handshaker installs as each
// encryption level becomes available.
func installMockKeys(side connSide, dir byte) keySet {
	var ks keySet
	base := byte(0xa0)
	if side == serverSide {
		base = 0xb0
	}
	for lvl := encLevel(0); lvl < numEncLevels; lvl++ {
		ks[lvl] = packetKeys{level: lvl, set: lvl != encZeroRTT, secret: base + byte(lvl) + dir}
	}
	return ks
}
