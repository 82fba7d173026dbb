// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

// Variable-length integer encoding, RFC 9000 Section 16. The two
// high bits of the first byte select the encoded length (1, 2, 4, or 8
// bytes), leaving 6, 14, 30, or 62 bits respectively for the value.

import "errors"

var errVarintRange = errors.New("quic: varint out of range")

const maxVarint = (uint64(1) << 62) - 1

func appendVarint(b []byte, v uint64) []byte {
	switch {
	case v <= 63:
		return append(b, byte(v))
	case v <= 16383:
		return append(b, byte(0x40|v>>8), byte(v))
	case v <= 1073741823:
		return append(b, byte(0x80|v>>24), byte(v>>16), byte(v>>8), byte(v))
	case v <= maxVarint:
		return append(b,
			byte(0xc0|v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
			byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	default:
		panic("quic: varint value out of range")
	}
}

func varintLen(v uint64) int {
	switch {
	case v <= 63:
		return 1
	case v <= 16383:
		return 2
	case v <= 1073741823:
		return 4
	default:
		return 8
	}
}

// consumeVarint parses a varint from the front of b, returning the value
// and the remaining bytes. It returns an error if b is too short or the
// value does not fit in 62 bits (which cannot happen given the 2-bit
// length prefix, but keeps the signature uniform with other readers).
func consumeVarint(b []byte) (v uint64, rest []byte, err error) {
	if len(b) == 0 {
		return 0, nil, errVarintRange
	}
	length := 1 << (b[0] >> 6)
	if len(b) < length {
		return 0, nil, errVarintRange
	}
	v = uint64(b[0] & 0x3f)
	for i := 1; i < length; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v, b[length:], nil
}
