// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "time"

// Clock abstracts time.Now so that the connection state machine never
// reads the system clock directly: every alarm deadline and RTT sample
// flows through one injected Clock, letting tests replace it with a
// fully deterministic fake (see testClock in the test harness).
type Clock interface {
	Now() time.Time
}

// systemClock is the production Clock, backed by the real wall clock.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the production Clock implementation, backed by
// the real wall clock, for callers outside this package wiring up a
// real connection.
func SystemClock() Clock { return systemClock{} }
