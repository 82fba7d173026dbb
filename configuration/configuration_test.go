// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package configuration

import (
	"testing"
	"time"

	"github.com/klzgrad/naiveproxy-sub047/internal/quic"
)

func TestParseDefaults(t *testing.T) {
	c, err := Parse([]byte(`listen: 0.0.0.0:4433`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Listen != "0.0.0.0:4433" {
		t.Errorf("Listen = %q, want 0.0.0.0:4433", c.Listen)
	}
	if c.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want default info", c.LogLevel)
	}
	if c.Metrics.Addr != "127.0.0.1:9433" {
		t.Errorf("Metrics.Addr = %q, want default", c.Metrics.Addr)
	}
}

func TestParseRejectsEmptyListen(t *testing.T) {
	if _, err := Parse([]byte(`loglevel: debug`)); err == nil {
		t.Fatal("Parse with no listen address: got nil error, want one")
	}
}

func TestParseTransportOverrides(t *testing.T) {
	in := []byte(`
listen: 127.0.0.1:4433
transport:
  ackmode: ack_decimation_with_reordering
  idletimeout: 45s
  maxpacketgap: 9000
`)
	c, err := Parse(in)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := c.QUICConfig()
	if got.AckMode != quic.AckDecimationWithReordering {
		t.Errorf("AckMode = %v, want AckDecimationWithReordering", got.AckMode)
	}
	if got.IdleTimeout != 45*time.Second {
		t.Errorf("IdleTimeout = %v, want 45s", got.IdleTimeout)
	}
	if got.MaxPacketGap != 9000 {
		t.Errorf("MaxPacketGap = %v, want 9000", got.MaxPacketGap)
	}
	// Fields the file never mentioned keep DefaultConfig's values.
	def := quic.DefaultConfig()
	if got.DelayedAckTime != def.DelayedAckTime {
		t.Errorf("DelayedAckTime = %v, want default %v", got.DelayedAckTime, def.DelayedAckTime)
	}
}
