// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package configuration loads the demonstration endpoint's YAML
// configuration file into a Configuration value.
package configuration

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/klzgrad/naiveproxy-sub047/internal/quic"
)

// Configuration is the top-level shape of the demonstration endpoint's
// config file.
type Configuration struct {
	// Listen is the UDP address (host:port) the endpoint binds.
	Listen string `yaml:"listen"`

	// LogLevel is a logrus level name: panic, fatal, error, warn, info,
	// debug, or trace.
	LogLevel string `yaml:"loglevel"`

	// Metrics configures the Prometheus scrape endpoint.
	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	// Transport carries the connection-behavior knobs forwarded to
	// quic.Config.
	Transport struct {
		AckMode                      string        `yaml:"ackmode"`
		AckDecimationDelayShort      bool          `yaml:"ackdecimationdelayshort"`
		UnlimitedAckDecimation       bool          `yaml:"unlimitedackdecimation"`
		FastAckAfterQuiescence       bool          `yaml:"fastackafterquiescence"`
		AckReorderedPackets          bool          `yaml:"ackreorderedpackets"`
		CloseConnectionAfterFiveRTOs bool          `yaml:"closeconnectionafterfivertos"`
		NoStopWaitingFrames          bool          `yaml:"nostopwaitingframes"`
		SilentClose                  bool          `yaml:"silentclose"`
		MaxTrackedPackets            uint64        `yaml:"maxtrackedpackets"`
		MaxUndecryptablePackets      int           `yaml:"maxundecryptablepackets"`
		MaxPacketGap                 uint64        `yaml:"maxpacketgap"`
		HandshakeTimeout             time.Duration `yaml:"handshaketimeout"`
		IdleTimeout                  time.Duration `yaml:"idletimeout"`
		DelayedAckTime               time.Duration `yaml:"delayedacktime"`
		PingTimeout                  time.Duration `yaml:"pingtimeout"`
	} `yaml:"transport"`
}

// Default returns a Configuration with the demonstration endpoint's
// conservative out-of-the-box settings.
func Default() *Configuration {
	c := &Configuration{
		LogLevel: "info",
	}
	c.Metrics.Addr = "127.0.0.1:9433"
	return c
}

// Parse reads and validates a Configuration from in.
func Parse(in []byte) (*Configuration, error) {
	c := Default()
	if err := yaml.Unmarshal(in, c); err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}
	if c.Listen == "" {
		return nil, fmt.Errorf("configuration: listen address must not be empty")
	}
	return c, nil
}

// Load reads a Configuration from the YAML file at path.
func Load(path string) (*Configuration, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}
	return Parse(b)
}

// ackMode maps the transport.ackmode string onto quic's enum, defaulting
// to AckTCP for an empty or unrecognized value.
func (c *Configuration) ackMode() quic.AckDecimationMode {
	switch c.Transport.AckMode {
	case "ack_decimation":
		return quic.AckDecimation
	case "ack_decimation_with_reordering":
		return quic.AckDecimationWithReordering
	default:
		return quic.AckTCP
	}
}

// QUICConfig builds the quic.Config this configuration describes,
// starting from quic.DefaultConfig and overriding only the fields the
// file actually set.
func (c *Configuration) QUICConfig() quic.Config {
	cfg := quic.DefaultConfig()
	cfg.AckMode = c.ackMode()
	cfg.AckDecimationDelayShort = c.Transport.AckDecimationDelayShort
	cfg.UnlimitedAckDecimation = c.Transport.UnlimitedAckDecimation
	cfg.FastAckAfterQuiescence = c.Transport.FastAckAfterQuiescence
	cfg.AckReorderedPackets = c.Transport.AckReorderedPackets
	cfg.CloseConnectionAfterFiveRTOs = c.Transport.CloseConnectionAfterFiveRTOs
	cfg.NoStopWaitingFrames = c.Transport.NoStopWaitingFrames
	cfg.SilentClose = c.Transport.SilentClose
	if c.Transport.MaxTrackedPackets != 0 {
		cfg.MaxTrackedPackets = c.Transport.MaxTrackedPackets
	}
	if c.Transport.MaxUndecryptablePackets != 0 {
		cfg.MaxUndecryptablePackets = c.Transport.MaxUndecryptablePackets
	}
	if c.Transport.MaxPacketGap != 0 {
		cfg.MaxPacketGap = c.Transport.MaxPacketGap
	}
	if c.Transport.HandshakeTimeout != 0 {
		cfg.HandshakeTimeout = c.Transport.HandshakeTimeout
	}
	if c.Transport.IdleTimeout != 0 {
		cfg.IdleTimeout = c.Transport.IdleTimeout
	}
	if c.Transport.DelayedAckTime != 0 {
		cfg.DelayedAckTime = c.Transport.DelayedAckTime
	}
	if c.Transport.PingTimeout != 0 {
		cfg.PingTimeout = c.Transport.PingTimeout
	}
	return cfg
}
