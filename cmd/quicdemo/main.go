// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command quicdemo runs a minimal QUIC endpoint over a real UDP
// socket, wiring the connection core to the demonstration
// configuration, logging, and metrics stack.
package main

import (
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/klzgrad/naiveproxy-sub047/configuration"
	"github.com/klzgrad/naiveproxy-sub047/internal/quic"
)

var configPath string

func init() {
	RootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the endpoint's YAML configuration file")
}

// RootCmd is the main command for the quicdemo binary.
var RootCmd = &cobra.Command{
	Use:   "quicdemo",
	Short: "`quicdemo` runs a QUIC endpoint for demonstration and testing",
	Long:  "`quicdemo` runs a QUIC endpoint for demonstration and testing",
	Run: func(cmd *cobra.Command, args []string) {
		if configPath == "" {
			fmt.Fprintln(os.Stderr, "configuration error: --config is required")
			// nolint:errcheck
			cmd.Usage()
			os.Exit(1)
		}
		config, err := configuration.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			os.Exit(1)
		}
		if err := run(config); err != nil {
			logrus.Fatal(err)
		}
	},
}

func configureLogging(level string) *logrus.Logger {
	logger := logrus.New()
	l, err := logrus.ParseLevel(level)
	if err != nil {
		l = logrus.InfoLevel
		logger.Warnf("unrecognized loglevel %q, using info", level)
	}
	logger.SetLevel(l)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logger
}

// demoVisitor is the Visitor every accepted or dialed connection uses:
// it logs the events a demonstration endpoint cares about and otherwise
// does nothing, since this binary has no stream-layer application atop
// the transport.
type demoVisitor struct {
	quic.NoopVisitor
	logger logrus.FieldLogger
}

func (v demoVisitor) OnConnectionClosed(err *quic.TransportError) {
	v.logger.WithField("error", err).Info("connection closed")
}

func (v demoVisitor) OnPathDegrading() {
	v.logger.Warn("path degrading")
}

func (v demoVisitor) HasPendingHandshake() bool { return false }

func run(config *configuration.Configuration) error {
	logger := configureLogging(config.LogLevel)

	if config.Metrics.Addr != "" {
		go func() {
			logger.Infof("serving metrics on %s/metrics", config.Metrics.Addr)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(config.Metrics.Addr, mux); err != nil {
				logger.WithError(err).Error("metrics server exited")
			}
		}()
	}

	ep, err := quic.NewEndpoint(config.Listen, config.QUICConfig(), logger)
	if err != nil {
		return err
	}
	logger.Infof("listening on %v", ep.LocalAddr())

	go func() {
		err := ep.Serve(func(peerInitialConnID []byte, peer netip.AddrPort) quic.Visitor {
			logger.WithField("peer", peer).Info("accepting connection")
			return demoVisitor{logger: logger}
		})
		if err != nil {
			logger.WithError(err).Error("endpoint stopped serving")
		}
	}()

	quitc := make(chan os.Signal, 1)
	signal.Notify(quitc, os.Interrupt, syscall.SIGTERM)
	<-quitc
	logger.Info("shutting down")
	return ep.Close()
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
