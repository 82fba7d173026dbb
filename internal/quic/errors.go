// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "fmt"

// TransportErrorCode identifies the kind of failure that tore down a
// connection. The values are a closed set; new kinds of failure should
// reuse an existing code rather than inventing one, the way QUIC
// transport error codes are themselves a small fixed registry.
type TransportErrorCode int

const (
	ErrNone TransportErrorCode = iota
	ErrInvalidVersion
	ErrInvalidAckDataTooHigh
	ErrInvalidAckDataTooLow
	ErrInvalidPacketHeader
	ErrInvalidStopWaitingData
	ErrUnencryptedStreamData
	ErrMaybeCorruptedMemory
	ErrTooManyOutstandingSentPackets
	ErrTooManyRTOs
	ErrNetworkIdleTimeout
	ErrHandshakeTimeout
	ErrPacketWriteError
	ErrPublicReset
	ErrErrorMigratingAddress
	ErrInternalError
	ErrEmptyWrite
)

func (c TransportErrorCode) String() string {
	switch c {
	case ErrNone:
		return "no_error"
	case ErrInvalidVersion:
		return "invalid_version"
	case ErrInvalidAckDataTooHigh:
		return "invalid_ack_data: too high"
	case ErrInvalidAckDataTooLow:
		return "invalid_ack_data: too low"
	case ErrInvalidPacketHeader:
		return "invalid_packet_header"
	case ErrInvalidStopWaitingData:
		return "invalid_stop_waiting_data"
	case ErrUnencryptedStreamData:
		return "unencrypted_stream_data"
	case ErrMaybeCorruptedMemory:
		return "maybe_corrupted_memory"
	case ErrTooManyOutstandingSentPackets:
		return "too_many_outstanding_sent_packets"
	case ErrTooManyRTOs:
		return "too_many_rtos"
	case ErrNetworkIdleTimeout:
		return "network_idle_timeout"
	case ErrHandshakeTimeout:
		return "handshake_timeout"
	case ErrPacketWriteError:
		return "packet_write_error"
	case ErrPublicReset:
		return "public_reset"
	case ErrErrorMigratingAddress:
		return "error_migrating_address"
	case ErrInternalError:
		return "internal_error"
	case ErrEmptyWrite:
		return "empty_write"
	default:
		return fmt.Sprintf("transport_error(%d)", int(c))
	}
}

// CloseBehavior selects how a connection announces its own teardown to
// the peer.
type CloseBehavior int

const (
	// SendClosePacket serializes and sends a CONNECTION_CLOSE frame.
	SendClosePacket CloseBehavior = iota
	// SendClosePacketNoAck sends a CONNECTION_CLOSE frame without waiting
	// for, or caring about, any acknowledgement.
	SendClosePacketNoAck
	// Silent tears the connection down locally without notifying the peer.
	Silent
)

// TransportError is the error surfaced to a Visitor when a connection is
// torn down, whether by peer protocol violation, resource exhaustion,
// timeout, or local failure. It implements the standard error interface so
// it composes with errors.Is/errors.As like any other Go error.
type TransportError struct {
	Code     TransportErrorCode
	Details  string
	Behavior CloseBehavior

	// FromPeer records whether the peer originated the closure (a
	// received CONNECTION_CLOSE, or a stateless reset) rather than the
	// local state machine.
	FromPeer bool
}

func (e *TransportError) Error() string {
	if e.Details == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Details)
}

// newError constructs a locally raised TransportError with the given
// close behavior.
func newError(code TransportErrorCode, behavior CloseBehavior, details string) *TransportError {
	return &TransportError{Code: code, Details: details, Behavior: behavior}
}
