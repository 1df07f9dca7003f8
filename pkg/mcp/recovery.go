package mcp

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"
)

// RecoveryAction determines how a failed MCP operation is handled.
type RecoveryAction int

const (
	// NoRetry means the error is not recoverable (bad request, auth
	// failure, cancellation).
	NoRetry RecoveryAction = iota
	// RetrySameSession means the error is transient and the existing
	// session can serve the retry.
	RetrySameSession
	// RetryNewSession means the transport died; recreate the session
	// before retrying.
	RetryNewSession
)

const (
	// InitTimeout bounds transport creation plus the MCP handshake.
	InitTimeout = 30 * time.Second

	// ReinitTimeout bounds session recreation during recovery.
	ReinitTimeout = 10 * time.Second

	// OperationTimeout is the per-call deadline for CallTool and
	// ListTools. The session's tool timeout sits above this and is the
	// hard ceiling.
	OperationTimeout = 90 * time.Second

	// RetryBackoffMin and RetryBackoffMax bound the jittered backoff
	// before the single retry.
	RetryBackoffMin = 250 * time.Millisecond
	RetryBackoffMax = 750 * time.Millisecond

	// HealthPingTimeout bounds one health probe.
	HealthPingTimeout = 5 * time.Second

	// HealthInterval is the health check loop period.
	HealthInterval = 15 * time.Second
)

// ClassifyError decides the recovery action for an MCP operation error.
func ClassifyError(err error) RecoveryAction {
	if err == nil {
		return NoRetry
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NoRetry
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			// Timeout: don't retry, the server may simply be slow.
			return NoRetry
		}
		return RetryNewSession
	}

	if isConnectionError(err) {
		return RetryNewSession
	}

	if isProtocolError(err) {
		return NoRetry
	}

	// Unknown errors are not safe to retry.
	return NoRetry
}

// isConnectionError detects transport-level failures.
func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	msg := strings.ToLower(err.Error())
	connectionErrors := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"connection closed",
		"no such host",
	}
	for _, indicator := range connectionErrors {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}

// isProtocolError detects JSON-RPC level errors from the SDK, which are
// client-side mistakes rather than transient failures.
func isProtocolError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, indicator := range []string{
		"method not found",
		"invalid params",
		"invalid request",
		"parse error",
	} {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}
