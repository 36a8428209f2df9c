// Package server defines the connection states, error taxonomy and helpers
// shared by the relay and its clients.
package server

import (
	"errors"
	"strings"
)

// State is the lifecycle stage of a relay connection.
type State int32

// Connection states. Transitions only move forward, except that re-auth on
// an authenticated connection rebinds its identity.
const (
	StateConnecting State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrUnauthenticated marks a non-auth envelope received before the
	// connection bound an identity.
	ErrUnauthenticated = errors.New("envelope before authentication")
	// ErrSpoofedSender marks an envelope whose senderId differs from the
	// connection's bound identity.
	ErrSpoofedSender = errors.New("sender does not match connection identity")
	// ErrSendFailed wraps per-target delivery failures.
	ErrSendFailed = errors.New("send failed")
	// ErrSendBufferFull is returned by Client.Send when the target's queue is
	// full.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrClientClosed is returned by Client.Send after the connection ended.
	ErrClientClosed = errors.New("client closed")
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
