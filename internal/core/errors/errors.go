// Package errors defines the sentinel errors shared across the realtime core.
package errors

import "errors"

var (
	// Authentication
	ErrUnauthorized  = errors.New("unauthorized")
	ErrAuthFailed    = errors.New("authentication failed")
	ErrTokenRequired = errors.New("authentication token is required")

	// Client connection lifecycle
	ErrNotConnected       = errors.New("not connected")
	ErrAlreadyConnected   = errors.New("already connected")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// Protocol
	ErrUnknownKind       = errors.New("unknown envelope kind")
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// Hub
	ErrHubStopped      = errors.New("hub is not running")
	ErrSyncUnavailable = errors.New("sync source is not configured")

	// Generic
	ErrTimeout  = errors.New("operation timed out")
	ErrInternal = errors.New("internal error")
)
