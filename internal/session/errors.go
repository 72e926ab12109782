package session

import "errors"

var (
	// ErrNotConnected is returned by SendMessage unless the session is Ready.
	ErrNotConnected = errors.New("chat session not connected")
	// ErrDestinationNotFound means no destination matched the requested name.
	ErrDestinationNotFound = errors.New("destination not found")
	// ErrInvalidAttachment covers bad URL schemes, oversized payloads and
	// non-image content.
	ErrInvalidAttachment = errors.New("invalid attachment")
	// ErrTransportOpen wraps failures to start a transport.
	ErrTransportOpen = errors.New("transport open failed")
	// ErrStopped is returned when the supervisor loop is not running.
	ErrStopped = errors.New("session supervisor stopped")
)
