package device

import "errors"

var (
	// ErrSessionMismatch means a heartbeat carried a session id other than
	// the active one. Fatal to the session, forces a full reconnect.
	ErrSessionMismatch = errors.New("device: session id mismatch")
	// ErrBadChallenge means the heartbeat challenge echo was wrong.
	ErrBadChallenge = errors.New("device: bad heartbeat challenge response")
	// ErrDeviceRefused wraps a non-OK response code during the handshake.
	ErrDeviceRefused = errors.New("device: request refused")
)
