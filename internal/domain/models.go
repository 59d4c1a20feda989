package domain

import "time"

// SessionEndReason classifies why a session was torn down.
type SessionEndReason string

const (
	SessionEndDisconnect SessionEndReason = "disconnect"
	SessionEndTimeout    SessionEndReason = "timeout"
	SessionEndCommFault  SessionEndReason = "comm_fault"
	SessionEndUnknown    SessionEndReason = "unknown"
)

// Device is one embedded device seen on a link, keyed by its firmware id.
type Device struct {
	FirmwareID  string // hex-encoded 16-byte identifier
	DisplayName string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// Session is one established protocol session with a device.
type Session struct {
	LocalID                int64
	SessionID              uint32
	FirmwareID             string
	TransportName          string
	StartedAt              time.Time
	EndedAt                time.Time
	EndReason              SessionEndReason
	MaxBitrate             uint32
	HeartbeatTimeoutMillis uint32
}

// ConnEvent is one connection state transition, kept for diagnostics.
type ConnEvent struct {
	LocalID       int64
	State         string
	TransportName string
	At            time.Time
}
