package events

import (
	"time"

	"devlink/internal/protocol"
)

// ConnectionState describes the device handler lifecycle state exposed to
// front ends and the session recorder.
type ConnectionState string

const (
	ConnectionStateInit        ConnectionState = "init"
	ConnectionStateDiscovering ConnectionState = "discovering"
	ConnectionStateConnecting  ConnectionState = "connecting"
	ConnectionStateHandshaking ConnectionState = "handshaking"
	ConnectionStateReady       ConnectionState = "ready"
)

// ConnStatus is a bus event snapshot of the current connection status.
type ConnStatus struct {
	State         ConnectionState
	Err           string
	TransportName string
	Timestamp     time.Time
}

// DeviceFound announces a device answering Discover probes.
type DeviceFound struct {
	FirmwareID  [protocol.FirmwareIDSize]byte
	DisplayName string
	Timestamp   time.Time
}

// DeviceReady announces a fully negotiated session.
type DeviceReady struct {
	SessionID uint32
	Params    protocol.CommParams
	Timestamp time.Time
}

// DeviceGone announces the loss of a previously established session. It is
// published exactly once per session.
type DeviceGone struct {
	SessionID uint32
	Reason    string
	Timestamp time.Time
}

// CommError carries a comm-level fault for diagnostics views.
type CommError struct {
	Message   string
	Count     int
	Timestamp time.Time
}

// BitrateSnapshot is a periodic throughput measurement.
type BitrateSnapshot struct {
	AverageBps float64
	Timestamp  time.Time
}
