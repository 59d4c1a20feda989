package transport

import "errors"

// Transport is the abstract byte-stream link consumed by the comm handler.
// Read and Write never block: Read drains whatever bytes are pending and
// returns nil when there are none; Write queues or sends immediately.
// Process drives the underlying channel and must be called on every
// handler tick. Operational reporting false means the current exchange
// must be abandoned immediately.
type Transport interface {
	Name() string
	Initialize() error
	Destroy()
	Write(data []byte) error
	Read() ([]byte, error)
	Process()
	Operational() bool
}

var ErrNotInitialized = errors.New("transport is not initialized")
