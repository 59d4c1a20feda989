package protocol

import "errors"

var (
	// ErrFraming marks a frame whose declared length or CRC trailer does
	// not match its bytes. The whole frame is discarded.
	ErrFraming = errors.New("protocol: bad frame")

	// ErrUnknownCommand marks a command byte outside the static registry.
	ErrUnknownCommand = errors.New("protocol: unknown command")

	// ErrMalformedPayload marks a structurally valid frame whose payload
	// does not match the expected shape for its subfunction.
	ErrMalformedPayload = errors.New("protocol: malformed payload")
)
