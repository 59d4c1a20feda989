package comm

import "errors"

var (
	// ErrAlreadyInFlight is a programming misuse: Send was called while a
	// request was still outstanding.
	ErrAlreadyInFlight = errors.New("comm: a request is already in flight")

	// ErrNoResponse is a programming misuse: GetResponse was called with
	// no decoded response buffered.
	ErrNoResponse = errors.New("comm: no response available")

	// ErrRequestTimeout is surfaced through failure callbacks when no
	// valid response arrived within the deadline. It fails the request
	// only; the session is not torn down by a single timeout.
	ErrRequestTimeout = errors.New("comm: request timed out")

	// ErrRequestDropped is surfaced through failure callbacks when a
	// pending request is discarded before completion, e.g. on reset.
	ErrRequestDropped = errors.New("comm: request dropped")

	// ErrThrottlingImpossible means the request can never pass bandwidth
	// admission under the current throttler configuration.
	ErrThrottlingImpossible = errors.New("comm: request can never satisfy bandwidth limit")
)
